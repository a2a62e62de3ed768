// Package api содержит HTTP API статуса vss-dci.
//
// Структура:
//   - handler.go        — Handler с DI (хранилище, шина, logger)
//   - routes.go         — регистрация маршрутов
//   - middleware.go     — middleware (logging, recovery)
//   - response.go       — унифицированные JSON-ответы и обработка ошибок
//   - dto.go            — Data Transfer Objects
//   - status_handler.go — /status и /bus/reconnect
//   - slot_handler.go   — /slots
//
// API только читает состояние. Единственное изменяющее действие —
// явное снятие блокировки переподключения шины.
package api
