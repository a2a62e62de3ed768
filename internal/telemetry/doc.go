// Package telemetry — логирование и метрики сервисов vss.
//
// logging.go настраивает slog (JSON или text, уровень из LOG_LEVEL) и даёт
// хелперы для slot_id, command_id и session_id. metrics.go регистрирует
// Prometheus-метрики шины, слотов, GACS/DRP и hub; vss-dci и vss-hub
// отдают их на /metrics.
package telemetry
