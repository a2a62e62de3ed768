// Package cli реализует ops-утилиту vss-ctl.
//
// # Обзор
//
// CLI — клиент для status API сервиса vss-dci. Работает через HTTP
// и не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент status API. Инкапсулирует запросы, разбор ответов
// (DataResponse, ListResponse, ErrorResponse) и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8081")
//	status, err := client.Status(ctx)
//
// ## Output
//
// Форматирование вывода: таблицы (text/tabwriter) по умолчанию,
// JSON с флагом --json. Данные пишутся в stdout, сообщения в stderr,
// поэтому работает pipe: vss-ctl slots list --json | jq .
//
// ## Commands
//
//   - status: сводка по слотам и шине
//   - slots: list, show, history
//   - bus: reconnect
package cli
