// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — менеджер соединения (backoff, лимит попыток, local-only режим)
//   - throttle.go   — подавление повторяющихся ошибок в логах
//   - topology.go   — объявление exchanges, queues, bindings по сервисам
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление с ручным ack/nack
//   - commands.go   — payload команд
//
// Exchanges:
//   - vss.commands — команды (slot.*, sip.dial, gacs.execute, drp.execute, autodial.lead)
//   - vss.events   — события (slot.*, call.*, recording.*, pipeline.*, system.alert)
//   - vss.dlq      — dead letter queue для команд
//
// Доставка at-least-once: обработчики должны быть идемпотентны.
package mq
