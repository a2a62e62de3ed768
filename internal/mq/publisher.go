package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/vss/internal/domain"
)

// MessageType — тип сообщения в шине.
// Для событий совпадает с routing key (slot.update, call.end, ...).
type MessageType string

// Типы команд.
const (
	MessageTypeAutodialLead MessageType = "autodial.lead"
	MessageTypeSIPDial      MessageType = "sip.dial"
	MessageTypeGACSExecute  MessageType = "gacs.execute"
	MessageTypeDRPExecute   MessageType = "drp.execute"
	MessageTypeSlotCall     MessageType = "slot.call"
	MessageTypeSlotRegister MessageType = "slot.register"
	MessageTypeStreamStart  MessageType = "slot.stream_start"
	MessageTypeStreamStop   MessageType = "slot.stream_stop"
	MessageTypeSlotFault    MessageType = "slot.fault"
)

// Message — конверт сообщения шины.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	// Для команд используется как ключ идемпотентности.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage создаёт сообщение с новым ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("%w: publish to %s/%s: %w", ErrTransport, exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishJSON публикует произвольный JSON payload.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	return p.Publish(ctx, exchange, routingKey, NewMessage(msgType, payload))
}

// PublishDial публикует команду исходящего вызова для call-control.
func (p *Publisher) PublishDial(ctx context.Context, cmd domain.DialCommand) error {
	return p.PublishJSON(ctx, ExchangeCommands, RoutingKeySIPDial, MessageTypeSIPDial, cmd)
}

// PublishLead возвращает lead в пул автодозвона.
func (p *Publisher) PublishLead(ctx context.Context, lead domain.Lead) error {
	return p.PublishJSON(ctx, ExchangeCommands, RoutingKeyAutodialLead, MessageTypeAutodialLead, lead)
}
