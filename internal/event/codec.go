package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/vss/internal/mq"
)

// Encode упаковывает событие в конверт шины.
func Encode(e Event) *mq.Message {
	return mq.NewMessage(mq.MessageType(e.EventType()), e)
}

// Decode восстанавливает конкретный тип события из конверта.
// Неизвестная категория — постоянная ошибка (сообщение уходит в DLQ).
func Decode(msg *mq.Message) (Event, error) {
	eventType := string(msg.Type)
	category, err := CategoryOf(eventType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", mq.ErrPermanent, err)
	}

	var e Event
	switch category {
	case CategorySlot:
		e, err = decodeAs[SlotEvent](msg, eventType)
	case CategoryCall, CategoryRecording:
		e, err = decodeAs[CallEvent](msg, eventType)
	case CategoryPipeline:
		e, err = decodeAs[PipelineEvent](msg, eventType)
	case CategoryAlert:
		e, err = decodeAs[AlertEvent](msg, eventType)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// typed — события, у которых тип хранится в поле Type.
type typed interface {
	SlotEvent | CallEvent | PipelineEvent | AlertEvent
}

func decodeAs[T typed](msg *mq.Message, eventType string) (Event, error) {
	v, err := mq.ParsePayload[T](msg)
	if err != nil {
		return nil, err
	}

	// Тип конверта главнее поля payload
	switch e := any(&v).(type) {
	case *SlotEvent:
		e.Type = eventType
		return e, nil
	case *CallEvent:
		e.Type = eventType
		return e, nil
	case *PipelineEvent:
		e.Type = eventType
		return e, nil
	case *AlertEvent:
		e.Type = eventType
		return e, nil
	}
	return nil, fmt.Errorf("%w: unsupported event %s", mq.ErrPermanent, eventType)
}

// Sink — получатель событий. Реализуется Publisher и тестовыми фейками.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Publisher публикует события в vss.events с routing key = тип.
type Publisher struct {
	pub    *mq.Publisher
	logger *slog.Logger
}

// NewPublisher создаёт Publisher поверх mq.Publisher.
func NewPublisher(pub *mq.Publisher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{pub: pub, logger: logger}
}

// Publish отправляет событие. Ошибки оборачивают mq.ErrTransport.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	if err := p.pub.Publish(ctx, mq.ExchangeEvents, mq.RoutingKey(e.EventType()), Encode(e)); err != nil {
		return fmt.Errorf("publish %s: %w", e.EventType(), err)
	}
	return nil
}
