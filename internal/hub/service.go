package hub

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/vss/internal/event"
	"github.com/shaiso/vss/internal/mq"
)

const defaultPrefetch = 20

// Queues — очереди событий, которые слушает hub.
var Queues = []mq.Queue{
	mq.QueueHubSlot,
	mq.QueueHubCall,
	mq.QueueHubRecording,
	mq.QueueHubPipeline,
	mq.QueueHubAlert,
}

// Service потребляет события из vss.events и раздаёт их через Hub.
type Service struct {
	hub      *Hub
	conn     *mq.Connection
	prefetch int
	logger   *slog.Logger
}

// ServiceConfig — конфигурация Service.
type ServiceConfig struct {
	Hub  *Hub
	Conn *mq.Connection

	// Prefetch — prefetch каждого consumer (default: 20).
	Prefetch int

	Logger *slog.Logger
}

// NewService создаёт Service.
func NewService(cfg ServiceConfig) *Service {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		hub:      cfg.Hub,
		conn:     cfg.Conn,
		prefetch: prefetch,
		logger:   logger.With("component", "hub-consumers"),
	}
}

// Run запускает consumers и блокируется до отмены ctx или ошибки
// одного из них (остальные при этом останавливаются).
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, queue := range Queues {
		consumer := mq.NewConsumer(s.conn, s.logger, mq.ConsumerConfig{
			Queue:    queue,
			Handler:  s.handleEvent,
			Prefetch: s.prefetch,
		})
		g.Go(func() error {
			err := consumer.Start(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("consumer error", "queue", queue, "error", err)
			}
			return err
		})
	}

	s.logger.Info("hub consumers started", "queues", len(Queues))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleEvent раздаёт событие. Сообщение подтверждается после раздачи,
// даже если ни одна сессия его не получила.
func (s *Service) handleEvent(ctx context.Context, d *mq.Delivery) error {
	ev, err := event.Decode(&d.Message)
	if err != nil {
		return err
	}
	n := s.hub.Broadcast(ev)
	s.logger.Debug("event broadcast", "type", ev.EventType(), "slot_id", ev.Slot(), "sessions", n)
	return nil
}
