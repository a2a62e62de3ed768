package slot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/vss/internal/mq"
)

// Default configuration values.
const (
	defaultLeadRetryDelay = 5 * time.Second
	defaultPrefetch       = 5
)

// Service — сервис команд DCI.
//
// Service:
//   - потребляет команды из очередей DCI (leads, slot.*, gacs, drp)
//   - отслеживает активные вызовы по call.start/call.end
//   - периодически переотправляет неопубликованные slot.update
type Service struct {
	registry *Registry
	store    Store
	commands CommandPublisher
	conn     *mq.Connection
	calls    *CallTracker
	replayer *Replayer

	leadRetryDelay time.Duration
	prefetch       int

	consumers []*mq.Consumer

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// ServiceConfig — конфигурация Service.
type ServiceConfig struct {
	Registry *Registry
	Store    Store
	Commands CommandPublisher
	Conn     *mq.Connection

	// Replayer — опционально.
	Replayer *Replayer

	// LeadRetryDelay — пауза перед возвратом lead в очередь, если нет свободного слота (default: 5s).
	LeadRetryDelay time.Duration

	// Prefetch — prefetch каждого consumer (default: 5).
	Prefetch int

	Logger *slog.Logger
}

// NewService создаёт Service.
func NewService(cfg ServiceConfig) *Service {
	delay := cfg.LeadRetryDelay
	if delay <= 0 {
		delay = defaultLeadRetryDelay
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		registry:       cfg.Registry,
		store:          cfg.Store,
		commands:       cfg.Commands,
		conn:           cfg.Conn,
		calls:          NewCallTracker(),
		replayer:       cfg.Replayer,
		leadRetryDelay: delay,
		prefetch:       prefetch,
		logger:         logger.With("component", "dci"),
	}
}

// Calls возвращает трекер активных вызовов.
func (s *Service) Calls() *CallTracker {
	return s.calls
}

// Start запускает consumers и replayer.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	handlers := []struct {
		queue   mq.Queue
		handler mq.Handler
	}{
		{mq.QueueAutodialLeads, s.command(s.handleLead)},
		{mq.QueueSlotCommands, s.command(s.handleSlotCommand)},
		{mq.QueueGACSCommands, s.command(s.handleGACS)},
		{mq.QueueDRPCommands, s.command(s.handleDRP)},
		{mq.QueueDCICallEvents, s.handleCallEvent},
	}

	s.logger.Info("starting dci service", "consumers", len(handlers), "lead_retry_delay", s.leadRetryDelay)

	for _, h := range handlers {
		consumer := mq.NewConsumer(s.conn, s.logger, mq.ConsumerConfig{
			Queue:    h.queue,
			Handler:  h.handler,
			Prefetch: s.prefetch,
		})
		s.consumers = append(s.consumers, consumer)

		queue := h.queue
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("consumer error", "queue", queue, "error", err)
			}
		}()
	}

	if s.replayer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.replayer.Run(ctx)
		}()
	}

	s.logger.Info("dci service started")
	return nil
}

// Stop останавливает Service и ждёт завершения обработчиков.
func (s *Service) Stop() {
	s.stoppedMu.Lock()
	s.stopped = true
	s.stoppedMu.Unlock()

	s.logger.Info("stopping dci service...")

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	for _, c := range s.consumers {
		c.Stop()
	}

	s.wg.Wait()

	s.logger.Info("dci service stopped", "active_calls", s.calls.Active())
}

// IsStopped проверяет, остановлен ли Service.
func (s *Service) IsStopped() bool {
	s.stoppedMu.RLock()
	defer s.stoppedMu.RUnlock()
	return s.stopped
}
