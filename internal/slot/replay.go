package slot

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/vss/internal/event"
)

// Default configuration values.
const (
	defaultReplayInterval = 10 * time.Second
	defaultReplayBatch    = 100
)

// Replayer переотправляет slot.update для записей истории,
// публикация которых не удалась. Такие события помечены Replayed
// и могут прийти после более новых событий слота.
type Replayer struct {
	store    Store
	events   event.Sink
	registry *Registry

	// ready — шина доступна; nil — всегда.
	ready func() bool

	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// ReplayerConfig — конфигурация Replayer.
type ReplayerConfig struct {
	Store    Store
	Events   event.Sink
	Registry *Registry
	Ready    func() bool

	Interval  time.Duration // default: 10s
	BatchSize int           // default: 100

	Logger *slog.Logger
}

// NewReplayer создаёт Replayer.
func NewReplayer(cfg ReplayerConfig) *Replayer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultReplayInterval
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultReplayBatch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{
		store:     cfg.Store,
		events:    cfg.Events,
		registry:  cfg.Registry,
		ready:     cfg.Ready,
		interval:  interval,
		batchSize: batch,
		logger:    logger.With("component", "replayer"),
	}
}

// Run — цикл переотправки. Блокируется до отмены ctx.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Первый проход сразу: подхватываем записи, оставшиеся с прошлого запуска
	r.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Replayer) poll(ctx context.Context) {
	if r.registry != nil {
		if err := r.registry.RefreshGauges(ctx); err != nil {
			r.logger.Debug("failed to refresh slot gauges", "error", err)
		}
	}

	if r.ready != nil && !r.ready() {
		return
	}
	if _, err := r.Replay(ctx); err != nil {
		r.logger.Warn("replay failed", "error", err)
	}
}

// Replay публикует одну пачку неопубликованных записей.
// Останавливается на первой ошибке публикации.
func (r *Replayer) Replay(ctx context.Context) (int, error) {
	entries, err := r.store.ListUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, h := range entries {
		update := event.FromHistory(h)
		update.Replayed = true
		if err := r.events.Publish(ctx, update); err != nil {
			return published, err
		}
		if err := r.store.MarkPublished(ctx, h.ID, time.Now()); err != nil {
			r.logger.Warn("failed to mark history published", "history_id", h.ID, "error", err)
			continue
		}
		published++
	}

	if published > 0 {
		r.logger.Info("replayed slot updates", "count", published)
	}
	return published, nil
}
