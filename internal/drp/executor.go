// Package drp выполняет восстановление неисправных слотов.
//
// Каталог содержит пять действий. Каждое действие повторяется
// с экспоненциальной задержкой; каждый вызов Recover — отдельная запись.
package drp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/event"
	"github.com/shaiso/vss/internal/telemetry"
)

// Default configuration values.
const (
	defaultTimeout      = 120 * time.Second
	defaultMaxAttempts  = 3
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
)

// RetryPolicy — политика повторов одного действия.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Store — хранилище операций recovery.
type Store interface {
	InsertRecoveryRun(ctx context.Context, op *domain.RecoveryOperation) (bool, error)
	UpdateRecoveryRun(ctx context.Context, op *domain.RecoveryOperation) error
	GetRecoveryRun(ctx context.Context, id uuid.UUID) (*domain.RecoveryOperation, error)
	AppendEvent(ctx context.Context, e *domain.OrchestrationEvent) error
}

// Config — конфигурация Executor.
type Config struct {
	Store   Store
	Catalog *Catalog

	// Events — опционально; nil — pipeline.drp не публикуется.
	Events event.Sink

	Retry RetryPolicy

	// DefaultTimeout — таймаут одной операции (default: 120s).
	DefaultTimeout time.Duration

	Logger *slog.Logger
}

// Executor — исполнитель DRP.
type Executor struct {
	store   Store
	catalog *Catalog
	events  event.Sink
	retry   RetryPolicy
	timeout time.Duration
	logger  *slog.Logger
}

// New создаёт Executor.
func New(cfg Config) *Executor {
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaultMaxAttempts
	}
	if retry.InitialDelay <= 0 {
		retry.InitialDelay = defaultInitialDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = defaultMaxDelay
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		store:   cfg.Store,
		catalog: cfg.Catalog,
		events:  cfg.Events,
		retry:   retry,
		timeout: timeout,
		logger:  logger.With("component", "drp"),
	}
}

// Recover выполняет действие kind над слотом и возвращает завершённую операцию.
//
// id — идентификатор операции; uuid.Nil — сгенерировать новый. Если операция
// с таким id уже есть, она возвращается без повторного выполнения.
// Ошибка возвращается только при невалидном запросе или сбое хранилища;
// неуспех восстановления записывается в операцию.
func (e *Executor) Recover(ctx context.Context, id uuid.UUID, slot *domain.Slot, kind domain.RecoveryKind, trigger domain.TriggerReason, force bool) (*domain.RecoveryOperation, error) {
	action, err := e.catalog.Get(kind)
	if err != nil {
		return nil, err
	}
	if !trigger.Valid() {
		trigger = domain.TriggerManual
	}
	if id == uuid.Nil {
		id = uuid.New()
	}

	op := domain.NewRecoveryOperation(id, slot.ID, kind, trigger, force)
	created, err := e.store.InsertRecoveryRun(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("insert recovery run: %w", err)
	}
	if !created {
		existing, err := e.store.GetRecoveryRun(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get recovery run: %w", err)
		}
		if existing.Status.IsTerminal() {
			return existing, nil
		}
		op = existing
	}

	logger := telemetry.WithSlotID(e.logger, slot.ID).With("op_id", op.ID, "kind", kind, "trigger", trigger)

	op.MarkRunning()
	if err := e.store.UpdateRecoveryRun(ctx, op); err != nil {
		return nil, fmt.Errorf("update recovery run to running: %w", err)
	}
	logger.Info("recovery started", "forced", force)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	outcome, attempts, execErr := e.executeWithRetry(runCtx, action, slot, logger)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	ctx = context.WithoutCancel(ctx)
	op.Attempts = attempts

	switch {
	case timedOut:
		op.MarkFailed(outcome.Detail, domain.ErrRunTimeout.Error())
	case execErr != nil:
		op.MarkFailed(outcome.Detail, execErr.Error())
	case !outcome.Success:
		op.MarkFailed(outcome.Detail, errUnsuccessful.Error())
	default:
		op.MarkCompleted(outcome.Detail)
	}

	if err := e.store.UpdateRecoveryRun(ctx, op); err != nil {
		return nil, fmt.Errorf("update recovery run to %s: %w", op.Status, err)
	}

	telemetry.RecoveryRuns.WithLabelValues(string(kind), string(op.Status)).Inc()
	telemetry.RecoveryDuration.WithLabelValues(string(kind)).Observe(op.Duration().Seconds())

	if op.Status == domain.RunStatusCompleted {
		logger.Info("recovery completed", "attempts", attempts, "duration", op.Duration())
	} else {
		logger.Warn("recovery failed", "attempts", attempts, "error", op.Error)
	}

	e.record(ctx, op, logger)
	return op, nil
}

// errUnsuccessful — действие отработало, но слот не восстановлен.
var errUnsuccessful = errors.New("action unsuccessful")

// backOff строит экспоненциальную задержку политики без jitter:
// initialDelay * 2^(attempt-1), не больше maxDelay.
func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	b.Reset()
	return b
}

// executeWithRetry выполняет действие, повторяя неуспешные попытки.
// Возвращает исход последней попытки и число попыток.
func (e *Executor) executeWithRetry(ctx context.Context, action Action, slot *domain.Slot, logger *slog.Logger) (Outcome, int, error) {
	var (
		last     Outcome
		attempts int
	)

	_, err := backoff.Retry(ctx, func() (Outcome, error) {
		attempts++
		outcome, err := action.Execute(ctx, slot)
		last = outcome
		if err == nil && outcome.Success {
			return outcome, nil
		}

		logger.Warn("recovery attempt failed",
			"attempt", attempts,
			"max_attempts", e.retry.MaxAttempts,
			"detail", outcome.Detail,
			"error", err,
		)
		if err == nil {
			err = errUnsuccessful
		}
		return outcome, err
	},
		backoff.WithBackOff(e.retry.backOff()),
		backoff.WithMaxTries(uint(e.retry.MaxAttempts)),
	)

	if errors.Is(err, errUnsuccessful) {
		err = nil
	}
	return last, attempts, err
}

// record пишет событие аудита и публикует pipeline.drp.
func (e *Executor) record(ctx context.Context, op *domain.RecoveryOperation, logger *slog.Logger) {
	audit := domain.NewOrchestrationEvent(domain.FlowRecovery, domain.EventRecoveryResult, op.SlotID, map[string]any{
		"op_id":    op.ID.String(),
		"kind":     string(op.Kind),
		"trigger":  string(op.Trigger),
		"status":   string(op.Status),
		"attempts": op.Attempts,
		"error":    op.Error,
	})
	if op.Status == domain.RunStatusFailed {
		audit.Status = domain.EventStatusFailed
	}
	if err := e.store.AppendEvent(ctx, audit); err != nil {
		logger.Warn("failed to append audit event", "error", err)
	}

	if e.events == nil {
		return
	}
	pe := &event.PipelineEvent{
		Type:       event.TypePipelineDRP,
		SlotID:     op.SlotID,
		RunID:      op.ID.String(),
		Kind:       string(op.Kind),
		Status:     op.Status,
		Trigger:    string(op.Trigger),
		Result:     op.Result,
		Error:      op.Error,
		DurationMs: op.Duration().Milliseconds(),
		OccurredAt: time.Now(),
	}
	if err := e.events.Publish(ctx, pe); err != nil {
		logger.Warn("failed to publish pipeline event", "error", err)
	}
}
