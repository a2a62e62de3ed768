// Package gacs выполняет скрипты автоматизации слотов.
//
// Каждый запуск проходит queued → running → completed|failed и сохраняется.
// Неуспешный скрипт не переводит слот в FAULT; это делает только HarnessError.
package gacs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/event"
	"github.com/shaiso/vss/internal/repo"
	"github.com/shaiso/vss/internal/telemetry"
)

const defaultTimeout = 60 * time.Second

// Store — хранилище запусков.
type Store interface {
	InsertScriptRun(ctx context.Context, run *domain.AutomationScript) (bool, error)
	UpdateScriptRun(ctx context.Context, run *domain.AutomationScript) error
	GetScriptRun(ctx context.Context, id uuid.UUID) (*domain.AutomationScript, error)
	AppendEvent(ctx context.Context, e *domain.OrchestrationEvent) error
}

// Config — конфигурация Executor.
type Config struct {
	Store    Store
	Registry *Registry

	// Events — опционально; nil — pipeline.gacs не публикуется.
	Events event.Sink

	// DefaultTimeout — таймаут запуска, если вызывающий не задал свой (default: 60s).
	DefaultTimeout time.Duration

	Logger *slog.Logger
}

// Executor — исполнитель скриптов GACS.
type Executor struct {
	store          Store
	registry       *Registry
	events         event.Sink
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// New создаёт Executor.
func New(cfg Config) *Executor {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(nil, nil)
	}

	return &Executor{
		store:          cfg.Store,
		registry:       registry,
		events:         cfg.Events,
		defaultTimeout: timeout,
		logger:         logger.With("component", "gacs"),
	}
}

// DefaultTimeout возвращает таймаут по умолчанию.
func (e *Executor) DefaultTimeout() time.Duration {
	return e.defaultTimeout
}

// Enqueue создаёт запуск в статусе queued.
//
// Идемпотентен по id: повторный вызов возвращает уже существующий запуск
// и created=false.
func (e *Executor) Enqueue(ctx context.Context, id uuid.UUID, slotID string, kind domain.ScriptKind, content string) (*domain.AutomationScript, bool, error) {
	if !kind.Valid() {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if id == uuid.Nil {
		id = uuid.New()
	}

	run := domain.NewAutomationScript(id, slotID, kind, content)
	created, err := e.store.InsertScriptRun(ctx, run)
	if err != nil {
		return nil, false, fmt.Errorf("insert script run: %w", err)
	}
	if created {
		e.logger.Info("script queued", "run_id", id, "slot_id", slotID, "kind", kind)
		return run, true, nil
	}

	existing, err := e.store.GetScriptRun(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, false, fmt.Errorf("get script run: %w", err)
	}
	return existing, false, nil
}

// Run выполняет запуск и фиксирует финальный статус.
//
// Возвращает *HarnessError, если runner не смог запустить скрипт.
// Неуспех самого скрипта и таймаут записываются в run и ошибкой не являются.
// Уже завершённый запуск возвращается без повторного выполнения.
func (e *Executor) Run(ctx context.Context, run *domain.AutomationScript, slot *domain.Slot, timeout time.Duration) error {
	if run.Status.IsTerminal() {
		return nil
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	logger := telemetry.WithSlotID(e.logger, slot.ID).With("run_id", run.ID, "kind", run.Kind)

	run.MarkRunning()
	if err := e.store.UpdateScriptRun(ctx, run); err != nil {
		err = fmt.Errorf("update run to running: %w", err)
		if abortErr := e.Abort(ctx, run, err.Error()); abortErr != nil {
			logger.Error("failed to abort run", "error", abortErr)
		}
		return err
	}
	logger.Info("script started", "timeout", timeout)

	runErr := e.execute(ctx, run, slot, timeout)

	// Финальный статус фиксируется даже при отмене ctx.
	ctx = context.WithoutCancel(ctx)

	var harnessErr *HarnessError
	switch {
	case runErr == nil:
	case errors.As(runErr, &harnessErr):
		run.MarkFailed(nil, harnessErr.Err.Error())
	default:
		run.MarkFailed(nil, runErr.Error())
	}

	if err := e.store.UpdateScriptRun(ctx, run); err != nil {
		return fmt.Errorf("update run to %s: %w", run.Status, err)
	}

	telemetry.ScriptRuns.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
	telemetry.ScriptDuration.WithLabelValues(string(run.Kind)).Observe(run.Duration().Seconds())

	if run.Status == domain.RunStatusCompleted {
		logger.Info("script completed", "duration", run.Duration())
	} else {
		logger.Warn("script failed", "duration", run.Duration(), "error", run.Error)
	}

	e.record(ctx, run, logger)

	if harnessErr != nil {
		return harnessErr
	}
	return nil
}

// Abort завершает невыполненный запуск статусом failed с причиной reason.
// Завершённый запуск не меняется.
func (e *Executor) Abort(ctx context.Context, run *domain.AutomationScript, reason string) error {
	if !run.MarkFailed(nil, reason) {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	logger := telemetry.WithSlotID(e.logger, run.SlotID).With("run_id", run.ID, "kind", run.Kind)
	if err := e.store.UpdateScriptRun(ctx, run); err != nil {
		return fmt.Errorf("update run to failed: %w", err)
	}
	telemetry.ScriptRuns.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
	logger.Warn("script aborted", "reason", reason)

	e.record(ctx, run, logger)
	return nil
}

// execute запускает runner с таймаутом и переносит результат в run.
func (e *Executor) execute(ctx context.Context, run *domain.AutomationScript, slot *domain.Slot, timeout time.Duration) error {
	runner, err := e.registry.Get(run.Kind)
	if err != nil {
		return &HarnessError{RunID: run.ID, Kind: run.Kind, Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := runner.Run(runCtx, slot, run.Content)
	if err != nil {
		if errors.Is(err, domain.ErrRunTimeout) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			var output map[string]any
			if result != nil {
				output = result.Output
			}
			run.MarkFailed(output, domain.ErrRunTimeout.Error())
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &HarnessError{RunID: run.ID, Kind: run.Kind, Err: err}
	}

	if result.Error != "" {
		run.MarkFailed(result.Output, result.Error)
		return nil
	}
	run.MarkCompleted(result.Output)
	return nil
}

// record пишет событие аудита и публикует pipeline.gacs.
// Ошибки логируются: запуск уже сохранён.
func (e *Executor) record(ctx context.Context, run *domain.AutomationScript, logger *slog.Logger) {
	audit := domain.NewOrchestrationEvent(domain.FlowScriptExecution, domain.EventAutomationResult, run.SlotID, map[string]any{
		"run_id": run.ID.String(),
		"kind":   string(run.Kind),
		"status": string(run.Status),
		"error":  run.Error,
	})
	if run.Status == domain.RunStatusFailed {
		audit.Status = domain.EventStatusFailed
	}
	if err := e.store.AppendEvent(ctx, audit); err != nil {
		logger.Warn("failed to append audit event", "error", err)
	}

	if e.events == nil {
		return
	}
	pe := &event.PipelineEvent{
		Type:       event.TypePipelineGACS,
		SlotID:     run.SlotID,
		RunID:      run.ID.String(),
		Kind:       string(run.Kind),
		Status:     run.Status,
		Result:     run.Result,
		Error:      run.Error,
		DurationMs: run.Duration().Milliseconds(),
		OccurredAt: time.Now(),
	}
	if err := e.events.Publish(ctx, pe); err != nil {
		logger.Warn("failed to publish pipeline event", "error", err)
	}
}
