// Package slot — движок слотов: FSM, операции и сервис команд DCI.
//
// Каждый слот обслуживается своим Engine. Операции над одним слотом
// взаимоисключающие: пока выполняется одна, остальные отклоняются с
// domain.ErrSlotBusy. Каждый переход сохраняется одной транзакцией
// (состояние, запись истории, событие аудита) и только потом публикуется.
package slot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/event"
	"github.com/shaiso/vss/internal/mq"
	"github.com/shaiso/vss/internal/repo"
	"github.com/shaiso/vss/internal/telemetry"
)

// Default configuration values.
const (
	defaultMediaBaseURL   = "rtmp://localhost:1935/live"
	defaultSettleAttempts = 3
	defaultSettleDelay    = 200 * time.Millisecond
)

// Store — хранилище, которым пользуется движок.
type Store interface {
	GetSlot(ctx context.Context, id string) (*domain.Slot, error)
	ListSlots(ctx context.Context, filter repo.SlotFilter) ([]domain.Slot, error)
	ApplyTransition(ctx context.Context, t repo.Transition) error
	ListUnpublished(ctx context.Context, limit int) ([]domain.StatusHistoryEntry, error)
	MarkPublished(ctx context.Context, historyID string, at time.Time) error
	AppendEvent(ctx context.Context, e *domain.OrchestrationEvent) error
	StartMediaStream(ctx context.Context, s *domain.MediaStream) error
	StopMediaStreams(ctx context.Context, slotID string, at time.Time) (int64, error)
	IsCommandProcessed(ctx context.Context, messageID string) (bool, error)
	MarkCommandProcessed(ctx context.Context, messageID, messageType string) error
}

// CommandPublisher публикует команды в vss.commands. Реализуется mq.Publisher.
type CommandPublisher interface {
	PublishDial(ctx context.Context, cmd domain.DialCommand) error
	PublishLead(ctx context.Context, lead domain.Lead) error
}

// Automation — исполнитель скриптов. Реализуется gacs.Executor.
type Automation interface {
	Enqueue(ctx context.Context, id uuid.UUID, slotID string, kind domain.ScriptKind, content string) (*domain.AutomationScript, bool, error)
	Run(ctx context.Context, run *domain.AutomationScript, slot *domain.Slot, timeout time.Duration) error
	Abort(ctx context.Context, run *domain.AutomationScript, reason string) error
}

// Recovery — исполнитель recovery. Реализуется drp.Executor.
type Recovery interface {
	Recover(ctx context.Context, id uuid.UUID, slot *domain.Slot, kind domain.RecoveryKind, trigger domain.TriggerReason, force bool) (*domain.RecoveryOperation, error)
}

// Registrar подтверждает регистрацию SIP identity.
type Registrar interface {
	Register(ctx context.Context, slot *domain.Slot) (*domain.Registration, error)
}

// Config — зависимости движка.
type Config struct {
	Store      Store
	Events     event.Sink
	Commands   CommandPublisher
	Automation Automation
	Recovery   Recovery
	Registrar  Registrar

	// MediaBaseURL — базовый RTMP URL для медиапотоков.
	MediaBaseURL string

	// SettleAttempts и SettleDelay — повторы завершающих переходов
	// (BUSY → READY, → FAULT) при сбое хранилища (default: 3, 200ms).
	SettleAttempts int
	SettleDelay    time.Duration

	Logger *slog.Logger
}

// Registry владеет Engine каждого слота.
type Registry struct {
	store        Store
	events       event.Sink
	commands     CommandPublisher
	automation   Automation
	recovery     Recovery
	registrar    Registrar
	mediaBaseURL string
	settleTries  int
	settleDelay  time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry создаёт Registry.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.MediaBaseURL
	if baseURL == "" {
		baseURL = defaultMediaBaseURL
	}
	tries := cfg.SettleAttempts
	if tries <= 0 {
		tries = defaultSettleAttempts
	}
	delay := cfg.SettleDelay
	if delay <= 0 {
		delay = defaultSettleDelay
	}
	return &Registry{
		store:        cfg.Store,
		events:       cfg.Events,
		commands:     cfg.Commands,
		automation:   cfg.Automation,
		recovery:     cfg.Recovery,
		registrar:    cfg.Registrar,
		mediaBaseURL: baseURL,
		settleTries:  tries,
		settleDelay:  delay,
		logger:       logger.With("component", "slot-engine"),
		engines:      make(map[string]*Engine),
	}
}

// Engine возвращает движок слота. Слот должен существовать.
func (r *Registry) Engine(ctx context.Context, slotID string) (*Engine, error) {
	if _, err := r.store.GetSlot(ctx, slotID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSlotNotFound, slotID)
		}
		return nil, fmt.Errorf("get slot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.engines[slotID]
	if !ok {
		e = &Engine{id: slotID, r: r, logger: telemetry.WithSlotID(r.logger, slotID)}
		r.engines[slotID] = e
	}
	return e, nil
}

// FreeSlots возвращает слоты, которые могут принять lead: IDLE/READY с номером.
func (r *Registry) FreeSlots(ctx context.Context) ([]domain.Slot, error) {
	slots, err := r.store.ListSlots(ctx, repo.SlotFilter{Status: domain.SlotStatusFree})
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	var out []domain.Slot
	for _, s := range slots {
		if s.IsFree() && s.Number() != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// RefreshGauges пересчитывает метрику слотов по статусам.
func (r *Registry) RefreshGauges(ctx context.Context) error {
	slots, err := r.store.ListSlots(ctx, repo.SlotFilter{})
	if err != nil {
		return fmt.Errorf("list slots: %w", err)
	}
	counts := map[domain.SlotStatus]int{
		domain.SlotStatusFree:  0,
		domain.SlotStatusBusy:  0,
		domain.SlotStatusError: 0,
	}
	for _, s := range slots {
		counts[s.Status]++
	}
	for status, n := range counts {
		telemetry.SlotsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	return nil
}

type ctxKey string

const ctxSource ctxKey = "source"

// WithSource помечает операции в ctx источником (команда, monitor, api).
// Источник попадает в историю переходов.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, ctxSource, source)
}

func sourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(ctxSource).(string); ok && s != "" {
		return s
	}
	return "engine"
}

// Engine — движок одного слота.
type Engine struct {
	id     string
	r      *Registry
	lease  sync.Mutex
	logger *slog.Logger
}

// ID возвращает идентификатор слота.
func (e *Engine) ID() string { return e.id }

// acquire берёт lease слота. Конкурирующая операция отклоняется.
func (e *Engine) acquire() (func(), error) {
	if !e.lease.TryLock() {
		return nil, fmt.Errorf("%w: slot %s", domain.ErrSlotBusy, e.id)
	}
	return e.lease.Unlock, nil
}

func (e *Engine) load(ctx context.Context) (*domain.Slot, error) {
	slot, err := e.r.store.GetSlot(ctx, e.id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSlotNotFound, e.id)
		}
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

// change — описание одного перехода.
type change struct {
	to      domain.FSMState
	flow    domain.FlowID
	trigger string
	reason  string
	payload map[string]any

	// recovery — проверять по CanRecover вместо таблицы переходов.
	recovery bool
	force    bool
}

// apply проверяет переход, сохраняет его и публикует slot.update.
// При успехе slot обновляется на месте.
func (e *Engine) apply(ctx context.Context, slot *domain.Slot, c change) error {
	from := slot.FSMState

	allowed := domain.CanTransition(from, c.to)
	if c.recovery {
		allowed = domain.CanRecover(from, c.to, c.force)
	}
	if !allowed {
		return domain.NewStateConflict(slot.ID, c.trigger, from)
	}

	next := slot.Clone()
	next.SetState(c.to)

	payload := c.payload
	if payload == nil {
		payload = make(map[string]any)
	}
	if c.reason != "" {
		payload["reason"] = c.reason
	}
	audit := domain.NewOrchestrationEvent(c.flow, c.trigger, slot.ID, payload)
	audit.FSMState = c.to
	if c.to == domain.FSMStateFault {
		audit.Status = domain.EventStatusFailed
	}

	history := &domain.StatusHistoryEntry{
		ID:        uuid.NewString(),
		SlotID:    slot.ID,
		FromState: from,
		FSMState:  c.to,
		Status:    next.Status,
		Source:    sourceFrom(ctx),
		Trigger:   c.trigger,
		EventID:   audit.ID.String(),
		CreatedAt: next.UpdatedAt,
	}

	err := e.r.store.ApplyTransition(ctx, repo.Transition{Slot: next, From: from, History: history, Event: audit})
	if err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			return domain.NewStateConflict(slot.ID, c.trigger, from)
		}
		return fmt.Errorf("apply transition %s -> %s: %w", from, c.to, err)
	}

	*slot = *next
	telemetry.SlotTransitions.WithLabelValues(string(c.to)).Inc()

	e.logger.Info("slot transition",
		"from", from,
		"to", c.to,
		"trigger", c.trigger,
		"source", history.Source,
	)

	update := event.FromHistory(*history)
	update.Reason = c.reason
	e.publishUpdate(ctx, update, history.ID)

	if c.to == domain.FSMStateFault {
		e.alert(ctx, event.SeverityCritical, fmt.Sprintf("slot %s faulted: %s", slot.ID, c.reason))
	}
	return nil
}

// settle выполняет завершающий переход независимо от отмены ctx,
// повторяя его при сбоях хранилища. Конфликт состояния не повторяется.
func (e *Engine) settle(ctx context.Context, slot *domain.Slot, c change) error {
	ctx = context.WithoutCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.r.settleDelay
	b.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.apply(ctx, slot, c)
		if errors.Is(err, domain.ErrStateConflict) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.r.settleTries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Warn("transition failed, retrying", "to", c.to, "retry_in", next, "error", err)
		}),
	)
	return err
}

// fault переводит слот в FAULT. Ошибка перехода только логируется:
// вызывающий уже возвращает исходную причину.
func (e *Engine) fault(ctx context.Context, slot *domain.Slot, flow domain.FlowID, reason string) {
	err := e.settle(ctx, slot, change{
		to:      domain.FSMStateFault,
		flow:    flow,
		trigger: domain.EventSlotFault,
		reason:  reason,
	})
	if err != nil {
		e.logger.Error("failed to fault slot", "reason", reason, "error", err)
	}
}

// publishUpdate публикует slot.update и отмечает запись истории опубликованной.
// Неопубликованные записи переотправит Replayer.
func (e *Engine) publishUpdate(ctx context.Context, update *event.SlotEvent, historyID string) {
	if err := e.publish(ctx, update); err != nil {
		return
	}
	if err := e.r.store.MarkPublished(ctx, historyID, time.Now()); err != nil {
		e.logger.Warn("failed to mark history published", "history_id", historyID, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, ev event.Event) error {
	if e.r.events == nil {
		return mq.ErrBusDisabled
	}
	if err := e.r.events.Publish(ctx, ev); err != nil {
		if errors.Is(err, mq.ErrBusDisabled) {
			e.logger.Debug("event not published, bus disabled", "type", ev.EventType())
		} else {
			e.logger.Warn("failed to publish event", "type", ev.EventType(), "error", err)
		}
		return err
	}
	return nil
}

func (e *Engine) alert(ctx context.Context, severity event.Severity, message string) {
	_ = e.publish(ctx, event.NewAlert(severity, "slot-engine", e.id, message))
}

// audit пишет событие без перехода.
func (e *Engine) audit(ctx context.Context, flow domain.FlowID, eventType, status string, payload map[string]any) {
	ev := domain.NewOrchestrationEvent(flow, eventType, e.id, payload)
	if status != "" {
		ev.Status = status
	}
	if err := e.r.store.AppendEvent(ctx, ev); err != nil {
		e.logger.Warn("failed to append audit event", "event_type", eventType, "error", err)
	}
}
