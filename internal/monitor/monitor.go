// Package monitor — периодический обход слотов в FAULT.
//
// По расписанию cron монитор находит слоты в FAULT и запускает для
// каждого recovery с trigger=automatic. Повторная попытка для слота не
// делается раньше, чем через Cooldown после предыдущей.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/repo"
	"github.com/shaiso/vss/internal/slot"
)

// Default configuration values.
const (
	defaultSchedule = "* * * * *"
	defaultCooldown = 5 * time.Minute
	defaultKind     = domain.RecoveryDeviceReboot
)

// cronParser — стандартные 5 полей.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule проверяет cron-выражение.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// SlotSource — список слотов.
type SlotSource interface {
	ListSlots(ctx context.Context, filter repo.SlotFilter) ([]domain.Slot, error)
}

// Recoverer запускает recovery слота.
type Recoverer interface {
	Recover(ctx context.Context, slotID string, kind domain.RecoveryKind) (*domain.RecoveryOperation, error)
}

// RegistryRecoverer запускает recovery через движок слота.
type RegistryRecoverer struct {
	Registry *slot.Registry
}

func (r RegistryRecoverer) Recover(ctx context.Context, slotID string, kind domain.RecoveryKind) (*domain.RecoveryOperation, error) {
	eng, err := r.Registry.Engine(ctx, slotID)
	if err != nil {
		return nil, err
	}
	return eng.RunRecovery(slot.WithSource(ctx, "monitor"), uuid.New(), kind, domain.TriggerAutomatic, false)
}

// Monitor — обход FAULT-слотов по расписанию.
type Monitor struct {
	slots     SlotSource
	recoverer Recoverer
	schedule  string
	kind      domain.RecoveryKind
	cooldown  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu          sync.Mutex
	lastAttempt map[string]time.Time
	cron        *cron.Cron
}

// Config — конфигурация Monitor.
type Config struct {
	Slots     SlotSource
	Recoverer Recoverer

	// Schedule — cron-выражение обхода (default: каждую минуту).
	Schedule string

	// RecoveryKind — действие recovery (default: device-reboot).
	RecoveryKind domain.RecoveryKind

	// Cooldown — минимальная пауза между попытками для одного слота (default: 5m).
	Cooldown time.Duration

	Logger *slog.Logger
}

// New создаёт Monitor.
func New(cfg Config) (*Monitor, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	kind := cfg.RecoveryKind
	if kind == "" {
		kind = defaultKind
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown recovery kind %q", kind)
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		slots:       cfg.Slots,
		recoverer:   cfg.Recoverer,
		schedule:    schedule,
		kind:        kind,
		cooldown:    cooldown,
		now:         time.Now,
		logger:      logger.With("component", "monitor"),
		lastAttempt: make(map[string]time.Time),
	}, nil
}

// Start запускает расписание. Останавливается по отмене ctx или Stop.
func (m *Monitor) Start(ctx context.Context) error {
	c := cron.New(cron.WithParser(cronParser))
	_, err := c.AddFunc(m.schedule, func() {
		if _, err := m.Sweep(ctx); err != nil {
			m.logger.Error("fault sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()

	c.Start()
	m.logger.Info("monitor started", "schedule", m.schedule, "kind", m.kind, "cooldown", m.cooldown)

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop останавливает расписание и ждёт текущий обход.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	m.logger.Info("monitor stopped")
}

// Sweep выполняет один обход. Возвращает число запущенных recovery.
// Ошибка одного слота не останавливает обход остальных.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	faulted, err := m.slots.ListSlots(ctx, repo.SlotFilter{FSMState: domain.FSMStateFault})
	if err != nil {
		return 0, fmt.Errorf("list faulted slots: %w", err)
	}
	if len(faulted) == 0 {
		return 0, nil
	}

	triggered := 0
	for _, s := range faulted {
		if !m.due(s.ID) {
			continue
		}

		op, err := m.recoverer.Recover(ctx, s.ID, m.kind)
		switch {
		case errors.Is(err, domain.ErrSlotBusy), errors.Is(err, domain.ErrStateConflict):
			// слот занят или уже вышел из FAULT, попытка не засчитывается
			m.logger.Debug("recovery skipped", "slot_id", s.ID, "error", err)
			continue
		case err != nil:
			m.logger.Error("recovery failed to start", "slot_id", s.ID, "error", err)
		default:
			m.logger.Info("automatic recovery finished", "slot_id", s.ID, "op_id", op.ID, "status", op.Status)
		}

		m.mu.Lock()
		m.lastAttempt[s.ID] = m.now()
		m.mu.Unlock()
		triggered++
	}

	m.logger.Info("fault sweep completed", "faulted", len(faulted), "triggered", triggered)
	return triggered, nil
}

func (m *Monitor) due(slotID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastAttempt[slotID]
	return !ok || m.now().Sub(last) >= m.cooldown
}
