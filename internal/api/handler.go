package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/mq"
	"github.com/shaiso/vss/internal/repo"
	"github.com/shaiso/vss/internal/telemetry"
)

// Store — чтение состояния слотов.
type Store interface {
	ListSlots(ctx context.Context, filter repo.SlotFilter) ([]domain.Slot, error)
	GetSlot(ctx context.Context, id string) (*domain.Slot, error)
	ListHistory(ctx context.Context, slotID string, limit int) ([]domain.StatusHistoryEntry, error)
	ListScriptRuns(ctx context.Context, slotID string, limit int) ([]domain.AutomationScript, error)
	ListRecoveryRuns(ctx context.Context, slotID string, limit int) ([]domain.RecoveryOperation, error)
}

// Bus — состояние и управление соединением с шиной.
type Bus interface {
	Health() mq.Health
	Reset() error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	store  Store
	bus    Bus
	logger *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Store  Store
	Bus    Bus
	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:  cfg.Store,
		bus:    cfg.Bus,
		logger: logger,
	}
}

// log возвращает логгер запроса (с request_id).
func (h *Handler) log(r *http.Request) *slog.Logger {
	return telemetry.FromContext(r.Context())
}
