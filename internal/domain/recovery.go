package domain

import (
	"time"

	"github.com/google/uuid"
)

// RecoveryKind — действие из каталога DRP.
type RecoveryKind string

const (
	RecoveryPowerCycle              RecoveryKind = "power-cycle"
	RecoveryAutomationBridgeRestart RecoveryKind = "automation-bridge-restart"
	RecoveryIdentityReregister      RecoveryKind = "identity-reregister"
	RecoveryContainerRestart        RecoveryKind = "container-restart"
	RecoveryDeviceReboot            RecoveryKind = "device-reboot"
)

// RecoveryKinds — полный каталог DRP.
var RecoveryKinds = []RecoveryKind{
	RecoveryPowerCycle,
	RecoveryAutomationBridgeRestart,
	RecoveryIdentityReregister,
	RecoveryContainerRestart,
	RecoveryDeviceReboot,
}

// Valid проверяет, что действие есть в каталоге.
func (k RecoveryKind) Valid() bool {
	for _, kind := range RecoveryKinds {
		if kind == k {
			return true
		}
	}
	return false
}

// TargetState — состояние слота после успешного recovery.
//
// Восстановление только identity или bridge возвращает слот в READY;
// полное восстановление устройства — в IDLE, т.к. нужна повторная регистрация.
func (k RecoveryKind) TargetState() FSMState {
	switch k {
	case RecoveryIdentityReregister, RecoveryAutomationBridgeRestart:
		return FSMStateReady
	default:
		return FSMStateIdle
	}
}

// TriggerReason — кто инициировал recovery.
type TriggerReason string

const (
	TriggerManual    TriggerReason = "manual"
	TriggerAutomatic TriggerReason = "automatic"
)

// Valid проверяет значение.
func (t TriggerReason) Valid() bool {
	return t == TriggerManual || t == TriggerAutomatic
}

// RecoveryOperation — один запуск DRP.
//
// Каждый вызов — отдельная запись, даже для одного и того же слота.
type RecoveryOperation struct {
	ID      uuid.UUID     `json:"id"`
	SlotID  string        `json:"slot_id"`
	Kind    RecoveryKind  `json:"kind"`
	Trigger TriggerReason `json:"trigger_reason"`
	Forced  bool          `json:"forced"`
	Status  RunStatus     `json:"status"`

	// Result — детали исхода ({success, detail}).
	Result map[string]any `json:"result,omitempty"`

	// Error — причина неудачи.
	Error string `json:"error,omitempty"`

	// Attempts — число попыток выполнения действия.
	Attempts int `json:"attempts"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewRecoveryOperation создаёт запуск в статусе queued.
func NewRecoveryOperation(id uuid.UUID, slotID string, kind RecoveryKind, trigger TriggerReason, forced bool) *RecoveryOperation {
	return &RecoveryOperation{
		ID:        id,
		SlotID:    slotID,
		Kind:      kind,
		Trigger:   trigger,
		Forced:    forced,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}

// MarkRunning переводит операцию в running.
func (r *RecoveryOperation) MarkRunning() {
	if r.Status.IsTerminal() {
		return
	}
	now := time.Now()
	r.Status = RunStatusRunning
	r.StartedAt = &now
}

// MarkCompleted фиксирует успех.
func (r *RecoveryOperation) MarkCompleted(detail string) bool {
	if r.Status.IsTerminal() {
		return false
	}
	now := time.Now()
	r.Status = RunStatusCompleted
	r.Result = map[string]any{"success": true, "detail": detail}
	r.CompletedAt = &now
	return true
}

// MarkFailed фиксирует неудачу с причиной.
func (r *RecoveryOperation) MarkFailed(detail, reason string) bool {
	if r.Status.IsTerminal() {
		return false
	}
	now := time.Now()
	r.Status = RunStatusFailed
	r.Result = map[string]any{"success": false, "detail": detail}
	r.Error = reason
	r.CompletedAt = &now
	return true
}

// Duration возвращает длительность операции.
func (r *RecoveryOperation) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}
