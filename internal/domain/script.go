package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScriptKind — тип скрипта автоматизации (GACS).
type ScriptKind string

const (
	// ScriptKindDeviceShell — shell-команда на устройстве через bridge.
	ScriptKindDeviceShell ScriptKind = "device-shell"

	// ScriptKindHostShellPosix — bash-скрипт на хосте.
	ScriptKindHostShellPosix ScriptKind = "host-shell-posix"

	// ScriptKindHostShellWindows — PowerShell-скрипт на хосте.
	ScriptKindHostShellWindows ScriptKind = "host-shell-windows"

	// ScriptKindChatMessage — сообщение в чат-платформу.
	ScriptKindChatMessage ScriptKind = "chat-message"
)

// Valid проверяет, что тип скрипта известен.
func (k ScriptKind) Valid() bool {
	switch k {
	case ScriptKindDeviceShell, ScriptKindHostShellPosix, ScriptKindHostShellWindows, ScriptKindChatMessage:
		return true
	default:
		return false
	}
}

// AutomationScript — один запуск скрипта GACS.
//
// Создаётся в queued при приёме команды; финальный статус
// (completed/failed) выставляется ровно один раз.
type AutomationScript struct {
	ID      uuid.UUID  `json:"id"`
	SlotID  string     `json:"slot_id"`
	Kind    ScriptKind `json:"kind"`
	Content string     `json:"content"`
	Status  RunStatus  `json:"status"`

	// Result — stdout/stderr/exit_code или подтверждение доставки для чатов.
	Result map[string]any `json:"result,omitempty"`

	// Error — причина failed (в т.ч. "timeout").
	Error string `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewAutomationScript создаёт запуск в статусе queued.
func NewAutomationScript(id uuid.UUID, slotID string, kind ScriptKind, content string) *AutomationScript {
	return &AutomationScript{
		ID:        id,
		SlotID:    slotID,
		Kind:      kind,
		Content:   content,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}

// MarkRunning переводит запуск в running.
func (s *AutomationScript) MarkRunning() {
	if s.Status.IsTerminal() {
		return
	}
	now := time.Now()
	s.Status = RunStatusRunning
	s.StartedAt = &now
}

// MarkCompleted фиксирует успешное завершение. Повторный вызов игнорируется.
func (s *AutomationScript) MarkCompleted(result map[string]any) bool {
	if s.Status.IsTerminal() {
		return false
	}
	now := time.Now()
	s.Status = RunStatusCompleted
	s.Result = result
	s.CompletedAt = &now
	return true
}

// MarkFailed фиксирует неуспешное завершение. Повторный вызов игнорируется.
func (s *AutomationScript) MarkFailed(result map[string]any, reason string) bool {
	if s.Status.IsTerminal() {
		return false
	}
	now := time.Now()
	s.Status = RunStatusFailed
	s.Result = result
	s.Error = reason
	s.CompletedAt = &now
	return true
}

// Duration возвращает длительность выполнения.
func (s *AutomationScript) Duration() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}
