package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/mq"
)

// StatusResponse — сводка по парку и шине.
//
// Неисправность слота, упавший скрипт и состояние шины — разные поля:
// недоступная шина не означает неисправных слотов.
type StatusResponse struct {
	Bus     mq.Health   `json:"bus"`
	Slots   SlotSummary `json:"slots"`
	Faulted []string    `json:"faulted_slots"`
	Time    time.Time   `json:"time"`
}

// SlotSummary — число слотов по статусам и состояниям.
type SlotSummary struct {
	Total    int                       `json:"total"`
	ByStatus map[domain.SlotStatus]int `json:"by_status"`
	ByState  map[domain.FSMState]int   `json:"by_state"`
}

// SlotResponse — слот в списке.
type SlotResponse struct {
	ID           string              `json:"id"`
	DeviceType   domain.DeviceType   `json:"device_type"`
	DeviceSerial string              `json:"device_serial,omitempty"`
	Status       domain.SlotStatus   `json:"status"`
	FSMState     domain.FSMState     `json:"fsm_state"`
	Fault        bool                `json:"fault"`
	SIP          *domain.SIPIdentity `json:"sip_identity,omitempty"`
	TrunkID      string              `json:"trunk_id,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// SlotFromDomain конвертирует domain.Slot в SlotResponse.
func SlotFromDomain(s domain.Slot) SlotResponse {
	return SlotResponse{
		ID:           s.ID,
		DeviceType:   s.DeviceType,
		DeviceSerial: s.DeviceSerial,
		Status:       s.Status,
		FSMState:     s.FSMState,
		Fault:        s.FSMState == domain.FSMStateFault,
		SIP:          s.SIP,
		TrunkID:      s.TrunkID,
		UpdatedAt:    s.UpdatedAt,
	}
}

// SlotDetailResponse — слот с последними запусками.
// ScriptFailed относится только к последнему скрипту и не влияет на Fault.
type SlotDetailResponse struct {
	SlotResponse
	ScriptFailed bool              `json:"script_failed"`
	LastScript   *ScriptResponse   `json:"last_script,omitempty"`
	LastRecovery *RecoveryResponse `json:"last_recovery,omitempty"`
}

// ScriptResponse — запуск скрипта автоматизации.
type ScriptResponse struct {
	ID          uuid.UUID         `json:"id"`
	Kind        domain.ScriptKind `json:"kind"`
	Status      domain.RunStatus  `json:"status"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

func ScriptFromDomain(s domain.AutomationScript) ScriptResponse {
	return ScriptResponse{
		ID:          s.ID,
		Kind:        s.Kind,
		Status:      s.Status,
		Error:       s.Error,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
}

// RecoveryResponse — операция восстановления.
type RecoveryResponse struct {
	ID          uuid.UUID            `json:"id"`
	Kind        domain.RecoveryKind  `json:"kind"`
	Trigger     domain.TriggerReason `json:"trigger_reason"`
	Forced      bool                 `json:"forced"`
	Status      domain.RunStatus     `json:"status"`
	Attempts    int                  `json:"attempts"`
	Error       string               `json:"error,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

func RecoveryFromDomain(op domain.RecoveryOperation) RecoveryResponse {
	return RecoveryResponse{
		ID:          op.ID,
		Kind:        op.Kind,
		Trigger:     op.Trigger,
		Forced:      op.Forced,
		Status:      op.Status,
		Attempts:    op.Attempts,
		Error:       op.Error,
		CompletedAt: op.CompletedAt,
	}
}

// HistoryResponse — запись истории состояний.
type HistoryResponse struct {
	ID        string            `json:"id"`
	FromState domain.FSMState   `json:"from_state"`
	FSMState  domain.FSMState   `json:"fsm_state"`
	Status    domain.SlotStatus `json:"status"`
	Source    string            `json:"source"`
	Trigger   string            `json:"trigger"`
	EventID   string            `json:"event_id"`
	Published bool              `json:"published"`
	CreatedAt time.Time         `json:"created_at"`
}

func HistoryFromDomain(h domain.StatusHistoryEntry) HistoryResponse {
	return HistoryResponse{
		ID:        h.ID,
		FromState: h.FromState,
		FSMState:  h.FSMState,
		Status:    h.Status,
		Source:    h.Source,
		Trigger:   h.Trigger,
		EventID:   h.EventID,
		Published: h.PublishedAt != nil,
		CreatedAt: h.CreatedAt,
	}
}
