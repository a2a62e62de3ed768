package domain

import (
	"time"

	"github.com/google/uuid"
)

// Plane — плоскость операции.
type Plane string

const (
	PlaneControl  Plane = "control"
	PlaneMedia    Plane = "media"
	PlaneAccess   Plane = "access"
	PlaneRecovery Plane = "recovery"
)

// FlowID — идентификатор use case, породившего событие.
type FlowID string

const (
	FlowLeadAssignment     FlowID = "F-01"
	FlowScriptExecution    FlowID = "F-02"
	FlowOutboundCall       FlowID = "F-03"
	FlowMediaStream        FlowID = "F-04"
	FlowStatusSync         FlowID = "F-05"
	FlowRecovery           FlowID = "F-06"
	FlowIdentityRegistered FlowID = "F-09"
)

// flowCatalog — транспорт и плоскость каждого flow.
var flowCatalog = map[FlowID]struct {
	protocol string
	plane    Plane
}{
	FlowLeadAssignment:     {"amqp", PlaneControl},
	FlowScriptExecution:    {"ssh/adb", PlaneAccess},
	FlowOutboundCall:       {"sip/rtp", PlaneMedia},
	FlowMediaStream:        {"rtmp", PlaneMedia},
	FlowStatusSync:         {"websocket", PlaneControl},
	FlowRecovery:           {"ssh/uhubctl", PlaneRecovery},
	FlowIdentityRegistered: {"sip", PlaneMedia},
}

// Protocol возвращает транспорт, которым выполняется побочный эффект flow.
func (f FlowID) Protocol() string {
	if c, ok := flowCatalog[f]; ok {
		return c.protocol
	}
	return "unknown"
}

// Plane возвращает плоскость flow.
func (f FlowID) Plane() Plane {
	if c, ok := flowCatalog[f]; ok {
		return c.plane
	}
	return PlaneControl
}

// Типы событий аудита.
const (
	EventLeadAssigned        = "lead.assigned"
	EventCallDialing         = "call.dialing"
	EventCallCompleted       = "call.completed"
	EventRegistrationStarted = "registration.started"
	EventRegistered          = "registration.completed"
	EventAutomationStarted   = "gacs.started"
	EventAutomationFinished  = "gacs.finished"
	EventAutomationResult    = "gacs.result"
	EventRecoveryStarted     = "drp.started"
	EventRecoveryCompleted   = "drp.completed"
	EventRecoveryFailed      = "drp.failed"
	EventRecoveryResult      = "drp.result"
	EventMediaStreamStart    = "media.stream.start"
	EventMediaStreamStop     = "media.stream.stop"
	EventSlotFault           = "slot.fault"
)

// Статусы событий аудита.
const (
	EventStatusCompleted = "completed"
	EventStatusFailed    = "failed"
)

// OrchestrationEvent — запись журнала аудита. После вставки не изменяется.
type OrchestrationEvent struct {
	ID        uuid.UUID      `json:"id"`
	FlowID    FlowID         `json:"flow_id"`
	EventType string         `json:"event_type"`
	SlotID    string         `json:"slot_id"`
	Protocol  string         `json:"protocol"`
	Plane     Plane          `json:"plane"`
	FSMState  FSMState       `json:"fsm_state,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewOrchestrationEvent создаёт событие аудита для flow.
func NewOrchestrationEvent(flow FlowID, eventType, slotID string, payload map[string]any) *OrchestrationEvent {
	return &OrchestrationEvent{
		ID:        uuid.New(),
		FlowID:    flow,
		EventType: eventType,
		SlotID:    slotID,
		Protocol:  flow.Protocol(),
		Plane:     flow.Plane(),
		Payload:   payload,
		Status:    EventStatusCompleted,
		CreatedAt: time.Now(),
	}
}
