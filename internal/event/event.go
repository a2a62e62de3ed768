// Package event описывает события, которые сервисы публикуют в vss.events.
//
// Каждая категория — отдельный тип с только своими полями:
//
//	SlotEvent     — slot.update, slot.media
//	CallEvent     — call.*, recording.*
//	PipelineEvent — pipeline.gacs, pipeline.drp
//	AlertEvent    — system.alert
//
// Тип события совпадает с routing key, категория выводится из префикса.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/shaiso/vss/internal/domain"
)

// Category — категория события.
type Category string

const (
	CategorySlot      Category = "slot"
	CategoryCall      Category = "call"
	CategoryRecording Category = "recording"
	CategoryPipeline  Category = "pipeline"
	CategoryAlert     Category = "system"
)

// Типы событий (= routing keys в vss.events).
const (
	TypeSlotUpdate     = "slot.update"
	TypeSlotMedia      = "slot.media"
	TypeCallDialing    = "call.dialing"
	TypeCallStart      = "call.start"
	TypeCallEnd        = "call.end"
	TypeRecordingStart = "recording.start"
	TypeRecordingStop  = "recording.stop"
	TypePipelineGACS   = "pipeline.gacs"
	TypePipelineDRP    = "pipeline.drp"
	TypeSystemAlert    = "system.alert"
)

// Event — общий интерфейс всех категорий.
type Event interface {
	// EventType возвращает тип (routing key).
	EventType() string

	// Category возвращает категорию.
	Category() Category

	// Slot возвращает id слота или пустую строку.
	Slot() string
}

// CategoryOf выводит категорию из типа события.
func CategoryOf(eventType string) (Category, error) {
	prefix, _, ok := strings.Cut(eventType, ".")
	if !ok {
		return "", fmt.Errorf("event type %q has no category", eventType)
	}

	switch c := Category(prefix); c {
	case CategorySlot, CategoryCall, CategoryRecording, CategoryPipeline, CategoryAlert:
		return c, nil
	default:
		return "", fmt.Errorf("unknown event category %q", prefix)
	}
}

// SlotEvent — изменение состояния слота или его медиапотока.
type SlotEvent struct {
	Type      string            `json:"type"`
	SlotID    string            `json:"slot_id"`
	FromState domain.FSMState   `json:"from_state,omitempty"`
	FSMState  domain.FSMState   `json:"fsm_state"`
	Status    domain.SlotStatus `json:"status"`

	// Trigger — причина перехода (lead.assigned, call.dialing, drp.completed, ...).
	Trigger string `json:"trigger"`
	Source  string `json:"source,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// HistoryID — запись истории, по которой событие можно восстановить.
	HistoryID string `json:"history_id,omitempty"`

	// Replayed — событие переотправлено после неудачной публикации и может
	// прийти позже более новых slot.update того же слота. Порядок переходов
	// слота определяется по OccurredAt; событие старше уже полученного
	// для этого слота устарело.
	Replayed bool `json:"replayed,omitempty"`

	StreamKey string `json:"stream_key,omitempty"`
	StreamURL string `json:"stream_url,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

func (e *SlotEvent) EventType() string  { return e.Type }
func (e *SlotEvent) Category() Category { return CategorySlot }
func (e *SlotEvent) Slot() string       { return e.SlotID }

// CallEvent — события звонков и записей.
type CallEvent struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	SlotID string `json:"slot_id,omitempty"`
	LeadID string `json:"lead_id,omitempty"`

	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	SIPUsername string `json:"sip_username,omitempty"`
	CallerID    string `json:"caller_id,omitempty"`
	DTMFDigits  string `json:"dtmf_digits,omitempty"`

	Disposition  string `json:"disposition,omitempty"`
	DurationSec  int    `json:"duration_sec,omitempty"`
	RecordingURL string `json:"recording_url,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

func (e *CallEvent) EventType() string { return e.Type }
func (e *CallEvent) Category() Category {
	if strings.HasPrefix(e.Type, string(CategoryRecording)+".") {
		return CategoryRecording
	}
	return CategoryCall
}
func (e *CallEvent) Slot() string { return e.SlotID }

// PipelineEvent — итог запуска GACS или DRP.
type PipelineEvent struct {
	Type       string           `json:"type"`
	SlotID     string           `json:"slot_id"`
	RunID      string           `json:"run_id"`
	Kind       string           `json:"kind"`
	Status     domain.RunStatus `json:"status"`
	Trigger    string           `json:"trigger_reason,omitempty"`
	Result     map[string]any   `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"duration_ms"`
	OccurredAt time.Time        `json:"occurred_at"`
}

func (e *PipelineEvent) EventType() string  { return e.Type }
func (e *PipelineEvent) Category() Category { return CategoryPipeline }
func (e *PipelineEvent) Slot() string       { return e.SlotID }

// Severity — уровень алерта.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertEvent — системный алерт (fault слота, провал recovery).
type AlertEvent struct {
	Type       string    `json:"type"`
	Severity   Severity  `json:"severity"`
	Component  string    `json:"component"`
	SlotID     string    `json:"slot_id,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e *AlertEvent) EventType() string  { return e.Type }
func (e *AlertEvent) Category() Category { return CategoryAlert }
func (e *AlertEvent) Slot() string       { return e.SlotID }

// NewAlert создаёт system.alert.
func NewAlert(severity Severity, component, slotID, message string) *AlertEvent {
	return &AlertEvent{
		Type:       TypeSystemAlert,
		Severity:   severity,
		Component:  component,
		SlotID:     slotID,
		Message:    message,
		OccurredAt: time.Now(),
	}
}

// FromHistory восстанавливает slot.update по записи истории.
func FromHistory(h domain.StatusHistoryEntry) *SlotEvent {
	return &SlotEvent{
		Type:       TypeSlotUpdate,
		SlotID:     h.SlotID,
		FromState:  h.FromState,
		FSMState:   h.FSMState,
		Status:     h.Status,
		Trigger:    h.Trigger,
		Source:     h.Source,
		HistoryID:  h.ID,
		OccurredAt: h.CreatedAt,
	}
}
