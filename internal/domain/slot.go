package domain

import (
	"fmt"
	"time"
)

// DeviceType — тип устройства, к которому привязан слот.
type DeviceType string

const (
	// DeviceTypeAuto — Android-устройство под полной автоматизацией.
	DeviceTypeAuto DeviceType = "auto"

	// DeviceTypeManualFallback — устройство с ручным управлением оператором.
	DeviceTypeManualFallback DeviceType = "manual-fallback"

	// DeviceTypeLocalScript — слот обслуживается локальными скриптами хоста.
	DeviceTypeLocalScript DeviceType = "local-script"
)

// SIPIdentity — SIP учётка слота.
type SIPIdentity struct {
	Username string `json:"username"`
	Number   string `json:"number"`
}

// Slot — логическая телефонная точка, привязанная к одному устройству.
//
// Слот создаётся при провижининге парка и никогда не удаляется,
// пока на него ссылаются звонки, скрипты или записи.
// FSMState и Status меняются только движком слота и всегда вместе.
type Slot struct {
	// ID — стабильный внешний идентификатор слота.
	ID string `json:"id"`

	// DeviceType — тип устройства.
	DeviceType DeviceType `json:"device_type"`

	// DeviceSerial — серийный номер устройства (adb -s).
	// Пустой — используется device_<slot_id>.
	DeviceSerial string `json:"device_serial,omitempty"`

	// Status — агрегированный статус (free/busy/error).
	Status SlotStatus `json:"status"`

	// FSMState — текущее состояние автомата.
	FSMState FSMState `json:"fsm_state"`

	// SIP — SIP учётка (опционально).
	SIP *SIPIdentity `json:"sip_identity,omitempty"`

	// TrunkID — ссылка на SIP транк (опционально).
	TrunkID string `json:"trunk_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSlot создаёт слот в начальном состоянии IDLE.
func NewSlot(id string, deviceType DeviceType) *Slot {
	now := time.Now()
	return &Slot{
		ID:         id,
		DeviceType: deviceType,
		FSMState:   FSMStateIdle,
		Status:     StatusFor(FSMStateIdle),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// DeviceID возвращает идентификатор устройства для device-control.
func (s *Slot) DeviceID() string {
	if s.DeviceSerial != "" {
		return s.DeviceSerial
	}
	return fmt.Sprintf("device_%s", s.ID)
}

// Number возвращает назначенный номер слота или пустую строку.
func (s *Slot) Number() string {
	if s.SIP == nil {
		return ""
	}
	return s.SIP.Number
}

// IsFree возвращает true, если слот может принять lead.
func (s *Slot) IsFree() bool {
	return s.FSMState == FSMStateIdle || s.FSMState == FSMStateReady
}

// SetState переводит слот в новое состояние вместе со статусом.
func (s *Slot) SetState(state FSMState) {
	s.FSMState = state
	s.Status = StatusFor(state)
	s.UpdatedAt = time.Now()
}

// Clone возвращает копию слота.
func (s *Slot) Clone() *Slot {
	c := *s
	if s.SIP != nil {
		sip := *s.SIP
		c.SIP = &sip
	}
	return &c
}

// StatusHistoryEntry — неизменяемая запись одного перехода слота.
type StatusHistoryEntry struct {
	ID        string     `json:"id"`
	SlotID    string     `json:"slot_id"`
	FromState FSMState   `json:"from_state"`
	FSMState  FSMState   `json:"fsm_state"`
	Status    SlotStatus `json:"status"`

	// Source — кто инициировал переход (команда, recovery, monitor).
	Source string `json:"source"`

	// Trigger — тип события, вызвавшего переход (lead.assigned, call.dialing, ...).
	Trigger string `json:"trigger"`

	// EventID — ссылка на OrchestrationEvent этого перехода.
	EventID string `json:"event_id"`

	// PublishedAt — время успешной публикации в шину.
	// Nil — событие нужно переотправить.
	PublishedAt *time.Time `json:"published_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Lead — лид автодозвона (F-01).
type Lead struct {
	ID          string `json:"lead_id"`
	PhoneNumber string `json:"phone_number"`
	CampaignID  string `json:"campaign_id,omitempty"`

	// SlotID — конкретный слот; пустой — любой свободный.
	SlotID string `json:"slot_id,omitempty"`

	// Attempt — сколько раз lead возвращался в пул.
	Attempt int `json:"attempt,omitempty"`
}

// DialContextOutbound — контекст диалплана для исходящих вызовов автодозвона.
const DialContextOutbound = "outbound-auto"

// DialCommand — команда call-control подсистеме на исходящий вызов.
type DialCommand struct {
	Command      string `json:"command"`
	From         string `json:"from"`
	FromUsername string `json:"from_username,omitempty"`
	To           string `json:"to"`
	SlotID       string `json:"slot_id"`
	TrunkID      string `json:"trunk_id,omitempty"`
	Context      string `json:"context"`
}
