package mq

// GACSExecutePayload — команда запуска скрипта автоматизации.
type GACSExecutePayload struct {
	SlotID     string `json:"slot_id"`
	Kind       string `json:"kind"`
	Content    string `json:"content"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// DRPExecutePayload — команда запуска recovery.
type DRPExecutePayload struct {
	SlotID  string `json:"slot_id"`
	Kind    string `json:"kind"`
	Trigger string `json:"trigger_reason,omitempty"`
	Force   bool   `json:"force,omitempty"`
}

// SlotCommandPayload — команды slot.* (вызов, регистрация, поток, fault).
type SlotCommandPayload struct {
	SlotID     string `json:"slot_id"`
	Number     string `json:"number,omitempty"`
	StreamKind string `json:"stream_kind,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
