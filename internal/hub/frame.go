package hub

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shaiso/vss/internal/event"
)

// Типы кадров.
const (
	FrameEvent     = "event"
	FrameAck       = "ack"
	FrameError     = "error"
	FrameAuth      = "auth"
	FrameSubscribe = "subscribe"
	FrameCommand   = "command"
)

// Frame — исходящий кадр сессии.
type Frame struct {
	Type      string          `json:"type"`
	EventType string          `json:"event_type,omitempty"`
	Category  string          `json:"category,omitempty"`
	ID        string          `json:"id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// inbound — кадр от клиента.
//
//	{"type":"auth","token":"..."}
//	{"type":"subscribe","categories":["slot","call"]}
//	{"type":"command","id":"...","command":"gacs.execute","payload":{...}}
type inbound struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Token      string          `json:"token,omitempty"`
	Categories []string        `json:"categories,omitempty"`
	Command    string          `json:"command,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Redact кодирует событие в JSON без указанных полей.
// Ключи объекта сортируются: одинаковый вход даёт побайтно одинаковый выход.
func Redact(e event.Event, fields []string) (json.RawMessage, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	for _, f := range fields {
		delete(obj, f)
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode redacted event: %w", err)
	}
	return out, nil
}

// eventFrame собирает кадр события для правила роли.
func eventFrame(e event.Event, rule Rule) ([]byte, error) {
	data, err := Redact(e, rule.Redact)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{
		Type:      FrameEvent,
		EventType: e.EventType(),
		Category:  string(e.Category()),
		Data:      data,
	})
}

func errorFrame(id string, err error) []byte {
	b, _ := json.Marshal(Frame{Type: FrameError, ID: id, Error: err.Error()})
	return b
}
