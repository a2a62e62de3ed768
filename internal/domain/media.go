package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MediaStatus — статус медиапотока.
type MediaStatus string

const (
	MediaStatusActive  MediaStatus = "active"
	MediaStatusStopped MediaStatus = "stopped"
)

// MediaStream — RTMP-поток слота. Не влияет на состояние FSM.
type MediaStream struct {
	ID        uuid.UUID   `json:"id"`
	SlotID    string      `json:"slot_id"`
	Kind      string      `json:"kind"`
	StreamKey string      `json:"stream_key"`
	StreamURL string      `json:"stream_url"`
	Status    MediaStatus `json:"status"`
	StartedAt time.Time   `json:"started_at"`
	StoppedAt *time.Time  `json:"stopped_at,omitempty"`
}

// NewMediaStream создаёт активный поток с ключом slot_<id>_<unix ms>.
func NewMediaStream(slotID, kind, baseURL string, now time.Time) *MediaStream {
	key := fmt.Sprintf("slot_%s_%d", slotID, now.UnixMilli())
	return &MediaStream{
		ID:        uuid.New(),
		SlotID:    slotID,
		Kind:      kind,
		StreamKey: key,
		StreamURL: fmt.Sprintf("%s/%s", baseURL, key),
		Status:    MediaStatusActive,
		StartedAt: now,
	}
}

// Registration — запись регистрации SIP identity слота.
// Повторная регистрация увеличивает Count, а не создаёт новую запись.
type Registration struct {
	SlotID           string    `json:"slot_id"`
	Username         string    `json:"username"`
	Number           string    `json:"number"`
	Status           string    `json:"status"`
	Count            int       `json:"registration_count"`
	LastRegisteredAt time.Time `json:"last_registered_at"`
}
