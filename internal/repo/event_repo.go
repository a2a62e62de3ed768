package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shaiso/vss/internal/domain"
)

// AppendEvent добавляет событие в журнал аудита. Повтор с тем же ID игнорируется.
func (s *Store) AppendEvent(ctx context.Context, e *domain.OrchestrationEvent) error {
	return insertEvent(ctx, s.pool, e)
}

func insertEvent(ctx context.Context, db execer, e *domain.OrchestrationEvent) error {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO orchestration_events (id, flow_id, event_type, slot_id, protocol, plane,
		                                  fsm_state, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = db.Exec(ctx, query,
		e.ID,
		e.FlowID,
		e.EventType,
		nullString(e.SlotID),
		e.Protocol,
		e.Plane,
		nullString(string(e.FSMState)),
		payloadJSON,
		e.Status,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents возвращает журнал аудита слота, новые первыми.
func (s *Store) ListEvents(ctx context.Context, slotID string, limit int) ([]domain.OrchestrationEvent, error) {
	query := `
		SELECT id, flow_id, event_type, slot_id, protocol, plane, fsm_state, payload, status, created_at
		FROM orchestration_events
		WHERE slot_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, slotID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.OrchestrationEvent
	for rows.Next() {
		var e domain.OrchestrationEvent
		var slot, state *string
		var payloadJSON []byte
		err := rows.Scan(
			&e.ID,
			&e.FlowID,
			&e.EventType,
			&slot,
			&e.Protocol,
			&e.Plane,
			&state,
			&payloadJSON,
			&e.Status,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.SlotID = derefString(slot)
		e.FSMState = domain.FSMState(derefString(state))
		if e.Payload, err = unmarshalResult(payloadJSON); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Registrations ---

// UpsertRegistration фиксирует регистрацию SIP identity.
// Повторная регистрация увеличивает счётчик, а не создаёт новую запись.
func (s *Store) UpsertRegistration(ctx context.Context, slotID string, identity domain.SIPIdentity, at time.Time) (*domain.Registration, error) {
	query := `
		INSERT INTO sip_registrations (slot_id, username, number, status, registration_count, last_registered_at)
		VALUES ($1, $2, $3, 'registered', 1, $4)
		ON CONFLICT (slot_id) DO UPDATE
		SET username = EXCLUDED.username,
		    number = EXCLUDED.number,
		    status = EXCLUDED.status,
		    registration_count = sip_registrations.registration_count + 1,
		    last_registered_at = EXCLUDED.last_registered_at
		RETURNING slot_id, username, number, status, registration_count, last_registered_at
	`
	var reg domain.Registration
	err := s.pool.QueryRow(ctx, query, slotID, identity.Username, identity.Number, at).Scan(
		&reg.SlotID,
		&reg.Username,
		&reg.Number,
		&reg.Status,
		&reg.Count,
		&reg.LastRegisteredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert registration: %w", err)
	}
	return &reg, nil
}

// --- Media streams ---

// StartMediaStream сохраняет новый активный поток.
func (s *Store) StartMediaStream(ctx context.Context, m *domain.MediaStream) error {
	query := `
		INSERT INTO media_streams (id, slot_id, kind, stream_key, stream_url, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		m.ID,
		m.SlotID,
		m.Kind,
		m.StreamKey,
		m.StreamURL,
		m.Status,
		m.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert media stream: %w", err)
	}
	return nil
}

// StopMediaStreams останавливает все активные потоки слота и возвращает их количество.
func (s *Store) StopMediaStreams(ctx context.Context, slotID string, at time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx,
		`UPDATE media_streams SET status = 'stopped', stopped_at = $2 WHERE slot_id = $1 AND status = 'active'`,
		slotID, at,
	)
	if err != nil {
		return 0, fmt.Errorf("stop media streams: %w", err)
	}
	return result.RowsAffected(), nil
}

// --- Processed commands ---

// IsCommandProcessed проверяет, выполнялась ли команда с этим message id.
func (s *Store) IsCommandProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_commands WHERE message_id = $1)`,
		messageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed command: %w", err)
	}
	return exists, nil
}

// MarkCommandProcessed запоминает выполненную команду.
func (s *Store) MarkCommandProcessed(ctx context.Context, messageID, messageType string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_commands (message_id, message_type) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		messageID, messageType,
	)
	if err != nil {
		return fmt.Errorf("mark command processed: %w", err)
	}
	return nil
}
