package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shaiso/vss/internal/domain"
)

// Transition — один переход слота: новое состояние, запись истории и событие аудита.
// Применяется целиком в одной транзакции.
type Transition struct {
	// Slot — слот уже в новом состоянии.
	Slot *domain.Slot

	// From — ожидаемое текущее состояние в БД.
	From domain.FSMState

	History *domain.StatusHistoryEntry
	Event   *domain.OrchestrationEvent
}

// SlotFilter — параметры фильтрации слотов.
type SlotFilter struct {
	Status   domain.SlotStatus
	FSMState domain.FSMState
}

const slotColumns = `id, device_type, device_serial, status, fsm_state,
		       sip_username, sip_number, trunk_id, created_at, updated_at`

// UpsertSlot создаёт слот при провижининге или обновляет его атрибуты.
// Состояние FSM существующего слота не трогается.
func (s *Store) UpsertSlot(ctx context.Context, slot *domain.Slot) error {
	var username, number *string
	if slot.SIP != nil {
		username = nullString(slot.SIP.Username)
		number = nullString(slot.SIP.Number)
	}

	query := `
		INSERT INTO slots (id, device_type, device_serial, status, fsm_state,
		                   sip_username, sip_number, trunk_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (id) DO UPDATE
		SET device_type = EXCLUDED.device_type,
		    device_serial = EXCLUDED.device_serial,
		    sip_username = EXCLUDED.sip_username,
		    sip_number = EXCLUDED.sip_number,
		    trunk_id = EXCLUDED.trunk_id,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		slot.ID,
		slot.DeviceType,
		nullString(slot.DeviceSerial),
		domain.StatusFor(slot.FSMState),
		slot.FSMState,
		username,
		number,
		nullString(slot.TrunkID),
		slot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert slot: %w", err)
	}
	return nil
}

// GetSlot возвращает слот по ID.
func (s *Store) GetSlot(ctx context.Context, id string) (*domain.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots WHERE id = $1`
	return scanSlot(s.pool.QueryRow(ctx, query, id))
}

// ListSlots возвращает слоты с фильтрацией.
func (s *Store) ListSlots(ctx context.Context, filter SlotFilter) ([]domain.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM slots
		WHERE ($1::text IS NULL OR status = $1)
		  AND ($2::text IS NULL OR fsm_state = $2)
		ORDER BY id
	`
	rows, err := s.pool.Query(ctx, query,
		nullString(string(filter.Status)),
		nullString(string(filter.FSMState)),
	)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var slots []domain.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *slot)
	}
	return slots, rows.Err()
}

// ApplyTransition в одной транзакции обновляет (status, fsm_state),
// добавляет запись истории и событие аудита.
//
// Обновление условное (WHERE fsm_state = From): если слот уже
// в другом состоянии, возвращается ErrInvalidState и ничего не пишется.
func (s *Store) ApplyTransition(ctx context.Context, t Transition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE slots
		SET status = $2, fsm_state = $3, updated_at = $4
		WHERE id = $1 AND fsm_state = $5
	`,
		t.Slot.ID,
		t.Slot.Status,
		t.Slot.FSMState,
		t.Slot.UpdatedAt,
		t.From,
	)
	if err != nil {
		return fmt.Errorf("update slot state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: slot %s is not in %s", ErrInvalidState, t.Slot.ID, t.From)
	}

	if err := insertHistory(ctx, tx, t.History); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, t.Event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, db execer, h *domain.StatusHistoryEntry) error {
	query := `
		INSERT INTO slot_status_history (id, slot_id, from_state, fsm_state, status,
		                                 source, trigger, event_id, published_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := db.Exec(ctx, query,
		h.ID,
		h.SlotID,
		nullString(string(h.FromState)),
		h.FSMState,
		h.Status,
		h.Source,
		h.Trigger,
		nullString(h.EventID),
		h.PublishedAt,
		h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

const historyColumns = `id, slot_id, from_state, fsm_state, status, source, trigger,
		       event_id, published_at, created_at`

// ListHistory возвращает историю переходов слота, новые первыми.
func (s *Store) ListHistory(ctx context.Context, slotID string, limit int) ([]domain.StatusHistoryEntry, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM slot_status_history
		WHERE slot_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return s.queryHistory(ctx, query, slotID, limit)
}

// ListUnpublished возвращает переходы, событие которых не дошло до шины.
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]domain.StatusHistoryEntry, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM slot_status_history
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`
	return s.queryHistory(ctx, query, limit)
}

// MarkPublished отмечает запись истории как доставленную в шину.
func (s *Store) MarkPublished(ctx context.Context, historyID string, at time.Time) error {
	result, err := s.pool.Exec(ctx,
		`UPDATE slot_status_history SET published_at = $2 WHERE id = $1 AND published_at IS NULL`,
		historyID, at,
	)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryHistory(ctx context.Context, query string, args ...any) ([]domain.StatusHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []domain.StatusHistoryEntry
	for rows.Next() {
		var h domain.StatusHistoryEntry
		var fromState, eventID *string
		err := rows.Scan(
			&h.ID,
			&h.SlotID,
			&fromState,
			&h.FSMState,
			&h.Status,
			&h.Source,
			&h.Trigger,
			&eventID,
			&h.PublishedAt,
			&h.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.FromState = domain.FSMState(derefString(fromState))
		h.EventID = derefString(eventID)
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// scanSlot сканирует одну строку в Slot.
func scanSlot(row pgx.Row) (*domain.Slot, error) {
	var slot domain.Slot
	var serial, username, number, trunk *string

	err := row.Scan(
		&slot.ID,
		&slot.DeviceType,
		&serial,
		&slot.Status,
		&slot.FSMState,
		&username,
		&number,
		&trunk,
		&slot.CreatedAt,
		&slot.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan slot: %w", err)
	}

	slot.DeviceSerial = derefString(serial)
	slot.TrunkID = derefString(trunk)
	if username != nil || number != nil {
		slot.SIP = &domain.SIPIdentity{
			Username: derefString(username),
			Number:   derefString(number),
		}
	}
	return &slot, nil
}
