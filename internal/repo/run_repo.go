package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/vss/internal/domain"
)

// --- GACS ---

// InsertScriptRun сохраняет запуск скрипта.
// Повторная вставка с тем же ID игнорируется; created=false в этом случае.
func (s *Store) InsertScriptRun(ctx context.Context, run *domain.AutomationScript) (bool, error) {
	resultJSON, err := marshalResult(run.Result)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO automation_scripts (id, slot_id, kind, content, status, result, error,
		                                started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := s.pool.Exec(ctx, query,
		run.ID,
		run.SlotID,
		run.Kind,
		run.Content,
		run.Status,
		resultJSON,
		nullString(run.Error),
		run.StartedAt,
		run.CompletedAt,
		run.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert script run: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// UpdateScriptRun обновляет статус и результат запуска.
// Финальный статус не перезаписывается.
func (s *Store) UpdateScriptRun(ctx context.Context, run *domain.AutomationScript) error {
	resultJSON, err := marshalResult(run.Result)
	if err != nil {
		return err
	}

	query := `
		UPDATE automation_scripts
		SET status = $2, result = $3, error = $4, started_at = $5, completed_at = $6
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
	`
	result, err := s.pool.Exec(ctx, query,
		run.ID,
		run.Status,
		resultJSON,
		nullString(run.Error),
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update script run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: script run %s", ErrInvalidState, run.ID)
	}
	return nil
}

const scriptColumns = `id, slot_id, kind, content, status, result, error,
		       started_at, completed_at, created_at`

// GetScriptRun возвращает запуск по ID.
func (s *Store) GetScriptRun(ctx context.Context, id uuid.UUID) (*domain.AutomationScript, error) {
	query := `SELECT ` + scriptColumns + ` FROM automation_scripts WHERE id = $1`
	return scanScriptRun(s.pool.QueryRow(ctx, query, id))
}

// ListScriptRuns возвращает последние запуски слота.
func (s *Store) ListScriptRuns(ctx context.Context, slotID string, limit int) ([]domain.AutomationScript, error) {
	query := `
		SELECT ` + scriptColumns + `
		FROM automation_scripts
		WHERE slot_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, slotID, limit)
	if err != nil {
		return nil, fmt.Errorf("list script runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.AutomationScript
	for rows.Next() {
		run, err := scanScriptRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanScriptRun(row pgx.Row) (*domain.AutomationScript, error) {
	var run domain.AutomationScript
	var resultJSON []byte
	var runError *string

	err := row.Scan(
		&run.ID,
		&run.SlotID,
		&run.Kind,
		&run.Content,
		&run.Status,
		&resultJSON,
		&runError,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan script run: %w", err)
	}

	if run.Result, err = unmarshalResult(resultJSON); err != nil {
		return nil, err
	}
	run.Error = derefString(runError)
	return &run, nil
}

// --- DRP ---

// InsertRecoveryRun сохраняет операцию recovery. Идемпотентна по ID.
func (s *Store) InsertRecoveryRun(ctx context.Context, op *domain.RecoveryOperation) (bool, error) {
	resultJSON, err := marshalResult(op.Result)
	if err != nil {
		return false, err
	}

	query := `
		INSERT INTO recovery_operations (id, slot_id, kind, trigger_reason, forced, status, result,
		                                 error, attempts, started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := s.pool.Exec(ctx, query,
		op.ID,
		op.SlotID,
		op.Kind,
		op.Trigger,
		op.Forced,
		op.Status,
		resultJSON,
		nullString(op.Error),
		op.Attempts,
		op.StartedAt,
		op.CompletedAt,
		op.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert recovery run: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// UpdateRecoveryRun обновляет операцию. Финальный статус не перезаписывается.
func (s *Store) UpdateRecoveryRun(ctx context.Context, op *domain.RecoveryOperation) error {
	resultJSON, err := marshalResult(op.Result)
	if err != nil {
		return err
	}

	query := `
		UPDATE recovery_operations
		SET status = $2, result = $3, error = $4, attempts = $5, started_at = $6, completed_at = $7
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
	`
	result, err := s.pool.Exec(ctx, query,
		op.ID,
		op.Status,
		resultJSON,
		nullString(op.Error),
		op.Attempts,
		op.StartedAt,
		op.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update recovery run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: recovery run %s", ErrInvalidState, op.ID)
	}
	return nil
}

const recoveryColumns = `id, slot_id, kind, trigger_reason, forced, status, result, error,
		       attempts, started_at, completed_at, created_at`

// GetRecoveryRun возвращает операцию по ID.
func (s *Store) GetRecoveryRun(ctx context.Context, id uuid.UUID) (*domain.RecoveryOperation, error) {
	query := `SELECT ` + recoveryColumns + ` FROM recovery_operations WHERE id = $1`
	return scanRecoveryRun(s.pool.QueryRow(ctx, query, id))
}

// ListRecoveryRuns возвращает последние операции слота.
func (s *Store) ListRecoveryRuns(ctx context.Context, slotID string, limit int) ([]domain.RecoveryOperation, error) {
	query := `
		SELECT ` + recoveryColumns + `
		FROM recovery_operations
		WHERE slot_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, slotID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recovery runs: %w", err)
	}
	defer rows.Close()

	var ops []domain.RecoveryOperation
	for rows.Next() {
		op, err := scanRecoveryRun(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

func scanRecoveryRun(row pgx.Row) (*domain.RecoveryOperation, error) {
	var op domain.RecoveryOperation
	var resultJSON []byte
	var opError *string

	err := row.Scan(
		&op.ID,
		&op.SlotID,
		&op.Kind,
		&op.Trigger,
		&op.Forced,
		&op.Status,
		&resultJSON,
		&opError,
		&op.Attempts,
		&op.StartedAt,
		&op.CompletedAt,
		&op.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan recovery run: %w", err)
	}

	if op.Result, err = unmarshalResult(resultJSON); err != nil {
		return nil, err
	}
	op.Error = derefString(opError)
	return &op, nil
}

func marshalResult(result map[string]any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return b, nil
}

func unmarshalResult(b []byte) (map[string]any, error) {
	if b == nil {
		return nil, nil
	}
	var result map[string]any
	if err := json.Unmarshal(b, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return result, nil
}
