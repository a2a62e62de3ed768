package repo

import "errors"

var (
	// ErrNotFound — записи нет.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidState — условное обновление не применилось: слот уже сменил
	// fsm_state или запуск уже в финальном статусе.
	ErrInvalidState = errors.New("record changed concurrently")
)
