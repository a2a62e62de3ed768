package gacs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/vss/internal/domain"
)

// Ошибки исполнителя.
var (
	// ErrUnknownKind — нет runner'а для типа скрипта.
	ErrUnknownKind = errors.New("unknown script kind")

	// ErrRunNotFound — запуск не найден.
	ErrRunNotFound = errors.New("script run not found")
)

// HarnessError — runner не смог запустить скрипт (устройство или хост недоступны).
// Слот в этом случае уходит в FAULT.
type HarnessError struct {
	RunID uuid.UUID
	Kind  domain.ScriptKind
	Err   error
}

func (e *HarnessError) Error() string {
	return fmt.Sprintf("run %s (%s): %v", e.RunID, e.Kind, e.Err)
}

func (e *HarnessError) Unwrap() []error {
	return []error{domain.ErrHarness, e.Err}
}
