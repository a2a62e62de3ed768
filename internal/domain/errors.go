package domain

import (
	"errors"
	"fmt"
)

// Категории ошибок оркестрации. Пакеты оборачивают их через %w.
var (
	// ErrTransport — шина недоступна или публикация не удалась.
	ErrTransport = errors.New("transport error")

	// ErrHarness — не удалось достучаться до устройства/хоста.
	ErrHarness = errors.New("harness error")

	// ErrScript — скрипт выполнился, но завершился неуспешно.
	ErrScript = errors.New("script error")

	// ErrStateConflict — операция недопустима в текущем состоянии FSM.
	ErrStateConflict = errors.New("state conflict")

	// ErrSlotBusy — слот занят другой операцией.
	ErrSlotBusy = errors.New("slot busy")

	// ErrAuthorization — у сессии нет прав на команду.
	ErrAuthorization = errors.New("not authorized")

	// ErrSlotNotFound — слот не найден.
	ErrSlotNotFound = errors.New("slot not found")

	// ErrRunTimeout — выполнение превысило таймаут.
	ErrRunTimeout = errors.New("timeout")
)

// StateConflictError возвращается синхронно инициатору команды.
type StateConflictError struct {
	SlotID    string
	Operation string
	State     FSMState
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("slot %s: %s not allowed in state %s", e.SlotID, e.Operation, e.State)
}

func (e *StateConflictError) Unwrap() error {
	return ErrStateConflict
}

// NewStateConflict создаёт StateConflictError.
func NewStateConflict(slotID, op string, state FSMState) error {
	return &StateConflictError{SlotID: slotID, Operation: op, State: state}
}
