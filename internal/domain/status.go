package domain

// FSMState — состояние конечного автомата слота.
//
// Жизненный цикл:
//
//	IDLE → ASSIGNED → CALLING → READY
//	IDLE/READY → REGISTERING → READY
//	(не FAULT) → BUSY → READY
//	(любое) → FAULT → READY | IDLE (только через recovery)
type FSMState string

const (
	// FSMStateIdle — начальное состояние, слот не зарегистрирован.
	FSMStateIdle FSMState = "IDLE"

	// FSMStateAssigned — к слоту привязан lead.
	FSMStateAssigned FSMState = "ASSIGNED"

	// FSMStateCalling — исходящий вызов в процессе.
	FSMStateCalling FSMState = "CALLING"

	// FSMStateBusy — выполняется автоматизация.
	FSMStateBusy FSMState = "BUSY"

	// FSMStateRegistering — идёт регистрация SIP identity.
	FSMStateRegistering FSMState = "REGISTERING"

	// FSMStateReady — слот свободен и готов к работе.
	FSMStateReady FSMState = "READY"

	// FSMStateFault — слот неисправен, выход только через recovery.
	FSMStateFault FSMState = "FAULT"
)

// Valid проверяет, что состояние известно.
func (s FSMState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// SlotStatus — агрегированный статус слота для дашбордов.
type SlotStatus string

const (
	SlotStatusFree  SlotStatus = "free"
	SlotStatusBusy  SlotStatus = "busy"
	SlotStatusError SlotStatus = "error"
)

// StatusFor возвращает статус, соответствующий состоянию FSM.
// Статус никогда не хранится отдельно от состояния — только выводится из него.
func StatusFor(state FSMState) SlotStatus {
	switch state {
	case FSMStateAssigned, FSMStateCalling, FSMStateBusy:
		return SlotStatusBusy
	case FSMStateFault:
		return SlotStatusError
	default:
		return SlotStatusFree
	}
}

// RunStatus — статус запуска скрипта автоматизации или recovery.
//
// Жизненный цикл:
//
//	queued → running → completed
//	                 ↘ failed
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal возвращает true, если статус финальный.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed:
		return true
	default:
		return false
	}
}
