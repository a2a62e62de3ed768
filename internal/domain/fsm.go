package domain

// transitions — допустимые переходы FSM слота.
// Любой переход, которого нет в таблице, отклоняется движком.
var transitions = map[FSMState][]FSMState{
	FSMStateIdle:        {FSMStateAssigned, FSMStateRegistering, FSMStateBusy, FSMStateCalling, FSMStateFault},
	FSMStateReady:       {FSMStateAssigned, FSMStateRegistering, FSMStateBusy, FSMStateCalling, FSMStateFault},
	FSMStateAssigned:    {FSMStateCalling, FSMStateBusy, FSMStateFault},
	FSMStateCalling:     {FSMStateReady, FSMStateBusy, FSMStateFault},
	FSMStateBusy:        {FSMStateReady, FSMStateFault},
	FSMStateRegistering: {FSMStateReady, FSMStateFault},
	FSMStateFault:       {FSMStateReady, FSMStateIdle},
}

// recoverable — состояния, из которых допускается recovery.
// Из IDLE/READY только принудительно (force).
var recoverable = map[FSMState]bool{
	FSMStateFault: true,
	FSMStateIdle:  true,
	FSMStateReady: true,
}

// CanTransition проверяет, разрешён ли переход from → to.
func CanTransition(from, to FSMState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanRecover проверяет, можно ли запустить recovery из состояния from
// с итоговым состоянием to. Без force допускается только FAULT.
func CanRecover(from, to FSMState, force bool) bool {
	if to != FSMStateReady && to != FSMStateIdle {
		return false
	}
	if from == FSMStateFault {
		return true
	}
	return force && recoverable[from]
}

// Next возвращает список состояний, достижимых из s.
func (s FSMState) Next() []FSMState {
	out := make([]FSMState, len(transitions[s]))
	copy(out, transitions[s])
	return out
}
