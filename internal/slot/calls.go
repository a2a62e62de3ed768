package slot

import (
	"sync"

	"github.com/shaiso/vss/internal/telemetry"
)

// CallTracker — множество активных вызовов по call id.
// Повторный call.end не уменьшает счётчик ниже нуля.
type CallTracker struct {
	mu     sync.Mutex
	active map[string]string // call id → slot id
}

// NewCallTracker создаёт пустой трекер.
func NewCallTracker() *CallTracker {
	return &CallTracker{active: make(map[string]string)}
}

// Start отмечает вызов активным. false — вызов уже отслеживается.
func (t *CallTracker) Start(callID, slotID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[callID]; ok {
		return false
	}
	t.active[callID] = slotID
	telemetry.ActiveCalls.Set(float64(len(t.active)))
	return true
}

// End снимает вызов. Возвращает slot id и false, если вызов не был активен.
func (t *CallTracker) End(callID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slotID, ok := t.active[callID]
	if !ok {
		return "", false
	}
	delete(t.active, callID)
	telemetry.ActiveCalls.Set(float64(len(t.active)))
	return slotID, true
}

// Active возвращает число активных вызовов.
func (t *CallTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
