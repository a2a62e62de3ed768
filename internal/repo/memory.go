package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vss/internal/domain"
)

// MemoryStore — хранилище в памяти с теми же методами и гарантиями, что Store.
// Используется в local-only режиме без БД и в тестах.
type MemoryStore struct {
	mu            sync.RWMutex
	slots         map[string]*domain.Slot
	history       []*domain.StatusHistoryEntry
	scripts       map[uuid.UUID]*domain.AutomationScript
	recoveries    map[uuid.UUID]*domain.RecoveryOperation
	events        []*domain.OrchestrationEvent
	eventIDs      map[uuid.UUID]bool
	registrations map[string]*domain.Registration
	media         []*domain.MediaStream
	processed     map[string]string

	// FailTransition — если задан, ApplyTransition возвращает эту ошибку (для тестов).
	FailTransition error
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:         make(map[string]*domain.Slot),
		scripts:       make(map[uuid.UUID]*domain.AutomationScript),
		recoveries:    make(map[uuid.UUID]*domain.RecoveryOperation),
		eventIDs:      make(map[uuid.UUID]bool),
		registrations: make(map[string]*domain.Registration),
		processed:     make(map[string]string),
	}
}

// Ping всегда успешен.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) UpsertSlot(ctx context.Context, slot *domain.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.slots[slot.ID]
	if !ok {
		c := slot.Clone()
		c.Status = domain.StatusFor(c.FSMState)
		m.slots[slot.ID] = c
		return nil
	}

	existing.DeviceType = slot.DeviceType
	existing.DeviceSerial = slot.DeviceSerial
	existing.TrunkID = slot.TrunkID
	existing.SIP = nil
	if slot.SIP != nil {
		sip := *slot.SIP
		existing.SIP = &sip
	}
	existing.UpdatedAt = slot.UpdatedAt
	return nil
}

func (m *MemoryStore) GetSlot(ctx context.Context, id string) (*domain.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slot, ok := m.slots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return slot.Clone(), nil
}

func (m *MemoryStore) ListSlots(ctx context.Context, filter SlotFilter) ([]domain.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Slot
	for _, s := range m.slots {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.FSMState != "" && s.FSMState != filter.FSMState {
			continue
		}
		out = append(out, *s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailTransition != nil {
		return m.FailTransition
	}

	slot, ok := m.slots[t.Slot.ID]
	if !ok || slot.FSMState != t.From {
		return fmt.Errorf("%w: slot %s is not in %s", ErrInvalidState, t.Slot.ID, t.From)
	}

	slot.FSMState = t.Slot.FSMState
	slot.Status = t.Slot.Status
	slot.UpdatedAt = t.Slot.UpdatedAt

	h := *t.History
	m.history = append(m.history, &h)

	if !m.eventIDs[t.Event.ID] {
		e := *t.Event
		m.events = append(m.events, &e)
		m.eventIDs[e.ID] = true
	}
	return nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, slotID string, limit int) ([]domain.StatusHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.StatusHistoryEntry
	for i := len(m.history) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.history[i].SlotID == slotID {
			out = append(out, *m.history[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) ListUnpublished(ctx context.Context, limit int) ([]domain.StatusHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.StatusHistoryEntry
	for _, h := range m.history {
		if limit > 0 && len(out) >= limit {
			break
		}
		if h.PublishedAt == nil {
			out = append(out, *h)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkPublished(ctx context.Context, historyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.history {
		if h.ID == historyID && h.PublishedAt == nil {
			t := at
			h.PublishedAt = &t
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) InsertScriptRun(ctx context.Context, run *domain.AutomationScript) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scripts[run.ID]; ok {
		return false, nil
	}
	c := *run
	m.scripts[run.ID] = &c
	return true, nil
}

func (m *MemoryStore) UpdateScriptRun(ctx context.Context, run *domain.AutomationScript) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.scripts[run.ID]
	if !ok || existing.Status.IsTerminal() {
		return fmt.Errorf("%w: script run %s", ErrInvalidState, run.ID)
	}
	c := *run
	m.scripts[run.ID] = &c
	return nil
}

func (m *MemoryStore) GetScriptRun(ctx context.Context, id uuid.UUID) (*domain.AutomationScript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.scripts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *run
	return &c, nil
}

func (m *MemoryStore) ListScriptRuns(ctx context.Context, slotID string, limit int) ([]domain.AutomationScript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.AutomationScript
	for _, r := range m.scripts {
		if r.SlotID == slotID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) InsertRecoveryRun(ctx context.Context, op *domain.RecoveryOperation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.recoveries[op.ID]; ok {
		return false, nil
	}
	c := *op
	m.recoveries[op.ID] = &c
	return true, nil
}

func (m *MemoryStore) UpdateRecoveryRun(ctx context.Context, op *domain.RecoveryOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.recoveries[op.ID]
	if !ok || existing.Status.IsTerminal() {
		return fmt.Errorf("%w: recovery run %s", ErrInvalidState, op.ID)
	}
	c := *op
	m.recoveries[op.ID] = &c
	return nil
}

func (m *MemoryStore) GetRecoveryRun(ctx context.Context, id uuid.UUID) (*domain.RecoveryOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.recoveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *op
	return &c, nil
}

func (m *MemoryStore) ListRecoveryRuns(ctx context.Context, slotID string, limit int) ([]domain.RecoveryOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.RecoveryOperation
	for _, r := range m.recoveries {
		if r.SlotID == slotID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e *domain.OrchestrationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.eventIDs[e.ID] {
		return nil
	}
	c := *e
	m.events = append(m.events, &c)
	m.eventIDs[e.ID] = true
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, slotID string, limit int) ([]domain.OrchestrationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.OrchestrationEvent
	for i := len(m.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.events[i].SlotID == slotID {
			out = append(out, *m.events[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertRegistration(ctx context.Context, slotID string, identity domain.SIPIdentity, at time.Time) (*domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registrations[slotID]
	if !ok {
		reg = &domain.Registration{SlotID: slotID}
		m.registrations[slotID] = reg
	}
	reg.Username = identity.Username
	reg.Number = identity.Number
	reg.Status = "registered"
	reg.Count++
	reg.LastRegisteredAt = at

	c := *reg
	return &c, nil
}

func (m *MemoryStore) StartMediaStream(ctx context.Context, s *domain.MediaStream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *s
	m.media = append(m.media, &c)
	return nil
}

func (m *MemoryStore) StopMediaStreams(ctx context.Context, slotID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, s := range m.media {
		if s.SlotID == slotID && s.Status == domain.MediaStatusActive {
			t := at
			s.Status = domain.MediaStatusStopped
			s.StoppedAt = &t
			n++
		}
	}
	return n, nil
}

// ActiveMediaStreams возвращает активные потоки слота (для тестов и status API).
func (m *MemoryStore) ActiveMediaStreams(slotID string) []domain.MediaStream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.MediaStream
	for _, s := range m.media {
		if s.SlotID == slotID && s.Status == domain.MediaStatusActive {
			out = append(out, *s)
		}
	}
	return out
}

func (m *MemoryStore) IsCommandProcessed(ctx context.Context, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[messageID]
	return ok, nil
}

func (m *MemoryStore) MarkCommandProcessed(ctx context.Context, messageID, messageType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[messageID]; !ok {
		m.processed[messageID] = messageType
	}
	return nil
}
