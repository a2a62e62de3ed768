package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/repo"
	"github.com/shaiso/vss/internal/slot"
)

type fakeRecoverer struct {
	calls []string
	err   map[string]error
}

func (f *fakeRecoverer) Recover(ctx context.Context, slotID string, kind domain.RecoveryKind) (*domain.RecoveryOperation, error) {
	f.calls = append(f.calls, slotID)
	if err := f.err[slotID]; err != nil {
		return nil, err
	}
	op := domain.NewRecoveryOperation(uuid.New(), slotID, kind, domain.TriggerAutomatic, false)
	op.MarkCompleted("ok")
	return op, nil
}

func seed(t *testing.T, store *repo.MemoryStore, id string, state domain.FSMState) {
	t.Helper()
	s := domain.NewSlot(id, domain.DeviceTypeAuto)
	s.SetState(state)
	require.NoError(t, store.UpsertSlot(context.Background(), s))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Schedule: "every minute"})
	assert.Error(t, err)

	_, err = New(Config{RecoveryKind: "factory-reset"})
	assert.Error(t, err)

	m, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, defaultKind, m.kind)
	assert.Equal(t, defaultCooldown, m.cooldown)
}

func TestSweep_OnlyFaultedSlots(t *testing.T) {
	store := repo.NewMemoryStore()
	seed(t, store, "1", domain.FSMStateFault)
	seed(t, store, "2", domain.FSMStateReady)
	seed(t, store, "3", domain.FSMStateFault)
	rec := &fakeRecoverer{}

	m, err := New(Config{Slots: store, Recoverer: rec})
	require.NoError(t, err)

	n, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"1", "3"}, rec.calls)
}

func TestSweep_Cooldown(t *testing.T) {
	store := repo.NewMemoryStore()
	seed(t, store, "1", domain.FSMStateFault)
	rec := &fakeRecoverer{}

	m, err := New(Config{Slots: store, Recoverer: rec, Cooldown: time.Minute})
	require.NoError(t, err)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	n, _ := m.Sweep(ctx)
	assert.Equal(t, 1, n)

	now = now.Add(30 * time.Second)
	n, _ = m.Sweep(ctx)
	assert.Zero(t, n)

	now = now.Add(30 * time.Second)
	n, _ = m.Sweep(ctx)
	assert.Equal(t, 1, n)
	assert.Len(t, rec.calls, 2)
}

func TestSweep_BusySlotRetriedNextSweep(t *testing.T) {
	store := repo.NewMemoryStore()
	seed(t, store, "1", domain.FSMStateFault)
	rec := &fakeRecoverer{err: map[string]error{"1": domain.ErrSlotBusy}}

	m, err := New(Config{Slots: store, Recoverer: rec})
	require.NoError(t, err)
	ctx := context.Background()

	n, _ := m.Sweep(ctx)
	assert.Zero(t, n)

	delete(rec.err, "1")
	n, _ = m.Sweep(ctx)
	assert.Equal(t, 1, n)
}

func TestSweep_FailureCountsAsAttempt(t *testing.T) {
	store := repo.NewMemoryStore()
	seed(t, store, "1", domain.FSMStateFault)
	rec := &fakeRecoverer{err: map[string]error{"1": errors.New("db down")}}

	m, err := New(Config{Slots: store, Recoverer: rec})
	require.NoError(t, err)

	n, _ := m.Sweep(context.Background())
	assert.Equal(t, 1, n)
	n, _ = m.Sweep(context.Background())
	assert.Zero(t, n)
}

// fixedRecovery — drp-исполнитель, который всегда успешен.
type fixedRecovery struct{}

func (fixedRecovery) Recover(ctx context.Context, id uuid.UUID, s *domain.Slot, kind domain.RecoveryKind, trigger domain.TriggerReason, force bool) (*domain.RecoveryOperation, error) {
	op := domain.NewRecoveryOperation(id, s.ID, kind, trigger, force)
	op.MarkCompleted("ok")
	return op, nil
}

func TestRegistryRecoverer(t *testing.T) {
	store := repo.NewMemoryStore()
	seed(t, store, "1", domain.FSMStateFault)
	registry := slot.NewRegistry(slot.Config{Store: store, Recovery: fixedRecovery{}})

	m, err := New(Config{
		Slots:        store,
		Recoverer:    RegistryRecoverer{Registry: registry},
		RecoveryKind: domain.RecoveryIdentityReregister,
	})
	require.NoError(t, err)

	n, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, err := store.GetSlot(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, domain.FSMStateReady, s.FSMState)

	history, err := store.ListHistory(context.Background(), "1", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "monitor", history[0].Source)
}

func TestStartStop(t *testing.T) {
	m, err := New(Config{Slots: repo.NewMemoryStore(), Recoverer: &fakeRecoverer{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.cron == nil
	}, time.Second, 10*time.Millisecond)
}
