package gacs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/vss/internal/chat"
	"github.com/shaiso/vss/internal/device"
	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/event"
	"github.com/shaiso/vss/internal/repo"
)

type recordingSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *recordingSink) Publish(ctx context.Context, e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

type fakeDevice struct {
	out   device.Output
	err   error
	delay time.Duration
	calls []string
}

func (f *fakeDevice) Run(ctx context.Context, deviceID string, kind domain.ScriptKind, content string) (device.Output, error) {
	f.calls = append(f.calls, deviceID+"|"+string(kind)+"|"+content)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return device.Output{}, domain.ErrRunTimeout
		}
	}
	return f.out, f.err
}

type fakeSender struct {
	err error
}

func (f *fakeSender) Platform() chat.Platform { return chat.PlatformSlack }

func (f *fakeSender) Send(ctx context.Context, msg chat.Message) (chat.Delivery, error) {
	if f.err != nil {
		return chat.Delivery{Platform: chat.PlatformSlack, Channel: msg.Channel}, f.err
	}
	return chat.Delivery{Platform: chat.PlatformSlack, Channel: msg.Channel, MessageID: "ts-1", Delivered: true}, nil
}

func newTestExecutor(dev DeviceRunner, sender chat.Sender) (*Executor, *repo.MemoryStore, *recordingSink) {
	store := repo.NewMemoryStore()
	sink := &recordingSink{}
	exec := New(Config{
		Store:    store,
		Registry: NewRegistry(dev, sender),
		Events:   sink,
	})
	return exec, store, sink
}

func testSlot() *domain.Slot {
	return domain.NewSlot("4", domain.DeviceTypeAuto)
}

func TestExecutor_EnqueueIdempotent(t *testing.T) {
	exec, _, _ := newTestExecutor(&fakeDevice{}, nil)
	ctx := context.Background()
	id := uuid.New()

	run, created, err := exec.Enqueue(ctx, id, "4", domain.ScriptKindDeviceShell, "input keyevent HOME")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.RunStatusQueued, run.Status)

	again, created, err := exec.Enqueue(ctx, id, "4", domain.ScriptKindDeviceShell, "input keyevent HOME")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again.ID)
}

func TestExecutor_EnqueueUnknownKind(t *testing.T) {
	exec, _, _ := newTestExecutor(&fakeDevice{}, nil)

	_, _, err := exec.Enqueue(context.Background(), uuid.New(), "4", "telnet", "x")
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestExecutor_RunCompleted(t *testing.T) {
	dev := &fakeDevice{out: device.Output{Stdout: "ok\n"}}
	exec, store, sink := newTestExecutor(dev, nil)
	ctx := context.Background()

	run, _, err := exec.Enqueue(ctx, uuid.New(), "4", domain.ScriptKindDeviceShell, "echo ok")
	require.NoError(t, err)

	require.NoError(t, exec.Run(ctx, run, testSlot(), 0))
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, "ok\n", run.Result["stdout"])
	assert.Equal(t, []string{"device_4|device-shell|echo ok"}, dev.calls)

	stored, err := store.GetScriptRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, stored.Status)

	require.Len(t, sink.events, 1)
	pe := sink.events[0].(*event.PipelineEvent)
	assert.Equal(t, event.TypePipelineGACS, pe.Type)
	assert.Equal(t, domain.RunStatusCompleted, pe.Status)

	audit, err := store.ListEvents(ctx, "4", 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, domain.FlowScriptExecution, audit[0].FlowID)
	assert.Equal(t, domain.PlaneAccess, audit[0].Plane)
}

func TestExecutor_ScriptFailureIsNotHarnessError(t *testing.T) {
	dev := &fakeDevice{out: device.Output{Stderr: "boom", ExitCode: 2}}
	exec, _, _ := newTestExecutor(dev, nil)
	ctx := context.Background()

	run, _, _ := exec.Enqueue(ctx, uuid.New(), "4", domain.ScriptKindHostShellPosix, "false")

	err := exec.Run(ctx, run, testSlot(), 0)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, "exit code 2", run.Error)
	assert.Equal(t, 2, run.Result["exit_code"])
}

func TestExecutor_HarnessError(t *testing.T) {
	dev := &fakeDevice{err: errors.New("adb: device offline")}
	exec, _, _ := newTestExecutor(dev, nil)
	ctx := context.Background()

	run, _, _ := exec.Enqueue(ctx, uuid.New(), "4", domain.ScriptKindDeviceShell, "input tap 1 1")

	err := exec.Run(ctx, run, testSlot(), 0)
	var harnessErr *HarnessError
	require.ErrorAs(t, err, &harnessErr)
	assert.True(t, errors.Is(err, domain.ErrHarness))
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "device offline")
}

func TestExecutor_Timeout(t *testing.T) {
	dev := &fakeDevice{delay: time.Second}
	exec, _, _ := newTestExecutor(dev, nil)
	ctx := context.Background()

	run, _, _ := exec.Enqueue(ctx, uuid.New(), "4", domain.ScriptKindDeviceShell, "sleep 10")

	err := exec.Run(ctx, run, testSlot(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, "timeout", run.Error)
}

func TestExecutor_NoRunnerIsHarnessError(t *testing.T) {
	exec, _, _ := newTestExecutor(&fakeDevice{}, nil)
	ctx := context.Background()

	run, _, _ := exec.Enqueue(ctx, uuid.New(), "4", domain.ScriptKindChatMessage, "hello")

	err := exec.Run(ctx, run, testSlot(), 0)
	assert.True(t, errors.Is(err, domain.ErrHarness))
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestExecutor_ChatMessage(t *testing.T) {
	exec, _, _ := newTestExecutor(&fakeDevice{}, &fakeSender{})
	ctx := context.Background()

	run, _, _ := exec.Enqueue(ctx, uuid.New(), "4", domain.ScriptKindChatMessage, `{"channel":"C1","text":"slot 4 ready"}`)

	require.NoError(t, exec.Run(ctx, run, testSlot(), 0))
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, true, run.Result["delivered"])
	assert.Equal(t, "ts-1", run.Result["message_id"])
}

func TestExecutor_ChatRejected(t *testing.T) {
	sender := &fakeSender{err: errors.Join(domain.ErrScript, errors.New("channel_not_found"))}
	exec, _, _ := newTestExecutor(&fakeDevice{}, sender)
	ctx := context.Background()

	run, _, _ := exec.Enqueue(ctx, uuid.New(), "4", domain.ScriptKindChatMessage, "hello")

	require.NoError(t, exec.Run(ctx, run, testSlot(), 0))
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, false, run.Result["delivered"])
}

func TestExecutor_TerminalRunNotRerun(t *testing.T) {
	dev := &fakeDevice{}
	exec, _, _ := newTestExecutor(dev, nil)
	ctx := context.Background()

	run, _, _ := exec.Enqueue(ctx, uuid.New(), "4", domain.ScriptKindDeviceShell, "echo")
	require.NoError(t, exec.Run(ctx, run, testSlot(), 0))
	require.NoError(t, exec.Run(ctx, run, testSlot(), 0))

	assert.Len(t, dev.calls, 1)
}

// failFirstUpdate отказывает в первом UpdateScriptRun.
type failFirstUpdate struct {
	*repo.MemoryStore
	failed bool
}

func (s *failFirstUpdate) UpdateScriptRun(ctx context.Context, run *domain.AutomationScript) error {
	if !s.failed {
		s.failed = true
		return errors.New("db blip")
	}
	return s.MemoryStore.UpdateScriptRun(ctx, run)
}

func TestExecutor_RunningUpdateFailureEndsRun(t *testing.T) {
	store := &failFirstUpdate{MemoryStore: repo.NewMemoryStore()}
	dev := &fakeDevice{}
	exec := New(Config{Store: store, Registry: NewRegistry(dev, nil)})
	ctx := context.Background()

	run, _, err := exec.Enqueue(ctx, uuid.New(), "4", domain.ScriptKindDeviceShell, "echo ok")
	require.NoError(t, err)

	err = exec.Run(ctx, run, testSlot(), 0)
	require.Error(t, err)
	assert.Empty(t, dev.calls)
	assert.Equal(t, domain.RunStatusFailed, run.Status)

	stored, err := store.GetScriptRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "db blip")
}

func TestExecutor_Abort(t *testing.T) {
	exec, store, sink := newTestExecutor(&fakeDevice{}, nil)
	ctx := context.Background()

	run, _, err := exec.Enqueue(ctx, uuid.New(), "4", domain.ScriptKindHostShellPosix, "true")
	require.NoError(t, err)

	require.NoError(t, exec.Abort(ctx, run, "slot not acquired"))
	stored, err := store.GetScriptRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
	assert.Equal(t, "slot not acquired", stored.Error)
	require.Len(t, sink.events, 1)

	// завершённый запуск не переписывается
	require.NoError(t, exec.Abort(ctx, run, "again"))
	assert.Equal(t, "slot not acquired", run.Error)
	assert.Len(t, sink.events, 1)
}
