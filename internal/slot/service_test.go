package slot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/event"
	"github.com/shaiso/vss/internal/mq"
)

func newTestService(env *testEnv) *Service {
	return NewService(ServiceConfig{
		Registry:       env.registry,
		Store:          env.store,
		Commands:       env.commands,
		LeadRetryDelay: time.Millisecond,
	})
}

func delivery(id string, msgType mq.MessageType, payload any) *mq.Delivery {
	return &mq.Delivery{Message: mq.Message{ID: id, Type: msgType, Payload: payload}}
}

func callDelivery(e *event.CallEvent) *mq.Delivery {
	msg := event.Encode(e)
	return &mq.Delivery{Message: *msg, RoutingKey: e.Type}
}

func TestCommand_DuplicateNotExecutedTwice(t *testing.T) {
	env := newTestEnv(t)
	env.addSlot(t, "1", domain.FSMStateReady)
	svc := newTestService(env)
	handler := svc.command(svc.handleGACS)

	d := delivery("msg-1", mq.MessageTypeGACSExecute, mq.GACSExecutePayload{
		SlotID:  "1",
		Kind:    string(domain.ScriptKindDeviceShell),
		Content: "input keyevent 26",
	})

	require.NoError(t, handler(context.Background(), d))
	require.NoError(t, handler(context.Background(), d))

	assert.Equal(t, 1, env.automation.runs)
	done, err := env.store.IsCommandProcessed(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCommand_RejectionAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	env.addSlot(t, "1", domain.FSMStateFault)
	svc := newTestService(env)

	d := delivery("msg-2", mq.MessageTypeSlotCall, mq.SlotCommandPayload{SlotID: "1", Number: "+1"})
	require.NoError(t, svc.command(svc.handleSlotCommand)(context.Background(), d))

	done, err := env.store.IsCommandProcessed(context.Background(), "msg-2")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, domain.FSMStateFault, env.state(t, "1"))
}

func TestCommand_UnknownSlotAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(env)

	d := delivery("msg-3", mq.MessageTypeDRPExecute, mq.DRPExecutePayload{SlotID: "nope", Kind: "power-cycle"})
	assert.NoError(t, svc.command(svc.handleDRP)(context.Background(), d))
}

func TestCommand_MalformedPayloadIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(env)

	d := delivery("msg-4", mq.MessageTypeGACSExecute, "not an object")
	err := svc.command(svc.handleGACS)(context.Background(), d)
	assert.True(t, errors.Is(err, mq.ErrPermanent))

	done, _ := env.store.IsCommandProcessed(context.Background(), "msg-4")
	assert.False(t, done)
}

func TestCommand_TransientErrorRequeued(t *testing.T) {
	env := newTestEnv(t)
	env.addSlot(t, "1", domain.FSMStateReady)
	env.store.FailTransition = errors.New("db down")
	svc := newTestService(env)

	d := delivery("msg-5", mq.MessageTypeSlotFault, mq.SlotCommandPayload{SlotID: "1", Reason: "probe"})
	err := svc.command(svc.handleSlotCommand)(context.Background(), d)
	require.Error(t, err)
	assert.False(t, errors.Is(err, mq.ErrPermanent))

	done, _ := env.store.IsCommandProcessed(context.Background(), "msg-5")
	assert.False(t, done)
}

func TestHandleSlotCommand_Routing(t *testing.T) {
	env := newTestEnv(t)
	env.addSlot(t, "1", domain.FSMStateReady)
	svc := newTestService(env)
	handler := svc.command(svc.handleSlotCommand)
	ctx := context.Background()

	require.NoError(t, handler(ctx, delivery("a", mq.MessageTypeStreamStart, mq.SlotCommandPayload{SlotID: "1"})))
	assert.Len(t, env.store.ActiveMediaStreams("1"), 1)

	require.NoError(t, handler(ctx, delivery("b", mq.MessageTypeStreamStop, mq.SlotCommandPayload{SlotID: "1"})))
	assert.Empty(t, env.store.ActiveMediaStreams("1"))

	require.NoError(t, handler(ctx, delivery("c", mq.MessageTypeSlotFault, mq.SlotCommandPayload{SlotID: "1", Reason: "operator"})))
	assert.Equal(t, domain.FSMStateFault, env.state(t, "1"))

	history := env.history(t, "1")
	require.NotEmpty(t, history)
	assert.Equal(t, "command:slot.fault", history[0].Source)
}

func TestHandleSlotCommand_UsesRoutingKeyWithoutType(t *testing.T) {
	env := newTestEnv(t)
	env.addSlot(t, "1", domain.FSMStateReady)
	svc := newTestService(env)

	d := delivery("a", "", mq.SlotCommandPayload{SlotID: "1", Number: "+300"})
	d.RoutingKey = string(mq.RoutingKeySlotCall)
	require.NoError(t, svc.handleSlotCommand(context.Background(), d))

	assert.Equal(t, domain.FSMStateCalling, env.state(t, "1"))
	require.Len(t, env.commands.dials, 1)
	assert.Equal(t, "+300", env.commands.dials[0].To)
}

func TestHandleSlotCommand_Unknown(t *testing.T) {
	env := newTestEnv(t)
	env.addSlot(t, "1", domain.FSMStateReady)
	svc := newTestService(env)

	err := svc.handleSlotCommand(context.Background(), delivery("a", "slot.explode", mq.SlotCommandPayload{SlotID: "1"}))
	assert.True(t, errors.Is(err, mq.ErrPermanent))
}

func TestHandleLead_PicksFreeSlot(t *testing.T) {
	env := newTestEnv(t)
	env.addSlot(t, "1", domain.FSMStateBusy)
	env.addSlot(t, "2", domain.FSMStateReady)
	svc := newTestService(env)

	d := delivery("lead-msg", mq.MessageTypeAutodialLead, domain.Lead{ID: "lead-1", PhoneNumber: "+4930"})
	require.NoError(t, svc.command(svc.handleLead)(context.Background(), d))

	assert.Equal(t, domain.FSMStateBusy, env.state(t, "1"))
	assert.Equal(t, domain.FSMStateCalling, env.state(t, "2"))
	require.Len(t, env.commands.dials, 1)
	assert.Equal(t, "2", env.commands.dials[0].SlotID)
}

func TestHandleLead_ExplicitSlot(t *testing.T) {
	env := newTestEnv(t)
	env.addSlot(t, "1", domain.FSMStateReady)
	env.addSlot(t, "2", domain.FSMStateReady)
	svc := newTestService(env)

	d := delivery("m", mq.MessageTypeAutodialLead, domain.Lead{ID: "lead-1", PhoneNumber: "+4930", SlotID: "2"})
	require.NoError(t, svc.handleLead(context.Background(), d))

	assert.Equal(t, domain.FSMStateReady, env.state(t, "1"))
	assert.Equal(t, domain.FSMStateCalling, env.state(t, "2"))
}

func TestHandleLead_NoFreeSlotRequeues(t *testing.T) {
	env := newTestEnv(t)
	env.addSlot(t, "1", domain.FSMStateCalling)
	svc := newTestService(env)

	d := delivery("m", mq.MessageTypeAutodialLead, domain.Lead{ID: "lead-1", PhoneNumber: "+4930"})
	err := svc.command(svc.handleLead)(context.Background(), d)
	assert.True(t, errors.Is(err, ErrNoFreeSlot))

	done, _ := env.store.IsCommandProcessed(context.Background(), "m")
	assert.False(t, done)
}

func TestHandleLead_MissingPhoneNumber(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(env)

	err := svc.handleLead(context.Background(), delivery("m", mq.MessageTypeAutodialLead, domain.Lead{ID: "lead-1"}))
	assert.True(t, errors.Is(err, mq.ErrPermanent))
}

func TestHandleLead_DispatchFailureReturnsLeadToPool(t *testing.T) {
	env := newTestEnv(t)
	env.addSlot(t, "1", domain.FSMStateReady)
	env.commands.err = mq.ErrNotConnected
	svc := newTestService(env)

	d := delivery("m", mq.MessageTypeAutodialLead, domain.Lead{ID: "lead-1", PhoneNumber: "+4930"})
	require.NoError(t, svc.handleLead(context.Background(), d))

	assert.Equal(t, domain.FSMStateFault, env.state(t, "1"))
	require.Len(t, env.commands.leads, 1)
	assert.Equal(t, 1, env.commands.leads[0].Attempt)
	assert.Empty(t, env.commands.leads[0].SlotID)
}

func TestHandleLead_StoreFailureAfterAssignReturnsLeadToPool(t *testing.T) {
	env := newTestEnv(t)
	env.withFlakyStore(2) // ASSIGNED -> CALLING
	env.addSlot(t, "1", domain.FSMStateReady)
	svc := newTestService(env)
	handler := svc.command(svc.handleLead)

	d := delivery("lead-msg", mq.MessageTypeAutodialLead, domain.Lead{ID: "lead-1", PhoneNumber: "+4930"})
	require.NoError(t, handler(context.Background(), d))

	assert.Equal(t, domain.FSMStateFault, env.state(t, "1"))
	assert.Empty(t, env.commands.dials)
	require.Len(t, env.commands.leads, 1)
	assert.Equal(t, "lead-1", env.commands.leads[0].ID)
	assert.Equal(t, 1, env.commands.leads[0].Attempt)
}

func TestHandleGACS_RunIDFromMessageID(t *testing.T) {
	env := newTestEnv(t)
	env.addSlot(t, "1", domain.FSMStateReady)
	svc := newTestService(env)

	d := delivery(uuid.NewString(), mq.MessageTypeGACSExecute, mq.GACSExecutePayload{
		SlotID:     "1",
		Kind:       string(domain.ScriptKindHostShellPosix),
		Content:    "uptime",
		TimeoutSec: 5,
	})
	require.NoError(t, svc.handleGACS(context.Background(), d))

	id, err := uuid.Parse(d.Message.ID)
	require.NoError(t, err)
	run, err := env.store.GetScriptRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.ScriptKindHostShellPosix, run.Kind)
	assert.Equal(t, "1", run.SlotID)
}

func TestHandleDRP_DefaultsToManualTrigger(t *testing.T) {
	env := newTestEnv(t)
	env.addSlot(t, "1", domain.FSMStateFault)
	svc := newTestService(env)

	d := delivery("drp-1", mq.MessageTypeDRPExecute, mq.DRPExecutePayload{SlotID: "1", Kind: string(domain.RecoveryPowerCycle)})
	require.NoError(t, svc.handleDRP(context.Background(), d))

	assert.Equal(t, domain.FSMStateIdle, env.state(t, "1"))
	assert.Equal(t, 1, env.recovery.calls)
}

func TestHandleCallEvent_Tracking(t *testing.T) {
	env := newTestEnv(t)
	env.addSlot(t, "1", domain.FSMStateCalling)
	svc := newTestService(env)
	ctx := context.Background()

	start := &event.CallEvent{Type: event.TypeCallStart, CallID: "c-1", SlotID: "1", OccurredAt: time.Now()}
	end := &event.CallEvent{Type: event.TypeCallEnd, CallID: "c-1", SlotID: "1", OccurredAt: time.Now()}

	require.NoError(t, svc.handleCallEvent(ctx, callDelivery(start)))
	require.NoError(t, svc.handleCallEvent(ctx, callDelivery(start)))
	assert.Equal(t, 1, svc.Calls().Active())

	require.NoError(t, svc.handleCallEvent(ctx, callDelivery(end)))
	require.NoError(t, svc.handleCallEvent(ctx, callDelivery(end)))
	assert.Equal(t, 0, svc.Calls().Active())

	assert.Equal(t, domain.FSMStateReady, env.state(t, "1"))
	history := env.history(t, "1")
	require.Len(t, history, 1)
	assert.Equal(t, "call-control", history[0].Source)
}

func TestHandleCallEvent_UnknownSlotAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(env)

	end := &event.CallEvent{Type: event.TypeCallEnd, CallID: "c-9", SlotID: "ghost"}
	assert.NoError(t, svc.handleCallEvent(context.Background(), callDelivery(end)))
}

func TestHandleCallEvent_UnknownCategory(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(env)

	d := delivery("x", "weird", map[string]any{})
	assert.True(t, errors.Is(svc.handleCallEvent(context.Background(), d), mq.ErrPermanent))
}

func TestCommandRunID(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, id, commandRunID(id.String()))

	a := commandRunID("msg-42")
	assert.Equal(t, a, commandRunID("msg-42"))
	assert.NotEqual(t, a, commandRunID("msg-43"))

	assert.NotEqual(t, uuid.Nil, commandRunID(""))
}

func TestIsRejection(t *testing.T) {
	assert.True(t, isRejection(domain.NewStateConflict("1", "x", domain.FSMStateBusy)))
	assert.True(t, isRejection(errors.Join(domain.ErrHarness, errors.New("adb"))))
	assert.True(t, isRejection(ErrDispatch))
	assert.False(t, isRejection(ErrNoFreeSlot))
	assert.False(t, isRejection(errors.New("db down")))
}

func TestCallTracker(t *testing.T) {
	tr := NewCallTracker()

	assert.True(t, tr.Start("a", "1"))
	assert.False(t, tr.Start("a", "1"))
	assert.True(t, tr.Start("b", "2"))
	assert.Equal(t, 2, tr.Active())

	slotID, ok := tr.End("a")
	assert.True(t, ok)
	assert.Equal(t, "1", slotID)

	_, ok = tr.End("a")
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Active())
}
