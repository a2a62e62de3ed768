package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/event"
	"github.com/shaiso/vss/internal/mq"
)

type published struct {
	exchange   mq.Exchange
	routingKey mq.RoutingKey
	msg        *mq.Message
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, exchange mq.Exchange, routingKey mq.RoutingKey, msg *mq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{exchange, routingKey, msg})
	return nil
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func callEvent() *event.CallEvent {
	return &event.CallEvent{
		Type:        event.TypeCallStart,
		CallID:      "call-1",
		SlotID:      "7",
		From:        "+15550007",
		To:          "+4915112345",
		PhoneNumber: "+4915112345",
		SIPUsername: "slot7",
		CallerID:    "ACME",
		DTMFDigits:  "1234",
		DurationSec: 42,
		OccurredAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func addSession(h *Hub, role Role) *Session {
	s := newSession(h, nil, role)
	h.register(s)
	return s
}

func readFrame(t *testing.T, s *Session) Frame {
	t.Helper()
	select {
	case b := <-s.send:
		var f Frame
		require.NoError(t, json.Unmarshal(b, &f))
		return f
	default:
		t.Fatal("no frame queued")
		return Frame{}
	}
}

func decodeData(t *testing.T, f Frame) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &m))
	return m
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern, eventType string
		want               bool
	}{
		{"call.*", "call.start", true},
		{"call.*", "call.start.extra", false},
		{"call.*", "call", false},
		{"call.*", "slot.update", false},
		{"#", "slot.update", true},
		{"slot.#", "slot", true},
		{"slot.#", "slot.media.start", true},
		{"*.update", "slot.update", true},
		{"system.alert", "system.alert", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, matchTopic(tt.pattern, tt.eventType))
		})
	}
}

func TestPolicy_ExactBeforePattern(t *testing.T) {
	p := NewPolicy(map[Role]RolePolicy{
		RoleSeller: {Events: map[string]Rule{
			"#":          {Redact: []string{"a"}},
			"call.*":     {Redact: []string{"b"}},
			"call.start": {Redact: []string{"c"}},
		}},
	})

	rule, ok := p.Lookup(RoleSeller, "call.start")
	require.True(t, ok)
	assert.Equal(t, []string{"c"}, rule.Redact)

	rule, ok = p.Lookup(RoleSeller, "call.end")
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, rule.Redact)

	rule, ok = p.Lookup(RoleSeller, "pipeline.gacs")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, rule.Redact)

	_, ok = p.Lookup(RoleMonitor, "call.start")
	assert.False(t, ok)
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		role      Role
		eventType string
		allowed   bool
	}{
		{RoleAdmin, event.TypeCallStart, true},
		{RoleAdmin, event.TypeSystemAlert, true},
		{RoleSupervisor, event.TypePipelineDRP, true},
		{RoleSeller, event.TypeSlotUpdate, true},
		{RoleSeller, event.TypePipelineGACS, false},
		{RoleSeller, event.TypeSystemAlert, false},
		{RoleMonitor, event.TypeCallEnd, true},
		{RoleMonitor, event.TypeRecordingStart, true},
		{RoleAutomation, event.TypeCallStart, false},
		{RoleAutomation, event.TypePipelineGACS, true},
		{"", event.TypeSlotUpdate, false},
	}
	for _, tt := range tests {
		_, ok := p.Lookup(tt.role, tt.eventType)
		assert.Equal(t, tt.allowed, ok, "%s %s", tt.role, tt.eventType)
	}

	rule, _ := p.Lookup(RoleMonitor, event.TypeCallStart)
	assert.ElementsMatch(t, []string{"phone_number", "from", "to", "sip_username", "caller_id", "dtmf_digits"}, rule.Redact)

	rule, _ = p.Lookup(RoleSupervisor, event.TypeCallStart)
	assert.Empty(t, rule.Redact)

	assert.True(t, p.CanCommand(RoleAdmin, mq.MessageTypeDRPExecute))
	assert.True(t, p.CanCommand(RoleAutomation, mq.MessageTypeGACSExecute))
	assert.False(t, p.CanCommand(RoleAutomation, mq.MessageTypeAutodialLead))
	assert.False(t, p.CanCommand(RoleMonitor, mq.MessageTypeSlotFault))
	assert.False(t, p.CanCommand(RoleSeller, mq.MessageTypeDRPExecute))
}

func TestRedact(t *testing.T) {
	e := callEvent()
	fields := []string{"phone_number", "from", "to", "sip_username", "caller_id", "dtmf_digits"}

	first, err := Redact(e, fields)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Redact(e, fields)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}

	var m map[string]any
	require.NoError(t, json.Unmarshal(first, &m))
	for _, f := range fields {
		assert.NotContains(t, m, f)
	}
	assert.Equal(t, "call-1", m["call_id"])
	assert.Equal(t, float64(42), m["duration_sec"])
	assert.True(t, strings.HasPrefix(string(first), `{"call_id":`), "keys are sorted: %s", first)
}

func TestBroadcast_FiltersAndRedactsPerRole(t *testing.T) {
	h := New(Config{})
	admin := addSession(h, RoleAdmin)
	monitor := addSession(h, RoleMonitor)
	seller := addSession(h, RoleSeller)
	automation := addSession(h, RoleAutomation)
	anonymous := addSession(h, "")

	n := h.Broadcast(callEvent())
	assert.Equal(t, 3, n)

	f := readFrame(t, admin)
	assert.Equal(t, FrameEvent, f.Type)
	assert.Equal(t, event.TypeCallStart, f.EventType)
	assert.Equal(t, "call", f.Category)
	assert.Equal(t, "1234", decodeData(t, f)["dtmf_digits"])

	m := decodeData(t, readFrame(t, monitor))
	assert.NotContains(t, m, "phone_number")
	assert.NotContains(t, m, "caller_id")
	assert.NotContains(t, m, "dtmf_digits")
	assert.Equal(t, "7", m["slot_id"])

	m = decodeData(t, readFrame(t, seller))
	assert.Equal(t, "+4915112345", m["phone_number"])
	assert.NotContains(t, m, "dtmf_digits")

	assert.Empty(t, automation.send)
	assert.Empty(t, anonymous.send)
}

func TestBroadcast_EncodeFailureSkipsOnlyThatRole(t *testing.T) {
	h := New(Config{})
	h.encode = func(e event.Event, rule Rule) ([]byte, error) {
		if len(rule.Redact) == 0 {
			return nil, errors.New("encode failed")
		}
		return eventFrame(e, rule)
	}
	admins := []*Session{addSession(h, RoleAdmin), addSession(h, RoleAdmin)}
	monitor := addSession(h, RoleMonitor)
	seller := addSession(h, RoleSeller)

	assert.Equal(t, 2, h.Broadcast(callEvent()))

	for _, s := range admins {
		assert.Empty(t, s.send)
	}
	assert.NotContains(t, decodeData(t, readFrame(t, monitor)), "phone_number")
	assert.Equal(t, "+4915112345", decodeData(t, readFrame(t, seller))["phone_number"])
	assert.Equal(t, 4, h.Sessions())
}

func TestBroadcast_SameRoleSameBytes(t *testing.T) {
	h := New(Config{})
	a := addSession(h, RoleMonitor)
	b := addSession(h, RoleMonitor)

	h.Broadcast(callEvent())
	h.Broadcast(callEvent())

	first := <-a.send
	assert.Equal(t, first, <-b.send)
	assert.Equal(t, first, <-a.send)
}

func TestBroadcast_RoleEvaluatedPerEvent(t *testing.T) {
	h := New(Config{})
	s := addSession(h, RoleAutomation)

	assert.Zero(t, h.Broadcast(callEvent()))

	s.setRole(RoleSupervisor)
	assert.Equal(t, 1, h.Broadcast(callEvent()))

	s.setRole(RoleMonitor)
	h.Broadcast(callEvent())
	<-s.send
	assert.NotContains(t, decodeData(t, readFrame(t, s)), "dtmf_digits")
}

func TestBroadcast_SlowSessionDisconnected(t *testing.T) {
	h := New(Config{QueueSize: 1})
	slow := addSession(h, RoleAdmin)

	assert.Equal(t, 1, h.Broadcast(callEvent()))
	assert.Zero(t, h.Broadcast(callEvent()))

	assert.Zero(t, h.Sessions())
	select {
	case <-slow.done:
	default:
		t.Fatal("slow session was not closed")
	}
	assert.False(t, slow.enqueue([]byte("x")))
}

func TestBroadcast_Subscriptions(t *testing.T) {
	h := New(Config{})
	s := addSession(h, RoleAdmin)
	require.NoError(t, s.subscribe([]string{"slot"}))

	assert.Zero(t, h.Broadcast(callEvent()))
	assert.Equal(t, 1, h.Broadcast(&event.SlotEvent{Type: event.TypeSlotUpdate, SlotID: "7", FSMState: domain.FSMStateReady}))

	assert.Error(t, s.subscribe([]string{"weather"}))

	require.NoError(t, s.subscribe(nil))
	assert.Equal(t, 1, h.Broadcast(callEvent()))
}

func TestCommand(t *testing.T) {
	pub := &fakePublisher{}
	h := New(Config{Commands: pub})
	payload := json.RawMessage(`{"slot_id":"7","kind":"device-reboot"}`)
	ctx := context.Background()

	monitor := addSession(h, RoleMonitor)
	_, err := h.command(ctx, monitor, inbound{Command: "drp.execute", Payload: payload})
	assert.True(t, errors.Is(err, domain.ErrAuthorization))

	admin := addSession(h, RoleAdmin)
	_, err = h.command(ctx, admin, inbound{Command: "sip.dial", Payload: payload})
	assert.True(t, errors.Is(err, ErrUnknownCommand))

	_, err = h.command(ctx, admin, inbound{Command: "drp.execute", Payload: json.RawMessage(`"x"`)})
	assert.True(t, errors.Is(err, ErrInvalidFrame))

	id, err := h.command(ctx, admin, inbound{ID: "cmd-1", Command: "drp.execute", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", id)

	msgs := pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, mq.ExchangeCommands, msgs[0].exchange)
	assert.Equal(t, mq.RoutingKeyDRPExecute, msgs[0].routingKey)
	assert.Equal(t, mq.MessageTypeDRPExecute, msgs[0].msg.Type)

	p, err := mq.ParsePayload[mq.DRPExecutePayload](msgs[0].msg)
	require.NoError(t, err)
	assert.Equal(t, "device-reboot", p.Kind)
}

func TestCommand_BusDisabled(t *testing.T) {
	h := New(Config{})
	s := addSession(h, RoleAdmin)

	_, err := h.command(context.Background(), s, inbound{Command: "slot.fault", Payload: json.RawMessage(`{"slot_id":"1"}`)})
	assert.True(t, errors.Is(err, mq.ErrBusDisabled))
}

func TestStaticAuth(t *testing.T) {
	auth := StaticAuth{"t-admin": RoleAdmin, "t-bad": "root"}

	role, err := auth.Authenticate("t-admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)

	_, err = auth.Authenticate("t-bad")
	assert.True(t, errors.Is(err, ErrUnauthenticated))
	_, err = auth.Authenticate("")
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestServeHTTP_WebSocketSession(t *testing.T) {
	pub := &fakePublisher{}
	h := New(Config{
		Auth:     StaticAuth{"t-monitor": RoleMonitor, "t-admin": RoleAdmin},
		Commands: pub,
	})
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=t-monitor"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Sessions() == 1 }, time.Second, 10*time.Millisecond)

	read := func() Frame {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	h.Broadcast(callEvent())
	f := read()
	assert.Equal(t, FrameEvent, f.Type)
	assert.NotContains(t, decodeData(t, f), "phone_number")

	// monitor не может отправлять команды
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "command", "id": "c1", "command": "slot.fault", "payload": map[string]any{"slot_id": "7"},
	}))
	f = read()
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, "c1", f.ID)
	assert.Contains(t, f.Error, domain.ErrAuthorization.Error())

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth", "id": "a1", "token": "t-admin"}))
	f = read()
	assert.Equal(t, FrameAck, f.Type)
	assert.Equal(t, string(RoleAdmin), f.Role)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "command", "id": "c2", "command": "slot.fault", "payload": map[string]any{"slot_id": "7", "reason": "operator"},
	}))
	f = read()
	assert.Equal(t, FrameAck, f.Type)
	assert.Equal(t, "c2", f.ID)
	require.Len(t, pub.all(), 1)
	assert.Equal(t, mq.RoutingKeySlotFault, pub.all()[0].routingKey)

	h.Broadcast(callEvent())
	f = read()
	assert.Equal(t, "+4915112345", decodeData(t, f)["phone_number"])
}

func TestServeHTTP_InvalidToken(t *testing.T) {
	h := New(Config{Auth: StaticAuth{"good": RoleAdmin}})
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=bad"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, h.Sessions())
}

func TestService_HandleEvent(t *testing.T) {
	h := New(Config{})
	s := addSession(h, RoleAdmin)
	svc := NewService(ServiceConfig{Hub: h})

	msg := event.Encode(event.NewAlert(event.SeverityCritical, "slot-engine", "7", "slot 7 faulted"))
	require.NoError(t, svc.handleEvent(context.Background(), &mq.Delivery{Message: *msg}))

	f := readFrame(t, s)
	assert.Equal(t, event.TypeSystemAlert, f.EventType)
	assert.Equal(t, "critical", decodeData(t, f)["severity"])

	bad := &mq.Delivery{Message: mq.Message{Type: "nonsense", Payload: map[string]any{}}}
	assert.True(t, errors.Is(svc.handleEvent(context.Background(), bad), mq.ErrPermanent))
}
