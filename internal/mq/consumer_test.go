package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeAcknowledger фиксирует ack/nack.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   int
	nacked  int
	requeue []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked++
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked, f.nacked
}

func newDelivery(t *testing.T, ack amqp.Acknowledger, msg *Message) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return amqp.Delivery{Acknowledger: ack, Body: body, RoutingKey: string(msg.Type)}
}

func TestConsumer_HandleDelivery(t *testing.T) {
	tests := []struct {
		name        string
		handlerErr  error
		wantAck     int
		wantNack    int
		wantRequeue bool
	}{
		{"success acks", nil, 1, 0, false},
		{"transient failure requeues", errors.New("db unavailable"), 0, 1, true},
		{"permanent failure dead-letters", fmt.Errorf("%w: unknown slot", ErrPermanent), 0, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			var got *Delivery
			c := NewConsumer(nil, nil, ConsumerConfig{
				Queue: QueueSlotCommands,
				Handler: func(ctx context.Context, d *Delivery) error {
					got = d
					return tt.handlerErr
				},
			})

			msg := NewMessage(MessageTypeSlotCall, SlotCommandPayload{SlotID: "1", Number: "+15550000001"})
			c.handleDelivery(context.Background(), newDelivery(t, ack, msg))

			acked, nacked := ack.counts()
			if acked != tt.wantAck || nacked != tt.wantNack {
				t.Errorf("expected ack=%d nack=%d, got ack=%d nack=%d", tt.wantAck, tt.wantNack, acked, nacked)
			}
			if tt.wantNack > 0 && ack.requeue[0] != tt.wantRequeue {
				t.Errorf("expected requeue=%v", tt.wantRequeue)
			}
			if got == nil || got.Message.ID != msg.ID {
				t.Fatal("handler did not receive message")
			}
			if got.RoutingKey != "slot.call" {
				t.Errorf("expected routing key slot.call, got %s", got.RoutingKey)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want outcome
	}{
		{nil, outcomeAck},
		{errors.New("timeout"), outcomeRequeue},
		{fmt.Errorf("decode: %w", ErrPermanent), outcomeDeadLetter},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestConsumer_MalformedBodyDeadLetters(t *testing.T) {
	ack := &fakeAcknowledger{}
	called := false
	c := NewConsumer(nil, nil, ConsumerConfig{
		Queue: QueueGACSCommands,
		Handler: func(ctx context.Context, d *Delivery) error {
			called = true
			return nil
		},
	})

	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{not json")})

	if called {
		t.Error("handler must not be called for malformed body")
	}
	if _, nacked := ack.counts(); nacked != 1 || ack.requeue[0] {
		t.Error("expected nack without requeue")
	}
}

func TestConsumer_ResubscribesAfterReconnect(t *testing.T) {
	d := &fakeDialer{}
	rec := &sleepRecorder{}
	conn := newTestConnection(d, rec)
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var mu sync.Mutex
	var received []string
	c := NewConsumer(conn, nil, ConsumerConfig{
		Queue: QueueSlotCommands,
		Handler: func(ctx context.Context, dl *Delivery) error {
			mu.Lock()
			received = append(received, dl.Message.ID)
			mu.Unlock()
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	first := d.lastConn()
	waitFor(t, func() bool {
		first.ch.mu.Lock()
		defer first.ch.mu.Unlock()
		return first.ch.deliveries != nil
	})

	ack := &fakeAcknowledger{}
	m1 := NewMessage(MessageTypeSlotFault, SlotCommandPayload{SlotID: "2"})
	first.ch.deliveries <- newDelivery(t, ack, m1)

	waitFor(t, func() bool { a, _ := ack.counts(); return a == 1 })

	// Обрыв: канал доставок закрывается, соединение восстанавливается
	waitFor(t, first.watched)
	close(first.ch.deliveries)
	first.drop()

	waitFor(t, func() bool { return d.callCount() == 2 && conn.State() == StateConnected })

	second := d.lastConn()
	waitFor(t, func() bool {
		second.ch.mu.Lock()
		defer second.ch.mu.Unlock()
		return second.ch.deliveries != nil
	})

	m2 := NewMessage(MessageTypeSlotFault, SlotCommandPayload{SlotID: "3"})
	second.ch.deliveries <- newDelivery(t, ack, m2)
	waitFor(t, func() bool { a, _ := ack.counts(); return a == 2 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0] != m1.ID || received[1] != m2.ID {
		t.Errorf("unexpected deliveries: %v", received)
	}
}

func TestConsumer_DisabledWaitsForCancel(t *testing.T) {
	conn := NewConnection(Config{Enabled: false})
	defer conn.Close()

	c := NewConsumer(conn, nil, ConsumerConfig{Queue: QueueDRPCommands, Handler: func(context.Context, *Delivery) error { return nil }})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := c.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestParsePayload(t *testing.T) {
	msg := &Message{Payload: map[string]any{"slot_id": "4", "kind": "reboot", "force": true}}

	p, err := ParsePayload[DRPExecutePayload](msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.SlotID != "4" || p.Kind != "reboot" || !p.Force {
		t.Errorf("unexpected payload: %+v", p)
	}

	bad := &Message{Payload: map[string]any{"slot_id": 42}}
	if _, err := ParsePayload[DRPExecutePayload](bad); !errors.Is(err, ErrPermanent) {
		t.Errorf("expected ErrPermanent, got %v", err)
	}
}

func TestTopology_Declare(t *testing.T) {
	ch := &fakeChannel{}
	if err := HubTopology().Declare(ch); err != nil {
		t.Fatalf("declare: %v", err)
	}

	if len(ch.exchanges) != 3 {
		t.Errorf("expected 3 exchanges, got %d", len(ch.exchanges))
	}
	if len(ch.queues) != 5 {
		t.Errorf("expected 5 queues, got %d", len(ch.queues))
	}

	want := map[string]bool{
		"vss.events/slot.*->vss.hub.slot":           true,
		"vss.events/call.*->vss.hub.call":           true,
		"vss.events/recording.*->vss.hub.recording": true,
		"vss.events/pipeline.*->vss.hub.pipeline":   true,
		"vss.events/system.alert->vss.hub.alert":    true,
	}
	for _, b := range ch.bindings {
		delete(want, b)
	}
	if len(want) != 0 {
		t.Errorf("missing bindings: %v", want)
	}
}

func TestTopology_SlotCommandsMatchWildcard(t *testing.T) {
	// topic "*" совпадает ровно с одним словом
	keys := []RoutingKey{
		RoutingKeySlotCall, RoutingKeySlotRegister, RoutingKeySlotStreamOn,
		RoutingKeySlotStreamOff, RoutingKeySlotFault,
	}
	for _, k := range keys {
		parts := 0
		for _, r := range string(k) {
			if r == '.' {
				parts++
			}
		}
		if parts != 1 {
			t.Errorf("routing key %s must have exactly two words", k)
		}
	}
}
