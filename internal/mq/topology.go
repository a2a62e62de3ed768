package mq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeCommands Exchange = "vss.commands"
	ExchangeEvents   Exchange = "vss.events"
	ExchangeDLQ      Exchange = "vss.dlq"
)

// Queues — имена очередей.
const (
	// DCI
	QueueAutodialLeads Queue = "vss.autodial.leads"
	QueueSlotCommands  Queue = "vss.slot.commands"
	QueueGACSCommands  Queue = "vss.gacs.commands"
	QueueDRPCommands   Queue = "vss.drp.commands"
	QueueDCICallEvents Queue = "vss.dci.call.events"
	QueueDLQCommands   Queue = "vss.dlq.commands"

	// Hub
	QueueHubSlot      Queue = "vss.hub.slot"
	QueueHubCall      Queue = "vss.hub.call"
	QueueHubRecording Queue = "vss.hub.recording"
	QueueHubPipeline  Queue = "vss.hub.pipeline"
	QueueHubAlert     Queue = "vss.hub.alert"
)

// Routing keys: команды (vss.commands).
const (
	RoutingKeySlotAll       RoutingKey = "slot.*"
	RoutingKeySlotCall      RoutingKey = "slot.call"
	RoutingKeySlotRegister  RoutingKey = "slot.register"
	RoutingKeySlotStreamOn  RoutingKey = "slot.stream_start"
	RoutingKeySlotStreamOff RoutingKey = "slot.stream_stop"
	RoutingKeySlotFault     RoutingKey = "slot.fault"
	RoutingKeySIPDial       RoutingKey = "sip.dial"
	RoutingKeyGACSExecute   RoutingKey = "gacs.execute"
	RoutingKeyDRPExecute    RoutingKey = "drp.execute"
	RoutingKeyAutodialLead  RoutingKey = "autodial.lead"
	RoutingKeyDLQCommands   RoutingKey = "commands"
)

// Routing keys: события (vss.events).
const (
	RoutingKeySlotEvents   RoutingKey = "slot.*"
	RoutingKeySlotUpdate   RoutingKey = "slot.update"
	RoutingKeySlotMedia    RoutingKey = "slot.media"
	RoutingKeyCallAll      RoutingKey = "call.*"
	RoutingKeyCallStart    RoutingKey = "call.start"
	RoutingKeyCallEnd      RoutingKey = "call.end"
	RoutingKeyCallDialing  RoutingKey = "call.dialing"
	RoutingKeyRecordingAll RoutingKey = "recording.*"
	RoutingKeyPipelineAll  RoutingKey = "pipeline.*"
	RoutingKeyPipelineGACS RoutingKey = "pipeline.gacs"
	RoutingKeyPipelineDRP  RoutingKey = "pipeline.drp"
	RoutingKeySystemAlert  RoutingKey = "system.alert"
)

// ExchangeSpec — объявление обменника.
type ExchangeSpec struct {
	Name Exchange
	Kind string
}

// QueueSpec — объявление очереди.
type QueueSpec struct {
	Name Queue

	// DeadLetter — отклонённые без requeue сообщения уходят в vss.dlq.
	DeadLetter bool
}

// Binding — привязка очереди к обменнику.
type Binding struct {
	Queue      Queue
	RoutingKey RoutingKey
	Exchange   Exchange
}

// Topology — набор exchanges/queues/bindings одного сервиса.
// Каждый сервис объявляет только то, что потребляет.
type Topology struct {
	Exchanges []ExchangeSpec
	Queues    []QueueSpec
	Bindings  []Binding
}

// baseExchanges — обменники, общие для всех сервисов.
func baseExchanges() []ExchangeSpec {
	return []ExchangeSpec{
		{ExchangeCommands, "topic"},
		{ExchangeEvents, "topic"},
		{ExchangeDLQ, "direct"},
	}
}

// PublisherTopology — только обменники (для сервисов, которые лишь публикуют).
func PublisherTopology() Topology {
	return Topology{Exchanges: baseExchanges()}
}

// DCITopology — топология сервиса слотов.
func DCITopology() Topology {
	return Topology{
		Exchanges: baseExchanges(),
		Queues: []QueueSpec{
			{QueueAutodialLeads, true},
			{QueueSlotCommands, true},
			{QueueGACSCommands, true},
			{QueueDRPCommands, true},
			{QueueDCICallEvents, false},
			{QueueDLQCommands, false},
		},
		Bindings: []Binding{
			{QueueAutodialLeads, RoutingKeyAutodialLead, ExchangeCommands},
			{QueueSlotCommands, RoutingKeySlotAll, ExchangeCommands},
			{QueueGACSCommands, RoutingKeyGACSExecute, ExchangeCommands},
			{QueueDRPCommands, RoutingKeyDRPExecute, ExchangeCommands},
			{QueueDCICallEvents, RoutingKeyCallStart, ExchangeEvents},
			{QueueDCICallEvents, RoutingKeyCallEnd, ExchangeEvents},
			{QueueDLQCommands, RoutingKeyDLQCommands, ExchangeDLQ},
		},
	}
}

// HubTopology — топология event hub.
func HubTopology() Topology {
	return Topology{
		Exchanges: baseExchanges(),
		Queues: []QueueSpec{
			{QueueHubSlot, false},
			{QueueHubCall, false},
			{QueueHubRecording, false},
			{QueueHubPipeline, false},
			{QueueHubAlert, false},
		},
		Bindings: []Binding{
			{QueueHubSlot, RoutingKeySlotEvents, ExchangeEvents},
			{QueueHubCall, RoutingKeyCallAll, ExchangeEvents},
			{QueueHubRecording, RoutingKeyRecordingAll, ExchangeEvents},
			{QueueHubPipeline, RoutingKeyPipelineAll, ExchangeEvents},
			{QueueHubAlert, RoutingKeySystemAlert, ExchangeEvents},
		},
	}
}

// Declare идемпотентно объявляет топологию.
func (t Topology) Declare(ch Channel) error {
	// 1. Создаём exchanges
	if err := t.declareExchanges(ch); err != nil {
		return err
	}

	// 2. Создаём queues
	if err := t.declareQueues(ch); err != nil {
		return err
	}

	// 3. Привязываем queues к exchanges
	return t.bindQueues(ch)
}

// declareExchanges создаёт обменники.
func (t Topology) declareExchanges(ch Channel) error {
	for _, ex := range t.Exchanges {
		err := ch.ExchangeDeclare(
			string(ex.Name), // name
			ex.Kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}
	return nil
}

// declareQueues создаёт очереди.
func (t Topology) declareQueues(ch Channel) error {
	// Аргументы для очередей с DLQ
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQCommands),
	}

	for _, q := range t.Queues {
		var args amqp.Table
		if q.DeadLetter {
			args = dlqArgs
		}

		_, err := ch.QueueDeclare(
			string(q.Name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			args,           // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
	}
	return nil
}

// bindQueues привязывает очереди к обменникам.
func (t Topology) bindQueues(ch Channel) error {
	for _, b := range t.Bindings {
		err := ch.QueueBind(
			string(b.Queue),      // queue name
			string(b.RoutingKey), // routing key
			string(b.Exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.Queue, b.Exchange, err)
		}
	}
	return nil
}

// Describe возвращает описание топологии для логирования.
func (t Topology) Describe() string {
	var sb strings.Builder
	for _, ex := range t.Exchanges {
		fmt.Fprintf(&sb, "%s (%s)\n", ex.Name, ex.Kind)
		for _, b := range t.Bindings {
			if b.Exchange == ex.Name {
				fmt.Fprintf(&sb, "  └── %s [routing: %s]\n", b.Queue, b.RoutingKey)
			}
		}
	}
	return sb.String()
}
