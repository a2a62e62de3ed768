package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/event"
	"github.com/shaiso/vss/internal/mq"
	"github.com/shaiso/vss/internal/telemetry"
)

// Результаты обработки команды (метка метрики).
const (
	resultOK        = "ok"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
	resultMalformed = "malformed"
	resultRetry     = "retry"
)

// command оборачивает обработчик команды идемпотентностью.
//
// Уже обработанная команда подтверждается без выполнения. Команда
// отмечается обработанной после успеха или окончательного отказа
// (конфликт состояния, занятый слот, fault устройства). Остальные
// ошибки возвращают сообщение в очередь.
func (s *Service) command(h mq.Handler) mq.Handler {
	return func(ctx context.Context, d *mq.Delivery) error {
		msgType := commandType(d)
		logger := telemetry.WithCommandID(s.logger, d.Message.ID).With("type", msgType)
		ctx = WithSource(ctx, "command:"+msgType)

		if d.Message.ID != "" {
			done, err := s.store.IsCommandProcessed(ctx, d.Message.ID)
			if err != nil {
				return fmt.Errorf("check processed command: %w", err)
			}
			if done {
				logger.Debug("duplicate command acknowledged")
				telemetry.CommandsProcessed.WithLabelValues(msgType, resultDuplicate).Inc()
				return nil
			}
		}

		err := h(ctx, d)
		result := resultOK
		switch {
		case err == nil:
		case errors.Is(err, mq.ErrPermanent):
			telemetry.CommandsProcessed.WithLabelValues(msgType, resultMalformed).Inc()
			return err
		case isRejection(err):
			logger.Warn("command rejected", "error", err)
			result = resultRejected
		default:
			telemetry.CommandsProcessed.WithLabelValues(msgType, resultRetry).Inc()
			return err
		}

		if d.Message.ID != "" {
			if markErr := s.store.MarkCommandProcessed(ctx, d.Message.ID, msgType); markErr != nil {
				logger.Warn("failed to mark command processed", "error", markErr)
			}
		}
		telemetry.CommandsProcessed.WithLabelValues(msgType, result).Inc()
		return nil
	}
}

// isRejection — окончательный отказ: повтор команды даст тот же результат.
func isRejection(err error) bool {
	for _, target := range []error{
		domain.ErrStateConflict,
		domain.ErrSlotBusy,
		domain.ErrSlotNotFound,
		domain.ErrHarness,
		ErrInvalidCommand,
		ErrNoIdentity,
		ErrDispatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func commandType(d *mq.Delivery) string {
	if d.Message.Type != "" {
		return string(d.Message.Type)
	}
	return d.RoutingKey
}

// commandRunID — id запуска GACS/DRP из id сообщения.
// Повторная доставка команды даёт тот же id.
func commandRunID(messageID string) uuid.UUID {
	if messageID == "" {
		return uuid.New()
	}
	if id, err := uuid.Parse(messageID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("vss:command:"+messageID))
}

// handleLead назначает lead слоту из payload или первому свободному.
func (s *Service) handleLead(ctx context.Context, d *mq.Delivery) error {
	lead, err := mq.ParsePayload[domain.Lead](&d.Message)
	if err != nil {
		return err
	}
	if lead.PhoneNumber == "" {
		return fmt.Errorf("%w: lead %s has no phone number", mq.ErrPermanent, lead.ID)
	}

	if lead.SlotID != "" {
		eng, err := s.registry.Engine(ctx, lead.SlotID)
		if err != nil {
			return err
		}
		return s.assign(ctx, eng, lead)
	}

	candidates, err := s.registry.FreeSlots(ctx)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		eng, err := s.registry.Engine(ctx, c.ID)
		if err != nil {
			continue
		}
		err = s.assign(ctx, eng, lead)
		if errors.Is(err, domain.ErrSlotBusy) || errors.Is(err, domain.ErrStateConflict) {
			continue
		}
		return err
	}

	s.logger.Info("no free slot for lead, will retry", "lead_id", lead.ID, "delay", s.leadRetryDelay)
	select {
	case <-time.After(s.leadRetryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fmt.Errorf("%w: lead %s", ErrNoFreeSlot, lead.ID)
}

// assign назначает lead; при сбое доставки вызова возвращает lead в пул.
func (s *Service) assign(ctx context.Context, eng *Engine, lead domain.Lead) error {
	err := eng.AssignLead(ctx, lead)
	if !errors.Is(err, ErrDispatch) {
		return err
	}

	if s.commands == nil {
		return fmt.Errorf("return lead %s to pool: %w", lead.ID, mq.ErrBusDisabled)
	}
	lead.Attempt++
	lead.SlotID = ""
	if pubErr := s.commands.PublishLead(ctx, lead); pubErr != nil {
		return fmt.Errorf("return lead %s to pool: %w", lead.ID, pubErr)
	}

	s.logger.Warn("lead returned to pool",
		"lead_id", lead.ID,
		"slot_id", eng.ID(),
		"attempt", lead.Attempt,
		"error", err,
	)
	return nil
}

// handleSlotCommand обрабатывает slot.call, slot.register, slot.stream_*, slot.fault.
func (s *Service) handleSlotCommand(ctx context.Context, d *mq.Delivery) error {
	p, err := mq.ParsePayload[mq.SlotCommandPayload](&d.Message)
	if err != nil {
		return err
	}
	eng, err := s.registry.Engine(ctx, p.SlotID)
	if err != nil {
		return err
	}

	switch mq.MessageType(commandType(d)) {
	case mq.MessageTypeSlotCall:
		return eng.InitiateCall(ctx, p.Number)
	case mq.MessageTypeSlotRegister:
		_, err = eng.RegisterIdentity(ctx)
		return err
	case mq.MessageTypeStreamStart:
		_, err = eng.StartMediaStream(ctx, p.StreamKind)
		return err
	case mq.MessageTypeStreamStop:
		_, err = eng.StopMediaStream(ctx)
		return err
	case mq.MessageTypeSlotFault:
		return eng.ReportFault(ctx, p.Reason)
	default:
		return fmt.Errorf("%w: unknown slot command %s", mq.ErrPermanent, commandType(d))
	}
}

// handleGACS выполняет скрипт автоматизации.
func (s *Service) handleGACS(ctx context.Context, d *mq.Delivery) error {
	p, err := mq.ParsePayload[mq.GACSExecutePayload](&d.Message)
	if err != nil {
		return err
	}
	eng, err := s.registry.Engine(ctx, p.SlotID)
	if err != nil {
		return err
	}

	timeout := time.Duration(p.TimeoutSec) * time.Second
	run, err := eng.ExecuteAutomation(ctx, commandRunID(d.Message.ID), domain.ScriptKind(p.Kind), p.Content, timeout)
	if run != nil {
		s.logger.Debug("automation command handled", "run_id", run.ID, "status", run.Status)
	}
	return err
}

// handleDRP выполняет recovery.
func (s *Service) handleDRP(ctx context.Context, d *mq.Delivery) error {
	p, err := mq.ParsePayload[mq.DRPExecutePayload](&d.Message)
	if err != nil {
		return err
	}
	eng, err := s.registry.Engine(ctx, p.SlotID)
	if err != nil {
		return err
	}

	trigger := domain.TriggerReason(p.Trigger)
	if !trigger.Valid() {
		trigger = domain.TriggerManual
	}

	op, err := eng.RunRecovery(ctx, commandRunID(d.Message.ID), domain.RecoveryKind(p.Kind), trigger, p.Force)
	if op != nil {
		s.logger.Info("recovery command handled", "op_id", op.ID, "status", op.Status)
	}
	return err
}

// handleCallEvent ведёт учёт вызовов и завершает CALLING по call.end.
func (s *Service) handleCallEvent(ctx context.Context, d *mq.Delivery) error {
	ev, err := event.Decode(&d.Message)
	if err != nil {
		return err
	}
	call, ok := ev.(*event.CallEvent)
	if !ok {
		return nil
	}

	switch call.Type {
	case event.TypeCallStart:
		if !s.calls.Start(call.CallID, call.SlotID) {
			s.logger.Debug("duplicate call.start", "call_id", call.CallID)
		}
		return nil

	case event.TypeCallEnd:
		slotID, tracked := s.calls.End(call.CallID)
		if !tracked {
			s.logger.Debug("call.end for untracked call", "call_id", call.CallID)
			slotID = call.SlotID
		}
		if slotID == "" {
			return nil
		}

		eng, err := s.registry.Engine(ctx, slotID)
		if err != nil {
			if errors.Is(err, domain.ErrSlotNotFound) {
				return nil
			}
			return err
		}
		// ErrSlotBusy возвращает событие в очередь: call.end терять нельзя
		return eng.CompleteCall(WithSource(ctx, "call-control"), call.CallID)
	}
	return nil
}
