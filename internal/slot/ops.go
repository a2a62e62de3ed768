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
)

// Snapshot возвращает текущее сохранённое состояние слота.
func (e *Engine) Snapshot(ctx context.Context) (*domain.Slot, error) {
	return e.load(ctx)
}

// AssignLead привязывает lead к слоту и сразу инициирует вызов.
//
// IDLE|READY → ASSIGNED → CALLING. Если команду вызова доставить не удалось,
// слот уходит в FAULT и возвращается ErrDispatch: lead нужно вернуть в пул.
func (e *Engine) AssignLead(ctx context.Context, lead domain.Lead) error {
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	slot, err := e.load(ctx)
	if err != nil {
		return err
	}
	if !slot.IsFree() {
		return domain.NewStateConflict(slot.ID, "assign_lead", slot.FSMState)
	}
	if slot.Number() == "" {
		return fmt.Errorf("%w: slot %s", ErrNoIdentity, slot.ID)
	}

	err = e.apply(ctx, slot, change{
		to:      domain.FSMStateAssigned,
		flow:    domain.FlowLeadAssignment,
		trigger: domain.EventLeadAssigned,
		payload: map[string]any{"lead_id": lead.ID, "campaign_id": lead.CampaignID},
	})
	if err != nil {
		return err
	}

	// После ASSIGNED любой сбой — неудачная доставка: lead возвращается в пул.
	if err := e.dial(ctx, slot, lead.PhoneNumber, lead.ID); err != nil {
		if errors.Is(err, ErrDispatch) {
			return err
		}
		e.fault(ctx, slot, domain.FlowLeadAssignment, "lead dispatch failed: "+err.Error())
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	return nil
}

// InitiateCall запускает исходящий вызов с номера слота.
// Допустим из IDLE, READY и ASSIGNED.
func (e *Engine) InitiateCall(ctx context.Context, number string) error {
	if number == "" {
		return fmt.Errorf("%w: destination number is required", ErrInvalidCommand)
	}

	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	slot, err := e.load(ctx)
	if err != nil {
		return err
	}
	if !domain.CanTransition(slot.FSMState, domain.FSMStateCalling) {
		return domain.NewStateConflict(slot.ID, "initiate_call", slot.FSMState)
	}
	if slot.Number() == "" {
		return fmt.Errorf("%w: slot %s", ErrNoIdentity, slot.ID)
	}

	return e.dial(ctx, slot, number, "")
}

// dial переводит слот в CALLING и публикует sip.dial.
func (e *Engine) dial(ctx context.Context, slot *domain.Slot, number, leadID string) error {
	err := e.apply(ctx, slot, change{
		to:      domain.FSMStateCalling,
		flow:    domain.FlowOutboundCall,
		trigger: domain.EventCallDialing,
		payload: map[string]any{"to": number, "lead_id": leadID},
	})
	if err != nil {
		return err
	}

	cmd := domain.DialCommand{
		Command:      "dial",
		From:         slot.Number(),
		FromUsername: slot.SIP.Username,
		To:           number,
		SlotID:       slot.ID,
		TrunkID:      slot.TrunkID,
		Context:      domain.DialContextOutbound,
	}

	var pubErr error
	if e.r.commands == nil {
		pubErr = mq.ErrBusDisabled
	} else {
		pubErr = e.r.commands.PublishDial(ctx, cmd)
	}
	if pubErr != nil {
		e.fault(ctx, slot, domain.FlowOutboundCall, "dial dispatch failed: "+pubErr.Error())
		return fmt.Errorf("%w: %w", ErrDispatch, pubErr)
	}

	_ = e.publish(ctx, &event.CallEvent{
		Type:        event.TypeCallDialing,
		SlotID:      slot.ID,
		LeadID:      leadID,
		From:        cmd.From,
		To:          number,
		PhoneNumber: number,
		SIPUsername: cmd.FromUsername,
		OccurredAt:  time.Now(),
	})
	return nil
}

// CompleteCall завершает вызов: CALLING → READY.
// В любом другом состоянии ничего не делает (повторный call.end).
func (e *Engine) CompleteCall(ctx context.Context, callID string) error {
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	slot, err := e.load(ctx)
	if err != nil {
		return err
	}
	if slot.FSMState != domain.FSMStateCalling {
		return nil
	}

	return e.apply(ctx, slot, change{
		to:      domain.FSMStateReady,
		flow:    domain.FlowOutboundCall,
		trigger: domain.EventCallCompleted,
		payload: map[string]any{"call_id": callID},
	})
}

// RegisterIdentity регистрирует SIP identity слота: → REGISTERING → READY.
// Ошибка регистратора переводит слот в FAULT.
func (e *Engine) RegisterIdentity(ctx context.Context) (*domain.Registration, error) {
	release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	slot, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if slot.SIP == nil {
		return nil, fmt.Errorf("%w: slot %s", ErrNoIdentity, slot.ID)
	}

	err = e.apply(ctx, slot, change{
		to:      domain.FSMStateRegistering,
		flow:    domain.FlowIdentityRegistered,
		trigger: domain.EventRegistrationStarted,
		payload: map[string]any{"username": slot.SIP.Username},
	})
	if err != nil {
		return nil, err
	}

	reg, err := e.r.registrar.Register(ctx, slot)
	if err != nil {
		e.fault(ctx, slot, domain.FlowIdentityRegistered, "registration failed: "+err.Error())
		return nil, fmt.Errorf("%w: register identity: %w", domain.ErrHarness, err)
	}

	err = e.settle(ctx, slot, change{
		to:      domain.FSMStateReady,
		flow:    domain.FlowIdentityRegistered,
		trigger: domain.EventRegistered,
		payload: map[string]any{"registration_count": reg.Count},
	})
	if err != nil {
		e.fault(ctx, slot, domain.FlowIdentityRegistered, "registration not persisted: "+err.Error())
		return reg, fmt.Errorf("complete registration: %w", err)
	}
	return reg, nil
}

// ExecuteAutomation выполняет скрипт: → BUSY → READY.
//
// id — идентификатор запуска (повторная команда с тем же id не выполняет
// скрипт заново). Неуспех скрипта и таймаут отражаются только в запуске;
// HarnessError переводит слот в FAULT.
func (e *Engine) ExecuteAutomation(ctx context.Context, id uuid.UUID, kind domain.ScriptKind, content string, timeout time.Duration) (*domain.AutomationScript, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown script kind %q", ErrInvalidCommand, kind)
	}

	release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	slot, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case slot.FSMState == domain.FSMStateBusy:
		return nil, fmt.Errorf("%w: automation already running on slot %s", domain.ErrSlotBusy, slot.ID)
	case !domain.CanTransition(slot.FSMState, domain.FSMStateBusy):
		return nil, domain.NewStateConflict(slot.ID, "execute_automation", slot.FSMState)
	}

	run, created, err := e.r.automation.Enqueue(ctx, id, slot.ID, kind, content)
	if err != nil {
		return nil, err
	}
	if !created && run.Status.IsTerminal() {
		return run, nil
	}

	err = e.apply(ctx, slot, change{
		to:      domain.FSMStateBusy,
		flow:    domain.FlowScriptExecution,
		trigger: domain.EventAutomationStarted,
		payload: map[string]any{"run_id": run.ID.String(), "kind": string(kind)},
	})
	if err != nil {
		if abortErr := e.r.automation.Abort(context.WithoutCancel(ctx), run, "slot not acquired: "+err.Error()); abortErr != nil {
			e.logger.Error("failed to abort automation run", "run_id", run.ID, "error", abortErr)
		}
		return run, err
	}

	runErr := e.r.automation.Run(ctx, run, slot, timeout)

	// Слот не должен остаться в BUSY ни из-за отмены ctx, ни из-за сбоя хранилища.
	if runErr != nil && errors.Is(runErr, domain.ErrHarness) {
		e.fault(ctx, slot, domain.FlowScriptExecution, runErr.Error())
		return run, runErr
	}
	if runErr != nil {
		e.logger.Error("automation run error", "run_id", run.ID, "error", runErr)
	}

	err = e.settle(ctx, slot, change{
		to:      domain.FSMStateReady,
		flow:    domain.FlowScriptExecution,
		trigger: domain.EventAutomationFinished,
		payload: map[string]any{"run_id": run.ID.String(), "status": string(run.Status)},
	})
	if err != nil {
		e.fault(ctx, slot, domain.FlowScriptExecution, "slot release failed: "+err.Error())
		return run, fmt.Errorf("release slot after automation: %w", err)
	}
	return run, runErr
}

// StartMediaStream запускает RTMP-поток слота. FSM не меняется.
func (e *Engine) StartMediaStream(ctx context.Context, kind string) (*domain.MediaStream, error) {
	release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	slot, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if slot.FSMState == domain.FSMStateFault {
		return nil, domain.NewStateConflict(slot.ID, "stream_start", slot.FSMState)
	}
	if kind == "" {
		kind = "screen"
	}

	stream := domain.NewMediaStream(slot.ID, kind, e.r.mediaBaseURL, time.Now())
	if err := e.r.store.StartMediaStream(ctx, stream); err != nil {
		return nil, fmt.Errorf("start media stream: %w", err)
	}

	e.audit(ctx, domain.FlowMediaStream, domain.EventMediaStreamStart, "", map[string]any{
		"stream_key": stream.StreamKey,
		"kind":       kind,
	})
	_ = e.publish(ctx, &event.SlotEvent{
		Type:       event.TypeSlotMedia,
		SlotID:     slot.ID,
		FSMState:   slot.FSMState,
		Status:     slot.Status,
		Trigger:    domain.EventMediaStreamStart,
		Source:     sourceFrom(ctx),
		StreamKey:  stream.StreamKey,
		StreamURL:  stream.StreamURL,
		OccurredAt: stream.StartedAt,
	})

	e.logger.Info("media stream started", "stream_key", stream.StreamKey)
	return stream, nil
}

// StopMediaStream останавливает активные потоки слота.
func (e *Engine) StopMediaStream(ctx context.Context) (int64, error) {
	release, err := e.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	slot, err := e.load(ctx)
	if err != nil {
		return 0, err
	}
	if slot.FSMState == domain.FSMStateFault {
		return 0, domain.NewStateConflict(slot.ID, "stream_stop", slot.FSMState)
	}

	now := time.Now()
	stopped, err := e.r.store.StopMediaStreams(ctx, slot.ID, now)
	if err != nil {
		return 0, fmt.Errorf("stop media streams: %w", err)
	}

	e.audit(ctx, domain.FlowMediaStream, domain.EventMediaStreamStop, "", map[string]any{"stopped": stopped})
	_ = e.publish(ctx, &event.SlotEvent{
		Type:       event.TypeSlotMedia,
		SlotID:     slot.ID,
		FSMState:   slot.FSMState,
		Status:     slot.Status,
		Trigger:    domain.EventMediaStreamStop,
		Source:     sourceFrom(ctx),
		OccurredAt: now,
	})
	return stopped, nil
}

// RunRecovery выполняет действие DRP над слотом.
//
// Из FAULT допускается всегда; из IDLE/READY только с force. Успех переводит
// слот в целевое состояние действия, неуспех оставляет (или переводит) в FAULT.
// Неуспешное восстановление не является ошибкой: смотрите op.Status.
func (e *Engine) RunRecovery(ctx context.Context, id uuid.UUID, kind domain.RecoveryKind, trigger domain.TriggerReason, force bool) (*domain.RecoveryOperation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown recovery kind %q", ErrInvalidCommand, kind)
	}

	release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	slot, err := e.load(ctx)
	if err != nil {
		return nil, err
	}

	from := slot.FSMState
	target := kind.TargetState()
	if !domain.CanRecover(from, target, force) {
		return nil, domain.NewStateConflict(slot.ID, "run_recovery", from)
	}

	e.audit(ctx, domain.FlowRecovery, domain.EventRecoveryStarted, "", map[string]any{
		"kind":    string(kind),
		"trigger": string(trigger),
		"forced":  force,
	})

	op, err := e.r.recovery.Recover(ctx, id, slot, kind, trigger, force)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	payload := map[string]any{"op_id": op.ID.String(), "kind": string(kind)}

	if op.Status == domain.RunStatusCompleted {
		err := e.settle(ctx, slot, change{
			to:       target,
			flow:     domain.FlowRecovery,
			trigger:  domain.EventRecoveryCompleted,
			payload:  payload,
			recovery: true,
			force:    force,
		})
		return op, err
	}

	reason := fmt.Sprintf("recovery %s failed: %s", kind, op.Error)
	if from == domain.FSMStateFault {
		payload["reason"] = reason
		e.audit(ctx, domain.FlowRecovery, domain.EventRecoveryFailed, domain.EventStatusFailed, payload)
		e.alert(ctx, event.SeverityWarning, reason)
		return op, nil
	}

	err = e.settle(ctx, slot, change{
		to:      domain.FSMStateFault,
		flow:    domain.FlowRecovery,
		trigger: domain.EventRecoveryFailed,
		reason:  reason,
		payload: payload,
	})
	return op, err
}

// ReportFault переводит слот в FAULT (health probe, оператор).
// Слот уже в FAULT — ничего не делает.
func (e *Engine) ReportFault(ctx context.Context, reason string) error {
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	slot, err := e.load(ctx)
	if err != nil {
		return err
	}
	if slot.FSMState == domain.FSMStateFault {
		return nil
	}
	if reason == "" {
		reason = "reported"
	}

	return e.apply(ctx, slot, change{
		to:      domain.FSMStateFault,
		flow:    domain.FlowStatusSync,
		trigger: domain.EventSlotFault,
		reason:  reason,
	})
}
