package drp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shaiso/vss/internal/device"
	"github.com/shaiso/vss/internal/domain"
)

// ErrUnknownAction — действия нет в каталоге.
var ErrUnknownAction = errors.New("unknown recovery action")

// Outcome — единый итог действия recovery.
type Outcome struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
}

// Action — одно действие каталога.
//
// Ошибка означает, что действие не удалось выполнить (утилита не запустилась).
// Неуспешное выполнение возвращается через Outcome.Success=false.
// В обоих случаях действие повторяется по политике retry.
type Action interface {
	Kind() domain.RecoveryKind
	Execute(ctx context.Context, slot *domain.Slot) (Outcome, error)
}

// Devices — операции над устройствами. Реализуется device.Controller.
type Devices interface {
	Reboot(ctx context.Context, deviceID string) (device.Output, error)
	RestartBridge(ctx context.Context) (device.Output, error)
	PowerCycle(ctx context.Context, port string) (device.Output, error)
	RestartContainer(ctx context.Context, slotID string) (device.Output, error)
}

// Registrar повторяет регистрацию SIP identity слота.
type Registrar interface {
	Register(ctx context.Context, slot *domain.Slot) (*domain.Registration, error)
}

// Catalog — фиксированный набор действий.
type Catalog struct {
	actions map[domain.RecoveryKind]Action
}

// NewCatalog создаёт каталог из пяти действий.
func NewCatalog(dev Devices, registrar Registrar) *Catalog {
	c := &Catalog{actions: make(map[domain.RecoveryKind]Action)}
	for _, a := range []Action{
		&powerCycle{dev: dev},
		&bridgeRestart{dev: dev},
		&identityReregister{registrar: registrar},
		&containerRestart{dev: dev},
		&deviceReboot{dev: dev},
	} {
		c.actions[a.Kind()] = a
	}
	return c
}

// Get возвращает действие по типу.
func (c *Catalog) Get(kind domain.RecoveryKind) (Action, error) {
	a, ok := c.actions[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, kind)
	}
	return a, nil
}

// Replace подменяет действие (тесты, кастомные стенды).
func (c *Catalog) Replace(a Action) {
	c.actions[a.Kind()] = a
}

type powerCycle struct{ dev Devices }

func (a *powerCycle) Kind() domain.RecoveryKind { return domain.RecoveryPowerCycle }

func (a *powerCycle) Execute(ctx context.Context, slot *domain.Slot) (Outcome, error) {
	// порт USB-хаба совпадает с номером слота
	return outcomeOf(a.dev.PowerCycle(ctx, slot.ID))
}

type bridgeRestart struct{ dev Devices }

func (a *bridgeRestart) Kind() domain.RecoveryKind { return domain.RecoveryAutomationBridgeRestart }

func (a *bridgeRestart) Execute(ctx context.Context, slot *domain.Slot) (Outcome, error) {
	return outcomeOf(a.dev.RestartBridge(ctx))
}

type containerRestart struct{ dev Devices }

func (a *containerRestart) Kind() domain.RecoveryKind { return domain.RecoveryContainerRestart }

func (a *containerRestart) Execute(ctx context.Context, slot *domain.Slot) (Outcome, error) {
	return outcomeOf(a.dev.RestartContainer(ctx, slot.ID))
}

type deviceReboot struct{ dev Devices }

func (a *deviceReboot) Kind() domain.RecoveryKind { return domain.RecoveryDeviceReboot }

func (a *deviceReboot) Execute(ctx context.Context, slot *domain.Slot) (Outcome, error) {
	return outcomeOf(a.dev.Reboot(ctx, slot.DeviceID()))
}

type identityReregister struct{ registrar Registrar }

func (a *identityReregister) Kind() domain.RecoveryKind { return domain.RecoveryIdentityReregister }

func (a *identityReregister) Execute(ctx context.Context, slot *domain.Slot) (Outcome, error) {
	if slot.SIP == nil {
		return Outcome{Detail: "slot has no sip identity"}, nil
	}
	reg, err := a.registrar.Register(ctx, slot)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Success: true,
		Detail:  fmt.Sprintf("registered %s (count %d)", reg.Username, reg.Count),
	}, nil
}

// outcomeOf переводит результат внешней команды в Outcome.
func outcomeOf(out device.Output, err error) (Outcome, error) {
	if err != nil {
		return Outcome{}, err
	}
	detail := strings.TrimSpace(out.Stdout)
	if !out.OK() {
		detail = strings.TrimSpace(out.Stderr)
		if detail == "" {
			detail = fmt.Sprintf("exit code %d", out.ExitCode)
		}
	}
	return Outcome{Success: out.OK(), Detail: detail}, nil
}
