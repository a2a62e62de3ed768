package gacs

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/vss/internal/chat"
	"github.com/shaiso/vss/internal/device"
	"github.com/shaiso/vss/internal/domain"
)

// Runner выполняет скрипт одного типа.
//
// Ошибка из Run означает, что скрипт не удалось запустить.
// Неуспешное выполнение возвращается через Result.Error.
type Runner interface {
	Run(ctx context.Context, slot *domain.Slot, content string) (*Result, error)
}

// Result — итог выполнения скрипта.
type Result struct {
	// Output — stdout/stderr/exit_code или подтверждение доставки.
	Output map[string]any

	// Error — причина неуспешного выполнения.
	Error string
}

// DeviceRunner — выполнение shell-скриптов. Реализуется device.Controller.
type DeviceRunner interface {
	Run(ctx context.Context, deviceID string, kind domain.ScriptKind, content string) (device.Output, error)
}

// Registry — реестр runner'ов по типу скрипта.
type Registry struct {
	runners map[domain.ScriptKind]Runner
}

// NewRegistry создаёт реестр.
//
// Регистрирует shell-runner'ы для device-shell, host-shell-posix, host-shell-windows
// и chat-message, если задан sender.
func NewRegistry(dev DeviceRunner, sender chat.Sender) *Registry {
	r := &Registry{runners: make(map[domain.ScriptKind]Runner)}
	if dev != nil {
		for _, kind := range []domain.ScriptKind{
			domain.ScriptKindDeviceShell,
			domain.ScriptKindHostShellPosix,
			domain.ScriptKindHostShellWindows,
		} {
			r.Register(kind, &ShellRunner{dev: dev, kind: kind})
		}
	}
	if sender != nil {
		r.Register(domain.ScriptKindChatMessage, &ChatRunner{sender: sender})
	}
	return r
}

// Register добавляет runner для типа скрипта.
func (r *Registry) Register(kind domain.ScriptKind, runner Runner) {
	r.runners[kind] = runner
}

// Get возвращает runner для типа скрипта.
func (r *Registry) Get(kind domain.ScriptKind) (Runner, error) {
	runner, ok := r.runners[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return runner, nil
}

// ShellRunner выполняет shell-скрипт на устройстве или хосте.
type ShellRunner struct {
	dev  DeviceRunner
	kind domain.ScriptKind
}

func (r *ShellRunner) Run(ctx context.Context, slot *domain.Slot, content string) (*Result, error) {
	out, err := r.dev.Run(ctx, slot.DeviceID(), r.kind, content)
	if err != nil {
		return nil, err
	}

	result := &Result{Output: out.Map()}
	if !out.OK() {
		result.Error = fmt.Sprintf("exit code %d", out.ExitCode)
	}
	return result, nil
}

// ChatRunner доставляет сообщение в чат-платформу.
type ChatRunner struct {
	sender chat.Sender
}

func (r *ChatRunner) Run(ctx context.Context, slot *domain.Slot, content string) (*Result, error) {
	msg, err := chat.ParseMessage(content)
	if err != nil {
		return &Result{Error: err.Error()}, nil
	}

	delivery, err := r.sender.Send(ctx, msg)
	if err != nil {
		if errors.Is(err, domain.ErrScript) {
			return &Result{Output: delivery.Map(), Error: err.Error()}, nil
		}
		return nil, err
	}
	return &Result{Output: delivery.Map()}, nil
}
