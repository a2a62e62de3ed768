// Package device — тонкий адаптер к утилитам управления устройствами и хостом.
//
// Протоколы устройств (adb, uhubctl, docker) не реализуются, а вызываются
// как внешние команды через Commander.
package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/vss/internal/domain"
)

// Config — конфигурация Controller.
type Config struct {
	ADBPath        string // default: adb
	UhubctlPath    string // default: uhubctl
	DockerPath     string // default: docker
	ShellPath      string // default: bash
	PowerShellPath string // default: powershell

	// ContainerPrefix — имя контейнера слота = prefix + slot_id (default: slot_).
	ContainerPrefix string

	Commander Commander
	Logger    *slog.Logger
}

// Controller выполняет скрипты и recovery-действия на устройствах слотов.
type Controller struct {
	cfg    Config
	cmd    Commander
	logger *slog.Logger
}

// New создаёт Controller.
func New(cfg Config) *Controller {
	if cfg.ADBPath == "" {
		cfg.ADBPath = "adb"
	}
	if cfg.UhubctlPath == "" {
		cfg.UhubctlPath = "uhubctl"
	}
	if cfg.DockerPath == "" {
		cfg.DockerPath = "docker"
	}
	if cfg.ShellPath == "" {
		cfg.ShellPath = "bash"
	}
	if cfg.PowerShellPath == "" {
		cfg.PowerShellPath = "powershell"
	}
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = "slot_"
	}

	cmd := cfg.Commander
	if cmd == nil {
		cmd = ExecCommander{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{cfg: cfg, cmd: cmd, logger: logger.With("component", "device")}
}

// Run выполняет скрипт указанного типа.
// Для device-shell команда уходит на устройство deviceID, для host-shell — на хост.
func (c *Controller) Run(ctx context.Context, deviceID string, kind domain.ScriptKind, content string) (Output, error) {
	switch kind {
	case domain.ScriptKindDeviceShell:
		return c.exec(ctx, c.cfg.ADBPath, "-s", deviceID, "shell", content)
	case domain.ScriptKindHostShellPosix:
		return c.exec(ctx, c.cfg.ShellPath, "-c", content)
	case domain.ScriptKindHostShellWindows:
		return c.exec(ctx, c.cfg.PowerShellPath, "-NoProfile", "-Command", content)
	default:
		return Output{}, fmt.Errorf("%w: unsupported script kind %s", domain.ErrHarness, kind)
	}
}

// Reboot перезагружает устройство.
func (c *Controller) Reboot(ctx context.Context, deviceID string) (Output, error) {
	return c.exec(ctx, c.cfg.ADBPath, "-s", deviceID, "reboot")
}

// RestartBridge перезапускает adb-сервер.
func (c *Controller) RestartBridge(ctx context.Context) (Output, error) {
	out, err := c.exec(ctx, c.cfg.ADBPath, "kill-server")
	if err != nil || !out.OK() {
		return out, err
	}
	return c.exec(ctx, c.cfg.ADBPath, "start-server")
}

// PowerCycle переключает питание USB-порта слота.
func (c *Controller) PowerCycle(ctx context.Context, port string) (Output, error) {
	return c.exec(ctx, c.cfg.UhubctlPath, "-a", "cycle", "-p", port)
}

// RestartContainer перезапускает контейнер слота.
func (c *Controller) RestartContainer(ctx context.Context, slotID string) (Output, error) {
	return c.exec(ctx, c.cfg.DockerPath, "restart", c.cfg.ContainerPrefix+slotID)
}

func (c *Controller) exec(ctx context.Context, name string, args ...string) (Output, error) {
	c.logger.Debug("exec", "command", name, "args", args)

	out, err := c.cmd.Run(ctx, name, args...)
	if err != nil {
		c.logger.Warn("exec failed", "command", name, "error", err)
		return out, err
	}
	if !out.OK() {
		c.logger.Debug("exec non-zero exit", "command", name, "exit_code", out.ExitCode)
	}
	return out, nil
}
