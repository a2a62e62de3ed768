package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/shaiso/vss/internal/domain"
)

// Output — результат внешней команды.
type Output struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// OK возвращает true при нулевом коде выхода.
func (o Output) OK() bool {
	return o.ExitCode == 0
}

// Map возвращает результат в виде, пригодном для AutomationScript.Result.
func (o Output) Map() map[string]any {
	return map[string]any{
		"stdout":    o.Stdout,
		"stderr":    o.Stderr,
		"exit_code": o.ExitCode,
	}
}

// Commander запускает внешнюю команду.
//
// Ненулевой код выхода — не ошибка: он возвращается в Output.
// Ошибка — только если команду не удалось запустить (ErrHarness)
// или истёк ctx (ErrRunTimeout).
type Commander interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

// ExecCommander — Commander поверх os/exec.
type ExecCommander struct{}

// Run выполняет команду и собирает stdout/stderr.
func (ExecCommander) Run(ctx context.Context, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		out.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return out, fmt.Errorf("%w: %s", domain.ErrRunTimeout, name)
		}
		return out, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("%w: run %s: %w", domain.ErrHarness, name, err)
	}
	return out, nil
}
