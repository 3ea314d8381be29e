package principal

import (
	"context"
	"errors"
	"os/exec"
)

// CommandRunner runs an account-management command and reports its exit code.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (exitCode int, output []byte, err error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (int, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- fixed binaries, derived account names.
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), out, err
		}
		return -1, out, err
	}
	return 0, out, nil
}
