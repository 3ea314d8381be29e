// Package execution runs bundle entrypoints as their principal with a fixed
// environment and a wall-clock limit.
package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cordum/plugind/core/infra/logging"
	"github.com/cordum/plugind/core/plugins/principal"
	"golang.org/x/sys/unix"
)

const defaultKillGrace = 5 * time.Second

// Request describes one process launch.
type Request struct {
	Path      string
	Dir       string
	Stdin     []byte // nil leaves stdin at /dev/null
	Timeout   time.Duration
	Principal principal.Principal
}

// Result is what a started process left behind.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Spawner starts entrypoints in their own process group.
type Spawner struct {
	env       []string
	killGrace time.Duration
}

// NewSpawner returns a Spawner whose children see exactly env.
func NewSpawner(env []string, killGrace time.Duration) *Spawner {
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}
	return &Spawner{env: append([]string{}, env...), killGrace: killGrace}
}

// Run starts req and waits for it. The returned error is non-nil only when
// the process could not be started; exits and timeouts are in Result.
// Cancelling ctx does not stop the child; only req.Timeout does.
func (s *Spawner) Run(ctx context.Context, req Request) (*Result, error) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), req.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Path) // #nosec G204 -- entrypoint resolved inside the bundle directory.
	cmd.Dir = req.Dir
	cmd.Env = s.env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:    true,
		Credential: credentialFor(req.Principal),
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	var stdin io.WriteCloser
	if req.Stdin != nil {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdin = pipe
	}

	var killTimer *time.Timer
	cmd.Cancel = func() error {
		pgid := cmd.Process.Pid
		logging.Warn("execution", "timeout, terminating process group", "path", req.Path, "pgid", pgid)
		_ = unix.Kill(-pgid, unix.SIGTERM)
		killTimer = time.AfterFunc(s.killGrace, func() {
			_ = unix.Kill(-pgid, unix.SIGKILL)
		})
		return nil
	}
	// Bounds Wait when a grandchild keeps the output pipes open.
	cmd.WaitDelay = s.killGrace + time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	logging.Debug("execution", "spawned", "path", req.Path, "pid", cmd.Process.Pid, "uid", req.Principal.UID)
	if stdin != nil {
		go feedStdin(stdin, req.Stdin)
	}

	waitErr := cmd.Wait()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode(cmd, waitErr),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
		Duration: time.Since(start),
	}
	if res.TimedOut {
		if killTimer != nil {
			killTimer.Stop()
		}
		// Nothing from the group may outlive a timed-out run.
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	return res, nil
}

// A child that exits without reading stdin closes the pipe; that is not an
// error here, the exit status decides the outcome.
func feedStdin(w io.WriteCloser, data []byte) {
	if _, err := w.Write(data); err != nil && !errors.Is(err, syscall.EPIPE) && !errors.Is(err, os.ErrClosed) {
		logging.Debug("execution", "stdin write failed", "err", err)
	}
	_ = w.Close()
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// credentialFor drops to p unless the daemon already runs as p.
func credentialFor(p principal.Principal) *syscall.Credential {
	if p.UID == os.Getuid() && p.GID == os.Getgid() {
		return nil
	}
	return &syscall.Credential{Uid: uint32(p.UID), Gid: uint32(p.GID), Groups: []uint32{}}
}

// Executable reports whether path is a regular file the daemon may execute.
func Executable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return unix.Access(path, unix.X_OK) == nil
}

func describeExit(code int) string {
	if code < 0 {
		return "was terminated by a signal"
	}
	return fmt.Sprintf("exited with code %d", code)
}
