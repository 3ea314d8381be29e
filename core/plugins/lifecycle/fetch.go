package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cordum/plugind/core/infra/logging"
	"github.com/cordum/plugind/core/plugins/principal"
)

const defaultFetchTimeout = 2 * time.Minute

const defaultGitPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// workingCopyOverrides neutralise repository config that can run commands.
// The working copy belongs to the plugin, so its .git/config is untrusted.
var workingCopyOverrides = []string{
	"-c", "core.fsmonitor=false",
	"-c", "core.hooksPath=/dev/null",
	"-c", "core.sshCommand=ssh",
	"-c", "core.gitProxy=",
	"-c", "credential.helper=",
	"-c", "protocol.ext.allow=never",
}

// Fetcher retrieves bundle sources from version control.
type Fetcher interface {
	// Clone creates dest from url. dest must not exist.
	Clone(ctx context.Context, url, dest string) error
	// Update hard-resets dir to the remote head as p and returns the
	// revision it was at before.
	Update(ctx context.Context, dir string, p principal.Principal) (previous string, err error)
	// Revert hard-resets dir to rev as p.
	Revert(ctx context.Context, dir, rev string, p principal.Principal) error
}

// GitFetcher shells out to git. Clone runs as the daemon into a fresh
// directory; every command inside an installed working copy runs as the
// bundle's principal with Env as its whole environment.
type GitFetcher struct {
	Binary  string
	Timeout time.Duration
	Env     []string
}

func (g *GitFetcher) Clone(ctx context.Context, url, dest string) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	cmd := g.command(ctx, "", nil, "-c", "protocol.ext.allow=never", "clone", "--depth", "1", "--", url, dest)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	_, err := runGit(cmd, "clone", "")
	return err
}

func (g *GitFetcher) Update(ctx context.Context, dir string, p principal.Principal) (string, error) {
	prev, err := g.inWorkingCopy(ctx, dir, p, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if _, err := g.inWorkingCopy(ctx, dir, p, "fetch", "--depth", "1", "origin", "HEAD"); err != nil {
		return prev, err
	}
	if _, err := g.inWorkingCopy(ctx, dir, p, "reset", "--hard", "FETCH_HEAD"); err != nil {
		return prev, err
	}
	return prev, nil
}

func (g *GitFetcher) Revert(ctx context.Context, dir, rev string, p principal.Principal) error {
	_, err := g.inWorkingCopy(ctx, dir, p, "reset", "--hard", rev)
	return err
}

func (g *GitFetcher) inWorkingCopy(ctx context.Context, dir string, p principal.Principal, args ...string) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return runGit(g.workingCopyCommand(ctx, dir, p, args...), args[0], dir)
}

func (g *GitFetcher) workingCopyCommand(ctx context.Context, dir string, p principal.Principal, args ...string) *exec.Cmd {
	full := append([]string{}, workingCopyOverrides...)
	full = append(full, "-C", dir)
	full = append(full, args...)
	cmd := g.command(ctx, dir, &p, full...)
	env := g.Env
	if len(env) == 0 {
		env = []string{"PATH=" + defaultGitPath}
	}
	cmd.Env = append(append([]string{}, env...),
		"HOME="+dir,
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_CONFIG_GLOBAL=/dev/null",
	)
	return cmd
}

func (g *GitFetcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func (g *GitFetcher) command(ctx context.Context, dir string, p *principal.Principal, args ...string) *exec.Cmd {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...) // #nosec G204 -- fixed git subcommands; url passed after "--".
	cmd.Dir = dir
	if p != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: credentialFor(*p)}
	}
	return cmd
}

func runGit(cmd *exec.Cmd, op, dir string) (string, error) {
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return "", fmt.Errorf("git %s failed: %v %s", op, err, text)
	}
	logging.Debug("lifecycle", "git "+op, "dir", dir, "output", text)
	return text, nil
}

// credentialFor drops to p unless the daemon already runs as p.
func credentialFor(p principal.Principal) *syscall.Credential {
	if p.UID == os.Getuid() && p.GID == os.Getgid() {
		return nil
	}
	return &syscall.Credential{Uid: uint32(p.UID), Gid: uint32(p.GID), Groups: []uint32{}}
}
