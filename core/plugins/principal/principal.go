// Package principal maps bundle names to dedicated OS accounts and enforces
// that each bundle directory is owned and readable by its account alone.
package principal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"github.com/cordum/plugind/core/infra/logging"
	"github.com/cordum/plugind/core/plugins"
)

const (
	defaultPrefix = "plug_"
	defaultMaxLen = 32
	hashLen       = 8

	// useradd exits 9 when the account exists; userdel exits 6 when it does not.
	exitUserExists  = 9
	exitUserMissing = 6
)

// Principal is the OS identity a bundle's processes run as.
type Principal struct {
	Name string
	UID  int
	GID  int
}

// Outcome distinguishes first-time changes from idempotent no-ops.
type Outcome int

const (
	Created Outcome = iota + 1
	AlreadyPresent
	Removed
	AlreadyAbsent
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case AlreadyPresent:
		return "already_present"
	case Removed:
		return "removed"
	case AlreadyAbsent:
		return "already_absent"
	default:
		return "unknown"
	}
}

// Manager creates, removes and resolves bundle principals.
type Manager struct {
	prefix string
	maxLen int
	runner CommandRunner
	lookup func(name string) (*user.User, error)
}

// Option customises a Manager.
type Option func(*Manager)

// WithRunner replaces the command runner used for useradd/userdel.
func WithRunner(r CommandRunner) Option {
	return func(m *Manager) { m.runner = r }
}

// WithLookup replaces the account database lookup.
func WithLookup(fn func(name string) (*user.User, error)) Option {
	return func(m *Manager) { m.lookup = fn }
}

// New builds a Manager. The prefix must leave room for a hashed suffix.
func New(prefix string, maxLen int, opts ...Option) *Manager {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	if len(prefix)+hashLen+2 > maxLen {
		prefix = defaultPrefix
	}
	m := &Manager{prefix: prefix, maxLen: maxLen, runner: ExecRunner{}, lookup: user.Lookup}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IdentityName derives the account name for a bundle.
func (m *Manager) IdentityName(bundle string) string {
	return DeriveName(m.prefix, bundle, m.maxLen)
}

// DeriveName maps bundle to prefix+bundle. Names that do not fit in maxLen
// keep their leading characters and end in "_" plus a hash of the full name;
// valid bundle names never contain "_", so the two forms cannot collide.
func DeriveName(prefix, bundle string, maxLen int) string {
	name := prefix + sanitize(bundle)
	if len(name) <= maxLen {
		return name
	}
	sum := sha256.Sum256([]byte(bundle))
	suffix := hex.EncodeToString(sum[:])[:hashLen]
	keep := maxLen - hashLen - 1
	return name[:keep] + "_" + suffix
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Ensure creates the bundle's account when it does not exist yet.
func (m *Manager) Ensure(ctx context.Context, bundle string) (Principal, Outcome, error) {
	name := m.IdentityName(bundle)
	if p, err := m.resolve(name); err == nil {
		logging.Info("principal", "already present", "bundle", bundle, "name", name, "uid", p.UID)
		return p, AlreadyPresent, nil
	}
	code, out, err := m.runner.Run(ctx, "useradd",
		"--system",
		"--no-create-home",
		"--home-dir", "/nonexistent",
		"--shell", "/usr/sbin/nologin",
		"--user-group",
		name,
	)
	outcome := Created
	if err != nil {
		if code != exitUserExists {
			return Principal{}, 0, fmt.Errorf("useradd %s: %w: %s", name, err, strings.TrimSpace(string(out)))
		}
		outcome = AlreadyPresent
	}
	p, err := m.resolve(name)
	if err != nil {
		return Principal{}, 0, fmt.Errorf("lookup %s after useradd: %w", name, err)
	}
	logging.Info("principal", outcome.String(), "bundle", bundle, "name", name, "uid", p.UID, "gid", p.GID)
	return p, outcome, nil
}

// Remove deletes the bundle's account; a missing account is not an error.
func (m *Manager) Remove(ctx context.Context, bundle string) (Outcome, error) {
	name := m.IdentityName(bundle)
	if _, err := m.resolve(name); err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			logging.Info("principal", "already absent", "bundle", bundle, "name", name)
			return AlreadyAbsent, nil
		}
	}
	code, out, err := m.runner.Run(ctx, "userdel", name)
	if err != nil {
		if code == exitUserMissing {
			logging.Info("principal", "already absent", "bundle", bundle, "name", name)
			return AlreadyAbsent, nil
		}
		return 0, fmt.Errorf("userdel %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	logging.Info("principal", "removed", "bundle", bundle, "name", name)
	return Removed, nil
}

// Lookup resolves an existing principal. A missing account means the bundle
// was loaded without ever being installed through the lifecycle.
func (m *Manager) Lookup(bundle string) (Principal, error) {
	name := m.IdentityName(bundle)
	p, err := m.resolve(name)
	if err != nil {
		logging.Error("principal", "no principal for loaded bundle", "bundle", bundle, "name", name, "err", err)
		return Principal{}, plugins.Wrap(plugins.KindPrincipalNotFound, err,
			fmt.Sprintf("no OS identity exists for plugin %q", bundle))
	}
	return p, nil
}

func (m *Manager) resolve(name string) (Principal, error) {
	u, err := m.lookup(name)
	if err != nil {
		return Principal{}, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Principal{}, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Principal{}, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	return Principal{Name: name, UID: uid, GID: gid}, nil
}
