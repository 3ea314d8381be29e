package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mode controls whether a lock is shared or exclusive.
type Mode string

const (
	ModeExclusive Mode = "exclusive"
	ModeShared    Mode = "shared"
)

// ErrHeld reports that a conflicting holder owns the resource.
var ErrHeld = errors.New("resource is locked")

// Store manages resource locks. A resource is held either by one exclusive
// owner or by any number of shared owners; Acquire never waits.
type Store interface {
	Acquire(ctx context.Context, resource, owner string, mode Mode, ttl time.Duration) (bool, error)
	Release(ctx context.Context, resource, owner string) error
}

// Hold acquires resource under a fresh owner id and returns the release func.
// A conflicting holder yields ErrHeld.
func Hold(ctx context.Context, store Store, resource string, mode Mode, ttl time.Duration) (func(), error) {
	if store == nil {
		return func() {}, nil
	}
	owner := uuid.NewString()
	ok, err := store.Acquire(ctx, resource, owner, mode, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func() {
		// Release must outlive a cancelled request context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = store.Release(releaseCtx, resource, owner)
	}, nil
}

// BundleResource names the lock guarding one bundle directory.
func BundleResource(name string) string {
	return "bundle:" + name
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

func normalizeMode(mode Mode) Mode {
	if mode == ModeShared {
		return ModeShared
	}
	return ModeExclusive
}
