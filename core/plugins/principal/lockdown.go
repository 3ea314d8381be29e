package principal

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Lockdown chowns the tree under dir to p without following symlinks and
// restricts dir itself to owner-only access.
func Lockdown(dir string, p Principal) error {
	err := filepath.WalkDir(dir, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := unix.Fchownat(unix.AT_FDCWD, path, p.UID, p.GID, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return fmt.Errorf("chmod %s: %w", dir, err)
	}
	return nil
}

// Lockdown lets callers holding a Manager satisfy their lockdown dependency.
func (m *Manager) Lockdown(dir string, p Principal) error {
	return Lockdown(dir, p)
}
