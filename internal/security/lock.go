package security

import (
	"fmt"
	"os"
	"path/filepath"
)

// WithFileLock runs fn while holding an exclusive flock on path+".lock".
// The CLI and the helper both create the device secret, so creation is
// serialised through this lock.
func WithFileLock(path string, fn func() error) error {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), PermSecretDir); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, PermSecretFile)
	if err != nil {
		return fmt.Errorf("open lock: %w", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer unlockFile(f)

	return fn()
}
