package security

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSecretFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "secret")
	require.NoError(t, WriteSecretFile(path, []byte("s3cr3t")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, PermSecretFile, info.Mode().Perm())

	data, err := ReadSecureFile(path, 1024)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not linger")
}

func TestReadSecureFileRejectsLoosePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loose")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	require.NoError(t, os.Chmod(path, 0644))

	_, err := ReadSecureFile(path, 0)
	assert.ErrorIs(t, err, ErrInsecurePermissions)
}

func TestReadLimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0644))

	_, err := ReadLimited(path, 16)
	assert.ErrorIs(t, err, ErrFileTooLarge)

	data, err := ReadLimited(path, 0)
	require.NoError(t, err)
	assert.Len(t, data, 64)
}

func TestCleanPath(t *testing.T) {
	_, err := CleanPath("")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = CleanPath("a\x00b")
	assert.ErrorIs(t, err, ErrInvalidPath)

	p, err := CleanPath("x/../y")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(p))
}

func TestWithFileLockSerialises(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithFileLock(path, func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestDenialTracker(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := NewDenialTracker(LockoutPolicy{Threshold: 3, Window: time.Minute, Lockout: time.Minute})
	tr.now = func() time.Time { return now }

	assert.False(t, tr.Deny(1000))
	assert.False(t, tr.Deny(1000))
	assert.False(t, tr.Locked(1000))
	assert.True(t, tr.Deny(1000))
	assert.True(t, tr.Locked(1000))
	assert.False(t, tr.Locked(1001), "other uids are unaffected")

	now = now.Add(2 * time.Minute)
	assert.False(t, tr.Locked(1000))
	assert.False(t, tr.Deny(1000), "window restarted")

	tr.Clear(1000)
	assert.False(t, tr.Deny(1000))
	assert.False(t, tr.Deny(1000))
}
