package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/hkdf"

	"keyattest/internal/security"
)

// ErrSecretInit is returned when the device secret cannot be loaded or created.
var ErrSecretInit = errors.New("keystore: failed to initialize device secret")

const secretSize = 32

// uniqueIDPeriod is the rotation period of the unique ID (30 days in ms).
const uniqueIDPeriod = 2592000000

// DeviceSecret is the per-device seed the software keystore derives its
// hardware-bound values from. The seed file can be copied to another host,
// so it binds values to an installation rather than to hardware.
type DeviceSecret struct {
	mu       sync.Mutex
	seed     []byte
	seedPath string
	deviceID string
}

// LoadDeviceSecret loads the seed at path, creating it on first use. The
// CLI and the helper may race here, so creation runs under a file lock.
func LoadDeviceSecret(path string) (*DeviceSecret, error) {
	s := &DeviceSecret{seedPath: path}
	err := security.WithFileLock(path, func() error {
		data, err := security.ReadSecureFile(path, secretSize)
		if err == nil && len(data) == secretSize {
			s.seed = data
			return nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		seed := make([]byte, secretSize)
		if _, err := rand.Read(seed); err != nil {
			return fmt.Errorf("generate seed: %w", err)
		}
		if err := security.WriteSecretFile(path, seed); err != nil {
			return fmt.Errorf("save seed: %w", err)
		}
		s.seed = seed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretInit, err)
	}
	s.deviceID = s.computeDeviceID()
	return s, nil
}

// NewDeviceSecretFromSeed wraps an existing seed. Used for ephemeral
// keystores and tests.
func NewDeviceSecretFromSeed(seed []byte) *DeviceSecret {
	s := &DeviceSecret{seed: append([]byte(nil), seed...)}
	s.deviceID = s.computeDeviceID()
	return s
}

// EphemeralDeviceSecret returns a random secret that is never persisted.
func EphemeralDeviceSecret() (*DeviceSecret, error) {
	seed := make([]byte, secretSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretInit, err)
	}
	return NewDeviceSecretFromSeed(seed), nil
}

func (s *DeviceSecret) computeDeviceID() string {
	h := sha256.Sum256(s.seed)
	return "swdev-" + hex.EncodeToString(h[:4])
}

// DeviceID is a short non-secret identifier of the seed.
func (s *DeviceSecret) DeviceID() string {
	return s.deviceID
}

// Derive expands the seed for a labelled purpose.
func (s *DeviceSecret) Derive(label string, context []byte, size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reader := hkdf.New(sha256.New, s.seed, context, []byte(label))
	out := make([]byte, size)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("HKDF expand failed: %w", err)
	}
	return out, nil
}

// UniqueID computes the 128-bit unique ID for a key created at
// creationMillis by application appID. It changes every 30 days and
// whenever reset is set.
func (s *DeviceSecret) UniqueID(creationMillis int64, appID []byte, reset bool) ([]byte, error) {
	ctx := make([]byte, 8, 9+len(appID))
	binary.BigEndian.PutUint64(ctx, uint64(creationMillis/uniqueIDPeriod))
	ctx = append(ctx, appID...)
	if reset {
		ctx = append(ctx, 1)
	} else {
		ctx = append(ctx, 0)
	}
	return s.Derive("unique-id-v1", ctx, 16)
}
