package options

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"keyattest/internal/security"
)

// prefsFile is the on-disk shape. ID types are kept as separate switches
// so a hand-edited file can carry more than one; Load keeps the first.
type prefsFile struct {
	PreferDelegate     bool `toml:"prefer_delegate"`
	PreferSAK          bool `toml:"prefer_sak"`
	PreferStrongBox    bool `toml:"prefer_strongbox"`
	PreferAttestKey    bool `toml:"prefer_attest_key"`
	IncludeDeviceProps bool `toml:"include_props"`
	IDSerial           bool `toml:"id_attestation_serial"`
	IDIMEI             bool `toml:"id_attestation_imei"`
	IDMEID             bool `toml:"id_attestation_meid"`
	IncludeUniqueID    bool `toml:"include_unique_id"`
	SecretMode         bool `toml:"secret_mode"`
}

const maxPrefsSize = 64 * 1024

// Save writes s to path as TOML.
func (s State) Save(path string) error {
	f := prefsFile{
		PreferDelegate:     s.PreferDelegate,
		PreferSAK:          s.PreferSAK,
		PreferStrongBox:    s.PreferStrongBox,
		PreferAttestKey:    s.PreferAttestKey,
		IncludeDeviceProps: s.IncludeDeviceProps,
		IDSerial:           s.IDType == IDSerial,
		IDIMEI:             s.IDType == IDIMEI,
		IDMEID:             s.IDType == IDMEID,
		IncludeUniqueID:    s.IncludeUniqueID,
		SecretMode:         s.SecretMode,
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if err := security.WriteSecretFile(path, buf.Bytes()); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return nil
}

// Load reads preferences from path. A missing file yields the zero State.
func Load(path string) (State, error) {
	data, err := security.ReadLimited(path, maxPrefsSize)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("read preferences: %w", err)
	}

	var f prefsFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return State{}, fmt.Errorf("decode preferences: %w", err)
	}

	s := State{
		PreferDelegate:     f.PreferDelegate,
		PreferSAK:          f.PreferSAK,
		PreferStrongBox:    f.PreferStrongBox,
		PreferAttestKey:    f.PreferAttestKey,
		IncludeDeviceProps: f.IncludeDeviceProps,
		IncludeUniqueID:    f.IncludeUniqueID,
		SecretMode:         f.SecretMode,
	}
	switch {
	case f.IDSerial:
		s.IDType = IDSerial
	case f.IDIMEI:
		s.IDType = IDIMEI
	case f.IDMEID:
		s.IDType = IDMEID
	}
	return s, nil
}
