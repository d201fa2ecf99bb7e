package options

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyattest/internal/capability"
)

var full = capability.Flags{
	HasSecurityModule: true, HasStrongBox: true, HasAttestKey: true,
	HasDeviceIDs: true, HasIMEI: true, HasMEID: true,
	CanIncludeUniqueID: true, CanCheckRKP: true, CanUseSAK: true,
	DelegateAvailable: true,
}

func contains(opts []Option, o Option) bool {
	for _, x := range opts {
		if x == o {
			return true
		}
	}
	return false
}

func TestStrongBoxUnavailable(t *testing.T) {
	flags := capability.Flags{HasStrongBox: false}
	var s State

	assert.False(t, s.Set(PreferStrongBox, true, flags))
	assert.False(t, s.PreferStrongBox)
	assert.NotContains(t, VisibleOptions(flags, s), PreferStrongBox)
}

func TestVisibleOptionsNeverIncludeGated(t *testing.T) {
	// Walk every combination of flags and provider-related preferences.
	for mask := 0; mask < 1<<10; mask++ {
		flags := capability.Flags{
			HasSecurityModule:  mask&1 != 0,
			HasStrongBox:       mask&2 != 0,
			HasAttestKey:       mask&4 != 0,
			HasDeviceIDs:       mask&8 != 0,
			HasIMEI:            mask&16 != 0,
			HasMEID:            mask&32 != 0,
			CanIncludeUniqueID: mask&64 != 0,
			CanCheckRKP:        mask&128 != 0,
			CanUseSAK:          mask&256 != 0,
			DelegateAvailable:  mask&512 != 0,
		}
		for _, s := range []State{{}, {PreferDelegate: true}, {PreferDelegate: true, PreferSAK: true}, {PreferAttestKey: true}} {
			vis := VisibleOptions(flags, s)
			delegate := s.PreferDelegate && flags.DelegateAvailable
			if !flags.HasStrongBox || s.PreferSAK {
				assert.False(t, contains(vis, PreferStrongBox))
			}
			if !flags.HasAttestKey || s.PreferSAK {
				assert.False(t, contains(vis, PreferAttestKey))
				assert.False(t, contains(vis, ImportKeybox))
			}
			if !delegate || !flags.CanUseSAK {
				assert.False(t, contains(vis, PreferSAK))
			}
			if !delegate || !flags.HasDeviceIDs {
				assert.False(t, contains(vis, IDTypeSerial))
			}
			if !delegate || !flags.HasIMEI {
				assert.False(t, contains(vis, IDTypeIMEI))
			}
			if !delegate || !flags.HasMEID {
				assert.False(t, contains(vis, IDTypeMEID))
			}
			if !delegate || !flags.CanIncludeUniqueID {
				assert.False(t, contains(vis, IncludeUniqueID))
			}
			if !delegate || !flags.CanCheckRKP {
				assert.False(t, contains(vis, CheckRKP))
			}
			if !flags.HasDeviceIDs {
				assert.False(t, contains(vis, IncludeDeviceProps))
			}
			if !flags.DelegateAvailable {
				assert.False(t, contains(vis, PreferDelegate))
			}
			assert.True(t, contains(vis, SecretMode))
		}
	}
}

func TestVisibleOptionsIsPure(t *testing.T) {
	s := State{PreferDelegate: true}
	a := VisibleOptions(full, s)
	b := VisibleOptions(full, s)
	assert.Equal(t, a, b)
	assert.Contains(t, a, PreferSAK)
	assert.Contains(t, a, CheckRKP)
	assert.NotContains(t, a, ImportKeybox)
}

func TestSetIDTypesExclusive(t *testing.T) {
	s := State{PreferDelegate: true}
	require.True(t, s.Set(IDTypeSerial, true, full))
	require.True(t, s.Set(IDTypeIMEI, true, full))
	assert.Equal(t, IDIMEI, s.IDType)
	assert.False(t, s.Get(IDTypeSerial))

	// Turning off a type that is not selected leaves the selection alone.
	require.True(t, s.Set(IDTypeSerial, false, full))
	assert.Equal(t, IDIMEI, s.IDType)

	require.True(t, s.SetIDType(IDNone, full))
	assert.Equal(t, IDNone, s.IDType)

	noMEID := full
	noMEID.HasMEID = false
	assert.False(t, s.SetIDType(IDMEID, noMEID))
	assert.Equal(t, IDNone, s.IDType)
}

func TestSetRejectsActions(t *testing.T) {
	s := State{PreferDelegate: true}
	assert.False(t, s.Set(CheckRKP, true, full))
	assert.False(t, s.Set(ImportKeybox, true, full))
	assert.False(t, s.Set(Option(99), true, full))
}

func TestTurningOffAlwaysAllowed(t *testing.T) {
	s := State{PreferStrongBox: true}
	assert.True(t, s.Set(PreferStrongBox, false, capability.Flags{}))
	assert.False(t, s.PreferStrongBox)
}

func TestClampAndRequest(t *testing.T) {
	s := State{
		PreferDelegate:     true,
		PreferSAK:          true,
		PreferStrongBox:    true,
		PreferAttestKey:    true,
		IncludeDeviceProps: true,
		IDType:             IDMEID,
		IncludeUniqueID:    true,
	}

	req := s.Request(full)
	assert.True(t, req.UseSAK)
	assert.False(t, req.UseStrongBox, "SAK overrides StrongBox")
	assert.False(t, req.UseAttestKey)
	assert.True(t, req.IncludeMEID)
	assert.True(t, req.IncludeUniqueID)

	// Delegate gone: everything delegate-gated drops out.
	local := full
	local.DelegateAvailable = false
	c := s.Clamp(local)
	assert.False(t, c.PreferDelegate)
	assert.False(t, c.PreferSAK)
	assert.True(t, c.PreferStrongBox, "StrongBox is judged after SAK is cleared")
	assert.Equal(t, IDNone, c.IDType)
	assert.False(t, c.IncludeUniqueID)
	assert.True(t, c.IncludeDeviceProps)

	req = s.Request(local)
	assert.False(t, req.UseSAK)
	assert.True(t, req.UseStrongBox)
	assert.True(t, req.UseAttestKey)
	assert.True(t, req.IncludeProps)
	assert.False(t, req.IncludeMEID)
	assert.False(t, req.IncludeUniqueID)

	assert.Equal(t, State{}, State{PreferStrongBox: true}.Clamp(capability.Flags{}))
}

func TestParseNames(t *testing.T) {
	for _, o := range All() {
		got, err := ParseOption(o.String())
		require.NoError(t, err)
		assert.Equal(t, o, got)
	}
	_, err := ParseOption("bogus")
	assert.Error(t, err)

	typ, err := ParseIDType("IMEI")
	require.NoError(t, err)
	assert.Equal(t, IDIMEI, typ)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.toml")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, State{}, s)

	want := State{
		PreferDelegate:  true,
		PreferAttestKey: true,
		IDType:          IDSerial,
		SecretMode:      true,
	}
	require.NoError(t, want.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadKeepsOneIDType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.toml")
	require.NoError(t, os.WriteFile(path, []byte("id_attestation_imei = true\nid_attestation_meid = true\n"), 0600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, IDIMEI, s.IDType)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.toml")
	require.NoError(t, os.WriteFile(path, []byte("prefer_sak = [nope"), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}
