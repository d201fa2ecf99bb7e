package capability

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func static(f Features) Source {
	return SourceFunc(func() (Features, error) { return f, nil })
}

func failing() Source {
	return SourceFunc(func() (Features, error) { return Features{}, errors.New("boom") })
}

var (
	localFeatures  = Features{SecurityModule: true, StrongBox: true, AttestKey: true, DeviceIDs: true}
	helperFeatures = Features{
		SecurityModule: true, StrongBox: true, AttestKey: true, DeviceIDs: true,
		IMEI: true, MEID: true, UniqueID: true, RKP: true, SAK: true,
	}
)

func TestProbeLocalOnly(t *testing.T) {
	p := NewProber(static(localFeatures), nil)

	flags := p.Probe(Selection{PreferDelegate: true})
	assert.False(t, flags.DelegateAvailable)
	assert.True(t, flags.HasStrongBox)
	assert.False(t, flags.CanUseSAK)
	assert.False(t, flags.CanIncludeUniqueID)
}

func TestProbeDelegateSelected(t *testing.T) {
	p := NewProber(static(localFeatures), static(helperFeatures))

	flags := p.Probe(Selection{PreferDelegate: true})
	assert.True(t, flags.DelegateAvailable)
	assert.True(t, flags.CanUseSAK)
	assert.True(t, flags.HasIMEI)
	assert.True(t, DelegateSelected(true, flags))

	// same sources, local selected: delegate-only features disappear
	flags = p.Probe(Selection{PreferDelegate: false})
	assert.True(t, flags.DelegateAvailable)
	assert.False(t, flags.CanUseSAK)
	assert.False(t, flags.HasIMEI)
	assert.False(t, DelegateSelected(false, flags))
}

func TestProbeSwallowsErrors(t *testing.T) {
	p := NewProber(failing(), failing())
	flags := p.Probe(Selection{PreferDelegate: true})
	assert.Equal(t, Flags{}, flags)

	p = NewProber(static(localFeatures), failing())
	flags = p.Probe(Selection{PreferDelegate: true})
	assert.False(t, flags.DelegateAvailable)
	assert.True(t, flags.HasAttestKey, "falls back to the local provider")
}

func TestFromFeaturesIdentifiersNeedDeviceIDs(t *testing.T) {
	flags := FromFeatures(Features{IMEI: true, MEID: true})
	assert.False(t, flags.HasIMEI)
	assert.False(t, flags.HasMEID)
}

func TestDetectTPMMissingOverride(t *testing.T) {
	_, err := DetectTPM(filepath.Join(t.TempDir(), "tpm-missing"))
	require.ErrorIs(t, err, ErrNoTPM)
	assert.False(t, HasSecurityModule(filepath.Join(t.TempDir(), "tpm-missing")))
}
