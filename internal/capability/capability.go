// Package capability computes the capability flags that gate which
// attestation options can be offered for the selected key provider.
package capability

// Flags is the capability snapshot for the selected provider. A flag is
// true only if that provider actually supports the feature.
type Flags struct {
	HasSecurityModule  bool `json:"has_security_module"`
	HasStrongBox       bool `json:"has_strongbox"`
	HasAttestKey       bool `json:"has_attest_key"`
	HasDeviceIDs       bool `json:"has_device_ids"`
	HasIMEI            bool `json:"has_imei"`
	HasMEID            bool `json:"has_meid"`
	CanIncludeUniqueID bool `json:"can_include_unique_id"`
	CanCheckRKP        bool `json:"can_check_rkp"`
	CanUseSAK          bool `json:"can_use_sak"`
	DelegateAvailable  bool `json:"delegate_available"`
}

// Features is what a single provider reports about itself.
type Features struct {
	SecurityModule bool `json:"security_module"`
	StrongBox      bool `json:"strongbox"`
	AttestKey      bool `json:"attest_key"`
	DeviceIDs      bool `json:"device_ids"`
	IMEI           bool `json:"imei"`
	MEID           bool `json:"meid"`
	UniqueID       bool `json:"unique_id"`
	RKP            bool `json:"rkp"`
	SAK            bool `json:"sak"`
}

// Source reports provider or device metadata. Any error is read as
// "feature absent".
type Source interface {
	Features() (Features, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (Features, error)

// Features implements Source.
func (f SourceFunc) Features() (Features, error) { return f() }

// Selection is the provider choice the probe evaluates.
type Selection struct {
	PreferDelegate bool
}

// Prober queries the local and (optional) delegate sources.
type Prober struct {
	local    Source
	delegate Source
}

// NewProber returns a prober. delegate may be nil when no helper is configured.
func NewProber(local, delegate Source) *Prober {
	return &Prober{local: local, delegate: delegate}
}

// Probe returns the flags for the provider sel resolves to. It never fails:
// an unreachable delegate makes DelegateAvailable false and the local
// provider is probed instead.
func (p *Prober) Probe(sel Selection) Flags {
	var (
		delegateFeatures Features
		delegateUp       bool
	)
	if p.delegate != nil {
		if f, err := p.delegate.Features(); err == nil {
			delegateFeatures, delegateUp = f, true
		}
	}

	var feats Features
	if sel.PreferDelegate && delegateUp {
		feats = delegateFeatures
	} else if p.local != nil {
		if f, err := p.local.Features(); err == nil {
			feats = f
		}
	}

	flags := FromFeatures(feats)
	flags.DelegateAvailable = delegateUp
	return flags
}

// FromFeatures maps provider features onto flags. Identifier flags depend
// on device ID support.
func FromFeatures(f Features) Flags {
	return Flags{
		HasSecurityModule:  f.SecurityModule,
		HasStrongBox:       f.StrongBox,
		HasAttestKey:       f.AttestKey,
		HasDeviceIDs:       f.DeviceIDs,
		HasIMEI:            f.DeviceIDs && f.IMEI,
		HasMEID:            f.DeviceIDs && f.MEID,
		CanIncludeUniqueID: f.UniqueID,
		CanCheckRKP:        f.RKP,
		CanUseSAK:          f.SAK,
	}
}

// DelegateSelected reports whether a request under these flags goes to the delegate.
func DelegateSelected(preferDelegate bool, flags Flags) bool {
	return preferDelegate && flags.DelegateAvailable
}
