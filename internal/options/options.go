// Package options holds the user-selectable attestation preferences and
// the capability rules deciding which of them may be shown or changed.
package options

import (
	"fmt"
	"strings"

	"keyattest/internal/capability"
	"keyattest/internal/keystore"
)

// IDType selects which device identifier is attested. At most one is active.
type IDType int

const (
	IDNone IDType = iota
	IDSerial
	IDIMEI
	IDMEID
)

var idTypeNames = map[IDType]string{
	IDNone:   "none",
	IDSerial: "serial",
	IDIMEI:   "imei",
	IDMEID:   "meid",
}

func (t IDType) String() string {
	if s, ok := idTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("IDType(%d)", int(t))
}

// ParseIDType accepts the names printed by String.
func ParseIDType(s string) (IDType, error) {
	for t, name := range idTypeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return IDNone, fmt.Errorf("unknown id type %q", s)
}

// Option identifies a toggle or action offered to the user.
type Option int

const (
	PreferDelegate Option = iota
	PreferSAK
	PreferStrongBox
	PreferAttestKey
	IncludeDeviceProps
	IDTypeSerial
	IDTypeIMEI
	IDTypeMEID
	IncludeUniqueID
	SecretMode

	// Actions: visible or not, never Set.
	CheckRKP
	ImportKeybox
)

var optionNames = [...]string{
	PreferDelegate:     "delegate",
	PreferSAK:          "sak",
	PreferStrongBox:    "strongbox",
	PreferAttestKey:    "attest-key",
	IncludeDeviceProps: "include-props",
	IDTypeSerial:       "id-serial",
	IDTypeIMEI:         "id-imei",
	IDTypeMEID:         "id-meid",
	IncludeUniqueID:    "unique-id",
	SecretMode:         "secret-mode",
	CheckRKP:           "rkp",
	ImportKeybox:       "import-keybox",
}

func (o Option) String() string {
	if o >= 0 && int(o) < len(optionNames) {
		return optionNames[o]
	}
	return fmt.Sprintf("Option(%d)", int(o))
}

// IsAction reports whether o is a one-shot action rather than a toggle.
func (o Option) IsAction() bool {
	return o == CheckRKP || o == ImportKeybox
}

// ParseOption maps a name printed by String back to its Option.
func ParseOption(name string) (Option, error) {
	for i, n := range optionNames {
		if strings.EqualFold(name, n) {
			return Option(i), nil
		}
	}
	return 0, fmt.Errorf("unknown option %q", name)
}

// All lists every option in display order.
func All() []Option {
	out := make([]Option, len(optionNames))
	for i := range optionNames {
		out[i] = Option(i)
	}
	return out
}

// State is the set of preferences. The zero value has everything off.
type State struct {
	PreferDelegate     bool
	PreferSAK          bool
	PreferStrongBox    bool
	PreferAttestKey    bool
	IncludeDeviceProps bool
	IDType             IDType
	IncludeUniqueID    bool
	SecretMode         bool
}

// Get returns the current value of a toggle. Actions report false.
func (s State) Get(opt Option) bool {
	switch opt {
	case PreferDelegate:
		return s.PreferDelegate
	case PreferSAK:
		return s.PreferSAK
	case PreferStrongBox:
		return s.PreferStrongBox
	case PreferAttestKey:
		return s.PreferAttestKey
	case IncludeDeviceProps:
		return s.IncludeDeviceProps
	case IDTypeSerial:
		return s.IDType == IDSerial
	case IDTypeIMEI:
		return s.IDType == IDIMEI
	case IDTypeMEID:
		return s.IDType == IDMEID
	case IncludeUniqueID:
		return s.IncludeUniqueID
	case SecretMode:
		return s.SecretMode
	}
	return false
}

// Allowed reports whether opt is legal under flags given the rest of s.
func Allowed(opt Option, flags capability.Flags, s State) bool {
	delegate := capability.DelegateSelected(s.PreferDelegate, flags)
	switch opt {
	case PreferDelegate:
		return flags.DelegateAvailable
	case SecretMode:
		return true
	case PreferSAK:
		return delegate && flags.CanUseSAK
	case PreferStrongBox:
		return !s.PreferSAK && flags.HasStrongBox
	case PreferAttestKey:
		return !s.PreferSAK && flags.HasAttestKey
	case ImportKeybox:
		return !s.PreferSAK && s.PreferAttestKey && flags.HasAttestKey
	case IncludeDeviceProps:
		return flags.HasDeviceIDs
	case IDTypeSerial:
		return delegate && flags.HasDeviceIDs
	case IDTypeIMEI:
		return delegate && flags.HasDeviceIDs && flags.HasIMEI
	case IDTypeMEID:
		return delegate && flags.HasDeviceIDs && flags.HasMEID
	case IncludeUniqueID:
		return delegate && flags.CanIncludeUniqueID
	case CheckRKP:
		return delegate && flags.CanCheckRKP
	}
	return false
}

// VisibleOptions returns the options that may be offered. It depends only
// on flags and the provider related preferences in s, never on results.
func VisibleOptions(flags capability.Flags, s State) []Option {
	var out []Option
	for _, opt := range All() {
		if Allowed(opt, flags, s) {
			out = append(out, opt)
		}
	}
	return out
}

// Set changes a toggle. Turning a toggle off is always accepted; turning
// it on is a no-op returning false unless the option is allowed. Selecting
// an ID type replaces any other.
func (s *State) Set(opt Option, on bool, flags capability.Flags) bool {
	if opt.IsAction() || int(opt) < 0 || int(opt) >= len(optionNames) {
		return false
	}
	if on && !Allowed(opt, flags, *s) {
		return false
	}
	switch opt {
	case PreferDelegate:
		s.PreferDelegate = on
	case PreferSAK:
		s.PreferSAK = on
	case PreferStrongBox:
		s.PreferStrongBox = on
	case PreferAttestKey:
		s.PreferAttestKey = on
	case IncludeDeviceProps:
		s.IncludeDeviceProps = on
	case IDTypeSerial:
		s.setID(IDSerial, on)
	case IDTypeIMEI:
		s.setID(IDIMEI, on)
	case IDTypeMEID:
		s.setID(IDMEID, on)
	case IncludeUniqueID:
		s.IncludeUniqueID = on
	case SecretMode:
		s.SecretMode = on
	}
	return true
}

func (s *State) setID(t IDType, on bool) {
	switch {
	case on:
		s.IDType = t
	case s.IDType == t:
		s.IDType = IDNone
	}
}

// SetIDType selects an ID type directly. IDNone is always accepted.
func (s *State) SetIDType(t IDType, flags capability.Flags) bool {
	switch t {
	case IDNone:
		s.IDType = IDNone
		return true
	case IDSerial:
		return s.Set(IDTypeSerial, true, flags)
	case IDIMEI:
		return s.Set(IDTypeIMEI, true, flags)
	case IDMEID:
		return s.Set(IDTypeMEID, true, flags)
	}
	return false
}

// Clamp returns a copy with every option that flags do not allow forced
// off. Options are cleared in dependency order, so turning SAK off first
// lets StrongBox and attest-key be judged against the clamped state.
func (s State) Clamp(flags capability.Flags) State {
	c := s
	if c.PreferDelegate && !Allowed(PreferDelegate, flags, c) {
		c.PreferDelegate = false
	}
	for _, opt := range []Option{
		PreferSAK, PreferStrongBox, PreferAttestKey, IncludeDeviceProps,
		IDTypeSerial, IDTypeIMEI, IDTypeMEID, IncludeUniqueID,
	} {
		if c.Get(opt) && !Allowed(opt, flags, c) {
			c.Set(opt, false, flags)
		}
	}
	return c
}

// Request clamps s against flags and snapshots it into a provider request.
// Challenge, generation and reset are filled in by the caller.
func (s State) Request(flags capability.Flags) keystore.Request {
	c := s.Clamp(flags)
	return keystore.Request{
		UseSAK:          c.PreferSAK,
		UseStrongBox:    c.PreferStrongBox && !c.PreferSAK,
		UseAttestKey:    c.PreferAttestKey && !c.PreferSAK,
		IncludeProps:    c.IncludeDeviceProps,
		IncludeSerial:   c.IDType == IDSerial,
		IncludeIMEI:     c.IDType == IDIMEI,
		IncludeMEID:     c.IDType == IDMEID,
		IncludeUniqueID: c.IncludeUniqueID,
	}
}
