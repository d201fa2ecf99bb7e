// Package attestation decodes Android key attestation certificate chains.
//
// The attestation record lives in the KeyDescription extension
// (OID 1.3.6.1.4.1.11129.2.1.17) of the leaf certificate.
package attestation

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// OIDKeyDescription identifies the attestation extension.
var OIDKeyDescription = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 1, 17}

// Decoding errors.
var (
	ErrEmptyChain    = errors.New("attestation: empty certificate chain")
	ErrMalformed     = errors.New("attestation: malformed certificate")
	ErrNoAttestation = errors.New("attestation: leaf certificate has no key description")
	ErrBadExtension  = errors.New("attestation: malformed key description")
)

// SecurityLevel is where a key lives.
type SecurityLevel int

const (
	SecurityLevelSoftware           SecurityLevel = 0
	SecurityLevelTrustedEnvironment SecurityLevel = 1
	SecurityLevelStrongBox          SecurityLevel = 2
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityLevelSoftware:
		return "Software"
	case SecurityLevelTrustedEnvironment:
		return "TrustedEnvironment"
	case SecurityLevelStrongBox:
		return "StrongBox"
	}
	return fmt.Sprintf("SecurityLevel(%d)", int(l))
}

// VerifiedBootState is the boot verification outcome.
type VerifiedBootState int

const (
	BootVerified   VerifiedBootState = 0
	BootSelfSigned VerifiedBootState = 1
	BootUnverified VerifiedBootState = 2
	BootFailed     VerifiedBootState = 3
)

func (s VerifiedBootState) String() string {
	switch s {
	case BootVerified:
		return "Verified"
	case BootSelfSigned:
		return "SelfSigned"
	case BootUnverified:
		return "Unverified"
	case BootFailed:
		return "Failed"
	}
	return fmt.Sprintf("VerifiedBootState(%d)", int(s))
}

// RootOfTrust describes the boot chain of the attesting device.
type RootOfTrust struct {
	VerifiedBootKey   []byte            `json:"verified_boot_key"`
	DeviceLocked      bool              `json:"device_locked"`
	VerifiedBootState VerifiedBootState `json:"verified_boot_state"`
	VerifiedBootHash  []byte            `json:"verified_boot_hash,omitempty"`
}

// PackageInfo names one package of the attesting application.
type PackageInfo struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

// ApplicationID identifies the application that requested the key.
type ApplicationID struct {
	Packages         []PackageInfo `json:"packages"`
	SignatureDigests [][]byte      `json:"signature_digests"`
}

// AuthorizationList holds the key properties enforced at one security
// level. Zero values mean the tag was absent, except Origin which is a
// pointer because 0 is a meaningful origin.
type AuthorizationList struct {
	Purposes                []int          `json:"purposes,omitempty"`
	Algorithm               int            `json:"algorithm,omitempty"`
	KeySize                 int            `json:"key_size,omitempty"`
	Digests                 []int          `json:"digests,omitempty"`
	Paddings                []int          `json:"paddings,omitempty"`
	ECCurve                 *int           `json:"ec_curve,omitempty"`
	RSAPublicExponent       int64          `json:"rsa_public_exponent,omitempty"`
	NoAuthRequired          bool           `json:"no_auth_required,omitempty"`
	CreationDateTime        time.Time      `json:"creation_date_time,omitempty"`
	Origin                  *int           `json:"origin,omitempty"`
	RootOfTrust             *RootOfTrust   `json:"root_of_trust,omitempty"`
	OSVersion               int            `json:"os_version,omitempty"`
	OSPatchLevel            int            `json:"os_patch_level,omitempty"`
	ApplicationID           *ApplicationID `json:"attestation_application_id,omitempty"`
	Brand                   string         `json:"brand,omitempty"`
	Device                  string         `json:"device,omitempty"`
	Product                 string         `json:"product,omitempty"`
	Serial                  string         `json:"serial,omitempty"`
	IMEI                    string         `json:"imei,omitempty"`
	MEID                    string         `json:"meid,omitempty"`
	Manufacturer            string         `json:"manufacturer,omitempty"`
	Model                   string         `json:"model,omitempty"`
	VendorPatchLevel        int            `json:"vendor_patch_level,omitempty"`
	BootPatchLevel          int            `json:"boot_patch_level,omitempty"`
	DeviceUniqueAttestation bool           `json:"device_unique_attestation,omitempty"`

	// UnknownTags lists tags present but not modelled, in encounter order.
	UnknownTags []int `json:"unknown_tags,omitempty"`
}

// KeyDescription is the decoded attestation extension.
type KeyDescription struct {
	AttestationVersion       int               `json:"attestation_version"`
	AttestationSecurityLevel SecurityLevel     `json:"attestation_security_level"`
	KeymasterVersion         int               `json:"keymaster_version"`
	KeymasterSecurityLevel   SecurityLevel     `json:"keymaster_security_level"`
	Challenge                []byte            `json:"attestation_challenge"`
	UniqueID                 []byte            `json:"unique_id,omitempty"`
	SoftwareEnforced         AuthorizationList `json:"software_enforced"`
	HardwareEnforced         AuthorizationList `json:"hardware_enforced"`
}

// RootOfTrust returns the hardware enforced root of trust, falling back to
// the software list for software-only keystores.
func (kd *KeyDescription) RootOfTrust() *RootOfTrust {
	if kd.HardwareEnforced.RootOfTrust != nil {
		return kd.HardwareEnforced.RootOfTrust
	}
	return kd.SoftwareEnforced.RootOfTrust
}

// Status is a revocation list entry attached to a certificate.
type Status struct {
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Record is the inspectable view of one certificate in the chain.
type Record struct {
	Index              int             `json:"index"`
	Subject            string          `json:"subject"`
	Issuer             string          `json:"issuer"`
	SerialNumber       *big.Int        `json:"serial_number"`
	NotBefore          time.Time       `json:"not_before"`
	NotAfter           time.Time       `json:"not_after"`
	PublicKeyAlgorithm string          `json:"public_key_algorithm"`
	SignatureValid     bool            `json:"signature_valid"`
	Description        *KeyDescription `json:"key_description,omitempty"`
	Revocation         *Status         `json:"revocation,omitempty"`
}

// Decoded is the result of decoding a whole chain, leaf first.
type Decoded struct {
	RootOfTrust *RootOfTrust `json:"root_of_trust"`
	Records     []Record     `json:"records"`
}

// Leaf returns the key description of the leaf certificate.
func (d *Decoded) Leaf() *KeyDescription {
	if d == nil || len(d.Records) == 0 {
		return nil
	}
	return d.Records[0].Description
}
