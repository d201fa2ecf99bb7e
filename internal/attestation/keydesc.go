package attestation

import (
	"bytes"
	"encoding/asn1"
	"fmt"
	"sort"
	"time"
)

// Authorization list tags.
const (
	tagPurpose                 = 1
	tagAlgorithm               = 2
	tagKeySize                 = 3
	tagDigest                  = 5
	tagPadding                 = 6
	tagECCurve                 = 10
	tagRSAPublicExponent       = 200
	tagNoAuthRequired          = 503
	tagCreationDateTime        = 701
	tagOrigin                  = 702
	tagRootOfTrust             = 704
	tagOSVersion               = 705
	tagOSPatchLevel            = 706
	tagApplicationID           = 709
	tagBrand                   = 710
	tagDevice                  = 711
	tagProduct                 = 712
	tagSerial                  = 713
	tagIMEI                    = 714
	tagMEID                    = 715
	tagManufacturer            = 716
	tagModel                   = 717
	tagVendorPatchLevel        = 718
	tagBootPatchLevel          = 719
	tagDeviceUniqueAttestation = 720
)

type keyDescription struct {
	AttestationVersion       int64
	AttestationSecurityLevel asn1.Enumerated
	KeymasterVersion         int64
	KeymasterSecurityLevel   asn1.Enumerated
	AttestationChallenge     []byte
	UniqueID                 []byte
	SoftwareEnforced         asn1.RawValue
	TeeEnforced              asn1.RawValue
}

type rootOfTrust struct {
	VerifiedBootKey   []byte
	DeviceLocked      bool
	VerifiedBootState asn1.Enumerated
	VerifiedBootHash  []byte `asn1:"optional"`
}

type packageInfo struct {
	Name    []byte
	Version int64
}

type applicationID struct {
	Packages []packageInfo `asn1:"set"`
	Digests  [][]byte      `asn1:"set"`
}

// ParseKeyDescription decodes the DER value of the attestation extension.
func ParseKeyDescription(der []byte) (*KeyDescription, error) {
	var raw keyDescription
	rest, err := asn1.Unmarshal(der, &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadExtension, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data", ErrBadExtension)
	}

	kd := &KeyDescription{
		AttestationVersion:       int(raw.AttestationVersion),
		AttestationSecurityLevel: SecurityLevel(raw.AttestationSecurityLevel),
		KeymasterVersion:         int(raw.KeymasterVersion),
		KeymasterSecurityLevel:   SecurityLevel(raw.KeymasterSecurityLevel),
		Challenge:                raw.AttestationChallenge,
		UniqueID:                 raw.UniqueID,
	}
	if kd.SoftwareEnforced, err = parseAuthorizationList(raw.SoftwareEnforced); err != nil {
		return nil, fmt.Errorf("software enforced: %w", err)
	}
	if kd.HardwareEnforced, err = parseAuthorizationList(raw.TeeEnforced); err != nil {
		return nil, fmt.Errorf("hardware enforced: %w", err)
	}
	return kd, nil
}

// parseAuthorizationList walks the SEQUENCE element by element so that
// tags we do not model are skipped instead of derailing the rest.
func parseAuthorizationList(seq asn1.RawValue) (AuthorizationList, error) {
	var al AuthorizationList
	if seq.Class != asn1.ClassUniversal || seq.Tag != asn1.TagSequence {
		return al, fmt.Errorf("%w: authorization list is not a sequence", ErrBadExtension)
	}

	rest := seq.Bytes
	for len(rest) > 0 {
		var elem asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &elem)
		if err != nil {
			return al, fmt.Errorf("%w: %v", ErrBadExtension, err)
		}
		if elem.Class != asn1.ClassContextSpecific {
			return al, fmt.Errorf("%w: unexpected class %d", ErrBadExtension, elem.Class)
		}
		if err := al.set(elem.Tag, elem.Bytes); err != nil {
			return al, fmt.Errorf("%w: tag %d: %v", ErrBadExtension, elem.Tag, err)
		}
	}
	return al, nil
}

func (al *AuthorizationList) set(tag int, inner []byte) error {
	unmarshal := func(v any, params string) error {
		rest, err := asn1.UnmarshalWithParams(inner, v, params)
		if err != nil {
			return err
		}
		if len(rest) > 0 {
			return fmt.Errorf("trailing data")
		}
		return nil
	}
	intValue := func(dst *int) error {
		var v int64
		if err := unmarshal(&v, ""); err != nil {
			return err
		}
		*dst = int(v)
		return nil
	}
	stringValue := func(dst *string) error {
		var b []byte
		if err := unmarshal(&b, ""); err != nil {
			return err
		}
		*dst = string(b)
		return nil
	}

	switch tag {
	case tagPurpose:
		return unmarshal(&al.Purposes, "set")
	case tagAlgorithm:
		return intValue(&al.Algorithm)
	case tagKeySize:
		return intValue(&al.KeySize)
	case tagDigest:
		return unmarshal(&al.Digests, "set")
	case tagPadding:
		return unmarshal(&al.Paddings, "set")
	case tagECCurve:
		var v int
		if err := intValue(&v); err != nil {
			return err
		}
		al.ECCurve = &v
	case tagRSAPublicExponent:
		return unmarshal(&al.RSAPublicExponent, "")
	case tagNoAuthRequired:
		al.NoAuthRequired = true
	case tagCreationDateTime:
		var ms int64
		if err := unmarshal(&ms, ""); err != nil {
			return err
		}
		al.CreationDateTime = time.UnixMilli(ms).UTC()
	case tagOrigin:
		var v int
		if err := intValue(&v); err != nil {
			return err
		}
		al.Origin = &v
	case tagRootOfTrust:
		var rot rootOfTrust
		if err := unmarshal(&rot, ""); err != nil {
			return err
		}
		al.RootOfTrust = &RootOfTrust{
			VerifiedBootKey:   rot.VerifiedBootKey,
			DeviceLocked:      rot.DeviceLocked,
			VerifiedBootState: VerifiedBootState(rot.VerifiedBootState),
			VerifiedBootHash:  rot.VerifiedBootHash,
		}
	case tagOSVersion:
		return intValue(&al.OSVersion)
	case tagOSPatchLevel:
		return intValue(&al.OSPatchLevel)
	case tagApplicationID:
		var wrapped []byte
		if err := unmarshal(&wrapped, ""); err != nil {
			return err
		}
		var aid applicationID
		if _, err := asn1.Unmarshal(wrapped, &aid); err != nil {
			return err
		}
		out := &ApplicationID{SignatureDigests: aid.Digests}
		for _, p := range aid.Packages {
			out.Packages = append(out.Packages, PackageInfo{Name: string(p.Name), Version: p.Version})
		}
		al.ApplicationID = out
	case tagBrand:
		return stringValue(&al.Brand)
	case tagDevice:
		return stringValue(&al.Device)
	case tagProduct:
		return stringValue(&al.Product)
	case tagSerial:
		return stringValue(&al.Serial)
	case tagIMEI:
		return stringValue(&al.IMEI)
	case tagMEID:
		return stringValue(&al.MEID)
	case tagManufacturer:
		return stringValue(&al.Manufacturer)
	case tagModel:
		return stringValue(&al.Model)
	case tagVendorPatchLevel:
		return intValue(&al.VendorPatchLevel)
	case tagBootPatchLevel:
		return intValue(&al.BootPatchLevel)
	case tagDeviceUniqueAttestation:
		al.DeviceUniqueAttestation = true
	default:
		al.UnknownTags = append(al.UnknownTags, tag)
	}
	return nil
}

// Marshal encodes kd as the DER value of the attestation extension.
func (kd *KeyDescription) Marshal() ([]byte, error) {
	sw, err := kd.SoftwareEnforced.marshal()
	if err != nil {
		return nil, fmt.Errorf("software enforced: %w", err)
	}
	hw, err := kd.HardwareEnforced.marshal()
	if err != nil {
		return nil, fmt.Errorf("hardware enforced: %w", err)
	}
	challenge := kd.Challenge
	if challenge == nil {
		challenge = []byte{}
	}
	uniqueID := kd.UniqueID
	if uniqueID == nil {
		uniqueID = []byte{}
	}
	return asn1.Marshal(keyDescription{
		AttestationVersion:       int64(kd.AttestationVersion),
		AttestationSecurityLevel: asn1.Enumerated(kd.AttestationSecurityLevel),
		KeymasterVersion:         int64(kd.KeymasterVersion),
		KeymasterSecurityLevel:   asn1.Enumerated(kd.KeymasterSecurityLevel),
		AttestationChallenge:     challenge,
		UniqueID:                 uniqueID,
		SoftwareEnforced:         asn1.RawValue{FullBytes: sw},
		TeeEnforced:              asn1.RawValue{FullBytes: hw},
	})
}

var asn1Null = asn1.RawValue{Tag: asn1.TagNull}

// marshal emits tags in ascending order as DER requires.
func (al *AuthorizationList) marshal() ([]byte, error) {
	type field struct {
		tag    int
		value  any
		params string
	}
	var fields []field
	add := func(tag int, v any, params string) { fields = append(fields, field{tag, v, params}) }

	if len(al.Purposes) > 0 {
		add(tagPurpose, al.Purposes, "set")
	}
	if al.Algorithm != 0 {
		add(tagAlgorithm, al.Algorithm, "")
	}
	if al.KeySize != 0 {
		add(tagKeySize, al.KeySize, "")
	}
	if len(al.Digests) > 0 {
		add(tagDigest, al.Digests, "set")
	}
	if len(al.Paddings) > 0 {
		add(tagPadding, al.Paddings, "set")
	}
	if al.ECCurve != nil {
		add(tagECCurve, *al.ECCurve, "")
	}
	if al.RSAPublicExponent != 0 {
		add(tagRSAPublicExponent, al.RSAPublicExponent, "")
	}
	if al.NoAuthRequired {
		add(tagNoAuthRequired, asn1Null, "")
	}
	if !al.CreationDateTime.IsZero() {
		add(tagCreationDateTime, al.CreationDateTime.UnixMilli(), "")
	}
	if al.Origin != nil {
		add(tagOrigin, *al.Origin, "")
	}
	if rot := al.RootOfTrust; rot != nil {
		add(tagRootOfTrust, rootOfTrust{
			VerifiedBootKey:   nonNil(rot.VerifiedBootKey),
			DeviceLocked:      rot.DeviceLocked,
			VerifiedBootState: asn1.Enumerated(rot.VerifiedBootState),
			VerifiedBootHash:  rot.VerifiedBootHash,
		}, "")
	}
	if al.OSVersion != 0 {
		add(tagOSVersion, al.OSVersion, "")
	}
	if al.OSPatchLevel != 0 {
		add(tagOSPatchLevel, al.OSPatchLevel, "")
	}
	if aid := al.ApplicationID; aid != nil {
		inner := applicationID{Digests: aid.SignatureDigests}
		if inner.Digests == nil {
			inner.Digests = [][]byte{}
		}
		inner.Packages = []packageInfo{}
		for _, p := range aid.Packages {
			inner.Packages = append(inner.Packages, packageInfo{Name: []byte(p.Name), Version: p.Version})
		}
		der, err := asn1.Marshal(inner)
		if err != nil {
			return nil, fmt.Errorf("application id: %w", err)
		}
		add(tagApplicationID, der, "")
	}
	for _, s := range []struct {
		tag int
		v   string
	}{
		{tagBrand, al.Brand}, {tagDevice, al.Device}, {tagProduct, al.Product},
		{tagSerial, al.Serial}, {tagIMEI, al.IMEI}, {tagMEID, al.MEID},
		{tagManufacturer, al.Manufacturer}, {tagModel, al.Model},
	} {
		if s.v != "" {
			add(s.tag, []byte(s.v), "")
		}
	}
	if al.VendorPatchLevel != 0 {
		add(tagVendorPatchLevel, al.VendorPatchLevel, "")
	}
	if al.BootPatchLevel != 0 {
		add(tagBootPatchLevel, al.BootPatchLevel, "")
	}
	if al.DeviceUniqueAttestation {
		add(tagDeviceUniqueAttestation, asn1Null, "")
	}

	sort.SliceStable(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	var body bytes.Buffer
	for _, f := range fields {
		inner, err := asn1.MarshalWithParams(f.value, f.params)
		if err != nil {
			return nil, fmt.Errorf("tag %d: %w", f.tag, err)
		}
		wrapped, err := asn1.Marshal(asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        f.tag,
			IsCompound: true,
			Bytes:      inner,
		})
		if err != nil {
			return nil, fmt.Errorf("tag %d: %w", f.tag, err)
		}
		body.Write(wrapped)
	}
	return asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSequence,
		IsCompound: true,
		Bytes:      body.Bytes(),
	})
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
