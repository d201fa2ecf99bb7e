package attestation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDescription() *KeyDescription {
	curve := CurveP256
	origin := OriginGenerated
	return &KeyDescription{
		AttestationVersion:       200,
		AttestationSecurityLevel: SecurityLevelTrustedEnvironment,
		KeymasterVersion:         200,
		KeymasterSecurityLevel:   SecurityLevelTrustedEnvironment,
		Challenge:                []byte("challenge"),
		UniqueID:                 []byte{1, 2, 3, 4},
		SoftwareEnforced: AuthorizationList{
			CreationDateTime: time.UnixMilli(1700000000123).UTC(),
			ApplicationID: &ApplicationID{
				Packages:         []PackageInfo{{Name: "io.keyattest", Version: 42}},
				SignatureDigests: [][]byte{make([]byte, 32)},
			},
		},
		HardwareEnforced: AuthorizationList{
			Purposes:       []int{PurposeSign, PurposeVerify},
			Algorithm:      AlgorithmEC,
			KeySize:        256,
			Digests:        []int{DigestSHA256},
			ECCurve:        &curve,
			NoAuthRequired: true,
			Origin:         &origin,
			RootOfTrust: &RootOfTrust{
				VerifiedBootKey:   make([]byte, 32),
				DeviceLocked:      true,
				VerifiedBootState: BootVerified,
				VerifiedBootHash:  []byte("0123456789abcdef0123456789abcdef"),
			},
			OSVersion:               140000,
			OSPatchLevel:            202405,
			Brand:                   "google",
			Device:                  "husky",
			Serial:                  "ABC123",
			IMEI:                    "356938035643809",
			VendorPatchLevel:        20240505,
			BootPatchLevel:          20240505,
			DeviceUniqueAttestation: true,
		},
	}
}

func TestKeyDescriptionRoundTrip(t *testing.T) {
	kd := sampleDescription()
	der, err := kd.Marshal()
	require.NoError(t, err)

	got, err := ParseKeyDescription(der)
	require.NoError(t, err)
	assert.Equal(t, kd, got)
}

func TestParseKeyDescriptionSkipsUnknownTags(t *testing.T) {
	kd := sampleDescription()
	der, err := kd.Marshal()
	require.NoError(t, err)

	// Re-encode with an extra high tag between known ones.
	var raw keyDescription
	_, err = asn1.Unmarshal(der, &raw)
	require.NoError(t, err)

	extra, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        600,
		IsCompound: true,
		Bytes:      []byte{0x02, 0x01, 0x05},
	})
	require.NoError(t, err)
	body := append(append([]byte{}, extra...), raw.TeeEnforced.Bytes...)
	seq, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagSequence, IsCompound: true, Bytes: body})
	require.NoError(t, err)
	raw.TeeEnforced = asn1.RawValue{FullBytes: seq}
	der, err = asn1.Marshal(raw)
	require.NoError(t, err)

	got, err := ParseKeyDescription(der)
	require.NoError(t, err)
	assert.Equal(t, []int{600}, got.HardwareEnforced.UnknownTags)
	assert.Equal(t, "husky", got.HardwareEnforced.Device)
	require.NotNil(t, got.HardwareEnforced.RootOfTrust)
	assert.True(t, got.HardwareEnforced.RootOfTrust.DeviceLocked)
}

func TestParseKeyDescriptionErrors(t *testing.T) {
	_, err := ParseKeyDescription([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrBadExtension)

	der, err := sampleDescription().Marshal()
	require.NoError(t, err)
	_, err = ParseKeyDescription(append(der, 0x00))
	assert.ErrorIs(t, err, ErrBadExtension)
}

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func issue(t *testing.T, parent *testCA, cn string, serial int64, exts []pkix.Extension) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  parent == nil || exts == nil,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtraExtensions:       exts,
	}
	signerCert, signerKey := tmpl, key
	if parent != nil {
		signerCert, signerKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, &key.PublicKey, signerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key}
}

func testChain(t *testing.T) [][]byte {
	t.Helper()
	ext, err := sampleDescription().Marshal()
	require.NoError(t, err)
	root := issue(t, nil, "root", 1, nil)
	mid := issue(t, root, "intermediate", 2, nil)
	leaf := issue(t, mid, "leaf", 3, []pkix.Extension{{Id: OIDKeyDescription, Value: ext}})
	return [][]byte{leaf.cert.Raw, mid.cert.Raw, root.cert.Raw}
}

type fakeStatuses map[string]Status

func (f fakeStatuses) Lookup(serial *big.Int) (*Status, bool) {
	st, ok := f[serial.Text(16)]
	if !ok {
		return nil, false
	}
	return &st, true
}

func TestDecodeChain(t *testing.T) {
	chain := testChain(t)
	dec := NewDecoder(fakeStatuses{"2": {Status: "REVOKED", Reason: "KEY_COMPROMISE"}})

	got, err := dec.Decode(chain)
	require.NoError(t, err)
	require.Len(t, got.Records, 3)

	assert.Equal(t, "CN=leaf", got.Records[0].Subject)
	assert.Equal(t, "CN=intermediate", got.Records[0].Issuer)
	for i, rec := range got.Records {
		assert.Equal(t, i, rec.Index)
		assert.True(t, rec.SignatureValid, "record %d", i)
	}
	require.NotNil(t, got.Leaf())
	assert.Equal(t, "husky", got.Leaf().HardwareEnforced.Device)
	assert.Nil(t, got.Records[1].Description)

	require.NotNil(t, got.RootOfTrust)
	assert.Len(t, got.RootOfTrust.VerifiedBootHash, 32)

	require.NotNil(t, got.Records[1].Revocation)
	assert.Equal(t, "REVOKED", got.Records[1].Revocation.Status)
	assert.Nil(t, got.Records[0].Revocation)
}

func TestDecodeDetectsBrokenSignature(t *testing.T) {
	chain := testChain(t)
	other := issue(t, nil, "other", 9, nil)
	chain[1] = other.cert.Raw

	got, err := Decode(chain)
	require.NoError(t, err)
	assert.False(t, got.Records[0].SignatureValid)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyChain)

	_, err = Decode([][]byte{{0x30, 0x00}})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([][]byte{{}})
	assert.ErrorIs(t, err, ErrMalformed)

	root := issue(t, nil, "root", 1, nil)
	_, err = Decode([][]byte{root.cert.Raw})
	assert.ErrorIs(t, err, ErrNoAttestation)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "SIGN", PurposeName(PurposeSign))
	assert.Equal(t, "EC", AlgorithmName(AlgorithmEC))
	assert.Equal(t, "SHA_2_256", DigestName(DigestSHA256))
	assert.Equal(t, "P_256", CurveName(CurveP256))
	assert.Equal(t, "UNKNOWN(99)", OriginName(99))
	assert.Equal(t, "RSA_PSS", PaddingName(3))
	assert.Equal(t, "2024-05", FormatPatchLevel(202405))
	assert.Equal(t, "2024-05-05", FormatPatchLevel(20240505))
	assert.Equal(t, "14.0.0", FormatOSVersion(140000))
	assert.Equal(t, "TrustedEnvironment", SecurityLevelTrustedEnvironment.String())
	assert.Equal(t, "SelfSigned", BootSelfSigned.String())
}
