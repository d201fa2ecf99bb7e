package keystore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"time"

	"keyattest/internal/attestation"
	"keyattest/internal/capability"
	"keyattest/internal/config"
	"keyattest/internal/logging"
	"keyattest/internal/security"
)

// Versions reported in generated key descriptions (KeyMint 3).
const (
	attestationVersion = 300
	keymintVersion     = 300
)

// packageName is the attesting application recorded in every key.
const packageName = "io.keyattest"

// DeviceInfo is what device ID attestation reports.
type DeviceInfo struct {
	Brand        string
	Device       string
	Product      string
	Manufacturer string
	Model        string
	Serial       string
	IMEI         string
	MEID         string
	OSVersion    int
	PatchLevel   int // YYYYMM
}

// LocalConfig configures a LocalProvider.
type LocalConfig struct {
	// Features the underlying keystore offers.
	Features capability.Features

	// Privileged is set inside the helper. Without it IMEI, MEID, unique
	// ID, RKP and the secure element key are never offered.
	Privileged bool

	Device     DeviceInfo
	Secret     *DeviceSecret
	RKPHost    string
	RKPTimeout time.Duration
	Logger     *slog.Logger
}

type issuer struct {
	cert *x509.Certificate
	key  crypto.Signer
}

// LocalProvider is the in-process software keystore. It keeps a root and
// intermediate CA per process and signs each generated key with them, or
// with an attestation key when one is requested.
type LocalProvider struct {
	mu           sync.Mutex
	cfg          LocalConfig
	secret       *DeviceSecret
	keybox       *Keybox
	root         *issuer
	intermediate *issuer
	attestKeys   map[attestation.SecurityLevel]*issuer

	rkp    func(ctx context.Context, host string) (RKPStatus, error)
	now    func() time.Time
	logger *slog.Logger
}

// NewLocalProvider creates a provider. A nil Secret gets an ephemeral one.
func NewLocalProvider(cfg LocalConfig) (*LocalProvider, error) {
	secret := cfg.Secret
	if secret == nil {
		var err error
		if secret, err = EphemeralDeviceSecret(); err != nil {
			return nil, err
		}
	}
	if cfg.RKPHost == "" {
		cfg.RKPHost = DefaultRKPHost
	}
	if cfg.RKPTimeout <= 0 {
		cfg.RKPTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvider{
		cfg:    cfg,
		secret: secret,
		rkp:    dialRKP(cfg.RKPTimeout),
		now:    time.Now,
		logger: logger.With("provider", "local"),
	}, nil
}

// NewLocalFromConfig builds the provider the CLI and the helper use.
func NewLocalFromConfig(cfg *config.Config, privileged bool, logger *slog.Logger) (*LocalProvider, error) {
	ks := cfg.Keystore

	var (
		secret *DeviceSecret
		err    error
	)
	if ks.SecretPath != "" {
		secret, err = LoadDeviceSecret(ks.SecretPath)
	} else {
		secret, err = EphemeralDeviceSecret()
	}
	if err != nil {
		return nil, err
	}

	module := capability.HasSecurityModule(ks.TPMPath)
	feats := capability.Features{
		SecurityModule: module,
		StrongBox:      ks.StrongBox,
		AttestKey:      ks.AttestKey,
		DeviceIDs:      ks.DeviceIDs,
		IMEI:           ks.DeviceIDs && ks.Device.IMEI != "",
		MEID:           ks.DeviceIDs && ks.Device.MEID != "",
		UniqueID:       true,
		RKP:            true,
		SAK:            module,
	}

	p, err := NewLocalProvider(LocalConfig{
		Features:   feats,
		Privileged: privileged,
		Device: DeviceInfo{
			Brand:        ks.Device.Brand,
			Device:       ks.Device.Device,
			Product:      ks.Device.Product,
			Manufacturer: ks.Device.Manufacturer,
			Model:        ks.Device.Model,
			Serial:       ks.Device.Serial,
			IMEI:         ks.Device.IMEI,
			MEID:         ks.Device.MEID,
			OSVersion:    ks.Device.OSVersion,
			PatchLevel:   ks.Device.PatchLevel,
		},
		Secret:     secret,
		RKPHost:    cfg.RKP.Host,
		RKPTimeout: time.Duration(cfg.RKP.TimeoutSec) * time.Second,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	if ks.KeyboxPath != "" {
		data, err := security.ReadSecureFile(ks.KeyboxPath, maxKeyboxSize)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read keybox: %w", err)
		default:
			kb, err := ParseKeyboxBytes(data)
			if err != nil {
				return nil, err
			}
			if err := p.ImportKeybox(kb); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// Name implements Provider.
func (p *LocalProvider) Name() string { return "local" }

// Features implements capability.Source.
func (p *LocalProvider) Features() (capability.Features, error) {
	f := p.cfg.Features
	if !p.cfg.Privileged {
		f.IMEI = false
		f.MEID = false
		f.UniqueID = false
		f.RKP = false
		f.SAK = false
	}
	return f, nil
}

// ImportKeybox installs kb as the attestation key used when a request
// asks for one.
func (p *LocalProvider) ImportKeybox(kb *Keybox) error {
	if !p.cfg.Features.AttestKey {
		return unsupported("import keybox", "attest key")
	}
	if kb == nil || kb.Signer == nil || len(kb.Chain) == 0 {
		return ErrInvalidKeybox
	}
	p.mu.Lock()
	p.keybox = kb
	p.mu.Unlock()
	p.logger.Info("keybox installed", "device_id", kb.DeviceID, "algorithm", kb.Algorithm)
	return nil
}

// HasKeybox reports whether an imported attestation key is installed.
func (p *LocalProvider) HasKeybox() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keybox != nil
}

// GenerateAndAttest implements Provider.
func (p *LocalProvider) GenerateAndAttest(ctx context.Context, req Request) (Chain, error) {
	const op = "generate"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	feats, _ := p.Features()
	if err := checkRequest(op, feats, req); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Reset {
		p.root, p.intermediate, p.attestKeys = nil, nil, nil
		p.logger.Info("cached keys discarded")
	}
	if err := p.ensureCALocked(); err != nil {
		return nil, generationFailed(op, fmt.Errorf("create CA: %w", err))
	}

	now := p.now().UTC().Truncate(time.Millisecond)
	level := securityLevel(req, feats)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, generationFailed(op, fmt.Errorf("generate key: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	desc, err := p.describe(req, level, now, []int{attestation.PurposeSign, attestation.PurposeVerify})
	if err != nil {
		return nil, generationFailed(op, err)
	}

	signer := p.intermediate
	tail := [][]byte{p.intermediate.cert.Raw, p.root.cert.Raw}
	if req.UseAttestKey {
		if signer, tail, err = p.attestKeyLocked(req, level, now); err != nil {
			return nil, generationFailed(op, err)
		}
	}

	leaf, err := issue(signer, &x509.Certificate{
		Subject:   pkix.Name{CommonName: "Android Keystore Key"},
		NotBefore: now,
		NotAfter:  now.AddDate(10, 0, 0),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}, &leafKey.PublicKey, desc)
	if err != nil {
		return nil, generationFailed(op, err)
	}

	p.logger.Debug("key attested",
		"request_id", logging.RequestIDFromContext(ctx),
		"generation", req.Generation,
		"security_level", level,
		"attest_key", req.UseAttestKey,
		"chain_length", len(tail)+1)
	return append(Chain{leaf.cert.Raw}, tail...), nil
}

func securityLevel(req Request, f capability.Features) attestation.SecurityLevel {
	switch {
	case req.UseStrongBox:
		return attestation.SecurityLevelStrongBox
	case req.UseSAK || f.SecurityModule:
		return attestation.SecurityLevelTrustedEnvironment
	}
	return attestation.SecurityLevelSoftware
}

func (p *LocalProvider) ensureCALocked() error {
	if p.root != nil && p.intermediate != nil {
		return nil
	}
	now := p.now().UTC()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	rootTmpl := &x509.Certificate{
		Subject:               pkix.Name{Organization: []string{"keyattest"}, CommonName: "Software Attestation Root"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(20, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	root, err := issue(&issuer{cert: rootTmpl, key: rootKey}, rootTmpl, &rootKey.PublicKey, nil)
	if err != nil {
		return err
	}
	root.key = rootKey

	midKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	mid, err := issue(root, &x509.Certificate{
		Subject:               pkix.Name{Organization: []string{"keyattest"}, CommonName: "Software Attestation Intermediate"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}, &midKey.PublicKey, nil)
	if err != nil {
		return err
	}
	mid.key = midKey

	p.root, p.intermediate = root, mid
	return nil
}

// attestKeyLocked returns the issuer for attest-key requests and the
// chain that follows the leaf. Generated attest keys are cached per
// security level so their certificate always matches the leaf's level.
func (p *LocalProvider) attestKeyLocked(req Request, level attestation.SecurityLevel, now time.Time) (*issuer, [][]byte, error) {
	if p.keybox != nil {
		cert, err := x509.ParseCertificate(p.keybox.Chain[0])
		if err != nil {
			return nil, nil, fmt.Errorf("keybox certificate: %w", err)
		}
		return &issuer{cert: cert, key: p.keybox.Signer}, p.keybox.Chain, nil
	}

	if ak := p.attestKeys[level]; ak != nil {
		return ak, [][]byte{ak.cert.Raw, p.intermediate.cert.Raw, p.root.cert.Raw}, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate attest key: %w", err)
	}
	desc, err := p.describe(Request{UseStrongBox: req.UseStrongBox, Challenge: []byte{}}, level, now,
		[]int{attestation.PurposeAttestKey})
	if err != nil {
		return nil, nil, err
	}
	ak, err := issue(p.intermediate, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "Android Keystore Attestation Key"},
		NotBefore:             now,
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}, &key.PublicKey, desc)
	if err != nil {
		return nil, nil, err
	}
	ak.key = key
	if p.attestKeys == nil {
		p.attestKeys = make(map[attestation.SecurityLevel]*issuer)
	}
	p.attestKeys[level] = ak
	return ak, [][]byte{ak.cert.Raw, p.intermediate.cert.Raw, p.root.cert.Raw}, nil
}

// describe builds the key description for a key generated per req.
func (p *LocalProvider) describe(req Request, level attestation.SecurityLevel, now time.Time, purposes []int) (*attestation.KeyDescription, error) {
	bootKey, err := p.secret.Derive("verified-boot-key", nil, 32)
	if err != nil {
		return nil, err
	}
	bootHash, err := p.secret.Derive("verified-boot-hash", nil, 32)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256([]byte(packageName))

	curve := attestation.CurveP256
	origin := attestation.OriginGenerated
	props := attestation.AuthorizationList{
		Purposes:       purposes,
		Algorithm:      attestation.AlgorithmEC,
		KeySize:        256,
		Digests:        []int{attestation.DigestSHA256},
		ECCurve:        &curve,
		NoAuthRequired: true,
		Origin:         &origin,
		RootOfTrust: &attestation.RootOfTrust{
			VerifiedBootKey:   bootKey,
			DeviceLocked:      level != attestation.SecurityLevelSoftware,
			VerifiedBootState: attestation.BootVerified,
			VerifiedBootHash:  bootHash,
		},
		OSVersion:               p.cfg.Device.OSVersion,
		OSPatchLevel:            p.cfg.Device.PatchLevel,
		DeviceUniqueAttestation: req.UseSAK,
	}
	if level == attestation.SecurityLevelSoftware {
		props.RootOfTrust.VerifiedBootState = attestation.BootUnverified
	}
	if pl := p.cfg.Device.PatchLevel; pl > 0 {
		props.VendorPatchLevel = pl*100 + 1
		props.BootPatchLevel = pl*100 + 1
	}

	dev := p.cfg.Device
	if req.IncludeProps {
		props.Brand = dev.Brand
		props.Device = dev.Device
		props.Product = dev.Product
		props.Manufacturer = dev.Manufacturer
		props.Model = dev.Model
	}
	if req.IncludeSerial {
		props.Serial = dev.Serial
	}
	if req.IncludeIMEI {
		props.IMEI = dev.IMEI
	}
	if req.IncludeMEID {
		props.MEID = dev.MEID
	}

	sw := attestation.AuthorizationList{
		CreationDateTime: now,
		ApplicationID: &attestation.ApplicationID{
			Packages:         []attestation.PackageInfo{{Name: packageName, Version: 1}},
			SignatureDigests: [][]byte{digest[:]},
		},
	}

	kd := &attestation.KeyDescription{
		AttestationVersion:       attestationVersion,
		AttestationSecurityLevel: level,
		KeymasterVersion:         keymintVersion,
		KeymasterSecurityLevel:   level,
		Challenge:                req.Challenge,
	}
	if req.IncludeUniqueID {
		if kd.UniqueID, err = p.secret.UniqueID(now.UnixMilli(), []byte(packageName), req.Reset); err != nil {
			return nil, err
		}
	}

	if level == attestation.SecurityLevelSoftware {
		props.CreationDateTime = sw.CreationDateTime
		props.ApplicationID = sw.ApplicationID
		kd.SoftwareEnforced = props
	} else {
		kd.SoftwareEnforced = sw
		kd.HardwareEnforced = props
	}
	return kd, nil
}

// issue signs tmpl with parent. A non-nil desc is embedded as the
// attestation extension. The returned issuer has no key set.
func issue(parent *issuer, tmpl *x509.Certificate, pub crypto.PublicKey, desc *attestation.KeyDescription) (*issuer, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	tmpl.SerialNumber = serial
	if desc != nil {
		ext, err := desc.Marshal()
		if err != nil {
			return nil, fmt.Errorf("encode key description: %w", err)
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{Id: attestation.OIDKeyDescription, Value: ext})
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent.cert, pub, parent.key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &issuer{cert: cert}, nil
}

// CheckRKP implements Provider.
func (p *LocalProvider) CheckRKP(ctx context.Context, host string) (RKPStatus, error) {
	feats, _ := p.Features()
	if !feats.RKP {
		return RKPStatus{}, unsupported("check rkp", "remote key provisioning")
	}
	if host == "" {
		host = p.cfg.RKPHost
	}
	if !config.ValidHost(host) {
		return RKPStatus{}, fmt.Errorf("keystore: invalid rkp host %q", host)
	}
	return p.rkp(ctx, host)
}
