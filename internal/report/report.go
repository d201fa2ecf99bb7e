// Package report renders attestation sessions for terminals and scripts.
package report

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"keyattest/internal/attestation"
	"keyattest/internal/session"
)

// Hidden replaces masked values in secret mode.
const Hidden = "[hidden]"

const width = 72

// Options controls rendering.
type Options struct {
	// Secret masks device identifiers, the unique ID and the verified boot key.
	Secret bool

	// All prints every record in detail instead of the selected one.
	All bool
}

type printer struct {
	w    io.Writer
	opts Options
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) field(label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(p.w, "%-22s%s\n", label+":", value)
}

func (p *printer) section(title string) {
	fmt.Fprintln(p.w, strings.Repeat("-", width))
	fmt.Fprintln(p.w, title)
	fmt.Fprintln(p.w, strings.Repeat("-", width))
}

func (p *printer) ident(s string) string {
	if p.opts.Secret && s != "" {
		return Hidden
	}
	return s
}

func (p *printer) secretHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if p.opts.Secret {
		return Hidden
	}
	return hex.EncodeToString(b)
}

// PrintSnapshot writes a human-readable view of snap to w.
func PrintSnapshot(w io.Writer, snap *session.Snapshot, opts Options) {
	p := &printer{w: w, opts: opts}
	if snap == nil || snap.Result == nil {
		p.line("No attestation requested yet")
		return
	}

	switch r := snap.Result.(type) {
	case *session.Loading:
		p.line("Loading: generation %d via %s", r.Generation, r.Provider)
	case *session.Failure:
		p.line("Attestation failed: %s", r.Kind)
		p.field("Generation", fmt.Sprint(r.Generation))
		p.field("Provider", r.Provider)
		p.field("Detail", r.Detail)
	case *session.Success:
		p.success(r, snap.Cursor)
	}
}

func (p *printer) success(r *session.Success, cursor int) {
	fmt.Fprintln(p.w, strings.Repeat("=", width))
	fmt.Fprintln(p.w, "                           KEY ATTESTATION")
	fmt.Fprintln(p.w, strings.Repeat("=", width))
	fmt.Fprintln(p.w)

	p.field("Generation", fmt.Sprint(r.Generation))
	p.field("Provider", r.Provider)
	if r.Elapsed > 0 {
		p.field("Elapsed", r.Elapsed.Round(time.Millisecond).String())
	}
	if r.Decoded == nil {
		return
	}
	p.field("Certificates", fmt.Sprint(len(r.Decoded.Records)))
	if rot := r.Decoded.RootOfTrust; rot != nil {
		p.rootOfTrust(rot, "")
	}
	fmt.Fprintln(p.w)

	p.section("CERTIFICATES")
	for i, rec := range r.Decoded.Records {
		marker := " "
		if i == cursor {
			marker = ">"
		}
		p.line("%s %d. %s%s", marker, i, rec.Subject, recordFlags(&rec))
	}
	fmt.Fprintln(p.w)

	for i := range r.Decoded.Records {
		if !p.opts.All && i != cursor {
			continue
		}
		p.section(fmt.Sprintf("CERTIFICATE %d", i))
		p.record(&r.Decoded.Records[i])
		fmt.Fprintln(p.w)
	}
}

func recordFlags(rec *attestation.Record) string {
	var flags []string
	if rec.Description != nil {
		flags = append(flags, rec.Description.AttestationSecurityLevel.String())
	}
	if !rec.SignatureValid {
		flags = append(flags, "BAD SIGNATURE")
	}
	if rec.Revocation != nil {
		flags = append(flags, rec.Revocation.Status)
	}
	if len(flags) == 0 {
		return ""
	}
	return "  [" + strings.Join(flags, ", ") + "]"
}

// PrintRecord writes one certificate record to w.
func PrintRecord(w io.Writer, rec *attestation.Record, opts Options) {
	p := &printer{w: w, opts: opts}
	p.record(rec)
}

func (p *printer) record(rec *attestation.Record) {
	p.field("Subject", rec.Subject)
	p.field("Issuer", rec.Issuer)
	if rec.SerialNumber != nil {
		p.field("Serial Number", rec.SerialNumber.Text(16))
	}
	p.field("Not Before", rec.NotBefore.UTC().Format(time.RFC3339))
	p.field("Not After", rec.NotAfter.UTC().Format(time.RFC3339))
	p.field("Public Key", rec.PublicKeyAlgorithm)
	if rec.SignatureValid {
		p.field("Signature", "valid")
	} else {
		p.field("Signature", "INVALID")
	}
	if st := rec.Revocation; st != nil {
		status := st.Status
		if st.Reason != "" {
			status += " (" + st.Reason + ")"
		}
		p.field("Revocation", status)
		p.field("Comment", st.Comment)
	}

	kd := rec.Description
	if kd == nil {
		return
	}
	fmt.Fprintln(p.w)
	p.field("Attestation Version", fmt.Sprint(kd.AttestationVersion))
	p.field("Attestation Level", kd.AttestationSecurityLevel.String())
	p.field("KeyMint Version", fmt.Sprint(kd.KeymasterVersion))
	p.field("KeyMint Level", kd.KeymasterSecurityLevel.String())
	p.field("Challenge", hex.EncodeToString(kd.Challenge))
	p.field("Unique ID", p.secretHex(kd.UniqueID))

	fmt.Fprintln(p.w)
	p.line("Hardware enforced:")
	p.authorizations(&kd.HardwareEnforced)
	fmt.Fprintln(p.w)
	p.line("Software enforced:")
	p.authorizations(&kd.SoftwareEnforced)
}

func names(vs []int, fn func(int) string) string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = fn(v)
	}
	return strings.Join(out, ", ")
}

func (p *printer) authorizations(al *attestation.AuthorizationList) {
	const indent = "  "
	f := func(label, value string) { p.field(indent+label, value) }

	f("Purposes", names(al.Purposes, attestation.PurposeName))
	if al.Algorithm != 0 {
		f("Algorithm", attestation.AlgorithmName(al.Algorithm))
	}
	if al.KeySize != 0 {
		f("Key Size", fmt.Sprint(al.KeySize))
	}
	f("Digests", names(al.Digests, attestation.DigestName))
	f("Paddings", names(al.Paddings, attestation.PaddingName))
	if al.ECCurve != nil {
		f("EC Curve", attestation.CurveName(*al.ECCurve))
	}
	if al.RSAPublicExponent != 0 {
		f("RSA Exponent", fmt.Sprint(al.RSAPublicExponent))
	}
	if al.NoAuthRequired {
		f("No Auth Required", "true")
	}
	if !al.CreationDateTime.IsZero() {
		f("Created", al.CreationDateTime.UTC().Format(time.RFC3339))
	}
	if al.Origin != nil {
		f("Origin", attestation.OriginName(*al.Origin))
	}
	if al.RootOfTrust != nil {
		p.rootOfTrust(al.RootOfTrust, indent)
	}
	f("OS Version", attestation.FormatOSVersion(al.OSVersion))
	f("OS Patch Level", attestation.FormatPatchLevel(al.OSPatchLevel))
	f("Vendor Patch Level", attestation.FormatPatchLevel(al.VendorPatchLevel))
	f("Boot Patch Level", attestation.FormatPatchLevel(al.BootPatchLevel))
	if app := al.ApplicationID; app != nil {
		for _, pkg := range app.Packages {
			f("Package", fmt.Sprintf("%s (%d)", pkg.Name, pkg.Version))
		}
		for _, d := range app.SignatureDigests {
			f("Signature Digest", hex.EncodeToString(d))
		}
	}
	f("Brand", al.Brand)
	f("Device", al.Device)
	f("Product", al.Product)
	f("Manufacturer", al.Manufacturer)
	f("Model", al.Model)
	f("Serial", p.ident(al.Serial))
	f("IMEI", p.ident(al.IMEI))
	f("MEID", p.ident(al.MEID))
	if al.DeviceUniqueAttestation {
		f("Device Unique", "true")
	}
	if len(al.UnknownTags) > 0 {
		f("Unknown Tags", names(al.UnknownTags, func(v int) string { return fmt.Sprint(v) }))
	}
}

func (p *printer) rootOfTrust(rot *attestation.RootOfTrust, indent string) {
	locked := "unlocked"
	if rot.DeviceLocked {
		locked = "locked"
	}
	p.field(indent+"Verified Boot", fmt.Sprintf("%s (%s)", rot.VerifiedBootState, locked))
	p.field(indent+"Boot Key", p.secretHex(rot.VerifiedBootKey))
	if len(rot.VerifiedBootHash) > 0 {
		p.field(indent+"Boot Hash", hex.EncodeToString(rot.VerifiedBootHash))
	}
}
