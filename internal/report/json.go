package report

import (
	"encoding/json"
	"io"

	"keyattest/internal/attestation"
	"keyattest/internal/session"
)

// View is the JSON form of a snapshot.
type View struct {
	State      string               `json:"state"`
	Generation uint64               `json:"generation"`
	Provider   string               `json:"provider,omitempty"`
	Cursor     int                  `json:"cursor"`
	ElapsedMs  int64                `json:"elapsed_ms,omitempty"`
	Failure    string               `json:"failure,omitempty"`
	Detail     string               `json:"detail,omitempty"`
	Redacted   bool                 `json:"redacted,omitempty"`
	Decoded    *attestation.Decoded `json:"decoded,omitempty"`
}

// NewView converts snap for serialization. In secret mode the decoded
// chain is a redacted copy; snap itself is never modified.
func NewView(snap *session.Snapshot, opts Options) View {
	v := View{State: "idle", Cursor: session.NoCursor}
	if snap == nil || snap.Result == nil {
		return v
	}
	v.Cursor = snap.Cursor
	v.Generation = snap.Result.Gen()

	switch r := snap.Result.(type) {
	case *session.Loading:
		v.State = "loading"
		v.Provider = r.Provider
	case *session.Failure:
		v.State = "failure"
		v.Provider = r.Provider
		v.Failure = r.Kind.String()
		v.Detail = r.Detail
	case *session.Success:
		v.State = "success"
		v.Provider = r.Provider
		v.ElapsedMs = r.Elapsed.Milliseconds()
		v.Decoded = r.Decoded
		if opts.Secret {
			v.Decoded = Redact(r.Decoded)
			v.Redacted = true
		}
	}
	return v
}

// WriteJSON writes the JSON view of snap to w.
func WriteJSON(w io.Writer, snap *session.Snapshot, opts Options) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(NewView(snap, opts))
}

// Redact returns a copy of d with device identifiers replaced by Hidden and
// the unique ID and verified boot keys removed.
func Redact(d *attestation.Decoded) *attestation.Decoded {
	if d == nil {
		return nil
	}
	out := &attestation.Decoded{
		RootOfTrust: redactRoot(d.RootOfTrust),
		Records:     make([]attestation.Record, len(d.Records)),
	}
	for i, rec := range d.Records {
		if rec.Description != nil {
			kd := *rec.Description
			kd.UniqueID = nil
			kd.HardwareEnforced = redactList(kd.HardwareEnforced)
			kd.SoftwareEnforced = redactList(kd.SoftwareEnforced)
			rec.Description = &kd
		}
		out.Records[i] = rec
	}
	return out
}

func redactList(al attestation.AuthorizationList) attestation.AuthorizationList {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return Hidden
	}
	al.Serial = mask(al.Serial)
	al.IMEI = mask(al.IMEI)
	al.MEID = mask(al.MEID)
	al.RootOfTrust = redactRoot(al.RootOfTrust)
	return al
}

func redactRoot(rot *attestation.RootOfTrust) *attestation.RootOfTrust {
	if rot == nil {
		return nil
	}
	c := *rot
	c.VerifiedBootKey = nil
	return &c
}
