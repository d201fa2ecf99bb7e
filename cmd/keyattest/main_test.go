package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyattest/internal/options"
)

type harness struct {
	t   *testing.T
	dir string
	cfg string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.toml")
	body := fmt.Sprintf(`version = 1

[delegate]
enabled = false

[keystore]
attest_key = true
tpm_path = "/nonexistent/tpm"
secret_path = %q

[revocation]
offline = true
timeout_sec = 5

[storage]
path = %q
preferences_path = %q
chain_dir = %q

[logging]
level = "error"
format = "text"
output = "stderr"
`, filepath.Join(dir, "secret"), filepath.Join(dir, "history.db"),
		filepath.Join(dir, "prefs.toml"), filepath.Join(dir, "chains"))
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o600))
	return &harness{t: t, dir: dir, cfg: cfg}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"keyattest", "--config", h.cfg}, args...))
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, "keyattest %s\n%s", strings.Join(args, " "), out)
	return out
}

func TestAttestRecordsHistory(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("attest", "--note", "first")
	assert.Contains(t, out, "KEY ATTESTATION")
	assert.Contains(t, out, "Provider:")

	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "history")), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "first", entries[0]["Note"])
	assert.Equal(t, "local", entries[0]["Provider"])

	assert.Contains(t, h.mustRun("history", "--verify"), "all entries intact")

	h.mustRun("attest", "--no-record")
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "history")), &entries))
	assert.Len(t, entries, 1)
}

func TestVerifiedBootHashFromHistory(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("vbhash")
	require.ErrorIs(t, err, errNoHistory)

	h.mustRun("attest")
	hash := strings.TrimSpace(h.mustRun("vbhash"))
	assert.Len(t, hash, 64)
	assert.Equal(t, strings.ToLower(hash), hash)
}

func TestSaveLoadSelect(t *testing.T) {
	h := newHarness(t)
	h.mustRun("attest")

	pemPath := filepath.Join(h.dir, "chain.pem")
	h.mustRun("save", pemPath)
	data, err := os.ReadFile(pemPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "-----BEGIN CERTIFICATE-----")

	derPath := filepath.Join(h.dir, "chain.der")
	h.mustRun("save", "--format", "der", derPath)

	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "load", derPath)), &view))
	assert.Equal(t, "success", view["state"])
	assert.Equal(t, "file", view["provider"])

	h.mustRun("load", "--record", pemPath)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(h.mustRun("--json", "history")), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "chain.pem", entries[0]["Note"])

	out := h.mustRun("select", "1")
	assert.Contains(t, out, "Subject:")
	assert.NotContains(t, out, "Attestation Version")

	_, err = h.run("select", "9")
	assert.Error(t, err)

	_, err = h.run("load")
	assert.ErrorContains(t, err, "missing <path>")
}

func TestSetPersistsPreferences(t *testing.T) {
	h := newHarness(t)

	h.mustRun("set", "secret-mode", "on")
	state, err := options.Load(filepath.Join(h.dir, "prefs.toml"))
	require.NoError(t, err)
	assert.True(t, state.SecretMode)
	assert.Contains(t, h.mustRun("options"), "[x] secret-mode")

	// unique ID needs the helper
	_, err = h.run("set", "unique-id", "on")
	assert.Error(t, err)

	_, err = h.run("set", "rkp", "on")
	assert.Error(t, err)

	_, err = h.run("set", "secret-mode", "maybe")
	assert.Error(t, err)

	h.mustRun("set", "secret-mode", "off")
	state, err = options.Load(filepath.Join(h.dir, "prefs.toml"))
	require.NoError(t, err)
	assert.False(t, state.SecretMode)
}

func TestRKPRequiresHelper(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("rkp")
	assert.Error(t, err)
}

func TestRevocationLookupOffline(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun("revocation", "2c8cdddfd5e03bfc", "0x1")
	assert.Contains(t, out, "source: embedded")
	assert.Contains(t, out, "2c8cdddfd5e03bfc: REVOKED")
	assert.Contains(t, out, "1: good")

	_, err := h.run("revocation", "xyz")
	assert.Error(t, err)
}

func TestParseSwitch(t *testing.T) {
	for _, s := range []string{"on", "ON", "true", "1", "yes"} {
		v, err := parseSwitch(s)
		require.NoError(t, err)
		assert.True(t, v, s)
	}
	for _, s := range []string{"off", "false", "0", "no"} {
		v, err := parseSwitch(s)
		require.NoError(t, err)
		assert.False(t, v, s)
	}
	_, err := parseSwitch("")
	assert.Error(t, err)
}
