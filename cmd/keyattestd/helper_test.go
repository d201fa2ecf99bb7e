package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyattest/internal/attestation"
	"keyattest/internal/config"
	"keyattest/internal/ipc"
	"keyattest/internal/keystore"
	"keyattest/internal/logging"
)

const helperConfig = `version = 1

[delegate]
enabled = true
socket_path = %q
permissions = "0600"
max_connections = 4
allowed_uids = %s

[keystore]
device_ids = true
tpm_path = "/nonexistent/tpm"
secret_path = %q

[keystore.device]
brand = "google"
model = "Pixel 8"
imei = "356938035643809"

[storage]
path = %q
preferences_path = %q

[logging]
level = "error"
`

func writeHelperConfig(t *testing.T, dir, uids string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	body := fmt.Sprintf(helperConfig, filepath.Join(dir, "h.sock"), uids, filepath.Join(dir, "secret"),
		filepath.Join(dir, "history.db"), filepath.Join(dir, "prefs.toml"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func startHelper(t *testing.T) (*helper, *config.Loader, string) {
	t.Helper()
	// Unix socket paths are length limited; t.TempDir can be too deep.
	dir, err := os.MkdirTemp("", "kad")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := writeHelperConfig(t, dir, "[]")
	loader := config.NewLoader(path)
	_, err = loader.Load()
	require.NoError(t, err)
	t.Cleanup(func() { loader.Close() })

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LevelError
	logger, err := logging.New(logCfg)
	require.NoError(t, err)

	h, err := newHelper(loader, logger)
	require.NoError(t, err)
	require.NoError(t, h.Start())
	t.Cleanup(func() { h.Stop() })
	return h, loader, dir
}

func TestHelperServesPrivilegedKeystore(t *testing.T) {
	h, _, dir := startHelper(t)

	assert.Equal(t, filepath.Join(dir, "h.pid"), h.pidFile)
	assert.True(t, running(h.pidFile))

	d := keystore.NewDelegateProvider(ipc.NewClient(ipc.DefaultClientConfig(filepath.Join(dir, "h.sock"))), nil)
	require.NoError(t, d.Bind(context.Background()))
	defer d.Unbind()

	f, err := d.Features()
	require.NoError(t, err)
	assert.True(t, f.DeviceIDs)
	assert.True(t, f.IMEI)

	chain, err := d.GenerateAndAttest(context.Background(), keystore.Request{
		IncludeProps: true, IncludeIMEI: true, IncludeUniqueID: true, Challenge: []byte("challenge"),
	})
	require.NoError(t, err)

	dec, err := attestation.Decode(chain)
	require.NoError(t, err)
	leaf := dec.Leaf()
	require.NotNil(t, leaf)
	assert.Equal(t, "356938035643809", leaf.SoftwareEnforced.IMEI)
	assert.Equal(t, "Pixel 8", leaf.SoftwareEnforced.Model)
	assert.NotEmpty(t, leaf.UniqueID)

	assert.EqualValues(t, 1, h.metrics.Requests.Value("attest"))
	assert.EqualValues(t, 3, h.metrics.Certificates.Value())
}

func TestHelperRefusesSecondInstance(t *testing.T) {
	_, loader, _ := startHelper(t)

	logger, err := logging.New(logging.DefaultConfig())
	require.NoError(t, err)
	second, err := newHelper(loader, logger)
	require.NoError(t, err)
	assert.ErrorContains(t, second.Start(), "already running")
}

func TestHelperStopRemovesPIDFile(t *testing.T) {
	h, _, _ := startHelper(t)
	require.NoError(t, h.Stop())
	_, err := os.Stat(h.pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, running(h.pidFile))
}

func TestHelperReloadsAllowedUIDs(t *testing.T) {
	_, loader, dir := startHelper(t)

	writeHelperConfig(t, dir, "[4242]")
	require.NoError(t, loader.Reload())
	assert.Equal(t, []int{4242}, loader.Config().Delegate.AllowedUIDs)

	writeHelperConfig(t, dir, "[-1]")
	assert.Error(t, loader.Reload(), "invalid configuration is rejected")
	assert.Equal(t, []int{4242}, loader.Config().Delegate.AllowedUIDs)
}

func TestPIDPath(t *testing.T) {
	assert.Equal(t, "/run/keyattest/keyattestd.pid", pidPath("/run/keyattest/keyattestd.sock"))
	assert.Equal(t, "/tmp/helper.pid", pidPath("/tmp/helper"))
}
