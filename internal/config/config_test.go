package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultRKPHost, cfg.RKP.Host)
	assert.Equal(t, DefaultRevocationURL, cfg.Revocation.URL)
	assert.Equal(t, "0600", cfg.Delegate.Permissions)
	assert.Equal(t, "keyattestd.sock", filepath.Base(cfg.Delegate.SocketPath))
	assert.Equal(t, "chains.db", filepath.Base(cfg.Storage.Path))
}

func TestKeyattestDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KEYATTEST_CONFIG_DIR", dir)
	assert.Equal(t, dir, KeyattestDir())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, DefaultRKPHost, cfg.RKP.Host)
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"config.toml": "[rkp]\nhost = \"rkp.example.com\"\n[keystore]\nstrongbox = true\n",
		"config.json": `{"rkp": {"host": "rkp.example.com"}, "keystore": {"strongbox": true}}`,
		"config.yaml": "rkp:\n  host: rkp.example.com\nkeystore:\n  strongbox: true\n",
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "rkp.example.com", cfg.RKP.Host)
			assert.True(t, cfg.Keystore.StrongBox)
			// untouched sections keep their defaults
			assert.Equal(t, 30, cfg.Delegate.RequestTimeoutSec)
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[rkp\nhost="), 0600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("KEYATTEST_SOCKET_PATH", "/run/test.sock")
	t.Setenv("KEYATTEST_DELEGATE_ENABLED", "false")
	t.Setenv("KEYATTEST_RKP_HOST", "env.example.com")
	t.Setenv("KEYATTEST_REVOCATION_OFFLINE", "true")
	t.Setenv("KEYATTEST_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "/run/test.sock", cfg.Delegate.SocketPath)
	assert.False(t, cfg.Delegate.Enabled)
	assert.Equal(t, "env.example.com", cfg.RKP.Host)
	assert.True(t, cfg.Revocation.Offline)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Delegate.AllowedUIDs = []int{1000}

	clone := cfg.Clone()
	clone.Delegate.AllowedUIDs[0] = 0
	clone.RKP.Host = "other"

	assert.Equal(t, 1000, cfg.Delegate.AllowedUIDs[0])
	assert.Equal(t, DefaultRKPHost, cfg.RKP.Host)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad version", func(c *Config) { c.Version = 99 }, "version"},
		{"no socket", func(c *Config) { c.Delegate.SocketPath = "" }, "delegate.socket_path"},
		{"bad perms", func(c *Config) { c.Delegate.Permissions = "777" }, "delegate.permissions"},
		{"bad imei", func(c *Config) { c.Keystore.Device.IMEI = "12ab" }, "keystore.device.imei"},
		{"bad meid", func(c *Config) { c.Keystore.Device.MEID = "xyz" }, "keystore.device.meid"},
		{"bad host", func(c *Config) { c.RKP.Host = "https://x/y" }, "rkp.host"},
		{"bad url", func(c *Config) { c.Revocation.URL = "ftp://x" }, "revocation.url"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			fields := make([]string, 0, len(verrs))
			for _, v := range verrs {
				fields = append(fields, v.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidateDisabledDelegateSkipsSocket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Delegate.Enabled = false
	cfg.Delegate.SocketPath = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidHost(t *testing.T) {
	assert.True(t, ValidHost("remoteprovisioning.googleapis.com"))
	assert.True(t, ValidHost("localhost:8443"))
	assert.False(t, ValidHost(""))
	assert.False(t, ValidHost("bad host"))
	assert.False(t, ValidHost("-leading.example"))
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "config"+ext)
			cfg := DefaultConfig()
			cfg.Keystore.Device.Serial = "ABC123"
			cfg.Delegate.AllowedUIDs = []int{1000, 1001}

			require.NoError(t, SaveConfig(cfg, path))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "ABC123", loaded.Keystore.Device.Serial)
			assert.Equal(t, []int{1000, 1001}, loaded.Delegate.AllowedUIDs)
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)

	cfg2, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg.Storage.Path, cfg2.Storage.Path)
}

func TestLoaderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveConfig(DefaultConfig(), path))

	loader := NewLoader(path)
	defer loader.Close()
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	loader.OnChange(func(_, n *Config) {
		select {
		case changed <- n:
		default:
		}
	})
	require.NoError(t, loader.Watch())

	cfg := DefaultConfig()
	cfg.RKP.Host = "reloaded.example.com"
	require.NoError(t, SaveConfig(cfg, path))

	select {
	case n := <-changed:
		assert.Equal(t, "reloaded.example.com", n.RKP.Host)
		assert.Equal(t, "reloaded.example.com", loader.Config().RKP.Host)
	case err := <-loader.Errors():
		t.Fatalf("watch error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}
