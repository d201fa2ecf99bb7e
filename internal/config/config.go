// Package config handles configuration loading, validation, and management for keyattest.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete keyattest configuration shared by the CLI and the helper daemon.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Delegate configures the privileged helper and the socket that reaches it.
	Delegate DelegateConfig `toml:"delegate" json:"delegate" yaml:"delegate"`

	// Keystore configures the in-process key provider.
	Keystore KeystoreConfig `toml:"keystore" json:"keystore" yaml:"keystore"`

	// RKP configures the remote key provisioning probe.
	RKP RKPConfig `toml:"rkp" json:"rkp" yaml:"rkp"`

	// Revocation configures the certificate status list.
	Revocation RevocationConfig `toml:"revocation" json:"revocation" yaml:"revocation"`

	// Storage configures chain history and preferences persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// DelegateConfig holds the helper socket configuration.
type DelegateConfig struct {
	// Enabled determines whether the delegate provider is offered at all.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the Unix socket the helper listens on.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the octal file mode applied to the socket.
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections caps concurrent helper clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// RequestTimeoutSec bounds a single attestation round trip.
	RequestTimeoutSec int `toml:"request_timeout_sec" json:"request_timeout_sec" yaml:"request_timeout_sec"`

	// ConnectTimeoutSec bounds dialing the socket.
	ConnectTimeoutSec int `toml:"connect_timeout_sec" json:"connect_timeout_sec" yaml:"connect_timeout_sec"`

	// BindAttempts is how many times the client tries to bind before giving up.
	BindAttempts int `toml:"bind_attempts" json:"bind_attempts" yaml:"bind_attempts"`

	// AllowedUIDs lists peer uids the helper accepts in addition to its own.
	AllowedUIDs []int `toml:"allowed_uids" json:"allowed_uids" yaml:"allowed_uids"`
}

// KeystoreConfig describes the key provider and the device it stands for.
type KeystoreConfig struct {
	// StrongBox reports a StrongBox-class secure element.
	StrongBox bool `toml:"strongbox" json:"strongbox" yaml:"strongbox"`

	// AttestKey reports support for caller-provided attestation keys.
	AttestKey bool `toml:"attest_key" json:"attest_key" yaml:"attest_key"`

	// DeviceIDs reports support for device identifier attestation.
	DeviceIDs bool `toml:"device_ids" json:"device_ids" yaml:"device_ids"`

	// TPMPath overrides TPM discovery for the security module probe.
	TPMPath string `toml:"tpm_path" json:"tpm_path" yaml:"tpm_path"`

	// KeyboxPath is an optional XML keybox installed as the attestation key.
	KeyboxPath string `toml:"keybox_path" json:"keybox_path" yaml:"keybox_path"`

	// SecretPath holds the per-device secret used to derive unique IDs.
	SecretPath string `toml:"secret_path" json:"secret_path" yaml:"secret_path"`

	// Device identifiers reported when device ID attestation is requested.
	Device DeviceConfig `toml:"device" json:"device" yaml:"device"`
}

// DeviceConfig holds the identifiers of the attested device.
type DeviceConfig struct {
	Brand        string `toml:"brand" json:"brand" yaml:"brand"`
	Device       string `toml:"device" json:"device" yaml:"device"`
	Product      string `toml:"product" json:"product" yaml:"product"`
	Manufacturer string `toml:"manufacturer" json:"manufacturer" yaml:"manufacturer"`
	Model        string `toml:"model" json:"model" yaml:"model"`
	Serial       string `toml:"serial" json:"serial" yaml:"serial"`
	IMEI         string `toml:"imei" json:"imei" yaml:"imei"`
	MEID         string `toml:"meid" json:"meid" yaml:"meid"`
	OSVersion    int    `toml:"os_version" json:"os_version" yaml:"os_version"`
	PatchLevel   int    `toml:"patch_level" json:"patch_level" yaml:"patch_level"`
}

// RKPConfig holds remote key provisioning probe settings.
type RKPConfig struct {
	// Host is the default provisioning server.
	Host string `toml:"host" json:"host" yaml:"host"`

	// TimeoutSec bounds a single probe.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// RevocationConfig holds certificate status list settings.
type RevocationConfig struct {
	// URL is the status list endpoint.
	URL string `toml:"url" json:"url" yaml:"url"`

	// Offline skips the network fetch and uses the bundled snapshot.
	Offline bool `toml:"offline" json:"offline" yaml:"offline"`

	// TimeoutSec bounds the fetch.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the sqlite chain history database.
	Path string `toml:"path" json:"path" yaml:"path"`

	// PreferencesPath is where the option state is persisted.
	PreferencesPath string `toml:"preferences_path" json:"preferences_path" yaml:"preferences_path"`

	// ChainDir is the default directory for exported chains.
	ChainDir string `toml:"chain_dir" json:"chain_dir" yaml:"chain_dir"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()

	return &Config{
		Version: Version,
		Delegate: DelegateConfig{
			Enabled:           true,
			SocketPath:        paths.SocketPath,
			Permissions:       "0600",
			MaxConnections:    8,
			RequestTimeoutSec: 30,
			ConnectTimeoutSec: 5,
			BindAttempts:      3,
			AllowedUIDs:       []int{},
		},
		Keystore: KeystoreConfig{
			StrongBox:  false,
			AttestKey:  true,
			DeviceIDs:  false,
			SecretPath: paths.SecretFile,
		},
		RKP: RKPConfig{
			Host:       DefaultRKPHost,
			TimeoutSec: 10,
		},
		Revocation: RevocationConfig{
			URL:        DefaultRevocationURL,
			TimeoutSec: 15,
		},
		Storage: StorageConfig{
			Path:            paths.DatabaseFile,
			PreferencesPath: paths.PreferencesFile,
			ChainDir:        filepath.Join(paths.DataDir, "chains"),
			BusyTimeoutMs:   5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(paths.LogDir, "keyattest.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if found := FindConfigFile(); found != "" {
		return found
	}
	return filepath.Join(KeyattestDir(), "config.toml")
}

// KeyattestDir returns the base configuration directory.
// KEYATTEST_CONFIG_DIR overrides the platform default.
func KeyattestDir() string {
	if envDir := os.Getenv("KEYATTEST_CONFIG_DIR"); envDir != "" {
		return envDir
	}
	return PlatformConfigDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all directories the configured paths live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Storage.PreferencesPath),
		c.Storage.ChainDir,
		filepath.Dir(c.Keystore.SecretPath),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with KEYATTEST_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("KEYATTEST_SOCKET_PATH"); v != "" {
		c.Delegate.SocketPath = v
	}
	if v := os.Getenv("KEYATTEST_DELEGATE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Delegate.Enabled = b
		}
	}
	if v := os.Getenv("KEYATTEST_KEYBOX_PATH"); v != "" {
		c.Keystore.KeyboxPath = v
	}
	if v := os.Getenv("KEYATTEST_TPM_PATH"); v != "" {
		c.Keystore.TPMPath = v
	}
	if v := os.Getenv("KEYATTEST_RKP_HOST"); v != "" {
		c.RKP.Host = v
	}
	if v := os.Getenv("KEYATTEST_REVOCATION_OFFLINE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Revocation.Offline = b
		}
	}
	if v := os.Getenv("KEYATTEST_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("KEYATTEST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEYATTEST_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:    c.Version,
		Delegate:   c.Delegate,
		Keystore:   c.Keystore,
		RKP:        c.RKP,
		Revocation: c.Revocation,
		Storage:    c.Storage,
		Logging:    c.Logging,
	}
	clone.Delegate.AllowedUIDs = append([]int{}, c.Delegate.AllowedUIDs...)
	return clone
}

// SaveConfig writes the configuration to path, choosing the encoding by extension.
func SaveConfig(cfg *Config, path string) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
