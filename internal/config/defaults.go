package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const appName = "keyattest"

// DefaultRKPHost is the remote key provisioning server probed when no host is given.
const DefaultRKPHost = "remoteprovisioning.googleapis.com"

// DefaultRevocationURL is the published attestation certificate status list.
const DefaultRevocationURL = "https://android.googleapis.com/attestation/status"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS: ~/Library/Application Support/keyattest/
//   - Linux: $XDG_DATA_HOME/keyattest/ or ~/.local/share/keyattest/
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSSupportDir()
	case "linux":
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	default:
		return fallbackDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSSupportDir()
	case "linux":
		return xdgDir("XDG_CONFIG_HOME", ".config")
	default:
		return fallbackDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", appName)
	case "linux":
		return xdgDir("XDG_STATE_HOME", ".local", "state")
	default:
		return filepath.Join(fallbackDir(), "logs")
	}
}

// PlatformRuntimeDir returns the directory for the helper socket.
//
// Platform paths:
//   - Linux: $XDG_RUNTIME_DIR/keyattest/ or /tmp/keyattest-$UID/
//   - other: /tmp/keyattest-$UID/
func PlatformRuntimeDir() string {
	if runtime.GOOS == "linux" {
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, appName)
		}
	}
	return filepath.Join(os.TempDir(), appName+"-"+strconv.Itoa(os.Getuid()))
}

func homeDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return home
}

func macOSSupportDir() string {
	return filepath.Join(homeDir(), "Library", "Application Support", appName)
}

func xdgDir(env string, fallback ...string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName)
	}
	parts := append([]string{homeDir()}, fallback...)
	return filepath.Join(append(parts, appName)...)
}

func fallbackDir() string {
	return filepath.Join(homeDir(), "."+appName)
}

// DefaultPaths holds every default location for the current platform.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	LogDir     string
	RuntimeDir string

	ConfigFile      string
	DatabaseFile    string
	PreferencesFile string
	SecretFile      string
	SocketPath      string
	PIDFile         string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := PlatformDataDir()
	configDir := PlatformConfigDir()
	runtimeDir := PlatformRuntimeDir()

	return &DefaultPaths{
		DataDir:    dataDir,
		ConfigDir:  configDir,
		LogDir:     PlatformLogDir(),
		RuntimeDir: runtimeDir,

		ConfigFile:      filepath.Join(configDir, "config.toml"),
		DatabaseFile:    filepath.Join(dataDir, "chains.db"),
		PreferencesFile: filepath.Join(configDir, "preferences.toml"),
		SecretFile:      filepath.Join(dataDir, "device_secret"),
		SocketPath:      filepath.Join(runtimeDir, "keyattestd.sock"),
		PIDFile:         filepath.Join(runtimeDir, "keyattestd.pid"),
	}
}

// SupportedConfigFormats lists the recognised config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory and then the config
// directory. It returns "" when no config file exists.
func FindConfigFile() string {
	searchDirs := []string{".", KeyattestDir()}
	for _, dir := range searchDirs {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
