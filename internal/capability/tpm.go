package capability

import (
	"errors"
	"os"
)

// ErrNoTPM is returned when no TPM device node is present.
var ErrNoTPM = errors.New("capability: no TPM device found")

// TPMInfo describes a detected host security module.
type TPMInfo struct {
	Path         string `json:"path"`
	Manufacturer string `json:"manufacturer"`
	Firmware     string `json:"firmware"`
}

// tpmDevicePaths in order of preference.
var tpmDevicePaths = []string{
	"/dev/tpmrm0",
	"/dev/tpm0",
}

// findTPMDevice returns override if set, otherwise the first existing
// device node.
func findTPMDevice(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", ErrNoTPM
		}
		return override, nil
	}
	for _, path := range tpmDevicePaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrNoTPM
}

// HasSecurityModule reports whether DetectTPM finds a usable module.
func HasSecurityModule(path string) bool {
	_, err := DetectTPM(path)
	return err == nil
}
