package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is(err, ErrInvalidConfig) match a validation failure.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateDelegate(&c.Delegate)...)
	errs = append(errs, validateKeystore(&c.Keystore)...)
	errs = append(errs, validateRKP(&c.RKP)...)
	errs = append(errs, validateRevocation(&c.Revocation)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDelegate(d *DelegateConfig) ValidationErrors {
	var errs ValidationErrors

	if !d.Enabled {
		return errs
	}

	if d.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "delegate.socket_path",
			Message: "socket path is required when the delegate is enabled",
		})
	}

	if d.Permissions != "" {
		if matched, _ := regexp.MatchString(`^0[0-7]{3}$`, d.Permissions); !matched {
			errs = append(errs, ValidationError{
				Field:   "delegate.permissions",
				Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", d.Permissions),
			})
		}
	}

	if d.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "delegate.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if d.RequestTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "delegate.request_timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	if d.ConnectTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "delegate.connect_timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	if d.BindAttempts < 1 || d.BindAttempts > 20 {
		errs = append(errs, *RangeError("delegate.bind_attempts", 1, 20))
	}

	for _, uid := range d.AllowedUIDs {
		if uid < 0 {
			errs = append(errs, ValidationError{
				Field:   "delegate.allowed_uids",
				Message: fmt.Sprintf("invalid uid %d", uid),
			})
		}
	}

	return errs
}

var (
	imeiPattern = regexp.MustCompile(`^[0-9]{14,16}$`)
	meidPattern = regexp.MustCompile(`^[0-9A-Fa-f]{14}$`)
)

func validateKeystore(k *KeystoreConfig) ValidationErrors {
	var errs ValidationErrors

	if k.SecretPath == "" {
		errs = append(errs, *RequiredFieldError("keystore.secret_path"))
	}

	dev := k.Device
	if dev.IMEI != "" && !imeiPattern.MatchString(dev.IMEI) {
		errs = append(errs, ValidationError{
			Field:   "keystore.device.imei",
			Message: "IMEI must be 14 to 16 decimal digits",
		})
	}
	if dev.MEID != "" && !meidPattern.MatchString(dev.MEID) {
		errs = append(errs, ValidationError{
			Field:   "keystore.device.meid",
			Message: "MEID must be 14 hex digits",
		})
	}
	if dev.PatchLevel != 0 && (dev.PatchLevel < 200001 || dev.PatchLevel > 999912) {
		errs = append(errs, ValidationError{
			Field:   "keystore.device.patch_level",
			Message: fmt.Sprintf("patch level %d is not in YYYYMM form", dev.PatchLevel),
		})
	}

	return errs
}

var hostPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?)*(:[0-9]{1,5})?$`)

// ValidHost reports whether host is a bare hostname, optionally with a port.
func ValidHost(host string) bool {
	return hostPattern.MatchString(host)
}

func validateRKP(r *RKPConfig) ValidationErrors {
	var errs ValidationErrors

	if r.Host != "" && !ValidHost(r.Host) {
		errs = append(errs, ValidationError{
			Field:   "rkp.host",
			Message: fmt.Sprintf("invalid host name: %s", r.Host),
		})
	}
	if r.TimeoutSec < 1 || r.TimeoutSec > 300 {
		errs = append(errs, *RangeError("rkp.timeout_sec", 1, 300))
	}

	return errs
}

func validateRevocation(r *RevocationConfig) ValidationErrors {
	var errs ValidationErrors

	if !r.Offline && !isValidURL(r.URL) {
		errs = append(errs, ValidationError{
			Field:   "revocation.url",
			Message: fmt.Sprintf("invalid URL: %s", r.URL),
		})
	}
	if r.TimeoutSec < 1 || r.TimeoutSec > 300 {
		errs = append(errs, *RangeError("revocation.timeout_sec", 1, 300))
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, *RequiredFieldError("storage.path"))
	}
	if s.PreferencesPath == "" {
		errs = append(errs, *RequiredFieldError("storage.preferences_path"))
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
