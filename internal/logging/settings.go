package logging

import (
	"keyattest/internal/config"
)

// FromSettings converts the logging section of the configuration file.
func FromSettings(lc config.LoggingConfig, component string) (*Config, error) {
	level, err := ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	if lc.Output != "" {
		cfg.Output = lc.Output
	}
	if lc.FilePath != "" {
		cfg.FilePath = lc.FilePath
	}
	if lc.MaxSizeMB > 0 {
		cfg.MaxSize = int64(lc.MaxSizeMB)
	}
	if lc.MaxBackups > 0 {
		cfg.MaxBackups = lc.MaxBackups
	}
	cfg.Compress = lc.Compress
	if component != "" {
		cfg.Component = component
	}
	return cfg, nil
}
