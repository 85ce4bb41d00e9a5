// Package config loads the client's YAML defaults file: the fallback
// values applied to a dig2:// URL's optional query parameters when the
// caller's connection string leaves them unset (spec §4.3 "Construction"
// log_level/keepalive/rcvbuf/receiver_thread_affinity, §6 "Environment
// variables"). The monitor and pid query parameters have no defaults
// here.
//
// Grounded on internal/config/agent.go's validated-struct-plus-defaults
// shape: a single YAML document unmarshalled into a struct, followed by
// a validate() pass that fills in zero values. This package carries no
// server-side, storage, or scheduling knobs — those belonged to the
// teacher's backup pipeline, which has no analogue here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults is the client's YAML defaults document.
type Defaults struct {
	Logging   LoggingDefaults   `yaml:"logging"`
	Transport TransportDefaults `yaml:"transport"`
}

// LoggingDefaults controls internal/logging.NewLogger when the caller
// does not override log_level on the connection URL (spec §6 "A single
// log-level variable (name starts with SPDLOG_LEVEL) read once at
// library init").
type LoggingDefaults struct {
	Level  string `yaml:"level"`  // debug|info|warn|error, default "info"
	Format string `yaml:"format"` // json|text, default "json"
	File   string `yaml:"file"`   // optional secondary sink, "" falls back to DefaultLogFile()
}

// TransportDefaults fills in the keepalive/rcvbuf/receiver_thread_affinity
// URL query parameters spec §4.3 names when a dig2:// URL omits them.
type TransportDefaults struct {
	Keepalive              time.Duration `yaml:"keepalive"`                // 0 disables
	RcvBuf                 string        `yaml:"rcvbuf"`                   // e.g. "4mb", "" leaves the OS default
	RcvBufRaw              int           `yaml:"-"`
	ReceiverThreadAffinity int           `yaml:"receiver_thread_affinity"` // -1 = unpinned
}

// defaultDefaults is what an empty or absent YAML file resolves to.
func defaultDefaults() Defaults {
	return Defaults{
		Logging: LoggingDefaults{Level: "info", Format: "json"},
		Transport: TransportDefaults{
			ReceiverThreadAffinity: -1,
		},
	}
}

// Load reads and validates the client defaults file at path. A missing
// file is not an error: the caller gets defaultDefaults() back, since a
// YAML defaults file is an optional override, not a required one (unlike
// the teacher's agent/server configs, which hard-fail on a missing
// file because they describe mandatory backup jobs and TLS material).
func Load(path string) (*Defaults, error) {
	d := defaultDefaults()
	if path == "" {
		return &d, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &d, nil
		}
		return nil, fmt.Errorf("reading client defaults: %w", err)
	}

	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing client defaults: %w", err)
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("validating client defaults: %w", err)
	}
	return &d, nil
}

// EnvLogLevel reads the client's single log-level environment variable
// (spec §6 "A single log-level variable (name starts with SPDLOG_LEVEL)
// read once at library init"), returning "" if unset.
func EnvLogLevel() string {
	return os.Getenv("SPDLOG_LEVEL")
}

// DefaultLogFile resolves the log file path spec §6 names ("HOME/APPDATA
// to locate the log file") when the YAML defaults document leaves
// logging.file unset. Grounded on original_source/src/library_logger.cpp's
// file_sink(): APPDATA-rooted on Windows, HOME-rooted (dotdir) elsewhere.
// Returns "" if the relevant variable is unset, in which case the caller
// logs to stdout only.
func DefaultLogFile() string {
	if runtime.GOOS == "windows" {
		if dir := os.Getenv("APPDATA"); dir != "" {
			return filepath.Join(dir, "CAEN", "caendig2.log")
		}
		return ""
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".CAEN", "caendig2.log")
	}
	return ""
}

func (d *Defaults) validate() error {
	if d.Logging.Level == "" {
		d.Logging.Level = "info"
	}
	d.Logging.Level = strings.ToLower(d.Logging.Level)
	switch d.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug|info|warn|error, got %q", d.Logging.Level)
	}

	if d.Logging.Format == "" {
		d.Logging.Format = "json"
	}
	d.Logging.Format = strings.ToLower(d.Logging.Format)
	if d.Logging.Format != "json" && d.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json|text, got %q", d.Logging.Format)
	}

	if d.Transport.RcvBuf != "" {
		n, err := ParseByteSize(d.Transport.RcvBuf)
		if err != nil {
			return fmt.Errorf("transport.rcvbuf: %w", err)
		}
		d.Transport.RcvBufRaw = int(n)
	}

	if d.Transport.ReceiverThreadAffinity == 0 {
		// Zero is ambiguous between "unset" and "pin to CPU 0": an absent
		// field unmarshals to the Go zero value, so 0 is treated as
		// unpinned (-1), matching defaultDefaults()'s own -1 sentinel.
		// A positive value pins to that CPU; CPU 0 cannot be selected
		// through this file.
		d.Transport.ReceiverThreadAffinity = -1
	}

	return nil
}

// ParseByteSize converts a human-readable size ("4mb", "256kb", "1gb")
// into bytes, grounded on the teacher's agent.go ParseByteSize helper
// (same suffix table, longest-suffix-first matching).
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			var num int64
			if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	var num int64
	if _, err := fmt.Sscanf(s, "%d", &num); err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
