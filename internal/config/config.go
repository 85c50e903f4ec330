// Package config handles configuration loading, validation, and hot reload
// for sentryd.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Contact configuration for the trusted emergency contact.
	Contact ContactConfig `toml:"contact" json:"contact" yaml:"contact"`

	// Guard configuration for credential verification and lockout.
	Guard GuardConfig `toml:"guard" json:"guard" yaml:"guard"`

	// Monitor configuration for platform signal correlation.
	Monitor MonitorConfig `toml:"monitor" json:"monitor" yaml:"monitor"`

	// Modes configuration for the protection-mode controller.
	Modes ModesConfig `toml:"modes" json:"modes" yaml:"modes"`

	// Commands configuration for the remote command pipeline.
	Commands CommandsConfig `toml:"commands" json:"commands" yaml:"commands"`

	// EventLog configuration for the security event log.
	EventLog EventLogConfig `toml:"event_log" json:"event_log" yaml:"event_log"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// ContactConfig identifies the single trusted emergency contact.
type ContactConfig struct {
	// TrustedSender is the phone/account identifier authorized to issue
	// remote commands. Comparison is whitespace/punctuation-insensitive.
	TrustedSender string `toml:"trusted_sender" json:"trusted_sender" yaml:"trusted_sender"`

	// RecoveryMessage is shown on the lockdown screen after a remote LOCK.
	RecoveryMessage string `toml:"recovery_message" json:"recovery_message" yaml:"recovery_message"`
}

// GuardConfig holds credential guard configuration.
type GuardConfig struct {
	// MaxAttempts is the consecutive-failure count that activates lockout.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts" yaml:"max_attempts"`

	// LockoutSec is how long lockout holds after the last failure.
	LockoutSec int `toml:"lockout_sec" json:"lockout_sec" yaml:"lockout_sec"`
}

// MonitorConfig holds event monitor configuration. The poll intervals are
// derived from the detection budgets: sampling at half the budget keeps
// worst-case detection latency inside it.
type MonitorConfig struct {
	// AirplanePollMs is the airplane-mode sampling interval (2s budget).
	AirplanePollMs int `toml:"airplane_poll_ms" json:"airplane_poll_ms" yaml:"airplane_poll_ms"`

	// SimPollMs is the SIM identity sampling interval (5s budget).
	SimPollMs int `toml:"sim_poll_ms" json:"sim_poll_ms" yaml:"sim_poll_ms"`

	// UnlockCaptureThreshold is the consecutive-failure count that makes an
	// unlock streak capture-worthy.
	UnlockCaptureThreshold int `toml:"unlock_capture_threshold" json:"unlock_capture_threshold" yaml:"unlock_capture_threshold"`

	// UnlockAlertThreshold is the failure count within UnlockAlertWindowMin
	// that makes a streak alert-worthy.
	UnlockAlertThreshold int `toml:"unlock_alert_threshold" json:"unlock_alert_threshold" yaml:"unlock_alert_threshold"`

	// UnlockAlertWindowMin is the rolling window for the alert threshold.
	UnlockAlertWindowMin int `toml:"unlock_alert_window_min" json:"unlock_alert_window_min" yaml:"unlock_alert_window_min"`
}

// ModesConfig holds mode state machine configuration.
type ModesConfig struct {
	// BlockedAlertThreshold is the number of consecutive blocked guarded
	// transitions before an alert is dispatched to the trusted contact.
	BlockedAlertThreshold int `toml:"blocked_alert_threshold" json:"blocked_alert_threshold" yaml:"blocked_alert_threshold"`

	// AlarmDurationSec is the time-boxed alarm duration for remote ALARM.
	AlarmDurationSec int `toml:"alarm_duration_sec" json:"alarm_duration_sec" yaml:"alarm_duration_sec"`

	// GrantDurationSec is the temporary file-manager grant duration.
	GrantDurationSec int `toml:"grant_duration_sec" json:"grant_duration_sec" yaml:"grant_duration_sec"`

	// TrackIntervalMs is the location sampling interval during panic tracking.
	TrackIntervalMs int `toml:"track_interval_ms" json:"track_interval_ms" yaml:"track_interval_ms"`
}

// CommandsConfig holds remote command pipeline configuration.
type CommandsConfig struct {
	// SenderRatePerMin is the sustained per-sender message rate.
	SenderRatePerMin float64 `toml:"sender_rate_per_min" json:"sender_rate_per_min" yaml:"sender_rate_per_min"`

	// SenderBurst is the per-sender burst allowance.
	SenderBurst int `toml:"sender_burst" json:"sender_burst" yaml:"sender_burst"`

	// SendRetries is the number of attempts for Messenger sends.
	SendRetries int `toml:"send_retries" json:"send_retries" yaml:"send_retries"`

	// SendBackoffMs is the initial retry backoff; it doubles per attempt.
	SendBackoffMs int `toml:"send_backoff_ms" json:"send_backoff_ms" yaml:"send_backoff_ms"`
}

// EventLogConfig holds security event log configuration.
type EventLogConfig struct {
	// MaxEvents is the rotation cap. Enforced on every append.
	MaxEvents int `toml:"max_events" json:"max_events" yaml:"max_events"`

	// StrictValidation validates the event envelope against the embedded
	// JSON schema before appending.
	StrictValidation bool `toml:"strict_validation" json:"strict_validation" yaml:"strict_validation"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// SentrydDir returns the platform-specific data directory.
func SentrydDir() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Application Support", "sentryd")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "sentryd")
	default:
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			homeDir, _ := os.UserHomeDir()
			dataHome = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataHome, "sentryd")
	}
}

// DefaultPath returns the default configuration file path, honoring the
// SENTRYD_CONFIG environment variable.
func DefaultPath() string {
	if p := os.Getenv("SENTRYD_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(SentrydDir(), "config.toml")
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := SentrydDir()

	return &Config{
		Version: Version,
		Contact: ContactConfig{
			RecoveryMessage: "This device is protected. Contact the owner to return it.",
		},
		Guard: GuardConfig{
			MaxAttempts: 3,
			LockoutSec:  300,
		},
		Monitor: MonitorConfig{
			AirplanePollMs:         1000,
			SimPollMs:              2500,
			UnlockCaptureThreshold: 5,
			UnlockAlertThreshold:   10,
			UnlockAlertWindowMin:   10,
		},
		Modes: ModesConfig{
			BlockedAlertThreshold: 3,
			AlarmDurationSec:      120,
			GrantDurationSec:      60,
			TrackIntervalMs:       5000,
		},
		Commands: CommandsConfig{
			SenderRatePerMin: 2,
			SenderBurst:      5,
			SendRetries:      3,
			SendBackoffMs:    500,
		},
		EventLog: EventLogConfig{
			MaxEvents:        1000,
			StrictValidation: true,
		},
		Storage: StorageConfig{
			Path: filepath.Join(dir, "sentryd.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Guard.MaxAttempts < 1 {
		errs = append(errs, errors.New("guard.max_attempts must be at least 1"))
	}
	if c.Guard.LockoutSec < 0 {
		errs = append(errs, errors.New("guard.lockout_sec must not be negative"))
	}
	if c.Monitor.AirplanePollMs <= 0 || c.Monitor.AirplanePollMs > 2000 {
		errs = append(errs, errors.New("monitor.airplane_poll_ms must be in (0, 2000] to meet the 2s detection budget"))
	}
	if c.Monitor.SimPollMs <= 0 || c.Monitor.SimPollMs > 5000 {
		errs = append(errs, errors.New("monitor.sim_poll_ms must be in (0, 5000] to meet the 5s detection budget"))
	}
	if c.Monitor.UnlockCaptureThreshold < 1 {
		errs = append(errs, errors.New("monitor.unlock_capture_threshold must be at least 1"))
	}
	if c.Monitor.UnlockAlertThreshold < c.Monitor.UnlockCaptureThreshold {
		errs = append(errs, errors.New("monitor.unlock_alert_threshold must not be below unlock_capture_threshold"))
	}
	if c.Monitor.UnlockAlertWindowMin < 1 {
		errs = append(errs, errors.New("monitor.unlock_alert_window_min must be at least 1"))
	}
	if c.Modes.BlockedAlertThreshold < 1 {
		errs = append(errs, errors.New("modes.blocked_alert_threshold must be at least 1"))
	}
	if c.Modes.AlarmDurationSec < 1 {
		errs = append(errs, errors.New("modes.alarm_duration_sec must be at least 1"))
	}
	if c.Modes.GrantDurationSec < 1 {
		errs = append(errs, errors.New("modes.grant_duration_sec must be at least 1"))
	}
	if c.Commands.SenderBurst < 1 {
		errs = append(errs, errors.New("commands.sender_burst must be at least 1"))
	}
	if c.Commands.SendRetries < 1 {
		errs = append(errs, errors.New("commands.send_retries must be at least 1"))
	}
	if c.EventLog.MaxEvents < 1 {
		errs = append(errs, errors.New("event_log.max_events must be at least 1"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path must not be empty"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not valid", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not valid", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SENTRYD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SENTRYD_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("SENTRYD_TRUSTED_SENDER"); v != "" {
		c.Contact.TrustedSender = v
	}
}

// LockoutDuration returns the lockout cooldown as a time.Duration.
func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Guard.LockoutSec) * time.Second
}

// AlarmDuration returns the time-boxed alarm duration.
func (c *Config) AlarmDuration() time.Duration {
	return time.Duration(c.Modes.AlarmDurationSec) * time.Second
}

// GrantDuration returns the temporary grant duration.
func (c *Config) GrantDuration() time.Duration {
	return time.Duration(c.Modes.GrantDurationSec) * time.Second
}

// Save writes the configuration to path as TOML, atomically.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0640); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
