package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all agent configuration
type Config struct {
	// Device identity
	WorkDir   string `mapstructure:"work-dir"`
	DeviceURN string `mapstructure:"device-urn"`

	// Persistence
	StoreBackend string `mapstructure:"store-backend"`
	StorePath    string `mapstructure:"store-path"`
	HistoryPath  string `mapstructure:"history-path"`
	FSMDBPath    string `mapstructure:"fsm-db-path"`

	// Package handling
	Extractor      string `mapstructure:"extractor"`
	ExtractCommand string `mapstructure:"extract-command"`
	ScriptShell    string `mapstructure:"script-shell"`

	// Remote service
	Transport         string `mapstructure:"transport"`
	NATSURL           string `mapstructure:"nats-url"`
	NATSSubjectPrefix string `mapstructure:"nats-subject-prefix"`
	HTTPListen        string `mapstructure:"http-listen"`
	HTTPWebhookURL    string `mapstructure:"http-webhook-url"`

	// Download
	S3Region     string `mapstructure:"s3-region"`
	MinFreeBytes uint64 `mapstructure:"min-free-bytes"`

	// ResumeAfterInvoke delays the in-process resume when the upgrade
	// script returns without rebooting. A script that schedules its reboot
	// and exits needs a delay longer than the scheduled one, or the check
	// script runs before the new firmware is booted.
	ResumeAfterInvoke time.Duration `mapstructure:"resume-after-invoke"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// Inspect FSM
	InspectMaxRetries int `mapstructure:"inspect-max-retries"`
}

// Extractor and transport names
const (
	ExtractorCommand = "command"
	ExtractorBuiltin = "builtin"

	TransportNATS = "nats"
	TransportHTTP = "http"
)

// DefaultResumeAfterInvoke leaves room for a deferred reboot.
const DefaultResumeAfterInvoke = 2 * time.Minute

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("work-dir", "/var/lib/fota")
	v.SetDefault("device-urn", "")
	v.SetDefault("store-backend", "bolt")
	v.SetDefault("store-path", "")
	v.SetDefault("history-path", "")
	v.SetDefault("fsm-db-path", "")
	v.SetDefault("extractor", ExtractorCommand)
	v.SetDefault("extract-command", "unzip")
	v.SetDefault("script-shell", "/bin/sh")
	v.SetDefault("transport", TransportNATS)
	v.SetDefault("nats-url", "nats://127.0.0.1:4222")
	v.SetDefault("nats-subject-prefix", "moat")
	v.SetDefault("http-listen", "127.0.0.1:8086")
	v.SetDefault("http-webhook-url", "")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("min-free-bytes", 64*1024*1024)
	v.SetDefault("resume-after-invoke", DefaultResumeAfterInvoke)
	v.SetDefault("max-file-size", 512*1024*1024)
	v.SetDefault("max-total-size", 2*1024*1024*1024)
	v.SetDefault("max-compression-ratio", 100.0)
	v.SetDefault("inspect-max-retries", 5)
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load over an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (FOTA_WORK_DIR, etc.)
	v.SetEnvPrefix("FOTA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.fota")
	v.AddConfigPath("/etc/fota")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.fillPaths()

	return &cfg, nil
}

// Paths left empty default to files under the work dir.
func (c *Config) fillPaths() {
	if c.StorePath == "" {
		name := "checkpoint.db"
		if c.StoreBackend == "sqlite" {
			name = "checkpoint.sqlite"
		}
		c.StorePath = filepath.Join(c.WorkDir, name)
	}
	if c.HistoryPath == "" {
		c.HistoryPath = filepath.Join(c.WorkDir, "history.db")
	}
	if c.FSMDBPath == "" {
		c.FSMDBPath = filepath.Join(c.WorkDir, "fsm")
	}
}

// InspectDir is where dry runs download and extract, apart from the live package.
func (c *Config) InspectDir() string {
	return filepath.Join(c.WorkDir, "inspect")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	switch c.StoreBackend {
	case "bolt", "sqlite":
	default:
		return fmt.Errorf("store-backend must be bolt or sqlite, got %q", c.StoreBackend)
	}
	switch c.Extractor {
	case ExtractorCommand:
		if c.ExtractCommand == "" {
			return fmt.Errorf("extract-command cannot be empty")
		}
	case ExtractorBuiltin:
	default:
		return fmt.Errorf("extractor must be command or builtin, got %q", c.Extractor)
	}
	if c.ScriptShell == "" {
		return fmt.Errorf("script-shell cannot be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.ResumeAfterInvoke < 0 {
		return fmt.Errorf("resume-after-invoke must be non-negative")
	}
	if c.InspectMaxRetries < 0 {
		return fmt.Errorf("inspect-max-retries must be non-negative")
	}
	return nil
}

// ValidateDaemon adds the checks that only matter to the long-running agent.
func (c *Config) ValidateDaemon() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.DeviceURN == "" {
		return fmt.Errorf("device-urn cannot be empty")
	}
	switch c.Transport {
	case TransportNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("nats-url cannot be empty")
		}
	case TransportHTTP:
		if c.HTTPListen == "" {
			return fmt.Errorf("http-listen cannot be empty")
		}
		if c.HTTPWebhookURL == "" {
			return fmt.Errorf("http-webhook-url cannot be empty")
		}
	default:
		return fmt.Errorf("transport must be nats or http, got %q", c.Transport)
	}
	return nil
}
