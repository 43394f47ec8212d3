// Package config loads the docfetch configuration from a file and
// environment variables. The loaded Config is constructed once in main
// and passed into every component's constructor; nothing reads it from
// a global.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete application configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	API        APIConfig        `mapstructure:"api"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Resources  ResourceConfig   `mapstructure:"resources"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	LogLevel   string           `mapstructure:"log-level"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	ConnectionURL string `mapstructure:"connection-url"`
}

// APIConfig holds the remote document service settings.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base-url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	UserAgent      string        `mapstructure:"user-agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`

	// InsecureSkipVerify disables TLS certificate validation. The vendor
	// endpoint has been seen serving an expired certificate; enabling this
	// is a deployment decision, not a default.
	InsecureSkipVerify bool `mapstructure:"insecure-skip-verify"`
}

// ProcessingConfig controls the download batch loop.
type ProcessingConfig struct {
	BatchSize        int           `mapstructure:"batch-size"`
	FileDelay        time.Duration `mapstructure:"file-delay"`
	LocalMaxAttempts int           `mapstructure:"local-max-attempts"`
	ResourceInterval int           `mapstructure:"resource-check-interval"`
	PauseDuration    time.Duration `mapstructure:"pause-duration"`
	IncludeRetry     bool          `mapstructure:"include-retry"`

	// StrictContentCheck requires the sniffed content type and the magic
	// bytes to agree. The default lenient policy trusts the signature when
	// the two disagree.
	StrictContentCheck bool `mapstructure:"strict-content-check"`
}

// ResourceConfig holds the overload thresholds for the resource probe.
type ResourceConfig struct {
	MaxMemoryPercent float64 `mapstructure:"max-memory-percent"`
	MaxLoadAverage   float64 `mapstructure:"max-load-average"`
}

// ScheduleConfig holds the cron expressions for the continuous driver.
type ScheduleConfig struct {
	EnsureSession  string `mapstructure:"ensure-session"`
	QueryFiles     string `mapstructure:"query-files"`
	DownloadFiles  string `mapstructure:"download-files"`
	CleanupSession string `mapstructure:"cleanup-session"`
}

var requiredFields = []string{
	"database.connection-url",
	"api.base-url",
	"api.username",
	"api.password",
}

// Load reads configuration from the given file, with environment
// variables (DOCFETCH_ prefixed) taking precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("docfetch")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	for _, field := range requiredFields {
		v.BindEnv(field)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}

	for _, field := range requiredFields {
		if !v.IsSet(field) {
			return nil, fmt.Errorf("missing required config field: %s", field)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log-level", "info")

	v.SetDefault("api.user-agent", "docfetch/1.0")
	v.SetDefault("api.timeout", 15*time.Minute)
	v.SetDefault("api.connect-timeout", 90*time.Second)
	v.SetDefault("api.insecure-skip-verify", false)

	v.SetDefault("processing.batch-size", 30)
	v.SetDefault("processing.file-delay", time.Second)
	v.SetDefault("processing.local-max-attempts", 3)
	v.SetDefault("processing.resource-check-interval", 15)
	v.SetDefault("processing.pause-duration", 5*time.Second)
	v.SetDefault("processing.include-retry", true)
	v.SetDefault("processing.strict-content-check", false)

	v.SetDefault("resources.max-memory-percent", 75.0)
	v.SetDefault("resources.max-load-average", 2.0)

	v.SetDefault("schedule.ensure-session", "5 * * * *")
	v.SetDefault("schedule.query-files", "10 * * * *")
	v.SetDefault("schedule.download-files", "*/5 * * * *")
	v.SetDefault("schedule.cleanup-session", "0 * * * *")
}
