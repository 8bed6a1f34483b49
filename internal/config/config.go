package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Pricing policy names.
const (
	PolicyFIFO         = "fifo"
	PolicyTimeWindowed = "window"
)

// Bucket widths (minutes) accepted for the time-windowed pricing policy.
var validBucketMinutes = map[int]bool{1: true, 5: true, 10: true, 15: true, 30: true, 60: true}

// Config holds all configuration for the application.
type Config struct {
	Monitor  Monitor  `mapstructure:"monitor"`
	Pricing  Pricing  `mapstructure:"pricing"`
	Detector Detector `mapstructure:"detector"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Monitor holds the configuration for the log monitoring loop.
type Monitor struct {
	LogFolder        string  `mapstructure:"log_folder"`
	ScanInterval     int     `mapstructure:"scan_interval"`     // seconds between incremental scans
	RescanInterval   int     `mapstructure:"rescan_interval"`   // seconds between safety-net full rescans
	RescanRateLimit  float64 `mapstructure:"rescan_rate_limit"` // max full rescans per second
	WebhookURL       string  `mapstructure:"webhook_url"`
	QuietFileSeconds float64 `mapstructure:"quiet_file_seconds"` // skip files modified more recently than this
}

// Pricing selects the trade matching policy for a run.
type Pricing struct {
	Policy        string `mapstructure:"policy"` // "fifo" or "window"
	BucketMinutes int    `mapstructure:"bucket_minutes"`
}

// Detector holds thresholds for the warning detector.
type Detector struct {
	AnomalyMultiple float64 `mapstructure:"anomaly_multiple"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("monitor.scan_interval", 10)
	viper.SetDefault("monitor.rescan_interval", 180)
	viper.SetDefault("monitor.rescan_rate_limit", 0.1)
	viper.SetDefault("monitor.quiet_file_seconds", 0.5)
	viper.SetDefault("pricing.policy", PolicyFIFO)
	viper.SetDefault("pricing.bucket_minutes", 1)
	viper.SetDefault("detector.anomaly_multiple", 3.0)
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("database.dsn", "pnl_monitor.db")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	err = config.Validate()
	return
}

// Validate rejects invalid option combinations at the configuration
// boundary so the engine never sees them mid-cycle.
func (c *Config) Validate() error {
	if c.Monitor.ScanInterval <= 0 {
		return fmt.Errorf("monitor.scan_interval must be positive, got %d", c.Monitor.ScanInterval)
	}
	if c.Monitor.RescanInterval <= 0 {
		return fmt.Errorf("monitor.rescan_interval must be positive, got %d", c.Monitor.RescanInterval)
	}
	switch c.Pricing.Policy {
	case PolicyFIFO:
	case PolicyTimeWindowed:
		if !validBucketMinutes[c.Pricing.BucketMinutes] {
			return fmt.Errorf("pricing.bucket_minutes must be one of 1, 5, 10, 15, 30, 60, got %d", c.Pricing.BucketMinutes)
		}
	default:
		return fmt.Errorf("pricing.policy must be %q or %q, got %q", PolicyFIFO, PolicyTimeWindowed, c.Pricing.Policy)
	}
	if c.Detector.AnomalyMultiple <= 1 {
		return fmt.Errorf("detector.anomaly_multiple must be greater than 1, got %v", c.Detector.AnomalyMultiple)
	}
	return nil
}
