package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Zimbra     ZimbraConfig     `yaml:"zimbra"`
	Sync       SyncConfig       `yaml:"sync"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ZimbraConfig points the remote task client at the SOAP and REST
// endpoints and carries the admin credential used for delegated auth.
type ZimbraConfig struct {
	AdminURL       string  `yaml:"admin_url"`
	SoapURL        string  `yaml:"soap_url"`
	RestURL        string  `yaml:"rest_url"`
	AdminUser      string  `yaml:"admin_user"`
	AdminPassword  string  `yaml:"admin_password"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
}

// SyncConfig holds the operational knobs of the sync engine.
type SyncConfig struct {
	PollIntervalSeconds      int `yaml:"poll_interval_seconds"`
	ErrorIntervalSeconds     int `yaml:"error_interval_seconds"`
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
	MaxRetries               int `yaml:"max_retries"`
	ClaimLeaseSeconds        int `yaml:"claim_lease_seconds"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; config values may still reference its variables.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Expand ${VAR} references before parsing.
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Zimbra.AdminURL == "" || c.Zimbra.SoapURL == "" || c.Zimbra.RestURL == "" {
		return errors.New("zimbra admin_url, soap_url and rest_url are required")
	}
	if c.Zimbra.AdminUser == "" || c.Zimbra.AdminPassword == "" {
		return errors.New("zimbra admin credential is required")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Sync.PollIntervalSeconds == 0 {
		c.Sync.PollIntervalSeconds = 5
	}
	if c.Sync.ErrorIntervalSeconds == 0 {
		c.Sync.ErrorIntervalSeconds = 30
	}
	if c.Sync.ReconcileIntervalSeconds == 0 {
		c.Sync.ReconcileIntervalSeconds = 300
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 3
	}
	if c.Sync.ClaimLeaseSeconds == 0 {
		c.Sync.ClaimLeaseSeconds = 600
	}

	if c.Zimbra.TimeoutSeconds == 0 {
		c.Zimbra.TimeoutSeconds = 30
	}
	if c.Zimbra.RateLimitRPS == 0 {
		c.Zimbra.RateLimitRPS = 10
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Exports.Path == "" {
		c.Exports.Path = "./exports"
	}
}
