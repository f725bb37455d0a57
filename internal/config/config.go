package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port             int    `mapstructure:"port"`
	DatabasePath     string `mapstructure:"database_path"`
	MediaRoot        string `mapstructure:"media_root"`
	LogLevel         string `mapstructure:"log_level"`
	RequestTimeoutMs int    `mapstructure:"request_timeout_ms"`
	ScanBucketWidth  int    `mapstructure:"scan_bucket_width"`
}

func Load(configPath string) (*Config, error) {
	// Set defaults
	viper.SetDefault("port", 9100)
	viper.SetDefault("database_path", "./arpreview-data/index.db")
	viper.SetDefault("media_root", "./arpreview-data/media")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("request_timeout_ms", 10000)
	viper.SetDefault("scan_bucket_width", 15)

	// Environment variables
	viper.SetEnvPrefix("ARPREVIEW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Configuration file
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("$HOME/.arpreview")
		viper.AddConfigPath("/etc/arpreview")
	}

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Override with environment variables
	if port := os.Getenv("ARPREVIEW_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("port", p)
		}
	}

	if dbPath := os.Getenv("ARPREVIEW_DATABASE_PATH"); dbPath != "" {
		viper.Set("database_path", dbPath)
	}

	if mediaRoot := os.Getenv("ARPREVIEW_MEDIA_ROOT"); mediaRoot != "" {
		viper.Set("media_root", mediaRoot)
	}

	if logLevel := os.Getenv("ARPREVIEW_LOG_LEVEL"); logLevel != "" {
		viper.Set("log_level", logLevel)
	}

	if timeout := os.Getenv("ARPREVIEW_REQUEST_TIMEOUT_MS"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			viper.Set("request_timeout_ms", t)
		}
	}

	if width := os.Getenv("ARPREVIEW_SCAN_BUCKET_WIDTH"); width != "" {
		if w, err := strconv.Atoi(width); err == nil {
			viper.Set("scan_bucket_width", w)
		}
	}

	// Unmarshal configuration
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.MkdirAll(cfg.MediaRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if c.DatabasePath == "" {
		return fmt.Errorf("database_path cannot be empty")
	}

	if c.MediaRoot == "" {
		return fmt.Errorf("media_root cannot be empty")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	validLogLevel := false
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			validLogLevel = true
			break
		}
	}
	if !validLogLevel {
		return fmt.Errorf("log_level must be one of %v, got %s", validLogLevels, c.LogLevel)
	}

	if c.RequestTimeoutMs < 100 || c.RequestTimeoutMs > 60000 {
		return fmt.Errorf("request_timeout_ms must be between 100 and 60000, got %d", c.RequestTimeoutMs)
	}

	if c.ScanBucketWidth < 1 || c.ScanBucketWidth > 120 || 360%c.ScanBucketWidth != 0 {
		return fmt.Errorf("scan_bucket_width must divide 360 evenly, got %d", c.ScanBucketWidth)
	}

	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{Port: %d, DatabasePath: %s, MediaRoot: %s, LogLevel: %s, RequestTimeoutMs: %d, ScanBucketWidth: %d}",
		c.Port, c.DatabasePath, c.MediaRoot, c.LogLevel, c.RequestTimeoutMs, c.ScanBucketWidth)
}
