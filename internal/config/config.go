package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/franckalain/ingredientscan/internal/ml"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	ML       ml.Config      `mapstructure:"ml"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         string `mapstructure:"port"`
	StaticDir    string `mapstructure:"static_dir"`
	UploadDir    string `mapstructure:"upload_dir"`
	MaxImageSize int    `mapstructure:"max_image_size"`
	Debug        bool   `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type PipelineConfig struct {
	ExtractTimeout time.Duration `mapstructure:"extract_timeout"`
	AnalyzeTimeout time.Duration `mapstructure:"analyze_timeout"`
	BatchLimit     int           `mapstructure:"batch_limit"`
}

type TrackerConfig struct {
	// Timezone decides which calendar day an intake belongs to; empty means local time
	Timezone string `mapstructure:"timezone"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Location resolves the tracker time zone
func (c TrackerConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// LoadConfig loads configuration from a JSON file, environment variables
// prefixed with INGREDIENT_ and defaults. A missing file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("INGREDIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ML.ApplyEnv()

	if config.Server.Port == "" {
		return nil, fmt.Errorf("server port is not set")
	}
	if _, err := config.Tracker.Location(); err != nil {
		return nil, fmt.Errorf("invalid tracker timezone: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.static_dir", "./static")
	v.SetDefault("server.upload_dir", "")
	v.SetDefault("server.max_image_size", 10<<20)
	v.SetDefault("server.debug", false)

	v.SetDefault("database.path", "intake_history.db")

	v.SetDefault("ml.extractor", "openai")
	v.SetDefault("ml.analyzer", "openai")
	v.SetDefault("ml.google.project_id", "")
	v.SetDefault("ml.google.location", "")
	v.SetDefault("ml.google.credentials_file", "")
	v.SetDefault("ml.openai.api_key", "")
	v.SetDefault("ml.openai.base_url", "")
	v.SetDefault("ml.openai.model", "")
	v.SetDefault("ml.local.command", "")
	v.SetDefault("ml.cache.addr", "")
	v.SetDefault("ml.cache.password", "")
	v.SetDefault("ml.cache.ttl", "24h")

	v.SetDefault("pipeline.extract_timeout", "30s")
	v.SetDefault("pipeline.analyze_timeout", "60s")
	v.SetDefault("pipeline.batch_limit", 4)

	v.SetDefault("tracker.timezone", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// GetConfigPath returns the path to the configuration file
func GetConfigPath() string {
	if path := os.Getenv("NUTRITIONAL_CONFIG"); path != "" {
		return path
	}

	configDir := "config"
	if _, err := os.Stat(configDir); err == nil {
		return filepath.Join(configDir, "config.json")
	}

	return "config.json"
}
