// Package config provides configuration management for avatard
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Recognition  StageConfig        `mapstructure:"recognition"`
	Generation   StageConfig        `mapstructure:"generation"`
	Synthesis    StageConfig        `mapstructure:"synthesis"`
	Animation    StageConfig        `mapstructure:"animation"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Store        StoreConfig        `mapstructure:"store"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig configures the HTTP/websocket listener
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

// PipelineConfig configures job execution
type PipelineConfig struct {
	Workers   int  `mapstructure:"workers"`
	QueueSize int  `mapstructure:"queue_size"`
	LipSync   bool `mapstructure:"lip_sync"` // extra lip-sync pass after animation
}

// StageConfig configures one remote capability
type StageConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	Language     string        `mapstructure:"language"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Retries      int           `mapstructure:"retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// ConversationConfig bounds the generation adapter's chat history
type ConversationConfig struct {
	MaxExchanges  int `mapstructure:"max_exchanges"`
	ContextWindow int `mapstructure:"context_window"`
}

// StoreConfig configures the result and artifact stores
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// RetentionConfig configures the terminal-job sweeper.
// Disabled by default: completed jobs are kept until a policy is chosen.
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Dir     string `mapstructure:"dir"`
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: 15 * time.Second,
			MaxUploadBytes:  10 << 20,
		},
		Pipeline: PipelineConfig{
			Workers:   4,
			QueueSize: 64,
			LipSync:   false,
		},
		Recognition: StageConfig{
			BaseURL:  "http://localhost:9000",
			Model:    "base",
			Language: "ru",
			Timeout:  60 * time.Second,
		},
		Generation: StageConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2:3b",
			Timeout: 60 * time.Second,
		},
		Synthesis: StageConfig{
			BaseURL:  "http://localhost:8001",
			Language: "ru",
			Timeout:  120 * time.Second,
		},
		Animation: StageConfig{
			BaseURL: "http://localhost:8002",
			Timeout: 300 * time.Second,
		},
		Conversation: ConversationConfig{
			MaxExchanges:  20,
			ContextWindow: 5,
		},
		Store: StoreConfig{
			DataDir: filepath.Join(home, ".avatard", "data"),
		},
		Retention: RetentionConfig{
			Enabled:  false,
			Schedule: "0 3 * * *",
			MaxAge:   7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Dir:     filepath.Join(home, ".avatard", "logs"),
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configDir, err := Dir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("AVATARD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Dir returns the configuration directory path
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".avatard"), nil
}
