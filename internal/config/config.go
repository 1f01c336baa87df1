// Package config loads companion settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to environment overrides, e.g. COMPANION_LLM_API_KEY.
const EnvPrefix = "COMPANION"

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Emotion EmotionConfig `mapstructure:"emotion" yaml:"emotion"`
	Vision  VisionConfig  `mapstructure:"vision" yaml:"vision"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	TTS     TTSConfig     `mapstructure:"tts" yaml:"tts"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP/WebSocket transport.
type ServerConfig struct {
	Addr       string  `mapstructure:"addr" yaml:"addr"`
	RatePerSec float64 `mapstructure:"rate_per_sec" yaml:"rate_per_sec"`
	Burst      int     `mapstructure:"burst" yaml:"burst"`
}

// EmotionConfig tunes sampling, smoothing and caching.
type EmotionConfig struct {
	CacheTTL              time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	ConfidenceThreshold   float64       `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	WindowSize            int           `mapstructure:"window_size" yaml:"window_size"`
	PersonalizedThreshold float64       `mapstructure:"personalized_threshold" yaml:"personalized_threshold"`
	MonitorInterval       time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
	MonitorEnabled        bool          `mapstructure:"monitor_enabled" yaml:"monitor_enabled"`
	FrameMaxAge           time.Duration `mapstructure:"frame_max_age" yaml:"frame_max_age"`
}

// VisionConfig points at the external facial analysis service.
type VisionConfig struct {
	ClassifierURL string        `mapstructure:"classifier_url" yaml:"classifier_url"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LLMConfig configures response generation.
type LLMConfig struct {
	Model        string  `mapstructure:"model" yaml:"model"`
	APIKey       string  `mapstructure:"api_key" yaml:"api_key"`
	BaseURL      string  `mapstructure:"base_url" yaml:"base_url"`
	Temperature  float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	ContextTurns int     `mapstructure:"context_turns" yaml:"context_turns"`
	MaxFailures  int     `mapstructure:"max_failures" yaml:"max_failures"`
}

// TTSConfig configures speech synthesis.
type TTSConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Model    string        `mapstructure:"model" yaml:"model"`
	APIKey   string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	AudioTTL time.Duration `mapstructure:"audio_ttl" yaml:"audio_ttl"`
}

// StorageConfig locates the sqlite database.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:       "127.0.0.1:5000",
			RatePerSec: 5,
			Burst:      10,
		},
		Emotion: EmotionConfig{
			CacheTTL:              8 * time.Second,
			ConfidenceThreshold:   0.70,
			WindowSize:            8,
			PersonalizedThreshold: 0.7,
			MonitorInterval:       3 * time.Second,
			MonitorEnabled:        true,
			FrameMaxAge:           10 * time.Second,
		},
		Vision: VisionConfig{
			ClassifierURL: "http://127.0.0.1:8001",
			Timeout:       10 * time.Second,
		},
		LLM: LLMConfig{
			Model:        "gpt-4o-mini",
			Temperature:  0.9,
			MaxTokens:    150,
			ContextTurns: 50,
			MaxFailures:  5,
		},
		TTS: TTSConfig{
			Enabled:  true,
			Model:    "tts-1",
			Endpoint: "https://api.openai.com/v1/audio/speech",
			AudioTTL: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: "~/.companion",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Dir:     "~/.companion/logs",
			Console: true,
		},
	}
}

// DefaultPath returns ~/.companion/config.yaml.
func DefaultPath() string {
	return filepath.Join("~", ".companion", "config.yaml")
}

// LoadFromPath reads configuration from path and merges environment
// overrides. A default file is written when none exists.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return decode(v)
}

// Watch re-reads path whenever it changes on disk and hands the decoded
// configuration to apply. Invalid edits are reported through onError and
// otherwise ignored.
func Watch(path string, apply func(*Config), onError func(error)) error {
	path = expandPath(path)
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		apply(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	cfg.Logging.Dir = expandPath(cfg.Logging.Dir)
	return cfg, nil
}

// SaveToPath writes the configuration to path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Server.RatePerSec <= 0 || c.Server.Burst <= 0 {
		return fmt.Errorf("server.rate_per_sec and server.burst must be positive")
	}

	e := c.Emotion
	if e.CacheTTL < 0 {
		return fmt.Errorf("emotion.cache_ttl cannot be negative")
	}
	if e.WindowSize < 1 {
		return fmt.Errorf("emotion.window_size must be at least 1")
	}
	if e.ConfidenceThreshold < 0 || e.ConfidenceThreshold > 1 {
		return fmt.Errorf("emotion.confidence_threshold must be between 0 and 1")
	}
	if e.PersonalizedThreshold < 0 || e.PersonalizedThreshold > 1 {
		return fmt.Errorf("emotion.personalized_threshold must be between 0 and 1")
	}
	if e.MonitorEnabled && e.MonitorInterval <= 0 {
		return fmt.Errorf("emotion.monitor_interval must be positive when the monitor is enabled")
	}

	if c.LLM.ContextTurns < 0 {
		return fmt.Errorf("llm.context_turns cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes cfg as YAML using the struct's yaml tags.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
