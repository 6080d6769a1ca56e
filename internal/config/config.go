package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Global configuration structure.
type Global struct {
	APIURL string `mapstructure:"api_url" yaml:"api_url"`

	// HTTP/Retry configuration
	HTTPTimeoutSec   int `mapstructure:"http_timeout_sec" yaml:"http_timeout_sec"`
	RetryMaxAttempts int `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`
	RetryBaseDelayMs int `mapstructure:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs  int `mapstructure:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`

	// Workspace state (session id, dataset snapshot, transcript)
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`

	// Dataset/chat bounds
	PreviewRows       int `mapstructure:"preview_rows" yaml:"preview_rows"`
	MaxUploadMB       int `mapstructure:"max_upload_mb" yaml:"max_upload_mb"`
	ChatHistoryTurns  int `mapstructure:"chat_history_turns" yaml:"chat_history_turns"`
	ChatHistoryTokens int `mapstructure:"chat_history_tokens" yaml:"chat_history_tokens"`
	ChatResultRows    int `mapstructure:"chat_result_rows" yaml:"chat_result_rows"`

	// Logging
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Dir returns the default configuration directory (~/.dida).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".dida"), nil
}

// Save writes the given configuration to the cfgFile path. If cfgFile is empty,
// it writes to ~/.dida/config.yaml, creating the directory if necessary.
func Save(c *Global, cfgFile string) error {
	var path string
	if cfgFile != "" {
		path = cfgFile
	} else {
		dir, err := Dir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir config dir: %w", err)
		}
		path = filepath.Join(dir, "config.yaml")
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Load loads configuration from file, env, and defaults.
// Precedence: flags (cfgFile) > env > config file > defaults.
func Load(cfgFile string) (*Global, error) {
	v := viper.New()
	v.SetEnvPrefix("DIDA")
	v.AutomaticEnv()

	v.SetDefault("api_url", "http://localhost:8000/api")
	// HTTP/retry defaults
	v.SetDefault("http_timeout_sec", 120)
	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("retry_base_delay_ms", 500)
	v.SetDefault("retry_max_delay_ms", 4000)
	// Bounds
	v.SetDefault("preview_rows", 20)
	v.SetDefault("max_upload_mb", 100)
	v.SetDefault("chat_history_turns", 20)
	v.SetDefault("chat_history_tokens", 6000)
	v.SetDefault("chat_result_rows", 10)
	v.SetDefault("log_level", "info")
	// Empty defaults keep these keys visible to AutomaticEnv during Unmarshal.
	v.SetDefault("state_dir", "")
	v.SetDefault("log_file", "")

	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		_ = os.MkdirAll(dir, 0o755)
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	// optional read
	_ = v.ReadInConfig()

	var c Global
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(dir, "session")
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(dir, "logs", "dida.log")
	}
	return &c, nil
}
