package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDir     = ".switchboard"
	configName = "switchboard.json"
	envPrefix  = "SWITCHBOARD"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a loader. An empty path means the default location.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// DefaultDataDir returns ~/.switchboard.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, appDir), nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	dir, err := DefaultDataDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, configName)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// bindEnv makes nested keys visible to AutomaticEnv even when the file
// does not mention them, e.g. SWITCHBOARD_GATEWAY_SHARED_SECRET.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"data_dir",
		"workspace",
		"agent.model",
		"channels.telegram.enabled",
		"channels.telegram.bot_token",
		"gateway.enabled",
		"gateway.host",
		"gateway.port",
		"gateway.shared_secret",
		"logging.level",
		"cron.timezone",
		"heartbeat.enabled",
		"subagents.enabled",
		"tracing.enabled",
	} {
		_ = v.BindEnv(key)
	}
}

// Load reads the config file, applies environment overrides and fills in
// derived paths. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	path := l.GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := newViper(path)
	bindEnv(v)
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.applyPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyPaths() error {
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if c.Workspace == "" {
		c.Workspace = filepath.Join(c.DataDir, "workspace")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "switchboard.log")
	}
	if c.Logging.AuditFile == "" {
		c.Logging.AuditFile = filepath.Join(c.DataDir, "audit.log")
	}
	return nil
}

// Save writes cfg to the config path through viper.
func (l *Loader) Save(cfg *Config) error {
	path := l.GetConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.Set("data_dir", cfg.DataDir)
	v.Set("workspace", cfg.Workspace)
	v.Set("ai", cfg.AI)
	v.Set("agent", cfg.Agent)
	v.Set("channels", cfg.Channels)
	v.Set("pairing", cfg.Pairing)
	v.Set("dispatcher", cfg.Dispatcher)
	v.Set("cron", cfg.Cron)
	v.Set("heartbeat", cfg.Heartbeat)
	v.Set("subagents", cfg.Subagents)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Chmod(path, 0o600)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
