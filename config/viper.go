package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	TargetFile    string `toml:"target_file" mapstructure:"target_file"`
	StaticRoot    string `toml:"static_root" mapstructure:"static_root"`
	BodyLimit     int    `toml:"body_limit" mapstructure:"body_limit"`
	LogLevel      string `toml:"log_level" mapstructure:"log_level"`
	NotifyEnabled bool   `toml:"notify_enabled" mapstructure:"notify_enabled"`
	NotifyPath    string `toml:"notify_path" mapstructure:"notify_path"`

	// ConfigFile is the file that was read, empty when running on defaults.
	ConfigFile string `toml:"-" mapstructure:"-"`
}

// flag name for each config key that can be set on the command line
var flagKeys = map[string]string{
	"host":           "host",
	"port":           "port",
	"target_file":    "target",
	"static_root":    "root",
	"body_limit":     "body-limit",
	"log_level":      "log-level",
	"notify_enabled": "notify",
	"notify_path":    "notify-path",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("port", DefaultPort)
	v.SetDefault("target_file", DefaultTargetFile)
	v.SetDefault("static_root", DefaultStaticRoot)
	v.SetDefault("body_limit", DefaultBodyLimit)
	v.SetDefault("log_level", "info")
	v.SetDefault("notify_enabled", true)
	v.SetDefault("notify_path", DefaultNotifyPath)
}

// Load builds the configuration from defaults, an optional config.toml,
// STAGESAVE_* environment variables and flags, in increasing priority.
// An explicit cfgFile must exist; the implicit ./config.toml may be absent.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for key, name := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %q: %w", name, err)
			}
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.ConfigFile = v.ConfigFileUsed()
	return c, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if strings.TrimSpace(c.TargetFile) == "" {
		return errors.New("target_file cannot be empty")
	}
	if c.BodyLimit <= 0 {
		return fmt.Errorf("invalid body_limit %d: must be positive", c.BodyLimit)
	}
	if c.NotifyEnabled {
		if !strings.HasPrefix(c.NotifyPath, "/") {
			return fmt.Errorf("invalid notify_path %q: must start with /", c.NotifyPath)
		}
		if c.NotifyPath == SavePath {
			return fmt.Errorf("notify_path cannot be %s", SavePath)
		}
	}
	return nil
}

// Addr is the listen address, an empty host binds all interfaces.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
