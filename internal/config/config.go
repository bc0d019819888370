// Package config loads gotuner settings from defaults, an optional YAML
// file, GOTUNER_* environment variables and runtime overrides, in that
// order of increasing precedence.
package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "GOTUNER"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Trainer   TrainerConfig   `mapstructure:"trainer"`
	Job       JobConfig       `mapstructure:"job"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	S3        S3Config        `mapstructure:"s3"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// QueueSize bounds jobs waiting behind the one running.
	QueueSize int `mapstructure:"queue_size"`

	// PublicURL is the externally reachable base used in upload URLs.
	// Empty means derive it from the request.
	PublicURL string `mapstructure:"public_url"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

type TrainerConfig struct {
	Dir     string   `mapstructure:"dir"`
	Venv    string   `mapstructure:"venv"`
	Command []string `mapstructure:"command"`
}

type JobConfig struct {
	LogTailLines int `mapstructure:"log_tail_lines"`
}

type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// SetDefaults registers every key with its default on v. Every key must
// have a default so environment variables are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "0s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.queue_size", 16)
	v.SetDefault("server.public_url", "")

	v.SetDefault("logging.level", "info")

	v.SetDefault("workspace.root", "/workspace")

	v.SetDefault("trainer.dir", "/SimpleTuner")
	v.SetDefault("trainer.venv", "/SimpleTuner/.venv")
	v.SetDefault("trainer.command", []string{"python", "train.py"})

	v.SetDefault("job.log_tail_lines", 20)

	v.SetDefault("auth.api_key", "")

	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 10)

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.force_path_style", false)
}

// envAliases are short variable names accepted alongside the dotted-key
// form (GOTUNER_SERVER_PORT and GOTUNER_PORT both set server.port).
var envAliases = map[string]string{
	"server.port":    "PORT",
	"server.host":    "HOST",
	"logging.level":  "LOG_LEVEL",
	"workspace.root": "WORKSPACE",
	"auth.api_key":   "API_KEY",
}

// Load builds a Config. configFile may be empty; a named file that does
// not exist is an error. Later overrides win.
func Load(ctx context.Context, configFile string, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), EnvPrefix+"_"+alias); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	for _, o := range overrides {
		if err := v.MergeConfigMap(o); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded Config, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Workspace.Root) == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if len(c.Trainer.Command) == 0 {
		return fmt.Errorf("trainer.command is required")
	}
	if c.Job.LogTailLines <= 0 {
		return fmt.Errorf("job.log_tail_lines must be positive")
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("ratelimit.rps must not be negative")
	}
	return nil
}

// Addr is the server listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
