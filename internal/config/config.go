package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/genba/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Locks    LocksConfig    `koanf:"locks"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Retry    RetryConfig    `koanf:"retry"`
	Engine   EngineConfig   `koanf:"engine"`
	Healing  HealingConfig  `koanf:"healing"`
	Remote   RemoteConfig   `koanf:"remote"`
	Models   ModelsConfig   `koanf:"models"`
	Notify   NotifyConfig   `koanf:"notify"`
	Adapters AdaptersConfig `koanf:"adapters"`
	Daemon   DaemonConfig   `koanf:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	DataPath   string `koanf:"data_path"`
	LegacyPath string `koanf:"legacy_path"`
}

type LocksConfig struct {
	Timeout       string `koanf:"timeout"`
	RetryInterval string `koanf:"retry_interval"`
	StaleTTL      string `koanf:"stale_ttl"`
}

type BreakerConfig struct {
	FailureThreshold int    `koanf:"failure_threshold"`
	RecoveryTimeout  string `koanf:"recovery_timeout"`
	HalfOpenMaxCalls int    `koanf:"half_open_max_calls"`
}

type RetryConfig struct {
	MaxAttempts       int     `koanf:"max_attempts"`
	InitialDelay      string  `koanf:"initial_delay"`
	BackoffMultiplier float64 `koanf:"backoff_multiplier"`
}

type EngineConfig struct {
	TickInterval      string `koanf:"tick_interval"`
	ExecTimeout       string `koanf:"exec_timeout"`
	AwaitStaleness    string `koanf:"await_staleness"`
	ShutdownTimeout   string `koanf:"shutdown_timeout"`
	GenerationRetries int    `koanf:"generation_retries"`
}

type HealingConfig struct {
	Enabled      bool   `koanf:"enabled"`
	GracePeriod  string `koanf:"grace_period"`
	ProbeURL     string `koanf:"probe_url"`
	ProbeTimeout string `koanf:"probe_timeout"`
}

type RemoteConfig struct {
	RootPath string `koanf:"root_path"`
	HostKey  string `koanf:"host_key"`
}

type ModelsConfig struct {
	Default  string          `koanf:"default"`
	Fallback string          `koanf:"fallback"`
	Registry []ModelRegistry `koanf:"registry"`
}

type ModelRegistry struct {
	Name           string `koanf:"name"`
	Provider       string `koanf:"provider"`
	BaseURL        string `koanf:"base_url"`
	APIKey         string `koanf:"api_key"`
	RequestTimeout string `koanf:"request_timeout"`
}

type NotifyConfig struct {
	Timeout         string `koanf:"timeout"`
	SlackWebhookURL string `koanf:"slack_webhook_url"`
}

type AdaptersConfig struct {
	Telegram TelegramConfig `koanf:"telegram"`
}

type TelegramConfig struct {
	Enabled       bool   `koanf:"enabled"`
	BotToken      string `koanf:"bot_token"`
	UpdateTimeout int    `koanf:"update_timeout"`
}

type DaemonConfig struct {
	ShutdownTimeout     string `koanf:"shutdown_timeout"`
	HealthCheckInterval string `koanf:"health_check_interval"`
	SweepSchedule       string `koanf:"sweep_schedule"`
	RetentionAge        string `koanf:"retention_age"`
}

const (
	DefaultServerPort             = 8080
	DefaultServerLogLevel         = "info"
	DefaultServerReadTimeout      = "10s"
	DefaultServerWriteTimeout     = "10s"
	DefaultServerShutdownTimeout  = "5s"
	DefaultLockTimeout            = "30s"
	DefaultLockRetryInterval      = "100ms"
	DefaultLockStaleTTL           = "300s"
	DefaultBreakerFailureThresh   = 5
	DefaultBreakerRecoveryTimeout = "60s"
	DefaultBreakerHalfOpenCalls   = 1
	DefaultRetryMaxAttempts       = 3
	DefaultRetryInitialDelay      = "1s"
	DefaultRetryBackoffMultiplier = 2.0
	DefaultEngineTickInterval     = "5s"
	DefaultEngineExecTimeout      = "10m"
	DefaultEngineAwaitStaleness   = "24h"
	DefaultEngineShutdownTimeout  = "30s"
	DefaultEngineGenerationRetry  = 2
	DefaultHealingGracePeriod     = "10s"
	DefaultHealingProbeTimeout    = "15s"
	DefaultRemoteHostKey          = "remote"
	DefaultModelDefault           = "claude-sonnet-4-20250514"
	DefaultModelFallback          = "gpt-4o"
	DefaultModelRequestTimeout    = "120s"
	DefaultNotifyTimeout          = "10s"
	DefaultTelegramUpdateTimeout  = 60
	DefaultDaemonShutdownTimeout  = "30s"
	DefaultDaemonHealthInterval   = "30s"
	DefaultDaemonSweepSchedule    = "@daily"
	DefaultDaemonRetentionAge     = "720h"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                  DefaultServerPort,
		"server.log_level":             DefaultServerLogLevel,
		"server.read_timeout":          DefaultServerReadTimeout,
		"server.write_timeout":         DefaultServerWriteTimeout,
		"server.shutdown_timeout":      DefaultServerShutdownTimeout,
		"store.data_path":              filepath.Join(os.Getenv("HOME"), ".genba", "sessions"),
		"store.legacy_path":            filepath.Join(os.Getenv("HOME"), ".genba", "tasks.yaml"),
		"locks.timeout":                DefaultLockTimeout,
		"locks.retry_interval":         DefaultLockRetryInterval,
		"locks.stale_ttl":              DefaultLockStaleTTL,
		"breaker.failure_threshold":    DefaultBreakerFailureThresh,
		"breaker.recovery_timeout":     DefaultBreakerRecoveryTimeout,
		"breaker.half_open_max_calls":  DefaultBreakerHalfOpenCalls,
		"retry.max_attempts":           DefaultRetryMaxAttempts,
		"retry.initial_delay":          DefaultRetryInitialDelay,
		"retry.backoff_multiplier":     DefaultRetryBackoffMultiplier,
		"engine.tick_interval":         DefaultEngineTickInterval,
		"engine.exec_timeout":          DefaultEngineExecTimeout,
		"engine.await_staleness":       DefaultEngineAwaitStaleness,
		"engine.shutdown_timeout":      DefaultEngineShutdownTimeout,
		"engine.generation_retries":    DefaultEngineGenerationRetry,
		"healing.enabled":              true,
		"healing.grace_period":         DefaultHealingGracePeriod,
		"healing.probe_timeout":        DefaultHealingProbeTimeout,
		"remote.root_path":             filepath.Join(os.Getenv("HOME"), ".genba", "remote"),
		"remote.host_key":              DefaultRemoteHostKey,
		"models.default":               DefaultModelDefault,
		"models.fallback":              DefaultModelFallback,
		"models.registry": []ModelRegistry{
			{Name: DefaultModelDefault, Provider: "anthropic"},
			{Name: DefaultModelFallback, Provider: "openai"},
		},
		"notify.timeout":                   DefaultNotifyTimeout,
		"adapters.telegram.update_timeout": DefaultTelegramUpdateTimeout,
		"daemon.shutdown_timeout":          DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":     DefaultDaemonHealthInterval,
		"daemon.sweep_schedule":            DefaultDaemonSweepSchedule,
		"daemon.retention_age":             DefaultDaemonRetentionAge,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".genba", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	k.Load(env.Provider("GENBA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GENBA_")), "_", ".", -1)
	}), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		for i, m := range cfg.Models.Registry {
			if m.Provider == "anthropic" && m.APIKey == "" {
				cfg.Models.Registry[i].APIKey = key
			}
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		for i, m := range cfg.Models.Registry {
			if m.Provider == "openai" && m.APIKey == "" {
				cfg.Models.Registry[i].APIKey = key
			}
		}
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	for _, field := range []*string{&cfg.Store.DataPath, &cfg.Store.LegacyPath, &cfg.Remote.RootPath} {
		expanded, err := pathutil.Expand(*field)
		if err != nil {
			return err
		}
		if expanded != "" {
			*field = expanded
		}
	}

	return nil
}
