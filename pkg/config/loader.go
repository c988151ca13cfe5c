package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. TASKMESH_ORCHESTRATION_FAIL_FAST.
const EnvPrefix = "TASKMESH"

// Load reads configuration with precedence (highest first):
//  1. TASKMESH_* environment variables
//  2. the file at path, or ./taskmesh.yaml, or $XDG_CONFIG_HOME/taskmesh/config.yaml
//  3. built-in defaults
//
// The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskmesh")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(userConfigDir(), "taskmesh"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers scalar defaults so env overrides apply even when no
// file sets the key. Provider and route maps are defaulted after unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("reasoning_role", d.ReasoningRole)
	v.SetDefault("summary_role", d.SummaryRole)

	v.SetDefault("resilience.circuit.failure_threshold", d.Resilience.Circuit.FailureThreshold)
	v.SetDefault("resilience.circuit.reset_timeout", d.Resilience.Circuit.ResetTimeout)
	v.SetDefault("resilience.circuit.half_open_max_attempts", d.Resilience.Circuit.HalfOpenMaxAttempts)
	v.SetDefault("resilience.circuit.success_threshold", d.Resilience.Circuit.SuccessThreshold)
	v.SetDefault("resilience.rate_limit_cooldown", d.Resilience.RateLimitCooldown)
	v.SetDefault("resilience.retry.max_retries", d.Resilience.Retry.MaxRetries)
	v.SetDefault("resilience.retry.initial_delay", d.Resilience.Retry.InitialDelay)
	v.SetDefault("resilience.retry.max_delay", d.Resilience.Retry.MaxDelay)
	v.SetDefault("resilience.retry.multiplier", d.Resilience.Retry.Multiplier)
	v.SetDefault("resilience.retry.jitter", d.Resilience.Retry.Jitter)
	v.SetDefault("resilience.retry.respect_retryable", d.Resilience.Retry.RespectRetryable)
	v.SetDefault("resilience.request_timeout", d.Resilience.RequestTimeout)

	v.SetDefault("orchestration.max_parallel_tasks", d.Orchestration.MaxParallelTasks)
	v.SetDefault("orchestration.task_timeout", d.Orchestration.TaskTimeout)
	v.SetDefault("orchestration.max_retries", d.Orchestration.MaxRetries)
	v.SetDefault("orchestration.fail_fast", d.Orchestration.FailFast)
	v.SetDefault("orchestration.min_confidence", d.Orchestration.MinConfidence)

	v.SetDefault("context_store.driver", d.ContextStore.Driver)
	v.SetDefault("context_store.path", d.ContextStore.Path)
	v.SetDefault("context_store.ttl", d.ContextStore.TTL)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("server.addr", d.Server.Addr)
}

func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return xdg
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config")
	}
	return "."
}

// Dump renders cfg as YAML. Credentials are never part of Config.
func Dump(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return out, nil
}
