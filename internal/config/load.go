package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CHECKQ_SERVER_PORT.
const EnvPrefix = "CHECKQ"

// Load reads configuration from an optional config.yaml in the working
// directory and environment variables. Environment variables take precedence
// over values from config files.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path searches
// the working directory for config.yaml and tolerates its absence; an
// explicit path must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults are invisible to AutomaticEnv during Unmarshal.
	for _, key := range []string{
		"database.url",
		"auth.jwt_secret",
		"dispatch.quick_pool",
		"dispatch.full_pool",
		"kafka.control_topic",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags of cfg plus the cross-field rules that
// tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	v.RegisterStructValidation(validateKafka, KafkaConfig{})
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// validateKafka requires a control topic only when brokers are listed. An
// empty broker list, the default, leaves Kafka disabled.
func validateKafka(sl validator.StructLevel) {
	k := sl.Current().Interface().(KafkaConfig)
	if k.Enabled() && strings.TrimSpace(k.ControlTopic) == "" {
		sl.ReportError(k.ControlTopic, "ControlTopic", "ControlTopic", "required_with", "Brokers")
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout_seconds", 10)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.connect_max_elapsed_seconds", 30)

	v.SetDefault("auth.token_lifetime_minutes", 60)
	v.SetDefault("auth.pool_token_lifetime_minutes", 24*60)

	v.SetDefault("dispatch.default_pool", "default")
	v.SetDefault("dispatch.min_batch", 1)
	v.SetDefault("dispatch.max_batch", 100)
	v.SetDefault("dispatch.max_concurrent_quick", 500)
	v.SetDefault("dispatch.max_concurrent_full", 100)
	v.SetDefault("dispatch.overfetch_factor", 3)
	v.SetDefault("dispatch.lease_timeout_seconds", 120)
	v.SetDefault("dispatch.retry_after_seconds", 5)
	v.SetDefault("dispatch.claim_rate_per_second", 20.0)
	v.SetDefault("dispatch.claim_burst", 40)
	v.SetDefault("dispatch.recent_window", 50)

	v.SetDefault("billing.fallback_price", 1)

	v.SetDefault("cache.ttl_minutes", 7*24*60)
	v.SetDefault("cache.reveal_min_seconds", 30)
	v.SetDefault("cache.reveal_max_seconds", 600)
	v.SetDefault("cache.purge_interval_minutes", 60)

	v.SetDefault("realtime.debounce_millis", 200)
	v.SetDefault("realtime.write_timeout_seconds", 10)
	v.SetDefault("realtime.send_buffer", 64)
	v.SetDefault("realtime.allowed_origins", []string{})

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "checkq")
}
