package config

import (
	"time"

	"github.com/phrazzld/checkq/internal/domain"
)

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
	Dispatch DispatchConfig `mapstructure:"dispatch" validate:"required"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Cache    CacheConfig    `mapstructure:"cache" validate:"required"`
	Realtime RealtimeConfig `mapstructure:"realtime" validate:"required"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port                   int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel               string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL                      string `mapstructure:"url" validate:"required,url"`
	MaxOpenConns             int    `mapstructure:"max_open_conns" validate:"gt=0"`
	MaxIdleConns             int    `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnectMaxElapsedSeconds int    `mapstructure:"connect_max_elapsed_seconds" validate:"gt=0"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret                string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes     int    `mapstructure:"token_lifetime_minutes" validate:"gt=0"`
	PoolTokenLifetimeMinutes int    `mapstructure:"pool_token_lifetime_minutes" validate:"gt=0"`
}

// DispatchConfig tunes the claim protocol.
type DispatchConfig struct {
	DefaultPool string `mapstructure:"default_pool" validate:"required"`
	// QuickPool and FullPool override DefaultPool per check mode.
	QuickPool string `mapstructure:"quick_pool"`
	FullPool  string `mapstructure:"full_pool"`

	MinBatch           int `mapstructure:"min_batch" validate:"gte=1"`
	MaxBatch           int `mapstructure:"max_batch" validate:"gtefield=MinBatch"`
	MaxConcurrentQuick int `mapstructure:"max_concurrent_quick" validate:"gt=0"`
	MaxConcurrentFull  int `mapstructure:"max_concurrent_full" validate:"gt=0"`
	// OverfetchFactor multiplies the desired count when selecting
	// candidates, so that candidates lost to concurrent claims are absorbed.
	OverfetchFactor     int     `mapstructure:"overfetch_factor" validate:"gte=1"`
	LeaseTimeoutSeconds int     `mapstructure:"lease_timeout_seconds" validate:"gt=0"`
	RetryAfterSeconds   int     `mapstructure:"retry_after_seconds" validate:"gte=0"`
	ClaimRatePerSecond  float64 `mapstructure:"claim_rate_per_second" validate:"gte=0"`
	ClaimBurst          int     `mapstructure:"claim_burst" validate:"gte=0"`
	RecentWindow        int     `mapstructure:"recent_window" validate:"gt=0,lte=500"`
}

// PoolFor returns the pool that tasks of mode are queued in.
func (d DispatchConfig) PoolFor(mode domain.CheckMode) string {
	switch mode {
	case domain.CheckModeQuick:
		if d.QuickPool != "" {
			return d.QuickPool
		}
	case domain.CheckModeFull:
		if d.FullPool != "" {
			return d.FullPool
		}
	}
	return d.DefaultPool
}

// MaxConcurrent returns how many tasks of mode may be out with workers at once.
func (d DispatchConfig) MaxConcurrent(mode domain.CheckMode) int {
	if mode == domain.CheckModeFull {
		return d.MaxConcurrentFull
	}
	return d.MaxConcurrentQuick
}

// LeaseTimeout is the lease duration granted on claim.
func (d DispatchConfig) LeaseTimeout() time.Duration {
	return time.Duration(d.LeaseTimeoutSeconds) * time.Second
}

// BillingConfig holds the last-resort price.
type BillingConfig struct {
	FallbackPrice int64 `mapstructure:"fallback_price" validate:"gte=0"`
}

// CacheConfig tunes the negative-result cache. Reveal delays are bounded to
// [30s, 600s] so that a cache hit looks like an in-flight check.
type CacheConfig struct {
	TTLMinutes       int `mapstructure:"ttl_minutes" validate:"gt=0"`
	RevealMinSeconds int `mapstructure:"reveal_min_seconds" validate:"gte=30,lte=600"`
	RevealMaxSeconds int `mapstructure:"reveal_max_seconds" validate:"gtefield=RevealMinSeconds,lte=600"`
	// PurgeIntervalMinutes is how often expired entries are deleted; 0
	// disables the background purge.
	PurgeIntervalMinutes int `mapstructure:"purge_interval_minutes" validate:"gte=0"`
}

// TTL is the lifetime of a cache entry.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// PurgeInterval is the period of the background purge.
func (c CacheConfig) PurgeInterval() time.Duration {
	return time.Duration(c.PurgeIntervalMinutes) * time.Minute
}

// RealtimeConfig tunes event debouncing and the websocket hub.
type RealtimeConfig struct {
	DebounceMillis      int      `mapstructure:"debounce_millis" validate:"gt=0"`
	WriteTimeoutSeconds int      `mapstructure:"write_timeout_seconds" validate:"gt=0"`
	SendBuffer          int      `mapstructure:"send_buffer" validate:"gt=0"`
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
}

// Debounce is the coalescing window for realtime updates.
func (r RealtimeConfig) Debounce() time.Duration {
	return time.Duration(r.DebounceMillis) * time.Millisecond
}

// KafkaConfig configures the pool control channel. When Brokers is empty
// pause signals only go to the log.
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	ControlTopic string   `mapstructure:"control_topic"`
	ClientID     string   `mapstructure:"client_id"`
}

// Enabled reports whether a Kafka control channel is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}
