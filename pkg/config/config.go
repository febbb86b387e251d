package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface for a cachebus node:
// where to reach Kafka and the reference Redis-backed store, plus the
// four CacheBus keys from the specification.
type Config struct {
	CacheBus      CacheBusConfig
	Kafka         KafkaConfig
	Redis         RedisConfig
	Observability ObservabilityConfig
	Tracing       TracingConfig
}

// CacheBusConfig holds the four configuration keys the specification
// names directly.
type CacheBusConfig struct {
	// MaximumRelationSize is CacheMessageManager.MaximumRelationSize:
	// the threshold above which a relation bulk event collapses to RESET.
	MaximumRelationSize int `mapstructure:"maximum_relation_size"`
	// DeliveryMode is CacheMessageManager.DeliveryMode: 0 = persistent
	// (wait for all in-sync replicas), 1 = non-persistent.
	DeliveryMode int `mapstructure:"delivery_mode"`
	// StatsPeriodMinutes is the statistics aggregator's flush interval.
	StatsPeriodMinutes int64 `mapstructure:"stats_period_minutes"`
	// StatsLogMaxThresholdMs is the minimum new-max value, in
	// milliseconds, that triggers an immediate log line.
	StatsLogMaxThresholdMs int64 `mapstructure:"stats_log_max_threshold_ms"`
}

type RedisConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	TTL          time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	Brokers  []string       `mapstructure:"brokers"`
	GroupID  string         `mapstructure:"group_id"`
	Version  string         `mapstructure:"version"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Producer ProducerConfig `mapstructure:"producer"`
}

type ConsumerConfig struct {
	MaxWait          time.Duration `mapstructure:"max_wait"`
	FetchMin         int           `mapstructure:"fetch_min"`
	FetchDefault     int           `mapstructure:"fetch_default"`
	SessionTimeout   time.Duration `mapstructure:"session_timeout"`
	RebalanceTimeout time.Duration `mapstructure:"rebalance_timeout"`
}

type ProducerConfig struct {
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

type ObservabilityConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPort int    `mapstructure:"metrics_port"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// TracingConfig configures the OTLP span exporter. Disabled by
// default so a standalone node never blocks dialing a collector that
// isn't there.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Environment string `mapstructure:"environment"`
}

// Load reads config.yaml (if present) and environment overrides
// prefixed CACHEMGR_, applying the specification's documented
// defaults for anything left unset.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/cachemgr/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CACHEMGR")

	viper.SetDefault("cachebus.maximum_relation_size", 10000)
	viper.SetDefault("cachebus.delivery_mode", 0)
	viper.SetDefault("cachebus.stats_period_minutes", 10)
	viper.SetDefault("cachebus.stats_log_max_threshold_ms", 10)

	viper.SetDefault("kafka.group_id", "cachebus")
	viper.SetDefault("kafka.consumer.max_wait", "500ms")
	viper.SetDefault("kafka.consumer.session_timeout", "10s")
	viper.SetDefault("kafka.consumer.rebalance_timeout", "60s")
	viper.SetDefault("kafka.producer.max_retries", 3)
	viper.SetDefault("kafka.producer.retry_backoff", "100ms")
	viper.SetDefault("kafka.producer.connect_timeout", "5s")

	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("redis.ttl", "5m")

	viper.SetDefault("observability.metrics_port", 9090)
	viper.SetDefault("observability.metrics_path", "/metrics")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.environment", "development")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
