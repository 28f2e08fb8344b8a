package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration for the engine.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Workers    WorkerConfig     `mapstructure:"workers"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Health     HealthConfig     `mapstructure:"health"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxBodySize  int64         `mapstructure:"max_body_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// KafkaConfig covers the event source (consumer) and the producer used for
// action commands and alert lifecycle events.
type KafkaConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	Brokers      []string       `mapstructure:"brokers"`
	EventsTopic  string         `mapstructure:"events_topic"`
	GroupID      string         `mapstructure:"group_id"`
	ActionsTopic string         `mapstructure:"actions_topic"`
	AlertsTopic  string         `mapstructure:"alerts_topic"`
	Producer     ProducerConfig `mapstructure:"producer"`
}

// ProducerConfig tunes the kafka writer pool
type ProducerConfig struct {
	PoolSize     int           `mapstructure:"pool_size"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	Compression  string        `mapstructure:"compression"`
}

type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// StorageConfig selects the persistent store: memory, sqlite or postgres.
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig backs event de-duplication; disabled falls back to memory.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

type WorkerConfig struct {
	Count          int           `mapstructure:"count"`
	QueueSize      int           `mapstructure:"queue_size"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
}

type EscalationConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Upper bound on how long the loop sleeps when no timer is due
	MaxIdle time.Duration `mapstructure:"max_idle"`
}

// HealthConfig holds the fixed health thresholds of the metrics aggregator.
type HealthConfig struct {
	Window            time.Duration `mapstructure:"window"`
	MinDeliveryRate   float64       `mapstructure:"min_delivery_rate"`
	MaxEscalationRate float64       `mapstructure:"max_escalation_rate"`
}

type MetricsConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	StatsSchedule string        `mapstructure:"stats_schedule"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodySize:  10 * 1024 * 1024,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Kafka: KafkaConfig{
			Enabled:      false,
			Brokers:      []string{"localhost:9092"},
			EventsTopic:  "stockpulse.events",
			GroupID:      "stockpulse-engine",
			ActionsTopic: "stockpulse.actions",
			AlertsTopic:  "stockpulse.alerts",
			Producer: ProducerConfig{
				PoolSize:     4,
				BatchSize:    100,
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1,
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
				Compression:  "snappy",
			},
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "stockpulse.notifications",
		},
		Storage: StorageConfig{
			Driver:          "sqlite",
			DSN:             "stockpulse.db",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DedupTTL: 24 * time.Hour,
		},
		Workers: WorkerConfig{
			Count:          4,
			QueueSize:      1000,
			ProcessTimeout: 30 * time.Second,
		},
		Escalation: EscalationConfig{
			Enabled: true,
			MaxIdle: time.Minute,
		},
		Health: HealthConfig{
			Window:            15 * time.Minute,
			MinDeliveryRate:   0.90,
			MaxEscalationRate: 0.50,
		},
		Metrics: MetricsConfig{
			Retention:     24 * time.Hour,
			StatsSchedule: "@every 30s",
			PruneSchedule: "@every 5m",
		},
	}
}

// Load reads configuration from an optional YAML file and STOCKPULSE_*
// environment variables on top of Default().
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigType("yaml")
	v.SetEnvPrefix("STOCKPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so env overrides apply even without a file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	v.SetDefault("http.max_body_size", d.HTTP.MaxBodySize)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.events_topic", d.Kafka.EventsTopic)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.actions_topic", d.Kafka.ActionsTopic)
	v.SetDefault("kafka.alerts_topic", d.Kafka.AlertsTopic)
	v.SetDefault("kafka.producer.pool_size", d.Kafka.Producer.PoolSize)
	v.SetDefault("kafka.producer.batch_size", d.Kafka.Producer.BatchSize)
	v.SetDefault("kafka.producer.batch_timeout", d.Kafka.Producer.BatchTimeout)
	v.SetDefault("kafka.producer.write_timeout", d.Kafka.Producer.WriteTimeout)
	v.SetDefault("kafka.producer.required_acks", d.Kafka.Producer.RequiredAcks)
	v.SetDefault("kafka.producer.max_retries", d.Kafka.Producer.MaxRetries)
	v.SetDefault("kafka.producer.retry_backoff", d.Kafka.Producer.RetryBackoff)
	v.SetDefault("kafka.producer.compression", d.Kafka.Producer.Compression)

	v.SetDefault("nats.enabled", d.NATS.Enabled)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("storage.max_open_conns", d.Storage.MaxOpenConns)
	v.SetDefault("storage.max_idle_conns", d.Storage.MaxIdleConns)
	v.SetDefault("storage.conn_max_lifetime", d.Storage.ConnMaxLifetime)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.dedup_ttl", d.Redis.DedupTTL)

	v.SetDefault("workers.count", d.Workers.Count)
	v.SetDefault("workers.queue_size", d.Workers.QueueSize)
	v.SetDefault("workers.process_timeout", d.Workers.ProcessTimeout)

	v.SetDefault("escalation.enabled", d.Escalation.Enabled)
	v.SetDefault("escalation.max_idle", d.Escalation.MaxIdle)

	v.SetDefault("health.window", d.Health.Window)
	v.SetDefault("health.min_delivery_rate", d.Health.MinDeliveryRate)
	v.SetDefault("health.max_escalation_rate", d.Health.MaxEscalationRate)

	v.SetDefault("metrics.retention", d.Metrics.Retention)
	v.SetDefault("metrics.stats_schedule", d.Metrics.StatsSchedule)
	v.SetDefault("metrics.prune_schedule", d.Metrics.PruneSchedule)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver))
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required"))
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
		}
		if c.Kafka.EventsTopic == "" || c.Kafka.GroupID == "" {
			errs = append(errs, errors.New("kafka.events_topic and kafka.group_id are required"))
		}
	}
	if c.Workers.Count <= 0 {
		errs = append(errs, errors.New("workers.count must be positive"))
	}
	if c.Workers.QueueSize <= 0 {
		errs = append(errs, errors.New("workers.queue_size must be positive"))
	}
	if c.Health.MinDeliveryRate < 0 || c.Health.MinDeliveryRate > 1 {
		errs = append(errs, errors.New("health.min_delivery_rate must be within [0,1]"))
	}
	if c.Health.MaxEscalationRate < 0 || c.Health.MaxEscalationRate > 1 {
		errs = append(errs, errors.New("health.max_escalation_rate must be within [0,1]"))
	}

	return errors.Join(errs...)
}
