package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig      `mapstructure:"log"`
	HTTP       HTTPConfig     `mapstructure:"http"`
	MySQL      DatabaseConfig `mapstructure:"mysql"`
	ClickHouse DatabaseConfig `mapstructure:"clickhouse"`
	Redis      RedisConfig    `mapstructure:"redis"`
	Kafka      KafkaConfig    `mapstructure:"kafka"`
	Broker     BrokerConfig   `mapstructure:"broker"`
	Worker     WorkerConfig   `mapstructure:"worker"`
	Models     []ModelConfig  `mapstructure:"models"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr       string `mapstructure:"addr"`
	AdminToken string `mapstructure:"admin_token"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

// BrokerConfig tunes credential selection. Ledger picks the usage-ledger
// backend: mysql (default), redis, or memory (single-node dev only).
type BrokerConfig struct {
	Ledger            string        `mapstructure:"ledger"`
	AllowPaidFallback bool          `mapstructure:"allow_paid_fallback"`
	MinReuseInterval  time.Duration `mapstructure:"min_reuse_interval"`
}

type WorkerConfig struct {
	Workers   int           `mapstructure:"workers"`
	BatchSize int           `mapstructure:"batch_size"`
	BatchWait time.Duration `mapstructure:"batch_wait"`
}

// ModelConfig is one catalog row: a caller-facing config name mapped to a
// backend target with its tier requirement and quota limits.
type ModelConfig struct {
	ConfigID     string `mapstructure:"config_id"`
	TargetID     string `mapstructure:"target_id"`
	RequiredTier string `mapstructure:"required_tier"`
	RPM          int    `mapstructure:"rpm"`
	TPM          int64  `mapstructure:"tpm"`
	RPD          int    `mapstructure:"rpd"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies
// env overrides (KEYBROKER_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (KEYBROKER_*)
	v.SetEnvPrefix("KEYBROKER")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
