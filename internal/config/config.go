package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	MySQL       MySQLConfig       `mapstructure:"mysql"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Economy     EconomyConfig     `mapstructure:"economy"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Reservation ReservationConfig `mapstructure:"reservation"`
	Channel     ChannelConfig     `mapstructure:"channel"`
	Poller      PollerConfig      `mapstructure:"poller"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	AuditExport string `mapstructure:"audit_export"`
}

// EconomyConfig holds settings shared by the financial actions.
type EconomyConfig struct {
	Currency       string `mapstructure:"currency"`
	LockTTLSeconds int    `mapstructure:"lock_ttl_seconds"`
}

func (c EconomyConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

type AuditConfig struct {
	SpoolPath       string        `mapstructure:"spool_path"`
	DefaultLimit    int           `mapstructure:"default_limit"`
	MaxLimit        int           `mapstructure:"max_limit"`
	ExportBatchSize int           `mapstructure:"export_batch_size"`
	ExportInterval  time.Duration `mapstructure:"export_interval"`
}

type ReservationConfig struct {
	HoldTTL time.Duration `mapstructure:"hold_ttl"`
}

type ChannelConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
}

type PollerConfig struct {
	VolatileInterval time.Duration `mapstructure:"volatile_interval"`
	StableInterval   time.Duration `mapstructure:"stable_interval"`
	MessageLimit     int           `mapstructure:"message_limit"`
	LeaderboardLimit int           `mapstructure:"leaderboard_limit"`
}

type JobsConfig struct {
	OutboxInterval      time.Duration `mapstructure:"outbox_interval"`
	MaxRetryCount       int           `mapstructure:"max_retry_count"`
	ReconcileInterval   time.Duration `mapstructure:"reconcile_interval"`
	ReconcileLookback   time.Duration `mapstructure:"reconcile_lookback"`
	SpoolReplayInterval time.Duration `mapstructure:"spool_replay_interval"`
	HoldExpiryInterval  time.Duration `mapstructure:"hold_expiry_interval"`
}

// SetDefaults registers defaults; the config file and env vars override them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("economy.currency", "coins")
	v.SetDefault("economy.lock_ttl_seconds", 30)

	v.SetDefault("audit.spool_path", "data/audit-spool.db")
	v.SetDefault("audit.default_limit", 50)
	v.SetDefault("audit.max_limit", 500)
	v.SetDefault("audit.export_batch_size", 200)
	v.SetDefault("audit.export_interval", time.Second)

	v.SetDefault("reservation.hold_ttl", 2*time.Hour)

	v.SetDefault("channel.connect_timeout", 10*time.Second)
	v.SetDefault("channel.health_interval", 5*time.Second)
	v.SetDefault("channel.key_prefix", "live")

	v.SetDefault("poller.volatile_interval", 5*time.Second)
	v.SetDefault("poller.stable_interval", 10*time.Second)
	v.SetDefault("poller.message_limit", 100)
	v.SetDefault("poller.leaderboard_limit", 10)

	v.SetDefault("jobs.outbox_interval", 100*time.Millisecond)
	v.SetDefault("jobs.max_retry_count", 5)
	v.SetDefault("jobs.reconcile_interval", time.Minute)
	v.SetDefault("jobs.reconcile_lookback", time.Hour)
	v.SetDefault("jobs.spool_replay_interval", 30*time.Second)
	v.SetDefault("jobs.hold_expiry_interval", time.Minute)
}

// Load reads the yaml config file at configPath.
//
// Env override: LIVEECONOMY_MYSQL_PASSWORD -> mysql.password
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("liveeconomy")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}
