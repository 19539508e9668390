package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Inbox     InboxConfig     `mapstructure:"inbox"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type DeliveryConfig struct {
	Workers       int             `mapstructure:"workers"`
	BatchSize     int             `mapstructure:"batch_size"`
	Timeout       time.Duration   `mapstructure:"timeout"`
	MaxAttempts   int             `mapstructure:"max_attempts"`
	RetrySchedule []time.Duration `mapstructure:"retry_schedule"`
	ClaimLease    time.Duration   `mapstructure:"claim_lease"`
	PollInterval  time.Duration   `mapstructure:"poll_interval"`
}

type NotifyConfig struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type InboxConfig struct {
	PostbackSecret string `mapstructure:"postback_secret"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RetentionConfig struct {
	DeliveryTTL   time.Duration `mapstructure:"delivery_ttl"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hookline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hookline")
	}

	setDefaults(v)

	v.SetEnvPrefix("HOOKLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config data: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the dispatcher cannot run with.
func (c *Config) Validate() error {
	d := c.Delivery
	switch {
	case d.Workers <= 0:
		return fmt.Errorf("delivery.workers must be positive, got %d", d.Workers)
	case d.BatchSize <= 0:
		return fmt.Errorf("delivery.batch_size must be positive, got %d", d.BatchSize)
	case d.MaxAttempts <= 0:
		return fmt.Errorf("delivery.max_attempts must be positive, got %d", d.MaxAttempts)
	case len(d.RetrySchedule) == 0:
		return fmt.Errorf("delivery.retry_schedule must not be empty")
	case d.Timeout <= 0:
		return fmt.Errorf("delivery.timeout must be positive")
	case d.ClaimLease <= d.BatchSpan():
		// the last row of a batch may wait for every worker round before it is sent
		return fmt.Errorf("delivery.claim_lease (%s) must exceed delivery.timeout × ceil(batch_size/workers) (%s)",
			d.ClaimLease, d.BatchSpan())
	}
	for i, delay := range d.RetrySchedule {
		if delay <= 0 {
			return fmt.Errorf("delivery.retry_schedule[%d] must be positive", i)
		}
	}
	switch c.Notify.Driver {
	case "local", "redis":
	default:
		return fmt.Errorf("unsupported notify driver: %s", c.Notify.Driver)
	}
	return nil
}

// BatchSpan is the longest a full batch can take to start its last request:
// one timeout per round of workers.
func (d DeliveryConfig) BatchSpan() time.Duration {
	if d.Workers <= 0 {
		return d.Timeout
	}
	rounds := (d.BatchSize + d.Workers - 1) / d.Workers
	return d.Timeout * time.Duration(rounds)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/hookline.db")

	v.SetDefault("delivery.workers", 10)
	v.SetDefault("delivery.batch_size", 50)
	v.SetDefault("delivery.timeout", 30*time.Second)
	v.SetDefault("delivery.max_attempts", 8)
	v.SetDefault("delivery.retry_schedule", []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		1 * time.Hour,
		3 * time.Hour,
		12 * time.Hour,
		24 * time.Hour,
	})
	v.SetDefault("delivery.claim_lease", 5*time.Minute)
	v.SetDefault("delivery.poll_interval", 1*time.Minute)

	v.SetDefault("notify.driver", "local")
	v.SetDefault("notify.redis.addr", "localhost:6379")
	v.SetDefault("notify.redis.channel", "hookline:dispatch")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("retention.delivery_ttl", 30*24*time.Hour)
	v.SetDefault("retention.purge_interval", time.Hour)
}
