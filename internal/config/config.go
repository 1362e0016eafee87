package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Connection ConnectionSettings `mapstructure:"connection"`
	Throttle   ThrottleSettings   `mapstructure:"throttle"`
	Batch      BatchSettings      `mapstructure:"batch"`
	Window     WindowSettings     `mapstructure:"window"`
	Status     StatusSettings     `mapstructure:"status"`
	Notify     NotifySettings     `mapstructure:"notify"`
	Logging    LoggingConfig      `mapstructure:"logging"`
}

type ConnectionSettings struct {
	URL               string            `mapstructure:"url"`
	RunID             string            `mapstructure:"run_id"`
	Headers           map[string]string `mapstructure:"headers"`
	Subprotocols      []string          `mapstructure:"subprotocols"`
	HeartbeatInterval time.Duration     `mapstructure:"heartbeat_interval"`
	PongTimeout       time.Duration     `mapstructure:"pong_timeout"`
	DialTimeout       time.Duration     `mapstructure:"dial_timeout"`
	WriteTimeout      time.Duration     `mapstructure:"write_timeout"`
	BaseDelay         time.Duration     `mapstructure:"base_delay"`
	MaxDelay          time.Duration     `mapstructure:"max_delay"`
	MaxAttempts       int               `mapstructure:"max_attempts"`
	JitterRatio       float64           `mapstructure:"jitter_ratio"`
	SendRate          float64           `mapstructure:"send_rate"`
	SendBurst         int               `mapstructure:"send_burst"`
}

type ThrottleSettings struct {
	Interval      time.Duration `mapstructure:"interval"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Patterns      []string      `mapstructure:"patterns"`
	Dedup         bool          `mapstructure:"dedup"`
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	DedupCapacity int           `mapstructure:"dedup_capacity"`
}

type BatchSettings struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	MaxBatchSize int           `mapstructure:"max_batch_size"`
}

type WindowSettings struct {
	ItemExtent     float64       `mapstructure:"item_extent"`
	Overscan       int           `mapstructure:"overscan"`
	VisibleExtent  float64       `mapstructure:"visible_extent"`
	ScrollCoalesce time.Duration `mapstructure:"scroll_coalesce"`
}

type StatusSettings struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type NotifySettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Server   string `mapstructure:"server"`
	Topic    string `mapstructure:"topic"`
	Priority string `mapstructure:"priority"`
	Tags     string `mapstructure:"tags"`
	Token    string `mapstructure:"token"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connection.subprotocols", DefaultSubprotocols)
	v.SetDefault("connection.heartbeat_interval", "25s")
	v.SetDefault("connection.pong_timeout", "10s")
	v.SetDefault("connection.dial_timeout", "10s")
	v.SetDefault("connection.write_timeout", "5s")
	v.SetDefault("connection.base_delay", "800ms")
	v.SetDefault("connection.max_delay", "10s")
	v.SetDefault("connection.max_attempts", 10)
	v.SetDefault("connection.jitter_ratio", 0.35)
	v.SetDefault("connection.send_rate", 0)
	v.SetDefault("connection.send_burst", 1)

	v.SetDefault("throttle.interval", "1s")
	v.SetDefault("throttle.flush_interval", "1s")
	v.SetDefault("throttle.patterns", DefaultPatterns)
	v.SetDefault("throttle.dedup", true)
	v.SetDefault("throttle.dedup_ttl", "1m")
	v.SetDefault("throttle.dedup_capacity", 10000)

	v.SetDefault("batch.tick_interval", "16ms")
	v.SetDefault("batch.max_batch_size", 100)

	v.SetDefault("window.item_extent", 60)
	v.SetDefault("window.overscan", 3)
	v.SetDefault("window.visible_extent", 600)
	v.SetDefault("window.scroll_coalesce", "16ms")

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.addr", "127.0.0.1:9464")
	v.SetDefault("status.read_timeout", "10s")
	v.SetDefault("status.write_timeout", "10s")
	v.SetDefault("status.shutdown_timeout", "5s")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "satellite")

	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("LIVEFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Keys without a default are invisible to AutomaticEnv during Unmarshal
	_ = v.BindEnv("connection.url")
	_ = v.BindEnv("connection.run_id")
	_ = v.BindEnv("notify.topic")
	_ = v.BindEnv("notify.token")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
