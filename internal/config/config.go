// Package config loads and validates tracker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all client configuration knobs loaded via Viper.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Insight   InsightConfig   `mapstructure:"insight"`
	History   HistoryConfig   `mapstructure:"history"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	DevServer DevServerConfig `mapstructure:"devserver"`
}

// APIConfig locates the analysis service and controls request retries.
type APIConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	FeedURL          string `mapstructure:"feed_url"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	// MaxRPS caps requests per second to the service; 0 disables the cap.
	MaxRPS float64 `mapstructure:"max_rps"`
	Burst  int     `mapstructure:"burst"`
}

// AuthConfig carries the optional bearer token sent to the service.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// TrackerConfig governs the connection manager and completion latch.
type TrackerConfig struct {
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"`
	ReconnectDelayMs     int `mapstructure:"reconnect_delay_ms"`
	SettleDelayMs        int `mapstructure:"settle_delay_ms"`
}

// HeartbeatConfig toggles and tunes the liveness watchdog.
type HeartbeatConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	CheckIntervalSeconds int  `mapstructure:"check_interval_seconds"`
	TimeoutSeconds       int  `mapstructure:"timeout_seconds"`
}

// BroadcastConfig sizes the status hub.
type BroadcastConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// InsightConfig tunes polling of the integrated analysis.
type InsightConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	TimeoutSeconds      int `mapstructure:"timeout_seconds"`
}

// HistoryConfig sets the default page of the job history listing.
type HistoryConfig struct {
	Limit int `mapstructure:"limit"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DevServerConfig controls the local stand-in analysis service.
type DevServerConfig struct {
	Port                int `mapstructure:"port"`
	StepDelayMs         int `mapstructure:"step_delay_ms"`
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
}

// Load builds a Config from disk/environment. Without an explicit path it
// looks for jobtracker.{yaml,toml,json} in the working directory and in
// $HOME/.jobtracker, and falls back to defaults when none exists.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBTRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("jobtracker")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.jobtracker")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.feed_url", "")
	v.SetDefault("api.timeout_seconds", 15)
	v.SetDefault("api.max_retries", 2)
	v.SetDefault("api.backoff_initial_ms", 250)
	v.SetDefault("api.backoff_max_ms", 2000)
	v.SetDefault("api.max_rps", 0)
	v.SetDefault("api.burst", 5)
	v.SetDefault("auth.token", "")
	v.SetDefault("tracker.max_reconnect_attempts", 5)
	v.SetDefault("tracker.reconnect_delay_ms", 3000)
	v.SetDefault("tracker.settle_delay_ms", 1000)
	v.SetDefault("heartbeat.enabled", true)
	v.SetDefault("heartbeat.check_interval_seconds", 5)
	v.SetDefault("heartbeat.timeout_seconds", 35)
	v.SetDefault("broadcast.buffer_size", 256)
	v.SetDefault("broadcast.max_batch_events", 1)
	v.SetDefault("broadcast.max_batch_wait_ms", 50)
	v.SetDefault("insight.poll_interval_seconds", 3)
	v.SetDefault("insight.timeout_seconds", 600)
	v.SetDefault("history.limit", 1000)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("devserver.port", 8000)
	v.SetDefault("devserver.step_delay_ms", 700)
	v.SetDefault("devserver.heartbeat_interval_ms", 10000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api.base_url must be an absolute http(s) URL")
	}
	if c.API.FeedURL != "" && !strings.Contains(c.API.FeedURL, "{id}") {
		return fmt.Errorf("api.feed_url must contain the {id} placeholder")
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be > 0")
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("api.max_retries must be >= 0")
	}
	if c.API.MaxRPS < 0 {
		return fmt.Errorf("api.max_rps must be >= 0")
	}
	if c.Tracker.MaxReconnectAttempts < 0 {
		return fmt.Errorf("tracker.max_reconnect_attempts must be >= 0")
	}
	if c.Tracker.ReconnectDelayMs < 0 || c.Tracker.SettleDelayMs < 0 {
		return fmt.Errorf("tracker delays must be >= 0")
	}
	if c.Heartbeat.Enabled {
		if c.Heartbeat.CheckIntervalSeconds <= 0 {
			return fmt.Errorf("heartbeat.check_interval_seconds must be > 0 when heartbeat is enabled")
		}
		if c.Heartbeat.TimeoutSeconds <= c.Heartbeat.CheckIntervalSeconds {
			return fmt.Errorf("heartbeat.timeout_seconds must exceed heartbeat.check_interval_seconds")
		}
	}
	if c.Insight.PollIntervalSeconds <= 0 {
		return fmt.Errorf("insight.poll_interval_seconds must be > 0")
	}
	if c.Insight.TimeoutSeconds < 0 {
		return fmt.Errorf("insight.timeout_seconds must be >= 0")
	}
	if c.History.Limit <= 0 {
		return fmt.Errorf("history.limit must be > 0")
	}
	if c.DevServer.Port <= 0 {
		return fmt.Errorf("devserver.port must be > 0")
	}
	return nil
}

// RequestTimeout is the per-request budget for REST calls.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// ReconnectDelay is the fixed wait before each reconnect attempt.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Tracker.ReconnectDelayMs) * time.Millisecond
}

// SettleDelay is the wait between completion and the finished notification.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Tracker.SettleDelayMs) * time.Millisecond
}

// HeartbeatInterval is the period of the liveness check.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.CheckIntervalSeconds) * time.Second
}

// HeartbeatTimeout is the silence after which the feed is considered dead.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Heartbeat.TimeoutSeconds) * time.Second
}

// InsightPollInterval is the wait between integrated analysis status polls.
func (c Config) InsightPollInterval() time.Duration {
	return time.Duration(c.Insight.PollIntervalSeconds) * time.Second
}

// InsightTimeout bounds the whole integrated analysis wait; 0 means no bound.
func (c Config) InsightTimeout() time.Duration {
	return time.Duration(c.Insight.TimeoutSeconds) * time.Second
}

// FeedURLTemplate returns the live feed address with an {id} placeholder,
// deriving ws(s)://host/ws/job/{id} from the base URL when none is set.
func (c Config) FeedURLTemplate() string {
	if c.API.FeedURL != "" {
		return c.API.FeedURL
	}
	base := strings.TrimRight(c.API.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/job/{id}"
}
