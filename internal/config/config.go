// Package config loads and validates the process configuration. Precedence
// is flags-free and simple: explicit config file > CLASSPULSE_* environment
// variables > built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Alerts    AlertConfig     `mapstructure:"alerts"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig tunes the HTTP listener hosting both the websocket endpoints
// and the REST surface.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebSocketConfig tunes every accepted connection.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	QueueSize        int           `mapstructure:"queue_size"`
	MaxMessageBytes  int64         `mapstructure:"max_message_bytes"`
}

// EngineConfig tunes the per-student attention classifier.
type EngineConfig struct {
	CalibrationSamples int           `mapstructure:"calibration_samples"`
	BaselineScale      float64       `mapstructure:"baseline_scale"`
	FallbackEAR        float64       `mapstructure:"fallback_ear"`
	LookAwayBand       float64       `mapstructure:"look_away_band"`
	MaxYawDegrees      float64       `mapstructure:"max_yaw_degrees"`
	DrowsyFrames       int           `mapstructure:"drowsy_frames"`
	LookAwayFrames     int           `mapstructure:"look_away_frames"`
	EmitInterval       time.Duration `mapstructure:"emit_interval"`
}

// AlertConfig tunes the per-room alert policy.
type AlertConfig struct {
	Dwell        time.Duration `mapstructure:"dwell"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

// ChatConfig tunes chat fan-out limits.
type ChatConfig struct {
	PerMinute int `mapstructure:"per_minute"`
}

// ArchiveConfig locates the optional session journal. An empty path
// disables archiving.
type ArchiveConfig struct {
	Path      string `mapstructure:"path"`
	QueueSize int    `mapstructure:"queue_size"`
}

// LoggingConfig tunes the process logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration with the standard precedence. path may be empty;
// environment variables use the CLASSPULSE_ prefix with underscores for
// nesting, e.g. CLASSPULSE_SERVER_PORT=9000.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("classpulse")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("websocket.handshake_timeout", 10*time.Second)
	v.SetDefault("websocket.read_timeout", 60*time.Second)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.write_timeout", 5*time.Second)
	v.SetDefault("websocket.queue_size", 100)
	v.SetDefault("websocket.max_message_bytes", 64*1024)

	v.SetDefault("engine.calibration_samples", 25)
	v.SetDefault("engine.baseline_scale", 0.55)
	v.SetDefault("engine.fallback_ear", 0.18)
	v.SetDefault("engine.look_away_band", 0.25)
	v.SetDefault("engine.max_yaw_degrees", 30.0)
	v.SetDefault("engine.drowsy_frames", 10)
	v.SetDefault("engine.look_away_frames", 8)
	v.SetDefault("engine.emit_interval", 2*time.Second)

	v.SetDefault("alerts.dwell", 2500*time.Millisecond)
	v.SetDefault("alerts.history_limit", 50)

	v.SetDefault("chat.per_minute", 60)

	v.SetDefault("archive.path", "")
	v.SetDefault("archive.queue_size", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Validate checks every section plus the cross-component constraint between
// the alert dwell and the classifier's emit cadence.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}

	if c.WebSocket.HandshakeTimeout <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("websocket ping interval %v must be positive and below the read timeout %v",
			c.WebSocket.PingInterval, c.WebSocket.ReadTimeout)
	}
	if c.WebSocket.QueueSize < 1 {
		return fmt.Errorf("websocket queue size must be at least 1")
	}
	if c.WebSocket.MaxMessageBytes < 1 {
		return fmt.Errorf("websocket max message bytes must be at least 1")
	}

	if c.Engine.CalibrationSamples < 1 {
		return fmt.Errorf("engine calibration samples must be at least 1")
	}
	if c.Engine.BaselineScale <= 0 || c.Engine.BaselineScale >= 1 {
		return fmt.Errorf("engine baseline scale must be in (0, 1), got %v", c.Engine.BaselineScale)
	}
	if c.Engine.FallbackEAR <= 0 {
		return fmt.Errorf("engine fallback ear must be positive")
	}
	if c.Engine.LookAwayBand <= 0 || c.Engine.MaxYawDegrees <= 0 {
		return fmt.Errorf("engine look-away thresholds must be positive")
	}
	if c.Engine.DrowsyFrames < 1 || c.Engine.LookAwayFrames < 1 {
		return fmt.Errorf("engine frame thresholds must be at least 1")
	}
	if c.Engine.EmitInterval <= 0 {
		return fmt.Errorf("engine emit interval must be positive")
	}

	if c.Alerts.Dwell <= c.Engine.EmitInterval {
		return fmt.Errorf("alert dwell %v must exceed the engine emit interval %v",
			c.Alerts.Dwell, c.Engine.EmitInterval)
	}
	if c.Alerts.HistoryLimit < 1 {
		return fmt.Errorf("alert history limit must be at least 1")
	}

	if c.Chat.PerMinute < 1 {
		return fmt.Errorf("chat per minute must be at least 1")
	}

	if c.Archive.Path != "" && c.Archive.QueueSize < 1 {
		return fmt.Errorf("archive queue size must be at least 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}

	return nil
}
