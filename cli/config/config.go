package config

import (
	"errors"
	"fmt"
	"time"
)

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "nanoserver.yaml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents a nanoserver.yaml configuration file.
// Omitted values keep their Defaults; CLI flags override both.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Stream   StreamConfig   `yaml:"stream"`
	Camera   CameraConfig   `yaml:"camera"`
	Quality  QualityConfig  `yaml:"quality"`
	Detector DetectorConfig `yaml:"detector"`
	Motion   MotionConfig   `yaml:"motion"`
	Power    PowerConfig    `yaml:"power"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Adapter  AdapterConfig  `yaml:"adapter"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds listener and per-client settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	ServerTimeout  Duration `yaml:"server_timeout"`
	ClientTimeout  Duration `yaml:"client_timeout"`
	QueueSize      int      `yaml:"queue_size"`
	QueueTimeLimit Duration `yaml:"queue_time_limit"`
}

// StreamConfig holds frame pipeline settings.
type StreamConfig struct {
	MaxFPS       float64  `yaml:"max_fps"`
	IdleInterval Duration `yaml:"idle_interval"`
	Timeout      Duration `yaml:"timeout"`
	Workers      int      `yaml:"workers"`
}

// CameraConfig holds the initial capture settings.
type CameraConfig struct {
	Width       int `yaml:"width"`
	Height      int `yaml:"height"`
	JPEGQuality int `yaml:"jpeg_quality"`
}

// QualityConfig bounds SET_QUALITY requests (inclusive).
type QualityConfig struct {
	MinWidth  int `yaml:"min_width"`
	MaxWidth  int `yaml:"max_width"`
	MinHeight int `yaml:"min_height"`
	MaxHeight int `yaml:"max_height"`
}

// Allows reports whether width x height is inside the range.
func (q QualityConfig) Allows(width, height int) bool {
	return width >= q.MinWidth && width <= q.MaxWidth &&
		height >= q.MinHeight && height <= q.MaxHeight
}

// DetectorConfig holds descriptor discovery and loading settings.
type DetectorConfig struct {
	ConfigsDir  string   `yaml:"configs_dir"`
	Default     string   `yaml:"default"`
	Watch       bool     `yaml:"watch"`
	Debounce    Duration `yaml:"debounce"`
	LoadTimeout Duration `yaml:"load_timeout"`
}

// MotionConfig holds the motion watchdog settings.
type MotionConfig struct {
	ResetInterval Duration `yaml:"reset_interval"`
	CheckInterval Duration `yaml:"check_interval"`
}

// PowerConfig holds the command run after SHUTDOWN. Empty disables it.
type PowerConfig struct {
	ShutdownCommand []string `yaml:"shutdown_command"`
	Timeout         Duration `yaml:"timeout"`
}

// MetricsConfig holds the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// AdapterConfig holds session notification settings.
type AdapterConfig struct {
	Type      string            `yaml:"type"`
	URL       string            `yaml:"url"`
	Channel   string            `yaml:"channel,omitempty"`
	Codec     string            `yaml:"codec,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Timeout   Duration          `yaml:"timeout,omitempty"`
	Retries   *int              `yaml:"retries,omitempty"`
	QueueSize int               `yaml:"queue_size,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	Dir   string `yaml:"dir"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           5050,
			ServerTimeout:  Duration{300 * time.Second},
			ClientTimeout:  Duration{30 * time.Second},
			QueueSize:      50,
			QueueTimeLimit: Duration{200 * time.Millisecond},
		},
		Stream: StreamConfig{
			MaxFPS:       20,
			IdleInterval: Duration{500 * time.Millisecond},
			Timeout:      Duration{10 * time.Second},
			Workers:      5,
		},
		Camera: CameraConfig{Width: 640, Height: 480, JPEGQuality: 80},
		Quality: QualityConfig{
			MinWidth: 100, MaxWidth: 1920,
			MinHeight: 100, MaxHeight: 1080,
		},
		Detector: DetectorConfig{
			ConfigsDir:  "configs",
			Debounce:    Duration{500 * time.Millisecond},
			LoadTimeout: Duration{60 * time.Second},
		},
		Motion: MotionConfig{
			ResetInterval: Duration{time.Second},
			CheckInterval: Duration{200 * time.Millisecond},
		},
		Power:   PowerConfig{Timeout: Duration{30 * time.Second}},
		Metrics: MetricsConfig{Path: "/metrics"},
		Log:     LogConfig{Level: "info", Dir: "logs"},
	}
}

// Validate checks the configuration. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port >= 0 && c.Server.Port <= 65535, "server.port %d out of range", c.Server.Port)
	check(c.Server.QueueSize > 0, "server.queue_size must be > 0, got %d", c.Server.QueueSize)
	check(c.Server.ServerTimeout.Duration > 0, "server.server_timeout must be > 0")
	check(c.Server.QueueTimeLimit.Duration >= 0, "server.queue_time_limit must be >= 0")

	check(c.Stream.MaxFPS > 0, "stream.max_fps must be > 0, got %v", c.Stream.MaxFPS)
	check(c.Stream.Workers > 0, "stream.workers must be > 0, got %d", c.Stream.Workers)
	check(c.Stream.Timeout.Duration > 0, "stream.timeout must be > 0")

	check(c.Camera.Width > 0 && c.Camera.Height > 0, "camera size %dx%d must be positive", c.Camera.Width, c.Camera.Height)
	check(c.Camera.JPEGQuality >= 1 && c.Camera.JPEGQuality <= 100, "camera.jpeg_quality %d not in 1..100", c.Camera.JPEGQuality)

	q := c.Quality
	check(q.MinWidth > 0 && q.MinWidth <= q.MaxWidth, "quality width range %d..%d invalid", q.MinWidth, q.MaxWidth)
	check(q.MinHeight > 0 && q.MinHeight <= q.MaxHeight, "quality height range %d..%d invalid", q.MinHeight, q.MaxHeight)

	check(c.Motion.ResetInterval.Duration > 0, "motion.reset_interval must be > 0")

	switch c.Adapter.Type {
	case "":
	case "webhook", "redis":
		check(c.Adapter.URL != "", "adapter.url is required for type %s", c.Adapter.Type)
	default:
		check(false, "adapter.type %q unknown (want webhook or redis)", c.Adapter.Type)
	}
	switch c.Adapter.Codec {
	case "", "json", "msgpack":
	default:
		check(false, "adapter.codec %q unknown (want json or msgpack)", c.Adapter.Codec)
	}
	if c.Adapter.Retries != nil {
		check(*c.Adapter.Retries >= 0, "adapter.retries must be >= 0")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		check(false, "log.level %q unknown", c.Log.Level)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}
