package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_FullConfig(t *testing.T) {
	yaml := `server:
  host: 127.0.0.1
  port: 6000
  server_timeout: 60s
  client_timeout: 10s
  queue_size: 20
  queue_time_limit: 100ms

stream:
  max_fps: 15
  idle_interval: 250ms
  timeout: 2s
  workers: 3

camera:
  width: 1280
  height: 720
  jpeg_quality: 70

quality:
  min_width: 160
  max_width: 1280
  min_height: 120
  max_height: 720

detector:
  configs_dir: ./yolo
  default: yolov4-tiny-416
  watch: true
  debounce: 1s

motion:
  reset_interval: 2s

power:
  shutdown_command: [sudo, poweroff]

metrics:
  addr: 127.0.0.1:9100

adapter:
  type: webhook
  url: https://hooks.example.com/robot
  codec: msgpack
  headers:
    Authorization: Bearer token123
  timeout: 10s
  retries: 3

log:
  level: debug
  file: /var/log/nanoserver.log
`
	cfg, err := Load(writeTemp(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	assertEqual(t, "server.host", cfg.Server.Host, "127.0.0.1")
	if cfg.Server.Port != 6000 || cfg.Server.QueueSize != 20 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.QueueTimeLimit.Duration != 100*time.Millisecond {
		t.Errorf("queue_time_limit = %v, want 100ms", cfg.Server.QueueTimeLimit.Duration)
	}
	if cfg.Stream.MaxFPS != 15 || cfg.Stream.Workers != 3 || cfg.Stream.Timeout.Duration != 2*time.Second {
		t.Errorf("stream = %+v", cfg.Stream)
	}
	if cfg.Camera.JPEGQuality != 70 {
		t.Errorf("camera.jpeg_quality = %d, want 70", cfg.Camera.JPEGQuality)
	}
	if !cfg.Quality.Allows(1280, 720) || cfg.Quality.Allows(1920, 1080) {
		t.Errorf("quality = %+v", cfg.Quality)
	}
	assertEqual(t, "detector.default", cfg.Detector.Default, "yolov4-tiny-416")
	if !cfg.Detector.Watch {
		t.Error("expected detector.watch=true")
	}
	if cfg.Motion.ResetInterval.Duration != 2*time.Second {
		t.Errorf("motion.reset_interval = %v", cfg.Motion.ResetInterval.Duration)
	}
	if got := strings.Join(cfg.Power.ShutdownCommand, " "); got != "sudo poweroff" {
		t.Errorf("power.shutdown_command = %q", got)
	}
	assertEqual(t, "metrics.addr", cfg.Metrics.Addr, "127.0.0.1:9100")
	assertEqual(t, "adapter.codec", cfg.Adapter.Codec, "msgpack")
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 3 {
		t.Error("expected adapter.retries=3")
	}
	if cfg.Adapter.Headers["Authorization"] != "Bearer token123" {
		t.Error("expected Authorization header")
	}
	assertEqual(t, "log.level", cfg.Log.Level, "debug")

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoad_PartialKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeTemp(t, "server:\n  port: 7000\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := Defaults()
	if cfg.Server.Port != 7000 {
		t.Errorf("port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Server.ClientTimeout != def.Server.ClientTimeout {
		t.Errorf("client_timeout = %v, want default %v", cfg.Server.ClientTimeout, def.Server.ClientTimeout)
	}
	if cfg.Quality != def.Quality {
		t.Errorf("quality = %+v, want defaults", cfg.Quality)
	}
}

func TestLoad_EmptyAndCommentOnly(t *testing.T) {
	for _, content := range []string{"", "   \n\n  ", "# just a comment\n"} {
		cfg, err := Load(writeTemp(t, content))
		if err != nil {
			t.Fatalf("Load(%q) failed: %v", content, err)
		}
		if cfg.Server.Port != Defaults().Server.Port {
			t.Errorf("Load(%q) port = %d, want default", content, cfg.Server.Port)
		}
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/nanoserver.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOptional_MissingUsesDefaults(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOptional failed: %v", err)
	}
	if cfg.Stream.MaxFPS != 20 {
		t.Errorf("max_fps = %v, want 20", cfg.Stream.MaxFPS)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeTemp(t, "{{invalid yaml")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("NANO_HOOK", "https://hooks.example.com/x")
	yaml := `adapter:
  type: webhook
  url: ${NANO_HOOK}
  channel: ${NANO_CHANNEL:-robot}
`
	cfg, err := Load(writeTemp(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "adapter.url", cfg.Adapter.URL, "https://hooks.example.com/x")
	assertEqual(t, "adapter.channel", cfg.Adapter.Channel, "robot")
}

func TestLoad_UnknownKeysRejected(t *testing.T) {
	tests := []struct {
		name, yaml, key string
	}{
		{"top level", "bogus_key: should_fail\n", "bogus_key"},
		{"nested", "server:\n  port: 1\n  unknown_field: bad\n", "unknown_field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTemp(t, tt.yaml))
			if err == nil {
				t.Fatal("expected error for unknown key")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error should mention %q, got: %v", tt.key, err)
			}
		})
	}
}

func TestLoad_RetriesZeroDistinctFromNil(t *testing.T) {
	cfg, err := Load(writeTemp(t, "adapter:\n  retries: 0\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 0 {
		t.Error("expected retries pointer to 0")
	}

	cfg, err = Load(writeTemp(t, "adapter:\n  type: redis\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Adapter.Retries != nil {
		t.Error("expected nil retries when omitted")
	}
}

func TestDuration(t *testing.T) {
	cfg, err := Load(writeTemp(t, "adapter:\n  timeout: 30s\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Adapter.Timeout.Duration != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", cfg.Adapter.Timeout.Duration)
	}

	cfg, err = Load(writeTemp(t, "adapter:\n  timeout: \"\"\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Adapter.Timeout.Duration != 0 {
		t.Errorf("empty timeout = %v, want 0", cfg.Adapter.Timeout.Duration)
	}

	_, err = Load(writeTemp(t, "adapter:\n  timeout: not-a-duration\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("expected invalid duration error, got %v", err)
	}

	out, err := Duration{1500 * time.Millisecond}.MarshalYAML()
	if err != nil || out != "1.5s" {
		t.Errorf("MarshalYAML = %v, %v", out, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"queue size", func(c *Config) { c.Server.QueueSize = 0 }, "queue_size"},
		{"fps", func(c *Config) { c.Stream.MaxFPS = 0 }, "max_fps"},
		{"jpeg", func(c *Config) { c.Camera.JPEGQuality = 101 }, "jpeg_quality"},
		{"quality range", func(c *Config) { c.Quality.MinWidth = 2000 }, "quality width"},
		{"adapter url", func(c *Config) { c.Adapter.Type = "redis" }, "adapter.url"},
		{"adapter type", func(c *Config) { c.Adapter.Type = "kafka" }, "adapter.type"},
		{"codec", func(c *Config) { c.Adapter.Codec = "xml" }, "adapter.codec"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v does not wrap ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %v does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestQualityAllows(t *testing.T) {
	q := Defaults().Quality
	tests := []struct {
		w, h int
		want bool
	}{
		{100, 100, true},
		{1920, 1080, true},
		{640, 480, true},
		{99, 480, false},
		{640, 1081, false},
		{0, 0, false},
	}
	for _, tt := range tests {
		if got := q.Allows(tt.w, tt.h); got != tt.want {
			t.Errorf("Allows(%d, %d) = %v, want %v", tt.w, tt.h, got, tt.want)
		}
	}
}

// writeTemp writes content to a temp file and returns the path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "nanoserver.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}
