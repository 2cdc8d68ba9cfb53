package cmd

import (
	"fmt"

	"github.com/k4Y53N/nanoServer/adapter"
	redisadapter "github.com/k4Y53N/nanoServer/adapter/redis"
	"github.com/k4Y53N/nanoServer/adapter/webhook"
	"github.com/k4Y53N/nanoServer/camera"
	"github.com/k4Y53N/nanoServer/cli/config"
	"github.com/k4Y53N/nanoServer/connection"
	"github.com/k4Y53N/nanoServer/motion"
	"github.com/k4Y53N/nanoServer/pipeline"
	"github.com/k4Y53N/nanoServer/runtime"
)

// buildOptions maps a validated config onto runtime options.
func buildOptions(cfg *config.Config, version string) (runtime.Options, error) {
	ad, err := buildAdapter(cfg.Adapter)
	if err != nil {
		return runtime.Options{}, err
	}

	return runtime.Options{
		Server: connection.Options{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			ServerTimeout:  cfg.Server.ServerTimeout.Duration,
			ClientTimeout:  cfg.Server.ClientTimeout.Duration,
			QueueSize:      cfg.Server.QueueSize,
			QueueTimeLimit: cfg.Server.QueueTimeLimit.Duration,
		},
		Pipeline: pipeline.Options{
			MaxFPS:       cfg.Stream.MaxFPS,
			IdleInterval: cfg.Stream.IdleInterval.Duration,
			Timeout:      cfg.Stream.Timeout.Duration,
			Workers:      int64(cfg.Stream.Workers),
		},
		Camera: camera.Options{
			Width:       cfg.Camera.Width,
			Height:      cfg.Camera.Height,
			JPEGQuality: cfg.Camera.JPEGQuality,
		},
		Quality: runtime.QualityRange{
			MinWidth:  cfg.Quality.MinWidth,
			MaxWidth:  cfg.Quality.MaxWidth,
			MinHeight: cfg.Quality.MinHeight,
			MaxHeight: cfg.Quality.MaxHeight,
		},
		Detector: runtime.DetectorOptions{
			Dir:         cfg.Detector.ConfigsDir,
			Default:     cfg.Detector.Default,
			Watch:       cfg.Detector.Watch,
			Debounce:    cfg.Detector.Debounce.Duration,
			LoadTimeout: cfg.Detector.LoadTimeout.Duration,
		},
		Motion: motion.Options{
			ResetInterval: cfg.Motion.ResetInterval.Duration,
			CheckInterval: cfg.Motion.CheckInterval.Duration,
		},
		Power: runtime.PowerCommand{
			Argv:    cfg.Power.ShutdownCommand,
			Timeout: cfg.Power.Timeout.Duration,
		},
		MetricsAddr:  cfg.Metrics.Addr,
		MetricsPath:  cfg.Metrics.Path,
		Adapter:      ad,
		AdapterQueue: cfg.Adapter.QueueSize,
		Version:      version,
	}, nil
}

// buildAdapter returns nil when no adapter type is configured.
func buildAdapter(ac config.AdapterConfig) (adapter.Adapter, error) {
	retries := func(def int) int {
		if ac.Retries != nil {
			return *ac.Retries
		}
		return def
	}

	switch ac.Type {
	case "":
		return nil, nil
	case "webhook":
		a, err := webhook.New(webhook.Config{
			URL:     ac.URL,
			Headers: ac.Headers,
			Codec:   ac.Codec,
			Timeout: ac.Timeout.Duration,
			Retries: retries(webhook.DefaultRetries),
		})
		if err != nil {
			return nil, fmt.Errorf("adapter: %w", err)
		}
		return a, nil
	case "redis":
		a, err := redisadapter.New(redisadapter.Config{
			URL:     ac.URL,
			Channel: ac.Channel,
			Codec:   ac.Codec,
			Timeout: ac.Timeout.Duration,
			Retries: retries(redisadapter.DefaultRetries),
		})
		if err != nil {
			return nil, fmt.Errorf("adapter: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("adapter: unknown type %q", ac.Type)
	}
}
