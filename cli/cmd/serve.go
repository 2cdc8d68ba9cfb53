package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/k4Y53N/nanoServer/cli/config"
	"github.com/k4Y53N/nanoServer/cli/tui"
	"github.com/k4Y53N/nanoServer/log"
	"github.com/k4Y53N/nanoServer/runtime"
	"github.com/k4Y53N/nanoServer/types"
)

// ServeCommand returns the serve command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the control server until a client sends EXIT or SHUTDOWN",
		Description: `Listens for one client at a time and serves commands, motion and
the camera stream.

Exit codes:
  0  stopped normally, by EXIT, or by SHUTDOWN
  1  runtime failure
  2  invalid configuration`,
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "host",
				Usage: "Listen host (overrides server.host)",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Listen port (overrides server.port)",
			},
			&cli.StringFlag{
				Name:  "configs-dir",
				Usage: "Detector descriptor directory (overrides detector.configs_dir)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error (overrides log.level)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Prometheus listen address, empty disables (overrides metrics.addr)",
			},
			&cli.BoolFlag{
				Name:  "tui",
				Usage: "Show a live status view; logs go to a file",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}
	applyOverrides(c, cfg)
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	useTUI := c.Bool("tui")
	var out io.Writer = os.Stderr
	if useTUI || cfg.Log.File != "" {
		f, err := log.OpenFile(cfg.Log.File, cfg.Log.Dir, time.Now())
		if err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	logger := log.NewLoggerWithWriter(level, out)
	defer func() { _ = logger.Sync() }()

	opts, err := buildOptions(cfg, types.Version)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}
	opts.Logger = logger

	app, err := runtime.New(opts)
	if err != nil {
		return cli.Exit(fmt.Sprintf("start server: %v", err), exitFailure)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var final types.FinalControl
	if useTUI {
		final, err = runWithTUI(ctx, app)
	} else {
		final, err = app.Run(ctx)
	}
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	logger.Info("exiting", map[string]any{"final_control": final.String()})
	return nil
}

// runWithTUI runs the app behind the status view. Quitting the view stops
// the server; the server stopping closes the view.
func runWithTUI(ctx context.Context, app *runtime.App) (types.FinalControl, error) {
	type result struct {
		final types.FinalControl
		err   error
	}

	viewCtx, cancelView := context.WithCancel(ctx)
	defer cancelView()

	done := make(chan result, 1)
	go func() {
		final, err := app.Run(ctx)
		cancelView()
		done <- result{final, err}
	}()

	viewErr := tui.Run(viewCtx, app.Status, tui.DefaultRefresh)
	app.Close()
	res := <-done

	if res.err != nil {
		return res.final, res.err
	}
	if viewErr != nil && !errors.Is(viewErr, context.Canceled) {
		return res.final, fmt.Errorf("status view: %w", viewErr)
	}
	return res.final, nil
}

// applyOverrides copies explicitly set flags over the loaded config.
func applyOverrides(c *cli.Context, cfg *config.Config) {
	if c.IsSet("host") {
		cfg.Server.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("configs-dir") {
		cfg.Detector.ConfigsDir = c.String("configs-dir")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("metrics-addr") {
		cfg.Metrics.Addr = c.String("metrics-addr")
	}
}
