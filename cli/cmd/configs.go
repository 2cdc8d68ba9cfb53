package cmd

import (
	"fmt"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/k4Y53N/nanoServer/cli/render"
	"github.com/k4Y53N/nanoServer/detector"
)

// ConfigRow is one detector descriptor as listed by the configs command.
type ConfigRow struct {
	Name      string   `json:"name"`
	Size      int      `json:"size"`
	ModelType string   `json:"model_type"`
	Tiny      bool     `json:"tiny"`
	Classes   []string `json:"classes"`
	Weights   string   `json:"weights,omitempty"`
}

// ConfigsCommand returns the configs command, which lists the detector
// descriptors the server would discover.
func ConfigsCommand() *cli.Command {
	return &cli.Command{
		Name:  "configs",
		Usage: "List detector descriptors in the configs directory",
		Flags: append(ReadOnlyFlags(),
			ConfigFlag,
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Descriptor directory (overrides detector.configs_dir)",
			},
		),
		Action: configsAction,
	}
}

func configsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	dir := c.String("dir")
	if !c.IsSet("dir") {
		cfg, err := loadConfig(c)
		if err != nil {
			return cli.Exit(err.Error(), exitConfig)
		}
		dir = cfg.Detector.ConfigsDir
	}

	configs, errs := detector.ScanDir(dir)
	for _, e := range errs {
		_, _ = fmt.Fprintf(c.App.ErrWriter, "warning: %v\n", e)
	}
	if len(configs) == 0 && len(errs) > 0 {
		return cli.Exit(fmt.Sprintf("no usable descriptors in %s", dir), exitFailure)
	}

	rows := make([]ConfigRow, 0, len(configs))
	for _, cfg := range configs {
		rows = append(rows, ConfigRow{
			Name:      cfg.Name,
			Size:      cfg.Size,
			ModelType: cfg.ModelType,
			Tiny:      cfg.Tiny,
			Classes:   cfg.Classes,
			Weights:   cfg.Weights,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return r.Render(rows)
}
