// Package cmd provides the CLI commands for the nanoserver binary.
package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/k4Y53N/nanoServer/cli/config"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
)

// Shared flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// ConfigFlag points at the YAML config file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config file",
		Value:   config.DefaultPath,
		EnvVars: []string{"NANOSERVER_CONFIG"},
	}
)

// ReadOnlyFlags returns the shared flags for commands that only print.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{FormatFlag}
}

// loadConfig reads --config. A missing default file means defaults; a
// missing explicit file is an error.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String(ConfigFlag.Name)
	if c.IsSet(ConfigFlag.Name) {
		return config.Load(path)
	}
	return config.LoadOptional(path)
}
