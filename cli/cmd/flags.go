// Package cmd provides CLI commands for the microlink binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags for commands that render results.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (inspect, trace only)",
	}
)

// Global flags, set on the app and visible to every command.
var (
	// ConfigFlag names the config file. Without it, ./microlink.yaml is
	// used when present.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config file (default ./" + DefaultConfigName + " if present)",
		EnvVars: []string{"MICROLINK_CONFIG"},
	}

	// LogLevelFlag overrides log.level from the config file.
	LogLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level: debug, info, warn, error",
		EnvVars: []string{"MICROLINK_LOG_LEVEL"},
	}
)

// GlobalFlags returns the app-level flags.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{ConfigFlag, LogLevelFlag}
}

// OutputFlags returns the shared rendering flags.
func OutputFlags() []cli.Flag {
	return []cli.Flag{FormatFlag, NoColorFlag}
}

// TUIReadOnlyFlags returns flags for commands that support TUI mode.
func TUIReadOnlyFlags() []cli.Flag {
	return append(OutputFlags(), TUIFlag)
}

// withOutput appends the rendering flags to flags.
func withOutput(flags ...cli.Flag) []cli.Flag {
	return append(flags, OutputFlags()...)
}
