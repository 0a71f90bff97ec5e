package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/microlink/cli/config"
	"github.com/pithecene-io/microlink/log"
)

// DefaultConfigName is the config file picked up from the working directory.
const DefaultConfigName = "microlink.yaml"

// loadConfig loads --config, else ./microlink.yaml when present, else an
// empty config.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		if _, err := os.Stat(DefaultConfigName); err == nil {
			path = DefaultConfigName
		}
	}
	if path == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	return cfg, nil
}

// newLogger builds the JSON stderr logger; --log-level beats log.level.
func newLogger(c *cli.Context, cfg *config.Config) (*log.Logger, error) {
	name := c.String("log-level")
	if name == "" {
		name = cfg.Log.Level
	}
	level, err := log.ParseLevel(name)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("invalid log level %q", name), 2)
	}
	return log.NewLoggerWithOptions("microlink", log.Options{Output: os.Stderr, Level: level}), nil
}

// parseKV splits repeated key=value flags into a map. Repeating a key
// appends to its list.
func parseKV(flag string, pairs []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--%s %q: want key=value", flag, p)
		}
		out[k] = append(out[k], v)
	}
	return out, nil
}

// usageError reports a command-line mistake with exit code 2.
func usageError(format string, args ...any) error {
	return cli.Exit(fmt.Sprintf(format, args...), 2)
}

// exitCode maps an error to a process exit code: 2 for usage and config,
// 3 for device and transport failures, 1 otherwise.
func exitCode(err error, deviceErrs ...error) int {
	for _, target := range deviceErrs {
		if errors.Is(err, target) {
			return 3
		}
	}
	return 1
}
