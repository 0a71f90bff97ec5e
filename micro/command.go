package micro

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
)

// Command is an external program invocation. Arguments may contain
// {placeholders} expanded per call.
type Command struct {
	Argv []string `yaml:"argv"`
	Dir  string   `yaml:"dir"`
	Env  []string `yaml:"env"`
}

func (c Command) validate(what string) error {
	if len(c.Argv) == 0 {
		return errors.New(what + ": command argv is required")
	}
	return nil
}

// expand replaces {key} in every argument.
func expand(argv []string, vars map[string]string) []string {
	out := make([]string, len(argv))
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

// cmd builds the exec.Cmd for c with placeholders expanded.
func (c Command) cmd(ctx context.Context, vars map[string]string, extra ...string) *exec.Cmd {
	argv := append(expand(c.Argv, vars), extra...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = expand([]string{c.Dir}, vars)[0]
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), expand(c.Env, vars)...)
	}
	return cmd
}

// run executes c to completion, returning a *CommandError carrying its
// combined output on failure.
func (c Command) run(ctx context.Context, vars map[string]string, extra ...string) error {
	cmd := c.cmd(ctx, vars, extra...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return &CommandError{Argv: cmd.Args, Output: strings.TrimSpace(out.String()), Err: err}
	}
	return nil
}
