package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/microlink/cli/render"
	"github.com/pithecene-io/microlink/transport"
)

// PortsCommand returns the ports command.
func PortsCommand() *cli.Command {
	return &cli.Command{
		Name:  "ports",
		Usage: "List serial ports, optionally filtered by a grep expression",
		Flags: withOutput(
			&cli.StringFlag{Name: "grep", Aliases: []string{"g"}, Usage: "Regular expression matched against name, product and USB id"},
		),
		Action: portsAction,
	}
}

func portsAction(c *cli.Context) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if pattern := c.String("grep"); pattern != "" {
		ports, err = transport.GrepPorts(ports, pattern)
		if err != nil {
			return usageError("%v", err)
		}
	}
	if ports == nil {
		ports = []transport.PortInfo{}
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(ports)
}
