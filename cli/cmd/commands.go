package cmd

import "github.com/urfave/cli/v2"

// Commands returns every microlink command, in help order.
func Commands(commit string) []*cli.Command {
	return []*cli.Command{
		ArchiveCommand(),
		UnarchiveCommand(),
		InspectCommand(),
		PushCommand(),
		PullCommand(),
		ListCommand(),
		HistoryCommand(),
		ConnectCommand(),
		FlashCommand(),
		PortsCommand(),
		TraceCommand(),
		BuildCommand(),
		VersionCommand(commit),
	}
}
