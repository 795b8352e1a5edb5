package app

import (
	"fmt"
	"os"
	"runtime"

	"github.com/nspcc-dev/rpcnode/cli/query"
	"github.com/nspcc-dev/rpcnode/cli/server"
	"github.com/nspcc-dev/rpcnode/pkg/config"
	"github.com/urfave/cli"
)

func versionPrinter(c *cli.Context) {
	_, _ = fmt.Fprintf(c.App.Writer, "rpcnode\nVersion: %s\nGoVersion: %s\n",
		config.Version,
		runtime.Version(),
	)
}

// New creates an rpcnode instance of [cli.App] with all commands included.
func New() *cli.App {
	cli.VersionPrinter = versionPrinter
	ctl := cli.NewApp()
	ctl.Name = "rpcnode"
	ctl.Version = config.Version
	ctl.Usage = "JSON-RPC node service"
	ctl.ErrWriter = os.Stdout

	ctl.Commands = append(ctl.Commands, server.NewCommands()...)
	ctl.Commands = append(ctl.Commands, query.NewCommands()...)
	return ctl
}
