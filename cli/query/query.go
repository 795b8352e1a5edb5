package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nspcc-dev/rpcnode/cli/options"
	"github.com/urfave/cli"
)

// NewCommands returns 'call' command.
func NewCommands() []cli.Command {
	return []cli.Command{{
		Name:      "call",
		Usage:     "call JSON-RPC method of the node",
		UsageText: "rpcnode call -r endpoint [-s timeout] <method> [<params>]",
		Description: `Sends a single JSON-RPC request and prints its result. Params, if given,
   must be a JSON object or array, for example:

     rpcnode call -r http://127.0.0.1:9999 get-block-by-number '{"number": 1}'
`,
		Action: call,
		Flags:  options.RPC,
	}}
}

func call(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) == 0 {
		return cli.NewExitError("method is missing", 1)
	}
	if len(args) > 2 {
		return cli.NewExitError("too many arguments", 1)
	}
	var params any
	if len(args) == 2 {
		raw := json.RawMessage(args[1])
		if !json.Valid(raw) || len(raw) == 0 || (raw[0] != '{' && raw[0] != '[') {
			return cli.NewExitError(errors.New("params must be a JSON object or array"), 1)
		}
		params = raw
	}

	gctx, cancel := options.GetTimeoutContext(ctx)
	defer cancel()

	c, exitErr := options.GetRPCClient(ctx)
	if exitErr != nil {
		return exitErr
	}

	var res json.RawMessage
	if err := c.Call(gctx, args[0], params, &res); err != nil {
		return cli.NewExitError(err, 1)
	}
	buf := bytes.NewBuffer(nil)
	if err := json.Indent(buf, res, "", "  "); err != nil {
		return cli.NewExitError(fmt.Errorf("malformed result: %w", err), 1)
	}
	_, _ = fmt.Fprintln(ctx.App.Writer, buf.String())
	return nil
}
