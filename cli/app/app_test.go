package app

import (
	"bytes"
	"testing"

	"github.com/nspcc-dev/rpcnode/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestCLIVersion(t *testing.T) {
	config.Version = "0.1.0-test"
	ctl := New()
	buf := bytes.NewBuffer(nil)
	ctl.Writer = buf
	require.NoError(t, ctl.Run([]string{"rpcnode", "--version"}))
	require.Contains(t, buf.String(), "rpcnode\nVersion: 0.1.0-test\n")
}

func TestCommands(t *testing.T) {
	ctl := New()
	var names []string
	for _, c := range ctl.Commands {
		names = append(names, c.Name)
	}
	require.ElementsMatch(t, []string{"node", "db", "call"}, names)
}
