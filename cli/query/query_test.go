package query

import (
	"bytes"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nspcc-dev/rpcnode/cli/options"
	"github.com/nspcc-dev/rpcnode/pkg/jsonrpc"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

// newPeer answers get-count-blocks and echoes params for everything else.
func newPeer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var (
			r   jsonrpc.Reader
			out jsonrpc.Writer
		)
		if !r.Parse(body) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		out.SetID(r.ID())
		switch r.Method() {
		case "get-count-blocks":
			out.Set("count_blocks", 42)
		case "echo":
			out.SetResult(r.Params())
		default:
			out.SetErrorObject(jsonrpc.NewMethodNotFoundError(r.Method()))
		}
		_, _ = w.Write(out.Stringify())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runCall(t *testing.T, endpoint string, args ...string) (string, error) {
	app := cli.NewApp()
	buf := bytes.NewBuffer(nil)
	app.Writer = buf
	set := flag.NewFlagSet("flagSet", flag.ContinueOnError)
	set.String(options.RPCEndpointFlag, endpoint, "")
	require.NoError(t, set.Parse(args))
	err := call(cli.NewContext(app, set, nil))
	return buf.String(), err
}

func TestCall(t *testing.T) {
	peer := newPeer(t)

	t.Run("no method", func(t *testing.T) {
		_, err := runCall(t, peer.URL)
		require.Error(t, err)
	})
	t.Run("no endpoint", func(t *testing.T) {
		_, err := runCall(t, "", "status")
		require.Error(t, err)
	})
	t.Run("bad params", func(t *testing.T) {
		for _, p := range []string{"{", "42", `"str"`} {
			_, err := runCall(t, peer.URL, "echo", p)
			require.Error(t, err, p)
		}
	})
	t.Run("too many args", func(t *testing.T) {
		_, err := runCall(t, peer.URL, "echo", "{}", "{}")
		require.Error(t, err)
	})
	t.Run("count", func(t *testing.T) {
		out, err := runCall(t, peer.URL, "get-count-blocks")
		require.NoError(t, err)
		require.Equal(t, "{\n  \"count_blocks\": 42\n}\n", out)
	})
	t.Run("params", func(t *testing.T) {
		out, err := runCall(t, peer.URL, "echo", `{"number":1}`)
		require.NoError(t, err)
		var res map[string]int
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		require.Equal(t, map[string]int{"number": 1}, res)
	})
	t.Run("peer error", func(t *testing.T) {
		_, err := runCall(t, peer.URL, "nope")
		require.Error(t, err)
		require.Contains(t, err.Error(), "Method 'nope' not found")
	})
}
