package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nspcc-dev/rpcnode/pkg/core/storage/dbconfig"
	"github.com/stretchr/testify/require"
)

const testConfigPath = "./testdata/rpcnode.test.yml"

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(testConfigPath)
	require.NoError(t, err)

	app := cfg.ApplicationConfiguration
	require.Equal(t, []string{":9999"}, app.Service.GetAddresses())
	require.Equal(t, 4, app.Service.ThreadCount)
	require.True(t, app.Service.AuthEnabled)
	require.False(t, app.Service.AnyConns)
	require.Equal(t, []string{"10.0.0.0/8", "192.168.1.15"}, app.Service.Access)

	p, ok := app.GetPeer(app.Service.Peer)
	require.True(t, ok)
	require.Equal(t, "torrent", p.Name)
	require.Equal(t, 4*time.Second, p.RequestTimeout)
	require.Equal(t, 3, p.Attempts)

	require.Equal(t, time.Minute, app.Security.StrikeWindow)
	require.Equal(t, dbconfig.InMemoryDB, app.DBConfiguration.Type)
}

func TestLoadFileErrors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yml"))
		require.Error(t, err)
	})
	t.Run("unknown field", func(t *testing.T) {
		_, err := LoadFile("./testdata/unknown_field.yml")
		require.Error(t, err)
	})
}

func TestUnmarshalDefaults(t *testing.T) {
	cfg, err := Unmarshal([]byte(`
ApplicationConfiguration:
  Service:
    UseLocalDatabase: true
`))
	require.NoError(t, err)
	def := Default()
	require.Equal(t, def.ApplicationConfiguration.Service.ThreadCount, cfg.ApplicationConfiguration.Service.ThreadCount)
	require.Equal(t, def.ApplicationConfiguration.ConnectionPool, cfg.ApplicationConfiguration.ConnectionPool)
	require.Equal(t, DefaultMaxRequestBodyBytes, cfg.ApplicationConfiguration.Service.MaxRequestBodyBytes)
}

func TestValidate(t *testing.T) {
	valid := func() ApplicationConfiguration {
		a := Default().ApplicationConfiguration
		a.Peers = []Peer{{Name: "main", Address: "https://node.example.org:5795"}}
		return a
	}
	require.NoError(t, func() error { a := valid(); return a.Validate() }())

	for name, f := range map[string]func(a *ApplicationConfiguration){
		"no threads":         func(a *ApplicationConfiguration) { a.Service.ThreadCount = 0 },
		"no addresses":       func(a *ApplicationConfiguration) { a.Service.Addresses = nil },
		"bad access":         func(a *ApplicationConfiguration) { a.Service.Access = []string{"localhost"} },
		"bad deny":           func(a *ApplicationConfiguration) { a.Security.Deny = []string{"1.2.3.4/99"} },
		"no peers":           func(a *ApplicationConfiguration) { a.Peers = nil },
		"unknown peer":       func(a *ApplicationConfiguration) { a.Service.Peer = "other" },
		"duplicate peer":     func(a *ApplicationConfiguration) { a.Peers = append(a.Peers, a.Peers[0]) },
		"unnamed peer":       func(a *ApplicationConfiguration) { a.Peers[0].Name = "" },
		"bad scheme":         func(a *ApplicationConfiguration) { a.Peers[0].Address = "ftp://node" },
		"negative attempts":  func(a *ApplicationConfiguration) { a.Peers[0].Attempts = -1 },
		"blocks cache peer":  func(a *ApplicationConfiguration) { a.BlocksCache = BlocksCache{Enabled: true, Peer: "x"} },
		"blocks cache size":  func(a *ApplicationConfiguration) { a.BlocksCache.Enabled, a.BlocksCache.Size = true, 0 },
		"history cache ttl":  func(a *ApplicationConfiguration) { a.HistoryCache.Enabled, a.HistoryCache.TTL = true, 0 },
		"pool hosts":         func(a *ApplicationConfiguration) { a.ConnectionPool.MaxHosts = 0 },
		"security strikes":   func(a *ApplicationConfiguration) { a.Service.AuthEnabled, a.Security.MaxStrikes = true, 0 },
	} {
		t.Run(name, func(t *testing.T) {
			a := valid()
			f(&a)
			require.Error(t, a.Validate())
		})
	}

	t.Run("local database needs no peers", func(t *testing.T) {
		a := Default().ApplicationConfiguration
		a.Service.UseLocalDatabase = true
		require.NoError(t, a.Validate())
	})
}

func TestParseNet(t *testing.T) {
	n, err := ParseNet("192.168.1.15")
	require.NoError(t, err)
	require.Equal(t, "192.168.1.15/32", n.String())

	n, err = ParseNet("10.0.0.0/8")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.0/8", n.String())

	n, err = ParseNet("::1")
	require.NoError(t, err)
	require.Equal(t, "::1/128", n.String())

	_, err = ParseNet("example.org")
	require.Error(t, err)
}

func TestBasicServiceGetAddresses(t *testing.T) {
	s := BasicService{Addresses: []string{":1", ":2", ":1"}}
	require.Equal(t, []string{":1", ":2"}, s.GetAddresses())
}
