package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/nspcc-dev/rpcnode/pkg/core/storage/dbconfig"
)

// Default limits of the inbound HTTP messages.
const (
	DefaultMaxRequestBodyBytes   = 5 * 1024 * 1024
	DefaultMaxRequestHeaderBytes = 1024 * 1024
)

type (
	// ApplicationConfiguration config specific to the node.
	ApplicationConfiguration struct {
		Service         Service                  `yaml:"Service"`
		Peers           []Peer                   `yaml:"Peers"`
		ConnectionPool  ConnectionPool           `yaml:"ConnectionPool"`
		BlocksCache     BlocksCache              `yaml:"BlocksCache"`
		HistoryCache    HistoryCache             `yaml:"HistoryCache"`
		Security        Security                 `yaml:"Security"`
		DBConfiguration dbconfig.DBConfiguration `yaml:"DBConfiguration"`
		Prometheus      BasicService             `yaml:"Prometheus"`
		Pprof           BasicService             `yaml:"Pprof"`

		LogLevel    string      `yaml:"LogLevel"`
		LogPath     string      `yaml:"LogPath"`
		LogRotation LogRotation `yaml:"LogRotation"`
	}

	// Service is the inbound JSON-RPC service configuration.
	Service struct {
		BasicService `yaml:",inline"`
		// ThreadCount is the number of workers driving the event loop.
		ThreadCount int `yaml:"ThreadCount"`
		// AuthEnabled makes the security manager check every accepted
		// connection.
		AuthEnabled bool `yaml:"AuthEnabled"`
		// AnyConns allows connections from any address.
		AnyConns bool `yaml:"AnyConns"`
		// Access is the list of IP addresses or CIDR networks allowed to
		// connect when AnyConns is off. Loopback is always allowed.
		Access []string `yaml:"Access"`
		// UseLocalDatabase switches handlers to the local ledger instead of
		// delegating calls to the peer.
		UseLocalDatabase      bool `yaml:"UseLocalDatabase"`
		MaxRequestBodyBytes   int  `yaml:"MaxRequestBodyBytes"`
		MaxRequestHeaderBytes int  `yaml:"MaxRequestHeaderBytes"`
		// Peer is the name of the peer delegated calls are forwarded to,
		// the first one is used if empty.
		Peer string `yaml:"Peer"`
	}

	// Peer is an upstream node the service can call.
	Peer struct {
		Name string `yaml:"Name"`
		// Address is the peer URL, https:// scheme enables TLS.
		Address           string        `yaml:"Address"`
		RequestTimeout    time.Duration `yaml:"RequestTimeout"`
		ConnectionTimeout time.Duration `yaml:"ConnectionTimeout"`
		// Attempts is the number of tries for every call, zero means default.
		Attempts           int  `yaml:"Attempts"`
		InsecureSkipVerify bool `yaml:"InsecureSkipVerify"`
	}

	// ConnectionPool configures reuse of outbound connections.
	ConnectionPool struct {
		Enabled        bool          `yaml:"Enabled"`
		MaxHosts       int           `yaml:"MaxHosts"`
		MaxIdlePerHost int           `yaml:"MaxIdlePerHost"`
		IdleTimeout    time.Duration `yaml:"IdleTimeout"`
	}

	// BlocksCache configures the cache of the latest peer blocks.
	BlocksCache struct {
		Enabled bool `yaml:"Enabled"`
		// Peer is the name of the peer polled, the service peer is used if
		// empty.
		Peer            string        `yaml:"Peer"`
		RefreshInterval time.Duration `yaml:"RefreshInterval"`
		Size            int           `yaml:"Size"`
	}

	// HistoryCache configures the address history cache.
	HistoryCache struct {
		Enabled bool          `yaml:"Enabled"`
		Size    int           `yaml:"Size"`
		TTL     time.Duration `yaml:"TTL"`
	}

	// Security configures the security manager.
	Security struct {
		// Deny is the static list of banned addresses or networks.
		Deny         []string      `yaml:"Deny"`
		MaxStrikes   int           `yaml:"MaxStrikes"`
		StrikeWindow time.Duration `yaml:"StrikeWindow"`
		BanDuration  time.Duration `yaml:"BanDuration"`
		MaxBans      int           `yaml:"MaxBans"`
	}

	// LogRotation configures log file rotation, sizes are in megabytes and
	// age is in days.
	LogRotation struct {
		MaxSize    int  `yaml:"MaxSize"`
		MaxBackups int  `yaml:"MaxBackups"`
		MaxAge     int  `yaml:"MaxAge"`
		Compress   bool `yaml:"Compress"`
	}
)

// GetPeer returns the peer with the given name or the first configured one
// for an empty name.
func (a *ApplicationConfiguration) GetPeer(name string) (Peer, bool) {
	for _, p := range a.Peers {
		if name == "" || p.Name == name {
			return p, true
		}
	}
	return Peer{}, false
}

// Validate checks ApplicationConfiguration for internal consistency and returns
// an error if any invalid settings are found.
func (a *ApplicationConfiguration) Validate() error {
	if a.Service.ThreadCount <= 0 {
		return fmt.Errorf("Service: invalid ThreadCount %d", a.Service.ThreadCount)
	}
	if a.Service.Enabled && len(a.Service.GetAddresses()) == 0 {
		return errors.New("Service: no addresses to listen on")
	}
	for _, s := range a.Service.Access {
		if _, err := ParseNet(s); err != nil {
			return fmt.Errorf("Service: bad Access entry: %w", err)
		}
	}
	for _, s := range a.Security.Deny {
		if _, err := ParseNet(s); err != nil {
			return fmt.Errorf("Security: bad Deny entry: %w", err)
		}
	}

	names := make(map[string]struct{}, len(a.Peers))
	for i, p := range a.Peers {
		if p.Name == "" {
			return fmt.Errorf("Peers: peer #%d has no name", i)
		}
		if _, ok := names[p.Name]; ok {
			return fmt.Errorf("Peers: duplicate peer %s", p.Name)
		}
		names[p.Name] = struct{}{}
		u, err := url.Parse(p.Address)
		if err != nil {
			return fmt.Errorf("Peers: peer %s: %w", p.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("Peers: peer %s: unsupported scheme %q", p.Name, u.Scheme)
		}
		if p.Attempts < 0 || p.RequestTimeout < 0 || p.ConnectionTimeout < 0 {
			return fmt.Errorf("Peers: peer %s: negative limits", p.Name)
		}
	}
	if !a.Service.UseLocalDatabase {
		if _, ok := a.GetPeer(a.Service.Peer); !ok {
			return fmt.Errorf("Service: peer %q is required without local database", a.Service.Peer)
		}
	}
	if a.BlocksCache.Enabled {
		name := a.BlocksCache.Peer
		if name == "" {
			name = a.Service.Peer
		}
		if _, ok := a.GetPeer(name); !ok {
			return fmt.Errorf("BlocksCache: unknown peer %q", name)
		}
		if a.BlocksCache.RefreshInterval <= 0 || a.BlocksCache.Size <= 0 {
			return errors.New("BlocksCache: RefreshInterval and Size must be positive")
		}
	}
	if a.HistoryCache.Enabled && (a.HistoryCache.Size <= 0 || a.HistoryCache.TTL <= 0) {
		return errors.New("HistoryCache: Size and TTL must be positive")
	}
	if a.ConnectionPool.Enabled && (a.ConnectionPool.MaxHosts <= 0 || a.ConnectionPool.MaxIdlePerHost <= 0) {
		return errors.New("ConnectionPool: MaxHosts and MaxIdlePerHost must be positive")
	}
	if a.Service.AuthEnabled && (a.Security.MaxStrikes <= 0 || a.Security.MaxBans <= 0) {
		return errors.New("Security: MaxStrikes and MaxBans must be positive")
	}
	return nil
}

// ParseNet parses an IP address or a CIDR network. Single addresses are
// returned as host networks.
func ParseNet(s string) (*net.IPNet, error) {
	if _, n, err := net.ParseCIDR(s); err == nil {
		return n, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid address %q", s)
	}
	bits := 8 * net.IPv4len
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	} else {
		bits = 8 * net.IPv6len
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
