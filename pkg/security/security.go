/*
Package security implements the manager deciding whether inbound connections
are allowed. It combines the static deny list from the configuration with the
dynamic ban table filled by abuse reports of the sessions.
*/
package security

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nspcc-dev/rpcnode/pkg/config"
	"go.uber.org/zap"
)

const defaultTableSize = 1024

// Manager checks peer addresses. It's safe for concurrent use.
type Manager struct {
	cfg  config.Security
	log  *zap.Logger
	deny []*net.IPNet

	lock    sync.Mutex
	closed  bool
	bans    *lru.Cache // IP string -> ban expiration time.Time.
	strikes *lru.Cache // IP string -> []time.Time of recent reports.

	now func() time.Time
}

// New creates a security manager.
func New(cfg config.Security, log *zap.Logger) (*Manager, error) {
	if log == nil {
		return nil, errors.New("empty logger")
	}
	m := &Manager{
		cfg: cfg,
		log: log.With(zap.String("service", "security")),
		now: time.Now,
	}
	for _, s := range cfg.Deny {
		n, err := config.ParseNet(s)
		if err != nil {
			return nil, fmt.Errorf("bad deny entry: %w", err)
		}
		m.deny = append(m.deny, n)
	}
	size := cfg.MaxBans
	if size <= 0 {
		size = defaultTableSize
	}
	var err error
	if m.bans, err = lru.New(size); err != nil {
		return nil, err
	}
	if m.strikes, err = lru.New(size); err != nil {
		return nil, err
	}
	return m, nil
}

// Check returns true if connections from the address are allowed.
func (m *Manager) Check(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range m.deny {
		if n.Contains(ip) {
			return false
		}
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return false
	}
	v, ok := m.bans.Get(ip.String())
	if !ok {
		return true
	}
	if m.now().Before(v.(time.Time)) {
		return false
	}
	m.bans.Remove(ip.String())
	return true
}

// Ban denies connections from the address for the given duration (the
// configured BanDuration if it's not positive).
func (m *Manager) Ban(ip net.IP, d time.Duration) {
	if d <= 0 {
		d = m.cfg.BanDuration
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return
	}
	m.ban(ip.String(), d)
}

// ban must be called with the lock held.
func (m *Manager) ban(key string, d time.Duration) {
	m.bans.Add(key, m.now().Add(d))
	m.strikes.Remove(key)
	bannedPeers.Inc()
	m.log.Info("peer banned", zap.String("address", key), zap.Duration("duration", d))
}

// Report registers an abuse of the protocol by the address. The address is
// banned after MaxStrikes reports inside the StrikeWindow.
func (m *Manager) Report(ip net.IP, reason string) {
	if ip == nil || m.cfg.MaxStrikes <= 0 {
		return
	}
	key := ip.String()
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return
	}
	var (
		now    = m.now()
		recent []time.Time
	)
	if v, ok := m.strikes.Get(key); ok {
		for _, t := range v.([]time.Time) {
			if m.cfg.StrikeWindow <= 0 || now.Sub(t) < m.cfg.StrikeWindow {
				recent = append(recent, t)
			}
		}
	}
	recent = append(recent, now)
	m.log.Debug("peer reported", zap.String("address", key), zap.String("reason", reason),
		zap.Int("strikes", len(recent)))
	if len(recent) >= m.cfg.MaxStrikes {
		m.ban(key, m.cfg.BanDuration)
		return
	}
	m.strikes.Add(key, recent)
}

// BanCount returns the number of banned addresses (including the expired
// ones not checked yet).
func (m *Manager) BanCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.bans.Len()
}

// Shutdown drops dynamic tables, every address is denied after it.
func (m *Manager) Shutdown() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.bans.Purge()
	m.strikes.Purge()
	m.log.Info("security manager stopped")
}
