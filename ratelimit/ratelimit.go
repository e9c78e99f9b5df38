// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides keyed token-bucket limiters for Heimdallr
// endpoints: connection attempts per remote IP and packets per session.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter holds one token bucket per key. Buckets idle for longer than
// twice the cleanup interval are forgotten.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter creates a limiter allowing r events per second per key with
// the given burst. A non-positive cleanupInterval disables eviction.
func NewKeyedLimiter(r float64, burst int, cleanupInterval time.Duration) *KeyedLimiter {
	l := &KeyedLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Allow reports whether one more event for key fits the bucket.
// The empty key is never limited.
func (l *KeyedLimiter) Allow(key string) bool {
	if key == "" {
		return true
	}

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Forget drops the bucket for key.
func (l *KeyedLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evict(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *KeyedLimiter) evict(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *KeyedLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// HostOf returns the host part of a remote address such as
// http.Request.RemoteAddr, or the address itself when it has no port.
func HostOf(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Packet     PacketConfig     `yaml:"packet"`
}

// ConnectionConfig limits websocket upgrades per remote IP.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // upgrades per second per IP
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// PacketConfig limits inbound packets per session.
type PacketConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // packets per second per session
	Burst   int     `yaml:"burst"`
}

// DefaultConfig returns a configuration with limiting disabled and
// conservative per-limiter values.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0,
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Packet: PacketConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
	}
}

// Manager coordinates the connection and packet limiters.
type Manager struct {
	conn   *KeyedLimiter
	packet *KeyedLimiter
}

// NewManager creates a manager. A disabled config yields a manager that
// allows everything.
func NewManager(cfg Config) *Manager {
	m := &Manager{}
	if !cfg.Enabled {
		return m
	}
	if cfg.Connection.Enabled {
		m.conn = NewKeyedLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Packet.Enabled {
		m.packet = NewKeyedLimiter(cfg.Packet.Rate, cfg.Packet.Burst, 0)
	}
	return m
}

// AllowConnection checks an upgrade attempt from remoteAddr.
func (m *Manager) AllowConnection(remoteAddr string) bool {
	if m == nil || m.conn == nil {
		return true
	}
	return m.conn.Allow(HostOf(remoteAddr))
}

// AllowPacket checks one inbound packet of a session.
func (m *Manager) AllowPacket(sessionID string) bool {
	if m == nil || m.packet == nil {
		return true
	}
	return m.packet.Allow(sessionID)
}

// OnSessionClosed releases the packet bucket of a session.
func (m *Manager) OnSessionClosed(sessionID string) {
	if m == nil || m.packet == nil {
		return
	}
	m.packet.Forget(sessionID)
}

// Stop releases background resources.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	if m.conn != nil {
		m.conn.Stop()
	}
	if m.packet != nil {
		m.packet.Stop()
	}
}
