// Package ratelimit meters per-peer message traffic and per-IP connection
// attempts with token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mudvault/mesh/wire"
)

// Config sets per-minute budgets. Zero values fall back to defaults.
type Config struct {
	MessagesPerMinute      int // Overall per-peer budget across all kinds.
	TellsPerMinute         int // Per-peer budget for tell/emote/emoteto frames.
	ChannelsPerMinute      int // Per-peer budget for channel frames.
	ConnectsPerIPPerMinute int // Connection attempts per remote IP.
}

// DefaultConfig returns the documented default budgets.
func DefaultConfig() Config {
	return Config{
		MessagesPerMinute:      100,
		TellsPerMinute:         30,
		ChannelsPerMinute:      50,
		ConnectsPerIPPerMinute: 10,
	}
}

// GatewayPriority is the metadata priority stamped on gateway-originated
// frames (auth replies, errors, pongs). Priority never affects accounting:
// it is peer-controlled data, so charging decisions cannot depend on it.
// Gateway-originated frames are exempt simply by never passing Allow.
const GatewayPriority = 10

type peerBuckets struct {
	overall  *rate.Limiter
	tells    *rate.Limiter
	channels *rate.Limiter
	lastSeen time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks token buckets per authenticated peer and per remote IP.
// Buckets are created lazily and pruned by Cleanup.
type Limiter struct {
	cfg Config

	mu    sync.Mutex
	peers map[string]*peerBuckets
	ips   map[string]*ipBucket
}

// New builds a limiter, clamping non-positive budgets to the defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.MessagesPerMinute <= 0 {
		cfg.MessagesPerMinute = def.MessagesPerMinute
	}
	if cfg.TellsPerMinute <= 0 {
		cfg.TellsPerMinute = def.TellsPerMinute
	}
	if cfg.ChannelsPerMinute <= 0 {
		cfg.ChannelsPerMinute = def.ChannelsPerMinute
	}
	if cfg.ConnectsPerIPPerMinute <= 0 {
		cfg.ConnectsPerIPPerMinute = def.ConnectsPerIPPerMinute
	}
	return &Limiter{
		cfg:   cfg,
		peers: make(map[string]*peerBuckets),
		ips:   make(map[string]*ipBucket),
	}
}

func perMinute(n int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
}

// AdmitConnection charges one connection attempt against the remote IP.
func (l *Limiter) AdmitConnection(ip string) bool {
	l.mu.Lock()
	b := l.ips[ip]
	if b == nil {
		b = &ipBucket{limiter: perMinute(l.cfg.ConnectsPerIPPerMinute)}
		l.ips[ip] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

// Allow charges one frame of the given kind against the peer's budgets.
// Only heartbeat kinds are exempt, so a throttled peer can still prove
// liveness.
func (l *Limiter) Allow(mudName string, kind wire.Type) bool {
	switch kind {
	case wire.TypePing, wire.TypePong:
		return true
	}
	l.mu.Lock()
	b := l.peers[mudName]
	if b == nil {
		b = &peerBuckets{
			overall:  perMinute(l.cfg.MessagesPerMinute),
			tells:    perMinute(l.cfg.TellsPerMinute),
			channels: perMinute(l.cfg.ChannelsPerMinute),
		}
		l.peers[mudName] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	switch kind {
	case wire.TypeTell, wire.TypeEmote, wire.TypeEmoteTo:
		if !b.tells.Allow() {
			return false
		}
	case wire.TypeChannel:
		if !b.channels.Allow() {
			return false
		}
	}
	return b.overall.Allow()
}

// Forget drops the peer's buckets, typically on disconnect.
func (l *Limiter) Forget(mudName string) {
	l.mu.Lock()
	delete(l.peers, mudName)
	l.mu.Unlock()
}

// Cleanup prunes buckets idle for longer than maxIdle.
func (l *Limiter) Cleanup(now time.Time, maxIdle time.Duration) {
	l.mu.Lock()
	for name, b := range l.peers {
		if now.Sub(b.lastSeen) > maxIdle {
			delete(l.peers, name)
		}
	}
	for ip, b := range l.ips {
		if now.Sub(b.lastSeen) > maxIdle {
			delete(l.ips, ip)
		}
	}
	l.mu.Unlock()
}
