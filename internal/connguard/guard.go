// Package connguard refuses connections from hosts that keep breaking the
// wire protocol.
package connguard

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/coordd/internal/clock"
	"pkt.systems/coordd/internal/svcfields"
)

// Config controls violation counting and blocking.
type Config struct {
	// Enabled toggles enforcement. A disabled guard never blocks.
	Enabled bool
	// FailureThreshold is the number of violations within FailureWindow that
	// blocks a host.
	FailureThreshold int
	// FailureWindow is the sliding window violations are counted in.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host stays blocked.
	BlockDuration time.Duration
}

const (
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 10 * time.Second
	DefaultBlockDuration    = 5 * time.Minute
)

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks protocol violations per remote host. Hosts are keyed without
// their port so a client cannot dodge a block by reconnecting.
type Guard struct {
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger

	mu    sync.Mutex
	hosts map[string]*hostState
}

// New returns a Guard. Zero durations and thresholds take the package
// defaults; a nil clock uses wall time.
func New(cfg Config, clk clock.Clock, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Guard{
		cfg:    cfg,
		clock:  clk,
		logger: svcfields.WithSubsystem(logger, "control", "connguard"),
		hosts:  make(map[string]*hostState),
	}
}

// Enabled reports whether the guard enforces blocks.
func (g *Guard) Enabled() bool {
	return g != nil && g.cfg.Enabled
}

// ReportViolation records a protocol violation from remote. Reaching the
// threshold inside the window blocks the host for BlockDuration.
func (g *Guard) ReportViolation(remote, reason string) {
	g.record(remote, reason)
}

func (g *Guard) record(remote, reason string) bool {
	if !g.Enabled() {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil {
		state = &hostState{}
		g.hosts[host] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	kept := state.failures[:0]
	for _, at := range state.failures {
		if !at.Before(cutoff) {
			kept = append(kept, at)
		}
	}
	state.failures = append(kept, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("coordd.connguard.suspicious",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}
	state.failures = nil
	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	g.logger.Warn("coordd.connguard.blocked",
		"remote", host,
		"reason", reason,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration)
	return true
}

// Blocked reports whether connections from remote are currently refused.
func (g *Guard) Blocked(remote string) bool {
	if !g.Enabled() {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	if len(state.failures) == 0 {
		delete(g.hosts, host)
	}
	g.logger.Info("coordd.connguard.unblocked", "remote", host)
	return false
}

// WrapListener returns ln unchanged when the guard is disabled; otherwise
// Accept silently closes connections from blocked hosts.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if !g.Enabled() || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := ""
		if addr := conn.RemoteAddr(); addr != nil {
			remote = addr.String()
		}
		if !l.guard.Blocked(remote) {
			return conn, nil
		}
		l.guard.logger.Debug("coordd.connguard.rejected", "remote", remote)
		_ = conn.Close()
	}
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}
