package swarm

import "time"

// Config holds the swarm supervisor's tunables: connection limits, the
// known-peer set bound, and the cadence of its housekeeping tick.
type Config struct {
	// MaxConnections caps the number of simultaneous peer sessions.
	MaxConnections int `yaml:"max_connections"`
	// TickInterval is how often the supervisor sweeps expired claims,
	// reaps dead sessions, and checks whether a tracker refresh is due.
	TickInterval time.Duration `yaml:"tick_interval"`
	// MinConnected is the connected-session floor below which the
	// supervisor re-announces to the tracker for more peers.
	MinConnected int `yaml:"min_connected"`
	// KnownPeerCapacity bounds the known-peer set; the oldest (by
	// last-seen) entries are evicted once it's exceeded.
	KnownPeerCapacity int `yaml:"known_peer_capacity"`
	// AcceptTimeout bounds how long an inbound connection's handshake
	// may take before it is abandoned.
	AcceptTimeout time.Duration `yaml:"accept_timeout"`
	// ShutdownTimeout bounds how long Stop waits for sessions to close
	// on their own before returning anyway.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c *Config) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 50
	}
	if c.TickInterval == 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.MinConnected == 0 {
		c.MinConnected = 5
	}
	if c.KnownPeerCapacity == 0 {
		c.KnownPeerCapacity = 1000
	}
	if c.AcceptTimeout == 0 {
		c.AcceptTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}
