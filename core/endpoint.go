package core

import (
	"fmt"
	"net"
)

// Source records where an endpoint was learned from, for stats purposes
// only -- it never affects dialing or selection policy.
type Source int

const (
	// Tracker endpoints came from the (out-of-scope) tracker client.
	Tracker Source = iota
	// Pex endpoints were gossiped to us over BEP 11.
	Pex
	// Incoming endpoints connected to our listener.
	Incoming
)

func (s Source) String() string {
	switch s {
	case Tracker:
		return "tracker"
	case Pex:
		return "pex"
	case Incoming:
		return "incoming"
	default:
		return "unknown"
	}
}

// Endpoint is a dialable (ip, port) pair, the stable key for a peer
// session and an entry in the known-peer set.
type Endpoint struct {
	IP   net.IP
	Port int
}

// NewEndpoint builds an Endpoint from a dotted-quad or hostname string and
// a port.
func NewEndpoint(ip string, port int) Endpoint {
	return Endpoint{IP: net.ParseIP(ip), Port: port}
}

// Addr returns the "ip:port" form suitable for net.Dial.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

func (e Endpoint) String() string {
	return e.Addr()
}

// Key returns a comparable value suitable for use as a map key. net.IP is
// a []byte slice and not itself comparable, so callers index known-peer
// and registry maps by this string form rather than the Endpoint directly.
func (e Endpoint) Key() string {
	return e.Addr()
}

// Equal reports whether e and o refer to the same address.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.IP.Equal(o.IP) && e.Port == o.Port
}
