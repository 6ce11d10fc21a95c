// Package pex implements BEP 11 peer exchange: compact peer records
// gossiped over the BEP 10 extended-message channel negotiated by wire's
// extended handshake.
package pex

import (
	"bytes"
	"fmt"
	"net"

	bencode "github.com/jackpal/bencode-go"
)

// RecordSize is the wire size of one compact peer record: 4-byte IPv4
// address followed by a 2-byte big-endian port.
const RecordSize = 6

// Interval is how often an Active session gossips PEX to its peers.
// Matches the 45s period the original client's peer manager enforces
// per-peer, independent of the global connected-peer throttle below.
const Interval = 45 // seconds, kept as a plain constant; callers wrap with clock.Clock

// MaxConnectedForGossip is the connected-peer count at or above which PEX
// gossip is suppressed entirely, to bound gossip traffic.
const MaxConnectedForGossip = 40

// Endpoint is a gossipable (ip, port) pair.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// message is the bencoded wire form of a PEX payload.
type message struct {
	Added   string `bencode:"added"`
	Dropped string `bencode:"dropped"`
}

// EncodeAdded builds the compact "added" blob for endpoints, skipping any
// that match exclude (the receiving peer's own address and our own
// address, per the no-self-gossip invariant).
func EncodeAdded(endpoints []Endpoint, exclude ...Endpoint) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range endpoints {
		if matchesAny(e, exclude) {
			continue
		}
		rec, err := marshalRecord(e)
		if err != nil {
			continue // skip non-IPv4 endpoints rather than failing the whole gossip
		}
		buf.Write(rec)
	}
	var out bytes.Buffer
	if err := bencode.Marshal(&out, message{Added: buf.String(), Dropped: ""}); err != nil {
		return nil, fmt.Errorf("bencode pex message: %w", err)
	}
	return out.Bytes(), nil
}

func matchesAny(e Endpoint, set []Endpoint) bool {
	for _, o := range set {
		if e.IP.Equal(o.IP) && e.Port == o.Port {
			return true
		}
	}
	return false
}

func marshalRecord(e Endpoint) ([]byte, error) {
	ip4 := e.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("pex only supports IPv4 endpoints, got %s", e.IP)
	}
	rec := make([]byte, RecordSize)
	copy(rec[0:4], ip4)
	rec[4] = byte(e.Port >> 8)
	rec[5] = byte(e.Port)
	return rec, nil
}

// Decode parses a PEX payload's "added" field into validated endpoints,
// discarding "dropped" and any flags byte per record, per the spec's
// "ignore added.f and dropped" instruction.
func Decode(payload []byte) ([]Endpoint, error) {
	var m message
	if err := bencode.Unmarshal(bytes.NewReader(payload), &m); err != nil {
		return nil, fmt.Errorf("unbencode pex message: %w", err)
	}
	added := []byte(m.Added)
	if len(added)%RecordSize != 0 {
		return nil, fmt.Errorf("pex added field is not a multiple of %d bytes", RecordSize)
	}
	var endpoints []Endpoint
	for i := 0; i+RecordSize <= len(added); i += RecordSize {
		rec := added[i : i+RecordSize]
		ip := net.IPv4(rec[0], rec[1], rec[2], rec[3])
		port := int(rec[4])<<8 | int(rec[5])
		if !isValid(ip, port) {
			continue
		}
		endpoints = append(endpoints, Endpoint{IP: ip, Port: port})
	}
	return endpoints, nil
}

func isValid(ip net.IP, port int) bool {
	if ip.Equal(net.IPv4zero) {
		return false
	}
	if port < 1 || port > 65535 {
		return false
	}
	return true
}
