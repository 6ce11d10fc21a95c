package wire

import (
	"bytes"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// ExtendedHandshakeID is always 0 for the handshake payload itself; other
// extension ids (e.g. ut_pex) are negotiated via the "m" dictionary below.
const ExtendedHandshakeID byte = 0

// DefaultUtPexID is the id advertised for ut_pex when the peer's handshake
// omits one, per convention.
const DefaultUtPexID = 1

// ExtendedHandshake is the BEP 10 extended-handshake dictionary.
type ExtendedHandshake struct {
	M          map[string]int `bencode:"m"`
	Version    string          `bencode:"v,omitempty"`
	ListenPort int             `bencode:"p,omitempty"`
}

// NewExtendedHandshake builds the handshake we advertise: ut_pex support
// and, if we accept incoming connections, our listen port.
func NewExtendedHandshake(version string, listenPort int) ExtendedHandshake {
	return ExtendedHandshake{
		M:          map[string]int{"ut_pex": DefaultUtPexID},
		Version:    version,
		ListenPort: listenPort,
	}
}

// UtPexID returns the peer's negotiated ut_pex extension id, defaulting to
// DefaultUtPexID if the peer's "m" dictionary omits it or carries a value
// outside 1..255.
func (h ExtendedHandshake) UtPexID() (id byte, ok bool) {
	v, present := h.M["ut_pex"]
	if !present || v <= 0 || v > 255 {
		return DefaultUtPexID, true
	}
	return byte(v), true
}

// EncodeExtendedHandshake bencodes h.
func EncodeExtendedHandshake(h ExtendedHandshake) ([]byte, error) {
	var b bytes.Buffer
	if err := bencode.Marshal(&b, h); err != nil {
		return nil, fmt.Errorf("bencode extended handshake: %w", err)
	}
	return b.Bytes(), nil
}

// DecodeExtendedHandshake parses a bencoded extended-handshake payload.
func DecodeExtendedHandshake(b []byte) (ExtendedHandshake, error) {
	var h ExtendedHandshake
	if err := bencode.Unmarshal(bytes.NewReader(b), &h); err != nil {
		return ExtendedHandshake{}, fmt.Errorf("unbencode extended handshake: %w", err)
	}
	return h, nil
}
