package wire

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"
)

const protocolName = "BitTorrent protocol"

// HandshakeLen is the fixed wire size of a handshake message:
// 1 (pstrlen) + 19 (pstr) + 8 (reserved) + 20 (info_hash) + 20 (peer_id).
const HandshakeLen = 1 + 19 + 8 + 20 + 20

// extensionBit is reserved byte index 5, bit 0x10, signaling BEP 10 support.
const extensionByteIndex = 5
const extensionBit = 0x10

// Handshake is the one-time, separately-framed exchange that opens every
// peer connection.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// SupportsExtensions reports whether reserved byte 5 bit 0x10 is set.
func (h Handshake) SupportsExtensions() bool {
	return h.Reserved[extensionByteIndex]&extensionBit != 0
}

// NewHandshake builds a handshake, setting the extension-protocol reserved
// bit when supportsExtensions is true.
func NewHandshake(infoHash, peerID [20]byte, supportsExtensions bool) Handshake {
	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	if supportsExtensions {
		h.Reserved[extensionByteIndex] |= extensionBit
	}
	return h
}

// marshal writes the 68-byte wire form of h.
func (h Handshake) marshal() []byte {
	b := make([]byte, HandshakeLen)
	b[0] = byte(len(protocolName))
	copy(b[1:20], protocolName)
	copy(b[20:28], h.Reserved[:])
	copy(b[28:48], h.InfoHash[:])
	copy(b[48:68], h.PeerID[:])
	return b
}

// unmarshalHandshake parses the 68-byte wire form, validating pstrlen and
// the protocol name.
func unmarshalHandshake(b []byte) (Handshake, error) {
	if len(b) != HandshakeLen {
		return Handshake{}, fmt.Errorf("handshake: expected %d bytes, got %d", HandshakeLen, len(b))
	}
	if b[0] != byte(len(protocolName)) {
		return Handshake{}, fmt.Errorf("handshake: unexpected pstrlen %d", b[0])
	}
	if string(b[1:20]) != protocolName {
		return Handshake{}, fmt.Errorf("handshake: unexpected protocol name %q", string(b[1:20]))
	}
	var h Handshake
	copy(h.Reserved[:], b[20:28])
	copy(h.InfoHash[:], b[28:48])
	copy(h.PeerID[:], b[48:68])
	return h, nil
}

// Send writes h to conn within timeout.
func Send(conn net.Conn, h Handshake, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	_, err := conn.Write(h.marshal())
	if err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}

// Receive reads exactly HandshakeLen bytes from conn within timeout and
// parses them.
func Receive(conn net.Conn, timeout time.Duration) (Handshake, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Handshake{}, fmt.Errorf("set read deadline: %w", err)
	}
	b := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(conn, b); err != nil {
		return Handshake{}, fmt.Errorf("read handshake: %w", err)
	}
	return unmarshalHandshake(b)
}

// VerifyInfoHash reports whether h carries the expected info hash.
func VerifyInfoHash(h Handshake, expected [20]byte) bool {
	return bytes.Equal(h.InfoHash[:], expected[:])
}
