// Package wire implements the BitTorrent peer wire protocol framing defined
// by BEP 3 (handshake, keep-alive, and the nine core message ids) plus the
// BEP 10 extended-message envelope used to carry BEP 11 peer exchange.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// ID identifies a peer-protocol message per BEP 3. Extended is carved out
// by BEP 10 to multiplex additional, bencoded sub-protocols.
type ID byte

const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

// Extended is message id 20, reserved by BEP 10 for the extension protocol.
const Extended ID = 20

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// MaxFrameLength caps the advertised frame length accepted from the wire.
// A torrent client may legitimately send a 16 KiB block plus 9 bytes of
// header; anything past a couple MiB is a protocol violation, not a
// slow/large write.
const MaxFrameLength = 2 * 1024 * 1024

// Message is a decoded peer-protocol frame. Control messages (Choke,
// Unchoke, Interested, NotInterested) carry no payload fields; Have,
// Bitfield, Request, Piece, Cancel, and Extended populate the relevant
// fields below. Consumers switch exhaustively on ID rather than using a
// type hierarchy.
type Message struct {
	ID ID

	// Have
	Index int

	// Bitfield
	Bits []byte

	// Request, Cancel
	Begin  int
	Length int

	// Piece
	Block []byte

	// Extended
	ExtID      byte
	ExtPayload []byte
}

// KeepAlive is the zero-length frame (no message id at all).
var KeepAlive = Message{ID: 0xff}

func (m Message) isKeepAlive() bool {
	return m.ID == 0xff
}

// Encode serializes m as a length-prefixed frame onto w.
func Encode(w io.Writer, m Message) error {
	if m.isKeepAlive() {
		return writeUint32(w, 0)
	}
	var payload []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		// empty payload
	case Have:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, uint32(m.Index))
	case Bitfield:
		payload = m.Bits
	case Request, Cancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(m.Begin))
		binary.BigEndian.PutUint32(payload[8:12], uint32(m.Length))
	case Piece:
		payload = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:4], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(m.Begin))
		copy(payload[8:], m.Block)
	case Extended:
		payload = make([]byte, 1+len(m.ExtPayload))
		payload[0] = m.ExtID
		copy(payload[1:], m.ExtPayload)
	default:
		return fmt.Errorf("encode: unrecognized message id %d", m.ID)
	}
	frameLen := 1 + len(payload)
	if err := writeUint32(w, uint32(frameLen)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(m.ID)}); err != nil {
		return fmt.Errorf("write message id: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// Decode reads exactly one frame from r. Unknown message ids (other than
// Extended) are returned as a nil-ish sentinel the caller should skip; a
// frame whose declared length disagrees with its id's expected payload
// shape is a protocol violation and returned as an error.
func Decode(r io.Reader) (Message, bool, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, false, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return KeepAlive, true, nil
	}
	if n > MaxFrameLength {
		return Message{}, false, fmt.Errorf("frame length %d exceeds sanity cap %d", n, MaxFrameLength)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, false, fmt.Errorf("read frame body: %w", err)
	}
	id := ID(body[0])
	payload := body[1:]
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			return Message{}, false, fmt.Errorf("%s: expected empty payload, got %d bytes", id, len(payload))
		}
		return Message{ID: id}, true, nil
	case Have:
		if len(payload) != 4 {
			return Message{}, false, fmt.Errorf("have: expected 4-byte payload, got %d", len(payload))
		}
		return Message{ID: id, Index: int(binary.BigEndian.Uint32(payload))}, true, nil
	case Bitfield:
		bits := make([]byte, len(payload))
		copy(bits, payload)
		return Message{ID: id, Bits: bits}, true, nil
	case Request, Cancel:
		if len(payload) != 12 {
			return Message{}, false, fmt.Errorf("%s: expected 12-byte payload, got %d", id, len(payload))
		}
		return Message{
			ID:     id,
			Index:  int(binary.BigEndian.Uint32(payload[0:4])),
			Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
			Length: int(binary.BigEndian.Uint32(payload[8:12])),
		}, true, nil
	case Piece:
		if len(payload) < 8 {
			return Message{}, false, fmt.Errorf("piece: payload too short: %d bytes", len(payload))
		}
		block := make([]byte, len(payload)-8)
		copy(block, payload[8:])
		return Message{
			ID:    id,
			Index: int(binary.BigEndian.Uint32(payload[0:4])),
			Begin: int(binary.BigEndian.Uint32(payload[4:8])),
			Block: block,
		}, true, nil
	case Extended:
		if len(payload) < 1 {
			return Message{}, false, fmt.Errorf("extended: payload too short")
		}
		extPayload := make([]byte, len(payload)-1)
		copy(extPayload, payload[1:])
		return Message{ID: id, ExtID: payload[0], ExtPayload: extPayload}, true, nil
	default:
		// Unknown ids are silently skipped, per BEP 3 forward-compatibility.
		return Message{}, false, nil
	}
}

// WriteWithDeadline encodes m onto conn, bounding the write by timeout. The
// net package always uses the system clock for deadlines, so the injected
// clock.Clock used elsewhere in this module does not apply here.
func WriteWithDeadline(conn net.Conn, m Message, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return Encode(conn, m)
}

// ReadWithDeadline decodes one frame from conn, bounding the read by
// timeout. The second return value is false for a recognized-but-skippable
// unknown message id; callers should loop and read again in that case.
func ReadWithDeadline(conn net.Conn, timeout time.Duration) (Message, bool, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Message{}, false, fmt.Errorf("set read deadline: %w", err)
	}
	return Decode(conn)
}
