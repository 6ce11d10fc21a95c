package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"choke", Message{ID: Choke}},
		{"unchoke", Message{ID: Unchoke}},
		{"interested", Message{ID: Interested}},
		{"have", Message{ID: Have, Index: 7}},
		{"bitfield", Message{ID: Bitfield, Bits: []byte{0x80, 0x01}}},
		{"request", Message{ID: Request, Index: 1, Begin: 16384, Length: 16384}},
		{"cancel", Message{ID: Cancel, Index: 1, Begin: 0, Length: 16384}},
		{"piece", Message{ID: Piece, Index: 2, Begin: 0, Block: []byte("hello")}},
		{"extended", Message{ID: Extended, ExtID: 1, ExtPayload: []byte("d1:ae")}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)
			var buf bytes.Buffer
			require.NoError(Encode(&buf, test.msg))
			got, ok, err := Decode(&buf)
			require.NoError(err)
			require.True(ok)
			require.Equal(test.msg.ID, got.ID)
			require.Equal(test.msg.Index, got.Index)
			require.Equal(test.msg.Begin, got.Begin)
			require.Equal(test.msg.Length, got.Length)
			require.Equal(test.msg.Bits, got.Bits)
			require.Equal(test.msg.Block, got.Block)
			require.Equal(test.msg.ExtID, got.ExtID)
			require.Equal(test.msg.ExtPayload, got.ExtPayload)
		})
	}
}

func TestDecodeKeepAlive(t *testing.T) {
	require := require.New(t)
	var buf bytes.Buffer
	require.NoError(Encode(&buf, KeepAlive))
	got, ok, err := Decode(&buf)
	require.NoError(err)
	require.True(ok)
	require.True(got.isKeepAlive())
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	require := require.New(t)
	var buf bytes.Buffer
	// Craft a length prefix exceeding MaxFrameLength without a body; the
	// length check must fail before attempting to read the body.
	require.NoError(writeUint32(&buf, MaxFrameLength+1))
	_, _, err := Decode(&buf)
	require.Error(err)
}

func TestDecodeUnknownIDIsSkippable(t *testing.T) {
	require := require.New(t)
	var buf bytes.Buffer
	require.NoError(writeUint32(&buf, 1))
	buf.WriteByte(99)
	_, ok, err := Decode(&buf)
	require.NoError(err)
	require.False(ok)
}

func TestDecodeRejectsMismatchedPayloadLength(t *testing.T) {
	require := require.New(t)
	var buf bytes.Buffer
	require.NoError(writeUint32(&buf, 3)) // Have needs a 4-byte payload
	buf.Write([]byte{byte(Have), 0, 0})
	_, _, err := Decode(&buf)
	require.Error(err)
}
