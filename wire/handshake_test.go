package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	require := require.New(t)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")
	sent := NewHandshake(infoHash, peerID, true)

	done := make(chan error, 1)
	go func() {
		done <- Send(clientConn, sent, time.Second)
	}()

	got, err := Receive(serverConn, time.Second)
	require.NoError(err)
	require.NoError(<-done)

	require.Equal(sent.InfoHash, got.InfoHash)
	require.Equal(sent.PeerID, got.PeerID)
	require.True(got.SupportsExtensions())
	require.True(VerifyInfoHash(got, infoHash))
}

func TestHandshakeNoExtensions(t *testing.T) {
	require := require.New(t)
	var infoHash, peerID [20]byte
	h := NewHandshake(infoHash, peerID, false)
	require.False(h.SupportsExtensions())
}

func TestUnmarshalHandshakeRejectsBadProtocolName(t *testing.T) {
	b := make([]byte, HandshakeLen)
	b[0] = 19
	copy(b[1:20], "not bittorrent proto"[:19])
	_, err := unmarshalHandshake(b)
	require.Error(t, err)
}

func TestUnmarshalHandshakeRejectsWrongLength(t *testing.T) {
	_, err := unmarshalHandshake(make([]byte, 10))
	require.Error(t, err)
}
