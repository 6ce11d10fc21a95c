package pex

import (
	"bytes"
	"net"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	require := require.New(t)

	endpoints := []Endpoint{
		{IP: net.IPv4(10, 0, 0, 1), Port: 6881},
		{IP: net.IPv4(10, 0, 0, 2), Port: 6882},
	}
	payload, err := EncodeAdded(endpoints)
	require.NoError(err)

	got, err := Decode(payload)
	require.NoError(err)
	require.Len(got, 2)
	require.Equal(endpoints[0].IP.To4(), got[0].IP.To4())
	require.Equal(endpoints[0].Port, got[0].Port)
}

func TestEncodeAddedExcludesListed(t *testing.T) {
	require := require.New(t)

	self := Endpoint{IP: net.IPv4(10, 0, 0, 9), Port: 9999}
	peer := Endpoint{IP: net.IPv4(10, 0, 0, 5), Port: 5555}
	endpoints := []Endpoint{self, peer}

	payload, err := EncodeAdded(endpoints, self)
	require.NoError(err)

	got, err := Decode(payload)
	require.NoError(err)
	require.Len(got, 1)
	require.Equal(peer.Port, got[0].Port)
}

func TestDecodeRejectsZeroIP(t *testing.T) {
	require := require.New(t)
	endpoints := []Endpoint{{IP: net.IPv4zero, Port: 6881}}
	payload, err := EncodeAdded(endpoints)
	require.NoError(err)

	got, err := Decode(payload)
	require.NoError(err)
	require.Empty(got)
}

func TestDecodeRejectsInvalidPort(t *testing.T) {
	require := require.New(t)
	// Construct a record with port 0 directly as raw bytes.
	rec := []byte{10, 0, 0, 1, 0, 0}
	var buf bytes.Buffer
	require.NoError(bencode.Marshal(&buf, message{Added: string(rec)}))
	payload := buf.Bytes()

	got, err := Decode(payload)
	require.NoError(err)
	require.Empty(got)
}
