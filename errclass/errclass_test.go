package errclass

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassificationRoundTrip(t *testing.T) {
	err := Protocolf("handshake", "info hash mismatch")
	require.True(t, Is(err, Protocol))
	require.False(t, Is(err, Storage))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Storagef("write_piece", "%s", cause.Error())
	require.Contains(t, err.Error(), "disk full")
	require.Contains(t, err.Error(), "storage")
	require.EqualError(t, errors.Unwrap(err), "disk full")
}

func TestIsOnPlainError(t *testing.T) {
	require.False(t, Is(errors.New("plain"), Transient))
}

func TestIsSeesThroughFurtherWrapping(t *testing.T) {
	classified := DataIntegrityf("deliver_block", "hash mismatch")
	wrapped := fmt.Errorf("download failed: %w", classified)
	require.True(t, Is(wrapped, DataIntegrity))
	require.False(t, Is(wrapped, Storage))
}
