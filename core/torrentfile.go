package core

import (
	"fmt"
	"io"
	"os"

	bencode "github.com/jackpal/bencode-go"
)

// TorrentFile is the top-level bencoded dictionary of a .torrent file: the
// tracker announce URL alongside the Info dictionary that, re-bencoded,
// yields the swarm's InfoHash.
type TorrentFile struct {
	Announce string `bencode:"announce"`
	Info     Info   `bencode:"info"`
}

// LoadTorrentFile parses a .torrent file from r.
func LoadTorrentFile(r io.Reader) (*TorrentFile, error) {
	var tf TorrentFile
	if err := bencode.Unmarshal(r, &tf); err != nil {
		return nil, fmt.Errorf("decode torrent file: %w", err)
	}
	if err := tf.Info.Validate(); err != nil {
		return nil, fmt.Errorf("invalid info dictionary: %w", err)
	}
	return &tf, nil
}

// LoadTorrentFileFromPath is a convenience wrapper around LoadTorrentFile
// for loading directly from a path on disk.
func LoadTorrentFileFromPath(path string) (*TorrentFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return LoadTorrentFile(f)
}
