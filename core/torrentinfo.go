// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package core

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// PieceHashSize is the size in bytes of a single piece's SHA-1 digest.
const PieceHashSize = sha1.Size

// BlockSize is the fixed request/response unit defined by BEP 3. Only the
// final block of a piece may be shorter.
const BlockSize = 16 * 1024

// FileInfo describes one file within a (possibly multi-file) torrent, at
// its path relative to the torrent's root directory.
type FileInfo struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Info is the bencoded info dictionary of a torrent. It is the authoritative,
// immutable metadata record: InfoHash is the SHA-1 of its bencoding.
type Info struct {
	PieceLength int64      `bencode:"piece length"`
	Pieces      []byte     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length,omitempty"`
	Files       []FileInfo `bencode:"files,omitempty"`
}

// IsDir reports whether this is a multi-file torrent.
func (info *Info) IsDir() bool {
	return len(info.Files) != 0
}

// UpvertedFiles normalizes a single-file Info into the same []FileInfo shape
// as a multi-file one, so callers never branch on IsDir.
func (info *Info) UpvertedFiles() []FileInfo {
	if !info.IsDir() {
		return []FileInfo{{Length: info.Length, Path: nil}}
	}
	return info.Files
}

// TotalLength returns the sum of all file lengths.
func (info *Info) TotalLength() int64 {
	var total int64
	for _, fi := range info.UpvertedFiles() {
		total += fi.Length
	}
	return total
}

// NumPieces returns the declared piece count, derived from len(Pieces)/20.
func (info *Info) NumPieces() int {
	return len(info.Pieces) / PieceHashSize
}

// PieceHash returns the expected SHA-1 digest of piece i.
func (info *Info) PieceHash(i int) ([]byte, error) {
	if i < 0 || i >= info.NumPieces() {
		return nil, fmt.Errorf("piece index %d out of range [0,%d)", i, info.NumPieces())
	}
	return info.Pieces[i*PieceHashSize : (i+1)*PieceHashSize], nil
}

// PieceLengthAt returns the exact length of piece i, accounting for the
// final piece being shorter than PieceLength.
func (info *Info) PieceLengthAt(i int) int64 {
	n := info.NumPieces()
	if i < 0 || i >= n {
		return 0
	}
	if i == n-1 {
		return info.TotalLength() - info.PieceLength*int64(i)
	}
	return info.PieceLength
}

// Validate enforces the fatal-configuration invariants from the torrent
// descriptor contract: a non-positive piece length or a piece count that
// disagrees with the hash list is never patched defensively, it is refused.
func (info *Info) Validate() error {
	if info.PieceLength <= 0 {
		return fmt.Errorf("piece length must be positive, got %d", info.PieceLength)
	}
	if len(info.Pieces)%PieceHashSize != 0 {
		return fmt.Errorf("pieces field is not a multiple of %d bytes", PieceHashSize)
	}
	total := info.TotalLength()
	expected := (total + info.PieceLength - 1) / info.PieceLength
	if expected == 0 {
		expected = 1
	}
	if int64(info.NumPieces()) != expected {
		return fmt.Errorf("piece count mismatch: have %d hashes, expected %d for total length %d at piece length %d",
			info.NumPieces(), expected, total, info.PieceLength)
	}
	return nil
}

// ComputeInfoHash bencodes info and returns the SHA-1 digest, which is the
// torrent's swarm identifier used in the handshake.
func (info *Info) ComputeInfoHash() (InfoHash, error) {
	var b bytes.Buffer
	if err := bencode.Marshal(&b, *info); err != nil {
		return InfoHash{}, fmt.Errorf("bencode info: %w", err)
	}
	return NewInfoHashFromBytes(b.Bytes()), nil
}
