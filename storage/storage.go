// Package storage maps a torrent's logical (piece_index, offset) space onto
// on-disk byte ranges across a single- or multi-file layout, verifies
// pieces by SHA-1, and persists the availability bitmap to a sidecar file.
package storage

import (
	"crypto/sha1"
	"io"
	"os"
	"path/filepath"

	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/mhollis/leechcore/core"
	"github.com/mhollis/leechcore/errclass"
)

const progressSuffix = ".progress"
const dirPerm = 0750
const filePerm = 0640

// Storage owns the on-disk layout for one torrent.
type Storage struct {
	info *core.Info
	dir  string // directory containing the single file, or the multi-file root
	logger *zap.SugaredLogger
}

// New pre-allocates every file declared in info (including zero-length
// files, which contribute no pieces but must still exist) and returns a
// Storage bound to downloadDir.
func New(downloadDir string, info *core.Info, logger *zap.SugaredLogger) (*Storage, error) {
	if err := info.Validate(); err != nil {
		return nil, errclass.FatalConfigf("storage.new", "invalid torrent descriptor: %s", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Storage{info: info, dir: downloadDir, logger: logger}

	if info.IsDir() {
		root := filepath.Join(downloadDir, info.Name)
		if err := os.MkdirAll(root, dirPerm); err != nil {
			return nil, errclass.FatalConfigf("storage.new", "create torrent root %s: %s", root, err)
		}
	} else if err := os.MkdirAll(downloadDir, dirPerm); err != nil {
		return nil, errclass.FatalConfigf("storage.new", "create download dir %s: %s", downloadDir, err)
	}

	for _, fi := range info.UpvertedFiles() {
		name := s.fileName(fi)
		if err := os.MkdirAll(filepath.Dir(name), dirPerm); err != nil {
			return nil, errclass.FatalConfigf("storage.new", "create dir for %s: %s", name, err)
		}
		f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, filePerm)
		if err != nil {
			return nil, errclass.FatalConfigf("storage.new", "create %s: %s", name, err)
		}
		if err := f.Truncate(fi.Length); err != nil {
			f.Close()
			return nil, errclass.FatalConfigf("storage.new", "preallocate %s to %d bytes: %s", name, fi.Length, err)
		}
		f.Close()
	}
	return s, nil
}

// fileName resolves a FileInfo to its absolute on-disk path. Single-file
// torrents store fi.Path == nil and live directly under dir, named for the
// torrent; multi-file torrents nest under dir/<name>/<path...>.
func (s *Storage) fileName(fi core.FileInfo) string {
	if !s.info.IsDir() {
		return filepath.Join(s.dir, s.info.Name)
	}
	parts := append([]string{s.dir, s.info.Name}, fi.Path...)
	return filepath.Join(parts...)
}

// pieceByteRange returns the [start, end) byte range of piece i in the
// logical concatenated file stream.
func (s *Storage) pieceByteRange(i int) (int64, int64) {
	start := int64(i) * s.info.PieceLength
	end := start + s.info.PieceLengthAt(i)
	return start, end
}

// WritePiece splits data across whichever files piece i's byte range spans
// and writes each slice at its computed file offset. A crash between file
// writes leaves the piece's bytes partially on disk, but the piece is only
// ever marked Verified by the arbiter after this call returns successfully,
// so partial writes are never observed as complete by readers.
func (s *Storage) WritePiece(index int, data []byte) error {
	start, end := s.pieceByteRange(index)
	if int64(len(data)) != end-start {
		return errclass.Protocolf("write_piece", "piece %d: expected %d bytes, got %d", index, end-start, len(data))
	}
	return s.writeAt(data, start)
}

func (s *Storage) writeAt(p []byte, off int64) error {
	for _, fi := range s.info.UpvertedFiles() {
		if off >= fi.Length {
			off -= fi.Length
			continue
		}
		n := int64(len(p))
		if n > fi.Length-off {
			n = fi.Length - off
		}
		name := s.fileName(fi)
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE, filePerm)
		if err != nil {
			return errclass.Storagef("write_piece", "open %s: %s", name, err)
		}
		_, err = f.WriteAt(p[:n], off)
		closeErr := f.Close()
		if err != nil {
			return errclass.Storagef("write_piece", "write %s at %d: %s", name, off, err)
		}
		if closeErr != nil {
			return errclass.Storagef("write_piece", "close %s: %s", name, closeErr)
		}
		off = 0
		p = p[n:]
		if len(p) == 0 {
			break
		}
	}
	return nil
}

// ReadBlock reads length bytes at offset within piece index, for serving a
// remote Request message.
func (s *Storage) ReadBlock(index, offset, length int) ([]byte, error) {
	pieceStart, pieceEnd := s.pieceByteRange(index)
	start := pieceStart + int64(offset)
	if start < pieceStart || start+int64(length) > pieceEnd {
		return nil, errclass.Protocolf("read_block", "piece %d: range [%d,%d) out of bounds", index, offset, offset+length)
	}
	buf := make([]byte, length)
	if err := s.readAt(buf, start); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Storage) readAt(b []byte, off int64) error {
	for _, fi := range s.info.UpvertedFiles() {
		for off < fi.Length {
			n, err := s.readFileAt(fi, b, off)
			off += int64(n)
			b = b[n:]
			if len(b) == 0 {
				return nil
			}
			if n != 0 {
				continue
			}
			return err
		}
		off -= fi.Length
	}
	return errclass.Storagef("read_block", "read past end of torrent")
}

func (s *Storage) readFileAt(fi core.FileInfo, b []byte, off int64) (int, error) {
	name := s.fileName(fi)
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return 0, io.EOF
	}
	if err != nil {
		return 0, errclass.Storagef("read_block", "open %s: %s", name, err)
	}
	defer f.Close()
	if int64(len(b)) > fi.Length-off {
		b = b[:fi.Length-off]
	}
	n, err := f.ReadAt(b, off)
	if err != nil && err != io.EOF {
		return n, errclass.Storagef("read_block", "read %s at %d: %s", name, off, err)
	}
	return n, nil
}

// VerifyExisting reads piece index's bytes off disk, hashes them, and
// compares to the expected SHA-1 from the torrent descriptor.
func (s *Storage) VerifyExisting(index int) (bool, error) {
	start, end := s.pieceByteRange(index)
	buf := make([]byte, end-start)
	if err := s.readAt(buf, start); err != nil {
		return false, nil // unreadable/short piece is simply not yet present
	}
	expected, err := s.info.PieceHash(index)
	if err != nil {
		return false, errclass.FatalConfigf("verify_existing", "%s", err)
	}
	sum := sha1.Sum(buf)
	return sliceEqual(sum[:], expected), nil
}

func sliceEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// progressPath returns the sidecar path for this torrent.
func (s *Storage) progressPath() string {
	return filepath.Join(s.dir, s.info.Name+progressSuffix)
}

// packBitmap renders bitmap as a big-endian packed bitmap of
// ceil(numPieces/8) bytes, bit i set (MSB-first within its byte) iff piece
// i is verified -- the same on-wire convention the BEP 3 Bitfield message
// and session.packOwnBitfield use, so the sidecar is byte-for-byte what a
// peer would see announced for this torrent.
func packBitmap(bitmap *bitset.BitSet, numPieces int) []byte {
	out := make([]byte, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		if bitmap.Test(uint(i)) {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// SaveProgress atomically writes bitmap's packed form to the sidecar file.
func (s *Storage) SaveProgress(bitmap *bitset.BitSet) error {
	data := packBitmap(bitmap, s.info.NumPieces())
	path := s.progressPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return errclass.Storagef("save_progress", "write %s: %s", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errclass.Storagef("save_progress", "rename %s to %s: %s", tmp, path, err)
	}
	return nil
}

// RestoreProgress rebuilds the availability bitmap by re-hashing every
// piece currently on disk, ignoring whatever the sidecar claims -- this is
// what makes the sidecar-matches-on-disk-hashes invariant hold even across
// a crash that left the sidecar stale or missing. The freshly computed
// bitmap is written back out before returning.
func (s *Storage) RestoreProgress() (*bitset.BitSet, error) {
	n := s.info.NumPieces()
	bitmap := bitset.New(uint(n))
	for i := 0; i < n; i++ {
		ok, err := s.VerifyExisting(i)
		if err != nil {
			return nil, err
		}
		if ok {
			bitmap.Set(uint(i))
		}
	}
	if err := s.SaveProgress(bitmap); err != nil {
		return nil, err
	}
	return bitmap, nil
}
