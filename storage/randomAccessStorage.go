package storage

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/spf13/afero"

	"github.com/shenmo7192/transmission/bitfield"
	"github.com/shenmo7192/transmission/manifest"
)

type randomAccessStorage struct {
	mu    sync.Mutex
	m     *manifest.Manifest
	dir   string
	files map[string]afero.File
}

// NewRandomAccessStorage opens (sparse-creating as needed) every file of the
// manifest under dir.
func NewRandomAccessStorage(m *manifest.Manifest, dir string) (Storage, error) {
	s := &randomAccessStorage{
		m:     m,
		dir:   dir,
		files: make(map[string]afero.File),
	}
	if err := s.openAll(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *randomAccessStorage) openAll() error {
	for _, f := range s.m.Files() {
		full := path.Join(s.dir, f.Path)
		if err := appFS.MkdirAll(path.Dir(full), 0755); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		handle, err := appFS.OpenFile(full, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		s.files[f.Path] = handle
	}
	return nil
}

func (s *randomAccessStorage) WriteBlock(pieceIndex, begin int, data []byte) error {
	if err := s.checkRange(pieceIndex, begin, len(data)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := s.m.PieceOffset(pieceIndex, begin)
	for _, span := range s.m.Segments(offset, len(data)) {
		handle, ok := s.files[span.Path]
		if !ok {
			return fmt.Errorf("%w: no handle for %s", ErrIO, span.Path)
		}
		if _, err := handle.WriteAt(data[:span.Length], span.Offset); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		data = data[span.Length:]
	}
	return nil
}

func (s *randomAccessStorage) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	if err := s.checkRange(pieceIndex, begin, length); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(pieceIndex, begin, length)
}

func (s *randomAccessStorage) readLocked(pieceIndex, begin, length int) ([]byte, error) {
	buf := &bytes.Buffer{}
	offset := s.m.PieceOffset(pieceIndex, begin)
	for _, span := range s.m.Segments(offset, length) {
		handle, ok := s.files[span.Path]
		if !ok {
			return nil, fmt.Errorf("%w: no handle for %s", ErrIO, span.Path)
		}
		data := make([]byte, span.Length)
		if _, err := handle.ReadAt(data, span.Offset); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func (s *randomAccessStorage) VerifyExistingData() (*bitfield.Bitfield, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bf := bitfield.New(s.m.NumPieces())
	for i := 0; i < s.m.NumPieces(); i++ {
		data, err := s.readLocked(i, 0, s.m.PieceLength(i))
		if err != nil {
			// Unwritten regions read short on a sparse or missing file;
			// the piece is simply absent.
			continue
		}
		digest := sha1.Sum(data)
		if bytes.Equal(digest[:], s.m.ExpectedHash(i)) {
			bf.Set(i)
		}
	}
	return bf, nil
}

func (s *randomAccessStorage) Move(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir == s.dir {
		return nil
	}
	for p, handle := range s.files {
		handle.Close()
		delete(s.files, p)
	}
	for _, f := range s.m.Files() {
		oldPath := path.Join(s.dir, f.Path)
		newPath := path.Join(dir, f.Path)
		if err := appFS.MkdirAll(path.Dir(newPath), 0755); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		if err := appFS.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	s.dir = dir
	if err := s.openAll(); err != nil {
		return err
	}
	return nil
}

func (s *randomAccessStorage) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, handle := range s.files {
		handle.Close()
		delete(s.files, p)
	}
}

func (s *randomAccessStorage) checkRange(pieceIndex, begin, length int) error {
	if pieceIndex < 0 || pieceIndex >= s.m.NumPieces() {
		return fmt.Errorf("piece %d out of range", pieceIndex)
	}
	if begin < 0 || length < 0 || begin+length > s.m.PieceLength(pieceIndex) {
		return fmt.Errorf("range [%d, %d) outside piece %d", begin, begin+length, pieceIndex)
	}
	return nil
}
