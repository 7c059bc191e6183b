package manifest

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"strings"

	bencode "github.com/jackpal/bencode-go"
)

// HashSize is the length of a single piece digest.
const HashSize = sha1.Size

// ErrMalformedManifest is returned when torrent metadata is internally
// inconsistent. It is fatal to loading that torrent.
var ErrMalformedManifest = errors.New("malformed manifest")

// File is one entry of the torrent's file set, with a path relative to the
// download directory.
type File struct {
	Path   string
	Length int64
}

// FileSpan is a byte range within a single file, produced by mapping a
// piece-relative byte range onto the file set.
type FileSpan struct {
	Path   string
	Offset int64
	Length int64
}

// Manifest is the immutable description of a torrent: piece geometry, the
// per-piece hash sequence and the file boundary mapping. It carries no
// locking; once constructed it is never mutated and is safe for concurrent
// readers.
type Manifest struct {
	name         string
	infoHash     []byte
	pieceLength  int
	totalLength  int64
	numPieces    int
	hashes       []byte // concatenated sha1 digests, HashSize bytes per piece
	files        []File
	announceList [][]string
}

// New validates the piece geometry against the file set. The piece hash
// count must match the computed piece count and the file lengths must sum to
// a positive total.
func New(name string, infoHash []byte, pieceLength int, hashes []byte, files []File, announceList [][]string) (*Manifest, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length %d", ErrMalformedManifest, pieceLength)
	}
	if len(hashes)%HashSize != 0 {
		return nil, fmt.Errorf("%w: hash sequence length %d not a multiple of %d", ErrMalformedManifest, len(hashes), HashSize)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: empty file set", ErrMalformedManifest)
	}
	var total int64
	for _, f := range files {
		if f.Length < 0 || f.Path == "" {
			return nil, fmt.Errorf("%w: bad file entry %q", ErrMalformedManifest, f.Path)
		}
		total += f.Length
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: total length %d", ErrMalformedManifest, total)
	}
	numPieces := int((total + int64(pieceLength) - 1) / int64(pieceLength))
	if len(hashes)/HashSize != numPieces {
		return nil, fmt.Errorf("%w: %d piece hashes for %d pieces", ErrMalformedManifest, len(hashes)/HashSize, numPieces)
	}
	return &Manifest{
		name:         name,
		infoHash:     infoHash,
		pieceLength:  pieceLength,
		totalLength:  total,
		numPieces:    numPieces,
		hashes:       hashes,
		files:        files,
		announceList: announceList,
	}, nil
}

type metaInfo struct {
	Info         info
	Announce     string
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int        `bencode:"creation date"`
	Comment      string
	CreatedBy    string `bencode:"created by"`
	Encoding     string
}

type info struct {
	PieceLength int `bencode:"piece length"`
	Pieces      string
	Private     int
	Name        string
	Length      int64
	Md5sum      string
	Files       []file
}

type file struct {
	Length int64
	Md5sum string
	Path   []string
}

// FromBencode parses a .torrent stream and builds its Manifest. The
// info-hash is the sha1 digest of the bencoded info dictionary.
func FromBencode(r io.ReadSeeker) (*Manifest, error) {
	raw, err := bencode.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	rawMap, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: top level not a dictionary", ErrMalformedManifest)
	}
	rawInfo, ok := rawMap["info"]
	if !ok {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrMalformedManifest)
	}

	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, rawInfo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	infoHash := sha1.Sum(infoBencode.Bytes())

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	mi := &metaInfo{}
	if err := bencode.Unmarshal(r, mi); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}

	var files []File
	if len(mi.Info.Files) > 0 {
		// Multiple file mode: paths live under a directory named by info.name.
		for _, f := range mi.Info.Files {
			parts := append([]string{mi.Info.Name}, f.Path...)
			files = append(files, File{Path: strings.Join(parts, "/"), Length: f.Length})
		}
	} else {
		files = []File{{Path: mi.Info.Name, Length: mi.Info.Length}}
	}

	announceList := mi.AnnounceList
	if len(announceList) == 0 && mi.Announce != "" {
		announceList = [][]string{{mi.Announce}}
	}
	return New(mi.Info.Name, infoHash[:], mi.Info.PieceLength, []byte(mi.Info.Pieces), files, announceList)
}

func (m *Manifest) Name() string             { return m.name }
func (m *Manifest) InfoHash() []byte         { return m.infoHash }
func (m *Manifest) NumPieces() int           { return m.numPieces }
func (m *Manifest) TotalLength() int64       { return m.totalLength }
func (m *Manifest) Files() []File            { return m.files }
func (m *Manifest) AnnounceList() [][]string { return m.announceList }

// NominalPieceLength is the length of every piece except possibly the last.
func (m *Manifest) NominalPieceLength() int { return m.pieceLength }

// PieceLength returns the length of piece i, accounting for the short final
// piece.
func (m *Manifest) PieceLength(i int) int {
	if i == m.numPieces-1 {
		if rem := m.totalLength % int64(m.pieceLength); rem != 0 {
			return int(rem)
		}
	}
	return m.pieceLength
}

// PieceOffset is the absolute byte offset of (piece, begin) within the
// torrent's contiguous byte space.
func (m *Manifest) PieceOffset(i, begin int) int64 {
	return int64(i)*int64(m.pieceLength) + int64(begin)
}

// ExpectedHash returns the digest piece i must verify against.
func (m *Manifest) ExpectedHash(i int) []byte {
	return m.hashes[i*HashSize : (i+1)*HashSize]
}

// Segments maps the byte range [offset, offset+length) onto the file set.
func (m *Manifest) Segments(offset int64, length int) []FileSpan {
	spans := make([]FileSpan, 0, 1)
	remaining := int64(length)
	for _, f := range m.files {
		if remaining <= 0 {
			break
		}
		if offset >= f.Length {
			offset -= f.Length
			continue
		}
		n := f.Length - offset
		if n > remaining {
			n = remaining
		}
		spans = append(spans, FileSpan{Path: f.Path, Offset: offset, Length: n})
		remaining -= n
		offset = 0
	}
	return spans
}
