package storage

import (
	"errors"

	"github.com/spf13/afero"

	"github.com/shenmo7192/transmission/bitfield"
)

var appFS = afero.NewOsFs()

// ErrIO marks a disk failure. It escalates to a torrent-level error state;
// the torrent is paused, never removed.
var ErrIO = errors.New("storage i/o failure")

// Storage maps piece/block byte ranges onto the torrent's file set.
type Storage interface {
	// WriteBlock persists data at (pieceIndex, begin). Only verified bytes
	// ever reach it.
	WriteBlock(pieceIndex, begin int, data []byte) (err error)
	// ReadBlock serves upload requests from the file set.
	ReadBlock(pieceIndex, begin, length int) (blockData []byte, err error)
	// VerifyExistingData re-hashes on-disk pieces and rebuilds the local
	// bitfield (the "checking" phase).
	VerifyExistingData() (clientBitfield *bitfield.Bitfield, err error)
	// Move relocates the file set to a new download directory.
	Move(dir string) (err error)
	Close()
}
