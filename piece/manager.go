package piece

import (
	"errors"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/shenmo7192/transmission/bitfield"
	"github.com/shenmo7192/transmission/manifest"
	"github.com/shenmo7192/transmission/storage"
	"github.com/shenmo7192/transmission/wire"
)

var (
	BLOCK_SIZE               = 16384 // 2^14
	INITIAL_REQUEST_WINDOW   = 5
	MIN_REQUEST_WINDOW       = 2
	MAX_REQUEST_WINDOW       = 64
	MAX_PENDING_PIECES       = 8
	REQUEST_TIMEOUT          = 60 * time.Second
	MAX_CONSECUTIVE_TIMEOUTS = 4
	CORRUPTION_THRESHOLD     = 2
	TIMEOUT_SCAN_LIMIT       = 128
)

var (
	// ErrUnrequestedBlock flags stray or forged block data. Log and ignore;
	// never fatal.
	ErrUnrequestedBlock = errors.New("block was not requested from peer")
	// ErrPeerCorrupt flags a peer contributing to too many hash failures.
	ErrPeerCorrupt = errors.New("peer sent corrupt or malicious data")
	// ErrPeerUnresponsive flags a peer whose requests keep timing out.
	ErrPeerUnresponsive = errors.New("peer request timeouts exceeded")
)

// Policy selects the piece ordering strategy.
type Policy int

const (
	RarestFirst Policy = iota
	Sequential
)

// Priority is a per-file download priority that weighs piece selection
// before rarity.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Request identifies one block on the wire.
type Request struct {
	Piece  int
	Begin  int
	Length int
}

// PeerRequest is a Request attributed to the peer it was issued to.
type PeerRequest struct {
	PeerID string
	Request
}

// BlockReceipt reports what a delivered block changed.
type BlockReceipt struct {
	Duplicate bool          // already held; nothing changed
	Completed bool          // piece assembled, verified and committed
	Corrupt   bool          // piece failed verification and was reset
	Cancels   []PeerRequest // endgame duplicates to withdraw from other peers
	Banned    []string      // contributors past the corruption threshold
}

// Manager owns all per-torrent scheduling state: the local bitfield, piece
// availability, pending pieces and per-peer request windows. Every method
// serializes on the manager's lock, so interleaved updates from many peer
// goroutines stay consistent.
type Manager interface {
	BitfieldBytes() (wireBitfield []byte)
	BitfieldSnapshot() *bitfield.Bitfield
	PiecesDownloaded() int
	IsComplete() bool
	BytesLeft() int64
	Endgame() bool
	SetFilePriorities(priorities []Priority) error

	PeerBitfield(id string, peerBitfield *bitfield.Bitfield) (wanted bool)
	PeerHave(id string, pieceIndex int) (wanted bool, err error)
	PeerChoked(id string)
	PeerStopped(id string, peerBitfield *bitfield.Bitfield)

	OnBlockReceived(id string, pieceIndex, begin int, data []byte) (*BlockReceipt, error)
	SendBlockRequests(id string, w wire.Wire, peerBitfield *bitfield.Bitfield) (interested bool, err error)
	ReapTimeouts(now time.Time) (expired []PeerRequest, unresponsive []string)
}

type blockState struct {
	received bool
	data     []byte
	requests map[string]time.Time // outstanding, keyed by peer id
}

type pendingPiece struct {
	index        int
	blocks       []*blockState
	received     int
	contributors mapset.Set
}

type peerState struct {
	window         int
	outstanding    map[Request]time.Time
	consecTimeouts int
}

type manager struct {
	sync.Mutex
	m        *manifest.Manifest
	store    storage.Storage
	policy   Policy
	local    *bitfield.Bitfield
	avail    []int
	priority []Priority
	pending  map[int]*pendingPiece
	peers    map[string]*peerState
	// suspicion survives peer state teardown; keyed by peer address.
	suspicion map[string]int
	scanFrom  int
}

// NewManager builds the scheduling core for one torrent. local may come from
// the checking phase or a resume snapshot; nil starts empty.
func NewManager(m *manifest.Manifest, store storage.Storage, local *bitfield.Bitfield, policy Policy) Manager {
	if local == nil {
		local = bitfield.New(m.NumPieces())
	}
	priority := make([]Priority, m.NumPieces())
	for i := range priority {
		priority[i] = PriorityNormal
	}
	return &manager{
		m:         m,
		store:     store,
		policy:    policy,
		local:     local,
		avail:     make([]int, m.NumPieces()),
		priority:  priority,
		pending:   make(map[int]*pendingPiece),
		peers:     make(map[string]*peerState),
		suspicion: make(map[string]int),
	}
}

func (pm *manager) BitfieldBytes() []byte {
	pm.Lock()
	defer pm.Unlock()
	return pm.local.ToWire()
}

func (pm *manager) BitfieldSnapshot() *bitfield.Bitfield {
	pm.Lock()
	defer pm.Unlock()
	return pm.local.Copy()
}

func (pm *manager) PiecesDownloaded() int {
	pm.Lock()
	defer pm.Unlock()
	return pm.local.Count()
}

func (pm *manager) IsComplete() bool {
	pm.Lock()
	defer pm.Unlock()
	return pm.local.IsComplete()
}

func (pm *manager) BytesLeft() int64 {
	pm.Lock()
	defer pm.Unlock()
	var left int64
	for i := 0; i < pm.m.NumPieces(); i++ {
		if !pm.local.Test(i) {
			left += int64(pm.m.PieceLength(i))
		}
	}
	return left
}

func (pm *manager) Endgame() bool {
	pm.Lock()
	defer pm.Unlock()
	return pm.endgameLocked()
}

// SetFilePriorities maps per-file priorities onto pieces; a piece shared by
// several files takes the highest of their priorities.
func (pm *manager) SetFilePriorities(priorities []Priority) error {
	files := pm.m.Files()
	if len(priorities) != len(files) {
		return fmt.Errorf("got %d priorities for %d files", len(priorities), len(files))
	}
	pm.Lock()
	defer pm.Unlock()

	for i := range pm.priority {
		pm.priority[i] = PriorityLow
	}
	var offset int64
	pieceLen := int64(pm.m.NominalPieceLength())
	for fi, f := range files {
		if f.Length > 0 {
			first := int(offset / pieceLen)
			last := int((offset + f.Length - 1) / pieceLen)
			for p := first; p <= last; p++ {
				if priorities[fi] > pm.priority[p] {
					pm.priority[p] = priorities[fi]
				}
			}
		}
		offset += f.Length
	}
	return nil
}

func (pm *manager) PeerBitfield(id string, peerBitfield *bitfield.Bitfield) bool {
	pm.Lock()
	defer pm.Unlock()

	pm.stateFor(id)
	wanted := false
	for i := 0; i < peerBitfield.Len() && i < pm.m.NumPieces(); i++ {
		if peerBitfield.Test(i) {
			pm.avail[i]++
			if !pm.local.Test(i) {
				wanted = true
			}
		}
	}
	return wanted
}

func (pm *manager) PeerHave(id string, pieceIndex int) (bool, error) {
	pm.Lock()
	defer pm.Unlock()

	if pieceIndex < 0 || pieceIndex >= pm.m.NumPieces() {
		return false, fmt.Errorf("have for piece %d out of range", pieceIndex)
	}
	pm.stateFor(id)
	pm.avail[pieceIndex]++
	return !pm.local.Test(pieceIndex), nil
}

// PeerChoked releases the peer's outstanding requests; its blocks become
// requestable again immediately.
func (pm *manager) PeerChoked(id string) {
	pm.Lock()
	defer pm.Unlock()
	pm.releaseOutstandingLocked(id)
}

// PeerStopped additionally retires the peer's availability contribution and
// drops its request window.
func (pm *manager) PeerStopped(id string, peerBitfield *bitfield.Bitfield) {
	pm.Lock()
	defer pm.Unlock()

	if peerBitfield != nil {
		for i := 0; i < peerBitfield.Len() && i < pm.m.NumPieces(); i++ {
			if peerBitfield.Test(i) {
				pm.avail[i]--
			}
		}
	}
	pm.releaseOutstandingLocked(id)
	delete(pm.peers, id)
}

func (pm *manager) stateFor(id string) *peerState {
	ps, ok := pm.peers[id]
	if !ok {
		ps = &peerState{
			window:      INITIAL_REQUEST_WINDOW,
			outstanding: make(map[Request]time.Time),
		}
		pm.peers[id] = ps
	}
	return ps
}

func (pm *manager) releaseOutstandingLocked(id string) {
	ps, ok := pm.peers[id]
	if !ok {
		return
	}
	for req := range ps.outstanding {
		if pp, ok := pm.pending[req.Piece]; ok {
			delete(pp.blocks[req.Begin/BLOCK_SIZE].requests, id)
		}
	}
	ps.outstanding = make(map[Request]time.Time)
}

// Block geometry for piece i.

func (pm *manager) numBlocks(piece int) int {
	return (pm.m.PieceLength(piece) + BLOCK_SIZE - 1) / BLOCK_SIZE
}

func (pm *manager) blockLength(piece, blockIndex int) int {
	if length := pm.m.PieceLength(piece) - blockIndex*BLOCK_SIZE; length < BLOCK_SIZE {
		return length
	}
	return BLOCK_SIZE
}

func (pm *manager) newPendingLocked(piece int) *pendingPiece {
	blocks := make([]*blockState, pm.numBlocks(piece))
	for i := range blocks {
		blocks[i] = &blockState{requests: make(map[string]time.Time)}
	}
	pp := &pendingPiece{
		index:        piece,
		blocks:       blocks,
		contributors: mapset.NewSet(),
	}
	pm.pending[piece] = pp
	return pp
}

// endgameLocked holds when every missing block is already covered by at
// least one outstanding request.
func (pm *manager) endgameLocked() bool {
	for i := 0; i < pm.m.NumPieces(); i++ {
		if pm.local.Test(i) {
			continue
		}
		pp, ok := pm.pending[i]
		if !ok {
			return false
		}
		for _, b := range pp.blocks {
			if !b.received && len(b.requests) == 0 {
				return false
			}
		}
	}
	return true
}
