package piece

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/shenmo7192/transmission/bitfield"
	"github.com/shenmo7192/transmission/manifest"
	"github.com/shenmo7192/transmission/storage"
	"github.com/shenmo7192/transmission/wire"
)

type mockDisk struct {
	storage.Storage
	mock.Mock
}

func (m *mockDisk) WriteBlock(pieceIndex, begin int, data []byte) error {
	args := m.Called(pieceIndex, begin, data)
	return args.Error(0)
}

type mockWire struct {
	wire.Wire
	mock.Mock
}

func (m *mockWire) SendRequest(pieceIndex, begin, length int) error {
	args := m.Called(pieceIndex, begin, length)
	return args.Error(0)
}

func (m *mockWire) SendUnInterested() error {
	args := m.Called()
	return args.Error(0)
}

// testManifest builds a single-file torrent of numPieces pieces, each
// blocksPerPiece blocks long. pieceData, when given, supplies real content
// for hash verification; otherwise digests are zero and completion tests
// must not be run against it.
func testManifest(t *testing.T, numPieces, blocksPerPiece int, pieceData [][]byte) *manifest.Manifest {
	pieceLength := blocksPerPiece * BLOCK_SIZE
	hashes := make([]byte, numPieces*manifest.HashSize)
	for i, data := range pieceData {
		digest := sha1.Sum(data)
		copy(hashes[i*manifest.HashSize:], digest[:])
	}
	m, err := manifest.New(
		"test", make([]byte, 20), pieceLength, hashes,
		[]manifest.File{{Path: "test", Length: int64(numPieces) * int64(pieceLength)}},
		nil)
	assert.NoError(t, err)
	return m
}

func fullBitfield(n int) *bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func pattern(b byte, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = b
	}
	return data
}

func TestRarestFirstSelection(t *testing.T) {
	defer func(w int) { INITIAL_REQUEST_WINDOW = w }(INITIAL_REQUEST_WINDOW)
	INITIAL_REQUEST_WINDOW = 4

	m := testManifest(t, 4, 4, nil)
	pm := NewManager(m, &mockDisk{}, nil, RarestFirst)

	// Availability before the requesting peer joins: [3, 1, 2, 0].
	a := bitfield.New(4)
	a.Set(0)
	a.Set(1)
	a.Set(2)
	b := bitfield.New(4)
	b.Set(0)
	b.Set(2)
	c := bitfield.New(4)
	c.Set(0)
	pm.PeerBitfield("peerA", a)
	pm.PeerBitfield("peerB", b)
	pm.PeerBitfield("peerC", c)

	// peerD holds everything; piece 3 is now the rarest at availability 1.
	w := &mockWire{}
	w.On("SendRequest", 3, 0*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	w.On("SendRequest", 3, 1*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	w.On("SendRequest", 3, 2*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	w.On("SendRequest", 3, 3*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()

	full := fullBitfield(4)
	assert.True(t, pm.PeerBitfield("peerD", full))
	interested, err := pm.SendBlockRequests("peerD", w, full)
	assert.NoError(t, err)
	assert.True(t, interested)
	w.AssertExpectations(t)
}

func TestSequentialSelection(t *testing.T) {
	defer func(w int) { INITIAL_REQUEST_WINDOW = w }(INITIAL_REQUEST_WINDOW)
	INITIAL_REQUEST_WINDOW = 4

	m := testManifest(t, 4, 4, nil)
	pm := NewManager(m, &mockDisk{}, nil, Sequential)

	// Piece 0 is the most available, but sequential order ignores rarity.
	a := fullBitfield(4)
	a.Clear(3)
	pm.PeerBitfield("peerA", a)

	w := &mockWire{}
	w.On("SendRequest", 0, 0*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	w.On("SendRequest", 0, 1*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	w.On("SendRequest", 0, 2*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	w.On("SendRequest", 0, 3*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()

	full := fullBitfield(4)
	pm.PeerBitfield("peerB", full)
	_, err := pm.SendBlockRequests("peerB", w, full)
	assert.NoError(t, err)
	w.AssertExpectations(t)
}

func TestHighPriorityBeforeRarity(t *testing.T) {
	defer func(w int) { INITIAL_REQUEST_WINDOW = w }(INITIAL_REQUEST_WINDOW)
	INITIAL_REQUEST_WINDOW = 4

	// Two files of two pieces each; the second file is high priority, so its
	// first piece beats the rarest piece of the low priority file.
	pieceLength := 4 * BLOCK_SIZE
	m, err := manifest.New(
		"test", make([]byte, 20), pieceLength, make([]byte, 4*manifest.HashSize),
		[]manifest.File{
			{Path: "a", Length: int64(2 * pieceLength)},
			{Path: "b", Length: int64(2 * pieceLength)},
		},
		nil)
	assert.NoError(t, err)
	pm := NewManager(m, &mockDisk{}, nil, RarestFirst)

	assert.Error(t, pm.SetFilePriorities([]Priority{PriorityHigh}))
	assert.NoError(t, pm.SetFilePriorities([]Priority{PriorityLow, PriorityHigh}))

	w := &mockWire{}
	w.On("SendRequest", 2, 0*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	w.On("SendRequest", 2, 1*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	w.On("SendRequest", 2, 2*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	w.On("SendRequest", 2, 3*BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()

	// Piece 0 would win on rarity alone.
	rare := bitfield.New(4)
	rare.Set(1)
	rare.Set(2)
	rare.Set(3)
	pm.PeerBitfield("peerA", rare)

	full := fullBitfield(4)
	pm.PeerBitfield("peerB", full)
	_, err = pm.SendBlockRequests("peerB", w, full)
	assert.NoError(t, err)
	w.AssertExpectations(t)
}

func TestUselessPeerSendsUninterested(t *testing.T) {
	m := testManifest(t, 2, 2, nil)
	local := fullBitfield(2)
	pm := NewManager(m, &mockDisk{}, local, RarestFirst)

	w := &mockWire{}
	w.On("SendUnInterested").Return(nil).Once()

	interested, err := pm.SendBlockRequests("peerA", w, fullBitfield(2))
	assert.NoError(t, err)
	assert.False(t, interested)
	w.AssertExpectations(t)
}

func TestPieceCompletedCommits(t *testing.T) {
	block0 := pattern(1, BLOCK_SIZE)
	block1 := pattern(2, BLOCK_SIZE)
	pieceData := append(append([]byte{}, block0...), block1...)
	m := testManifest(t, 1, 2, [][]byte{pieceData})

	disk := &mockDisk{}
	disk.On("WriteBlock", 0, 0, mock.MatchedBy(func(data []byte) bool {
		return len(data) == 2*BLOCK_SIZE
	})).Return(nil).Once()
	pm := NewManager(m, disk, nil, RarestFirst)

	w := &mockWire{}
	w.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()
	w.On("SendRequest", 0, BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()

	full := fullBitfield(1)
	pm.PeerBitfield("peerA", full)
	_, err := pm.SendBlockRequests("peerA", w, full)
	assert.NoError(t, err)

	receipt, err := pm.OnBlockReceived("peerA", 0, 0, block0)
	assert.NoError(t, err)
	assert.False(t, receipt.Completed)

	receipt, err = pm.OnBlockReceived("peerA", 0, BLOCK_SIZE, block1)
	assert.NoError(t, err)
	assert.True(t, receipt.Completed)
	assert.True(t, pm.IsComplete())
	assert.Equal(t, []byte{0x80}, pm.BitfieldBytes())
	assert.Equal(t, int64(0), pm.BytesLeft())

	disk.AssertExpectations(t)
	w.AssertExpectations(t)
}

func TestDuplicateBlockIsIdempotent(t *testing.T) {
	block0 := pattern(1, BLOCK_SIZE)
	m := testManifest(t, 1, 2, nil)
	pm := NewManager(m, &mockDisk{}, nil, RarestFirst)

	w := &mockWire{}
	w.On("SendRequest", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	full := fullBitfield(1)
	pm.PeerBitfield("peerA", full)
	pm.SendBlockRequests("peerA", w, full)

	receipt, err := pm.OnBlockReceived("peerA", 0, 0, block0)
	assert.NoError(t, err)
	assert.False(t, receipt.Duplicate)

	receipt, err = pm.OnBlockReceived("peerA", 0, 0, block0)
	assert.NoError(t, err)
	assert.True(t, receipt.Duplicate)
	assert.False(t, receipt.Completed)
}

func TestUnrequestedBlockRejected(t *testing.T) {
	m := testManifest(t, 1, 2, nil)
	pm := NewManager(m, &mockDisk{}, nil, RarestFirst)

	w := &mockWire{}
	w.On("SendRequest", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	full := fullBitfield(1)
	pm.PeerBitfield("peerA", full)
	pm.SendBlockRequests("peerA", w, full)

	// Stray piece index.
	_, err := pm.OnBlockReceived("peerA", 7, 0, pattern(0, BLOCK_SIZE))
	assert.ErrorIs(t, err, ErrUnrequestedBlock)

	// Misaligned offset.
	_, err = pm.OnBlockReceived("peerA", 0, 17, pattern(0, BLOCK_SIZE))
	assert.ErrorIs(t, err, ErrUnrequestedBlock)

	// Right block, wrong peer.
	_, err = pm.OnBlockReceived("peerB", 0, 0, pattern(0, BLOCK_SIZE))
	assert.ErrorIs(t, err, ErrUnrequestedBlock)
}

func TestCorruptPieceResetsAndBans(t *testing.T) {
	m := testManifest(t, 1, 1, nil) // zero digest never matches real data
	pm := NewManager(m, &mockDisk{}, nil, RarestFirst)

	w := &mockWire{}
	w.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Times(CORRUPTION_THRESHOLD)

	full := fullBitfield(1)
	pm.PeerBitfield("peerA", full)

	for round := 1; round <= CORRUPTION_THRESHOLD; round++ {
		_, err := pm.SendBlockRequests("peerA", w, full)
		assert.NoError(t, err)

		receipt, err := pm.OnBlockReceived("peerA", 0, 0, pattern(byte(round), BLOCK_SIZE))
		assert.NoError(t, err)
		assert.True(t, receipt.Corrupt)
		assert.False(t, receipt.Completed)
		if round < CORRUPTION_THRESHOLD {
			assert.Empty(t, receipt.Banned)
		} else {
			assert.Equal(t, []string{"peerA"}, receipt.Banned)
		}
	}
	assert.False(t, pm.IsComplete())
	w.AssertExpectations(t)
}

func TestEndgameDuplicatesAndCancels(t *testing.T) {
	m := testManifest(t, 1, 2, nil)
	pm := NewManager(m, &mockDisk{}, nil, RarestFirst)
	full := fullBitfield(1)

	wA := &mockWire{}
	wA.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()
	wA.On("SendRequest", 0, BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	pm.PeerBitfield("peerA", full)
	pm.SendBlockRequests("peerA", wA, full)
	assert.True(t, pm.Endgame())

	// Every missing block is in flight, so a second peer gets duplicates.
	wB := &mockWire{}
	wB.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Once()
	wB.On("SendRequest", 0, BLOCK_SIZE, BLOCK_SIZE).Return(nil).Once()
	pm.PeerBitfield("peerB", full)
	pm.SendBlockRequests("peerB", wB, full)

	// First delivery wins; the loser's duplicate is withdrawn.
	receipt, err := pm.OnBlockReceived("peerA", 0, 0, pattern(1, BLOCK_SIZE))
	assert.NoError(t, err)
	assert.Equal(t, []PeerRequest{{
		PeerID:  "peerB",
		Request: Request{Piece: 0, Begin: 0, Length: BLOCK_SIZE},
	}}, receipt.Cancels)

	wA.AssertExpectations(t)
	wB.AssertExpectations(t)
}

func TestTimeoutShrinksWindowAndFlagsPeer(t *testing.T) {
	m := testManifest(t, 1, 2, nil)
	pm := NewManager(m, &mockDisk{}, nil, RarestFirst)
	full := fullBitfield(1)
	pm.PeerBitfield("peerA", full)

	w := &mockWire{}
	w.On("SendRequest", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	now := time.Now()
	var unresponsive []string
	for round := 0; round < MAX_CONSECUTIVE_TIMEOUTS; round++ {
		_, err := pm.SendBlockRequests("peerA", w, full)
		assert.NoError(t, err)

		now = now.Add(REQUEST_TIMEOUT + time.Second)
		var expired []PeerRequest
		expired, unresponsive = pm.ReapTimeouts(now)
		assert.NotEmpty(t, expired)
		for _, pr := range expired {
			assert.Equal(t, "peerA", pr.PeerID)
		}
	}
	assert.Equal(t, []string{"peerA"}, unresponsive)
}

func TestTimeoutBatchHalvesWindowOnce(t *testing.T) {
	defer func(w int) { INITIAL_REQUEST_WINDOW = w }(INITIAL_REQUEST_WINDOW)
	INITIAL_REQUEST_WINDOW = 16

	m := testManifest(t, 1, 2, nil)
	pm := NewManager(m, &mockDisk{}, nil, RarestFirst)
	full := fullBitfield(1)
	pm.PeerBitfield("peerA", full)

	w := &mockWire{}
	w.On("SendRequest", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	_, err := pm.SendBlockRequests("peerA", w, full)
	assert.NoError(t, err)

	// Both outstanding requests expire in the same cycle: one stall, one
	// halving, one consecutive-timeout tick.
	expired, _ := pm.ReapTimeouts(time.Now().Add(REQUEST_TIMEOUT + time.Second))
	assert.Len(t, expired, 2)

	impl := pm.(*manager)
	impl.Lock()
	defer impl.Unlock()
	assert.Equal(t, 8, impl.peers["peerA"].window)
	assert.Equal(t, 1, impl.peers["peerA"].consecTimeouts)
}

func TestRequestsSentOutsideManagerLock(t *testing.T) {
	m := testManifest(t, 1, 2, nil)
	pm := NewManager(m, &mockDisk{}, nil, RarestFirst)
	full := fullBitfield(1)
	pm.PeerBitfield("peerA", full)

	// The wire callback re-enters the manager; it deadlocks if the lock is
	// still held while the request goes out.
	w := &mockWire{}
	w.On("SendRequest", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { pm.IsComplete() }).Return(nil)

	done := make(chan struct{})
	go func() {
		_, err := pm.SendBlockRequests("peerA", w, full)
		assert.NoError(t, err)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendBlockRequests held the manager lock across the wire write")
	}
}

func TestCommitWritesOutsideManagerLock(t *testing.T) {
	block0 := pattern(1, BLOCK_SIZE)
	m := testManifest(t, 1, 1, [][]byte{block0})

	disk := &mockDisk{}
	pm := NewManager(m, disk, nil, RarestFirst)
	// The disk callback re-enters the manager; it deadlocks if the commit
	// happens with the lock still held.
	disk.On("WriteBlock", 0, 0, mock.Anything).
		Run(func(mock.Arguments) { pm.BytesLeft() }).Return(nil).Once()

	w := &mockWire{}
	w.On("SendRequest", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	full := fullBitfield(1)
	pm.PeerBitfield("peerA", full)
	pm.SendBlockRequests("peerA", w, full)

	done := make(chan struct{})
	go func() {
		receipt, err := pm.OnBlockReceived("peerA", 0, 0, block0)
		assert.NoError(t, err)
		assert.True(t, receipt.Completed)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnBlockReceived held the manager lock across the disk write")
	}
	disk.AssertExpectations(t)
}

func TestChokeReleasesOutstandingRequests(t *testing.T) {
	m := testManifest(t, 1, 2, nil)
	pm := NewManager(m, &mockDisk{}, nil, RarestFirst)
	full := fullBitfield(1)
	pm.PeerBitfield("peerA", full)

	w := &mockWire{}
	w.On("SendRequest", 0, 0, BLOCK_SIZE).Return(nil).Times(2)
	w.On("SendRequest", 0, BLOCK_SIZE, BLOCK_SIZE).Return(nil).Times(2)

	pm.SendBlockRequests("peerA", w, full)
	pm.PeerChoked("peerA")

	// Choking returned the blocks to not-requested, so an unchoke re-issues
	// the same requests without waiting out any timeout.
	pm.SendBlockRequests("peerA", w, full)
	w.AssertExpectations(t)
}

func TestPeerStoppedRetiresAvailability(t *testing.T) {
	m := testManifest(t, 2, 2, nil)
	pm := NewManager(m, &mockDisk{}, nil, RarestFirst)

	full := fullBitfield(2)
	pm.PeerBitfield("peerA", full)
	pm.PeerStopped("peerA", full)

	impl := pm.(*manager)
	impl.Lock()
	defer impl.Unlock()
	assert.Equal(t, []int{0, 0}, impl.avail)
	assert.Empty(t, impl.peers)
}
