package peer

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/shenmo7192/transmission/bandwidth"
	"github.com/shenmo7192/transmission/bitfield"
	"github.com/shenmo7192/transmission/manifest"
	"github.com/shenmo7192/transmission/piece"
	"github.com/shenmo7192/transmission/storage"
	"github.com/shenmo7192/transmission/wire"
)

type mockStorage struct {
	storage.Storage
	mock.Mock
}

func (m *mockStorage) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	args := m.Called(pieceIndex, begin, length)
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockPieceManager) BitfieldBytes() []byte {
	args := m.Called()
	return args.Get(0).([]byte)
}

func (m *mockPieceManager) PeerBitfield(id string, bf *bitfield.Bitfield) bool {
	args := m.Called(id, bf)
	return args.Bool(0)
}

func (m *mockPieceManager) SendBlockRequests(id string, w wire.Wire, bf *bitfield.Bitfield) (bool, error) {
	args := m.Called(id, w, bf)
	return args.Bool(0), args.Error(1)
}

func (m *mockPieceManager) OnBlockReceived(id string, pieceIndex, begin int, data []byte) (*piece.BlockReceipt, error) {
	args := m.Called(id, pieceIndex, begin, data)
	return args.Get(0).(*piece.BlockReceipt), args.Error(1)
}

func (m *mockPieceManager) BytesLeft() int64 {
	args := m.Called()
	return args.Get(0).(int64)
}

func (m *mockPieceManager) PeerStopped(id string, bf *bitfield.Bitfield) {
	m.Called(id, bf)
}

func (m *mockPeerManager) RemovePeer(id string, reason error) {
	m.Called(id, reason)
}

func (m *mockPeerManager) BroadcastHave(pieceIndex int) {
	m.Called(pieceIndex)
}

func (m *mockStats) UpdatePeer(id string, uploaded, downloaded int) {
	m.Called(id, uploaded, downloaded)
}

func (m *mockStats) SetLeft(left int64) {
	m.Called(left)
}

func (m *mockStats) RemovePeer(id string) {
	m.Called(id)
}

func sessionManifest(t *testing.T) *manifest.Manifest {
	m, err := manifest.New("test", make([]byte, 20), piece.BLOCK_SIZE,
		make([]byte, manifest.HashSize),
		[]manifest.File{{Path: "test", Length: int64(piece.BLOCK_SIZE)}}, nil)
	assert.NoError(t, err)
	return m
}

// The remote side of the pipe runs a scripted seeder: handshake, bitfield,
// unchoke, then one block, exercising the whole inbound message path.
func TestPeerSessionDownloadsBlock(t *testing.T) {
	m := sessionManifest(t)
	ourID := []byte("-TT4060-aaaaaaaaaaaa")
	theirID := []byte("-TT4060-bbbbbbbbbbbb")
	blockData := make([]byte, piece.BLOCK_SIZE)

	stopped := make(chan struct{})

	pieceMgr := &mockPieceManager{}
	pieceMgr.On("BitfieldBytes").Return([]byte{0x00})
	pieceMgr.On("PeerBitfield", "remote", mock.Anything).Return(true)
	pieceMgr.On("SendBlockRequests", "remote", mock.Anything, mock.Anything).Return(true, nil)
	pieceMgr.On("OnBlockReceived", "remote", 0, 0, blockData).
		Return(&piece.BlockReceipt{Completed: true}, nil).Once()
	pieceMgr.On("BytesLeft").Return(int64(0))
	pieceMgr.On("PeerStopped", "remote", mock.Anything).Return()

	peerMgr := &mockPeerManager{}
	peerMgr.On("BroadcastHave", 0).Return().Once()
	peerMgr.On("RemovePeer", "remote", mock.Anything).
		Run(func(mock.Arguments) { close(stopped) }).Return().Once()

	st := &mockStats{}
	st.On("UpdatePeer", "remote", 0, piece.BLOCK_SIZE).Return().Once()
	st.On("SetLeft", int64(0)).Return().Once()
	st.On("RemovePeer", "remote").Return()

	local, remote := net.Pipe()
	p := NewPeer("remote", wire.NewWire(local, PEER_TIMEOUT), false,
		m, ourID, nil, peerMgr, pieceMgr, st,
		bandwidth.NewLimiter(bandwidth.Unlimited),
		bandwidth.NewLimiter(bandwidth.Unlimited))
	go p.Start()

	seeder := wire.NewWire(remote, time.Second)
	length, protocol, infoHash, gotID, err := seeder.ReadHandshake()
	assert.NoError(t, err)
	assert.Equal(t, uint8(19), length)
	assert.Equal(t, "BitTorrent protocol", protocol)
	assert.Equal(t, m.InfoHash(), infoHash)
	assert.Equal(t, ourID, gotID)
	assert.NoError(t, seeder.SendHandshake(19, "BitTorrent protocol", m.InfoHash(), theirID))

	// Our empty bitfield arrives first.
	_, id, payload, err := seeder.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, byte(wire.BITFIELD), id)
	assert.Equal(t, []byte{0x00}, payload)

	assert.NoError(t, seeder.SendBitField([]byte{0x80}))

	// The full bitfield makes us interested.
	_, id, _, err = seeder.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, byte(wire.INTERESTED), id)

	assert.NoError(t, seeder.SendUnchoke())
	assert.NoError(t, seeder.SendBlock(0, 0, blockData))

	// Dropping the connection tears the session down.
	seeder.Close()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("peer session did not stop")
	}

	pieceMgr.AssertExpectations(t)
	peerMgr.AssertExpectations(t)
	st.AssertExpectations(t)
}

// The choke loop flips choke state from its own goroutine while the read
// loop owns every other flag; this hammers both sides through the exported
// surface so the race detector has something to chew on.
func TestPeerStateSafeUnderConcurrentChoke(t *testing.T) {
	m := sessionManifest(t)

	peerMgr := &mockPeerManager{}
	peerMgr.On("RemovePeer", "remote", mock.Anything).Return()
	pieceMgr := &mockPieceManager{}
	pieceMgr.On("PeerStopped", "remote", mock.Anything).Return()
	st := &mockStats{}
	st.On("RemovePeer", "remote").Return()

	local, remote := net.Pipe()
	defer remote.Close()
	// Drain the choke/unchoke frames the writers produce.
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := remote.Read(buf); err != nil {
				return
			}
		}
	}()

	p := NewPeer("remote", wire.NewWire(local, PEER_TIMEOUT), false,
		m, []byte("-TT4060-aaaaaaaaaaaa"), nil, peerMgr, pieceMgr, st,
		bandwidth.NewLimiter(bandwidth.Unlimited),
		bandwidth.NewLimiter(bandwidth.Unlimited))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.SendUnchoke()
				p.SendChoke()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			p.GetPeerInfo()
		}
	}()
	wg.Wait()

	// Every writer's last word is SendChoke.
	_, state, _, _ := p.GetPeerInfo()
	assert.True(t, state.clientChoking)
}

func TestPeerStopRunsOnce(t *testing.T) {
	m := sessionManifest(t)

	removed := make(chan struct{})
	peerMgr := &mockPeerManager{}
	peerMgr.On("RemovePeer", "remote", mock.Anything).
		Run(func(mock.Arguments) { close(removed) }).Return().Once()
	pieceMgr := &mockPieceManager{}
	pieceMgr.On("PeerStopped", "remote", mock.Anything).Return()
	st := &mockStats{}
	st.On("RemovePeer", "remote").Return()

	p := NewPeer("remote", nil, false,
		m, []byte("-TT4060-aaaaaaaaaaaa"), nil, peerMgr, pieceMgr, st,
		bandwidth.NewLimiter(bandwidth.Unlimited),
		bandwidth.NewLimiter(bandwidth.Unlimited))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop(nil)
		}()
	}
	wg.Wait()

	select {
	case <-removed:
	case <-time.After(5 * time.Second):
		t.Fatal("teardown never ran")
	}
	peerMgr.AssertNumberOfCalls(t, "RemovePeer", 1)
}

// A request that is actually served must release its cancel-table entry, not
// just one that the remote withdraws.
func TestServedRequestClearsCancelTable(t *testing.T) {
	defer func(d time.Duration) { BLOCK_READ_REQUEST_DELAY = d }(BLOCK_READ_REQUEST_DELAY)
	BLOCK_READ_REQUEST_DELAY = 0

	m := sessionManifest(t)
	blockData := make([]byte, piece.BLOCK_SIZE)

	store := &mockStorage{}
	store.On("ReadBlock", 0, 0, piece.BLOCK_SIZE).Return(blockData, nil).Once()

	served := make(chan struct{})
	st := &mockStats{}
	st.On("UpdatePeer", "remote", piece.BLOCK_SIZE, 0).
		Run(func(mock.Arguments) { close(served) }).Return().Once()

	local, remote := net.Pipe()
	defer remote.Close()
	leecher := wire.NewWire(remote, time.Second)
	go func() {
		_, id, _, err := leecher.ReadMessage()
		assert.NoError(t, err)
		assert.Equal(t, byte(wire.BLOCK), id)
	}()

	p := NewPeer("remote", wire.NewWire(local, PEER_TIMEOUT), false,
		m, []byte("-TT4060-aaaaaaaaaaaa"), store, &mockPeerManager{}, &mockPieceManager{}, st,
		bandwidth.NewLimiter(bandwidth.Unlimited),
		bandwidth.NewLimiter(bandwidth.Unlimited)).(*peer)
	p.mu.Lock()
	p.state.clientChoking = false
	p.state.peerInterested = true
	p.mu.Unlock()

	payload := &bytes.Buffer{}
	binary.Write(payload, binary.BigEndian, int32(0))
	binary.Write(payload, binary.BigEndian, int32(0))
	binary.Write(payload, binary.BigEndian, int32(piece.BLOCK_SIZE))
	assert.NoError(t, p.handleRequest(payload))

	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("block was never served")
	}
	p.mu.Lock()
	pending := len(p.readRequestCancelChan)
	p.mu.Unlock()
	assert.Zero(t, pending)
	store.AssertExpectations(t)
	st.AssertExpectations(t)
}

func TestPeerRejectsForeignInfoHash(t *testing.T) {
	m := sessionManifest(t)
	ourID := []byte("-TT4060-aaaaaaaaaaaa")

	stopped := make(chan error, 1)
	peerMgr := &mockPeerManager{}
	peerMgr.On("RemovePeer", "remote", mock.Anything).
		Run(func(args mock.Arguments) { stopped <- args.Error(1) }).Return().Once()

	pieceMgr := &mockPieceManager{}
	pieceMgr.On("PeerStopped", "remote", mock.Anything).Return()
	st := &mockStats{}
	st.On("RemovePeer", "remote").Return()

	local, remote := net.Pipe()
	p := NewPeer("remote", wire.NewWire(local, PEER_TIMEOUT), false,
		m, ourID, nil, peerMgr, pieceMgr, st,
		bandwidth.NewLimiter(bandwidth.Unlimited),
		bandwidth.NewLimiter(bandwidth.Unlimited))
	go p.Start()

	seeder := wire.NewWire(remote, time.Second)
	_, _, _, _, err := seeder.ReadHandshake()
	assert.NoError(t, err)

	wrongHash := make([]byte, 20)
	wrongHash[0] = 0xff
	assert.NoError(t, seeder.SendHandshake(19, "BitTorrent protocol", wrongHash, ourID))

	select {
	case reason := <-stopped:
		assert.ErrorIs(t, reason, ErrHandshake)
	case <-time.After(5 * time.Second):
		t.Fatal("session was not rejected")
	}
}

func TestPeerDisconnectsOnSecondBitfield(t *testing.T) {
	m := sessionManifest(t)
	ourID := []byte("-TT4060-aaaaaaaaaaaa")

	stopped := make(chan error, 1)
	peerMgr := &mockPeerManager{}
	peerMgr.On("RemovePeer", "remote", mock.Anything).
		Run(func(args mock.Arguments) { stopped <- args.Error(1) }).Return().Once()

	pieceMgr := &mockPieceManager{}
	pieceMgr.On("BitfieldBytes").Return([]byte{0x00})
	pieceMgr.On("PeerBitfield", "remote", mock.Anything).Return(false)
	pieceMgr.On("PeerStopped", "remote", mock.Anything).Return()
	st := &mockStats{}
	st.On("RemovePeer", "remote").Return()

	local, remote := net.Pipe()
	p := NewPeer("remote", wire.NewWire(local, PEER_TIMEOUT), false,
		m, ourID, nil, peerMgr, pieceMgr, st,
		bandwidth.NewLimiter(bandwidth.Unlimited),
		bandwidth.NewLimiter(bandwidth.Unlimited))
	go p.Start()

	seeder := wire.NewWire(remote, time.Second)
	seeder.ReadHandshake()
	assert.NoError(t, seeder.SendHandshake(19, "BitTorrent protocol", m.InfoHash(), ourID))
	seeder.ReadMessage() // our bitfield

	assert.NoError(t, seeder.SendBitField([]byte{0x00}))
	assert.NoError(t, seeder.SendBitField([]byte{0x00}))

	select {
	case reason := <-stopped:
		assert.ErrorIs(t, reason, ErrProtocolViolation)
	case <-time.After(5 * time.Second):
		t.Fatal("violation was not detected")
	}
}
