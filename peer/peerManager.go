package peer

import (
	"net"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"

	"github.com/shenmo7192/transmission/bandwidth"
	"github.com/shenmo7192/transmission/manifest"
	"github.com/shenmo7192/transmission/piece"
	"github.com/shenmo7192/transmission/stats"
	"github.com/shenmo7192/transmission/storage"
	"github.com/shenmo7192/transmission/wire"
)

var (
	PEER_TIMEOUT      = 120 * time.Second
	CANDIDATE_BACKLOG = 256
	DEFAULT_MAX_PEERS = 60
)

// ConnCap bounds total connections across every torrent in the session.
type ConnCap struct {
	mu  sync.Mutex
	n   int
	max int
}

func NewConnCap(max int) *ConnCap {
	return &ConnCap{max: max}
}

func (c *ConnCap) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && c.n >= c.max {
		return false
	}
	c.n++
	return true
}

func (c *ConnCap) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n > 0 {
		c.n--
	}
}

// Manager is the flat table of sessions for one torrent, keyed by the
// peer's stable address id. Components refer to peers by id only; there are
// no live cross-references to tear down on disconnect.
type Manager interface {
	AddPeer(id string, conn net.Conn)
	AddIncomingPeer(id string, w wire.Wire)
	AddCandidates(addrs []string)
	RemovePeer(id string, reason error)
	DisconnectPeer(id string, reason error)
	GetPeerList() []Peer
	NumPeers() int
	StopPeers()
	BroadcastHave(pieceIndex int)
	CancelRequests(cancels []piece.PeerRequest)
	BanPeers(ids []string)
	ReportFatal(err error)
	Shutdown()
}

type peerManager struct {
	sync.RWMutex
	manifest    *manifest.Manifest
	peerID      []byte
	pieceMgr    piece.Manager
	storage     storage.Storage
	stats       stats.Stats
	up, down    *bandwidth.Limiter
	globalCap   *ConnCap
	onFatal     func(error)
	peers       map[string]Peer
	maxPeers    int
	bannedPeers mapset.Set
	candidates  chan string
	quit        chan struct{}
	log         *logrus.Entry
}

func NewPeerManager(
	m *manifest.Manifest,
	peerID []byte,
	pieceMgr piece.Manager,
	store storage.Storage,
	st stats.Stats,
	up, down *bandwidth.Limiter,
	maxPeers int,
	globalCap *ConnCap,
	onFatal func(error)) Manager {

	if maxPeers <= 0 {
		maxPeers = DEFAULT_MAX_PEERS
	}
	pm := &peerManager{
		manifest:    m,
		peerID:      peerID,
		pieceMgr:    pieceMgr,
		storage:     store,
		stats:       st,
		up:          up,
		down:        down,
		globalCap:   globalCap,
		onFatal:     onFatal,
		peers:       make(map[string]Peer),
		maxPeers:    maxPeers,
		bannedPeers: mapset.NewSet(),
		candidates:  make(chan string, CANDIDATE_BACKLOG),
		quit:        make(chan struct{}),
		log:         logrus.WithField("component", "peerManager"),
	}
	go pm.dialCandidates()
	return pm
}

// AddCandidates feeds discovered (address, port) pairs into the
// connection-attempt queue. Overflow is dropped; trackers re-announce.
func (pm *peerManager) AddCandidates(addrs []string) {
	for _, addr := range addrs {
		select {
		case pm.candidates <- addr:
		default:
			return
		}
	}
}

func (pm *peerManager) dialCandidates() {
	for {
		select {
		case <-pm.quit:
			return
		case addr := <-pm.candidates:
			pm.AddPeer(addr, nil)
		}
	}
}

func (pm *peerManager) AddPeer(id string, conn net.Conn) {
	pm.addPeer(id, conn, nil)
}

// AddIncomingPeer registers a session whose handshake the listener already
// read and validated.
func (pm *peerManager) AddIncomingPeer(id string, w wire.Wire) {
	pm.addPeer(id, nil, w)
}

func (pm *peerManager) addPeer(id string, conn net.Conn, w wire.Wire) {
	pm.Lock()
	defer pm.Unlock()

	if pm.bannedPeers.Contains(id) {
		return
	}
	if len(pm.peers) >= pm.maxPeers {
		return
	}
	if _, ok := pm.peers[id]; ok {
		return
	}
	if pm.globalCap != nil && !pm.globalCap.TryAcquire() {
		return
	}

	inbound := w != nil
	if conn != nil {
		w = wire.NewWire(conn, PEER_TIMEOUT)
	}
	p := NewPeer(
		id,
		w,
		inbound,
		pm.manifest,
		pm.peerID,
		pm.storage,
		pm,
		pm.pieceMgr,
		pm.stats,
		pm.up.Child(bandwidth.Unlimited),
		pm.down.Child(bandwidth.Unlimited),
	)
	pm.peers[id] = p
	go p.Start()
}

func (pm *peerManager) RemovePeer(id string, reason error) {
	pm.Lock()
	defer pm.Unlock()

	if _, ok := pm.peers[id]; !ok {
		return
	}
	delete(pm.peers, id)
	if pm.globalCap != nil {
		pm.globalCap.Release()
	}
}

// DisconnectPeer closes a session by id. The address stays eligible for
// reconnection later unless separately banned.
func (pm *peerManager) DisconnectPeer(id string, reason error) {
	pm.RLock()
	p, ok := pm.peers[id]
	pm.RUnlock()
	if ok {
		p.Stop(reason)
	}
}

func (pm *peerManager) GetPeerList() []Peer {
	pm.RLock()
	defer pm.RUnlock()

	peers := make([]Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		peers = append(peers, p)
	}
	return peers
}

func (pm *peerManager) NumPeers() int {
	pm.RLock()
	defer pm.RUnlock()
	return len(pm.peers)
}

func (pm *peerManager) StopPeers() {
	for _, p := range pm.GetPeerList() {
		p.Stop(nil)
	}
}

func (pm *peerManager) BroadcastHave(pieceIndex int) {
	pm.RLock()
	defer pm.RUnlock()

	for _, p := range pm.peers {
		if w := p.GetWire(); w != nil {
			w.SendHave(pieceIndex)
		}
	}
}

// CancelRequests withdraws endgame duplicates from the peers still holding
// them.
func (pm *peerManager) CancelRequests(cancels []piece.PeerRequest) {
	pm.RLock()
	defer pm.RUnlock()

	for _, c := range cancels {
		if p, ok := pm.peers[c.PeerID]; ok {
			p.SendCancel(c.Request)
		}
	}
}

func (pm *peerManager) BanPeers(ids []string) {
	pm.Lock()
	banned := make(map[string]Peer, len(ids))
	for _, id := range ids {
		pm.bannedPeers.Add(id)
		if p, ok := pm.peers[id]; ok {
			banned[id] = p
		}
	}
	pm.Unlock()

	for id, p := range banned {
		pm.log.WithField("peer", id).Warn("banning peer")
		p.Stop(piece.ErrPeerCorrupt)
	}
}

// ReportFatal escalates a torrent-level failure (disk errors) to the owner.
// Peer-level errors never travel this path.
func (pm *peerManager) ReportFatal(err error) {
	if pm.onFatal != nil {
		pm.onFatal(err)
	}
}

// Shutdown stops candidate dialing and every session.
func (pm *peerManager) Shutdown() {
	close(pm.quit)
	pm.StopPeers()
}
