package peer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shenmo7192/transmission/bandwidth"
	"github.com/shenmo7192/transmission/bitfield"
	"github.com/shenmo7192/transmission/manifest"
	"github.com/shenmo7192/transmission/piece"
	"github.com/shenmo7192/transmission/stats"
	"github.com/shenmo7192/transmission/storage"
	"github.com/shenmo7192/transmission/wire"
)

var (
	BLOCK_READ_REQUEST_DELAY = 2 * time.Second
	HANDSHAKE_TIMEOUT        = 10 * time.Second
	KEEP_ALIVE_INTERVAL      = time.Minute
	DIAL_TIMEOUT             = 5 * time.Second
)

const protocolName = "BitTorrent protocol"

var (
	// ErrHandshake closes the session before it is established.
	ErrHandshake = errors.New("handshake failed")
	// ErrProtocolViolation closes an established session. Contained to the
	// offending peer; other sessions never see it.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Session lifecycle. In established, choke/interest are independent flags
// on connState, not exclusive states.
type phase int32

const (
	phaseConnecting phase = iota
	phaseHandshaking
	phaseEstablished
	phaseClosing
	phaseClosed
)

type connState struct {
	peerInterested   bool
	clientInterested bool
	peerChoking      bool
	clientChoking    bool
}

type Peer interface {
	Start()
	Stop(reason error)
	GetPeerInfo() (id string, state connState, w wire.Wire, lastBlock int64)
	GetWire() wire.Wire
	SendCancel(req piece.Request)
	SendChoke()
	SendUnchoke()
}

var newWire = wire.NewWire
var dial = func(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp4", addr, DIAL_TIMEOUT)
}

type peer struct {
	// mu guards phase, state, closed, lastBlock, peerBitfield and the
	// read-request cancel table: the read loop, the choke loop and Stop all
	// touch them.
	mu sync.Mutex

	id       string
	phase    phase
	state    connState
	closed   bool
	inbound  bool // remote handshake already consumed by the listener
	manifest *manifest.Manifest
	peerID   []byte
	storage  storage.Storage
	peerMgr  Manager
	pieceMgr piece.Manager
	stats    stats.Stats
	wire     wire.Wire
	up, down *bandwidth.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	readRequestCancelChan map[string]chan int
	peerBitfield          *bitfield.Bitfield
	lastBlock             int64
	log                   *logrus.Entry
}

func NewPeer(
	id string,
	w wire.Wire,
	inbound bool,
	m *manifest.Manifest,
	peerID []byte,
	store storage.Storage,
	peerMgr Manager,
	pieceMgr piece.Manager,
	st stats.Stats,
	up, down *bandwidth.Limiter) Peer {

	ctx, cancel := context.WithCancel(context.Background())
	return &peer{
		id:                    id,
		wire:                  w,
		inbound:               inbound,
		manifest:              m,
		peerID:                peerID,
		storage:               store,
		peerMgr:               peerMgr,
		pieceMgr:              pieceMgr,
		stats:                 st,
		up:                    up,
		down:                  down,
		ctx:                   ctx,
		cancel:                cancel,
		readRequestCancelChan: make(map[string]chan int),
		phase:                 phaseConnecting,
		state: connState{
			peerChoking:      true,
			clientChoking:    true,
			peerInterested:   false,
			clientInterested: false,
		},
		log: logrus.WithFields(logrus.Fields{"component": "peer", "peer": id}),
	}
}

func (p *peer) GetWire() wire.Wire {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wire
}

func (p *peer) GetPeerInfo() (string, connState, wire.Wire, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id, p.state, p.wire, p.lastBlock
}

func (p *peer) Stop(reason error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.phase = phaseClosing
	w := p.wire
	var bf *bitfield.Bitfield
	if p.peerBitfield != nil {
		bf = p.peerBitfield.Copy()
	}
	p.mu.Unlock()

	p.cancel()
	if reason != nil {
		p.log.WithField("reason", reason.Error()).Debug("session closed")
	}
	go func() {
		p.peerMgr.RemovePeer(p.id, reason)
		p.pieceMgr.PeerStopped(p.id, bf)
		p.stats.RemovePeer(p.id)
	}()
	if w != nil {
		w.Close()
	}
	p.mu.Lock()
	p.phase = phaseClosed
	p.mu.Unlock()
}

// wireIfOpen snapshots the wire for a send that happens outside the lock.
func (p *peer) wireIfOpen() (wire.Wire, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wire, p.wire != nil && !p.closed
}

func (p *peer) SendCancel(req piece.Request) {
	if w, ok := p.wireIfOpen(); ok {
		w.SendCancel(req.Piece, req.Begin, req.Length)
	}
}

func (p *peer) SendChoke() {
	if w, ok := p.wireIfOpen(); ok {
		if w.SendChoke() == nil {
			p.mu.Lock()
			p.state.clientChoking = true
			p.mu.Unlock()
		}
	}
}

func (p *peer) SendUnchoke() {
	if w, ok := p.wireIfOpen(); ok {
		if w.SendUnchoke() == nil {
			p.mu.Lock()
			p.state.clientChoking = false
			p.mu.Unlock()
		}
	}
}

func (p *peer) Start() {
	p.mu.Lock()
	w := p.wire
	p.mu.Unlock()
	if w == nil {
		conn, err := dial(p.id)
		if err != nil {
			p.Stop(fmt.Errorf("%w: %v", ErrHandshake, err))
			return
		}
		w = newWire(conn, PEER_TIMEOUT)
		p.mu.Lock()
		p.wire = w
		p.mu.Unlock()
	}

	if err := p.handshake(); err != nil {
		p.Stop(err)
		return
	}
	p.mu.Lock()
	p.phase = phaseEstablished
	p.mu.Unlock()
	p.log.Debug("session established")

	// Keep the connection alive while we have nothing to say.
	go func() {
		for {
			select {
			case <-p.ctx.Done():
				return
			case now := <-time.After(KEEP_ALIVE_INTERVAL):
				if p.wire.GetLastMessageSent().Before(now.Add(-KEEP_ALIVE_INTERVAL)) {
					if err := p.wire.SendKeepAlive(); err != nil {
						return
					}
				}
			}
		}
	}()

	if err := p.wire.SendBitField(p.pieceMgr.BitfieldBytes()); err != nil {
		p.Stop(err)
		return
	}

	for {
		length, messageID, payload, err := p.wire.ReadMessage()
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		if err != nil {
			// Read deadline doubles as the keep-alive absence detector.
			p.Stop(err)
			return
		}
		if length == 0 {
			continue
		}
		if err := p.handleMessage(messageID, bytes.NewBuffer(payload)); err != nil {
			p.Stop(err)
			return
		}
	}
}

func (p *peer) handshake() error {
	p.mu.Lock()
	p.phase = phaseHandshaking
	p.mu.Unlock()
	if err := p.wire.SendHandshake(19, protocolName, p.manifest.InfoHash(), p.peerID); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if p.inbound {
		// The listener already consumed and validated the remote handshake.
		return nil
	}
	length, protocol, infoHash, _, err := p.wire.ReadHandshake()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if length != 19 || protocol != protocolName {
		return fmt.Errorf("%w: unknown protocol %q", ErrHandshake, protocol)
	}
	if !bytes.Equal(infoHash, p.manifest.InfoHash()) {
		return fmt.Errorf("%w: info hash mismatch", ErrHandshake)
	}
	return nil
}

// handleMessage runs on the read loop goroutine, so blocks from one peer are
// processed strictly in arrival order.
func (p *peer) handleMessage(messageID uint8, payload *bytes.Buffer) error {
	switch messageID {
	case wire.CHOKE:
		p.mu.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = true
		p.mu.Unlock()
		if !wasChoking {
			p.pieceMgr.PeerChoked(p.id)
		}
	case wire.UNCHOKE:
		p.mu.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = false
		p.mu.Unlock()
		if wasChoking {
			return p.requestMore()
		}
	case wire.INTERESTED:
		p.mu.Lock()
		p.state.peerInterested = true
		p.mu.Unlock()
	case wire.NOT_INTERESTED:
		p.mu.Lock()
		p.state.peerInterested = false
		p.mu.Unlock()
	case wire.HAVE:
		return p.handleHave(payload)
	case wire.BITFIELD:
		return p.handleBitfield(payload)
	case wire.REQUEST:
		return p.handleRequest(payload)
	case wire.BLOCK:
		return p.handleBlock(payload)
	case wire.CANCEL:
		return p.handleCancel(payload)
	case wire.PORT:
		// DHT port announcement; discovery runs its own node.
	default:
		return fmt.Errorf("%w: unknown message id %d", ErrProtocolViolation, messageID)
	}
	return nil
}

func (p *peer) handleHave(payload *bytes.Buffer) error {
	var pieceIndex int32
	if err := binary.Read(payload, binary.BigEndian, &pieceIndex); err != nil {
		return fmt.Errorf("%w: bad have payload", ErrProtocolViolation)
	}
	p.mu.Lock()
	if p.peerBitfield == nil {
		p.peerBitfield = bitfield.New(p.manifest.NumPieces())
	}
	p.mu.Unlock()
	wanted, err := p.pieceMgr.PeerHave(p.id, int(pieceIndex))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	p.mu.Lock()
	p.peerBitfield.Set(int(pieceIndex))
	sendInterested := wanted && !p.state.clientInterested
	if sendInterested {
		p.state.clientInterested = true
	}
	peerChoking := p.state.peerChoking
	p.mu.Unlock()

	if sendInterested {
		if err := p.wire.SendInterested(); err != nil {
			return err
		}
	}
	if wanted && !peerChoking {
		return p.requestMore()
	}
	return nil
}

func (p *peer) handleBitfield(payload *bytes.Buffer) error {
	p.mu.Lock()
	if p.peerBitfield != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: bitfield after first message", ErrProtocolViolation)
	}
	bf, err := bitfield.FromWire(payload.Bytes(), p.manifest.NumPieces())
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	p.peerBitfield = bf
	p.mu.Unlock()

	if wanted := p.pieceMgr.PeerBitfield(p.id, bf); wanted {
		p.mu.Lock()
		p.state.clientInterested = true
		p.mu.Unlock()
		return p.wire.SendInterested()
	}
	return nil
}

func (p *peer) handleRequest(payload *bytes.Buffer) error {
	p.mu.Lock()
	refuse := p.state.clientChoking || !p.state.peerInterested
	p.mu.Unlock()
	if refuse {
		return fmt.Errorf("%w: request while choked or not interested", ErrProtocolViolation)
	}
	var pieceIndex, begin, length int32
	binary.Read(payload, binary.BigEndian, &pieceIndex)
	binary.Read(payload, binary.BigEndian, &begin)
	if err := binary.Read(payload, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("%w: bad request payload", ErrProtocolViolation)
	}

	requestID := fmt.Sprintf("%d/%d/%d", pieceIndex, begin, length)
	quit := make(chan int)
	p.mu.Lock()
	p.readRequestCancelChan[requestID] = quit
	p.mu.Unlock()
	// Delay the disk read briefly so an immediate cancel costs nothing.
	go func() {
		select {
		case <-quit:
			return
		case <-p.ctx.Done():
			return
		case <-time.After(BLOCK_READ_REQUEST_DELAY):
			// Past the cancel window; the entry must not outlive the request.
			p.mu.Lock()
			delete(p.readRequestCancelChan, requestID)
			p.mu.Unlock()
			block, err := p.storage.ReadBlock(int(pieceIndex), int(begin), int(length))
			if err != nil {
				p.peerMgr.ReportFatal(err)
				p.Stop(err)
				return
			}
			if err := p.up.WaitN(p.ctx, len(block)); err != nil {
				return
			}
			if err := p.wire.SendBlock(int(pieceIndex), int(begin), block); err != nil {
				p.Stop(err)
				return
			}
			p.stats.UpdatePeer(p.id, len(block), 0)
		}
	}()
	return nil
}

func (p *peer) handleBlock(payload *bytes.Buffer) error {
	p.mu.Lock()
	stale := p.state.peerChoking || !p.state.clientInterested
	p.mu.Unlock()
	if stale {
		// Stale block racing our un-interest; not worth a disconnect.
		return nil
	}
	var pieceIndex, begin int32
	binary.Read(payload, binary.BigEndian, &pieceIndex)
	if err := binary.Read(payload, binary.BigEndian, &begin); err != nil {
		return fmt.Errorf("%w: bad block payload", ErrProtocolViolation)
	}
	blockData := payload.Bytes()

	// Pace the read loop against the download caps.
	if err := p.down.WaitN(p.ctx, len(blockData)); err != nil {
		return nil
	}

	receipt, err := p.pieceMgr.OnBlockReceived(p.id, int(pieceIndex), int(begin), blockData)
	if err != nil {
		if errors.Is(err, piece.ErrUnrequestedBlock) {
			p.log.WithFields(logrus.Fields{
				"piece": pieceIndex,
				"begin": begin,
			}).Warn("ignoring unrequested block")
			return nil
		}
		// Storage failure: escalate to the torrent, close this session.
		p.peerMgr.ReportFatal(err)
		return err
	}
	p.mu.Lock()
	p.lastBlock = time.Now().Unix()
	p.mu.Unlock()
	p.stats.UpdatePeer(p.id, 0, len(blockData))

	if receipt.Duplicate {
		return nil
	}
	if len(receipt.Cancels) > 0 {
		p.peerMgr.CancelRequests(receipt.Cancels)
	}
	if len(receipt.Banned) > 0 {
		p.peerMgr.BanPeers(receipt.Banned)
	}
	if receipt.Corrupt {
		p.log.WithField("piece", pieceIndex).Warn("piece failed verification, re-downloading")
	}
	if receipt.Completed {
		p.stats.SetLeft(p.pieceMgr.BytesLeft())
		p.peerMgr.BroadcastHave(int(pieceIndex))
	}
	return p.requestMore()
}

func (p *peer) handleCancel(payload *bytes.Buffer) error {
	p.mu.Lock()
	refuse := p.state.clientChoking || !p.state.peerInterested
	p.mu.Unlock()
	if refuse {
		return fmt.Errorf("%w: cancel while choked or not interested", ErrProtocolViolation)
	}
	var pieceIndex, begin, length int32
	binary.Read(payload, binary.BigEndian, &pieceIndex)
	binary.Read(payload, binary.BigEndian, &begin)
	if err := binary.Read(payload, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("%w: bad cancel payload", ErrProtocolViolation)
	}
	requestID := fmt.Sprintf("%d/%d/%d", pieceIndex, begin, length)
	p.mu.Lock()
	if quit, ok := p.readRequestCancelChan[requestID]; ok {
		close(quit)
		delete(p.readRequestCancelChan, requestID)
	}
	p.mu.Unlock()
	return nil
}

func (p *peer) requestMore() error {
	p.mu.Lock()
	bf := p.peerBitfield
	choking := p.state.peerChoking
	w := p.wire
	p.mu.Unlock()
	if bf == nil || choking {
		return nil
	}
	interested, err := p.pieceMgr.SendBlockRequests(p.id, w, bf)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.state.clientInterested = interested
	p.mu.Unlock()
	return nil
}
