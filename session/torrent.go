package session

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shenmo7192/transmission/bandwidth"
	"github.com/shenmo7192/transmission/bitfield"
	"github.com/shenmo7192/transmission/manifest"
	"github.com/shenmo7192/transmission/peer"
	"github.com/shenmo7192/transmission/piece"
	"github.com/shenmo7192/transmission/stats"
	"github.com/shenmo7192/transmission/storage"
	"github.com/shenmo7192/transmission/tracker"
)

// State is the torrent lifecycle. Checking re-hashes on-disk data; Errored
// means a disk failure paused the torrent until the user intervenes.
type State int

const (
	Stopped State = iota
	Checking
	Downloading
	Seeding
	Errored
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Errored:
		return "errored"
	}
	return "unknown"
}

var TICK_INTERVAL = time.Second
var REAP_INTERVAL = 5 * time.Second

// Torrent binds one manifest to its scheduling engine: bitfield, piece
// manager, peer table, stats, trackers and per-torrent bandwidth buckets.
type Torrent struct {
	mu sync.RWMutex

	id       int
	manifest *manifest.Manifest
	dir      string
	policy   piece.Policy

	state  State
	errMsg string

	store    storage.Storage
	stats    stats.Stats
	pieceMgr piece.Manager
	peerMgr  peer.Manager
	choke    peer.Choke
	tracker  tracker.Tracker

	up, down *bandwidth.Limiter

	priorities []piece.Priority
	// restored from the resume file; consumed on first start
	resumeBitfield       *bitfield.Bitfield
	uploaded, downloaded int64

	quit chan struct{}
	log  *logrus.Entry
}

func newTorrent(id int, m *manifest.Manifest, dir string, policy piece.Policy, up, down *bandwidth.Limiter) (*Torrent, error) {
	store, err := storage.NewRandomAccessStorage(m, dir)
	if err != nil {
		return nil, err
	}
	return &Torrent{
		id:       id,
		manifest: m,
		dir:      dir,
		policy:   policy,
		state:    Stopped,
		store:    store,
		up:       up,
		down:     down,
		log: logrus.WithFields(logrus.Fields{
			"component": "torrent",
			"infohash":  hex.EncodeToString(m.InfoHash()),
		}),
	}, nil
}

func (t *Torrent) ID() int                      { return t.id }
func (t *Torrent) Manifest() *manifest.Manifest { return t.manifest }

// start brings the torrent through checking into downloading or seeding.
// peerID, port and globalCap come from the session.
func (t *Torrent) start(peerID []byte, port int, globalCap *peer.ConnCap, maxPeers int) {
	t.mu.Lock()
	if t.state != Stopped && t.state != Errored {
		t.mu.Unlock()
		return
	}
	t.state = Checking
	t.errMsg = ""
	t.quit = make(chan struct{})
	t.mu.Unlock()

	go t.run(peerID, port, globalCap, maxPeers)
}

func (t *Torrent) run(peerID []byte, port int, globalCap *peer.ConnCap, maxPeers int) {
	// A resume snapshot skips the full re-hash; otherwise rebuild the
	// bitfield from whatever is already on disk.
	t.mu.Lock()
	bf := t.resumeBitfield
	t.resumeBitfield = nil
	t.mu.Unlock()
	if bf == nil || bf.Len() != t.manifest.NumPieces() {
		var err error
		bf, err = t.store.VerifyExistingData()
		if err != nil {
			t.setError(err)
			return
		}
	}

	t.mu.Lock()
	pieceMgr := piece.NewManager(t.manifest, t.store, bf, t.policy)
	if t.priorities != nil {
		pieceMgr.SetFilePriorities(t.priorities)
	}
	st := stats.NewStats(t.uploaded, t.downloaded, pieceMgr.BytesLeft())
	peerMgr := peer.NewPeerManager(
		t.manifest, peerID, pieceMgr, t.store, st,
		t.up, t.down, maxPeers, globalCap, t.setError)
	ch := peer.NewChoke(peerMgr, pieceMgr, st)
	tr := tracker.NewTracker(t.manifest, st, peerID, port, peerMgr.AddCandidates)

	t.pieceMgr = pieceMgr
	t.stats = st
	t.peerMgr = peerMgr
	t.choke = ch
	t.tracker = tr
	if pieceMgr.IsComplete() {
		t.state = Seeding
	} else {
		t.state = Downloading
	}
	quit := t.quit
	t.mu.Unlock()

	ch.Start()
	tr.Start()
	t.log.WithField("state", t.State().String()).Info("torrent started")

	go t.tickLoop(quit, pieceMgr, peerMgr, st, tr)
}

// tickLoop drives the periodic work: rate windows, request-timeout reaping
// and the download -> seed transition.
func (t *Torrent) tickLoop(quit chan struct{}, pieceMgr piece.Manager, peerMgr peer.Manager, st stats.Stats, tr tracker.Tracker) {
	tick := time.NewTicker(TICK_INTERVAL)
	reap := time.NewTicker(REAP_INTERVAL)
	defer tick.Stop()
	defer reap.Stop()
	for {
		select {
		case <-quit:
			return
		case <-tick.C:
			st.Tick()
			t.mu.Lock()
			if t.state == Downloading && pieceMgr.IsComplete() {
				t.state = Seeding
				t.mu.Unlock()
				t.log.Info("download complete, seeding")
				tr.Completed()
			} else {
				t.mu.Unlock()
			}
		case now := <-reap.C:
			expired, unresponsive := pieceMgr.ReapTimeouts(now)
			for _, pr := range expired {
				t.log.WithFields(logrus.Fields{
					"peer":  pr.PeerID,
					"piece": pr.Piece,
					"begin": pr.Begin,
				}).Debug("request timed out")
			}
			for _, id := range unresponsive {
				peerMgr.DisconnectPeer(id, piece.ErrPeerUnresponsive)
			}
		}
	}
}

// stop cancels every outstanding request and tears the swarm down. Partial
// pieces are discarded with the piece manager; verified data stays on disk.
func (t *Torrent) stop() {
	t.mu.Lock()
	if t.quit == nil {
		t.mu.Unlock()
		return
	}
	close(t.quit)
	t.quit = nil
	choke, tr, peerMgr, st := t.choke, t.tracker, t.peerMgr, t.stats
	if st != nil {
		t.uploaded, t.downloaded, _ = st.GetTrackerStats()
	}
	if t.pieceMgr != nil {
		// Keep the verified bitfield around so the next save or start does
		// not pay for a full re-check.
		t.resumeBitfield = t.pieceMgr.BitfieldSnapshot()
	}
	if t.state != Errored {
		t.state = Stopped
	}
	t.choke, t.tracker, t.peerMgr, t.pieceMgr, t.stats = nil, nil, nil, nil, nil
	t.mu.Unlock()

	if choke != nil {
		choke.Stop()
	}
	if tr != nil {
		tr.Stop()
	}
	if peerMgr != nil {
		peerMgr.Shutdown()
	}
	t.log.Info("torrent stopped")
}

// setError pauses the torrent with a user-visible message. Disk failures
// land here; they never crash the process or touch other torrents.
func (t *Torrent) setError(err error) {
	if !errors.Is(err, storage.ErrIO) {
		t.log.WithField("error", err.Error()).Warn("non-fatal torrent error")
		return
	}
	t.mu.Lock()
	t.errMsg = err.Error()
	t.state = Errored
	t.mu.Unlock()
	t.log.WithField("error", err.Error()).Error("torrent paused on i/o failure")
	go t.stop()
}

func (t *Torrent) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Torrent) setFilePriorities(priorities []piece.Priority) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priorities = priorities
	if t.pieceMgr != nil {
		return t.pieceMgr.SetFilePriorities(priorities)
	}
	return nil
}

// setLocation moves the data; only valid while stopped.
func (t *Torrent) setLocation(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Stopped && t.state != Errored {
		return errors.New("torrent must be stopped to change location")
	}
	if err := t.store.Move(dir); err != nil {
		return err
	}
	t.dir = dir
	return nil
}

func (t *Torrent) setLimits(up, down int) {
	t.up.SetRate(up)
	t.down.SetRate(down)
}

// Status is the snapshot front ends poll.
type Status struct {
	ID           int
	Name         string
	InfoHash     string
	State        string
	Error        string
	PercentDone  float64
	UploadRate   int
	DownloadRate int
	Peers        int
	Uploaded     int64
	Downloaded   int64
	Left         int64
	DownloadDir  string
}

func (t *Torrent) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Status{
		ID:          t.id,
		Name:        t.manifest.Name(),
		InfoHash:    hex.EncodeToString(t.manifest.InfoHash()),
		State:       t.state.String(),
		Error:       t.errMsg,
		Uploaded:    t.uploaded,
		Downloaded:  t.downloaded,
		Left:        t.manifest.TotalLength(),
		DownloadDir: t.dir,
	}
	if t.pieceMgr != nil {
		done := t.pieceMgr.PiecesDownloaded()
		s.PercentDone = float64(done) / float64(t.manifest.NumPieces())
		s.Left = t.pieceMgr.BytesLeft()
	} else if bf := t.resumeBitfield; bf != nil && bf.Len() == t.manifest.NumPieces() {
		// Stopped with a restored snapshot: report what is already verified.
		var left int64
		for i := 0; i < t.manifest.NumPieces(); i++ {
			if !bf.Test(i) {
				left += int64(t.manifest.PieceLength(i))
			}
		}
		s.Left = left
		s.PercentDone = float64(bf.Count()) / float64(t.manifest.NumPieces())
	}
	if t.stats != nil {
		s.Uploaded, s.Downloaded, _ = t.stats.GetTrackerStats()
		s.UploadRate, s.DownloadRate = t.stats.GetClientRates()
	}
	if t.peerMgr != nil {
		s.Peers = t.peerMgr.NumPeers()
	}
	return s
}

// bitfieldSnapshot returns the verified-piece bitfield for persistence, or
// the restored snapshot while stopped.
func (t *Torrent) bitfieldSnapshot() *bitfield.Bitfield {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.pieceMgr != nil {
		return t.pieceMgr.BitfieldSnapshot()
	}
	return t.resumeBitfield
}
