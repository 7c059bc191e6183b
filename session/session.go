package session

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shenmo7192/transmission/bandwidth"
	"github.com/shenmo7192/transmission/manifest"
	"github.com/shenmo7192/transmission/peer"
	"github.com/shenmo7192/transmission/piece"
	"github.com/shenmo7192/transmission/server"
	"github.com/shenmo7192/transmission/tracker"
)

// ErrTorrentNotFound is returned for commands naming an unknown torrent id.
var ErrTorrentNotFound = errors.New("torrent not found")

// Config is the session-wide configuration, populated by the front end.
type Config struct {
	DownloadDir string
	StateDir    string // resume files live here; empty disables persistence
	Port        int
	EnableDHT   bool

	MaxPeersPerTorrent int
	MaxPeersTotal      int

	UpRate   int // bytes/sec, 0 = unlimited
	DownRate int

	AltSpeed bandwidth.Schedule

	Sequential bool // streaming-style in-order piece selection
}

// Session is the arena of torrents, indexed by stable integer ids. All
// front-end commands arrive as explicit typed requests and resolve against
// this table; no component holds a live pointer across it.
type Session struct {
	mu       sync.RWMutex
	cfg      Config
	peerID   []byte
	torrents map[int]*Torrent
	byHash   map[string]int
	nextID   int

	up, down  *bandwidth.Limiter
	scheduler *bandwidth.Scheduler
	globalCap *peer.ConnCap
	server    server.Server
	dht       *tracker.DHTSource

	log *logrus.Entry
}

// PEER_ID_PREFIX identifies this client in the swarm.
var PEER_ID_PREFIX = "-TR4060-"

func generatePeerID() []byte {
	id := make([]byte, 20)
	copy(id, PEER_ID_PREFIX)
	rand.Read(id[len(PEER_ID_PREFIX):])
	return id
}

func NewSession(cfg Config) (*Session, error) {
	s := &Session{
		cfg:       cfg,
		peerID:    generatePeerID(),
		torrents:  make(map[int]*Torrent),
		byHash:    make(map[string]int),
		nextID:    1,
		up:        bandwidth.NewLimiter(cfg.UpRate),
		down:      bandwidth.NewLimiter(cfg.DownRate),
		globalCap: peer.NewConnCap(cfg.MaxPeersTotal),
		log:       logrus.WithField("component", "session"),
	}

	sched := cfg.AltSpeed
	sched.UpRate = cfg.UpRate
	sched.DownRate = cfg.DownRate
	s.scheduler = bandwidth.NewScheduler(s.up, s.down, sched)
	s.scheduler.Start()

	sv, err := server.NewServer(cfg.Port, s.route)
	if err != nil {
		return nil, err
	}
	s.server = sv
	sv.Serve()

	if cfg.EnableDHT {
		d, err := tracker.NewDHTSource(sv.GetServerPort())
		if err != nil {
			s.log.WithField("error", err.Error()).Warn("dht disabled")
		} else if err := d.Start(); err != nil {
			s.log.WithField("error", err.Error()).Warn("dht disabled")
		} else {
			s.dht = d
		}
	}

	if err := s.loadResumeFiles(); err != nil {
		s.log.WithField("error", err.Error()).Warn("could not load resume state")
	}
	return s, nil
}

// route resolves inbound handshakes to the owning torrent's peer manager.
func (s *Session) route(infoHash []byte) (peer.Manager, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[string(infoHash)]
	if !ok {
		return nil, false
	}
	t, ok := s.torrents[id]
	if !ok {
		// Reserved in byHash while AddTorrent is still setting up.
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.peerMgr == nil {
		return nil, false
	}
	return t.peerMgr, true
}

// AddTorrentRequest adds a torrent from a parsed .torrent file.
type AddTorrentRequest struct {
	Path        string // .torrent file on disk
	DownloadDir string // defaults to the session download dir
	Paused      bool
	Sequential  bool
}

func (s *Session) AddTorrent(req AddTorrentRequest) (Status, error) {
	raw, err := os.ReadFile(req.Path)
	if err != nil {
		return Status{}, err
	}
	m, err := manifest.FromBencode(bytes.NewReader(raw))
	if err != nil {
		return Status{}, err
	}
	return s.addManifest(m, raw, req, nil)
}

func (s *Session) addManifest(m *manifest.Manifest, raw []byte, req AddTorrentRequest, restored *resumeState) (Status, error) {
	dir := req.DownloadDir
	if dir == "" {
		dir = s.cfg.DownloadDir
	}
	policy := piece.RarestFirst
	if req.Sequential || s.cfg.Sequential {
		policy = piece.Sequential
	}

	// Reserve the infohash and the id in one critical section so two
	// concurrent adds of the same torrent cannot both pass the check.
	s.mu.Lock()
	if _, dup := s.byHash[string(m.InfoHash())]; dup {
		s.mu.Unlock()
		return Status{}, fmt.Errorf("torrent already present")
	}
	id := s.nextID
	s.nextID++
	s.byHash[string(m.InfoHash())] = id
	s.mu.Unlock()

	t, err := newTorrent(id, m, dir, policy,
		s.up.Child(bandwidth.Unlimited), s.down.Child(bandwidth.Unlimited))
	if err != nil {
		s.mu.Lock()
		delete(s.byHash, string(m.InfoHash()))
		s.mu.Unlock()
		return Status{}, err
	}
	if restored != nil {
		restored.applyTo(t)
	}

	s.mu.Lock()
	s.torrents[id] = t
	s.mu.Unlock()

	if s.dht != nil {
		s.dht.Register(m.InfoHash(), func(addrs []string) {
			t.mu.RLock()
			pm := t.peerMgr
			t.mu.RUnlock()
			if pm != nil {
				pm.AddCandidates(addrs)
			}
		})
	}

	s.archiveTorrentFile(m, raw)
	if !req.Paused {
		t.start(s.peerID, s.server.GetServerPort(), s.globalCap, s.cfg.MaxPeersPerTorrent)
	}
	s.log.WithFields(logrus.Fields{
		"id":   id,
		"name": m.Name(),
	}).Info("torrent added")
	return t.Status(), nil
}

// RemoveTorrentRequest detaches a torrent; DeleteData also unlinks its
// files.
type RemoveTorrentRequest struct {
	ID         int
	DeleteData bool
}

func (s *Session) RemoveTorrent(req RemoveTorrentRequest) error {
	s.mu.Lock()
	t, ok := s.torrents[req.ID]
	if ok {
		delete(s.torrents, req.ID)
		delete(s.byHash, string(t.manifest.InfoHash()))
	}
	s.mu.Unlock()
	if !ok {
		return ErrTorrentNotFound
	}

	t.stop()
	if s.dht != nil {
		s.dht.Unregister(t.manifest.InfoHash())
	}
	t.store.Close()
	s.deleteResumeFile(t)
	if req.DeleteData {
		for _, f := range t.manifest.Files() {
			os.Remove(path.Join(t.dir, f.Path))
		}
	}
	s.log.WithField("id", req.ID).Info("torrent removed")
	return nil
}

func (s *Session) StartTorrent(id int) error {
	t, err := s.torrent(id)
	if err != nil {
		return err
	}
	t.start(s.peerID, s.server.GetServerPort(), s.globalCap, s.cfg.MaxPeersPerTorrent)
	return nil
}

func (s *Session) StopTorrent(id int) error {
	t, err := s.torrent(id)
	if err != nil {
		return err
	}
	t.stop()
	s.saveResumeFile(t)
	return nil
}

// VerifyTorrent forces a full re-check of on-disk data.
func (s *Session) VerifyTorrent(id int) error {
	t, err := s.torrent(id)
	if err != nil {
		return err
	}
	t.stop()
	t.mu.Lock()
	t.resumeBitfield = nil
	t.mu.Unlock()
	t.start(s.peerID, s.server.GetServerPort(), s.globalCap, s.cfg.MaxPeersPerTorrent)
	return nil
}

// SetPrioritiesRequest assigns one priority per file of the torrent.
type SetPrioritiesRequest struct {
	ID         int
	Priorities []piece.Priority
}

func (s *Session) SetPriorities(req SetPrioritiesRequest) error {
	t, err := s.torrent(req.ID)
	if err != nil {
		return err
	}
	return t.setFilePriorities(req.Priorities)
}

// SetLocationRequest moves a stopped torrent's data to a new directory.
type SetLocationRequest struct {
	ID  int
	Dir string
}

func (s *Session) SetLocation(req SetLocationRequest) error {
	t, err := s.torrent(req.ID)
	if err != nil {
		return err
	}
	return t.setLocation(req.Dir)
}

// SetLimitsRequest caps one torrent's rates; ID 0 addresses the session
// globals. Zero means unlimited.
type SetLimitsRequest struct {
	ID       int
	UpRate   int
	DownRate int
}

func (s *Session) SetLimits(req SetLimitsRequest) error {
	if req.ID == 0 {
		s.up.SetRate(req.UpRate)
		s.down.SetRate(req.DownRate)
		return nil
	}
	t, err := s.torrent(req.ID)
	if err != nil {
		return err
	}
	t.setLimits(req.UpRate, req.DownRate)
	return nil
}

func (s *Session) TorrentStatus(id int) (Status, error) {
	t, err := s.torrent(id)
	if err != nil {
		return Status{}, err
	}
	return t.Status(), nil
}

func (s *Session) ListTorrents() []Status {
	s.mu.RLock()
	torrents := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		torrents = append(torrents, t)
	}
	s.mu.RUnlock()

	statuses := make([]Status, 0, len(torrents))
	for _, t := range torrents {
		statuses = append(statuses, t.Status())
	}
	return statuses
}

func (s *Session) torrent(id int) (*Torrent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.torrents[id]
	if !ok {
		return nil, ErrTorrentNotFound
	}
	return t, nil
}

// Close stops every torrent, persisting resume state.
func (s *Session) Close() {
	s.mu.RLock()
	torrents := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		torrents = append(torrents, t)
	}
	s.mu.RUnlock()

	for _, t := range torrents {
		t.stop()
		s.saveResumeFile(t)
		t.store.Close()
	}
	if s.dht != nil {
		s.dht.Stop()
	}
	s.scheduler.Stop()
	s.server.Stop()
	s.log.Info("session closed")
}
