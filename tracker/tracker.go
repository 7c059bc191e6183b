package tracker

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shenmo7192/transmission/manifest"
	"github.com/shenmo7192/transmission/stats"
)

const (
	NONE      = 0
	COMPLETED = 1
	STARTED   = 2
	STOPPED   = 3
)

var DEFAULT_NUMWANT = int32(50)

// Sink receives discovered candidate addresses ("ip:port"). The engine only
// ever consumes addresses from discovery; everything else stays here.
type Sink func(addrs []string)

// Tracker announces one torrent to its tracker tiers and feeds the peers it
// learns about into the sink.
type Tracker interface {
	Start()
	Stop()
	Completed()
}

type tracker struct {
	manifest *manifest.Manifest
	stats    stats.Stats
	peerID   []byte
	port     int
	key      int32
	numwant  int32
	sink     Sink
	quit     chan struct{}
	complete chan struct{}
	log      *logrus.Entry

	announceResp struct {
		FailureReason string `bencode:"failure reason"`
		Interval      int32  `bencode:"interval"`
		Leechers      int32  `bencode:"incomplete"`
		Seeders       int32  `bencode:"complete"`
		Peers         string `bencode:"peers"`
	}
}

func NewTracker(m *manifest.Manifest, st stats.Stats, peerID []byte, port int, sink Sink) Tracker {
	return &tracker{
		manifest: m,
		stats:    st,
		peerID:   peerID,
		port:     port,
		key:      rand.Int31(),
		numwant:  DEFAULT_NUMWANT,
		sink:     sink,
		quit:     make(chan struct{}),
		complete: make(chan struct{}, 1),
		log:      logrus.WithField("component", "tracker"),
	}
}

func (tr *tracker) Start() {
	go tr.run()
}

func (tr *tracker) Stop() {
	close(tr.quit)
}

// Completed queues a one-shot "completed" event for the next announce.
func (tr *tracker) Completed() {
	select {
	case tr.complete <- struct{}{}:
	default:
	}
}

func (tr *tracker) run() {
	for {
		select {
		case <-tr.quit:
			return
		default:
			tr.announceTiers()
		}
		// All tiers failed; back off before retrying.
		select {
		case <-tr.quit:
			return
		case <-time.After(30 * time.Second):
		}
	}
}

// announceTiers walks the announce list, demoting failing trackers within
// their tier.
func (tr *tracker) announceTiers() {
	tiers := tr.manifest.AnnounceList()
	for _, tier := range tiers {
		for _, trackerURL := range tier {
			if err := tr.announce(trackerURL); err != nil {
				tr.log.WithFields(logrus.Fields{
					"url":   trackerURL,
					"error": err.Error(),
				}).Debug("tracker announce failed")
				continue
			}
			return
		}
	}
}

// announce runs the periodic announce loop against one tracker until the
// torrent stops or the tracker errors.
func (tr *tracker) announce(trackerURL string) error {
	var query func(string, int) error
	switch {
	case strings.HasPrefix(trackerURL, "udp://"):
		query = tr.queryUDPTracker
	case strings.HasPrefix(trackerURL, "http://"), strings.HasPrefix(trackerURL, "https://"):
		query = tr.queryHTTPTracker
	default:
		return fmt.Errorf("unsupported tracker scheme in %q", trackerURL)
	}

	if err := query(trackerURL, STARTED); err != nil {
		return err
	}
	for {
		interval := time.Duration(tr.announceResp.Interval) * time.Second
		if interval <= 0 {
			interval = 30 * time.Minute
		}
		select {
		case <-tr.quit:
			query(trackerURL, STOPPED)
			return nil
		case <-tr.complete:
			if err := query(trackerURL, COMPLETED); err != nil {
				return err
			}
		case <-time.After(interval):
			if err := query(trackerURL, NONE); err != nil {
				return err
			}
		}
	}
}
