package peer

import (
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shenmo7192/transmission/piece"
	"github.com/shenmo7192/transmission/stats"
)

var (
	SNUBBED_PERIOD int64 = 60
	CHOKE_INTERVAL       = 10 * time.Second
	DOWNLOADERS          = 5
)

type peerInfo struct {
	id            string
	state         connState
	lastBlock     int64
	speed         int
	shouldUnchoke bool
	snubbedClient bool
}

// Choke runs the reciprocity loop: every interval, unchoke the few peers
// contributing the most, keep one optimistic slot rotating so new peers get
// a chance, choke everyone else. Classic tit-for-tat: free-riders lose their
// slot, without churning uploads faster than the interval.
type Choke interface {
	Start()
	Stop()
}

type choke struct {
	peerMgr  Manager
	pieceMgr piece.Manager
	stats    stats.Stats
	quit     chan struct{}
	log      *logrus.Entry
}

func NewChoke(peerMgr Manager, pieceMgr piece.Manager, st stats.Stats) Choke {
	return &choke{
		peerMgr:  peerMgr,
		pieceMgr: pieceMgr,
		stats:    st,
		quit:     make(chan struct{}),
		log:      logrus.WithField("component", "choke"),
	}
}

func sortBySpeed(peers []*peerInfo) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].speed > peers[j].speed
	})
}

func (c *choke) choke() {
	peers := c.peerMgr.GetPeerList()
	seeding := c.pieceMgr.IsComplete()

	peerInfos := make([]*peerInfo, 0, len(peers))
	for _, p := range peers {
		id, state, _, lastBlock := p.GetPeerInfo()
		peerInfos = append(peerInfos, &peerInfo{
			id:        id,
			state:     state,
			lastBlock: lastBlock,
		})
	}
	peerStats := c.stats.GetPeerStats()

	// Partition interested and uninterested peers.
	interested := make([]*peerInfo, 0)
	notInterested := make([]*peerInfo, 0)
	for _, pi := range peerInfos {
		if peerStat, ok := peerStats[pi.id]; ok {
			if seeding {
				pi.speed = peerStat.UploadRate
			} else {
				pi.speed = peerStat.DownloadRate
			}
		}
		if pi.state.clientInterested && !pi.state.peerChoking {
			if time.Now().Unix()-pi.lastBlock > SNUBBED_PERIOD {
				pi.snubbedClient = true
			}
		}
		if pi.state.peerInterested && !pi.snubbedClient {
			interested = append(interested, pi)
		} else {
			notInterested = append(notInterested, pi)
		}
	}

	sortBySpeed(interested)
	sortBySpeed(notInterested)

	// Unchoke the fastest contributors so they keep choosing us as one of
	// their active downloaders.
	speedThreshold := 0
	for i := 0; i < len(interested) && i < DOWNLOADERS-1; i++ {
		interested[i].shouldUnchoke = true
		speedThreshold = interested[i].speed
	}
	// Faster uninterested peers stay unchoked too: if they turn interested
	// they may reciprocate immediately.
	for i := 0; i < len(notInterested) && notInterested[i].speed > speedThreshold; i++ {
		notInterested[i].shouldUnchoke = true
	}

	// One optimistic slot for a random remaining interested peer.
	if len(interested) > DOWNLOADERS-1 {
		rest := interested[DOWNLOADERS-1:]
		rand.Shuffle(len(rest), func(i, j int) {
			rest[i], rest[j] = rest[j], rest[i]
		})
		for _, pi := range rest {
			if pi.state.peerInterested {
				pi.shouldUnchoke = true
				break
			}
		}
	}

	for i, pi := range peerInfos {
		if pi.shouldUnchoke && pi.state.clientChoking {
			peers[i].SendUnchoke()
		}
		if !pi.shouldUnchoke && !pi.state.clientChoking {
			peers[i].SendChoke()
		}
	}
}

func (c *choke) Start() {
	go func() {
		for {
			select {
			case <-c.quit:
				return
			case <-time.After(CHOKE_INTERVAL):
				c.choke()
			}
		}
	}()
}

func (c *choke) Stop() {
	close(c.quit)
}
