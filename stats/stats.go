package stats

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
)

// PONDERATION_TIME is the width, in ticks, of the sliding rate window.
const PONDERATION_TIME = 10

// Stats accumulates per-peer transfer counters and derives smoothed rates
// over a sliding window. Advance the window with Tick, once per second.
type Stats interface {
	GetTrackerStats() (uploaded int64, downloaded int64, left int64)
	GetPeerStats() (peerStats map[string]*PeerStat)
	GetClientRates() (uploadRate int, downloadRate int)
	UpdatePeer(id string, uploaded int, downloaded int)
	RemovePeer(id string)
	SetLeft(left int64)
	Tick()
}

type stats struct {
	sync.Mutex

	trackerStats *trackerStats
	clientStats  *clientStats
	peerStats    map[string]*PeerStat
}

type trackerStats struct {
	totalUpload   int64
	totalDownload int64
	left          int64
}

type clientStats struct {
	uploadRate       int
	downloadRate     int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

type PeerStat struct {
	UploadRate       int
	DownloadRate     int
	currentUpload    int
	currentDownload  int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

func NewStats(uploaded, downloaded, left int64) Stats {
	return &stats{
		trackerStats: &trackerStats{
			totalUpload:   uploaded,
			totalDownload: downloaded,
			left:          left,
		},
		clientStats: &clientStats{},
		peerStats:   make(map[string]*PeerStat),
	}
}

func (s *stats) GetTrackerStats() (int64, int64, int64) {
	s.Lock()
	defer s.Unlock()
	return s.trackerStats.totalUpload, s.trackerStats.totalDownload, s.trackerStats.left
}

func (s *stats) SetLeft(left int64) {
	s.Lock()
	defer s.Unlock()
	s.trackerStats.left = left
}

func (s *stats) UpdatePeer(id string, uploaded, downloaded int) {
	s.Lock()
	defer s.Unlock()

	peerStat, ok := s.peerStats[id]
	if !ok {
		peerStat = &PeerStat{}
		s.peerStats[id] = peerStat
	}
	peerStat.currentUpload += uploaded
	peerStat.currentDownload += downloaded
}

func (s *stats) RemovePeer(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.peerStats, id)
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

// Tick rolls every sliding window forward one slot and folds the interval's
// traffic into the aggregate totals.
func (s *stats) Tick() {
	s.Lock()
	defer s.Unlock()

	clientCurrentUpload := 0
	clientCurrentDownload := 0
	for _, peerStat := range s.peerStats {
		peerStat.uploadActivity[peerStat.i] = peerStat.currentUpload
		peerStat.downloadActivity[peerStat.i] = peerStat.currentDownload
		underscore.Chain(peerStat.uploadActivity).Reduce(sumReduce, 0).Value(&peerStat.UploadRate)
		peerStat.UploadRate /= PONDERATION_TIME
		underscore.Chain(peerStat.downloadActivity).Reduce(sumReduce, 0).Value(&peerStat.DownloadRate)
		peerStat.DownloadRate /= PONDERATION_TIME
		peerStat.i = (peerStat.i + 1) % PONDERATION_TIME

		clientCurrentUpload += peerStat.currentUpload
		clientCurrentDownload += peerStat.currentDownload
		peerStat.currentUpload = 0
		peerStat.currentDownload = 0
	}

	s.clientStats.uploadActivity[s.clientStats.i] = clientCurrentUpload
	s.clientStats.downloadActivity[s.clientStats.i] = clientCurrentDownload
	underscore.Chain(s.clientStats.uploadActivity).Reduce(sumReduce, 0).Value(&s.clientStats.uploadRate)
	s.clientStats.uploadRate /= PONDERATION_TIME
	underscore.Chain(s.clientStats.downloadActivity).Reduce(sumReduce, 0).Value(&s.clientStats.downloadRate)
	s.clientStats.downloadRate /= PONDERATION_TIME
	s.clientStats.i = (s.clientStats.i + 1) % PONDERATION_TIME

	s.trackerStats.totalUpload += int64(clientCurrentUpload)
	s.trackerStats.totalDownload += int64(clientCurrentDownload)
	if s.trackerStats.left > int64(clientCurrentDownload) {
		s.trackerStats.left -= int64(clientCurrentDownload)
	} else {
		s.trackerStats.left = 0
	}
}

func (s *stats) GetPeerStats() map[string]*PeerStat {
	s.Lock()
	defer s.Unlock()

	out := make(map[string]*PeerStat, len(s.peerStats))
	for id, ps := range s.peerStats {
		c := *ps
		out[id] = &c
	}
	return out
}

func (s *stats) GetClientRates() (int, int) {
	s.Lock()
	defer s.Unlock()
	return s.clientStats.uploadRate, s.clientStats.downloadRate
}
