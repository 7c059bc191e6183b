package piece

import (
	"sort"
	"time"
)

// ReapTimeouts expires outstanding requests older than REQUEST_TIMEOUT. The
// scan walks pending pieces from a cursor and inspects at most
// TIMEOUT_SCAN_LIMIT requests per call, so one call stays cheap and repeated
// calls cover everything. An expired block returns to not-requested and the
// issuing peer's window shrinks; peers accumulating consecutive timeouts are
// reported unresponsive so the session can disconnect them. No torrent-level
// failure follows from any of this.
func (pm *manager) ReapTimeouts(now time.Time) ([]PeerRequest, []string) {
	pm.Lock()
	defer pm.Unlock()

	order := make([]int, 0, len(pm.pending))
	for piece := range pm.pending {
		order = append(order, piece)
	}
	sort.Ints(order)

	// Rotate so the scan resumes where the previous call left off.
	start := 0
	for i, piece := range order {
		if piece >= pm.scanFrom {
			start = i
			break
		}
	}
	order = append(order[start:], order[:start]...)

	var expired []PeerRequest
	scanned := 0
	timedOutPeers := make(map[string]bool)
	for _, piece := range order {
		if scanned >= TIMEOUT_SCAN_LIMIT {
			pm.scanFrom = piece
			break
		}
		pp := pm.pending[piece]
		for blockIndex, b := range pp.blocks {
			for id, issuedAt := range b.requests {
				scanned++
				if now.Sub(issuedAt) < REQUEST_TIMEOUT {
					continue
				}
				req := Request{Piece: piece, Begin: blockIndex * BLOCK_SIZE, Length: pm.blockLength(piece, blockIndex)}
				delete(b.requests, id)
				if ps, ok := pm.peers[id]; ok {
					delete(ps.outstanding, req)
					// One penalty per peer per cycle: a batch of requests
					// expiring together is one stall, not several.
					if !timedOutPeers[id] {
						ps.consecTimeouts++
						timedOutPeers[id] = true
						if ps.window /= 2; ps.window < MIN_REQUEST_WINDOW {
							ps.window = MIN_REQUEST_WINDOW
						}
					}
				}
				expired = append(expired, PeerRequest{PeerID: id, Request: req})
			}
		}
	}
	if scanned < TIMEOUT_SCAN_LIMIT {
		pm.scanFrom = 0
	}

	var unresponsive []string
	for id, ps := range pm.peers {
		if ps.consecTimeouts >= MAX_CONSECUTIVE_TIMEOUTS {
			unresponsive = append(unresponsive, id)
		}
	}
	sort.Strings(unresponsive)
	return expired, unresponsive
}
