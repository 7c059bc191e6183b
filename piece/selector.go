package piece

import (
	"sort"
	"time"

	"github.com/shenmo7192/transmission/bitfield"
	"github.com/shenmo7192/transmission/wire"
)

// SendBlockRequests fills the peer's request window. Pieces already pending
// are finished before new ones start; new pieces follow the configured
// policy (priority, then rarest-first or strict index order, ties broken by
// lowest index). Once every missing block is in flight the selector enters
// endgame and issues duplicate requests so one slow peer cannot stall
// completion. A block is only ever requested from a peer whose bitfield
// claims the piece.
//
// All bookkeeping happens under the manager lock; the wire writes happen
// after it is released so one stalled connection never blocks scheduling for
// the rest of the torrent. A claimed block whose write fails times out and
// is reissued like any other.
func (pm *manager) SendBlockRequests(id string, w wire.Wire, peerBitfield *bitfield.Bitfield) (bool, error) {
	requests, interested := pm.claimRequests(id, peerBitfield)
	if !interested {
		return false, w.SendUnInterested()
	}
	for _, req := range requests {
		if err := w.SendRequest(req.Piece, req.Begin, req.Length); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (pm *manager) claimRequests(id string, peerBitfield *bitfield.Bitfield) ([]Request, bool) {
	pm.Lock()
	defer pm.Unlock()

	ps := pm.stateFor(id)
	now := time.Now()
	budget := ps.window - len(ps.outstanding)

	if !pm.peerUsefulLocked(peerBitfield) {
		return nil, false
	}
	if budget <= 0 {
		return nil, true
	}

	var requests []Request
	// Keep filling pieces already in flight that this peer can serve.
	for _, piece := range pm.pendingOrderLocked() {
		if budget == 0 {
			return requests, true
		}
		if !peerBitfield.Test(piece) {
			continue
		}
		requests = pm.claimBlocksLocked(id, ps, pm.pending[piece], requests, &budget, now)
	}

	// Start new pieces while parallelism allows.
	for budget > 0 && len(pm.pending) < MAX_PENDING_PIECES {
		piece, ok := pm.pickNewPieceLocked(peerBitfield)
		if !ok {
			break
		}
		pp := pm.newPendingLocked(piece)
		requests = pm.claimBlocksLocked(id, ps, pp, requests, &budget, now)
	}

	// Endgame: duplicate outstanding blocks across peers.
	if budget > 0 && pm.endgameLocked() {
		requests = pm.claimEndgameLocked(id, ps, peerBitfield, requests, &budget, now)
	}
	return requests, true
}

// peerUsefulLocked reports whether the peer holds any piece we still want.
func (pm *manager) peerUsefulLocked(peerBitfield *bitfield.Bitfield) bool {
	if peerBitfield == nil {
		return false
	}
	for i := 0; i < pm.m.NumPieces(); i++ {
		if peerBitfield.Test(i) && !pm.local.Test(i) {
			return true
		}
	}
	return false
}

// pendingOrderLocked lists in-flight pieces, most complete first so partial
// pieces drain quickly.
func (pm *manager) pendingOrderLocked() []int {
	order := make([]int, 0, len(pm.pending))
	for piece := range pm.pending {
		order = append(order, piece)
	}
	sort.Slice(order, func(i, j int) bool {
		pi, pj := pm.pending[order[i]], pm.pending[order[j]]
		if pi.received != pj.received {
			return pi.received > pj.received
		}
		return order[i] < order[j]
	})
	return order
}

// pickNewPieceLocked chooses the next piece to open for a peer with the
// given availability. Tie-break on minimum availability is the lowest piece
// index, keeping selection deterministic.
func (pm *manager) pickNewPieceLocked(peerBitfield *bitfield.Bitfield) (int, bool) {
	candidates := make([]int, 0)
	for i := 0; i < pm.m.NumPieces(); i++ {
		if peerBitfield.Test(i) && !pm.local.Test(i) {
			if _, inFlight := pm.pending[i]; !inFlight {
				candidates = append(candidates, i)
			}
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i], candidates[j]
		if pm.priority[pi] != pm.priority[pj] {
			return pm.priority[pi] > pm.priority[pj]
		}
		if pm.policy == Sequential {
			return pi < pj
		}
		if pm.avail[pi] != pm.avail[pj] {
			return pm.avail[pi] < pm.avail[pj]
		}
		return pi < pj
	})
	return candidates[0], true
}

func (pm *manager) claimBlocksLocked(id string, ps *peerState, pp *pendingPiece, requests []Request, budget *int, now time.Time) []Request {
	for blockIndex, b := range pp.blocks {
		if *budget == 0 {
			return requests
		}
		if b.received || len(b.requests) > 0 {
			continue
		}
		req := Request{Piece: pp.index, Begin: blockIndex * BLOCK_SIZE, Length: pm.blockLength(pp.index, blockIndex)}
		b.requests[id] = now
		ps.outstanding[req] = now
		requests = append(requests, req)
		*budget--
	}
	return requests
}

func (pm *manager) claimEndgameLocked(id string, ps *peerState, peerBitfield *bitfield.Bitfield, requests []Request, budget *int, now time.Time) []Request {
	type endgameBlock struct {
		req        Request
		requesters int
	}
	candidates := make([]endgameBlock, 0)
	for piece, pp := range pm.pending {
		if !peerBitfield.Test(piece) {
			continue
		}
		for blockIndex, b := range pp.blocks {
			if b.received {
				continue
			}
			if _, alreadyAsked := b.requests[id]; alreadyAsked {
				continue
			}
			candidates = append(candidates, endgameBlock{
				req:        Request{Piece: piece, Begin: blockIndex * BLOCK_SIZE, Length: pm.blockLength(piece, blockIndex)},
				requesters: len(b.requests),
			})
		}
	}
	// Fewest requesters first so duplication spreads evenly.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].requesters != candidates[j].requesters {
			return candidates[i].requesters < candidates[j].requesters
		}
		if candidates[i].req.Piece != candidates[j].req.Piece {
			return candidates[i].req.Piece < candidates[j].req.Piece
		}
		return candidates[i].req.Begin < candidates[j].req.Begin
	})
	for _, c := range candidates {
		if *budget == 0 {
			return requests
		}
		pm.pending[c.req.Piece].blocks[c.req.Begin/BLOCK_SIZE].requests[id] = now
		ps.outstanding[c.req] = now
		requests = append(requests, c.req)
		*budget--
	}
	return requests
}
