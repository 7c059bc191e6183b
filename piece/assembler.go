package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"time"
)

// OnBlockReceived folds one delivered block into its pending piece. Blocks
// never requested from the sending peer are rejected with
// ErrUnrequestedBlock; re-delivery of a block already held is idempotent.
// When the last block lands the piece is hashed against the manifest: a
// match commits it to storage and sets the local bit, a mismatch discards
// the whole piece, resets its request state and charges every contributor
// one suspicion point.
func (pm *manager) OnBlockReceived(id string, pieceIndex, begin int, data []byte) (*BlockReceipt, error) {
	pm.Lock()
	defer pm.Unlock()

	pp, ok := pm.pending[pieceIndex]
	if !ok {
		return nil, fmt.Errorf("%w: piece %d not pending", ErrUnrequestedBlock, pieceIndex)
	}
	if begin%BLOCK_SIZE != 0 {
		return nil, fmt.Errorf("%w: misaligned offset %d", ErrUnrequestedBlock, begin)
	}
	blockIndex := begin / BLOCK_SIZE
	if blockIndex >= len(pp.blocks) {
		return nil, fmt.Errorf("%w: offset %d outside piece %d", ErrUnrequestedBlock, begin, pieceIndex)
	}
	if len(data) != pm.blockLength(pieceIndex, blockIndex) {
		return nil, fmt.Errorf("%w: block length %d", ErrUnrequestedBlock, len(data))
	}

	b := pp.blocks[blockIndex]
	req := Request{Piece: pieceIndex, Begin: begin, Length: len(data)}
	if b.received {
		// Late arrival of an endgame duplicate or a repeated send. Drop the
		// payload, release any bookkeeping, change nothing else.
		pm.dropRequestLocked(id, req, b)
		return &BlockReceipt{Duplicate: true}, nil
	}
	if _, requested := b.requests[id]; !requested {
		return nil, fmt.Errorf("%w: piece %d offset %d from %s", ErrUnrequestedBlock, pieceIndex, begin, id)
	}

	receipt := &BlockReceipt{}

	// Withdraw endgame duplicates from every other requester.
	for rid := range b.requests {
		if rid == id {
			continue
		}
		receipt.Cancels = append(receipt.Cancels, PeerRequest{PeerID: rid, Request: req})
		if other, ok := pm.peers[rid]; ok {
			delete(other.outstanding, req)
		}
	}
	b.requests = make(map[string]time.Time)

	b.received = true
	b.data = data
	pp.received++
	pp.contributors.Add(id)

	if ps, ok := pm.peers[id]; ok {
		delete(ps.outstanding, req)
		// Prompt delivery grows the request window.
		ps.consecTimeouts = 0
		if ps.window < MAX_REQUEST_WINDOW {
			ps.window++
		}
	}

	if pp.received < len(pp.blocks) {
		return receipt, nil
	}

	// Piece complete: verify against the manifest digest.
	assembled := &bytes.Buffer{}
	for _, block := range pp.blocks {
		assembled.Write(block.data)
	}
	pieceData := assembled.Bytes()
	digest := sha1.Sum(pieceData)
	if !bytes.Equal(digest[:], pm.m.ExpectedHash(pieceIndex)) {
		receipt.Corrupt = true
		receipt.Banned = pm.resetCorruptLocked(pp)
		return receipt, nil
	}

	// Commit outside the lock: a slow disk must not stall scheduling for
	// every other peer. Nothing mutates a fully received piece meanwhile,
	// since any re-delivery bails out above as a duplicate.
	pm.Unlock()
	err := pm.store.WriteBlock(pieceIndex, 0, pieceData)
	pm.Lock()
	if err != nil {
		// Keep the assembled piece pending so a retry can recommit.
		return receipt, err
	}
	pm.local.Set(pieceIndex)
	delete(pm.pending, pieceIndex)
	receipt.Completed = true
	return receipt, nil
}

func (pm *manager) dropRequestLocked(id string, req Request, b *blockState) {
	delete(b.requests, id)
	if ps, ok := pm.peers[id]; ok {
		delete(ps.outstanding, req)
	}
}

// resetCorruptLocked throws away a piece that failed verification. Hash
// mismatch is routine swarm noise: the piece goes back to not-requested so
// it is re-fetched, ideally from different peers. Contributors past the
// threshold are returned for banning.
func (pm *manager) resetCorruptLocked(pp *pendingPiece) []string {
	for blockIndex, b := range pp.blocks {
		req := Request{Piece: pp.index, Begin: blockIndex * BLOCK_SIZE, Length: pm.blockLength(pp.index, blockIndex)}
		for rid := range b.requests {
			if ps, ok := pm.peers[rid]; ok {
				delete(ps.outstanding, req)
			}
		}
	}
	delete(pm.pending, pp.index)

	var banned []string
	for _, c := range pp.contributors.ToSlice() {
		id := c.(string)
		pm.suspicion[id]++
		if pm.suspicion[id] >= CORRUPTION_THRESHOLD {
			banned = append(banned, id)
		}
	}
	return banned
}
