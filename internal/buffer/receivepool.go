package buffer

import "sync"

// Sink receives payloads from a BlockReceivePool in strictly increasing
// sn order, with no gaps and no duplicates (spec.md §4.2/§8 property 1).
type Sink func(payload []byte)

// BlockReceivePool reorders sn-tagged payloads and delivers them to a
// Sink in order, buffering anything that arrives ahead of next_sn.
type BlockReceivePool struct {
	mu      sync.Mutex
	nextSn  uint32
	pending map[uint32][]byte
	sink    Sink
}

// NewBlockReceivePool creates a pool starting at next_sn=1 that
// delivers in-order payloads to sink.
func NewBlockReceivePool(sink Sink) *BlockReceivePool {
	return &BlockReceivePool{nextSn: 1, pending: make(map[uint32][]byte), sink: sink}
}

// Put delivers sn/payload if it's next, else buffers it for later, else
// drops it as a duplicate retransmit.
func (p *BlockReceivePool) Put(sn uint32, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sn < p.nextSn {
		return // duplicate, already delivered
	}
	if sn != p.nextSn {
		p.pending[sn] = payload
		return
	}

	p.sink(payload)
	p.nextSn++
	for {
		next, ok := p.pending[p.nextSn]
		if !ok {
			break
		}
		delete(p.pending, p.nextSn)
		p.sink(next)
		p.nextSn++
	}
}

// NextSn returns the next in-order sn expected.
func (p *BlockReceivePool) NextSn() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextSn
}

// PendingSns returns the sns currently buffered out of order (used to
// build the ack payload's explicit-sn list).
func (p *BlockReceivePool) PendingSns() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, 0, len(p.pending))
	for sn := range p.pending {
		out = append(out, sn)
	}
	return out
}

// Reset clears buffered state and rewinds next_sn to 1: each Session
// Start/Reset begins a fresh session_id, i.e. a fresh sn space with the
// server (spec.md §4.2: "next_sn (starts at 1)").
func (p *BlockReceivePool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = make(map[uint32][]byte)
	p.nextSn = 1
}
