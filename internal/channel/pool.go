package channel

import (
	"github.com/odin-labs/odinkv/internal/buffer"
	"github.com/odin-labs/odinkv/internal/metrics"
)

// ChunkSize is the number of channel slots per pool chunk.
const ChunkSize = 256

// chunk holds a contiguous, never-reallocated array of channel slots plus
// a stack of free slot indices. Because the array lives inside the chunk
// and chunks are never moved once allocated, a slot's address is stable
// for the pool's lifetime.
type chunk struct {
	slots [ChunkSize]Channel
	free  []int
}

func newChunk(rxCap, txCap int, m *metrics.Global) *chunk {
	c := &chunk{free: make([]int, 0, ChunkSize)}
	for i := ChunkSize - 1; i >= 0; i-- {
		// Initialize in place rather than copying a constructed Channel:
		// IO.ch must point at this slot's final address, which only
		// exists once it is part of the chunk's backing array.
		slot := &c.slots[i]
		slot.fd = -1
		slot.rx = buffer.NewRing(rxCap)
		slot.tx = buffer.NewRing(txCap)
		slot.state = Closed
		slot.metrics = m
		slot.io.ch = slot
		c.free = append(c.free, i)
	}
	return c
}

func (c *chunk) full() bool { return len(c.free) == 0 }

type handle struct {
	ch    *chunk
	index int
}

// Invariant is called on conditions classified as programming errors:
// duplicate fd in Acquire, unknown fd in Release, or destroying a
// non-empty pool. It must not return (typically it logs critical and
// terminates the process).
type Invariant func(msg string, args ...any)

// Pool is a chunked slab allocator plus fd→channel map. It is used only
// by the reactor goroutine.
type Pool struct {
	rxCap, txCap int
	metrics      *metrics.Global
	fatal        Invariant

	chunks  []*chunk
	nonFull []*chunk
	active  map[int]handle
}

// NewPool constructs an empty pool. rxCap/txCap size every channel's RX
// and TX buffers; fatal is invoked on invariant violations.
func NewPool(rxCap, txCap int, m *metrics.Global, fatal Invariant) *Pool {
	return &Pool{
		rxCap:   rxCap,
		txCap:   txCap,
		metrics: m,
		fatal:   fatal,
		active:  make(map[int]handle),
	}
}

// Acquire selects a non-full chunk (allocating one if none exist), pops a
// free slot, and registers fd in the active map. Acquiring a duplicate fd
// is a programming error.
func (p *Pool) Acquire(fd int) *Channel {
	if _, dup := p.active[fd]; dup {
		p.fatal("channel pool: duplicate fd in acquire", "fd", fd)
		return nil
	}

	if len(p.nonFull) == 0 {
		c := newChunk(p.rxCap, p.txCap, p.metrics)
		p.chunks = append(p.chunks, c)
		p.nonFull = append(p.nonFull, c)
	}
	c := p.nonFull[len(p.nonFull)-1]

	idx := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	if c.full() {
		p.nonFull = p.nonFull[:len(p.nonFull)-1]
	}

	p.active[fd] = handle{ch: c, index: idx}
	return &c.slots[idx]
}

// Release returns fd's slot to its chunk's free stack and erases the map
// entry. Releasing an fd that was never acquired is a programming error.
func (p *Pool) Release(fd int) {
	h, ok := p.active[fd]
	if !ok {
		p.fatal("channel pool: unknown fd in release", "fd", fd)
		return
	}
	wasFull := h.ch.full()
	h.ch.free = append(h.ch.free, h.index)
	if wasFull {
		p.nonFull = append(p.nonFull, h.ch)
	}
	delete(p.active, fd)
}

// Lookup returns the channel registered for fd, if any.
func (p *Pool) Lookup(fd int) (*Channel, bool) {
	h, ok := p.active[fd]
	if !ok {
		return nil, false
	}
	return &h.ch.slots[h.index], true
}

// Len reports the number of active (acquired, not yet released) slots.
func (p *Pool) Len() int { return len(p.active) }

// ForEach visits every live channel once. The visitor must not call
// Acquire or Release.
func (p *Pool) ForEach(visit func(*Channel)) {
	for _, h := range p.active {
		visit(&h.ch.slots[h.index])
	}
}

// Close asserts the pool is empty; destroying a pool with active entries
// is a programming error.
func (p *Pool) Close() {
	if len(p.active) != 0 {
		p.fatal("channel pool: destroyed with active entries", "active", len(p.active))
	}
}
