// Package channel implements the per-connection state machine: bounded
// RX/TX buffering, the edge-triggered drain policy, and the protocol
// plug-in dispatch contract.
package channel

import (
	"golang.org/x/sys/unix"

	"github.com/odin-labs/odinkv/internal/buffer"
	"github.com/odin-labs/odinkv/internal/metrics"
)

// DefaultBufferSize is the suggested RX/TX capacity.
const DefaultBufferSize = 4096

// Channel is one logical connection: its socket descriptor, bounded RX/TX
// buffers, state machine, and embedded protocol instance. A Channel is
// touched only by the reactor goroutine; it carries no internal locking.
type Channel struct {
	fd    int
	rx    *buffer.Ring
	tx    *buffer.Ring
	state State
	proto Protocol

	// lastMask is the reactor's bookkeeping of what interest was last
	// registered with the readiness set, so it can diff against the
	// freshly derived interest instead of re-registering unconditionally.
	lastMask uint32

	metrics *metrics.Global
	io      IO
}

// New constructs a standalone channel with the given buffer capacities. It
// starts Closed; call Attach to put it into service. The pool does not use
// New: newChunk initializes its slots in place so each slot's IO handle
// points at the slot's final address.
func New(rxCap, txCap int, m *metrics.Global) *Channel {
	c := &Channel{
		fd:      -1,
		rx:      buffer.NewRing(rxCap),
		tx:      buffer.NewRing(txCap),
		state:   Closed,
		metrics: m,
	}
	c.io.ch = c
	return c
}

// FD returns the owned descriptor, or -1 if Closed.
func (c *Channel) FD() int { return c.fd }

// State returns the current lifecycle state.
func (c *Channel) State() State { return c.state }

// LastMask/SetLastMask let the reactor track what interest it last
// registered for this channel's descriptor.
func (c *Channel) LastMask() uint32     { return c.lastMask }
func (c *Channel) SetLastMask(m uint32) { c.lastMask = m }

// Attach puts a Closed channel into service on fd with the given
// protocol, clearing both buffers (cleared on attach and detach).
func (c *Channel) Attach(fd int, proto Protocol) {
	c.fd = fd
	c.proto = proto
	c.state = Running
	c.rx.Clear()
	c.tx.Clear()
	c.lastMask = 0
}

// Detach returns the channel to Closed without releasing its pool slot.
// The caller (reactor) is responsible for closing the descriptor.
func (c *Channel) Detach() {
	c.fd = -1
	c.proto = nil
	c.state = Closed
	c.rx.Clear()
	c.tx.Clear()
	c.lastMask = 0
}

// BeginShutdown transitions Running to Draining. It is a no-op from any
// other state. This does not half-close the descriptor at the kernel
// level: a peer mid-write should not be foreclosed before the local
// drain completes.
func (c *Channel) BeginShutdown() {
	if c.state == Running {
		c.state = Draining
	}
}

// WantRead reports read interest: Running and RX not full.
func (c *Channel) WantRead() bool {
	return c.state == Running && !c.rx.Full()
}

// WantWrite reports write interest: (Running or Draining) and TX not
// empty.
func (c *Channel) WantWrite() bool {
	return (c.state == Running || c.state == Draining) && !c.tx.Empty()
}

// ShouldClose reports whether the channel is eligible for the reactor to
// finalize its close: Aborting, or Draining with an empty TX buffer.
func (c *Channel) ShouldClose() bool {
	return c.state == Aborting || (c.state == Draining && c.tx.Empty())
}

// IO returns the opaque handle passed to protocol hooks.
func (c *Channel) IO() *IO { return &c.io }

// NotifyClose invokes the protocol's terminal disposal hook. The reactor
// calls this once, before Detach, for every channel it finalizes a close
// on.
func (c *Channel) NotifyClose() { c.proto.OnClose(&c.io) }

// abort transitions to Aborting, accounts the error, and best-effort
// shuts down the descriptor both directions.
func (c *Channel) abort(err error) {
	c.state = Aborting
	key := classifySocketError(err)
	c.metrics.AddCounter(key, 1)
	c.metrics.AddCounter(metrics.CounterSocketErrorTotal, 1)
	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	c.proto.OnError(&c.io, err)
}

// Abort is the reactor's entry point for a readiness-error event
// (EPOLLERR/EPOLLHUP observed before any read/write was attempted).
func (c *Channel) Abort(err error) { c.abort(err) }

// DrainReadable runs the read-then-protocol-then-write loop for a
// readable (or readable+writable) event, stopping once neither a read
// nor a protocol callback made forward progress.
func (c *Channel) DrainReadable() {
	for {
		received := c.pullRX()
		if c.state == Aborting {
			return
		}

		consumed := 0
		if !c.rx.Empty() {
			before := c.rx.Used()
			c.proto.OnRead(&c.io)
			consumed = before - c.rx.Used()
		}

		c.flushTX()
		if c.state == Aborting {
			return
		}

		if received == 0 && consumed == 0 {
			return
		}
	}
}

// DrainWritable runs step 3 alone, for a write-only wakeup.
func (c *Channel) DrainWritable() {
	c.flushTX()
}

// pullRX reads as much as possible into RX until it would block, RX
// fills, or peer EOF is observed.
func (c *Channel) pullRX() int {
	total := 0
	for {
		if c.rx.Full() {
			return total
		}
		span := c.rx.WritableSpan(c.rx.Free())
		n, err := unix.Read(c.fd, span)
		if n > 0 {
			c.rx.Commit(n)
			total += n
			c.metrics.AddCounter(metrics.CounterBytesReceived, uint64(n))
		}
		if n == 0 && err == nil {
			c.state = Draining
			return total
		}
		if err != nil {
			if retry, wouldBlock := isTransient(err); retry {
				continue
			} else if wouldBlock {
				return total
			}
			c.abort(err)
			return total
		}
		if n == 0 {
			return total
		}
	}
}

// flushTX writes as much of TX as possible until it would block or TX
// empties.
func (c *Channel) flushTX() {
	for !c.tx.Empty() {
		span := c.tx.ReadableSpan(c.tx.Used())
		n, err := unix.Write(c.fd, span)
		if n > 0 {
			c.tx.Consume(n)
			c.metrics.AddCounter(metrics.CounterBytesSent, uint64(n))
		}
		if err != nil {
			if retry, wouldBlock := isTransient(err); retry {
				continue
			} else if wouldBlock {
				return
			}
			c.abort(err)
			return
		}
		if n == 0 {
			return
		}
	}
}

// SockError retrieves and clears SO_ERROR on the channel's descriptor.
func (c *Channel) SockError() error {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}
