//go:build linux

package reactor

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/odin-labs/odinkv/internal/channel"
	"github.com/odin-labs/odinkv/internal/metrics"
)

// onChannelEvent handles a readiness event for a single channel.
func (r *Reactor) onChannelEvent(ch *channel.Channel, mask uint32) {
	if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		err := ch.SockError()
		if err == nil {
			err = unix.ECONNRESET
		}
		ch.Abort(err)
	} else if mask&unix.EPOLLIN != 0 {
		ch.DrainReadable()
	} else if mask&unix.EPOLLOUT != 0 {
		ch.DrainWritable()
	}

	if ch.ShouldClose() {
		r.closeChannel(ch)
		return
	}
	r.rearm(ch)
}

// rearm recomputes a channel's desired interest and updates its epoll
// registration only if it changed from last time.
func (r *Reactor) rearm(ch *channel.Channel) {
	want := interestMask(ch)
	if want == ch.LastMask() {
		return
	}
	if err := r.epollMod(ch.FD(), want); err != nil {
		r.log.Warnf("reactor: epoll_ctl mod fd=%d: %v", ch.FD(), err)
	}
	ch.SetLastMask(want)
}

func interestMask(ch *channel.Channel) uint32 {
	mask := uint32(unix.EPOLLET | unix.EPOLLRDHUP)
	if ch.WantRead() {
		mask |= unix.EPOLLIN
	}
	if ch.WantWrite() {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// closeChannel finalizes a channel eligible to close: notify, detach,
// release, close the descriptor.
func (r *Reactor) closeChannel(ch *channel.Channel) {
	fd := ch.FD()
	_ = r.epollDel(fd)
	ch.NotifyClose()
	ch.Detach()
	r.pool.Release(fd)
	unix.Close(fd)
	r.metrics.SetGauge(metrics.GaugeActiveChannels, int64(r.pool.Len()))
}

// onListenerEvent drains accept() until EAGAIN, attaching a channel per
// connection.
func (r *Reactor) onListenerEvent() {
	for {
		fd, _, err := unix.Accept4(r.listenerFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if retry, wouldBlock := classifyTransient(err); retry {
				continue
			} else if wouldBlock {
				return
			}
			r.accountAcceptError(err)
			if isResourceExhaustion(err) {
				return
			}
			continue
		}

		ch := r.pool.Acquire(fd)
		proto := r.cfg.NewProtocol()
		ch.Attach(fd, proto)
		mask := interestMask(ch)
		if err := r.epollAdd(fd, mask); err != nil {
			r.log.Warnf("reactor: failed to register accepted fd=%d: %v", fd, err)
			r.closeChannel(ch)
			continue
		}
		ch.SetLastMask(mask)
		r.metrics.SetGauge(metrics.GaugeActiveChannels, int64(r.pool.Len()))
	}
}

func classifyTransient(err error) (retry, wouldBlock bool) {
	switch {
	case errors.Is(err, unix.EINTR):
		return true, false
	case errors.Is(err, unix.EAGAIN):
		return false, true
	default:
		return false, false
	}
}

func isResourceExhaustion(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) || errors.Is(err, unix.ENOBUFS)
}

func (r *Reactor) accountAcceptError(err error) {
	var key metrics.Key
	switch {
	case errors.Is(err, unix.EMFILE):
		key = metrics.CounterAcceptErrorEMFILE
	case errors.Is(err, unix.ENFILE):
		key = metrics.CounterAcceptErrorENFILE
	case errors.Is(err, unix.ENOBUFS):
		key = metrics.CounterAcceptErrorENOBUFS
	default:
		key = metrics.CounterAcceptErrorOther
	}
	r.metrics.AddCounter(key, 1)
}

// sweep closes every channel already eligible to close, used after
// wake-up/signal events.
func (r *Reactor) sweep() {
	var toClose []*channel.Channel
	r.pool.ForEach(func(ch *channel.Channel) {
		if ch.ShouldClose() {
			toClose = append(toClose, ch)
		}
	})
	for _, ch := range toClose {
		r.closeChannel(ch)
	}
}

// RequestShutdown is safe to call from any goroutine — it is the only
// entry point external callers (ctx cancellation, tests, a future signal
// handler elsewhere in the process) have onto the reactor. It never
// touches reactor/channel/pool state directly: it only flags the intent
// and writes wakeFD, waking the loop goroutine so it can perform the
// actual shutdown sequence itself in beginShutdown.
func (r *Reactor) RequestShutdown() {
	if r.shutdownRequested.Swap(true) {
		return
	}
	r.wake()
}

func (r *Reactor) wake() {
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(r.wakeFD, one[:])
}

// beginShutdown is idempotent and must only run on the loop goroutine: it
// stops new work, begins draining every live channel, and arms the
// shutdown grace deadline. Callers are r.dispatch's wake-event case (for
// shutdown requests that originated off the loop goroutine) and
// drainSignal (which is already running on the loop goroutine when
// SIGINT/SIGTERM arrive, so it calls this directly).
func (r *Reactor) beginShutdown() {
	if r.shuttingDown {
		return
	}
	r.shuttingDown = true
	r.shutdownDeadline = time.Now().Add(r.cfg.ShutdownGrace)

	if r.listenerReg {
		_ = r.epollDel(r.listenerFD)
		unix.Close(r.listenerFD)
		r.listenerReg = false
	}

	r.pool.ForEach(func(ch *channel.Channel) { ch.BeginShutdown() })
}
