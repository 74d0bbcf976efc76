//go:build linux

// Package reactor implements the single-threaded edge-triggered readiness
// loop: it owns the epoll set, the wake-up eventfd, the signalfd bridge
// for SIGINT/SIGTERM, and dispatches ready descriptors to channels, the
// listener, or its own control plane.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/odin-labs/odinkv/internal/channel"
	"github.com/odin-labs/odinkv/internal/metrics"
)

var errShutdownGraceExceeded = errors.New("reactor: shutdown grace period exceeded")

const maxEventsPerWait = 256

// defaultShutdownGrace bounds how long Run waits, once shutdown has begun,
// for live channels to drain before forcing them closed, when
// Config.ShutdownGrace is left unset.
const defaultShutdownGrace = 10 * time.Second

// Logger is the minimal emit surface the reactor needs;
// internal/logging.Logger satisfies it.
type Logger interface {
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Infof(format string, args ...any)
}

// ProtocolFactory produces a fresh Protocol instance for each accepted
// connection.
type ProtocolFactory func() channel.Protocol

// Config configures buffer sizing and the protocol plug-in; everything
// else (listener bring-up, address resolution) is the caller's job.
type Config struct {
	RXBufferSize int
	TXBufferSize int
	NewProtocol  ProtocolFactory

	// ShutdownGrace bounds how long Run waits, once shutdown has begun,
	// for draining channels to finish flushing before it force-closes
	// them. Zero means defaultShutdownGrace.
	ShutdownGrace time.Duration
}

// Reactor runs the readiness loop above. It is not safe for concurrent
// use from more than one goroutine; external requests (e.g. Shutdown)
// must go through the wake-up descriptor, not direct field mutation.
type Reactor struct {
	cfg     Config
	log     Logger
	metrics *metrics.Global
	pool    *channel.Pool

	epfd   int
	wakeFD int
	sigFD  int

	listenerFD  int
	listenerReg bool

	// shutdownRequested is the only field any goroutine other than the
	// loop goroutine may touch. RequestShutdown sets it and writes
	// wakeFD; the loop goroutine observes it on the resulting wake event
	// and performs the actual shutdown sequence itself.
	shutdownRequested atomic.Bool

	shuttingDown     bool
	shutdownDeadline time.Time
	events           []unix.EpollEvent
}

// New constructs a Reactor. It blocks SIGINT/SIGTERM process-wide (a
// prerequisite for Signalfd) and opens the epoll set, eventfd, and
// signalfd. The caller must not unblock those signals afterward for the
// process lifetime of this reactor.
func New(cfg Config, log Logger, m *metrics.Global) (*Reactor, error) {
	if cfg.RXBufferSize <= 0 {
		cfg.RXBufferSize = channel.DefaultBufferSize
	}
	if cfg.TXBufferSize <= 0 {
		cfg.TXBufferSize = channel.DefaultBufferSize
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	var sigset unix.Sigset_t
	sigset.Val[0] |= 1 << (uint(unix.SIGINT) - 1)
	sigset.Val[0] |= 1 << (uint(unix.SIGTERM) - 1)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &sigset, nil); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: block signals: %w", err)
	}
	sigFD, err := unix.Signalfd(-1, &sigset, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: signalfd: %w", err)
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		unix.Close(sigFD)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}

	r := &Reactor{
		cfg:        cfg,
		log:        log,
		metrics:    m,
		listenerFD: -1,
		epfd:       epfd,
		wakeFD:     wakeFD,
		sigFD:      sigFD,
		events:     make([]unix.EpollEvent, maxEventsPerWait),
	}
	r.pool = channel.NewPool(cfg.RXBufferSize, cfg.TXBufferSize, m, r.invariant)

	// Wake-up and signal descriptors are level-triggered readable.
	if err := r.epollAdd(wakeFD, unix.EPOLLIN); err != nil {
		r.closeFDs()
		return nil, err
	}
	if err := r.epollAdd(sigFD, unix.EPOLLIN); err != nil {
		r.closeFDs()
		return nil, err
	}

	return r, nil
}

func (r *Reactor) invariant(msg string, args ...any) {
	r.log.Errorf("invariant violation: %s %v", msg, args)
	panic(fmt.Sprintf("odinkv reactor invariant violation: %s %v", msg, args))
}

// Close asserts the pool is empty and releases the reactor's own
// descriptors. Call it only after Run has returned.
func (r *Reactor) Close() {
	r.pool.Close()
	r.closeFDs()
}

func (r *Reactor) closeFDs() {
	unix.Close(r.epfd)
	unix.Close(r.wakeFD)
	unix.Close(r.sigFD)
}

// AddListener registers a bound, listening, non-blocking descriptor as
// the acceptor, edge-triggered readable.
func (r *Reactor) AddListener(fd int) error {
	if err := r.epollAdd(fd, unix.EPOLLIN|unix.EPOLLET); err != nil {
		return err
	}
	r.listenerFD = fd
	r.listenerReg = true
	return nil
}

func (r *Reactor) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (r *Reactor) epollMod(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (r *Reactor) epollDel(fd int) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run blocks until shutdown is requested and every channel has been
// closed. ctx cancellation is an alternative shutdown trigger alongside
// signals and RequestShutdown.
func (r *Reactor) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.RequestShutdown()
	}()

	for {
		n, err := unix.EpollWait(r.epfd, r.events, r.waitTimeoutMS())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			r.dispatch(r.events[i])
		}

		if r.shuttingDown && r.pool.Len() == 0 {
			return nil
		}
		if r.shuttingDown && !r.shutdownDeadline.IsZero() && !time.Now().Before(r.shutdownDeadline) {
			r.forceCloseAll()
			return nil
		}
	}
}

// waitTimeoutMS returns the epoll_wait timeout in milliseconds: -1 (block
// indefinitely) before shutdown is requested, otherwise the remaining time
// until the shutdown grace period expires, so a stalled drain still wakes
// the loop for forceCloseAll.
func (r *Reactor) waitTimeoutMS() int {
	if !r.shuttingDown || r.shutdownDeadline.IsZero() {
		return -1
	}
	remaining := time.Until(r.shutdownDeadline)
	if remaining <= 0 {
		return 0
	}
	if ms := remaining.Milliseconds(); ms < int64(1<<31) {
		return int(ms)
	}
	return 1 << 30
}

// forceCloseAll aborts every channel still live once the shutdown grace
// period has elapsed, so a peer slow to drain cannot block process exit
// indefinitely.
func (r *Reactor) forceCloseAll() {
	var stuck []*channel.Channel
	r.pool.ForEach(func(ch *channel.Channel) { stuck = append(stuck, ch) })
	for _, ch := range stuck {
		if !ch.ShouldClose() {
			ch.Abort(errShutdownGraceExceeded)
		}
		r.closeChannel(ch)
	}
}

func (r *Reactor) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	switch {
	case fd == r.wakeFD:
		r.drainWake()
		if r.shutdownRequested.Load() {
			r.beginShutdown()
		}
		r.sweep()
	case fd == r.sigFD:
		r.drainSignal()
	case fd == r.listenerFD:
		r.onListenerEvent()
	default:
		if ch, ok := r.pool.Lookup(fd); ok {
			r.onChannelEvent(ch, ev.Events)
			return
		}
		r.log.Warnf("reactor: event for unknown fd %d", fd)
	}
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

const siginfoSize = int(unsafe.Sizeof(unix.SignalfdSiginfo{}))

func (r *Reactor) drainSignal() {
	var info unix.SignalfdSiginfo
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&info)), siginfoSize)
	requested := false
	for {
		n, err := unix.Read(r.sigFD, buf)
		if err != nil || n < siginfoSize {
			break
		}
		if info.Signo == uint32(unix.SIGINT) || info.Signo == uint32(unix.SIGTERM) {
			requested = true
		}
	}
	if requested {
		// Already running on the loop goroutine: mutate reactor/channel
		// state directly rather than bouncing through RequestShutdown's
		// wake-and-defer path.
		r.beginShutdown()
		r.sweep()
	}
}
