package channel

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/odin-labs/odinkv/internal/metrics"
)

// classifySocketError maps a transport errno onto the matching
// net.socket_error.* counter key.
func classifySocketError(err error) metrics.Key {
	switch {
	case errors.Is(err, unix.ECONNRESET):
		return metrics.CounterSocketErrorECONNRESET
	case errors.Is(err, unix.ETIMEDOUT):
		return metrics.CounterSocketErrorETIMEDOUT
	case errors.Is(err, unix.EPIPE):
		return metrics.CounterSocketErrorEPIPE
	case errors.Is(err, unix.ENETDOWN):
		return metrics.CounterSocketErrorENETDOWN
	default:
		return metrics.CounterSocketErrorOther
	}
}

// isTransient reports whether err is EAGAIN/EWOULDBLOCK/EINTR — not an
// error for the purposes of the drain policy, just a signal to retry or
// stop for now.
func isTransient(err error) (retry, wouldBlock bool) {
	switch {
	case errors.Is(err, unix.EINTR):
		return true, false
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
		return false, true
	default:
		return false, false
	}
}
