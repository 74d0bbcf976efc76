package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/odin-labs/odinkv/internal/metrics"
)

type recordingProtocol struct {
	reads  int
	errs   []error
	closes int
}

func (p *recordingProtocol) OnRead(io *IO)       { p.reads++ }
func (p *recordingProtocol) OnError(io *IO, err error) { p.errs = append(p.errs, err) }
func (p *recordingProtocol) OnClose(io *IO)      { p.closes++ }

func newTestChannel() (*Channel, *recordingProtocol) {
	ch := New(8, 8, metrics.NewGlobal())
	proto := &recordingProtocol{}
	ch.Attach(-1, proto)
	return ch, proto
}

func TestReadinessInvariant(t *testing.T) {
	ch, _ := newTestChannel()

	require.True(t, ch.WantRead())
	require.False(t, ch.WantWrite())

	ch.tx.WriteFrom([]byte("x"))
	require.True(t, ch.WantWrite())

	ch.BeginShutdown()
	require.False(t, ch.WantRead(), "Draining must not want read")
	require.True(t, ch.WantWrite(), "Draining with non-empty TX still wants write")

	ch.tx.Consume(1)
	require.False(t, ch.WantWrite())
}

func TestReadinessInvariantRXFull(t *testing.T) {
	ch, _ := newTestChannel()
	ch.rx.WriteFrom(make([]byte, ch.rx.Capacity()))
	require.False(t, ch.WantRead(), "full RX must not want read")
}

func TestCloseEligibility(t *testing.T) {
	ch, _ := newTestChannel()
	require.False(t, ch.ShouldClose())

	ch.tx.WriteFrom([]byte("x"))
	require.False(t, ch.ShouldClose())

	ch.BeginShutdown()
	require.False(t, ch.ShouldClose(), "Draining with pending TX is not closeable")
	ch.tx.Consume(1)
	require.True(t, ch.ShouldClose(), "Draining with empty TX is closeable")

	ch2, _ := newTestChannel()
	ch2.state = Aborting
	require.True(t, ch2.ShouldClose(), "Aborting is always closeable")
}

func TestTXSendContract(t *testing.T) {
	ch, _ := newTestChannel()

	n, res := ch.io.TXSend([]byte("hello"))
	require.Equal(t, 5, n)
	require.Equal(t, SendFull, res)

	n, res = ch.io.TXSend([]byte("0123456789")) // only 3 bytes free (8-5)
	require.Equal(t, 3, n)
	require.Equal(t, SendPartial, res)

	ch.state = Aborting
	n, res = ch.io.TXSend([]byte("more"))
	require.Equal(t, 0, n)
	require.Equal(t, SendForbidden, res)
}

func TestAbortFiresOnErrorAndTransitions(t *testing.T) {
	ch, proto := newTestChannel()
	ch.Abort(unix.ECONNRESET)

	require.Equal(t, Aborting, ch.State())
	require.Len(t, proto.errs, 1)
	require.True(t, ch.ShouldClose())
}

func TestAttachClearsBuffers(t *testing.T) {
	ch, _ := newTestChannel()
	ch.rx.WriteFrom([]byte("stale"))
	ch.tx.WriteFrom([]byte("stale"))

	proto := &recordingProtocol{}
	ch.Attach(-1, proto)

	require.Equal(t, 0, ch.rx.Used())
	require.Equal(t, 0, ch.tx.Used())
	require.Equal(t, Running, ch.State())
}

func TestDetachClearsAndClosesState(t *testing.T) {
	ch, _ := newTestChannel()
	ch.rx.WriteFrom([]byte("x"))
	ch.Detach()

	require.Equal(t, Closed, ch.State())
	require.Equal(t, -1, ch.FD())
	require.Equal(t, 0, ch.rx.Used())
}
