package reactor_test

import (
	"context"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odin-labs/odinkv/internal/metrics"
	"github.com/odin-labs/odinkv/internal/protocol/echo"
	"github.com/odin-labs/odinkv/internal/reactor"
)

type nopLogger struct{}

func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}

func newTestListener(t *testing.T) (fd int, addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tcpLn := ln.(*net.TCPListener)
	f, err := tcpLn.File()
	require.NoError(t, err)
	require.NoError(t, tcpLn.Close())
	// Fd() leaves the descriptor blocking, and f's finalizer would close
	// it; hand the reactor its own non-blocking duplicate instead.
	fd, err = syscall.Dup(int(f.Fd()))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, syscall.SetNonblock(fd, true))
	return fd, tcpLn.Addr().String()
}

// TestEchoLoopback exercises a single client that writes "ping",
// half-closes, and expects the server to echo it back, drain, and
// close, with metrics reflecting 4 bytes each way.
func TestEchoLoopback(t *testing.T) {
	global := metrics.NewGlobal()
	fd, addr := newTestListener(t)

	r, err := reactor.New(reactor.Config{NewProtocol: echo.New}, nopLogger{}, global)
	require.NoError(t, err)
	require.NoError(t, r.AddListener(fd))

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4)
	n, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	tail := make([]byte, 1)
	_, err = conn.Read(tail)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, conn.Close())

	r.RequestShutdown()
	select {
	case runErr := <-done:
		require.NoError(t, runErr)
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not shut down in time")
	}
	r.Close()

	require.EqualValues(t, 4, global.GetCounter(metrics.CounterBytesReceived))
	require.EqualValues(t, 4, global.GetCounter(metrics.CounterBytesSent))
}

// TestGracefulShutdownDrainsLiveChannels exercises several live echo
// channels that must flush and close when shutdown is requested, and
// confirms Run returns once the pool is empty.
func TestGracefulShutdownDrainsLiveChannels(t *testing.T) {
	global := metrics.NewGlobal()
	fd, addr := newTestListener(t)

	r, err := reactor.New(reactor.Config{NewProtocol: echo.New}, nopLogger{}, global)
	require.NoError(t, err)
	require.NoError(t, r.AddListener(fd))

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	const numClients = 5
	conns := make([]net.Conn, numClients)
	for i := range conns {
		c, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		_, err = c.Write([]byte("hi"))
		require.NoError(t, err)
		conns[i] = c
	}

	for _, c := range conns {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, 2)
		_, err := io.ReadFull(c, buf)
		require.NoError(t, err)
		require.Equal(t, "hi", string(buf))
	}

	r.RequestShutdown()

	for _, c := range conns {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err := c.Read(make([]byte, 1))
		require.ErrorIs(t, err, io.EOF)
		require.NoError(t, c.Close())
	}

	select {
	case runErr := <-done:
		require.NoError(t, runErr)
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not shut down in time")
	}
	r.Close()
}
