// Command odinkvd is the process entrypoint for the odinkv reactor core.
// It owns everything the core itself stays out of: config/flag parsing,
// listener bring-up, and process lifecycle. The reactor it wires up is
// the only substantially implemented subsystem — the eventual storage
// engine is not built yet.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/odin-labs/odinkv/internal/config"
	"github.com/odin-labs/odinkv/internal/logging"
	"github.com/odin-labs/odinkv/internal/metrics"
	"github.com/odin-labs/odinkv/internal/protocol/echo"
	"github.com/odin-labs/odinkv/internal/reactor"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides ODINKV_LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		os.Exit(exitWith(err))
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat)})
	log.Infof("GOMAXPROCS=%d (automaxprocs-adjusted)", runtime.GOMAXPROCS(0))

	global := metrics.NewGlobal()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.Addr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		log.Fatalf("listener for %s is not TCP", cfg.Addr)
	}
	lnFile, err := tcpLn.File()
	if err != nil {
		log.Fatalf("extract listener fd: %v", err)
	}
	// The reactor owns a duplicate of the raw fd from here; the
	// net.Listener wrapper and the *os.File are both closed so neither
	// can close the descriptor the reactor uses. Fd() leaves the
	// descriptor blocking, so it is switched back to non-blocking for the
	// reactor's accept loop.
	listenerFD, err := syscall.Dup(int(lnFile.Fd()))
	if err != nil {
		log.Fatalf("duplicate listener fd: %v", err)
	}
	_ = lnFile.Close()
	_ = tcpLn.Close()
	if err := syscall.SetNonblock(listenerFD, true); err != nil {
		log.Fatalf("set listener fd non-blocking: %v", err)
	}

	r, err := reactor.New(reactor.Config{
		RXBufferSize:  cfg.RXBufferSize,
		TXBufferSize:  cfg.TXBufferSize,
		NewProtocol:   echo.New,
		ShutdownGrace: cfg.ShutdownGracePeriod,
	}, log, global)
	if err != nil {
		log.Fatalf("construct reactor: %v", err)
	}
	if err := r.AddListener(listenerFD); err != nil {
		log.Fatalf("register listener: %v", err)
	}

	go serveMetrics(cfg.MetricsAddr, global, log)

	// SIGINT/SIGTERM are delivered through the reactor's own signalfd
	// bridge; Run only needs cancellation for shutdown triggers that
	// originate outside the process signal mask.
	log.Infof("odinkvd listening on %s, metrics on %s", cfg.Addr, cfg.MetricsAddr)
	if err := r.Run(context.Background()); err != nil {
		log.Errorf("reactor run: %v", err)
	}
	r.Close()
	log.Infof("odinkvd shut down cleanly")
}

// serveMetrics exposes the folded metric totals over HTTP. This is ambient
// ops tooling, not part of the reactor core itself.
func serveMetrics(addr string, global *metrics.Global, log logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(global.Registry(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Warnf("metrics server stopped: %v", err)
	}
}

func exitWith(err error) int {
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		return 1
	}
	return 0
}
