// Package metrics implements the lock-reduced counter/gauge subsystem used
// by the reactor's hot path: single-threaded (ST) keys are written straight
// to the global totals, multi-threaded (MT) keys accumulate in a caller-held
// Shard and are folded into the global totals periodically.
//
// Go has no implicit thread-local storage, so a "thread-local shard" in
// the source design becomes a Shard handle the caller obtains once and
// keeps for the life of its goroutine.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Global holds the folded totals for every ST and MT key, plus the
// Prometheus mirror updated at the end of each fold.
type Global struct {
	mu sync.Mutex

	counters [numCounterKeys]atomic.Uint64
	gauges   [numGaugeKeys]atomic.Int64

	prom *promMirror
}

// NewGlobal constructs an empty Global and registers its Prometheus
// exposition surface.
func NewGlobal() *Global {
	return &Global{prom: newPromMirror()}
}

// AddCounter adds n to k's global total directly, with an atomic add and
// no shard hop. The reactor goroutine records all of its counters this
// way. Every counter key is also in the MT set, so Shard folds for the
// same key add into the same total.
func (g *Global) AddCounter(k Key, n uint64) {
	g.counters[k].Add(n)
	g.prom.addCounter(k, n)
}

// IncCounter is AddCounter(k, 1).
func (g *Global) IncCounter(k Key) { g.AddCounter(k, 1) }

// SetGauge replaces k's global value with v directly. For a key that
// Shards also fold deltas into, this overwrites what those folds added.
func (g *Global) SetGauge(k Key, v int64) {
	old := g.gauges[k].Swap(v)
	g.prom.addGauge(k, v-old)
}

// GetCounter returns the current folded total for k. Intended for tests
// and periodic reporting, not the hot path.
func (g *Global) GetCounter(k Key) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counters[k].Load()
}

// GetGauge returns the current folded total for k.
func (g *Global) GetGauge(k Key) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gauges[k].Load()
}

// Registry returns the Prometheus registry backing this Global's mirror,
// for mounting under an HTTP /metrics handler (cmd/odinkvd, outside the
// reactor core's scope).
func (g *Global) Registry() *prometheus.Registry { return g.prom.registry }

// Shard is the per-goroutine portion of the MT key space. A Shard is
// created explicitly by NewShard; nothing creates one implicitly on a
// goroutine's first write. It is not safe for use by more than one
// goroutine at a time.
type Shard struct {
	global *Global

	counters Array[uint64]
	gaugeCur Array[int64]
	gaugeSyn Array[int64]

	lastFold time.Time
}

// NewShard creates a Shard bound to global. Call this once per goroutine
// that will write MT keys and keep the handle for that goroutine's life.
func (g *Global) NewShard() *Shard {
	return &Shard{
		global:   g,
		counters: NewArray[uint64](int(numCounterKeys), mtCounterKeys),
		gaugeCur: NewArray[int64](int(numGaugeKeys), mtGaugeKeys),
		gaugeSyn: NewArray[int64](int(numGaugeKeys), mtGaugeKeys),
	}
}

// AddCounter adds n to the shard-local slot for k. k must be an MT key.
func (s *Shard) AddCounter(k Key, n uint64) { *s.counters.Get(k) += n }

// IncCounter is AddCounter(k, 1).
func (s *Shard) IncCounter(k Key) { s.AddCounter(k, 1) }

// SetGauge stores v into the shard's current value for k. k must be an MT
// gauge key.
func (s *Shard) SetGauge(k Key, v int64) { *s.gaugeCur.Get(k) = v }

// Flush folds this shard into the global totals if at least minInterval
// has elapsed since its last fold. Pass 0 to force an unconditional fold
// (e.g. on goroutine termination).
func (s *Shard) Flush(minInterval time.Duration) {
	now := nowFunc()
	if minInterval > 0 && !s.lastFold.IsZero() && now.Sub(s.lastFold) < minInterval {
		return
	}

	s.global.mu.Lock()
	s.counters.ForEachKey(func(k Key, v *uint64) {
		if *v == 0 {
			return
		}
		s.global.counters[k].Add(*v)
		s.global.prom.addCounter(k, *v)
	})
	s.gaugeCur.ForEachKey(func(k Key, cur *int64) {
		syn := s.gaugeSyn.Get(k)
		delta := *cur - *syn
		if delta == 0 {
			return
		}
		s.global.gauges[k].Add(delta)
		s.global.prom.addGauge(k, delta)
	})
	s.global.mu.Unlock()

	s.counters.ForEachKey(func(_ Key, v *uint64) { *v = 0 })
	s.gaugeCur.ForEachKey(func(k Key, cur *int64) { *s.gaugeSyn.Get(k) = *cur })
	s.lastFold = now
}

// nowFunc is a seam for deterministic tests.
var nowFunc = time.Now
