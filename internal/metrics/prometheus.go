package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// promMirror exposes the folded global totals to Prometheus. It is a
// best-effort, post-fold mirror — the authoritative totals are the
// atomic/mutex-guarded fields on Global; this just republishes them under
// the same stable metric key names.
type promMirror struct {
	registry *prometheus.Registry
	counters [numCounterKeys]prometheus.Counter
	gauges   [numGaugeKeys]prometheus.Gauge
}

func newPromMirror() *promMirror {
	m := &promMirror{registry: prometheus.NewRegistry()}
	for k := Key(0); int(k) < len(counterNames); k++ {
		m.counters[k] = prometheus.NewCounter(prometheus.CounterOpts{
			Name: promName(counterNames[k]),
			Help: "odinkv reactor counter " + counterNames[k],
		})
		m.registry.MustRegister(m.counters[k])
	}
	for k := Key(0); int(k) < len(gaugeNames); k++ {
		m.gauges[k] = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promName(gaugeNames[k]),
			Help: "odinkv reactor gauge " + gaugeNames[k],
		})
		m.registry.MustRegister(m.gauges[k])
	}
	return m
}

func (m *promMirror) addCounter(k Key, n uint64) {
	if n == 0 {
		return
	}
	m.counters[k].Add(float64(n))
}

func (m *promMirror) addGauge(k Key, delta int64) {
	if delta == 0 {
		return
	}
	m.gauges[k].Add(float64(delta))
}

// promName rewrites a dotted metric key ("net.bytes_received") into a
// Prometheus-legal metric name ("odinkv_net_bytes_received").
func promName(dotted string) string {
	out := make([]byte, 0, len(dotted)+7)
	out = append(out, "odinkv_"...)
	for i := 0; i < len(dotted); i++ {
		c := dotted[i]
		if c == '.' {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
