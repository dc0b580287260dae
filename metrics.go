package torrent

import "github.com/prometheus/client_golang/prometheus"

// This file wires spec.md §4.12 (C12)'s counters into Prometheus, giving
// the client-wide Counters (client.go) and the debug-only chunk-receipt
// breakdown (peer.go's debugMetricsEnabled-gated ChunksReceived.Add calls)
// a real metrics backend instead of an expvar map, matching the
// prometheus/client_golang dependency already in the stack.

// labeledCounter adapts a CounterVec to the single-label
// `thing.Add("reason", 1)` call shape peer.go already uses.
type labeledCounter struct {
	vec *prometheus.CounterVec
}

func newLabeledCounter(name, help, labelName string) labeledCounter {
	return labeledCounter{vec: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: help,
	}, []string{labelName})}
}

func (c labeledCounter) Add(label string, n int) {
	c.vec.WithLabelValues(label).Add(float64(n))
}

// gaugeCounter adapts a Gauge to a bare `thing.Add(n)` call shape.
type gaugeCounter struct {
	g prometheus.Gauge
}

func newGaugeCounter(name, help string) gaugeCounter {
	return gaugeCounter{g: prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})}
}

func (c gaugeCounter) Add(n int) {
	c.g.Add(float64(n))
}

var (
	// ChunksReceived breaks down every chunk arrival by disposition
	// (total, while choked, unexpected, ...), gated behind
	// debugMetricsEnabled since it's a diagnostic, not a hot-path counter.
	ChunksReceived = newLabeledCounter(
		"nimblepeer_torrent_chunks_received_total",
		"Chunks received from peers, broken down by disposition.",
		"reason",
	)

	// concurrentChunkWrites tracks how many Torrent.writeChunk calls are in
	// flight at once, across all peers sharing the client lock.
	concurrentChunkWrites = newGaugeCounter(
		"nimblepeer_torrent_concurrent_chunk_writes",
		"Number of chunk writes to storage currently in flight.",
	)

	// torrent is the catch-all debug counter map, standing in for the
	// teacher's package-level expvar.Map of the same name (also named
	// "torrent", e.g. its "written keepalives" key) with a Prometheus
	// backend instead.
	torrent = newLabeledCounter(
		"nimblepeer_torrent_debug_total",
		"Miscellaneous debug counters, broken down by name.",
		"name",
	)
)

// MetricsRegistry returns the counters above registered on a fresh
// registry, for an embedding application to expose on its own /metrics
// endpoint.
func MetricsRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(ChunksReceived.vec, concurrentChunkWrites.g, torrent.vec)
	return r
}
