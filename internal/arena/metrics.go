package arena

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a Prometheus collector for one Allocator. The core never
// starts its own scrape server (out of scope, §6) — a host process
// registers this with its own registry if it wants the data.
//
// chunksPerBand/bytesUsed/bytesCapacity are gauges recomputed lazily:
// rather than pepper the allocate/free hot path with Set calls, Collect
// pulls a fresh AllocatorStats snapshot from source the moment a scrape
// actually happens, the same way prometheus.GaugeFunc works.
type Metrics struct {
	chunksPerBand *prometheus.GaugeVec
	bytesUsed     prometheus.Gauge
	bytesCapacity prometheus.Gauge
	allocations   *prometheus.CounterVec
	allocFailures prometheus.Counter

	source func() AllocatorStats
}

// attachSource wires Metrics to the Allocator it is measuring so Collect
// can pull a live snapshot. Called once from Allocator.New.
func (m *Metrics) attachSource(source func() AllocatorStats) {
	m.source = source
}

// NewMetrics builds an unregistered Metrics instance under namespace.
// Its gauges sum over all arenas; no metric carries an arena label.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		chunksPerBand: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arena",
			Name:      "chunks_per_band",
			Help:      "Number of chunks currently occupying each utilization band, summed across all arenas.",
		}, []string{"band"}),
		bytesUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arena",
			Name:      "bytes_used",
			Help:      "Total bytes currently allocated across all arenas.",
		}),
		bytesCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arena",
			Name:      "bytes_capacity",
			Help:      "Total bytes of the pooled chunks currently held across all arenas.",
		}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arena",
			Name:      "allocations_total",
			Help:      "Allocations served, partitioned by class (tiny/small/normal/huge).",
		}, []string{"class"}),
		allocFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arena",
			Name:      "allocation_failures_total",
			Help:      "Allocations that failed because the chunk budget was exhausted.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.chunksPerBand.Describe(ch)
	ch <- m.bytesUsed.Desc()
	ch <- m.bytesCapacity.Desc()
	m.allocations.Describe(ch)
	ch <- m.allocFailures.Desc()
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m.source != nil {
		stats := m.source()
		m.bytesUsed.Set(float64(stats.BytesUsed))
		m.bytesCapacity.Set(float64(stats.BytesCapacity))
		for band, n := range stats.ChunksPerBand {
			m.chunksPerBand.WithLabelValues(band).Set(float64(n))
		}
	}
	m.chunksPerBand.Collect(ch)
	ch <- m.bytesUsed
	ch <- m.bytesCapacity
	m.allocations.Collect(ch)
	ch <- m.allocFailures
}

var _ prometheus.Collector = (*Metrics)(nil)
