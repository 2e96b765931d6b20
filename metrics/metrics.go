// Package metrics collects prometheus counters of all block caches of a process.
// The counters are always updated, Register makes them visible in Registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "blockcache"
	subsystem = "disk"
)

var (
	blockHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "block_hits_total",
		Help:      "Blocks served from a cache file.",
	})

	blockMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "block_misses_total",
		Help:      "Missing blocks that were fetched from the source.",
	})

	blocksPopulated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "blocks_populated_total",
		Help:      "Blocks written into a cache file.",
	})

	blocksEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "blocks_evicted_total",
		Help:      "Blocks removed from a cache file to free a slot.",
	})

	rebalances = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "generation_rebalances_total",
		Help:      "Generation counter overflows.",
	})

	sourceBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "source_read_bytes_total",
		Help:      "Bytes read from backing sources to populate caches.",
	})

	ioErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "io_errors_total",
		Help:      "Failed cache file operations. Broken down by operation.",
	}, []string{"op"})

	openCaches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "open_caches",
		Help:      "Cache files that are currently in use.",
	})
)

var register sync.Once

// Registry contains all counters after Register was called.
var Registry *prometheus.Registry

// Register registers metrics. This is always called only once.
func Register() *prometheus.Registry {
	register.Do(func() {
		Registry = prometheus.NewRegistry()
		Registry.MustRegister(blockHits, blockMisses, blocksPopulated, blocksEvicted,
			rebalances, sourceBytes, ioErrors, openCaches)
	})
	return Registry
}

// Export writes all registered metrics to a file in the prometheus text format.
func Export(file string) error {
	return prometheus.WriteToTextfile(file, Register())
}

func BlockHit() {
	blockHits.Inc()
}

func BlockMiss() {
	blockMisses.Inc()
}

func BlockPopulated() {
	blocksPopulated.Inc()
}

func BlockEvicted() {
	blocksEvicted.Inc()
}

func Rebalanced() {
	rebalances.Inc()
}

func SourceRead(n int) {
	if n > 0 {
		sourceBytes.Add(float64(n))
	}
}

// IOError counts a failed cache file operation (read, write, flush, ...).
func IOError(op string) {
	ioErrors.WithLabelValues(op).Inc()
}

func CacheOpened() {
	openCaches.Inc()
}

func CacheClosed() {
	openCaches.Dec()
}
