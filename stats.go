package lsmkv

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time snapshot of engine-scoped counters, the
// generalized, registry-backed replacement for the teacher's ArchiveStats
// (wal.go) — one struct per subsystem instead of WAL-only archive
// bookkeeping.
type Stats struct {
	PutCount         int64
	GetCount         int64
	DeleteCount      int64
	FlushCount       int64
	CompactionCount  int64
	WALSegments      int
	WALBytes         int64
	CacheHits        int64
	CacheMisses      int64
	ImmutableTables  int
	LiveSSTables     int
}

// engineStats holds the live counters Stats() reads from. Fields are
// plain atomics rather than a mutex-guarded struct since every update is
// an independent increment on the hot path.
type engineStats struct {
	puts        atomic.Int64
	gets        atomic.Int64
	deletes     atomic.Int64
	flushes     atomic.Int64
	compactions atomic.Int64
}

// registerMetrics wires the engine's counters into reg, per Design Notes
// §9: collectors are only ever registered against a caller-supplied
// registry, never prometheus.DefaultRegisterer.
func (s *engineStats) registerMetrics(reg *prometheus.Registry, namespace string) {
	if reg == nil {
		return
	}
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: "puts_total"}, func() float64 { return float64(s.puts.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: "gets_total"}, func() float64 { return float64(s.gets.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: "deletes_total"}, func() float64 { return float64(s.deletes.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: "flushes_total"}, func() float64 { return float64(s.flushes.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: "compactions_total"}, func() float64 { return float64(s.compactions.Load()) }),
	)
}
