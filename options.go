package lsmkv

import (
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncPolicy controls WAL durability vs. throughput tradeoffs.
type SyncPolicy int

const (
	// SyncAlways fsyncs the WAL after every append.
	SyncAlways SyncPolicy = iota
	// SyncBatch coalesces appends and fsyncs on an interval.
	SyncBatch
	// SyncNone never fsyncs explicitly; durability relies on the OS.
	SyncNone
)

const (
	DefaultFlushThresholdBytes = 16 * 1024 * 1024
	DefaultBlockSizeBytes      = 4096
	DefaultBloomBitsPerKey     = 10
	DefaultBloomHashCount      = 7
	DefaultCacheCapacityBlocks = 4096
	DefaultMaxImmutableTables  = 2
	DefaultLevelCount          = 7
	DefaultLevelSizeRatio      = 10
	DefaultL0CompactionTrigger = 4
	DefaultBatchSyncInterval   = 5 * time.Millisecond
	DefaultBackpressureDeadline = 5 * time.Second
)

// Options configures an Open call. Zero-valued fields fall back to the
// defaults above, mirroring the teacher's Config/NewWithConfig pattern.
type Options struct {
	SyncPolicy           SyncPolicy
	BatchSyncInterval    time.Duration
	FlushThresholdBytes  int64
	BlockSizeBytes       int
	BloomBitsPerKey      int
	BloomHashCount       int
	CacheCapacityBlocks  int
	CacheMultiLevel       bool
	MaxImmutableMemtables int
	Levels                int
	LevelSizeRatio        int
	L0CompactionTrigger   int
	BackpressureDeadline  time.Duration

	// Logger receives background-worker diagnostics, teacher-style
	// ("lsmkv: <message>"). Defaults to a stderr logger with the "lsmkv: "
	// prefix.
	Logger *log.Logger

	// MetricsRegistry, if non-nil, receives the engine's prometheus
	// collectors. Never registered against the global DefaultRegisterer.
	MetricsRegistry *prometheus.Registry
}

func (o Options) withDefaults() Options {
	if o.FlushThresholdBytes <= 0 {
		o.FlushThresholdBytes = DefaultFlushThresholdBytes
	}
	if o.BlockSizeBytes <= 0 {
		o.BlockSizeBytes = DefaultBlockSizeBytes
	}
	if o.BloomBitsPerKey <= 0 {
		o.BloomBitsPerKey = DefaultBloomBitsPerKey
	}
	if o.BloomHashCount <= 0 {
		o.BloomHashCount = DefaultBloomHashCount
	}
	if o.CacheCapacityBlocks <= 0 {
		o.CacheCapacityBlocks = DefaultCacheCapacityBlocks
	}
	if o.MaxImmutableMemtables <= 0 {
		o.MaxImmutableMemtables = DefaultMaxImmutableTables
	}
	if o.Levels <= 0 {
		o.Levels = DefaultLevelCount
	}
	if o.LevelSizeRatio <= 0 {
		o.LevelSizeRatio = DefaultLevelSizeRatio
	}
	if o.L0CompactionTrigger <= 0 {
		o.L0CompactionTrigger = DefaultL0CompactionTrigger
	}
	if o.BatchSyncInterval <= 0 {
		o.BatchSyncInterval = DefaultBatchSyncInterval
	}
	if o.BackpressureDeadline <= 0 {
		o.BackpressureDeadline = DefaultBackpressureDeadline
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "lsmkv: ", log.LstdFlags)
	}
	return o
}

// Tune applies a named performance preset, generalizing the teacher's
// runtime SetPerformanceMode into a startup-time, recovery-safe choice:
// changing block/bloom sizing on an already-open engine would invalidate
// the framing assumptions of blocks already written to disk.
func (o Options) Tune(mode string) Options {
	switch mode {
	case "throughput":
		o.FlushThresholdBytes = 64 * 1024 * 1024
		o.CacheCapacityBlocks = 16384
		o.MaxImmutableMemtables = 4
		o.SyncPolicy = SyncBatch
	case "footprint":
		o.FlushThresholdBytes = 4 * 1024 * 1024
		o.CacheCapacityBlocks = 512
		o.MaxImmutableMemtables = 1
	case "balanced":
		// defaults
	}
	return o
}
