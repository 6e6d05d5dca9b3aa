package lsmkv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// Engine is the storage facade of spec.md §4.K: Open/Close, Put/Delete/Get,
// snapshot-bounded reads, and background flush/compaction workers.
// Grounded on the teacher's DB (velocity.go) — same shape (mutable active
// memtable behind a mutex, a WAL ahead of it, background compaction loop)
// generalized from a single always-on-disk level list into a full MVCC
// engine coordinating a Manifest, SnapshotRegistry and Compactor.
type Engine struct {
	dir  string
	opts Options

	mu        sync.RWMutex // guards active/immutable swaps
	active    *MemTable
	immutable []*MemTable

	wal      *WAL
	manifest *Manifest
	cache    *BlockCache
	snaps    *SnapshotRegistry
	stats    engineStats

	tables   map[uint64]*SSTable
	tablesMu sync.Mutex

	// flushMu serializes drainImmutables so a user-called Flush and the
	// background flushWorker can never both claim the same head-of-queue
	// memtable — without it both read e.immutable[0] before either slices
	// it off, flush it twice, and then each slice [1:] once, dropping a
	// different, never-flushed memtable from the list entirely.
	flushMu sync.Mutex

	lastSeq atomic.Uint64

	closing chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// Open recovers (or creates) an engine rooted at dir: loads the manifest,
// opens live SSTables, replays WAL segments newer than the manifest's
// durable watermark into a fresh memtable, and — if that memtable is
// non-empty — flushes it immediately before accepting writes, so a crash
// loop can never replay the same WAL record twice (spec.md §4.K recovery
// sequence).
func Open(dir string, opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, wrapIo(err, "mkdir %s", dir)
	}

	manifest, err := OpenManifest(dir, opts.Levels)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dir:      dir,
		opts:     opts,
		active:   NewMemTable(),
		manifest: manifest,
		cache:    newCacheFor(opts),
		snaps:    NewSnapshotRegistry(),
		tables:   make(map[uint64]*SSTable),
		closing:  make(chan struct{}),
	}
	e.cache.registerMetrics(opts.MetricsRegistry, "lsmkv")
	e.stats.registerMetrics(opts.MetricsRegistry, "lsmkv")

	v := manifest.Current()
	for _, level := range v.files {
		for _, fm := range level {
			path := filepath.Join(dir, fmt.Sprintf("%d.sst", fm.ID))
			sst, err := OpenSSTable(fm.ID, path, e.cache)
			if err != nil {
				return nil, errors.Wrapf(err, "open sstable %d", fm.ID)
			}
			e.tables[fm.ID] = sst
		}
	}

	if err := e.recoverWAL(); err != nil {
		return nil, err
	}

	wal, err := OpenWAL(dir, opts)
	if err != nil {
		return nil, err
	}
	e.wal = wal

	e.wg.Add(1)
	go e.backgroundLoop()

	return e, nil
}

func newCacheFor(opts Options) *BlockCache {
	if opts.CacheMultiLevel {
		return NewMultiLevelBlockCache(opts.CacheCapacityBlocks)
	}
	return NewBlockCache(opts.CacheCapacityBlocks)
}

// recoverWAL replays every WAL record newer than the manifest's durable
// seq watermark into the active memtable, then — since those records are
// not yet represented by any SSTable — flushes that memtable to disk. The
// replayed WAL segments are not truncated here: later replays skip their
// records because they sit at or below the manifest's LastSeq, and closed
// segments are removed by Compact's TruncateThrough.
func (e *Engine) recoverWAL() error {
	records, err := ReplayAll(filepath.Join(e.dir))
	if err != nil {
		return err
	}
	lastSeq := e.manifest.LastSeq()
	var replayed int
	for _, rec := range records {
		if rec.Seq <= lastSeq {
			continue
		}
		if rec.Kind == KindPut {
			_ = e.active.Put(rec.Key, rec.Value, rec.Seq)
		} else {
			_ = e.active.Delete(rec.Key, rec.Seq)
		}
		if rec.Seq > lastSeq {
			lastSeq = rec.Seq
		}
		replayed++
	}
	if e.lastSeq.Load() < lastSeq {
		e.lastSeq.Store(lastSeq)
	}
	if replayed == 0 {
		return nil
	}
	e.opts.Logger.Printf("wal replay restored %d records", replayed)
	if err := e.flushMemTable(e.active); err != nil {
		return err
	}
	e.active = NewMemTable()
	return nil
}

func (e *Engine) nextSeq() Seq {
	return e.lastSeq.Add(1)
}

// Put writes key=value, durable according to Options.SyncPolicy once this
// call returns.
func (e *Engine) Put(key, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrShutdown
	}
	seq := e.nextSeq()
	if err := e.wal.Append(Record{Seq: seq, Kind: KindPut, Key: key, Value: value}); err != nil {
		return err
	}
	e.stats.puts.Add(1)
	return e.putVersioned(key, value, seq, false)
}

// Delete writes a tombstone for key.
func (e *Engine) Delete(key []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrShutdown
	}
	seq := e.nextSeq()
	if err := e.wal.Append(Record{Seq: seq, Kind: KindDelete, Key: key}); err != nil {
		return err
	}
	e.stats.deletes.Add(1)
	return e.putVersioned(key, nil, seq, true)
}

func (e *Engine) putVersioned(key, value []byte, seq Seq, tombstone bool) error {
	if err := e.maybeBackpressure(); err != nil {
		return err
	}
	e.mu.RLock()
	active := e.active
	e.mu.RUnlock()

	var err error
	if tombstone {
		err = active.Delete(key, seq)
	} else {
		err = active.Put(key, value, seq)
	}
	if errors.Is(err, ErrShutdown) {
		// Lost the race with a concurrent freeze; retry against the new active table.
		e.mu.RLock()
		active = e.active
		e.mu.RUnlock()
		if tombstone {
			err = active.Delete(key, seq)
		} else {
			err = active.Put(key, value, seq)
		}
	}
	if err != nil {
		return err
	}
	if active.ApproximateSizeBytes() >= e.opts.FlushThresholdBytes {
		e.rotateMemTable()
	}
	return nil
}

// maybeBackpressure blocks new writers when too many immutable memtables
// are queued for flush, failing with ErrBackpressureTimeout past the
// configured deadline (spec.md §4.D/K).
func (e *Engine) maybeBackpressure() error {
	deadline := time.Now().Add(e.opts.BackpressureDeadline)
	for {
		e.mu.RLock()
		n := len(e.immutable)
		e.mu.RUnlock()
		if n < e.opts.MaxImmutableMemtables {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrBackpressureTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *Engine) rotateMemTable() {
	e.mu.Lock()
	if e.active.ApproximateSizeBytes() < e.opts.FlushThresholdBytes {
		e.mu.Unlock()
		return
	}
	e.active.Freeze()
	e.immutable = append(e.immutable, e.active)
	e.active = NewMemTable()
	e.mu.Unlock()
	_, _ = e.wal.Roll()
}

// Get returns the latest visible value for key.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	return e.GetAt(key, e.lastSeq.Load())
}

// GetAt resolves key as of a specific snapshot sequence, checking the
// active memtable, then queued immutables newest-first, then SSTables via
// Manifest.PickForRead (spec.md §4.K).
func (e *Engine) GetAt(key []byte, snapshotSeq Seq) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrShutdown
	}
	e.stats.gets.Add(1)

	e.mu.RLock()
	active := e.active
	immutables := append([]*MemTable(nil), e.immutable...)
	e.mu.RUnlock()

	if v, ok := active.Get(key, snapshotSeq); ok {
		return v, true, nil
	}
	for i := len(immutables) - 1; i >= 0; i-- {
		if v, ok := immutables[i].Get(key, snapshotSeq); ok {
			return v, true, nil
		}
	}

	v := e.manifest.Current()
	candidates := v.PickForRead(key)
	e.tablesMu.Lock()
	defer e.tablesMu.Unlock()
	for _, fm := range candidates {
		sst, ok := e.tables[fm.ID]
		if !ok {
			continue
		}
		val, ok, err := sst.Get(key, snapshotSeq)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return val, true, nil
		}
	}
	return nil, false, nil
}

// Snapshot pins the current sequence number for consistent reads across
// multiple calls; Release must be called exactly once when done.
func (e *Engine) Snapshot() (Seq, func()) {
	seq := e.lastSeq.Load()
	return seq, e.snaps.Acquire(seq)
}

// Scan returns every live key in [start, end) visible at snapshotSeq, in
// ascending order. A nil end means unbounded.
func (e *Engine) Scan(start, end []byte, snapshotSeq Seq) ([]ScanEntry, error) {
	e.mu.RLock()
	active := e.active
	immutables := append([]*MemTable(nil), e.immutable...)
	e.mu.RUnlock()

	var sources []*entrySource
	priority := 0

	toEntries := func(kvs []keyVersions) []blockEntry {
		out := make([]blockEntry, len(kvs))
		for i, kv := range kvs {
			out[i] = blockEntry{Key: kv.Key, Versions: kv.Versions}
		}
		return out
	}

	src := newEntrySource(toEntries(active.GetAllVersions()), priority)
	src.seekGE(start)
	sources = append(sources, src)
	priority++

	for i := len(immutables) - 1; i >= 0; i-- {
		src := newEntrySource(toEntries(immutables[i].GetAllVersions()), priority)
		src.seekGE(start)
		sources = append(sources, src)
		priority++
	}

	v := e.manifest.Current()
	e.tablesMu.Lock()
	for level := range v.files {
		files := v.files[level]
		for i := len(files) - 1; i >= 0; i-- {
			sst, ok := e.tables[files[i].ID]
			if !ok {
				continue
			}
			entries, err := sst.AllEntries()
			if err != nil {
				e.tablesMu.Unlock()
				return nil, err
			}
			src := newEntrySource(entries, priority)
			src.seekGE(start)
			sources = append(sources, src)
			priority++
		}
	}
	e.tablesMu.Unlock()

	it := NewMergeIterator(sources)
	return CollectRange(it, start, end, snapshotSeq), nil
}

// Flush forces the active memtable to an SSTable synchronously, for tests
// and explicit checkpoints.
func (e *Engine) Flush() error {
	e.mu.Lock()
	if e.active.Count() == 0 {
		e.mu.Unlock()
		return nil
	}
	e.active.Freeze()
	e.immutable = append(e.immutable, e.active)
	e.active = NewMemTable()
	e.mu.Unlock()
	if _, err := e.wal.Roll(); err != nil {
		return err
	}
	return e.drainImmutables()
}

func (e *Engine) drainImmutables() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	for {
		e.mu.Lock()
		if len(e.immutable) == 0 {
			e.mu.Unlock()
			return nil
		}
		mt := e.immutable[0]
		e.mu.Unlock()
		if err := e.flushMemTable(mt); err != nil {
			return err
		}
		e.mu.Lock()
		e.immutable = e.immutable[1:]
		e.mu.Unlock()
	}
}

func (e *Engine) flushMemTable(mt *MemTable) error {
	kvs := mt.GetAllVersions()
	if len(kvs) == 0 {
		mt.MarkFlushed()
		return nil
	}
	id := e.manifest.AllocFileNum()
	path := filepath.Join(e.dir, fmt.Sprintf("%d.sst", id))
	if err := WriteSSTable(path, kvs, e.opts); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return wrapIo(err, "stat flushed sstable %s", path)
	}
	sst, err := OpenSSTable(id, path, e.cache)
	if err != nil {
		return err
	}

	var maxSeq Seq
	for _, kv := range kvs {
		for _, v := range kv.Versions {
			if v.Seq > maxSeq {
				maxSeq = v.Seq
			}
		}
	}

	fm := fileMeta{ID: id, Level: 0, MinKey: kvs[0].Key, MaxKey: kvs[len(kvs)-1].Key, NumBytes: info.Size()}
	// LastSeq records the highest seq durably represented in an SSTable so
	// far, used by recovery to skip WAL records already flushed — it must
	// track this memtable's own max seq, not the engine's live write
	// counter, since concurrent writers may already be past it in the
	// active memtable that hasn't flushed yet.
	if maxSeq < e.manifest.LastSeq() {
		maxSeq = e.manifest.LastSeq()
	}
	if err := e.manifest.Install(versionEdit{AddedFiles: []fileMeta{fm}, LastSeq: maxSeq}); err != nil {
		_ = sst.Close()
		return err
	}

	e.tablesMu.Lock()
	e.tables[id] = sst
	e.tablesMu.Unlock()

	mt.MarkFlushed()
	e.stats.flushes.Add(1)
	return nil
}

// Compact runs one compaction step if the current version qualifies,
// bounded by the live snapshot floor so no version a reader can still see
// is discarded.
func (e *Engine) Compact() error {
	comp := NewCompactor(e.dir, e.manifest, e.cache, e.opts, func() map[uint64]*SSTable {
		e.tablesMu.Lock()
		defer e.tablesMu.Unlock()
		return e.tables
	})
	level := comp.PickCompaction()
	if level < 0 {
		return nil
	}
	minLiveSeq := e.snaps.MinLiveSeq(e.lastSeq.Load())
	if err := comp.CompactLevel(level, minLiveSeq); err != nil {
		return err
	}
	e.stats.compactions.Add(1)
	return e.wal.TruncateThrough(e.manifest.LastSeq())
}

// backgroundLoop drains immutable memtables and runs compaction on a
// fixed interval, grounded on the teacher's compactionLoop (velocity.go)
// but bounded by a context-cancelable errgroup instead of a bare ticker
// goroutine with no shutdown signal.
func (e *Engine) backgroundLoop() {
	defer e.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.closing
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.flushWorker(ctx) })
	g.Go(func() error { return e.compactionWorker(ctx) })
	_ = g.Wait()
}

func (e *Engine) flushWorker(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.drainImmutables(); err != nil {
				e.opts.Logger.Printf("flush worker: %v", err)
			}
		}
	}
}

func (e *Engine) compactionWorker(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Compact(); err != nil {
				e.opts.Logger.Printf("compaction worker: %v", err)
			}
		}
	}
}

// Stats returns a point-in-time snapshot of engine counters.
func (e *Engine) Stats() Stats {
	segs, _ := listWalSegments(e.dir)
	var walBytes int64
	for _, s := range segs {
		if info, err := os.Stat(filepath.Join(e.dir, walSegmentName(s))); err == nil {
			walBytes += info.Size()
		}
	}
	e.tablesMu.Lock()
	liveTables := len(e.tables)
	e.tablesMu.Unlock()
	e.mu.RLock()
	immutables := len(e.immutable)
	e.mu.RUnlock()
	return Stats{
		PutCount:        e.stats.puts.Load(),
		GetCount:        e.stats.gets.Load(),
		DeleteCount:     e.stats.deletes.Load(),
		FlushCount:      e.stats.flushes.Load(),
		CompactionCount: e.stats.compactions.Load(),
		WALSegments:     len(segs),
		WALBytes:        walBytes,
		CacheHits:       e.cache.HitCount(),
		CacheMisses:     e.cache.MissCount(),
		ImmutableTables: immutables,
		LiveSSTables:    liveTables,
	}
}

// Close flushes outstanding memtables, stops background workers, and
// releases all file handles.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.closing)
	e.wg.Wait()

	if err := e.Flush(); err != nil {
		e.opts.Logger.Printf("close: flush failed: %v", err)
	}

	var firstErr error
	e.tablesMu.Lock()
	for _, sst := range e.tables {
		if err := sst.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.tablesMu.Unlock()

	if err := e.manifest.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
