package lsmkv

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/semaphore"
)

// Compactor runs leveled compaction per spec.md §4.H: L0 compacts once it
// accumulates L0CompactionTrigger files, Ln compacts into Ln+1 once its
// total size exceeds LevelSizeRatio times Ln+1's. Grounded on the teacher's
// performCompaction/compactLevel (velocity.go), generalized from a
// whole-level-at-a-time merge with a single hardcoded ratio into a
// multi-level policy that also enforces min-live-seq retention and
// bottom-level tombstone elision.
type Compactor struct {
	dir      string
	manifest *Manifest
	cache    *BlockCache
	opts     Options
	sem      *semaphore.Weighted
	sstables func() map[uint64]*SSTable
}

func NewCompactor(dir string, manifest *Manifest, cache *BlockCache, opts Options, openTables func() map[uint64]*SSTable) *Compactor {
	return &Compactor{
		dir:      dir,
		manifest: manifest,
		cache:    cache,
		opts:     opts,
		sem:      semaphore.NewWeighted(1),
		sstables: openTables,
	}
}

// PickCompaction chooses the next level to compact, or -1 if nothing
// qualifies: L0 once it has L0CompactionTrigger files (they may overlap, so
// the whole level is always folded in together), otherwise the first level
// whose size exceeds LevelSizeRatio times the next level's.
func (c *Compactor) PickCompaction() int {
	v := c.manifest.Current()
	if len(v.files) > 0 && len(v.files[0]) >= c.opts.L0CompactionTrigger {
		return 0
	}
	for level := 1; level < len(v.files)-1; level++ {
		size := levelSize(v.files[level])
		nextSize := levelSize(v.files[level+1])
		if nextSize == 0 {
			nextSize = 1
		}
		if float64(size) > float64(c.opts.LevelSizeRatio)*float64(nextSize) {
			return level
		}
	}
	return -1
}

func levelSize(files []fileMeta) int64 {
	var total int64
	for _, f := range files {
		total += f.NumBytes
	}
	return total
}

// CompactLevel merges level and level+1 into new level+1 files, durably
// installing the manifest edit before physically removing the inputs (the
// fsync-then-unlink ordering decided in SPEC_FULL.md). Only one compaction
// runs at a time (the teacher serializes on db.mutex for the same reason).
func (c *Compactor) CompactLevel(level int, minLiveSeq Seq) error {
	if !c.sem.TryAcquire(1) {
		return nil // a compaction is already in flight
	}
	defer c.sem.Release(1)

	v := c.manifest.Current()
	if level+1 >= len(v.files) {
		return nil
	}
	inputs := append(append([]fileMeta{}, v.files[level]...), v.files[level+1]...)
	if len(inputs) == 0 {
		return nil
	}
	bottomLevel := level+1 == c.opts.Levels-1

	tables := c.sstables()
	sources := make([]*entrySource, 0, len(inputs))
	for i, fm := range inputs {
		sst, ok := tables[fm.ID]
		if !ok {
			return fmt.Errorf("lsmkv: compaction input %d not open", fm.ID)
		}
		entries, err := sst.AllEntries()
		if err != nil {
			return err
		}
		sources = append(sources, newEntrySource(entries, i))
	}

	merged := NewMergeIterator(sources)

	var output []keyVersions
	for merged.Next() {
		versions := retainVersions(merged.Versions(), minLiveSeq, bottomLevel)
		if len(versions) == 0 {
			continue
		}
		output = append(output, keyVersions{Key: merged.Key(), Versions: versions})
	}

	var added []fileMeta
	const batchSize = 50000
	for i := 0; i < len(output); i += batchSize {
		end := i + batchSize
		if end > len(output) {
			end = len(output)
		}
		batch := output[i:end]
		id := c.manifest.AllocFileNum()
		path := filepath.Join(c.dir, fmt.Sprintf("%d.sst", id))
		if err := WriteSSTable(path, batch, c.opts); err != nil {
			return err
		}
		info, err := os.Stat(path)
		if err != nil {
			return wrapIo(err, "stat compacted sstable %s", path)
		}
		added = append(added, fileMeta{
			ID:       id,
			Level:    level + 1,
			MinKey:   batch[0].Key,
			MaxKey:   batch[len(batch)-1].Key,
			NumBytes: info.Size(),
		})
	}

	removed := make([]uint64, 0, len(inputs))
	for _, fm := range inputs {
		removed = append(removed, fm.ID)
	}

	if err := c.manifest.Install(versionEdit{AddedFiles: added, RemovedFiles: removed}); err != nil {
		return err
	}

	for _, fm := range inputs {
		if sst, ok := tables[fm.ID]; ok {
			_ = sst.Close()
			delete(tables, fm.ID)
		}
		_ = os.Remove(filepath.Join(c.dir, fmt.Sprintf("%d.sst", fm.ID)))
	}
	for _, fm := range added {
		sst, err := OpenSSTable(fm.ID, filepath.Join(c.dir, fmt.Sprintf("%d.sst", fm.ID)), c.cache)
		if err != nil {
			return err
		}
		tables[fm.ID] = sst
	}
	return nil
}

// retainVersions applies spec.md §4.H's retention policy: a version below
// minLiveSeq that is shadowed by a newer surviving version may be dropped,
// since no live snapshot can see it. Per the Open Question decision,
// tombstones themselves are only dropped (elided) at the bottom level, and
// only once no older version remains beneath them.
func retainVersions(versions []VersionedValue, minLiveSeq Seq, bottomLevel bool) []VersionedValue {
	if len(versions) == 0 {
		return nil
	}
	var out []VersionedValue
	for _, v := range versions {
		out = append(out, v)
		if v.Seq <= minLiveSeq {
			// Every version below this one is invisible to any live
			// snapshot; keep this one (it's still the answer for seq <=
			// minLiveSeq) and drop the rest.
			break
		}
	}
	if bottomLevel && len(out) == 1 && out[0].IsTombstone() && out[0].Seq <= minLiveSeq {
		return nil
	}
	return out
}
