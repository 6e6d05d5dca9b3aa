package lsmkv

import (
	"container/heap"
	"sort"
)

// entrySource is a cursor over an ascending-by-key, already-materialized
// run of entries — either a memtable's GetAllVersions() or an SSTable's
// AllEntries(). Grounded on the teacher's SSTableIterator (a single cursor
// advanced by Next/Entry) but operating over version lists rather than
// single values.
type entrySource struct {
	entries  []blockEntry
	pos      int
	priority int // lower value wins key ties (newer source)
}

func newEntrySource(entries []blockEntry, priority int) *entrySource {
	return &entrySource{entries: entries, priority: priority}
}

func (s *entrySource) valid() bool { return s.pos < len(s.entries) }
func (s *entrySource) key() []byte { return s.entries[s.pos].Key }
func (s *entrySource) versions() []VersionedValue {
	return s.entries[s.pos].Versions
}
func (s *entrySource) advance() { s.pos++ }

// seekGE moves the cursor to the first entry with key >= target.
func (s *entrySource) seekGE(target []byte) {
	s.pos = sort.Search(len(s.entries), func(i int) bool {
		return compareKeys(s.entries[i].Key, target) >= 0
	})
}

// sourceHeap is a container/heap min-heap over currently-valid sources,
// ordered by current key then by source priority — grounded on the
// teacher's NewMergedIterator (velocity.go), rebuilt over container/heap
// instead of a linear min-scan so merging N sources costs O(log N) per
// step rather than O(N).
type sourceHeap []*entrySource

func (h sourceHeap) Len() int { return len(h) }
func (h sourceHeap) Less(i, j int) bool {
	c := compareKeys(h[i].key(), h[j].key())
	if c != 0 {
		return c < 0
	}
	return h[i].priority < h[j].priority
}
func (h sourceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x interface{}) { *h = append(*h, x.(*entrySource)) }
func (h *sourceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeIterator yields, in ascending key order, one merged entry per
// distinct key across all sources: every source carrying that key
// contributes its versions, combined newest-seq-first. Used both for
// snapshot-bounded scans (Engine.Scan) and for compaction, which needs the
// full version list rather than a single resolved value.
type MergeIterator struct {
	h         sourceHeap
	curKey    []byte
	curVers   []VersionedValue
	exhausted bool
}

// NewMergeIterator builds an iterator over sources, which should be
// ordered newest-first (memtables before SSTables, L0 newest-file-first
// before older levels) so that priority ties resolve correctly.
func NewMergeIterator(sources []*entrySource) *MergeIterator {
	h := make(sourceHeap, 0, len(sources))
	for _, s := range sources {
		if s.valid() {
			h = append(h, s)
		}
	}
	heap.Init(&h)
	return &MergeIterator{h: h}
}

// Next advances to the next distinct key, merging versions from every
// source positioned there. Returns false once all sources are exhausted.
func (m *MergeIterator) Next() bool {
	if m.h.Len() == 0 {
		m.exhausted = true
		return false
	}
	first := m.h[0]
	key := append([]byte(nil), first.key()...)
	var versions []VersionedValue

	for m.h.Len() > 0 && compareKeys(m.h[0].key(), key) == 0 {
		src := m.h[0]
		versions = append(versions, src.versions()...)
		src.advance()
		if src.valid() {
			heap.Fix(&m.h, 0)
		} else {
			heap.Pop(&m.h)
		}
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].Seq > versions[j].Seq })
	m.curKey = key
	m.curVers = versions
	return true
}

func (m *MergeIterator) Key() []byte               { return m.curKey }
func (m *MergeIterator) Versions() []VersionedValue { return m.curVers }

// ValueAt resolves the version visible at snapshotSeq from the current
// merged entry: the greatest-seq version with seq <= snapshotSeq. ok is
// false if that version is a tombstone or doesn't exist.
func (m *MergeIterator) ValueAt(snapshotSeq Seq) (value []byte, ok bool) {
	for _, v := range m.curVers {
		if v.Seq <= snapshotSeq {
			if v.IsTombstone() {
				return nil, false
			}
			return v.Value, true
		}
	}
	return nil, false
}

// ScanEntry is one resolved (key, value) pair yielded by a bounded scan.
type ScanEntry struct {
	Key   []byte
	Value []byte
}

// CollectRange drains the iterator, resolving each key at snapshotSeq and
// keeping only those within [start, end) (end == nil means unbounded),
// skipping keys with no value visible at snapshotSeq. Sources must already
// be seeked to start.
func CollectRange(it *MergeIterator, start, end []byte, snapshotSeq Seq) []ScanEntry {
	var out []ScanEntry
	for it.Next() {
		if end != nil && compareKeys(it.Key(), end) >= 0 {
			break
		}
		if v, ok := it.ValueAt(snapshotSeq); ok {
			out = append(out, ScanEntry{Key: it.Key(), Value: v})
		}
	}
	return out
}
