package lsmkv

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// SSTable is an immutable, memory-mapped on-disk run, grounded on the
// teacher's SSTable/LoadSSTable (mmap-backed reads, bloom-then-index
// lookup) but generalized from single-value entries to per-key version
// lists and from a per-key index to the block index of spec.md §4.F.
type SSTable struct {
	ID         uint64
	path       string
	file       *os.File
	mmap       []byte
	blockIndex []blockIndexEntry
	bloom      *BloomFilter
	minKey     []byte
	maxKey     []byte
	cache      *BlockCache
}

// OpenSSTable memory-maps path and reconstructs its block index and bloom
// filter from the footer.
func OpenSSTable(id uint64, path string, cache *BlockCache) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapIo(err, "open sstable %s", path)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapIo(err, "stat sstable %s", path)
	}
	size := int(stat.Size())
	if size < sstableFooterSize {
		f.Close()
		return nil, errors.Wrapf(ErrCorruptBlock, "sstable %s: file too small for footer", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, wrapIo(err, "mmap sstable %s", path)
	}

	footer := data[size-sstableFooterSize:]
	blockIndexOffset := binary.LittleEndian.Uint64(footer[8:16])
	bloomOffset := binary.LittleEndian.Uint64(footer[16:24])

	if int(blockIndexOffset) > size || int(bloomOffset) > size {
		_ = unix.Munmap(data)
		f.Close()
		return nil, errors.Wrapf(ErrCorruptBlock, "sstable %s: offsets out of range", path)
	}

	blockIndex, err := decodeBlockIndex(data[blockIndexOffset:bloomOffset])
	if err != nil {
		_ = unix.Munmap(data)
		f.Close()
		return nil, err
	}

	bloom, err := UnmarshalBloomFilter(data[bloomOffset:size-sstableFooterSize], 0)
	if err != nil {
		_ = unix.Munmap(data)
		f.Close()
		return nil, err
	}

	sst := &SSTable{
		ID:         id,
		path:       path,
		file:       f,
		mmap:       data,
		blockIndex: blockIndex,
		bloom:      bloom,
		cache:      cache,
	}
	if len(blockIndex) > 0 {
		sst.minKey = blockIndex[0].FirstKey
		sst.maxKey = blockIndex[len(blockIndex)-1].LastKey
	}
	return sst, nil
}

func (sst *SSTable) Close() error {
	if err := unix.Munmap(sst.mmap); err != nil {
		return wrapIo(err, "munmap sstable %s", sst.path)
	}
	return sst.file.Close()
}

// blockAt decodes (or fetches from cache) the i-th data block.
func (sst *SSTable) blockAt(i int) ([]blockEntry, error) {
	key := BlockCacheKey{TableID: sst.ID, BlockID: uint32(i)}
	if sst.cache != nil {
		if raw, ok := sst.cache.Get(key); ok {
			entries, err := decodeBlock(raw)
			if err == nil {
				return entries, nil
			}
			sst.cache.Invalidate(key)
		}
	}
	idx := sst.blockIndex[i]
	raw := sst.mmap[idx.Offset : idx.Offset+uint64(idx.Size)]
	entries, err := decodeBlock(raw)
	if err != nil {
		return nil, err
	}
	if sst.cache != nil {
		sst.cache.Put(key, append([]byte(nil), raw...))
	}
	return entries, nil
}

// findBlock returns the index of the block whose key range may contain key,
// or -1 if key falls outside every block's range.
func (sst *SSTable) findBlock(key []byte) int {
	i := sort.Search(len(sst.blockIndex), func(i int) bool {
		return compareKeys(sst.blockIndex[i].LastKey, key) >= 0
	})
	if i >= len(sst.blockIndex) || compareKeys(sst.blockIndex[i].FirstKey, key) > 0 {
		return -1
	}
	return i
}

// Get returns the version of key visible at snapshotSeq, consulting the
// bloom filter before touching the block index (spec.md §4.F).
func (sst *SSTable) Get(key []byte, snapshotSeq Seq) ([]byte, bool, error) {
	if sst.minKey != nil && (compareKeys(key, sst.minKey) < 0 || compareKeys(key, sst.maxKey) > 0) {
		return nil, false, nil
	}
	if !sst.bloom.MaybeContains(key) {
		return nil, false, nil
	}
	bi := sst.findBlock(key)
	if bi < 0 {
		return nil, false, nil
	}
	entries, err := sst.blockAt(bi)
	if err != nil {
		return nil, false, err
	}
	j := sort.Search(len(entries), func(j int) bool {
		return compareKeys(entries[j].Key, key) >= 0
	})
	if j >= len(entries) || compareKeys(entries[j].Key, key) != 0 {
		return nil, false, nil
	}
	for _, v := range entries[j].Versions {
		if v.Seq <= snapshotSeq {
			if v.IsTombstone() {
				return nil, false, nil
			}
			return v.Value, true, nil
		}
	}
	return nil, false, nil
}

// AllEntries decodes every block in ascending key order, for use by the
// compactor's merging iterator. Errors from a single corrupt block abort
// the whole scan; compaction never operates on a partially-read input.
func (sst *SSTable) AllEntries() ([]blockEntry, error) {
	var out []blockEntry
	for i := range sst.blockIndex {
		entries, err := sst.blockAt(i)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}
