package lsmkv

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// sstableFormatMarker distinguishes on-disk layouts; bumped whenever the
// block or footer framing changes shape.
const sstableFormatMarker uint32 = 1

// sstableFooterSize is the fixed-width trailer spec.md §6 describes:
// {data_start_offset, block_index_offset, bloom_offset, format_marker}.
const sstableFooterSize = 8 + 8 + 8 + 4

// WriteSSTable persists keyVersions (already merged, strictly ascending by
// key, one entry per key) as a new SSTable at path: data grouped into
// ~BlockSizeBytes blocks, a block index for binary search, and a rolling
// bloom filter over every key, closed by the fixed footer. Grounded on the
// teacher's NewSSTable (temp-file-then-atomic-rename, bloom-then-index
// layout) but restructured from one index entry per key into block
// grouping, and from AEAD-encrypted single-value entries into per-key
// version lists, per spec.md §4.E.
func WriteSSTable(path string, keyVersions []keyVersions, opts Options) error {
	sort.Slice(keyVersions, func(i, j int) bool {
		return compareKeys(keyVersions[i].Key, keyVersions[j].Key) < 0
	})
	for i := 1; i < len(keyVersions); i++ {
		if compareKeys(keyVersions[i-1].Key, keyVersions[i].Key) == 0 {
			return errors.Wrapf(ErrInvalidInput, "sstable: duplicate key %x", keyVersions[i].Key)
		}
	}

	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, filepath.Base(path)+".tmp."+uuid.NewString())
	f, err := os.Create(tmpPath)
	if err != nil {
		return wrapIo(err, "create sstable temp file")
	}
	defer func() { _ = os.Remove(tmpPath) }()

	bloom := NewBloomFilter(len(keyVersions), opts.BloomBitsPerKey, opts.BloomHashCount)

	var blockIndex []blockIndexEntry
	var pending []blockEntry
	pendingSize := 0
	var offset uint64

	flushBlock := func() error {
		if len(pending) == 0 {
			return nil
		}
		encoded := encodeBlock(pending)
		if _, err := f.Write(encoded); err != nil {
			return wrapIo(err, "write sstable block")
		}
		blockIndex = append(blockIndex, blockIndexEntry{
			FirstKey:   pending[0].Key,
			LastKey:    pending[len(pending)-1].Key,
			Offset:     offset,
			Size:       uint32(len(encoded)),
			EntryCount: uint32(len(pending)),
		})
		offset += uint64(len(encoded))
		pending = nil
		pendingSize = 0
		return nil
	}

	targetBlockSize := int(opts.BlockSizeBytes)
	if targetBlockSize <= 0 {
		targetBlockSize = DefaultBlockSizeBytes
	}

	for _, kv := range keyVersions {
		bloom.Add(kv.Key)
		entry := blockEntry{Key: kv.Key, Versions: kv.Versions}
		entrySize := len(kv.Key) + 8
		for _, v := range kv.Versions {
			entrySize += 13 + len(v.Value)
		}
		if pendingSize > 0 && pendingSize+entrySize > targetBlockSize {
			if err := flushBlock(); err != nil {
				return err
			}
		}
		pending = append(pending, entry)
		pendingSize += entrySize
	}
	if err := flushBlock(); err != nil {
		return err
	}

	blockIndexOffset := offset
	blockIndexBytes := encodeBlockIndex(blockIndex)
	if _, err := f.Write(blockIndexBytes); err != nil {
		return wrapIo(err, "write sstable block index")
	}
	offset += uint64(len(blockIndexBytes))

	bloomOffset := offset
	bloomBytes := bloom.Marshal()
	if _, err := f.Write(bloomBytes); err != nil {
		return wrapIo(err, "write sstable bloom")
	}
	offset += uint64(len(bloomBytes))

	footer := make([]byte, sstableFooterSize)
	binary.LittleEndian.PutUint64(footer[0:8], 0)
	binary.LittleEndian.PutUint64(footer[8:16], blockIndexOffset)
	binary.LittleEndian.PutUint64(footer[16:24], bloomOffset)
	binary.LittleEndian.PutUint32(footer[24:28], sstableFormatMarker)
	if _, err := f.Write(footer); err != nil {
		return wrapIo(err, "write sstable footer")
	}

	if err := f.Sync(); err != nil {
		return wrapIo(err, "fsync sstable")
	}
	if err := f.Close(); err != nil {
		return wrapIo(err, "close sstable")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return wrapIo(err, "rename sstable into place")
	}
	return nil
}
