package lsmkv

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// BloomFilter is a fixed-size bit array with k independent hashes, grounded
// on the teacher's filter.go (same double-hashing scheme: bit = (h1 + i*h2)
// % size) but hashed with xxhash instead of the teacher's hand-rolled,
// unsafe-pointer-based fastHash.
type BloomFilter struct {
	bits []uint64
	size uint64
	k    uint64
}

// NewBloomFilter sizes a filter for expectedKeys items at bitsPerKey bits
// each, using k hash probes. Defaults (10 bits/key, k=7) keep the false
// positive rate under ~1%.
func NewBloomFilter(expectedKeys int, bitsPerKey int, k int) *BloomFilter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	if bitsPerKey <= 0 {
		bitsPerKey = DefaultBloomBitsPerKey
	}
	if k <= 0 {
		k = DefaultBloomHashCount
	}
	size := uint64(expectedKeys * bitsPerKey)
	if size == 0 {
		size = 64
	}
	return &BloomFilter{
		bits: make([]uint64, (size+63)/64),
		size: size,
		k:    uint64(k),
	}
}

// bloomSeed salts the second hash so it isn't just a bit-shifted copy of the
// first — h2 derived from h1 (e.g. h1>>1) stays strongly correlated with it,
// which concentrates the k probes into far fewer than k distinct bits and
// pushes the real false-positive rate well above the nominal one for the
// configured bits/key and k.
const bloomSeed = 0x9e3779b97f4a7c15

func (bf *BloomFilter) hashPair(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)
	d := xxhash.NewWithSeed(bloomSeed)
	_, _ = d.Write(key)
	h2 := d.Sum64()
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.hashPair(key)
	for i := uint64(0); i < bf.k; i++ {
		bit := (h1 + i*h2) % bf.size
		bf.bits[bit/64] |= 1 << (bit % 64)
	}
}

// MaybeContains returns false only when key is definitely absent.
func (bf *BloomFilter) MaybeContains(key []byte) bool {
	h1, h2 := bf.hashPair(key)
	for i := uint64(0); i < bf.k; i++ {
		bit := (h1 + i*h2) % bf.size
		if bf.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Marshal serializes the filter for the SSTable trailer: size, k, then the
// bit words, all little-endian.
func (bf *BloomFilter) Marshal() []byte {
	buf := make([]byte, 16+len(bf.bits)*8)
	binary.LittleEndian.PutUint64(buf[0:8], bf.size)
	binary.LittleEndian.PutUint64(buf[8:16], bf.k)
	for i, word := range bf.bits {
		binary.LittleEndian.PutUint64(buf[16+i*8:16+(i+1)*8], word)
	}
	return buf
}

// UnmarshalBloomFilter reconstructs a filter from its trailer bytes,
// checking that the encoded size agrees with the expected footer metadata.
func UnmarshalBloomFilter(data []byte, expectedSize uint64) (*BloomFilter, error) {
	if len(data) < 16 {
		return nil, ErrCorruptBloom
	}
	size := binary.LittleEndian.Uint64(data[0:8])
	k := binary.LittleEndian.Uint64(data[8:16])
	wantWords := int((size + 63) / 64)
	if expectedSize != 0 && size != expectedSize {
		return nil, ErrCorruptBloom
	}
	if len(data) != 16+wantWords*8 {
		return nil, ErrCorruptBloom
	}
	bits := make([]uint64, wantWords)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(data[16+i*8 : 16+(i+1)*8])
	}
	return &BloomFilter{bits: bits, size: size, k: k}, nil
}
