package lsmkv

import "testing"

func TestEncodeDecodeBlockRoundTrip(t *testing.T) {
	entries := []blockEntry{
		{Key: []byte("a"), Versions: []VersionedValue{{Seq: 3, Kind: KindPut, Value: []byte("v3")}, {Seq: 1, Kind: KindPut, Value: []byte("v1")}}},
		{Key: []byte("b"), Versions: []VersionedValue{{Seq: 2, Kind: KindDelete}}},
	}
	raw := encodeBlock(entries)
	decoded, err := decodeBlock(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(decoded))
	}
	if string(decoded[0].Key) != "a" || len(decoded[0].Versions) != 2 {
		t.Fatalf("entry 0 mismatch: %+v", decoded[0])
	}
	if decoded[0].Versions[0].Seq != 3 || string(decoded[0].Versions[0].Value) != "v3" {
		t.Fatalf("version 0 mismatch: %+v", decoded[0].Versions[0])
	}
	if decoded[0].Versions[1].Seq != 1 || string(decoded[0].Versions[1].Value) != "v1" {
		t.Fatalf("version 1 mismatch: %+v", decoded[0].Versions[1])
	}
	if !decoded[1].Versions[0].IsTombstone() {
		t.Fatalf("expected entry 1 to be a tombstone")
	}
}

func TestDecodeBlockDetectsChecksumMismatch(t *testing.T) {
	entries := []blockEntry{{Key: []byte("a"), Versions: []VersionedValue{{Seq: 1, Kind: KindPut, Value: []byte("v")}}}}
	raw := encodeBlock(entries)
	raw[len(raw)-1] ^= 0xFF // flip a byte inside the body
	if _, err := decodeBlock(raw); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}

func TestEncodeDecodeBlockIndexRoundTrip(t *testing.T) {
	entries := []blockIndexEntry{
		{FirstKey: []byte("a"), LastKey: []byte("c"), Offset: 0, Size: 100, EntryCount: 3},
		{FirstKey: []byte("d"), LastKey: []byte("f"), Offset: 100, Size: 80, EntryCount: 2},
	}
	raw := encodeBlockIndex(entries)
	decoded, err := decodeBlockIndex(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 || decoded[1].Offset != 100 || decoded[1].EntryCount != 2 {
		t.Fatalf("unexpected decode result: %+v", decoded)
	}
}
