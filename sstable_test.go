package lsmkv

import (
	"fmt"
	"path/filepath"
	"testing"
)

func sampleKeyVersions(n int) []keyVersions {
	out := make([]keyVersions, n)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		out[i] = keyVersions{
			Key: key,
			Versions: []VersionedValue{
				{Seq: Seq(i + 1), Kind: KindPut, Value: []byte(fmt.Sprintf("value-%d", i))},
			},
		}
	}
	return out
}

func TestSSTableWriteAndGet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.sst")
	kvs := sampleKeyVersions(500)
	opts := Options{}.withDefaults()
	if err := WriteSSTable(path, kvs, opts); err != nil {
		t.Fatalf("write: %v", err)
	}

	sst, err := OpenSSTable(1, path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sst.Close()

	for _, kv := range kvs {
		v, ok, err := sst.Get(kv.Key, kv.Versions[0].Seq)
		if err != nil {
			t.Fatalf("get %s: %v", kv.Key, err)
		}
		if !ok || string(v) != string(kv.Versions[0].Value) {
			t.Fatalf("get %s: expected %s, got %s ok=%v", kv.Key, kv.Versions[0].Value, v, ok)
		}
	}

	if _, ok, err := sst.Get([]byte("does-not-exist"), 10000); err != nil || ok {
		t.Fatalf("expected miss for absent key, got ok=%v err=%v", ok, err)
	}
}

func TestSSTableBloomSkipsAbsentKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.sst")
	kvs := sampleKeyVersions(50)
	opts := Options{}.withDefaults()
	if err := WriteSSTable(path, kvs, opts); err != nil {
		t.Fatalf("write: %v", err)
	}
	sst, err := OpenSSTable(1, path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sst.Close()
	if sst.bloom.MaybeContains([]byte("definitely-not-present-zzz")) {
		t.Skip("bloom false positive for this probe key; not a failure")
	}
}

func TestSSTableRejectsDuplicateKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.sst")
	kvs := []keyVersions{
		{Key: []byte("a"), Versions: []VersionedValue{{Seq: 1, Kind: KindPut, Value: []byte("1")}}},
		{Key: []byte("a"), Versions: []VersionedValue{{Seq: 2, Kind: KindPut, Value: []byte("2")}}},
	}
	if err := WriteSSTable(path, kvs, Options{}.withDefaults()); err == nil {
		t.Fatalf("expected error for duplicate keys")
	}
}

func TestSSTableMultipleBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.sst")
	kvs := sampleKeyVersions(2000)
	opts := Options{}.withDefaults()
	opts.BlockSizeBytes = 256 // force many small blocks
	if err := WriteSSTable(path, kvs, opts); err != nil {
		t.Fatalf("write: %v", err)
	}
	sst, err := OpenSSTable(1, path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sst.Close()
	if len(sst.blockIndex) < 2 {
		t.Fatalf("expected multiple blocks, got %d", len(sst.blockIndex))
	}
	for _, kv := range kvs {
		if _, ok, err := sst.Get(kv.Key, kv.Versions[0].Seq); err != nil || !ok {
			t.Fatalf("get %s across block boundary failed: ok=%v err=%v", kv.Key, ok, err)
		}
	}
}

func TestSSTableVersionedGetResolvesBySnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.sst")
	kvs := []keyVersions{
		{Key: []byte("a"), Versions: []VersionedValue{
			{Seq: 5, Kind: KindDelete},
			{Seq: 3, Kind: KindPut, Value: []byte("v3")},
			{Seq: 1, Kind: KindPut, Value: []byte("v1")},
		}},
	}
	if err := WriteSSTable(path, kvs, Options{}.withDefaults()); err != nil {
		t.Fatalf("write: %v", err)
	}
	sst, err := OpenSSTable(1, path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sst.Close()

	if v, ok, _ := sst.Get([]byte("a"), 3); !ok || string(v) != "v3" {
		t.Fatalf("expected v3 at seq 3, got %s ok=%v", v, ok)
	}
	if v, ok, _ := sst.Get([]byte("a"), 2); !ok || string(v) != "v1" {
		t.Fatalf("expected v1 at seq 2, got %s ok=%v", v, ok)
	}
	if _, ok, _ := sst.Get([]byte("a"), 5); ok {
		t.Fatalf("expected tombstone to hide value at seq 5")
	}
}
