package lsmkv

import (
	"fmt"
	"path/filepath"
	"testing"
)

func writeTestSSTable(t *testing.T, dir string, id uint64, kvs []keyVersions) (*SSTable, fileMeta) {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("%d.sst", id))
	opts := Options{}.withDefaults()
	if err := WriteSSTable(path, kvs, opts); err != nil {
		t.Fatalf("write sstable %d: %v", id, err)
	}
	sst, err := OpenSSTable(id, path, nil)
	if err != nil {
		t.Fatalf("open sstable %d: %v", id, err)
	}
	return sst, fileMeta{
		ID:       id,
		MinKey:   kvs[0].Key,
		MaxKey:   kvs[len(kvs)-1].Key,
		NumBytes: 1,
	}
}

func TestPickCompactionTriggersOnL0Count(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenManifest(dir, DefaultLevelCount)
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	opts := Options{}.withDefaults()
	c := NewCompactor(dir, m, nil, opts, func() map[uint64]*SSTable { return nil })

	if got := c.PickCompaction(); got != -1 {
		t.Fatalf("expected no compaction with zero files, got %d", got)
	}

	var added []fileMeta
	for i := 0; i < opts.L0CompactionTrigger; i++ {
		added = append(added, fileMeta{ID: uint64(i + 1), Level: 0, MinKey: []byte("a"), MaxKey: []byte("z")})
	}
	if err := m.Install(versionEdit{AddedFiles: added}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if got := c.PickCompaction(); got != 0 {
		t.Fatalf("expected L0 compaction to trigger, got %d", got)
	}
}

func TestCompactLevelMergesAndRemovesInputs(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenManifest(dir, DefaultLevelCount)
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	opts := Options{}.withDefaults()

	kvs1 := []keyVersions{
		{Key: []byte("a"), Versions: []VersionedValue{{Seq: 1, Kind: KindPut, Value: []byte("a1")}}},
		{Key: []byte("c"), Versions: []VersionedValue{{Seq: 2, Kind: KindPut, Value: []byte("c2")}}},
	}
	kvs2 := []keyVersions{
		{Key: []byte("b"), Versions: []VersionedValue{{Seq: 3, Kind: KindPut, Value: []byte("b3")}}},
	}
	sst1, fm1 := writeTestSSTable(t, dir, 1, kvs1)
	sst2, fm2 := writeTestSSTable(t, dir, 2, kvs2)
	fm1.Level = 0
	fm2.Level = 1
	tables := map[uint64]*SSTable{1: sst1, 2: sst2}

	if err := m.Install(versionEdit{AddedFiles: []fileMeta{fm1, fm2}}); err != nil {
		t.Fatalf("install: %v", err)
	}

	c := NewCompactor(dir, m, nil, opts, func() map[uint64]*SSTable { return tables })
	if err := c.CompactLevel(0, 0); err != nil {
		t.Fatalf("compact: %v", err)
	}

	v := m.Current()
	if len(v.files[0]) != 0 {
		t.Fatalf("expected L0 to be empty after compaction, got %+v", v.files[0])
	}
	if len(v.files[1]) != 1 {
		t.Fatalf("expected one merged file in L1, got %+v", v.files[1])
	}
	merged, err := OpenSSTable(v.files[1][0].ID, filepath.Join(dir, fmt.Sprintf("%d.sst", v.files[1][0].ID)), nil)
	if err != nil {
		t.Fatalf("open merged: %v", err)
	}
	defer merged.Close()
	for _, want := range []struct {
		key string
		val string
	}{{"a", "a1"}, {"b", "b3"}, {"c", "c2"}} {
		v, ok, err := merged.Get([]byte(want.key), 100)
		if err != nil || !ok || string(v) != want.val {
			t.Fatalf("key %s: got %s ok=%v err=%v", want.key, v, ok, err)
		}
	}
}

func TestRetainVersionsDropsBelowMinLiveSeqExceptLast(t *testing.T) {
	versions := []VersionedValue{
		{Seq: 5, Kind: KindPut, Value: []byte("v5")},
		{Seq: 3, Kind: KindPut, Value: []byte("v3")},
		{Seq: 1, Kind: KindPut, Value: []byte("v1")},
	}
	out := retainVersions(versions, 3, false)
	if len(out) != 2 {
		t.Fatalf("expected versions down through seq 3 retained, got %+v", out)
	}
	if out[1].Seq != 3 {
		t.Fatalf("expected last retained version to be seq 3, got %d", out[1].Seq)
	}
}

func TestRetainVersionsElidesBottomLevelTombstone(t *testing.T) {
	versions := []VersionedValue{{Seq: 2, Kind: KindDelete}}
	if out := retainVersions(versions, 5, true); out != nil {
		t.Fatalf("expected bottom-level tombstone below min-live-seq to be elided, got %+v", out)
	}
	if out := retainVersions(versions, 5, false); len(out) != 1 {
		t.Fatalf("expected non-bottom-level tombstone to be retained, got %+v", out)
	}
	if out := retainVersions(versions, 1, true); len(out) != 1 {
		t.Fatalf("expected tombstone above min-live-seq to be retained even at bottom level, got %+v", out)
	}
}
