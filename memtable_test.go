package lsmkv

import (
	"fmt"
	"sync"
	"testing"
)

func TestMemTablePutGet(t *testing.T) {
	mt := NewMemTable()
	if err := mt.Put([]byte("a"), []byte("1"), 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok := mt.Get([]byte("a"), 1)
	if !ok || string(v) != "1" {
		t.Fatalf("expected 1, got %v ok=%v", v, ok)
	}
}

func TestMemTableSnapshotIsolation(t *testing.T) {
	mt := NewMemTable()
	_ = mt.Put([]byte("a"), []byte("v1"), 1)
	_ = mt.Put([]byte("a"), []byte("v2"), 2)

	v, ok := mt.Get([]byte("a"), 1)
	if !ok || string(v) != "v1" {
		t.Fatalf("snapshot at seq 1 expected v1, got %v", v)
	}
	v, ok = mt.Get([]byte("a"), 2)
	if !ok || string(v) != "v2" {
		t.Fatalf("snapshot at seq 2 expected v2, got %v", v)
	}
}

func TestMemTableTombstoneHidesValue(t *testing.T) {
	mt := NewMemTable()
	_ = mt.Put([]byte("a"), []byte("v1"), 1)
	_ = mt.Delete([]byte("a"), 2)

	if _, ok := mt.Get([]byte("a"), 2); ok {
		t.Fatalf("expected tombstone to hide value at seq 2")
	}
	if v, ok := mt.Get([]byte("a"), 1); !ok || string(v) != "v1" {
		t.Fatalf("expected v1 still visible before the delete's seq")
	}
}

func TestMemTableFreezeRejectsWrites(t *testing.T) {
	mt := NewMemTable()
	mt.Freeze()
	if err := mt.Put([]byte("a"), []byte("v"), 1); err == nil {
		t.Fatalf("expected error writing to a frozen memtable")
	}
}

func TestMemTableIteratorOrderedAndFiltersTombstones(t *testing.T) {
	mt := NewMemTable()
	_ = mt.Put([]byte("c"), []byte("3"), 1)
	_ = mt.Put([]byte("a"), []byte("1"), 2)
	_ = mt.Put([]byte("b"), []byte("2"), 3)
	_ = mt.Delete([]byte("b"), 4)

	entries := mt.Iterator(10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 live entries, got %d", len(entries))
	}
	if string(entries[0].Key) != "a" || string(entries[1].Key) != "c" {
		t.Fatalf("expected ascending key order, got %s,%s", entries[0].Key, entries[1].Key)
	}
}

func TestMemTableConcurrentWrites(t *testing.T) {
	mt := NewMemTable()
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := []byte(fmt.Sprintf("k-%d-%d", id, i))
				_ = mt.Put(key, []byte("v"), uint64(id*1000+i+1))
			}
		}(w)
	}
	wg.Wait()
	if mt.Count() != 16*200 {
		t.Fatalf("expected %d keys, got %d", 16*200, mt.Count())
	}
}
