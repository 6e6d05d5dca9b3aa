package lsmkv

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// Record is one WAL entry: {seq, kind, key, value?}, framed per spec.md §6
// as [u32 length][u64 xxhash checksum][payload], payload =
// {seq:u64}{kind:u8}{key_len:u32}{key}{value_len:u32}{value} (value
// fields omitted on deletes). This generalizes the teacher's wal.go
// (bytes.Buffer + binary.Write framing, crc-style trailer) from an
// AEAD-encrypted single-file log into the plain, segmented log spec.md
// requires.
type Record struct {
	Seq   Seq
	Kind  Kind
	Key   []byte
	Value []byte
}

func encodeRecord(buf *bytes.Buffer, r Record) {
	var payload bytes.Buffer
	_ = binary.Write(&payload, binary.LittleEndian, r.Seq)
	_ = payload.WriteByte(byte(r.Kind))
	_ = binary.Write(&payload, binary.LittleEndian, uint32(len(r.Key)))
	payload.Write(r.Key)
	if r.Kind == KindPut {
		_ = binary.Write(&payload, binary.LittleEndian, uint32(len(r.Value)))
		payload.Write(r.Value)
	}
	sum := xxhash.Sum64(payload.Bytes())
	_ = binary.Write(buf, binary.LittleEndian, uint32(payload.Len()))
	_ = binary.Write(buf, binary.LittleEndian, sum)
	buf.Write(payload.Bytes())
}

// decodeRecord reads one framed record from r. io.EOF on a clean boundary,
// any other error means the frame is unreadable or fails its checksum.
func decodeRecord(r io.Reader) (Record, int, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return Record{}, 0, err
	}
	var sum uint64
	if err := binary.Read(r, binary.LittleEndian, &sum); err != nil {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	total := 4 + 8 + int(length)
	if xxhash.Sum64(payload) != sum {
		return Record{}, total, ErrChecksumMismatch
	}
	pr := bytes.NewReader(payload)
	var rec Record
	if err := binary.Read(pr, binary.LittleEndian, &rec.Seq); err != nil {
		return Record{}, total, ErrCorruptWAL
	}
	kindByte, err := pr.ReadByte()
	if err != nil {
		return Record{}, total, ErrCorruptWAL
	}
	rec.Kind = Kind(kindByte)
	var keyLen uint32
	if err := binary.Read(pr, binary.LittleEndian, &keyLen); err != nil {
		return Record{}, total, ErrCorruptWAL
	}
	rec.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(pr, rec.Key); err != nil {
		return Record{}, total, ErrCorruptWAL
	}
	if rec.Kind == KindPut {
		var valLen uint32
		if err := binary.Read(pr, binary.LittleEndian, &valLen); err != nil {
			return Record{}, total, ErrCorruptWAL
		}
		rec.Value = make([]byte, valLen)
		if _, err := io.ReadFull(pr, rec.Value); err != nil {
			return Record{}, total, ErrCorruptWAL
		}
	}
	return rec, total, nil
}

const walFilePrefix = "wal-"
const walFileSuffix = ".log"

func walSegmentName(n uint64) string {
	return walFilePrefix + strconv.FormatUint(n, 10) + walFileSuffix
}

func parseWalSegmentNumber(name string) (uint64, bool) {
	if !strings.HasPrefix(name, walFilePrefix) || !strings.HasSuffix(name, walFileSuffix) {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, walFilePrefix), walFileSuffix)
	n, err := strconv.ParseUint(mid, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// listWalSegments returns known segment numbers in dir, ascending.
func listWalSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapIo(err, "read wal dir %s", dir)
	}
	var segs []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := parseWalSegmentNumber(e.Name()); ok {
			segs = append(segs, n)
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

// WAL is the append-only segmented log of spec.md §4.C, grounded on the
// teacher's buffered-append + periodic-fsync WAL (wal.go) generalized from
// one rotating file into the numbered segment sequence §6 requires.
type WAL struct {
	dir        string
	mu         sync.Mutex
	file       *os.File
	segNum     uint64
	buffer     bytes.Buffer
	syncPolicy SyncPolicy
	closed     bool

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup

	logger interface{ Printf(string, ...interface{}) }
}

// OpenWAL opens (creating if needed) the newest segment in dir, or starts
// segment 1 if dir is empty.
func OpenWAL(dir string, opts Options) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, wrapIo(err, "mkdir wal dir")
	}
	segs, err := listWalSegments(dir)
	if err != nil {
		return nil, err
	}
	var segNum uint64 = 1
	if len(segs) > 0 {
		segNum = segs[len(segs)-1]
	}
	f, err := os.OpenFile(filepath.Join(dir, walSegmentName(segNum)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, wrapIo(err, "open wal segment")
	}
	w := &WAL{
		dir:        dir,
		file:       f,
		segNum:     segNum,
		syncPolicy: opts.SyncPolicy,
		stopCh:     make(chan struct{}),
		logger:     opts.Logger,
	}
	if opts.SyncPolicy == SyncBatch {
		w.ticker = time.NewTicker(opts.BatchSyncInterval)
		w.wg.Add(1)
		go w.batchLoop()
	}
	return w, nil
}

func (w *WAL) batchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ticker.C:
			w.mu.Lock()
			_ = w.flushLocked()
			w.mu.Unlock()
		case <-w.stopCh:
			return
		}
	}
}

// Append encodes and writes rec, applying the configured sync policy: under
// SyncAlways it blocks until fsync returns; under SyncBatch it returns once
// buffered, relying on the periodic batch flush or an explicit Sync call;
// under SyncNone it writes the record to the OS without an fsync.
func (w *WAL) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrShutdown
	}
	encodeRecord(&w.buffer, rec)
	switch w.syncPolicy {
	case SyncAlways:
		return w.flushLocked()
	case SyncNone:
		return w.writeLocked()
	default: // SyncBatch
		return nil
	}
}

// writeLocked pushes the buffer to the OS without fsyncing.
func (w *WAL) writeLocked() error {
	if w.buffer.Len() == 0 {
		return nil
	}
	if _, err := w.file.Write(w.buffer.Bytes()); err != nil {
		return wrapIo(err, "wal write")
	}
	w.buffer.Reset()
	return nil
}

func (w *WAL) flushLocked() error {
	if err := w.writeLocked(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return wrapIo(err, "wal fsync")
	}
	return nil
}

// Sync is the durability barrier exposed by the engine facade under
// sync=batch: it returns once all prior appends are durable.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrShutdown
	}
	return w.flushLocked()
}

// Roll closes the current segment (after an fsync) and opens the next
// numbered one, returning the number of the segment just closed.
func (w *WAL) Roll() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return 0, err
	}
	closed := w.segNum
	if err := w.file.Close(); err != nil {
		return 0, wrapIo(err, "close wal segment")
	}
	w.segNum++
	f, err := os.OpenFile(filepath.Join(w.dir, walSegmentName(w.segNum)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, wrapIo(err, "open wal segment")
	}
	w.file = f
	return closed, nil
}

// TruncateThrough removes whole segments whose maximum seq is <= seq,
// never touching the currently-open segment.
func (w *WAL) TruncateThrough(seq Seq) error {
	w.mu.Lock()
	current := w.segNum
	w.mu.Unlock()

	segs, err := listWalSegments(w.dir)
	if err != nil {
		return err
	}
	for _, s := range segs {
		if s >= current {
			continue
		}
		maxSeq, ok, err := segmentMaxSeq(filepath.Join(w.dir, walSegmentName(s)))
		if err != nil {
			return err
		}
		if !ok || maxSeq > seq {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, walSegmentName(s))); err != nil && !os.IsNotExist(err) {
			return wrapIo(err, "remove wal segment %d", s)
		}
	}
	return nil
}

func segmentMaxSeq(path string) (Seq, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, wrapIo(err, "open wal segment %s", path)
	}
	defer f.Close()
	var max Seq
	found := false
	for {
		rec, _, err := decodeRecord(f)
		if err != nil {
			break
		}
		if rec.Seq > max {
			max = rec.Seq
		}
		found = true
	}
	return max, found, nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.flushLocked()
	w.mu.Unlock()

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.stopCh)
		w.wg.Wait()
	}
	if cerr := w.file.Close(); cerr != nil && err == nil {
		err = wrapIo(cerr, "close wal")
	}
	return err
}

// SegmentPath returns the filesystem path of the currently open segment.
func (w *WAL) SegmentPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return filepath.Join(w.dir, walSegmentName(w.segNum))
}

// ReplaySegment reads every durable record from a single WAL segment file
// in seq order. It tolerates a torn tail (the teacher's Replay stops at
// the first unreadable record); to distinguish a torn tail from a torn
// middle (spec.md §4.C: "a torn middle is fatal"), it keeps scanning past
// the first bad frame for one more well-formed record before giving up —
// finding one means the corruption is internal, not a truncated write.
func ReplaySegment(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapIo(err, "read wal segment %s", path)
	}
	var records []Record
	r := bytes.NewReader(data)
	for {
		start := len(data) - r.Len()
		rec, _, err := decodeRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			if moreValidDataFollows(data[start:]) {
				return nil, errors.Mark(errors.Wrapf(err, "wal segment %s: torn middle at offset %d", path, start), ErrCorruptWAL)
			}
			return records, nil // torn tail: tolerated, drop the rest
		}
		records = append(records, rec)
	}
}

// moreValidDataFollows does a best-effort resync scan: after a bad frame,
// does any later byte offset in the remaining buffer begin a well-formed,
// checksum-valid record? If so the damage is internal (torn middle).
func moreValidDataFollows(rest []byte) bool {
	for off := 1; off < len(rest)-12; off++ {
		if _, _, err := decodeRecord(bytes.NewReader(rest[off:])); err == nil {
			return true
		}
	}
	return false
}

// ReplayAll reads every segment in dir, in ascending segment order, and
// returns their concatenated records.
func ReplayAll(dir string) ([]Record, error) {
	segs, err := listWalSegments(dir)
	if err != nil {
		return nil, err
	}
	var all []Record
	for _, s := range segs {
		recs, err := ReplaySegment(filepath.Join(dir, walSegmentName(s)))
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}
