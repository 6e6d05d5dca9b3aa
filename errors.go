package lsmkv

import "github.com/cockroachdb/errors"

// Sentinel error kinds. Use errors.Is against these; wrapped instances
// carry additional context via errors.Wrapf.
var (
	ErrIo                  = errors.New("lsmkv: io error")
	ErrCorruptWAL          = errors.New("lsmkv: corrupt wal")
	ErrCorruptManifest     = errors.New("lsmkv: corrupt manifest")
	ErrCorruptBlock        = errors.New("lsmkv: corrupt block")
	ErrCorruptBloom        = errors.New("lsmkv: corrupt bloom filter")
	ErrChecksumMismatch    = errors.New("lsmkv: checksum mismatch")
	ErrInvalidInput        = errors.New("lsmkv: invalid input")
	ErrBackpressureTimeout = errors.New("lsmkv: backpressure timeout")
	ErrSnapshotExpired     = errors.New("lsmkv: snapshot expired")
	ErrShutdown            = errors.New("lsmkv: engine is closed")
)

func wrapIo(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(errors.Mark(err, ErrIo), format, args...)
}
