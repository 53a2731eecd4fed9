// Package cache is the worker-local store of computed tile payloads, keyed by
// exact TileRef.
//
// A TileRef is immutable once written: storing different bytes under a ref
// that already holds a value is corruption, never an overwrite.
package cache

import (
	"bytes"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"tileflow/internal/core"
)

// CacheEntry is one stored tile payload.
//
// Payload is kept out of the JSON form; stores persist it separately.
type CacheEntry struct {
	Ref       core.TileRef `json:"ref"`
	Payload   []byte       `json:"-"`
	Size      int64        `json:"size"`
	Checksum  uint64       `json:"checksum"`
	WrittenAt time.Time    `json:"written_at"`
}

func newEntry(ref core.TileRef, payload []byte, now time.Time) *CacheEntry {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return &CacheEntry{
		Ref:       ref,
		Payload:   cp,
		Size:      int64(len(cp)),
		Checksum:  xxhash.Sum64(cp),
		WrittenAt: now.UTC(),
	}
}

// Matches reports whether payload is the same value as the entry's, checking
// length, then checksum, then bytes.
func (e *CacheEntry) Matches(payload []byte) bool {
	if int64(len(payload)) != e.Size {
		return false
	}
	if xxhash.Sum64(payload) != e.Checksum {
		return false
	}
	return bytes.Equal(payload, e.Payload)
}

// verify checks a loaded payload against its recorded size and checksum.
func (e *CacheEntry) verify() error {
	if int64(len(e.Payload)) != e.Size || xxhash.Sum64(e.Payload) != e.Checksum {
		return &CorruptionError{Ref: e.Ref, Msg: "stored payload does not match its checksum"}
	}
	return nil
}

func (e *CacheEntry) clone() *CacheEntry {
	out := *e
	if e.Payload != nil {
		out.Payload = make([]byte, len(e.Payload))
		copy(out.Payload, e.Payload)
	}
	return &out
}

// CorruptionError reports conflicting or damaged bytes for a TileRef.
type CorruptionError struct {
	Ref core.TileRef
	Msg string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: tile %s: %s", core.ErrCacheCorruption, e.Ref, e.Msg)
}

func (e *CorruptionError) Unwrap() error { return core.ErrCacheCorruption }
