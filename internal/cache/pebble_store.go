package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"

	"tileflow/internal/core"
)

const (
	metaPrefix    = "m/"
	payloadPrefix = "p/"
)

// PebbleStore implements Store on a pebble database. Each TileRef owns two
// keys, m/<key> for metadata and p/<key> for the payload, written in one
// synced batch.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a pebble database at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble cache at %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Load(ref core.TileRef) (*CacheEntry, error) {
	metaRaw, err := s.get(metaPrefix + ref.Key())
	if err != nil || metaRaw == nil {
		return nil, err
	}
	var meta CacheEntry
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("parsing cache metadata for %s: %w", ref, err)
	}
	payload, err := s.get(payloadPrefix + ref.Key())
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, &CorruptionError{Ref: ref, Msg: "payload missing"}
	}
	meta.Payload = payload
	if err := meta.verify(); err != nil {
		return nil, err
	}
	return &meta, nil
}

// get copies the value out, since pebble's slice is only valid until the
// closer is called.
func (s *PebbleStore) get(key string) ([]byte, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *PebbleStore) Save(e *CacheEntry) error {
	meta, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling cache metadata: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(payloadPrefix+e.Ref.Key()), e.Payload, nil); err != nil {
		return err
	}
	if err := b.Set([]byte(metaPrefix+e.Ref.Key()), meta, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("committing cache entry %s: %w", e.Ref, err)
	}
	return nil
}

func (s *PebbleStore) Delete(ref core.TileRef) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(metaPrefix+ref.Key()), nil); err != nil {
		return err
	}
	if err := b.Delete([]byte(payloadPrefix+ref.Key()), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) List() ([]*CacheEntry, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(metaPrefix),
		UpperBound: []byte("m0"), // '0' follows '/'
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*CacheEntry
	for it.First(); it.Valid(); it.Next() {
		var meta CacheEntry
		if err := json.Unmarshal(it.Value(), &meta); err != nil {
			return nil, fmt.Errorf("parsing cache metadata %s: %w", it.Key(), err)
		}
		out = append(out, &meta)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Less(out[j].Ref) })
	return out, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
