package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tileflow/internal/core"
)

// FileStore implements Store on the node-local filesystem.
//
// Structure:
//
//	{Dir}/
//	  r{row}-c{col}/
//	    r{row}-c{col}-v{version}/
//	      metadata.json  (ref, size, checksum, written_at)
//	      payload.bin
type FileStore struct {
	// Dir is the root directory for cache storage.
	Dir string
}

// NewFileStore creates a filesystem store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

// Load reads an entry and checks its payload against the recorded checksum.
func (s *FileStore) Load(ref core.TileRef) (*CacheEntry, error) {
	entryDir := s.entryPath(ref)

	meta, err := readMetadata(filepath.Join(entryDir, "metadata.json"))
	if err != nil || meta == nil {
		return nil, err
	}
	if meta.Ref != ref {
		return nil, &CorruptionError{Ref: ref, Msg: fmt.Sprintf("metadata names %s", meta.Ref)}
	}

	payload, err := os.ReadFile(filepath.Join(entryDir, "payload.bin"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &CorruptionError{Ref: ref, Msg: "payload missing"}
		}
		return nil, fmt.Errorf("reading cache payload: %w", err)
	}
	meta.Payload = payload
	if err := meta.verify(); err != nil {
		return nil, err
	}
	return meta, nil
}

// Save stores an entry.
func (s *FileStore) Save(e *CacheEntry) error {
	if e == nil {
		return fmt.Errorf("cache entry is nil")
	}

	entryDir := s.entryPath(e.Ref)
	parentDir := filepath.Dir(entryDir)

	// Ensure parent exists so temp dir is created on the same filesystem.
	if err := os.MkdirAll(parentDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	// Write into a temp entry dir, then rename into place, so a crash never
	// leaves a metadata.json whose payload is partial.
	tmpDir, err := os.MkdirTemp(parentDir, "tmp-entry-"+e.Ref.Key()+"-")
	if err != nil {
		return fmt.Errorf("creating temp cache entry dir: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = os.RemoveAll(tmpDir)
	}()

	// Payload first so metadata only appears after the payload succeeded.
	if err := writeFileAtomic(filepath.Join(tmpDir, "payload.bin"), e.Payload, 0644); err != nil {
		return fmt.Errorf("writing cache payload: %w", err)
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(tmpDir, "metadata.json"), data, 0644); err != nil {
		return fmt.Errorf("writing cache metadata: %w", err)
	}

	// A crash between remove and rename yields a cache miss, not corruption.
	_ = os.RemoveAll(entryDir)
	if err := os.Rename(tmpDir, entryDir); err != nil {
		return fmt.Errorf("committing cache entry: %w", err)
	}
	committed = true
	return nil
}

func (s *FileStore) Delete(ref core.TileRef) error {
	if err := os.RemoveAll(s.entryPath(ref)); err != nil {
		return fmt.Errorf("removing cache entry %s: %w", ref, err)
	}
	return nil
}

// List reads the metadata of every committed entry. In-flight temp
// directories are skipped.
func (s *FileStore) List() ([]*CacheEntry, error) {
	shards, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing cache: %w", err)
	}
	var out []*CacheEntry
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.Dir, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("listing cache shard %s: %w", shard.Name(), err)
		}
		for _, ent := range entries {
			if !ent.IsDir() || strings.HasPrefix(ent.Name(), "tmp-entry-") {
				continue
			}
			if _, err := core.ParseKey(ent.Name()); err != nil {
				continue
			}
			meta, err := readMetadata(filepath.Join(s.Dir, shard.Name(), ent.Name(), "metadata.json"))
			if err != nil {
				return nil, err
			}
			if meta != nil {
				out = append(out, meta)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Less(out[j].Ref) })
	return out, nil
}

func (s *FileStore) Close() error { return nil }

// entryPath groups all versions of one block under a shared directory.
func (s *FileStore) entryPath(ref core.TileRef) string {
	shard := fmt.Sprintf("r%d-c%d", ref.Row, ref.Col)
	return filepath.Join(s.Dir, shard, ref.Key())
}

func readMetadata(path string) (*CacheEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache metadata: %w", err)
	}
	var meta CacheEntry
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing cache metadata %s: %w", path, err)
	}
	return &meta, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync() // best-effort durability
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
