package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/listing_images/internal/logctx"
	"github.com/italolelis/listing_images/internal/telemetry"
)

const (
	// MetadataFile is the name of the metadata document inside the cache directory.
	MetadataFile = "cache_metadata.json"

	artifactExt     = ".jpg"
	stagingExt      = ".part"
	tempPrefix      = ".cache_metadata-"
	documentVersion = 1
)

// Entry describes one cached artifact.
type Entry struct {
	Key       string        `json:"key"`
	SourceURL string        `json:"source_url"`
	LocalPath string        `json:"local_path"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// ExpiresAt returns the instant from which the entry is a miss.
func (e Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether now >= CreatedAt + TTL.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

type document struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// Store is the disk-backed cache metadata store. Mutations are serialized
// and every one of them rewrites the metadata document before returning.
type Store struct {
	dir string
	ttl time.Duration
	tel *telemetry.Telemetry
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
}

// Open loads the store from dir, creating the directory when needed.
// Entries whose artifact is gone are dropped and unreferenced artifacts
// and leftover temp files are deleted.
func Open(ctx context.Context, dir string, ttl time.Duration, tel *telemetry.Telemetry) (*Store, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache dir: %w", err)
	}

	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	s := &Store{
		dir:     absDir,
		ttl:     ttl,
		tel:     tel,
		now:     time.Now,
		entries: make(map[string]Entry),
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Dir returns the absolute cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// TTL returns the TTL given to new entries.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// PathFor returns the final artifact path for key.
func (s *Store) PathFor(key string) string {
	return filepath.Join(s.dir, key+artifactExt)
}

// Lookup returns the live entry for key. An expired entry, or one whose
// artifact disappeared, is removed together with its file and reported as
// a miss.
func (s *Store) Lookup(ctx context.Context, key string) (Entry, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		s.tel.RecordCacheLookup("miss")

		return Entry{}, false
	}

	reason := ""

	switch {
	case entry.Expired(s.now()):
		reason = "expired"
	case !fileExists(entry.LocalPath):
		reason = "missing_file"
	default:
		s.tel.RecordCacheLookup("hit")

		return entry, true
	}

	s.tel.RecordCacheLookup(reason)
	s.evictStale(ctx, entry, reason)

	return Entry{}, false
}

// evictStale removes entry unless another caller replaced or removed it
// between the read and the write lock.
func (s *Store) evictStale(ctx context.Context, stale Entry, reason string) {
	logger := logctx.LoggerFromContext(ctx).With("cache_key", stale.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[stale.Key]
	if !ok || !current.CreatedAt.Equal(stale.CreatedAt) {
		return
	}

	if !current.Expired(s.now()) && fileExists(current.LocalPath) {
		return
	}

	freed, err := s.removeLocked(current)
	if err != nil {
		logger.WarnContext(ctx, "failed to delete stale cache artifact", "err", err)
	}

	if err := s.persistLocked(); err != nil {
		logger.ErrorContext(ctx, "failed to persist cache metadata", "err", err)

		return
	}

	s.tel.RecordCacheEviction(reason, 1, freed)
	logger.DebugContext(ctx, "evicted stale cache entry", "reason", reason, "freed", humanize.Bytes(uint64(freed)))
}

// Put moves stagedPath to the artifact path of key and commits the entry.
// On any failure the staged or moved file is deleted and no entry remains.
func (s *Store) Put(ctx context.Context, key, sourceURL, stagedPath string) (Entry, error) {
	if !validKey(key) {
		return Entry{}, &PersistenceError{Op: "put", Key: key, Err: errors.New("malformed key")}
	}

	finalPath := s.PathFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Rename(stagedPath, finalPath); err != nil {
		_ = os.Remove(stagedPath)

		return Entry{}, &PersistenceError{Op: "move", Key: key, Err: err}
	}

	entry := Entry{
		Key:       key,
		SourceURL: sourceURL,
		LocalPath: finalPath,
		CreatedAt: s.now().UTC(),
		TTL:       s.ttl,
	}

	s.entries[key] = entry

	if err := s.persistLocked(); err != nil {
		delete(s.entries, key)
		_ = os.Remove(finalPath)

		return Entry{}, &PersistenceError{Op: "put", Key: key, Err: err}
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "cached image", "cache_key", key, "path", finalPath)

	return entry, nil
}

// Remove deletes the artifact of key (if any) and its entry.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil
	}

	freed, err := s.removeLocked(entry)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to delete cache artifact", "cache_key", key, "err", err)
	}

	if err := s.persistLocked(); err != nil {
		return &PersistenceError{Op: "remove", Key: key, Err: err}
	}

	s.tel.RecordCacheEviction("removed", 1, freed)

	return nil
}

// PurgeAll removes every entry unconditionally.
func (s *Store) PurgeAll(ctx context.Context) (int, int64, error) {
	return s.purge(ctx, "purge", func(Entry) bool { return true })
}

// PurgeExpired removes every entry past its TTL.
func (s *Store) PurgeExpired(ctx context.Context) (int, int64, error) {
	now := s.now()

	return s.purge(ctx, "expired", func(e Entry) bool { return e.Expired(now) })
}

func (s *Store) purge(ctx context.Context, reason string, match func(Entry) bool) (int, int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		count int
		freed int64
	)

	for _, entry := range s.entries {
		if !match(entry) {
			continue
		}

		n, err := s.removeLocked(entry)
		if err != nil {
			logger.WarnContext(ctx, "failed to delete cache artifact", "cache_key", entry.Key, "err", err)
		}

		count++
		freed += n
	}

	if count == 0 {
		return 0, 0, nil
	}

	if err := s.persistLocked(); err != nil {
		return count, freed, &PersistenceError{Op: "purge", Err: err}
	}

	s.tel.RecordCacheEviction(reason, count, freed)

	return count, freed, nil
}

// Entries returns a snapshot of all entries ordered by key.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// removeLocked deletes the artifact and then the in-memory entry. A missing
// artifact is not an error. It returns the bytes freed.
func (s *Store) removeLocked(entry Entry) (int64, error) {
	var size int64
	if info, err := os.Stat(entry.LocalPath); err == nil {
		size = info.Size()
	}

	delete(s.entries, entry.Key)

	if err := os.Remove(entry.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}

	return size, nil
}

// persistLocked rewrites the metadata document through a temp file and a
// rename so a reader never observes a partial document.
func (s *Store) persistLocked() error {
	doc := document{Version: documentVersion, Entries: s.entries}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp metadata file: %w", err)
	}

	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("failed to write metadata: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("failed to sync metadata: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close metadata: %w", err)
	}

	if err = os.Rename(tmpName, filepath.Join(s.dir, MetadataFile)); err != nil {
		return fmt.Errorf("failed to replace metadata: %w", err)
	}

	syncDir(s.dir)

	return nil
}

func (s *Store) load(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("cache_dir", s.dir)

	data, err := os.ReadFile(filepath.Join(s.dir, MetadataFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read cache metadata: %w", err)
	}

	var doc document
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			logger.WarnContext(ctx, "cache metadata unreadable, starting empty", "err", err)

			doc = document{}
		}
	}

	dropped := 0

	for key, entry := range doc.Entries {
		path := s.PathFor(key)
		if !validKey(key) || !fileExists(path) {
			dropped++

			continue
		}

		entry.Key = key
		entry.LocalPath = path
		s.entries[key] = entry
	}

	swept := s.sweepOrphans(ctx)

	if dropped > 0 || len(data) == 0 {
		if err := s.persistLocked(); err != nil {
			return &PersistenceError{Op: "load", Err: err}
		}
	}

	logger.InfoContext(ctx, "cache loaded",
		"entries", len(s.entries),
		"dropped", dropped,
		"orphans_removed", swept,
	)

	return nil
}

// sweepOrphans deletes artifacts no entry references, staged downloads
// and metadata temp files left behind by a crash.
func (s *Store) sweepOrphans(ctx context.Context) int {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to scan cache dir", "err", err)

		return 0
	}

	removed := 0

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}

		name := de.Name()

		orphan := false

		switch {
		case strings.HasPrefix(name, tempPrefix), strings.HasSuffix(name, stagingExt):
			orphan = true
		case strings.HasSuffix(name, artifactExt):
			_, ok := s.entries[strings.TrimSuffix(name, artifactExt)]
			orphan = !ok
		}

		if orphan && os.Remove(filepath.Join(s.dir, name)) == nil {
			removed++
		}
	}

	return removed
}

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}

	_ = d.Sync()
	_ = d.Close()
}
