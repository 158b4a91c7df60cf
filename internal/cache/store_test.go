package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *fakeClock) {
	t.Helper()

	s, err := Open(context.Background(), t.TempDir(), ttl, nil)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.Now

	return s, clock
}

func stage(t *testing.T, dir, content string) string {
	t.Helper()

	f, err := os.CreateTemp(dir, "staged-*"+stagingExt)
	require.NoError(t, err)

	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	return f.Name()
}

func readDocument(t *testing.T, dir string) document {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	require.NoError(t, err)

	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))

	return doc
}

func TestStore_PutAndLookup(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	url := "https://cdn.example.com/a.jpg"
	key := Key(url)

	staged := stage(t, t.TempDir(), "jpeg-bytes")

	entry, err := s.Put(ctx, key, url, staged)
	require.NoError(t, err)

	assert.Equal(t, s.PathFor(key), entry.LocalPath)
	assert.NoFileExists(t, staged)
	assert.FileExists(t, entry.LocalPath)

	got, ok := s.Lookup(ctx, key)
	require.True(t, ok)
	assert.Equal(t, entry, got)

	doc := readDocument(t, s.Dir())
	assert.Equal(t, documentVersion, doc.Version)
	require.Contains(t, doc.Entries, key)
	assert.Equal(t, url, doc.Entries[key].SourceURL)
	assert.Equal(t, entry.LocalPath, doc.Entries[key].LocalPath)
}

func TestStore_LookupMiss(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)

	_, ok := s.Lookup(context.Background(), Key("https://cdn.example.com/none.jpg"))
	assert.False(t, ok)
}

func TestStore_LookupExpiredDeletesEntryAndFile(t *testing.T) {
	ttl := 2 * time.Hour
	s, clock := newTestStore(t, ttl)
	ctx := context.Background()

	key := Key("https://cdn.example.com/a.jpg")
	entry, err := s.Put(ctx, key, "https://cdn.example.com/a.jpg", stage(t, t.TempDir(), "x"))
	require.NoError(t, err)

	clock.Advance(ttl - time.Nanosecond)

	_, ok := s.Lookup(ctx, key)
	require.True(t, ok, "entry must be live just before its TTL")

	clock.Advance(2 * time.Nanosecond)

	_, ok = s.Lookup(ctx, key)
	assert.False(t, ok)
	assert.NoFileExists(t, entry.LocalPath)
	assert.Equal(t, 0, s.Len())
	assert.NotContains(t, readDocument(t, s.Dir()).Entries, key)
}

func TestStore_LookupExactlyAtExpiryIsMiss(t *testing.T) {
	s, clock := newTestStore(t, time.Hour)
	ctx := context.Background()

	key := Key("https://cdn.example.com/a.jpg")
	_, err := s.Put(ctx, key, "https://cdn.example.com/a.jpg", stage(t, t.TempDir(), "x"))
	require.NoError(t, err)

	clock.Advance(time.Hour)

	_, ok := s.Lookup(ctx, key)
	assert.False(t, ok)
}

func TestStore_LookupMissingFileSelfHeals(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	key := Key("https://cdn.example.com/a.jpg")
	entry, err := s.Put(ctx, key, "https://cdn.example.com/a.jpg", stage(t, t.TempDir(), "x"))
	require.NoError(t, err)

	require.NoError(t, os.Remove(entry.LocalPath))

	_, ok := s.Lookup(ctx, key)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestStore_PutMissingStagedFile(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)

	key := Key("https://cdn.example.com/a.jpg")
	_, err := s.Put(context.Background(), key, "https://cdn.example.com/a.jpg", filepath.Join(t.TempDir(), "nope.part"))

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "move", perr.Op)
	assert.Equal(t, key, perr.Key)
	assert.Equal(t, 0, s.Len())
}

func TestStore_PutRejectsMalformedKey(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	staged := stage(t, t.TempDir(), "x")

	_, err := s.Put(context.Background(), "../escape", "u", staged)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.FileExists(t, staged)
}

func TestStore_PutPersistFailureRollsBack(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}

	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	key := Key("https://cdn.example.com/a.jpg")
	staged := stage(t, s.Dir(), "x")

	require.NoError(t, os.Chmod(s.Dir(), 0o555))
	t.Cleanup(func() { _ = os.Chmod(s.Dir(), 0o755) })

	_, err := s.Put(ctx, key, "https://cdn.example.com/a.jpg", staged)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 0, s.Len())
}

func TestStore_Remove(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	key := Key("https://cdn.example.com/a.jpg")
	entry, err := s.Put(ctx, key, "https://cdn.example.com/a.jpg", stage(t, t.TempDir(), "x"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, key))
	assert.NoFileExists(t, entry.LocalPath)
	assert.Empty(t, readDocument(t, s.Dir()).Entries)

	require.NoError(t, s.Remove(ctx, key), "removing an absent key is a no-op")
}

func TestStore_RemoveWithMissingArtifact(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	key := Key("https://cdn.example.com/a.jpg")
	entry, err := s.Put(ctx, key, "https://cdn.example.com/a.jpg", stage(t, t.TempDir(), "x"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(entry.LocalPath))

	require.NoError(t, s.Remove(ctx, key))
	assert.Equal(t, 0, s.Len())
}

func TestStore_PurgeAll(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	for i := range 3 {
		url := fmt.Sprintf("https://cdn.example.com/%d.jpg", i)
		_, err := s.Put(ctx, Key(url), url, stage(t, t.TempDir(), "12345"))
		require.NoError(t, err)
	}

	count, freed, err := s.PurgeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, int64(15), freed)
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, readDocument(t, s.Dir()).Entries)

	count, freed, err = s.PurgeAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, freed)
}

func TestStore_PurgeExpired(t *testing.T) {
	s, clock := newTestStore(t, time.Hour)
	ctx := context.Background()

	oldURL := "https://cdn.example.com/old.jpg"
	_, err := s.Put(ctx, Key(oldURL), oldURL, stage(t, t.TempDir(), "old"))
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)

	newURL := "https://cdn.example.com/new.jpg"
	_, err = s.Put(ctx, Key(newURL), newURL, stage(t, t.TempDir(), "new"))
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)

	count, freed, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(3), freed)

	_, ok := s.Lookup(ctx, Key(newURL))
	assert.True(t, ok)
	assert.NoFileExists(t, s.PathFor(Key(oldURL)))
}

func TestStore_Entries(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	for _, u := range []string{"https://b", "https://a", "https://c"} {
		_, err := s.Put(ctx, Key(u), u, stage(t, t.TempDir(), "x"))
		require.NoError(t, err)
	}

	entries := s.Entries()
	require.Len(t, entries, 3)

	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Key, entries[i].Key)
	}
}

func TestOpen_ReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, dir, time.Hour, nil)
	require.NoError(t, err)

	url := "https://cdn.example.com/a.jpg"
	entry, err := s.Put(ctx, Key(url), url, stage(t, t.TempDir(), "x"))
	require.NoError(t, err)

	reopened, err := Open(ctx, dir, time.Hour, nil)
	require.NoError(t, err)

	got, ok := reopened.Lookup(ctx, Key(url))
	require.True(t, ok)
	assert.Equal(t, entry.SourceURL, got.SourceURL)
	assert.Equal(t, entry.LocalPath, got.LocalPath)
	assert.True(t, entry.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, entry.TTL, got.TTL)
}

func TestOpen_DropsMissingAndSweepsOrphans(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, dir, time.Hour, nil)
	require.NoError(t, err)

	kept := "https://cdn.example.com/kept.jpg"
	_, err = s.Put(ctx, Key(kept), kept, stage(t, t.TempDir(), "x"))
	require.NoError(t, err)

	gone := "https://cdn.example.com/gone.jpg"
	goneEntry, err := s.Put(ctx, Key(gone), gone, stage(t, t.TempDir(), "x"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(goneEntry.LocalPath))

	orphan := filepath.Join(dir, "0000000000000000.jpg")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o644))

	leftover := filepath.Join(dir, tempPrefix+"123.tmp")
	require.NoError(t, os.WriteFile(leftover, []byte("{"), 0o644))

	unrelated := filepath.Join(dir, "README.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("x"), 0o644))

	reopened, err := Open(ctx, dir, time.Hour, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, reopened.Len())
	assert.NoFileExists(t, orphan)
	assert.NoFileExists(t, leftover)
	assert.FileExists(t, unrelated)
	assert.NotContains(t, readDocument(t, dir).Entries, Key(gone))
}

func TestOpen_CorruptDocumentStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte("{not json"), 0o644))

	s, err := Open(context.Background(), dir, time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestOpen_RejectsNonPositiveTTL(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), 0, nil)
	require.Error(t, err)
}

func TestPersistenceError(t *testing.T) {
	inner := os.ErrPermission
	err := &PersistenceError{Op: "put", Key: "abc", Err: inner}

	assert.Equal(t, "cache put abc: permission denied", err.Error())
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, "cache purge: permission denied", (&PersistenceError{Op: "purge", Err: inner}).Error())
}

// Concurrent commits, removals and reclaim passes must leave the document
// and the directory in agreement: every persisted entry has its file and
// every live in-memory entry is persisted.
func TestStore_ConcurrentMutationsStayConsistent(t *testing.T) {
	s, clock := newTestStore(t, time.Minute)
	ctx := context.Background()
	stageDir := t.TempDir()

	urls := make([]string, 12)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://cdn.example.com/%d.jpg", i)
	}

	var wg sync.WaitGroup

	for w := range 6 {
		wg.Add(1)

		go func(seed int64) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(seed))

			for range 40 {
				u := urls[rng.Intn(len(urls))]

				switch rng.Intn(4) {
				case 0, 1:
					_, err := s.Put(ctx, Key(u), u, stage(t, stageDir, u))
					assert.NoError(t, err)
				case 2:
					assert.NoError(t, s.Remove(ctx, Key(u)))
				default:
					s.Lookup(ctx, Key(u))
				}
			}
		}(int64(w))
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		for range 20 {
			clock.Advance(10 * time.Second)

			_, _, err := s.PurgeExpired(ctx)
			assert.NoError(t, err)
		}
	}()

	wg.Wait()

	doc := readDocument(t, s.Dir())
	live := s.Entries()

	assert.Len(t, doc.Entries, len(live))

	for _, e := range live {
		persisted, ok := doc.Entries[e.Key]
		require.True(t, ok, "live entry %s missing from document", e.Key)
		assert.True(t, e.CreatedAt.Equal(persisted.CreatedAt))
	}

	for key, e := range doc.Entries {
		assert.FileExists(t, e.LocalPath, "document references missing file for %s", key)
	}
}
