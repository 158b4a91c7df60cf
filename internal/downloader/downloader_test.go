package downloader

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/listing_images/internal/cache"
	"github.com/italolelis/listing_images/internal/fetch"
	"github.com/italolelis/listing_images/internal/imaging"
	"github.com/italolelis/listing_images/internal/progress"
	"github.com/italolelis/listing_images/internal/storage"
	"github.com/italolelis/listing_images/internal/storage/sqlite"
)

var (
	largeJPEG = sync.OnceValue(func() []byte { return encodeJPEG(1000, 1000) })
	smallJPEG = sync.OnceValue(func() []byte { return encodeJPEG(400, 400) })
)

func encodeJPEG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		panic(err)
	}

	return buf.Bytes()
}

// imageServer serves /ok/*, /small/* and /slow/* images and 404s anything else.
type imageServer struct {
	*httptest.Server

	hits     sync.Map // path -> *atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	slowFor  time.Duration
}

func newImageServer(t *testing.T) *imageServer {
	t.Helper()

	s := &imageServer{slowFor: 150 * time.Millisecond}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)

	return s
}

func (s *imageServer) serve(w http.ResponseWriter, r *http.Request) {
	counter, _ := s.hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
	counter.(*atomic.Int32).Add(1)

	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	switch dir := filepath.Dir(r.URL.Path); dir {
	case "/ok":
		time.Sleep(10 * time.Millisecond)
		_, _ = w.Write(largeJPEG())
	case "/slow":
		time.Sleep(s.slowFor)
		_, _ = w.Write(largeJPEG())
	case "/small":
		_, _ = w.Write(smallJPEG())
	default:
		http.NotFound(w, r)
	}
}

func (s *imageServer) Hits(path string) int32 {
	v, ok := s.hits.Load(path)
	if !ok {
		return 0
	}

	return v.(*atomic.Int32).Load()
}

type harness struct {
	d           *Downloader
	store       *cache.Store
	downloadDir string
}

func newHarness(t *testing.T, srv *imageServer, cfg Config, ledger storage.FailureRepository) *harness {
	t.Helper()

	root := t.TempDir()

	store, err := cache.Open(context.Background(), filepath.Join(root, "image_cache"), time.Hour, nil)
	require.NoError(t, err)

	fetcher := fetch.New(srv.Client(), fetch.Config{
		Timeout:     5 * time.Second,
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
		ChunkSize:   8192,
	}, nil)

	validator := imaging.NewValidator(imaging.Config{
		MinWidth:       800,
		MinHeight:      800,
		MaxBytes:       5_000_000,
		Quality:        85,
		AllowedFormats: []string{"jpeg", "png"},
	}, nil)

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(root, "download")
	}

	d := NewDownloader(store, fetcher, validator, ledger, cfg, nil)
	t.Cleanup(d.Close)

	return &harness{d: d, store: store, downloadDir: cfg.DownloadDir}
}

func defaultCfg() Config {
	return Config{MaxParallel: MaxSlots, PreserveSlotOrder: true}
}

func TestProcessProductImages_EndToEnd(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, srv, defaultCfg(), nil)

	validURL := srv.URL + "/ok/1.jpg"
	missingURL := srv.URL + "/gone/3.jpg"

	req := RequestFromRecord("sku-1", map[string]any{
		"Image 1": validURL,
		"Image 2": "",
		"Image 3": missingURL,
	})

	res, err := h.d.ProcessProductImages(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{h.store.PathFor(cache.Key(validURL))}, res.Paths)
	assert.Equal(t, []string{missingURL}, res.FailedURLs())
	assert.Equal(t, progress.Snapshot{Total: 2, Succeeded: 1, Failed: 1}, res.Progress)

	require.Contains(t, res.Outcomes, "Image 3")
	assert.Equal(t, "network:bad_status:404", res.Outcomes["Image 3"].Reason)
	assert.NotContains(t, res.Outcomes, "Image 2")

	for _, p := range res.Paths {
		assert.True(t, filepath.IsAbs(p))
		assert.FileExists(t, p)
	}

	entries, err := os.ReadDir(h.downloadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no staged file may outlive the request")
}

func TestProcessProductImages_CacheHitFetchesOnce(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, srv, defaultCfg(), nil)

	req := RequestFromRecord("sku-1", map[string]any{"Image 1": srv.URL + "/ok/a.jpg"})

	first, err := h.d.ProcessProductImages(context.Background(), req)
	require.NoError(t, err)

	second, err := h.d.ProcessProductImages(context.Background(), RequestFromRecord("sku-2", map[string]any{
		"Image 4": srv.URL + "/ok/a.jpg",
	}))
	require.NoError(t, err)

	assert.Equal(t, first.Paths, second.Paths)
	assert.Equal(t, int32(1), srv.Hits("/ok/a.jpg"))
	assert.False(t, first.Outcomes["Image 1"].CacheHit)
	assert.True(t, second.Outcomes["Image 4"].CacheHit)
}

func TestProcessProductImages_PartialFailure(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, srv, defaultCfg(), nil)

	record := map[string]any{
		"Image 1": srv.URL + "/ok/1.jpg",
		"Image 2": srv.URL + "/missing/2.jpg",
		"Image 3": srv.URL + "/ok/3.jpg",
		"Image 4": srv.URL + "/missing/4.jpg",
		"Image 5": srv.URL + "/ok/5.jpg",
	}

	res, err := h.d.ProcessProductImages(context.Background(), RequestFromRecord("sku-1", record))
	require.NoError(t, err)

	assert.Len(t, res.Paths, 3)
	assert.Equal(t, []string{srv.URL + "/missing/2.jpg", srv.URL + "/missing/4.jpg"}, res.FailedURLs())
	assert.Equal(t, progress.Snapshot{Total: 5, Succeeded: 3, Failed: 2}, res.Progress)
	assert.Equal(t, int32(2), srv.Hits("/missing/2.jpg"), "failed slots are retried up to the attempt cap")
}

func TestProcessProductImages_AllFailValidation(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, srv, defaultCfg(), nil)

	res, err := h.d.ProcessProductImages(context.Background(), RequestFromRecord("sku-9", map[string]any{
		"Image 1": srv.URL + "/small/1.jpg",
		"Image 2": srv.URL + "/small/2.jpg",
	}))
	require.ErrorIs(t, err, ErrAllDownloadsFailed)

	require.NotNil(t, res)
	assert.Empty(t, res.Paths)
	assert.Len(t, res.Failures, 2)
	assert.Equal(t, "validation:too_small", res.Failures[0].Reason)
	assert.Equal(t, int32(1), srv.Hits("/small/1.jpg"), "validation failures are not retried")
	assert.Equal(t, 0, h.store.Len())

	select {
	case failure := <-h.d.OnProductFailed:
		assert.Equal(t, "sku-9", failure.ProductID)
		assert.ErrorIs(t, failure.Err, ErrAllDownloadsFailed)
		assert.Len(t, failure.Failures, 2)
	default:
		t.Fatal("expected a product failure event")
	}
}

func TestProcessProductImages_NoImages(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, srv, defaultCfg(), nil)

	res, err := h.d.ProcessProductImages(context.Background(), RequestFromRecord("sku-1", map[string]any{
		"Image 1": "   ",
		"Title":   "not an image",
	}))

	require.ErrorIs(t, err, ErrNoImages)
	assert.Nil(t, res)
}

func TestProcessProductImages_SlotOrder(t *testing.T) {
	tests := []struct {
		name     string
		preserve bool
		first    string
	}{
		{"slot order", true, "/slow/1.jpg"},
		{"completion order", false, "/ok/2.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newImageServer(t)
			h := newHarness(t, srv, Config{MaxParallel: MaxSlots, PreserveSlotOrder: tt.preserve}, nil)

			res, err := h.d.ProcessProductImages(context.Background(), RequestFromRecord("sku-1", map[string]any{
				"Image 1": srv.URL + "/slow/1.jpg",
				"Image 2": srv.URL + "/ok/2.jpg",
			}))
			require.NoError(t, err)
			require.Len(t, res.Paths, 2)

			assert.Equal(t, h.store.PathFor(cache.Key(srv.URL+tt.first)), res.Paths[0])
		})
	}
}

func TestProcessProductImages_RespectsMaxParallel(t *testing.T) {
	srv := newImageServer(t)
	srv.slowFor = 50 * time.Millisecond
	h := newHarness(t, srv, Config{MaxParallel: 2, PreserveSlotOrder: true}, nil)

	record := map[string]any{}
	for i := 1; i <= 6; i++ {
		record[SlotName(i)] = srv.URL + "/slow/" + strconv.Itoa(i) + ".jpg"
	}

	res, err := h.d.ProcessProductImages(context.Background(), RequestFromRecord("sku-1", record))
	require.NoError(t, err)

	assert.Len(t, res.Paths, 6)
	assert.LessOrEqual(t, srv.peak.Load(), int32(2))
}

func TestProcessProductImages_DuplicateURLFetchedOnce(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, srv, defaultCfg(), nil)

	u := srv.URL + "/slow/shared.jpg"

	res, err := h.d.ProcessProductImages(context.Background(), RequestFromRecord("sku-1", map[string]any{
		"Image 1": u,
		"Image 2": u,
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{h.store.PathFor(cache.Key(u)), h.store.PathFor(cache.Key(u))}, res.Paths)
	assert.Equal(t, int32(1), srv.Hits("/slow/shared.jpg"))
}

func TestProcessProductImages_CollidingSlotNamesKeepEveryImage(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, srv, defaultCfg(), nil)

	a, b := srv.URL+"/ok/a.jpg", srv.URL+"/ok/b.jpg"

	res, err := h.d.ProcessProductImages(context.Background(), ProductImageRequest{
		ProductID: "sku-1",
		Slots:     []Slot{{Name: "Image 2", URL: a}, {Name: "", URL: b}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{h.store.PathFor(cache.Key(a)), h.store.PathFor(cache.Key(b))}, res.Paths)
	assert.Len(t, res.Outcomes, 2)
	assert.Equal(t, b, res.Outcomes["Image 3"].URL)
	assert.Equal(t, progress.Snapshot{Total: 2, Succeeded: 2}, res.Progress)
}

func TestProcessProductImages_CallerCancellationDoesNotAbort(t *testing.T) {
	srv := newImageServer(t)
	srv.slowFor = 300 * time.Millisecond
	h := newHarness(t, srv, defaultCfg(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	defer cancel()

	u := srv.URL + "/slow/1.jpg"

	res, err := h.d.ProcessProductImages(ctx, RequestFromRecord("sku-1", map[string]any{"Image 1": u}))
	require.NoError(t, err)

	assert.Equal(t, []string{h.store.PathFor(cache.Key(u))}, res.Paths)
	assert.Empty(t, res.Failures)
}

func TestProcessProductImages_AfterCloseDoesNotPublish(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, srv, defaultCfg(), nil)

	h.d.Close()

	res, err := h.d.ProcessProductImages(context.Background(), RequestFromRecord("sku-1", map[string]any{
		"Image 1": srv.URL + "/small/1.jpg",
	}))
	require.ErrorIs(t, err, ErrAllDownloadsFailed)
	assert.Len(t, res.Failures, 1)

	_, open := <-h.d.OnProductFailed
	assert.False(t, open)
}

func TestProcessProductImages_ProgressEvents(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, srv, defaultCfg(), nil)

	events := make(chan progress.Snapshot, MaxSlots)
	h.d.OnProgress = events

	_, err := h.d.ProcessProductImages(context.Background(), RequestFromRecord("sku-1", map[string]any{
		"Image 1": srv.URL + "/ok/1.jpg",
		"Image 2": srv.URL + "/missing/2.jpg",
	}))
	require.NoError(t, err)

	require.Len(t, events, 2)

	<-events
	last := <-events
	assert.Equal(t, int64(2), last.Done())
}

type failingPutCache struct {
	*cache.Store
}

func (c failingPutCache) Put(context.Context, string, string, string) (cache.Entry, error) {
	return cache.Entry{}, &cache.PersistenceError{Op: "put", Err: errors.New("disk full")}
}

func TestProcessProductImages_PersistenceFailureLeavesNothingBehind(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, srv, defaultCfg(), nil)

	d := NewDownloader(failingPutCache{h.store}, h.d.fetcher, h.d.validator, nil, h.d.cfg, nil)

	res, err := d.ProcessProductImages(context.Background(), RequestFromRecord("sku-1", map[string]any{
		"Image 1": srv.URL + "/ok/1.jpg",
	}))
	require.ErrorIs(t, err, ErrAllDownloadsFailed)
	assert.Equal(t, "persistence:put", res.Failures[0].Reason)

	entries, err := os.ReadDir(h.downloadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessProductImages_TracksFailuresAndRetries(t *testing.T) {
	srv := newImageServer(t)

	db, err := sqlite.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ledger := sqlite.NewFailureRepository(db, "test")
	h := newHarness(t, srv, defaultCfg(), ledger)
	ctx := context.Background()

	_, err = h.d.ProcessProductImages(ctx, RequestFromRecord("sku-1", map[string]any{
		"Image 1": srv.URL + "/ok/1.jpg",
		"Image 2": srv.URL + "/missing/2.jpg",
		"Image 3": srv.URL + "/small/3.jpg",
	}))
	require.NoError(t, err)

	pending, err := ledger.GetPendingFailures(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	// Pretend the host now serves the missing image.
	ok := srv.URL + "/ok/2.jpg"
	require.NoError(t, ledger.TrackFailure(ctx, storage.FailureRecord{SourceURL: ok, ProductID: "sku-1", Slot: "Image 2"}))

	report, err := h.d.RetryFailed(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Attempted: 3, Resolved: 1, StillFailing: 2}, report)

	pending, err = ledger.GetPendingFailures(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	for _, p := range pending {
		assert.Equal(t, 2, p.Attempts)
	}
}

func TestRetryFailed_WithoutLedger(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, srv, defaultCfg(), nil)

	_, err := h.d.RetryFailed(context.Background(), 10)
	assert.ErrorIs(t, err, ErrNoLedger)
}

func TestCleanup(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, srv, defaultCfg(), nil)
	ctx := context.Background()

	res, err := h.d.ProcessProductImages(ctx, RequestFromRecord("sku-1", map[string]any{
		"Image 1": srv.URL + "/ok/1.jpg",
		"Image 2": srv.URL + "/ok/2.jpg",
	}))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(h.downloadDir, "leftover.jpg"), []byte("x"), 0o644))

	report, err := h.d.Cleanup(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.ScratchFilesRemoved)
	assert.Equal(t, 2, report.EntriesPurged)
	assert.Positive(t, report.BytesFreed)
	assert.Equal(t, 0, h.store.Len())

	for _, p := range res.Paths {
		assert.NoFileExists(t, p)
	}
}

func TestCleanup_MissingDownloadDir(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, srv, Config{DownloadDir: filepath.Join(t.TempDir(), "never-created")}, nil)

	report, err := h.d.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report)
}
