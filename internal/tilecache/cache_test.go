package tilecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
	"github.com/mohammed-shakir/contour-pipeline/internal/ledger"
	"github.com/mohammed-shakir/contour-pipeline/internal/ledger/sqliteledger"
	"github.com/mohammed-shakir/contour-pipeline/internal/progress"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type source struct {
	srv  *httptest.Server
	hits atomic.Int64
}

func newSource(t *testing.T, h http.HandlerFunc) *source {
	t.Helper()
	s := &source{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *source) template() string { return s.srv.URL + "/{z}/{x}/{y}.tif" }

func newCache(t *testing.T, s *source, mut func(*Options)) *Cache {
	t.Helper()
	o := Options{
		Root:        t.TempDir(),
		URLTemplate: s.template(),
		Workers:     4,
		Timeout:     2 * time.Second,
		Logger:      quiet,
	}
	if mut != nil {
		mut(&o)
	}
	c, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func raster(w http.ResponseWriter, r *http.Request) {
	_, _ = fmt.Fprintf(w, "raster %s", r.URL.Path)
}

func TestFetch_SecondCallServedFromDisk(t *testing.T) {
	src := newSource(t, raster)
	c := newCache(t, src, nil)
	tile := model.Tile{X: 162, Y: 395, Z: 10}

	r1, err := c.Fetch(context.Background(), tile)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if r1.Status != StatusDownloaded {
		t.Fatalf("status=%s want downloaded", r1.Status)
	}
	if want := filepath.Join(c.Root(), "10", "162", "395.tif"); r1.Path != want {
		t.Fatalf("path=%s want %s", r1.Path, want)
	}
	body, _ := os.ReadFile(r1.Path)
	if string(body) != "raster /10/162/395.tif" {
		t.Fatalf("body=%q", body)
	}

	r2, err := c.Fetch(context.Background(), tile)
	if err != nil {
		t.Fatalf("Fetch again: %v", err)
	}
	if r2.Status != StatusCached {
		t.Fatalf("status=%s want cached", r2.Status)
	}
	if n := src.hits.Load(); n != 1 {
		t.Fatalf("requests=%d want 1", n)
	}
}

func TestFetch_EmptyResponseIsAbsent(t *testing.T) {
	src := newSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	})
	c := newCache(t, src, nil)
	tile := model.Tile{X: 1, Y: 1, Z: 2}

	r, err := c.Fetch(context.Background(), tile)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if r.Status != StatusAbsent {
		t.Fatalf("status=%s want absent", r.Status)
	}
	if _, err := os.Stat(r.Path); !os.IsNotExist(err) {
		t.Fatalf("expected no file at %s, stat err=%v", r.Path, err)
	}
}

func TestFetch_MissingAndForbiddenAreAbsent(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusForbidden} {
		src := newSource(t, func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", code)
		})
		c := newCache(t, src, nil)
		r, err := c.Fetch(context.Background(), model.Tile{X: 0, Y: 0, Z: 1})
		if err != nil || r.Status != StatusAbsent {
			t.Fatalf("code=%d status=%s err=%v want absent,nil", code, r.Status, err)
		}
		if c.Exists(r.Tile) {
			t.Fatalf("code=%d left a file", code)
		}
	}
}

func TestFetch_ServerErrorFails(t *testing.T) {
	src := newSource(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := newCache(t, src, nil)
	tile := model.Tile{X: 3, Y: 2, Z: 2}

	_, err := c.Fetch(context.Background(), tile)
	if !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("err=%v want ErrDownloadFailed", err)
	}
	var de *DownloadError
	if !errors.As(err, &de) || de.Tile != tile {
		t.Fatalf("err=%v want *DownloadError for %v", err, tile)
	}
}

func TestFetch_TruncatedBodyLeavesNoFile(t *testing.T) {
	src := newSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("only ten b"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	})
	c := newCache(t, src, nil)
	tile := model.Tile{X: 5, Y: 6, Z: 4}

	_, err := c.Fetch(context.Background(), tile)
	if !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("err=%v want ErrDownloadFailed", err)
	}
	entries, _ := os.ReadDir(filepath.Dir(c.Path(tile)))
	if len(entries) != 0 {
		t.Fatalf("leftover files: %v", entries)
	}
}

func TestFetch_TimeoutFails(t *testing.T) {
	src := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	c := newCache(t, src, func(o *Options) { o.Timeout = 50 * time.Millisecond })

	_, err := c.Fetch(context.Background(), model.Tile{X: 1, Y: 0, Z: 1})
	if !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("err=%v want ErrDownloadFailed", err)
	}
}

func TestFetch_InvalidTileMakesNoRequest(t *testing.T) {
	src := newSource(t, raster)
	c := newCache(t, src, nil)

	for _, tile := range []model.Tile{{X: -1, Y: 0, Z: 3}, {X: 8, Y: 0, Z: 3}, {X: 0, Y: 9, Z: 3}} {
		r, err := c.Fetch(context.Background(), tile)
		if err != nil || r.Status != StatusAbsent {
			t.Fatalf("%v status=%s err=%v want absent", tile, r.Status, err)
		}
	}
	if n := src.hits.Load(); n != 0 {
		t.Fatalf("requests=%d want 0", n)
	}
}

func TestFetch_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int64
	src := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		raster(w, r)
	})
	c := newCache(t, src, func(o *Options) {
		o.Retries = 2
		o.RetryDelay = time.Millisecond
	})

	r, err := c.Fetch(context.Background(), model.Tile{X: 2, Y: 2, Z: 3})
	if err != nil || r.Status != StatusDownloaded {
		t.Fatalf("status=%s err=%v want downloaded", r.Status, err)
	}
	if n := src.hits.Load(); n != 2 {
		t.Fatalf("requests=%d want 2", n)
	}
}

func TestFetch_LedgerRemembersAbsentTiles(t *testing.T) {
	src := newSource(t, func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	root := t.TempDir()
	led, err := sqliteledger.Open(context.Background(), filepath.Join(root, "ledger.db"), "fp")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	defer func() { _ = led.Close() }()
	c := newCache(t, src, func(o *Options) {
		o.Root = root
		o.Ledger = led
	})
	tile := model.Tile{X: 7, Y: 7, Z: 4}

	for range 2 {
		if r, err := c.Fetch(context.Background(), tile); err != nil || r.Status != StatusAbsent {
			t.Fatalf("status=%s err=%v want absent", r.Status, err)
		}
	}
	if n := src.hits.Load(); n != 1 {
		t.Fatalf("requests=%d want 1", n)
	}
	if ok, _ := led.Done(context.Background(), tile, ledger.StageAbsent); !ok {
		t.Fatalf("absent marker missing")
	}
}

func TestFetchAll_TicksProgressPerTile(t *testing.T) {
	src := newSource(t, raster)
	rep := progress.New(quiet, time.Hour)
	c := newCache(t, src, func(o *Options) { o.Progress = rep })

	tiles := []model.Tile{
		{X: 0, Y: 0, Z: 2}, {X: 1, Y: 0, Z: 2}, {X: 2, Y: 0, Z: 2},
		{X: -1, Y: 0, Z: 2}, {X: 4, Y: 0, Z: 2},
	}
	rep.Start(Stage, len(tiles))
	results, err := c.FetchAll(context.Background(), tiles)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	for i, r := range results {
		if r.Tile != tiles[i] {
			t.Fatalf("results[%d]=%v want %v", i, r.Tile, tiles[i])
		}
	}
	snap := rep.Snapshot()[0]
	if snap.Done != 5 || snap.Outcomes["downloaded"] != 3 || snap.Outcomes["absent"] != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestFetchAll_FirstErrorIsReturned(t *testing.T) {
	src := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/1.tif") {
			http.Error(w, "bad", http.StatusBadGateway)
			return
		}
		raster(w, r)
	})
	c := newCache(t, src, func(o *Options) { o.Workers = 1 })

	_, err := c.FetchAll(context.Background(), []model.Tile{
		{X: 0, Y: 0, Z: 2}, {X: 0, Y: 1, Z: 2}, {X: 0, Y: 2, Z: 2},
	})
	var de *DownloadError
	if !errors.As(err, &de) || de.Tile != (model.Tile{X: 0, Y: 1, Z: 2}) {
		t.Fatalf("err=%v want DownloadError for 2/0/1", err)
	}
}

func TestPruneEmptyDirs(t *testing.T) {
	src := newSource(t, raster)
	c := newCache(t, src, nil)

	if _, err := c.Fetch(context.Background(), model.Tile{X: 1, Y: 1, Z: 1}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	for _, d := range []string{"5/3", "5/4/empty", "6"} {
		if err := os.MkdirAll(filepath.Join(c.Root(), d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	part := filepath.Join(c.Root(), "1", "1", "0.tif.part-123")
	if err := os.WriteFile(part, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if n := c.PruneEmptyDirs(context.Background()); n != 5 {
		t.Fatalf("removed=%d want 5", n)
	}
	if _, err := os.Stat(part); !os.IsNotExist(err) {
		t.Fatalf("partial download survived")
	}
	if !c.Exists(model.Tile{X: 1, Y: 1, Z: 1}) {
		t.Fatalf("cached raster was pruned")
	}
	for _, d := range []string{"5", "6"} {
		if _, err := os.Stat(filepath.Join(c.Root(), d)); !os.IsNotExist(err) {
			t.Fatalf("dir %s survived", d)
		}
	}
}

func TestNew_RejectsTemplateWithoutPlaceholders(t *testing.T) {
	if _, err := New(Options{Root: t.TempDir(), URLTemplate: "https://example.com/tile.tif"}); err == nil {
		t.Fatalf("expected template error")
	}
}

func TestFetchAll_KeepGoingJoinsFailures(t *testing.T) {
	src := newSource(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/2/1/") {
			http.Error(w, "bad", http.StatusBadGateway)
			return
		}
		raster(w, r)
	})
	c := newCache(t, src, func(o *Options) {
		o.Workers = 1
		o.KeepGoing = true
	})

	tiles := []model.Tile{
		{X: 0, Y: 0, Z: 2}, {X: 1, Y: 0, Z: 2}, {X: 1, Y: 1, Z: 2}, {X: 2, Y: 0, Z: 2},
	}
	results, err := c.FetchAll(context.Background(), tiles)
	if !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("err=%v want ErrDownloadFailed", err)
	}
	if n := len(err.(interface{ Unwrap() []error }).Unwrap()); n != 2 {
		t.Fatalf("joined errors=%d want 2", n)
	}
	if results[3].Status != StatusDownloaded {
		t.Fatalf("tile after failures status=%s want downloaded", results[3].Status)
	}
}
