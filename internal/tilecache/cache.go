// Package tilecache mirrors remote elevation rasters into a local
// <root>/<z>/<x>/<y>.tif tree. A present file means the tile was fetched.
package tilecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/httpclient"
	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
	"github.com/mohammed-shakir/contour-pipeline/internal/core/observability"
	"github.com/mohammed-shakir/contour-pipeline/internal/ledger"
	"github.com/mohammed-shakir/contour-pipeline/internal/logger"
	"github.com/mohammed-shakir/contour-pipeline/internal/progress"
)

const (
	Stage   = "fetch"
	fileExt = ".tif"
	partTag = ".part-"
)

type Status string

const (
	StatusCached     Status = "cached"
	StatusDownloaded Status = "downloaded"
	StatusAbsent     Status = "absent"
)

type Result struct {
	Tile   model.Tile
	Path   string
	Status Status
	Bytes  int64
}

type Options struct {
	Root        string
	URLTemplate string
	Workers     int
	Timeout     time.Duration
	Retries     int
	RetryDelay  time.Duration
	// KeepGoing lets FetchAll finish every tile and report all failures
	// instead of stopping at the first.
	KeepGoing bool
	Client    *http.Client
	Ledger    ledger.Ledger
	Progress  *progress.Reporter
	Logger    *slog.Logger
}

type Cache struct {
	root       string
	urlTmpl    string
	workers    int
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	keepGoing  bool
	client     *http.Client
	ledger     ledger.Ledger
	progress   *progress.Reporter
	log        *slog.Logger
}

func New(o Options) (*Cache, error) {
	if o.Root == "" {
		return nil, errors.New("tile cache root is required")
	}
	for _, ph := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(o.URLTemplate, ph) {
			return nil, fmt.Errorf("source url template %q lacks %s", o.URLTemplate, ph)
		}
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Client == nil {
		o.Client = httpclient.NewOutbound(o.Workers)
	}
	if o.Ledger == nil {
		o.Ledger = ledger.Nop()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Cache{
		root:       o.Root,
		urlTmpl:    o.URLTemplate,
		workers:    o.Workers,
		timeout:    o.Timeout,
		retries:    o.Retries,
		retryDelay: o.RetryDelay,
		keepGoing:  o.KeepGoing,
		client:     o.Client,
		ledger:     o.Ledger,
		progress:   o.Progress,
		log:        o.Logger,
	}, nil
}

func (c *Cache) Root() string { return c.root }

func (c *Cache) Path(t model.Tile) string {
	return filepath.Join(c.root, strconv.Itoa(t.Z), strconv.Itoa(t.X), strconv.Itoa(t.Y)+fileExt)
}

// Exists reports whether the raster for t is in the cache.
func (c *Cache) Exists(t model.Tile) bool {
	if !t.Valid() {
		return false
	}
	fi, err := os.Stat(c.Path(t))
	return err == nil && fi.Mode().IsRegular()
}

func (c *Cache) URL(t model.Tile) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(t.Z),
		"{x}", strconv.Itoa(t.X),
		"{y}", strconv.Itoa(t.Y),
	).Replace(c.urlTmpl)
}

// Fetch makes the raster for t available locally. Tiles outside the grid,
// tiles the source does not have and empty responses are reported absent
// and leave no file behind.
func (c *Cache) Fetch(ctx context.Context, t model.Tile) (Result, error) {
	ctx = logger.WithStage(logger.WithTile(ctx, t), Stage)
	start := time.Now()
	res := Result{Tile: t, Path: c.Path(t)}

	switch {
	case !t.Valid():
		res.Status = StatusAbsent
		observability.ObserveTile(Stage, string(res.Status), 0)
		return res, nil
	case c.Exists(t):
		res.Status = StatusCached
		observability.ObserveTile(Stage, string(res.Status), 0)
		return res, nil
	}

	if known, err := c.ledger.Done(ctx, t, ledger.StageAbsent); err != nil {
		c.log.WarnContext(ctx, "ledger lookup failed", "err", err)
	} else if known {
		res.Status = StatusAbsent
		observability.ObserveTile(Stage, string(res.Status), 0)
		return res, nil
	}

	var err error
	for attempt := 0; ; attempt++ {
		res.Status, res.Bytes, err = c.download(ctx, t, res.Path)
		if err == nil || attempt >= c.retries || ctx.Err() != nil {
			break
		}
		wait := c.retryDelay << attempt
		c.log.WarnContext(ctx, "download failed; retrying", "attempt", attempt+1, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	if err != nil {
		observability.ObserveTile(Stage, "failed", time.Since(start))
		return res, err
	}

	observability.ObserveTile(Stage, string(res.Status), time.Since(start))
	observability.AddFetchBytes(res.Bytes)

	mark := ledger.StageFetched
	if res.Status == StatusAbsent {
		mark = ledger.StageAbsent
	}
	if err := c.ledger.Mark(ctx, t, mark); err != nil {
		c.log.WarnContext(ctx, "ledger mark failed", "err", err)
	}
	c.log.DebugContext(ctx, "tile fetched", "status", string(res.Status), "bytes", res.Bytes)
	return res, nil
}

func (c *Cache) download(ctx context.Context, t model.Tile, dst string) (Status, int64, error) {
	url := c.URL(t)
	fail := func(err error) (Status, int64, error) {
		return "", 0, &DownloadError{Tile: t, URL: url, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return StatusAbsent, 0, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fail(fmt.Errorf("unexpected status %s", resp.Status))
	case resp.ContentLength == 0:
		return StatusAbsent, 0, nil
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(dst)+partTag+"*")
	if err != nil {
		return fail(err)
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && resp.ContentLength > 0 && n != resp.ContentLength {
		err = fmt.Errorf("short body: got %d of %d bytes: %w", n, resp.ContentLength, io.ErrUnexpectedEOF)
	}
	if err != nil {
		return fail(err)
	}
	if n == 0 {
		return StatusAbsent, 0, nil
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fail(err)
	}
	keep = true
	return StatusDownloaded, n, nil
}

// FetchAll fetches tiles on a bounded pool. By default the first error
// cancels the remaining fetches and is returned once all workers have
// stopped; with KeepGoing every tile is attempted and the failures are
// joined.
func (c *Cache) FetchAll(ctx context.Context, tiles []model.Tile) ([]Result, error) {
	results := make([]Result, len(tiles))
	var (
		g    *errgroup.Group
		gctx = ctx
		mu   sync.Mutex
		errs []error
	)
	if c.keepGoing {
		g = &errgroup.Group{}
	} else {
		g, gctx = errgroup.WithContext(ctx)
	}
	g.SetLimit(c.workers)
	for i, t := range tiles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := c.Fetch(gctx, t)
			results[i] = r
			if err == nil {
				c.progress.Tick(Stage, string(r.Status))
				return nil
			}
			c.progress.Tick(Stage, "failed")
			if !c.keepGoing {
				return err
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, errors.Join(errs...)
}

// PruneEmptyDirs removes leftover partial downloads and then every empty
// directory below the root, deepest first. Failures are logged and skipped.
func (c *Cache) PruneEmptyDirs(ctx context.Context) int {
	var dirs []string
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			c.log.WarnContext(ctx, "prune walk", "path", path, "err", err)
			if d != nil && d.IsDir() && path != c.root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != c.root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if strings.Contains(d.Name(), fileExt+partTag) {
			if err := os.Remove(path); err != nil {
				c.log.WarnContext(ctx, "remove partial download", "path", path, "err", err)
			}
		}
		return nil
	})
	if err != nil {
		c.log.WarnContext(ctx, "prune walk", "root", c.root, "err", err)
	}

	removed := 0
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err != nil {
			c.log.WarnContext(ctx, "remove empty dir", "path", dirs[i], "err", err)
			continue
		}
		removed++
	}
	c.log.InfoContext(ctx, "pruned tile cache", "root", c.root, "removed_dirs", removed)
	return removed
}
