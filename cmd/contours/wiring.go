package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohammed-shakir/contour-pipeline/internal/contour"
	"github.com/mohammed-shakir/contour-pipeline/internal/contour/gdal"
	"github.com/mohammed-shakir/contour-pipeline/internal/contour/native"
	"github.com/mohammed-shakir/contour-pipeline/internal/core/config"
	"github.com/mohammed-shakir/contour-pipeline/internal/core/httpclient"
	"github.com/mohammed-shakir/contour-pipeline/internal/extent"
	"github.com/mohammed-shakir/contour-pipeline/internal/ledger"
	_ "github.com/mohammed-shakir/contour-pipeline/internal/ledger/redisledger"
	_ "github.com/mohammed-shakir/contour-pipeline/internal/ledger/sqliteledger"
	"github.com/mohammed-shakir/contour-pipeline/internal/loader"
	"github.com/mohammed-shakir/contour-pipeline/internal/notify"
	"github.com/mohammed-shakir/contour-pipeline/internal/pipeline"
	"github.com/mohammed-shakir/contour-pipeline/internal/progress"
	"github.com/mohammed-shakir/contour-pipeline/internal/tilecache"
)

// wiring builds components lazily so commands like prune never touch the
// database or the GDAL binaries.
type wiring struct {
	cfg      config.Config
	log      *slog.Logger
	progress *progress.Reporter

	pool   *pgxpool.Pool
	ledger ledger.Ledger
	notify notify.Publisher
	iv     contour.Intervals
}

func (w *wiring) close() {
	if w.notify != nil {
		_ = w.notify.Close()
	}
	if w.ledger != nil {
		_ = w.ledger.Close()
	}
	if w.pool != nil {
		w.pool.Close()
	}
}

func (w *wiring) db(ctx context.Context) (*pgxpool.Pool, error) {
	if w.pool != nil {
		return w.pool, nil
	}
	pool, err := pgxpool.New(ctx, w.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	w.pool = pool
	return pool, nil
}

func (w *wiring) intervals() (contour.Intervals, error) {
	if w.iv.String() != "" {
		return w.iv, nil
	}
	iv, err := contour.ParseIntervals(w.cfg.Intervals)
	if err != nil {
		return contour.Intervals{}, err
	}
	w.iv = iv
	return iv, nil
}

func (w *wiring) openLedger(ctx context.Context) (ledger.Ledger, error) {
	if w.ledger != nil {
		return w.ledger, nil
	}
	iv, err := w.intervals()
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(ctx, w.cfg.Ledger.Driver, ledger.Options{
		Path:        w.cfg.Ledger.Path,
		RedisAddr:   w.cfg.Ledger.RedisAddr,
		Fingerprint: fingerprint(w.cfg, iv),
		Logger:      w.log,
	})
	if err != nil {
		return nil, err
	}
	w.ledger = ledger.WithLocalCache(l, w.cfg.Ledger.CacheSize)
	return w.ledger, nil
}

// fingerprint scopes ledger markers to everything that changes what a stage
// produces or where it lands, so another database or table prefix starts
// from a clean ledger.
func fingerprint(cfg config.Config, iv contour.Intervals) string {
	return ledger.Fingerprint(cfg.SourceURL, iv.String(), cfg.ElevationAttr, dbIdentity(cfg.DatabaseURL), cfg.TablePrefix)
}

// dbIdentity is host:port/database without credentials.
func dbIdentity(url string) string {
	c, err := pgconn.ParseConfig(url)
	if err != nil {
		return url
	}
	return fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Database)
}

func (w *wiring) extent(ctx context.Context, bbox BBoxFlag) (extent.Resolver, error) {
	if bbox.Set {
		return extent.Static(bbox.Box), nil
	}
	pool, err := w.db(ctx)
	if err != nil {
		return nil, err
	}
	return extent.NewPostGIS(pool, w.cfg.ExtentTable, w.cfg.ExtentGeomColumn)
}

func (w *wiring) cache(l ledger.Ledger) (*tilecache.Cache, error) {
	return tilecache.New(tilecache.Options{
		Root:        w.cfg.CacheDir,
		URLTemplate: w.cfg.SourceURL,
		Workers:     w.cfg.FetchWorkers,
		Timeout:     w.cfg.FetchTimeout,
		Retries:     w.cfg.FetchRetries,
		RetryDelay:  w.cfg.FetchRetryDelay,
		KeepGoing:   !w.cfg.FailFast,
		Client:      httpclient.NewOutbound(w.cfg.FetchWorkers),
		Ledger:      l,
		Progress:    w.progress,
		Logger:      w.log,
	})
}

func (w *wiring) toolkit() (contour.Toolkit, error) {
	g := gdal.New(w.cfg.GDAL.MergeBin, w.cfg.GDAL.ContourBin, w.cfg.GDAL.OGR2OGRBin, w.log)
	switch w.cfg.ClipEngine {
	case "gdal", "ogr2ogr":
		if err := g.Check(true); err != nil {
			return nil, err
		}
		return g, nil
	case "native", "":
		if err := g.Check(false); err != nil {
			return nil, err
		}
		return contour.Composite{RasterTools: g, Clipper: native.Clipper{}}, nil
	default:
		return nil, fmt.Errorf("unknown clip engine %q (want native or gdal)", w.cfg.ClipEngine)
	}
}

func (w *wiring) pipeline(ctx context.Context, bbox BBoxFlag, generate bool) (*pipeline.Pipeline, error) {
	ext, err := w.extent(ctx, bbox)
	if err != nil {
		return nil, err
	}
	l, err := w.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	cache, err := w.cache(l)
	if err != nil {
		return nil, err
	}
	deps := pipeline.Deps{
		Extent:   ext,
		Cache:    cache,
		Ledger:   l,
		Progress: w.progress,
		Logger:   w.log,
	}

	if generate {
		tk, err := w.toolkit()
		if err != nil {
			return nil, err
		}
		iv, err := w.intervals()
		if err != nil {
			return nil, err
		}
		gen, err := contour.New(contour.Options{
			Sources:     cache,
			Toolkit:     tk,
			Intervals:   iv,
			Attr:        w.cfg.ElevationAttr,
			KeepScratch: w.cfg.KeepScratch,
			Logger:      w.log,
		})
		if err != nil {
			return nil, err
		}
		pool, err := w.db(ctx)
		if err != nil {
			return nil, err
		}
		ld, err := loader.New(loader.Options{
			DB:          pool,
			TablePrefix: w.cfg.TablePrefix,
			Attr:        w.cfg.ElevationAttr,
			Logger:      w.log,
		})
		if err != nil {
			return nil, err
		}
		pub, err := notify.Open(w.cfg.Notify, w.log)
		if err != nil {
			return nil, err
		}
		w.notify = pub
		deps.Generator = gen
		deps.Loader = ld
		deps.Notifier = pub
	}

	return pipeline.New(deps, pipeline.Options{
		GenerateWorkers: w.cfg.GenerateWorkers,
		FailFast:        w.cfg.FailFast,
	})
}

func (w *wiring) run(ctx context.Context, bbox BBoxFlag, minZoom, maxZoom int, generate bool, out io.Writer) error {
	p, err := w.pipeline(ctx, bbox, generate)
	if err != nil {
		return err
	}
	var sum pipeline.Summary
	if generate {
		sum, err = p.Run(ctx, minZoom, maxZoom)
	} else {
		sum, err = p.Fetch(ctx, minZoom, maxZoom)
	}
	_, _ = fmt.Fprintln(out, sum.String())
	return err
}

func (w *wiring) printExtent(ctx context.Context, bbox BBoxFlag, out io.Writer) error {
	ext, err := w.extent(ctx, bbox)
	if err != nil {
		return err
	}
	b, err := ext.Resolve(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, b.String())
	return nil
}

func (w *wiring) printStatus(ctx context.Context, out io.Writer) error {
	l, err := w.openLedger(ctx)
	if err != nil {
		return err
	}
	counts, err := l.Counts(ctx)
	if err != nil {
		return err
	}
	printCounts(out, counts)
	return nil
}

func (w *wiring) prune(ctx context.Context, out io.Writer) error {
	c, err := w.cache(nil)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "removed %d empty directories\n", c.PruneEmptyDirs(ctx))
	return nil
}
