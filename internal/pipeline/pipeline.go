// Package pipeline drives a contour run: resolve the extent, then per zoom
// fetch every raster before generating and loading the covering tiles.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/contour-pipeline/internal/contour"
	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
	"github.com/mohammed-shakir/contour-pipeline/internal/extent"
	"github.com/mohammed-shakir/contour-pipeline/internal/ledger"
	"github.com/mohammed-shakir/contour-pipeline/internal/loader"
	"github.com/mohammed-shakir/contour-pipeline/internal/logger"
	"github.com/mohammed-shakir/contour-pipeline/internal/notify"
	"github.com/mohammed-shakir/contour-pipeline/internal/progress"
	"github.com/mohammed-shakir/contour-pipeline/internal/tilecache"
	"github.com/mohammed-shakir/contour-pipeline/internal/tiles"
)

type Fetcher interface {
	FetchAll(ctx context.Context, ts []model.Tile) ([]tilecache.Result, error)
	PruneEmptyDirs(ctx context.Context) int
}

type Generator interface {
	Generate(ctx context.Context, t model.Tile) (string, error)
}

type Loader interface {
	Load(ctx context.Context, t model.Tile, artifact string) (loader.Result, error)
	// Loaded reports whether the destination table already holds t.
	Loaded(ctx context.Context, t model.Tile) (bool, error)
	Table(z int) string
}

type Deps struct {
	Extent    extent.Resolver
	Cache     Fetcher
	Generator Generator
	Loader    Loader
	Ledger    ledger.Ledger
	Notifier  notify.Publisher
	Progress  *progress.Reporter
	Logger    *slog.Logger
}

type Options struct {
	GenerateWorkers int
	// FailFast stops the run at the first tile failure. Otherwise failures
	// are collected and returned together at the end.
	FailFast bool
}

type Pipeline struct {
	d    Deps
	opts Options
	now  func() time.Time
}

func New(d Deps, o Options) (*Pipeline, error) {
	if d.Extent == nil || d.Cache == nil {
		return nil, errors.New("pipeline needs an extent resolver and a tile cache")
	}
	if d.Ledger == nil {
		d.Ledger = ledger.Nop()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if o.GenerateWorkers <= 0 {
		o.GenerateWorkers = 1
	}
	return &Pipeline{d: d, opts: o, now: time.Now}, nil
}

// Run processes zooms maxZoom down to minZoom.
func (p *Pipeline) Run(ctx context.Context, minZoom, maxZoom int) (Summary, error) {
	if p.d.Generator == nil || p.d.Loader == nil {
		return Summary{}, errors.New("pipeline run needs a generator and a loader")
	}
	return p.run(ctx, minZoom, maxZoom, true)
}

// Fetch only fills the tile cache.
func (p *Pipeline) Fetch(ctx context.Context, minZoom, maxZoom int) (Summary, error) {
	return p.run(ctx, minZoom, maxZoom, false)
}

func (p *Pipeline) Status(ctx context.Context) (map[ledger.Stage]int, error) {
	return p.d.Ledger.Counts(ctx)
}

func (p *Pipeline) Prune(ctx context.Context) int {
	return p.d.Cache.PruneEmptyDirs(ctx)
}

func (p *Pipeline) run(ctx context.Context, minZoom, maxZoom int, generate bool) (Summary, error) {
	start := p.now()
	sum := newTally()
	log := p.d.Logger

	if err := tiles.CheckZooms(minZoom, maxZoom); err != nil {
		return sum.finish(p.now().Sub(start)), err
	}
	box, err := p.d.Extent.Resolve(ctx)
	if err != nil {
		return sum.finish(p.now().Sub(start)), err
	}
	sets := tiles.ForRange(box, minZoom, maxZoom)
	zooms := make([]int, 0, len(sets))
	for _, s := range sets {
		zooms = append(zooms, s.Zoom)
	}
	sum.add(func(s *Summary) {
		s.BBox = box
		s.Zooms = zooms
	})
	log.InfoContext(ctx, "run planned", "bbox", box.String(), "zooms", zooms, "tiles", tiles.Count(sets))

	p.d.Progress.Start(tilecache.Stage, tiles.Count(sets))
	if generate {
		core := 0
		for _, s := range sets {
			core += s.Core.Count()
		}
		p.d.Progress.Start(contour.Stage, core)
		p.d.Progress.Start(loader.Stage, core)
	}

	var errs []error
	for _, set := range sets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		zctx := logger.WithComponent(ctx, fmt.Sprintf("z%d", set.Zoom))

		results, err := p.d.Cache.FetchAll(zctx, set.Tiles)
		failed := sum.addFetch(results, err)
		if err != nil {
			err = fmt.Errorf("zoom %d fetch: %w", set.Zoom, err)
			if p.opts.FailFast {
				return sum.finish(p.now().Sub(start)), err
			}
			log.WarnContext(zctx, "fetch failures; continuing", "err", err)
			errs = append(errs, err)
		}
		if !generate {
			continue
		}

		if err := p.generateZoom(zctx, set, failed, sum); err != nil {
			if p.opts.FailFast {
				return sum.finish(p.now().Sub(start)), err
			}
			errs = append(errs, err)
		}
	}

	pruned := p.d.Cache.PruneEmptyDirs(ctx)
	sum.add(func(s *Summary) { s.PrunedDirs = pruned })
	out := sum.finish(p.now().Sub(start))
	log.InfoContext(ctx, "run finished", "summary", out.String())
	return out, errors.Join(errs...)
}

// generateZoom runs generate and load for the covering tiles of one zoom.
// Tiles next to a failed fetch are deferred to a later run.
func (p *Pipeline) generateZoom(ctx context.Context, set tiles.TileSet, failed map[model.Tile]bool, sum *tally) error {
	var (
		g    *errgroup.Group
		gctx = ctx
	)
	if p.opts.FailFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = &errgroup.Group{}
	}
	g.SetLimit(p.opts.GenerateWorkers)

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, t := range set.CoreTiles() {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if nearFailure(t, failed) {
				sum.add(func(s *Summary) { s.Deferred++ })
				p.d.Progress.Tick(contour.Stage, "deferred")
				p.d.Progress.Tick(loader.Stage, "deferred")
				return nil
			}
			err := p.tile(gctx, t, sum)
			if err == nil || p.opts.FailFast {
				return err
			}
			p.d.Logger.WarnContext(logger.WithTile(gctx, t), "tile failed; continuing", "err", err)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func (p *Pipeline) tile(ctx context.Context, t model.Tile, sum *tally) error {
	ctx = logger.WithTile(ctx, t)

	// The ledger only hints; the load marker in the database decides, so a
	// dropped or swapped database is refilled.
	if done, err := p.d.Ledger.Done(ctx, t, ledger.StageLoaded); err != nil {
		p.d.Logger.WarnContext(ctx, "ledger lookup failed", "err", err)
	} else if done {
		loaded, err := p.d.Loader.Loaded(ctx, t)
		switch {
		case err != nil:
			p.d.Logger.WarnContext(ctx, "load marker lookup failed", "err", err)
		case loaded:
			sum.add(func(s *Summary) { s.AlreadyLoaded++ })
			p.d.Progress.Tick(contour.Stage, "cached")
			p.d.Progress.Tick(loader.Stage, "skipped")
			return nil
		default:
			p.d.Logger.InfoContext(ctx, "ledger marks tile loaded but table lacks it; reloading")
		}
	}

	artifact, err := p.d.Generator.Generate(ctx, t)
	switch {
	case errors.Is(err, contour.ErrNoSource):
		sum.add(func(s *Summary) { s.NoSource++ })
		p.d.Progress.Tick(contour.Stage, "skipped")
		p.d.Progress.Tick(loader.Stage, "skipped")
		return nil
	case err != nil:
		sum.add(func(s *Summary) { s.Failed++ })
		p.d.Progress.Tick(contour.Stage, "failed")
		return err
	}
	sum.add(func(s *Summary) { s.Generated++ })
	p.d.Progress.Tick(contour.Stage, "generated")
	p.mark(ctx, t, ledger.StageContoured)

	res, err := p.d.Loader.Load(ctx, t, artifact)
	if err != nil {
		sum.add(func(s *Summary) { s.Failed++ })
		p.d.Progress.Tick(loader.Stage, "failed")
		return err
	}
	p.mark(ctx, t, ledger.StageLoaded)
	if res.Skipped {
		sum.add(func(s *Summary) { s.AlreadyLoaded++ })
		p.d.Progress.Tick(loader.Stage, "skipped")
		return nil
	}
	sum.add(func(s *Summary) {
		s.Loaded++
		s.Records += res.Records
	})
	p.d.Progress.Tick(loader.Stage, "loaded")

	ev, err := notify.TileLoaded(p.d.Loader.Table(t.Z), t, p.now())
	if err != nil {
		p.d.Logger.WarnContext(ctx, "build load event", "err", err)
		return nil
	}
	if !p.d.Notifier.Publish(ev) {
		p.d.Logger.DebugContext(ctx, "load event dropped")
	}
	return nil
}

func (p *Pipeline) mark(ctx context.Context, t model.Tile, s ledger.Stage) {
	if err := p.d.Ledger.Mark(ctx, t, s); err != nil {
		p.d.Logger.WarnContext(ctx, "ledger mark failed", "stage", string(s), "err", err)
	}
}

func nearFailure(t model.Tile, failed map[model.Tile]bool) bool {
	if len(failed) == 0 {
		return false
	}
	for _, n := range t.Neighbors() {
		if failed[n] {
			return true
		}
	}
	return false
}
