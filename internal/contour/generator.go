// Package contour turns cached elevation rasters into clipped contour
// artifacts, one per tile, using the tile and its eight neighbours.
package contour

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
	"github.com/mohammed-shakir/contour-pipeline/internal/core/observability"
	"github.com/mohammed-shakir/contour-pipeline/internal/logger"
)

const Stage = "generate"

const (
	extMerge    = ".merge.tif"
	extContours = ".contours.geojson"
	extClipped  = ".clipped.geojson"
)

// Sources locates cached rasters. *tilecache.Cache satisfies it.
type Sources interface {
	Path(t model.Tile) string
	Exists(t model.Tile) bool
}

type Options struct {
	Sources     Sources
	Toolkit     Toolkit
	Intervals   Intervals
	Attr        string
	KeepScratch bool
	Logger      *slog.Logger
}

type Generator struct {
	src   Sources
	tk    Toolkit
	iv    Intervals
	attr  string
	keep  bool
	log   *slog.Logger
	nowFn func() time.Time
}

func New(o Options) (*Generator, error) {
	if o.Sources == nil || o.Toolkit == nil {
		return nil, errors.New("contour generator needs sources and a toolkit")
	}
	if len(o.Intervals.steps) == 0 {
		o.Intervals = MustIntervals(DefaultIntervals)
	}
	if o.Attr == "" {
		o.Attr = "elevation"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Generator{
		src:   o.Sources,
		tk:    o.Toolkit,
		iv:    o.Intervals,
		attr:  o.Attr,
		keep:  o.KeepScratch,
		log:   o.Logger,
		nowFn: time.Now,
	}, nil
}

func (g *Generator) Intervals() Intervals { return g.iv }

func (g *Generator) base(t model.Tile) string {
	return strings.TrimSuffix(g.src.Path(t), filepath.Ext(g.src.Path(t)))
}

// ArtifactPath is where the final clipped contours for t live.
func (g *Generator) ArtifactPath(t model.Tile) string { return g.base(t) + extClipped }

// Block returns the cached rasters among t and its neighbours, row-major
// from the northwest corner.
func (g *Generator) Block(t model.Tile) []string {
	var out []string
	for _, n := range t.Neighbors() {
		if g.src.Exists(n) {
			out = append(out, g.src.Path(n))
		}
	}
	return out
}

// Generate produces the clipped contour artifact for t and returns its
// path. An existing artifact is returned as is.
func (g *Generator) Generate(ctx context.Context, t model.Tile) (string, error) {
	ctx = logger.WithStage(logger.WithTile(ctx, t), Stage)
	bound, ok := mercatorBound(t)
	if !ok {
		observability.ObserveTile(Stage, "failed", 0)
		return "", &GenerationError{Tile: t, Step: StepTile, Err: fmt.Errorf("tile %s outside the grid", t)}
	}
	final := g.ArtifactPath(t)
	if fileExists(final) {
		observability.ObserveTile(Stage, "cached", 0)
		return final, nil
	}

	inputs := g.Block(t)
	if len(inputs) == 0 {
		observability.ObserveTile(Stage, "skipped", 0)
		return "", fmt.Errorf("tile %s: %w", t, ErrNoSource)
	}

	start := g.nowFn()
	base := g.base(t)
	merged, contours, part := base+extMerge, base+extContours, final+".part"
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", &GenerationError{Tile: t, Step: StepMerge, Err: err}
	}
	// leftovers from an interrupted run make the tools refuse to overwrite
	removeAll(merged, contours, part)

	fail := func(step string, err error) (string, error) {
		removeAll(part)
		if !g.keep {
			removeAll(merged, contours)
		}
		observability.ObserveTile(Stage, "failed", g.nowFn().Sub(start))
		return "", &GenerationError{Tile: t, Step: step, Err: err}
	}

	interval := g.iv.For(t.Z)
	g.log.DebugContext(ctx, "generating contours", "inputs", len(inputs), "interval", interval)

	if err := g.tk.Merge(ctx, inputs, merged); err != nil {
		return fail(StepMerge, err)
	}
	if err := g.tk.Contour(ctx, merged, contours, interval, g.attr); err != nil {
		return fail(StepContour, err)
	}
	if err := g.tk.ClipReproject(ctx, contours, part, bound, SRSMercator, SRSWGS84); err != nil {
		return fail(StepClip, err)
	}
	if err := os.Rename(part, final); err != nil {
		return fail(StepClip, err)
	}
	if !g.keep {
		removeAll(merged, contours)
	}

	observability.ObserveTile(Stage, "generated", g.nowFn().Sub(start))
	return final, nil
}

// mercatorBound is the tile footprint in EPSG:3857 metres.
func mercatorBound(t model.Tile) (orb.Bound, bool) {
	b, ok := t.Bound()
	if !ok {
		return orb.Bound{}, false
	}
	return orb.Bound{
		Min: project.WGS84.ToMercator(b.Min),
		Max: project.WGS84.ToMercator(b.Max),
	}, true
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

func removeAll(paths ...string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
