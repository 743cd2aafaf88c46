// Package tiles turns a geographic extent into the per-zoom raster tile
// sets the pipeline fetches and contours.
package tiles

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
)

const (
	MinZoom = 0
	MaxZoom = 22

	// web mercator latitude limit
	maxLat   = 85.05112877980659
	tileSize = 256
)

var ErrZoomRange = errors.New("zoom out of range 0-22")

// Range is an inclusive tile range at one zoom.
type Range struct {
	MinX, MinY int
	MaxX, MaxY int
}

func (r Range) Contains(t model.Tile) bool {
	return t.X >= r.MinX && t.X <= r.MaxX && t.Y >= r.MinY && t.Y <= r.MaxY
}

func (r Range) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// TileSet is the ordered tile sequence for one zoom. Core is the minimal
// covering range; Tiles adds one column on each side of it.
type TileSet struct {
	Zoom  int
	Core  Range
	Tiles []model.Tile
}

// CoreTiles returns the tiles of s inside the covering range, in
// enumeration order.
func (s TileSet) CoreTiles() []model.Tile {
	out := make([]model.Tile, 0, s.Core.Count())
	for _, t := range s.Tiles {
		if s.Core.Contains(t) {
			out = append(out, t)
		}
	}
	return out
}

// CoveringRange returns the tiles touching box at zoom, clamped to the grid.
// Corners snap to whole pixels of a 256px tile and the east and south edges
// give up their last pixel, so an edge within half a pixel of a tile
// boundary does not pull in the next tile.
func CoveringRange(box model.BBox, zoom int) Range {
	z := maptile.Zoom(zoom)
	nw := pixel(maptile.Fraction(orb.Point{box.West, clampLat(box.North)}, z))
	se := pixel(maptile.Fraction(orb.Point{box.East, clampLat(box.South)}, z))

	x0, x1 := tileOf(nw[0]), tileOf(se[0]-1)
	y0, y1 := tileOf(nw[1]), tileOf(se[1]-1)

	last := (1 << uint(zoom)) - 1
	return Range{
		MinX: clamp(min(x0, x1), 0, last),
		MinY: clamp(min(y0, y1), 0, last),
		MaxX: clamp(max(x0, x1), 0, last),
		MaxY: clamp(max(y0, y1), 0, last),
	}
}

// ValidZoom reports whether z is a zoom the pipeline can enumerate.
func ValidZoom(z int) bool { return z >= MinZoom && z <= MaxZoom }

// CheckZooms rejects a zoom range with either end outside MinZoom..MaxZoom.
func CheckZooms(minZoom, maxZoom int) error {
	for _, z := range []int{minZoom, maxZoom} {
		if !ValidZoom(z) {
			return fmt.Errorf("zoom %d: %w", z, ErrZoomRange)
		}
	}
	return nil
}

// For enumerates the tiles for box at zoom: x from MaxX+1 down to MinX-1,
// and for each x, y from MaxY down to MinY. The x margin may fall outside
// the grid. An invalid zoom yields an empty set.
func For(box model.BBox, zoom int) TileSet {
	if !ValidZoom(zoom) {
		return TileSet{Zoom: zoom, Core: Range{MaxX: -1, MaxY: -1}}
	}
	core := CoveringRange(box, zoom)
	set := TileSet{Zoom: zoom, Core: core}
	set.Tiles = make([]model.Tile, 0, (core.MaxX-core.MinX+3)*(core.MaxY-core.MinY+1))
	for x := core.MaxX + 1; x >= core.MinX-1; x-- {
		for y := core.MaxY; y >= core.MinY; y-- {
			set.Tiles = append(set.Tiles, model.Tile{X: x, Y: y, Z: zoom})
		}
	}
	return set
}

// ForRange returns one TileSet per zoom, finest zoom first.
func ForRange(box model.BBox, minZoom, maxZoom int) []TileSet {
	if minZoom > maxZoom {
		minZoom, maxZoom = maxZoom, minZoom
	}
	out := make([]TileSet, 0, maxZoom-minZoom+1)
	for z := maxZoom; z >= minZoom; z-- {
		out = append(out, For(box, z))
	}
	return out
}

func All(sets []TileSet) []model.Tile {
	out := make([]model.Tile, 0, Count(sets))
	for _, s := range sets {
		out = append(out, s.Tiles...)
	}
	return out
}

func Count(sets []TileSet) int {
	n := 0
	for _, s := range sets {
		n += len(s.Tiles)
	}
	return n
}

// pixel rounds tile fractions to whole pixels, half up.
func pixel(f orb.Point) [2]float64 {
	return [2]float64{math.Floor(f[0]*tileSize + 0.5), math.Floor(f[1]*tileSize + 0.5)}
}

func tileOf(px float64) int {
	return int(math.Floor(px / tileSize))
}

func clampLat(lat float64) float64 {
	return math.Max(-maxLat, math.Min(maxLat, lat))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
