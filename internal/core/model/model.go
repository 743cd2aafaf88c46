// Package model defines core domain types shared across the pipeline.
package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const SRID = 4326

// BBox is a geographic bounding box in EPSG:4326 degrees.
type BBox struct {
	West, South float64
	East, North float64
}

func (b BBox) Validate() error {
	if math.IsNaN(b.West) || math.IsNaN(b.South) || math.IsNaN(b.East) || math.IsNaN(b.North) {
		return errors.New("bbox has NaN coordinate")
	}
	if b.West < -180 || b.East > 180 {
		return fmt.Errorf("bbox longitude out of range: %s", b)
	}
	if b.South < -90 || b.North > 90 {
		return fmt.Errorf("bbox latitude out of range: %s", b)
	}
	if !(b.West < b.East && b.South < b.North) {
		return fmt.Errorf("bbox must satisfy west<east and south<north: %s", b)
	}
	return nil
}

func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// String uses the same ordering as ST_MakeEnvelope and the --bbox flag
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.West, b.South, b.East, b.North)
}

// Tile is a slippy-map tile coordinate. Coordinates are signed so that
// margin tiles outside the grid can still be named and requested.
type Tile struct {
	X, Y, Z int
}

func (t Tile) Valid() bool {
	if t.Z < 0 || t.Z > 30 {
		return false
	}
	n := 1 << uint(t.Z)
	return t.X >= 0 && t.Y >= 0 && t.X < n && t.Y < n
}

// MapTile converts a valid tile to its orb representation.
func (t Tile) MapTile() (maptile.Tile, bool) {
	if !t.Valid() {
		return maptile.Tile{}, false
	}
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z)), true
}

// Bound returns the tile footprint in EPSG:4326.
func (t Tile) Bound() (orb.Bound, bool) {
	mt, ok := t.MapTile()
	if !ok {
		return orb.Bound{}, false
	}
	return mt.Bound(), true
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Neighbors returns the 3x3 block centred on t, row by row from the
// northern row, including t itself at index 4.
func (t Tile) Neighbors() [9]Tile {
	var out [9]Tile
	i := 0
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			out[i] = Tile{X: t.X + dx, Y: t.Y + dy, Z: t.Z}
			i++
		}
	}
	return out
}
