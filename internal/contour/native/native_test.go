package native

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

func writeFC(t *testing.T, path string, fs ...*geojson.Feature) {
	t.Helper()
	fc := geojson.NewFeatureCollection()
	for _, f := range fs {
		fc.Append(f)
	}
	b, err := fc.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func merc(lon, lat float64) orb.Point { return project.WGS84.ToMercator(orb.Point{lon, lat}) }

func TestClipReproject_ClipsToBoundAndKeepsElevation(t *testing.T) {
	dir := t.TempDir()
	in, out := filepath.Join(dir, "in.geojson"), filepath.Join(dir, "out.geojson")

	crossing := geojson.NewFeature(orb.LineString{merc(-90, 10), merc(90, 10)})
	crossing.Properties["elevation"] = 1200.0
	outside := geojson.NewFeature(orb.LineString{merc(10, -50), merc(20, -50)})
	outside.Properties["elevation"] = 100.0
	point := geojson.NewFeature(merc(-10, 10))
	writeFC(t, in, crossing, outside, point)

	bound := orb.Bound{Min: merc(-180, 0), Max: merc(0, 80)}
	if err := (Clipper{}).ClipReproject(context.Background(), in, out, bound, "EPSG:3857", "EPSG:4326"); err != nil {
		t.Fatalf("ClipReproject: %v", err)
	}

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fc.Features) != 1 {
		t.Fatalf("features=%d want 1", len(fc.Features))
	}
	f := fc.Features[0]
	mls, ok := f.Geometry.(orb.MultiLineString)
	if !ok {
		t.Fatalf("geometry=%T want MultiLineString", f.Geometry)
	}
	for _, ls := range mls {
		for _, p := range ls {
			if p[0] < -180.0001 || p[0] > 0.0001 || p[1] < 9.999 || p[1] > 10.001 {
				t.Fatalf("point %v outside tile footprint", p)
			}
		}
	}
	if got := f.Properties.MustFloat64("elevation", 0); got != 1200 {
		t.Fatalf("elevation=%v want 1200", got)
	}
}

func TestClipReproject_RejectsUnknownSRS(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.geojson")
	writeFC(t, in)
	err := (Clipper{}).ClipReproject(context.Background(), in, filepath.Join(dir, "o"), orb.Bound{}, "EPSG:27700", "EPSG:4326")
	if err == nil {
		t.Fatalf("expected unsupported reprojection error")
	}
}
