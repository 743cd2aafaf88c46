// Package native clips and reprojects contour lines in process, standing in
// for ogr2ogr in the last generation step.
package native

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

type Clipper struct{}

func (Clipper) ClipReproject(ctx context.Context, in, out string, bound orb.Bound, srcSRS, dstSRS string) error {
	proj, err := projection(srcSRS, dstSRS)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", in, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", in, err)
	}

	res := geojson.NewFeatureCollection()
	for _, f := range fc.Features {
		if err := ctx.Err(); err != nil {
			return err
		}
		mls, ok := asLines(f.Geometry)
		if !ok {
			continue
		}
		mls = clip.MultiLineString(bound, mls)
		if len(mls) == 0 {
			continue
		}
		var g orb.Geometry = mls
		if proj != nil {
			g = project.Geometry(mls, proj)
		}
		nf := geojson.NewFeature(g)
		nf.Properties = f.Properties
		res.Append(nf)
	}

	b, err := res.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode %s: %w", out, err)
	}
	if err := os.WriteFile(out, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	return nil
}

// asLines mirrors ogr2ogr -nlt MULTILINESTRING -skipfailures: line
// geometries are promoted, anything else is dropped.
func asLines(g orb.Geometry) (orb.MultiLineString, bool) {
	switch v := g.(type) {
	case orb.LineString:
		return orb.MultiLineString{v}, true
	case orb.MultiLineString:
		return v, true
	default:
		return nil, false
	}
}

func projection(src, dst string) (orb.Projection, error) {
	src, dst = strings.ToUpper(src), strings.ToUpper(dst)
	switch {
	case src == dst:
		return nil, nil
	case src == "EPSG:3857" && dst == "EPSG:4326":
		return project.Mercator.ToWGS84, nil
	case src == "EPSG:4326" && dst == "EPSG:3857":
		return project.WGS84.ToMercator, nil
	}
	return nil, fmt.Errorf("unsupported reprojection %s -> %s", src, dst)
}
