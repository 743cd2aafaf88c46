package contour

import (
	"context"

	"github.com/paulmach/orb"
)

const (
	SRSMercator = "EPSG:3857"
	SRSWGS84    = "EPSG:4326"
)

type RasterTools interface {
	// Merge mosaics inputs into one raster at out.
	Merge(ctx context.Context, inputs []string, out string) error
	// Contour traces lines every interval units, storing the level in attr.
	Contour(ctx context.Context, in, out string, interval float64, attr string) error
}

type Clipper interface {
	// ClipReproject clips in to clip (given in srcSRS) and writes the
	// result reprojected to dstSRS.
	ClipReproject(ctx context.Context, in, out string, clip orb.Bound, srcSRS, dstSRS string) error
}

// Toolkit is the raster and vector tooling contour generation needs.
type Toolkit interface {
	RasterTools
	Clipper
}

// Composite takes raster steps from one provider and clipping from another.
type Composite struct {
	RasterTools
	Clipper
}
