package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
)

// record is one row bound for contours<z>: WKB MultiLineString plus its
// elevation, nil when the feature carries none.
type record struct {
	wkb       []byte
	elevation *float64
}

// readRecords decodes a clipped artifact. Non-line features are skipped.
func readRecords(path, attr string) ([]record, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read artifact: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, 0, fmt.Errorf("decode artifact %s: %w", path, err)
	}

	out := make([]record, 0, len(fc.Features))
	skipped := 0
	for _, f := range fc.Features {
		var mls orb.MultiLineString
		switch g := f.Geometry.(type) {
		case orb.LineString:
			mls = orb.MultiLineString{g}
		case orb.MultiLineString:
			mls = g
		default:
			skipped++
			continue
		}
		if len(mls) == 0 {
			skipped++
			continue
		}
		b, err := wkb.Marshal(mls)
		if err != nil {
			return nil, 0, fmt.Errorf("encode wkb: %w", err)
		}
		out = append(out, record{wkb: b, elevation: elevation(f.Properties, attr)})
	}
	return out, skipped, nil
}

func elevation(p geojson.Properties, attr string) *float64 {
	var v float64
	switch x := p[attr].(type) {
	case float64:
		v = x
	case int:
		v = float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil
		}
		v = f
	default:
		return nil
	}
	return &v
}
