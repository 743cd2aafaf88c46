package contour

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultIntervals is the zoom to interval table in metres: z12 and finer
// get 10 m lines, z10-11 get 100 m, everything coarser 1000 m.
const DefaultIntervals = "12:10,10:100,0:1000"

type Step struct {
	MinZoom  int
	Interval float64
}

// Intervals maps a zoom to a contour interval. Read-only once parsed.
type Intervals struct {
	steps []Step // MinZoom descending
}

// ParseIntervals parses "minZoom:interval" pairs separated by commas.
func ParseIntervals(s string) (Intervals, error) {
	var steps []Step
	seen := map[int]bool{}
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		zs, is, ok := strings.Cut(part, ":")
		if !ok {
			return Intervals{}, fmt.Errorf("interval step %q: want minZoom:interval", part)
		}
		z, err := strconv.Atoi(strings.TrimSpace(zs))
		if err != nil || z < 0 {
			return Intervals{}, fmt.Errorf("interval step %q: bad zoom", part)
		}
		iv, err := strconv.ParseFloat(strings.TrimSpace(is), 64)
		if err != nil || iv <= 0 {
			return Intervals{}, fmt.Errorf("interval step %q: interval must be a positive number", part)
		}
		if seen[z] {
			return Intervals{}, fmt.Errorf("interval step %q: duplicate zoom %d", part, z)
		}
		seen[z] = true
		steps = append(steps, Step{MinZoom: z, Interval: iv})
	}
	if len(steps) == 0 {
		return Intervals{}, fmt.Errorf("interval table %q is empty", s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].MinZoom > steps[j].MinZoom })
	return Intervals{steps: steps}, nil
}

func MustIntervals(s string) Intervals {
	iv, err := ParseIntervals(s)
	if err != nil {
		panic(err)
	}
	return iv
}

// For returns the interval for zoom z. Zooms below every step use the
// coarsest step.
func (iv Intervals) For(z int) float64 {
	if len(iv.steps) == 0 {
		return 0
	}
	for _, s := range iv.steps {
		if z >= s.MinZoom {
			return s.Interval
		}
	}
	return iv.steps[len(iv.steps)-1].Interval
}

func (iv Intervals) String() string {
	parts := make([]string, len(iv.steps))
	for i, s := range iv.steps {
		parts[i] = strconv.Itoa(s.MinZoom) + ":" + strconv.FormatFloat(s.Interval, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}
