// Package gdal runs the GDAL command line utilities for raster merge,
// contour tracing and vector clipping.
package gdal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

const stderrTail = 512

type Toolkit struct {
	MergeBin   string
	ContourBin string
	OGR2OGRBin string
	Logger     *slog.Logger
}

func New(mergeBin, contourBin, ogrBin string, log *slog.Logger) *Toolkit {
	if log == nil {
		log = slog.Default()
	}
	return &Toolkit{
		MergeBin:   orDefault(mergeBin, "gdal_merge.py"),
		ContourBin: orDefault(contourBin, "gdal_contour"),
		OGR2OGRBin: orDefault(ogrBin, "ogr2ogr"),
		Logger:     log,
	}
}

// Check reports utilities missing from PATH. clip says whether ogr2ogr is
// needed too.
func (t *Toolkit) Check(clip bool) error {
	bins := []string{t.MergeBin, t.ContourBin}
	if clip {
		bins = append(bins, t.OGR2OGRBin)
	}
	var errs []error
	for _, b := range bins {
		if _, err := exec.LookPath(b); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Toolkit) Merge(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return errors.New("merge: no inputs")
	}
	args := append([]string{"-q", "-o", out}, inputs...)
	return t.run(ctx, t.MergeBin, args...)
}

func (t *Toolkit) Contour(ctx context.Context, in, out string, interval float64, attr string) error {
	return t.run(ctx, t.ContourBin,
		"-q",
		"-f", "GeoJSON",
		"-i", strconv.FormatFloat(interval, 'f', -1, 64),
		"-a", attr,
		in, out,
	)
}

func (t *Toolkit) ClipReproject(ctx context.Context, in, out string, clip orb.Bound, srcSRS, dstSRS string) error {
	return t.run(ctx, t.OGR2OGRBin,
		"-f", "GeoJSON",
		"-skipfailures",
		"-nlt", "MULTILINESTRING",
		"-clipsrc",
		fmtCoord(clip.Min[0]), fmtCoord(clip.Min[1]),
		fmtCoord(clip.Max[0]), fmtCoord(clip.Max[1]),
		"-s_srs", srcSRS,
		"-t_srs", dstSRS,
		out, in,
	)
}

func (t *Toolkit) run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	t.Logger.DebugContext(ctx, "exec", "cmd", bin, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(tail(stderr.String(), stderrTail))
		if msg == "" {
			return fmt.Errorf("%s: %w", bin, err)
		}
		return fmt.Errorf("%s: %w: %s", bin, err, msg)
	}
	return nil
}

func fmtCoord(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
