package contour

import (
	"errors"
	"fmt"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
)

var (
	ErrGenerationFailed = errors.New("contour generation failed")
	// ErrNoSource means no raster exists for a tile or any neighbour.
	ErrNoSource = errors.New("no source rasters")
)

const (
	// StepTile rejects the tile address before any tool runs.
	StepTile    = "tile"
	StepMerge   = "merge"
	StepContour = "contour"
	StepClip    = "clip"
)

type GenerationError struct {
	Tile model.Tile
	Step string
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s: %s: %v", e.Tile, e.Step, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Is(target error) bool { return target == ErrGenerationFailed }
