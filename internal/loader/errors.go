package loader

import (
	"errors"
	"fmt"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
)

var ErrLoadFailed = errors.New("contour load failed")

// LoadError means nothing from the tile's artifact was committed.
type LoadError struct {
	Tile model.Tile
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Tile, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrLoadFailed }
