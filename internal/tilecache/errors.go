package tilecache

import (
	"errors"
	"fmt"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
)

var ErrDownloadFailed = errors.New("download failed")

// DownloadError reports a tile whose raster could not be stored. No partial
// file is left behind when it is returned.
type DownloadError struct {
	Tile model.Tile
	URL  string
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s from %s: %v", e.Tile, e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

func (e *DownloadError) Is(target error) bool { return target == ErrDownloadFailed }
