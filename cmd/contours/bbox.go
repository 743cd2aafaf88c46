package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
	"github.com/mohammed-shakir/contour-pipeline/internal/extent"
)

// BBoxFlag consumes the next token verbatim, so a box with a negative west
// longitude works without the --bbox= form.
type BBoxFlag struct {
	Box model.BBox
	Set bool
}

func (b *BBoxFlag) Decode(ctx *kong.DecodeContext) error {
	tok := ctx.Scan.Pop()
	if tok.IsEOL() {
		return fmt.Errorf("--bbox: expected west,south,east,north")
	}
	box, err := extent.ParseBBox(tok.String())
	if err != nil {
		return fmt.Errorf("--bbox: %w", err)
	}
	b.Box, b.Set = box, true
	return nil
}
