// Package extent resolves the geographic area the pipeline covers.
package extent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
)

var ErrExtentUnavailable = errors.New("extent unavailable")

type ExtentError struct {
	Source string
	Err    error
}

func (e *ExtentError) Error() string {
	return fmt.Sprintf("resolve extent from %s: %v", e.Source, e.Err)
}

func (e *ExtentError) Unwrap() error { return e.Err }

func (e *ExtentError) Is(target error) bool { return target == ErrExtentUnavailable }

type Resolver interface {
	Resolve(ctx context.Context) (model.BBox, error)
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostGIS computes the extent of a geometry column, reprojected to
// EPSG:4326, on every call.
type PostGIS struct {
	db     Querier
	table  string
	column string
	query  string
}

func NewPostGIS(db Querier, table, column string) (*PostGIS, error) {
	if db == nil {
		return nil, errors.New("extent resolver needs a database")
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("extent table %q is not an identifier", table)
	}
	if !identRe.MatchString(column) || strings.Contains(column, ".") {
		return nil, fmt.Errorf("extent column %q is not an identifier", column)
	}
	q := fmt.Sprintf(
		`SELECT ST_XMin(e), ST_YMin(e), ST_XMax(e), ST_YMax(e) FROM (SELECT ST_Extent(ST_Transform(%s, %d)) AS e FROM %s) s`,
		pgx.Identifier{column}.Sanitize(), model.SRID, pgx.Identifier(strings.Split(table, ".")).Sanitize())
	return &PostGIS{db: db, table: table, column: column, query: q}, nil
}

func (p *PostGIS) Resolve(ctx context.Context) (model.BBox, error) {
	src := p.table + "." + p.column
	var w, s, e, n *float64
	if err := p.db.QueryRow(ctx, p.query).Scan(&w, &s, &e, &n); err != nil {
		return model.BBox{}, &ExtentError{Source: src, Err: err}
	}
	if w == nil || s == nil || e == nil || n == nil {
		return model.BBox{}, &ExtentError{Source: src, Err: errors.New("table has no geometries")}
	}
	b := model.BBox{West: *w, South: *s, East: *e, North: *n}
	if err := b.Validate(); err != nil {
		return model.BBox{}, &ExtentError{Source: src, Err: err}
	}
	return b, nil
}

// Static always resolves to the same box.
type Static model.BBox

func (s Static) Resolve(context.Context) (model.BBox, error) {
	b := model.BBox(s)
	if err := b.Validate(); err != nil {
		return model.BBox{}, &ExtentError{Source: "static bbox", Err: err}
	}
	return b, nil
}

// ParseBBox parses "west,south,east,north" in degrees.
func ParseBBox(s string) (model.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return model.BBox{}, fmt.Errorf("bbox %q: want west,south,east,north", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return model.BBox{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		v[i] = f
	}
	b := model.BBox{West: v[0], South: v[1], East: v[2], North: v[3]}
	if err := b.Validate(); err != nil {
		return model.BBox{}, err
	}
	return b, nil
}
