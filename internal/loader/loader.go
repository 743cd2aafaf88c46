// Package loader appends clipped contour artifacts into the per-zoom
// PostGIS tables read by the vector tile server.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
	"github.com/mohammed-shakir/contour-pipeline/internal/core/observability"
	"github.com/mohammed-shakir/contour-pipeline/internal/logger"
)

const (
	Stage      = "load"
	LoadsTable = "contour_loads"
	stageTable = "contour_stage"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// markers are per destination table so prefixes never shadow each other
const markerQuery = `SELECT EXISTS (SELECT 1 FROM ` + LoadsTable + ` WHERE tbl=$1 AND z=$2 AND x=$3 AND y=$4)`

// DB is the subset of *pgxpool.Pool the loader uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Options struct {
	DB          DB
	TablePrefix string
	Attr        string
	Logger      *slog.Logger
}

type Result struct {
	Records int
	// Skipped is set when the tile was already in the table.
	Skipped bool
}

type Loader struct {
	db     DB
	prefix string
	attr   string
	log    *slog.Logger

	mu    sync.Mutex
	zooms map[int]*zoomLane
}

// zoomLane serialises appends to one contours<z> table.
type zoomLane struct {
	mu    sync.Mutex
	ready bool
}

func New(o Options) (*Loader, error) {
	if o.DB == nil {
		return nil, errors.New("loader needs a database")
	}
	if o.TablePrefix == "" {
		o.TablePrefix = "contours"
	}
	if !identRe.MatchString(o.TablePrefix) {
		return nil, fmt.Errorf("table prefix %q is not a plain identifier", o.TablePrefix)
	}
	if o.Attr == "" {
		o.Attr = "elevation"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Loader{
		db:     o.DB,
		prefix: o.TablePrefix,
		attr:   o.Attr,
		log:    o.Logger,
		zooms:  map[int]*zoomLane{},
	}, nil
}

func (l *Loader) Table(z int) string { return l.prefix + strconv.Itoa(z) }

func (l *Loader) lane(z int) *zoomLane {
	l.mu.Lock()
	defer l.mu.Unlock()
	zl, ok := l.zooms[z]
	if !ok {
		zl = &zoomLane{}
		l.zooms[z] = zl
	}
	return zl
}

func (l *Loader) schema(z int) []string {
	tbl := pgx.Identifier{l.Table(z)}.Sanitize()
	idx := pgx.Identifier{l.Table(z) + "_geom_idx"}.Sanitize()
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id        bigserial PRIMARY KEY,
	geom      geometry(MultiLineString, %d) NOT NULL,
	elevation double precision
)`, tbl, model.SRID),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (geom)`, idx, tbl),
		`CREATE TABLE IF NOT EXISTS ` + LoadsTable + ` (
	tbl       text    NOT NULL,
	z         integer NOT NULL,
	x         integer NOT NULL,
	y         integer NOT NULL,
	features  integer NOT NULL,
	loaded_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (tbl, z, x, y)
)`,
	}
}

// Load appends the artifact's lines to contours<z>. The append and the
// tile's load marker commit together, so a tile is never appended twice.
func (l *Loader) Load(ctx context.Context, t model.Tile, artifact string) (Result, error) {
	ctx = logger.WithStage(logger.WithTile(ctx, t), Stage)
	start := time.Now()
	fail := func(err error) (Result, error) {
		observability.ObserveTile(Stage, "failed", time.Since(start))
		return Result{}, &LoadError{Tile: t, Err: err}
	}

	recs, dropped, err := readRecords(artifact, l.attr)
	if err != nil {
		return fail(err)
	}

	lane := l.lane(t.Z)
	lane.mu.Lock()
	defer lane.mu.Unlock()

	if err := l.ensure(ctx, t.Z, lane); err != nil {
		return fail(err)
	}
	res, err := l.append(ctx, t, recs)
	if err != nil {
		return fail(err)
	}

	outcome := "loaded"
	if res.Skipped {
		outcome = "skipped"
	} else {
		observability.AddRecordsLoaded(t.Z, res.Records)
	}
	observability.ObserveTile(Stage, outcome, time.Since(start))
	l.log.DebugContext(ctx, "contours loaded",
		"table", l.Table(t.Z), "records", res.Records, "dropped", dropped, "skipped", res.Skipped)
	return res, nil
}

// Loaded reports whether t has a load marker for its zoom table.
func (l *Loader) Loaded(ctx context.Context, t model.Tile) (bool, error) {
	lane := l.lane(t.Z)
	lane.mu.Lock()
	defer lane.mu.Unlock()

	if err := l.ensure(ctx, t.Z, lane); err != nil {
		return false, err
	}
	var loaded bool
	if err := l.db.QueryRow(ctx, markerQuery, l.Table(t.Z), t.Z, t.X, t.Y).Scan(&loaded); err != nil {
		return false, fmt.Errorf("check load marker: %w", err)
	}
	return loaded, nil
}

// ensure creates the zoom table and marker table once; lane must be held.
func (l *Loader) ensure(ctx context.Context, z int, lane *zoomLane) error {
	if lane.ready {
		return nil
	}
	for _, stmt := range l.schema(z) {
		if _, err := l.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure %s: %w", l.Table(z), err)
		}
	}
	lane.ready = true
	return nil
}

func (l *Loader) append(ctx context.Context, t model.Tile, recs []record) (Result, error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var loaded bool
	err = tx.QueryRow(ctx, markerQuery, l.Table(t.Z), t.Z, t.X, t.Y).Scan(&loaded)
	if err != nil {
		return Result{}, fmt.Errorf("check load marker: %w", err)
	}
	if loaded {
		return Result{Skipped: true}, nil
	}

	if len(recs) > 0 {
		if _, err := tx.Exec(ctx, `CREATE TEMP TABLE `+stageTable+` (wkb bytea NOT NULL, elevation double precision) ON COMMIT DROP`); err != nil {
			return Result{}, fmt.Errorf("create staging table: %w", err)
		}
		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{stageTable},
			[]string{"wkb", "elevation"},
			pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) {
				return []any{recs[i].wkb, recs[i].elevation}, nil
			}),
		)
		if err != nil {
			return Result{}, fmt.Errorf("copy %d records: %w", len(recs), err)
		}
		if int(n) != len(recs) {
			return Result{}, fmt.Errorf("copied %d of %d records", n, len(recs))
		}
		insert := fmt.Sprintf(
			`INSERT INTO %s (geom, elevation) SELECT ST_Multi(ST_GeomFromWKB(wkb, %d)), elevation FROM %s`,
			pgx.Identifier{l.Table(t.Z)}.Sanitize(), model.SRID, stageTable)
		if _, err := tx.Exec(ctx, insert); err != nil {
			return Result{}, fmt.Errorf("append to %s: %w", l.Table(t.Z), err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+LoadsTable+` (tbl, z, x, y, features) VALUES ($1, $2, $3, $4, $5)`,
		l.Table(t.Z), t.Z, t.X, t.Y, len(recs)); err != nil {
		return Result{}, fmt.Errorf("write load marker: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit: %w", err)
	}
	return Result{Records: len(recs)}, nil
}
