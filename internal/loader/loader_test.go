package loader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
)

// marker mirrors a contour_loads primary key.
type marker struct {
	tbl  string
	tile model.Tile
}

func markerArgs(args []any) marker {
	return marker{
		tbl:  args[0].(string),
		tile: model.Tile{Z: args[1].(int), X: args[2].(int), Y: args[3].(int)},
	}
}

type fakeDB struct {
	mu          sync.Mutex
	ddl         []string
	loaded      map[marker]int
	rows        map[string]int
	copied      [][]any
	failCopy    error
	inflight    int
	maxInflight int
}

func newFakeDB() *fakeDB {
	return &fakeDB{loaded: map[marker]int{}, rows: map[string]int{}}
}

func (d *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.loaded[markerArgs(args)]
	return fakeRow{v: ok}
}

func (d *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ddl = append(d.ddl, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight++
	d.maxInflight = max(d.maxInflight, d.inflight)
	return &fakeTx{db: d}, nil
}

type fakeRow struct{ v bool }

func (r fakeRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = r.v
	return nil
}

// fakeTx embeds pgx.Tx so only the methods the loader calls need bodies.
type fakeTx struct {
	pgx.Tx
	db     *fakeDB
	table  string
	copied [][]any
	marker *marker
	count  int
	closed bool
}

func (tx *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return tx.db.QueryRow(ctx, sql, args...)
}

func (tx *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.HasPrefix(sql, "INSERT INTO "+LoadsTable):
		m := markerArgs(args)
		tx.marker = &m
		tx.count = args[4].(int)
	case strings.HasPrefix(sql, "INSERT INTO"):
		tx.table = strings.Fields(sql)[2]
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (tx *fakeTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, src pgx.CopyFromSource) (int64, error) {
	if tx.db.failCopy != nil {
		return 0, tx.db.failCopy
	}
	var n int64
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return n, err
		}
		tx.copied = append(tx.copied, vals)
		n++
	}
	return n, src.Err()
}

func (tx *fakeTx) finish() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.db.inflight--
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.marker != nil {
		tx.db.loaded[*tx.marker] = tx.count
	}
	tx.db.rows[tx.table] += len(tx.copied)
	tx.db.copied = append(tx.db.copied, tx.copied...)
	tx.finish()
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	tx.finish()
	return nil
}

func writeArtifact(t *testing.T, fs ...*geojson.Feature) string {
	t.Helper()
	fc := geojson.NewFeatureCollection()
	for _, f := range fs {
		fc.Append(f)
	}
	b, err := fc.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "395.clipped.geojson")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func line(elev any) *geojson.Feature {
	f := geojson.NewFeature(orb.LineString{{-122.5, 37.5}, {-122.4, 37.6}})
	if elev != nil {
		f.Properties["elevation"] = elev
	}
	return f
}

func newLoader(t *testing.T, db DB) *Loader {
	t.Helper()
	l, err := New(Options{DB: db, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestLoad_AppendsOnceAndThenSkips(t *testing.T) {
	db := newFakeDB()
	l := newLoader(t, db)
	tile := model.Tile{X: 162, Y: 395, Z: 10}
	art := writeArtifact(t, line(100.0), line(200.0))

	res, err := l.Load(context.Background(), tile, art)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Records != 2 || res.Skipped {
		t.Fatalf("result=%+v want 2 records", res)
	}
	if db.rows[`"contours10"`] != 2 {
		t.Fatalf("rows=%v want contours10=2", db.rows)
	}
	if got := db.loaded[marker{"contours10", tile}]; got != 2 {
		t.Fatalf("marker features=%d want 2", got)
	}

	res, err = l.Load(context.Background(), tile, art)
	if err != nil {
		t.Fatalf("Load again: %v", err)
	}
	if !res.Skipped || res.Records != 0 {
		t.Fatalf("result=%+v want skipped", res)
	}
	if db.rows[`"contours10"`] != 2 {
		t.Fatalf("rows=%v duplicated on second load", db.rows)
	}
	if len(db.ddl) != 3 {
		t.Fatalf("ddl statements=%d want 3 (once per zoom)", len(db.ddl))
	}
}

func TestLoad_SkipsNonLinesAndKeepsElevation(t *testing.T) {
	db := newFakeDB()
	l := newLoader(t, db)
	pt := geojson.NewFeature(orb.Point{-122.5, 37.5})
	pt.Properties["elevation"] = 5.0
	art := writeArtifact(t, line(300.0), pt, line("450"), line(nil))

	res, err := l.Load(context.Background(), model.Tile{X: 1, Y: 2, Z: 12}, art)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Records != 3 {
		t.Fatalf("records=%d want 3", res.Records)
	}
	wantElev := []any{300.0, 450.0, nil}
	for i, row := range db.copied {
		if len(row[0].([]byte)) == 0 {
			t.Fatalf("row %d has empty wkb", i)
		}
		got := row[1].(*float64)
		switch want := wantElev[i].(type) {
		case nil:
			if got != nil {
				t.Fatalf("row %d elevation=%v want NULL", i, *got)
			}
		case float64:
			if got == nil || *got != want {
				t.Fatalf("row %d elevation=%v want %v", i, got, want)
			}
		}
	}
}

func TestLoad_CopyFailureCommitsNothing(t *testing.T) {
	db := newFakeDB()
	db.failCopy = errors.New("connection reset")
	l := newLoader(t, db)
	tile := model.Tile{X: 3, Y: 3, Z: 11}

	_, err := l.Load(context.Background(), tile, writeArtifact(t, line(1.0)))
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("err=%v want ErrLoadFailed", err)
	}
	var le *LoadError
	if !errors.As(err, &le) || le.Tile != tile {
		t.Fatalf("err=%v want LoadError for %v", err, tile)
	}
	if _, ok := db.loaded[marker{"contours11", tile}]; ok {
		t.Fatalf("marker committed despite failure")
	}
	if db.inflight != 0 {
		t.Fatalf("transaction left open")
	}
}

func TestLoad_MissingArtifactFails(t *testing.T) {
	l := newLoader(t, newFakeDB())
	_, err := l.Load(context.Background(), model.Tile{Z: 1}, filepath.Join(t.TempDir(), "nope.geojson"))
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("err=%v want ErrLoadFailed", err)
	}
}

func TestLoad_SerialisesAppendsPerZoom(t *testing.T) {
	db := newFakeDB()
	l := newLoader(t, db)
	art := writeArtifact(t, line(1.0))

	var wg sync.WaitGroup
	for x := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Load(context.Background(), model.Tile{X: x, Y: 0, Z: 13}, art); err != nil {
				t.Errorf("Load: %v", err)
			}
		}()
	}
	wg.Wait()
	if db.maxInflight != 1 {
		t.Fatalf("max concurrent transactions=%d want 1", db.maxInflight)
	}
	if db.rows[`"contours13"`] != 8 {
		t.Fatalf("rows=%v want 8", db.rows)
	}
}

func TestNew_RejectsUnsafePrefix(t *testing.T) {
	if _, err := New(Options{DB: newFakeDB(), TablePrefix: "contours; DROP TABLE x"}); err == nil {
		t.Fatalf("expected prefix error")
	}
}

func TestLoad_MarkersAreScopedToTable(t *testing.T) {
	db := newFakeDB()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	v1, err := New(Options{DB: db, Logger: quiet})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	v2, err := New(Options{DB: db, TablePrefix: "contours_v2", Logger: quiet})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tile := model.Tile{X: 162, Y: 395, Z: 10}
	art := writeArtifact(t, line(100.0))

	if _, err := v1.Load(context.Background(), tile, art); err != nil {
		t.Fatalf("Load contours: %v", err)
	}
	if ok, err := v2.Loaded(context.Background(), tile); err != nil || ok {
		t.Fatalf("contours_v2 Loaded=%v err=%v want false before its own load", ok, err)
	}
	res, err := v2.Load(context.Background(), tile, art)
	if err != nil {
		t.Fatalf("Load contours_v2: %v", err)
	}
	if res.Skipped || res.Records != 1 {
		t.Fatalf("contours_v2 result=%+v want 1 record", res)
	}
	if db.rows[`"contours10"`] != 1 || db.rows[`"contours_v210"`] != 1 {
		t.Fatalf("rows=%v want one row per table", db.rows)
	}
	if ok, err := v1.Loaded(context.Background(), tile); err != nil || !ok {
		t.Fatalf("contours Loaded=%v err=%v want true", ok, err)
	}
}
