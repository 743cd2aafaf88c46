// Package sqliteledger keeps stage markers in a SQLite file next to the tile
// cache. Registered as the "sqlite" ledger driver.
package sqliteledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
	"github.com/mohammed-shakir/contour-pipeline/internal/core/observability"
	"github.com/mohammed-shakir/contour-pipeline/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS tile_stages (
	fingerprint TEXT    NOT NULL,
	z           INTEGER NOT NULL,
	x           INTEGER NOT NULL,
	y           INTEGER NOT NULL,
	stage       TEXT    NOT NULL,
	marked_at   TEXT    NOT NULL,
	PRIMARY KEY (fingerprint, z, x, y, stage)
)`

type Ledger struct {
	db *sql.DB
	fp string
}

func init() {
	ledger.Register("sqlite", func(ctx context.Context, o ledger.Options) (ledger.Ledger, error) {
		return Open(ctx, o.Path, o.Fingerprint)
	})
}

func Open(ctx context.Context, path, fingerprint string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("sqlite ledger path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one connection keeps writers from tripping over SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		schema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init ledger: %w", err)
		}
	}
	return &Ledger{db: db, fp: fingerprint}, nil
}

func (l *Ledger) Done(ctx context.Context, t model.Tile, s ledger.Stage) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM tile_stages WHERE fingerprint=? AND z=? AND x=? AND y=? AND stage=?`,
		l.fp, t.Z, t.X, t.Y, string(s)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		observability.ObserveLedgerOp("done", nil)
		return false, nil
	}
	observability.ObserveLedgerOp("done", err)
	if err != nil {
		return false, fmt.Errorf("ledger lookup %s %s: %w", t, s, err)
	}
	return true, nil
}

func (l *Ledger) Mark(ctx context.Context, t model.Tile, s ledger.Stage) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tile_stages (fingerprint, z, x, y, stage, marked_at) VALUES (?, ?, ?, ?, ?, ?)`,
		l.fp, t.Z, t.X, t.Y, string(s), time.Now().UTC().Format(time.RFC3339Nano))
	observability.ObserveLedgerOp("mark", err)
	if err != nil {
		return fmt.Errorf("ledger mark %s %s: %w", t, s, err)
	}
	return nil
}

func (l *Ledger) Counts(ctx context.Context) (map[ledger.Stage]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT stage, COUNT(*) FROM tile_stages WHERE fingerprint=? GROUP BY stage`, l.fp)
	if err != nil {
		return nil, fmt.Errorf("ledger counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[ledger.Stage]int, len(ledger.Stages))
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("ledger counts: %w", err)
		}
		out[ledger.Stage(stage)] = n
	}
	return out, rows.Err()
}

func (l *Ledger) Close() error { return l.db.Close() }
