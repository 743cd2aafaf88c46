// Package redisledger keeps stage markers in Redis so several pipeline hosts
// can share progress. Registered as the "redis" ledger driver.
package redisledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
	"github.com/mohammed-shakir/contour-pipeline/internal/core/observability"
	"github.com/mohammed-shakir/contour-pipeline/internal/ledger"
)

const keyPrefix = "contours"

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Ledger struct {
	rdb *redis.Client
	fp  string
}

func init() {
	ledger.Register("redis", func(ctx context.Context, o ledger.Options) (ledger.Ledger, error) {
		return New(ctx, o.RedisAddr, o.Fingerprint)
	})
}

func New(ctx context.Context, addr, fingerprint string, opts ...Option) (*Ledger, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     16,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	err := rdb.Ping(ctx).Err()
	observability.ObserveLedgerOp("ping", err)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Ledger{rdb: rdb, fp: fingerprint}, nil
}

// Key returns the marker key, e.g. contours:<fp>:loaded:12/655/1583.
func (l *Ledger) Key(t model.Tile, s ledger.Stage) string {
	return fmt.Sprintf("%s:%s:%s:%d/%d/%d", keyPrefix, l.fp, s, t.Z, t.X, t.Y)
}

func (l *Ledger) countsKey() string {
	return keyPrefix + ":" + l.fp + ":counts"
}

func (l *Ledger) Done(ctx context.Context, t model.Tile, s ledger.Stage) (bool, error) {
	n, err := l.rdb.Exists(ctx, l.Key(t, s)).Result()
	observability.ObserveLedgerOp("done", err)
	if err != nil {
		return false, fmt.Errorf("redis EXISTS %s: %w", l.Key(t, s), err)
	}
	return n > 0, nil
}

func (l *Ledger) Mark(ctx context.Context, t model.Tile, s ledger.Stage) error {
	key := l.Key(t, s)
	created, err := l.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), 0).Result()
	if err == nil && created {
		err = l.rdb.HIncrBy(ctx, l.countsKey(), string(s), 1).Err()
	}
	observability.ObserveLedgerOp("mark", err)
	if err != nil {
		return fmt.Errorf("redis mark %q: %w", key, err)
	}
	return nil
}

func (l *Ledger) Counts(ctx context.Context) (map[ledger.Stage]int, error) {
	raw, err := l.rdb.HGetAll(ctx, l.countsKey()).Result()
	observability.ObserveLedgerOp("counts", err)
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", l.countsKey(), err)
	}
	out := make(map[ledger.Stage]int, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("counts field %s=%q: %w", k, v, err)
		}
		out[ledger.Stage(k)] = n
	}
	return out, nil
}

func (l *Ledger) Close() error {
	if err := l.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
