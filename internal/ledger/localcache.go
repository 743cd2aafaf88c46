package ledger

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
)

type markKey struct {
	tile  model.Tile
	stage Stage
}

// cached fronts a ledger with an in-process set of known markers. Only
// positive answers are cached since markers are never removed.
type cached struct {
	next Ledger
	mu   sync.Mutex
	lru  *lru.Cache[markKey, struct{}]
}

func WithLocalCache(l Ledger, size int) Ledger {
	if size <= 0 {
		return l
	}
	c, _ := lru.New[markKey, struct{}](size)
	return &cached{next: l, lru: c}
}

func (c *cached) seen(k markKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lru.Get(k)
	return ok
}

func (c *cached) remember(k markKey) {
	c.mu.Lock()
	c.lru.Add(k, struct{}{})
	c.mu.Unlock()
}

func (c *cached) Done(ctx context.Context, t model.Tile, s Stage) (bool, error) {
	k := markKey{tile: t, stage: s}
	if c.seen(k) {
		return true, nil
	}
	ok, err := c.next.Done(ctx, t, s)
	if err == nil && ok {
		c.remember(k)
	}
	return ok, err
}

func (c *cached) Mark(ctx context.Context, t model.Tile, s Stage) error {
	if err := c.next.Mark(ctx, t, s); err != nil {
		return err
	}
	c.remember(markKey{tile: t, stage: s})
	return nil
}

func (c *cached) Counts(ctx context.Context) (map[Stage]int, error) { return c.next.Counts(ctx) }

func (c *cached) Close() error { return c.next.Close() }
