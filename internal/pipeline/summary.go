package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/model"
	"github.com/mohammed-shakir/contour-pipeline/internal/tilecache"
)

type Summary struct {
	BBox          model.BBox
	Zooms         []int
	Fetched       map[tilecache.Status]int
	FetchFailed   int
	Generated     int
	NoSource      int
	Deferred      int
	Loaded        int
	AlreadyLoaded int
	Records       int
	Failed        int
	PrunedDirs    int
	Duration      time.Duration
}

// tally collects counts from concurrent workers.
type tally struct {
	mu sync.Mutex
	s  Summary
}

func newTally() *tally {
	return &tally{s: Summary{Fetched: map[tilecache.Status]int{}}}
}

func (t *tally) add(f func(*Summary)) {
	t.mu.Lock()
	f(&t.s)
	t.mu.Unlock()
}

// addFetch tallies one zoom's fetch results and returns the tiles whose
// download failed.
func (t *tally) addFetch(results []tilecache.Result, err error) map[model.Tile]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.s
	for _, r := range results {
		if r.Status != "" {
			s.Fetched[r.Status]++
		}
	}
	var failed map[model.Tile]bool
	if err != nil {
		failed = map[model.Tile]bool{}
		for _, e := range flatten(err) {
			var de *tilecache.DownloadError
			if errors.As(e, &de) {
				failed[de.Tile] = true
				s.FetchFailed++
			}
		}
	}
	return failed
}

func flatten(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range j.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}

// finish returns a copy safe to hand out.
func (t *tally) finish(d time.Duration) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.s
	out := Summary{
		BBox:          s.BBox,
		Zooms:         append([]int(nil), s.Zooms...),
		Fetched:       make(map[tilecache.Status]int, len(s.Fetched)),
		FetchFailed:   s.FetchFailed,
		Generated:     s.Generated,
		NoSource:      s.NoSource,
		Deferred:      s.Deferred,
		Loaded:        s.Loaded,
		AlreadyLoaded: s.AlreadyLoaded,
		Records:       s.Records,
		Failed:        s.Failed,
		PrunedDirs:    s.PrunedDirs,
		Duration:      d,
	}
	for k, v := range s.Fetched {
		out.Fetched[k] = v
	}
	return out
}

func (s Summary) String() string {
	return fmt.Sprintf(
		"downloaded=%d cached=%d absent=%d fetch_failed=%d generated=%d no_source=%d deferred=%d loaded=%d already_loaded=%d records=%d failed=%d took=%s",
		s.Fetched[tilecache.StatusDownloaded], s.Fetched[tilecache.StatusCached], s.Fetched[tilecache.StatusAbsent],
		s.FetchFailed, s.Generated, s.NoSource, s.Deferred, s.Loaded, s.AlreadyLoaded, s.Records, s.Failed,
		s.Duration.Round(time.Millisecond))
}
