package udfbridge

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ryrobes/larsql-sub001/internal/cache"
)

// RowResult is one row's outcome from a batched dispatch, positioned at
// the row's original index.
type RowResult struct {
	Index int
	Value any
	Err   error
}

// DispatchBatch runs one cascade per unique row in rows, distributing each
// result back to every position holding that row. Uniqueness is judged by
// the same content fingerprint the cache uses, so a 10k-row batch with 3
// distinct values costs 3 cascade runs. Concurrency is bounded by the
// bridge's shared semaphore via dispatch; results preserve input order.
func (b *Bridge) DispatchBatch(ctx context.Context, cascadePath string, rows []map[string]any) []RowResult {
	results := make([]RowResult, len(rows))
	keyed := make(map[string][]int, len(rows))
	keyOf := make([]string, len(rows))

	for i, row := range rows {
		key, err := cache.Key(cascadePath, row, cache.Policy{Strategy: cache.KeyArgsHash})
		if err != nil {
			results[i] = RowResult{Index: i, Err: err}
			continue
		}
		keyOf[i] = key
		keyed[key] = append(keyed[key], i)
	}

	type unique struct {
		key string
		row map[string]any
	}
	uniques := make([]unique, 0, len(keyed))
	seen := make(map[string]bool, len(keyed))
	for i, row := range rows {
		k := keyOf[i]
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		uniques = append(uniques, unique{key: k, row: row})
	}

	outcomes := make(map[string]RowResult, len(uniques))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range uniques {
		u := u
		g.Go(func() error {
			v, err := b.dispatchKeyed(gctx, cascadePath, cascadePath, u.row, u.row, true)
			mu.Lock()
			outcomes[u.key] = RowResult{Value: v, Err: err}
			mu.Unlock()
			return nil // one row's failure never aborts its siblings
		})
	}
	_ = g.Wait()

	for key, positions := range keyed {
		out := outcomes[key]
		for _, i := range positions {
			results[i] = RowResult{Index: i, Value: out.Value, Err: out.Err}
		}
	}
	return results
}
