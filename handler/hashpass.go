package handler

import (
	"context"
	"log/slog"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// HashPassResult is the outcome of hashing a batch of records
type HashPassResult struct {
	Computed int
	Warnings []*IndexError // one per file that could not be hashed
}

// hashRecords fills in ContentHash for records using at most workers
// goroutines. Each goroutine writes only its own record. A file that cannot
// be read is left without a hash and reported as a warning.
func hashRecords(ctx context.Context, hasher ContentHasher, records []*FileRecord, workers int, onDone func()) (*HashPassResult, error) {
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	computed := xsync.NewCounter()
	failures := xsync.NewMapOf[string, error]()

	for _, rec := range records {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sum, err := hasher.ComputeHash(rec.FullPath)
			if onDone != nil {
				onDone()
			}
			if err != nil {
				slog.Warn("failed to hash file", "file", rec.FullPath, "error", err)
				failures.Store(rec.FullPath, err)
				return nil
			}
			rec.ContentHash = sum
			computed.Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &HashPassResult{Computed: int(computed.Value())}
	failures.Range(func(path string, err error) bool {
		result.Warnings = append(result.Warnings, newHashError(path, err))
		return true
	})
	sort.Slice(result.Warnings, func(i, j int) bool {
		return result.Warnings[i].Path < result.Warnings[j].Path
	})

	slog.Debug("hash pass finished", "requested", len(records), "computed", result.Computed, "failed", len(result.Warnings))
	return result, nil
}
