package reconstruct

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
)

const defaultParallelism = 4

// Option configures optional behaviour for the Reconstructor.
type Option func(*Reconstructor)

// WithLogger overrides the logger used for anomalies.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconstructor) {
		r.logger = logger
	}
}

// WithParallelism bounds how many tags ForTags reconstructs at once.
func WithParallelism(n int) Option {
	return func(r *Reconstructor) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// Reconstructor reads the event log and tag metadata to produce time blocks.
// It performs no writes and is safe for concurrent use.
type Reconstructor struct {
	events      domain.EventStore
	tags        domain.TagMetadataResolver
	policy      Policy
	logger      *slog.Logger
	parallelism int
}

// New constructs a Reconstructor.
func New(events domain.EventStore, tags domain.TagMetadataResolver, policy Policy, opts ...Option) *Reconstructor {
	r := &Reconstructor{
		events:      events,
		tags:        tags,
		policy:      policy,
		logger:      slog.Default(),
		parallelism: defaultParallelism,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the pairing policy in effect.
func (r *Reconstructor) Policy() Policy {
	return r.policy
}

// ForTag reconstructs the blocks of one tag from a snapshot of its events.
func (r *Reconstructor) ForTag(ctx context.Context, tagID string) (Result, error) {
	start := time.Now()

	events, err := r.events.ListEvents(ctx, tagID)
	if err != nil {
		return Result{}, fmt.Errorf("list events for tag %s: %w", tagID, err)
	}

	res, err := Pair(ctx, tagID, events, r.policy, r.logger)
	if err != nil {
		return Result{}, err
	}

	if len(res.Blocks) > 0 && r.tags != nil {
		// Metadata is optional; a resolver failure leaves the blocks unnamed.
		if meta, err := r.tags.Resolve(ctx, tagID); err != nil {
			metadataFailures.Inc()
			r.logger.Warn("tag metadata unavailable, returning blocks without it", "tag_id", tagID, "error", err)
		} else {
			for i := range res.Blocks {
				res.Blocks[i] = res.Blocks[i].WithMetadata(meta)
			}
		}
	}

	if len(res.Orphans) > 0 {
		r.logger.Debug("events without partner", "tag_id", tagID, "count", len(res.Orphans))
	}
	recordResult(res, time.Since(start))
	return res, nil
}

// Batch collects the outcome of reconstructing several tags.
type Batch struct {
	Results  map[string]Result
	Failures map[string]error
}

// Blocks flattens every result ordered by start time, then tag.
func (b Batch) Blocks() []domain.TimeBlock {
	var out []domain.TimeBlock
	for _, res := range b.Results {
		out = append(out, res.Blocks...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].StartAt.Before(out[j].StartAt)
		}
		if out[i].TagID != out[j].TagID {
			return out[i].TagID < out[j].TagID
		}
		return out[i].StartEventID < out[j].StartEventID
	})
	return out
}

// ForTags reconstructs tags independently with bounded parallelism. A tag
// that fails is recorded in Failures and does not stop the others; only
// cancellation of ctx is returned as an error.
func (r *Reconstructor) ForTags(ctx context.Context, tagIDs []string) (Batch, error) {
	batch := Batch{
		Results:  make(map[string]Result, len(tagIDs)),
		Failures: make(map[string]error),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)

	seen := make(map[string]struct{}, len(tagIDs))
	for _, tagID := range tagIDs {
		if _, dup := seen[tagID]; dup {
			continue
		}
		seen[tagID] = struct{}{}

		tagID := tagID
		g.Go(func() error {
			res, err := r.ForTag(gctx, tagID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("reconstruction failed", "tag_id", tagID, "error", err)
				batch.Failures[tagID] = err
				return nil
			}
			batch.Results[tagID] = res
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return batch, err
	}
	return batch, nil
}

// Since keeps the blocks starting at or after t.
func Since(blocks []domain.TimeBlock, t time.Time) []domain.TimeBlock {
	out := make([]domain.TimeBlock, 0, len(blocks))
	for _, b := range blocks {
		if !b.StartAt.Before(t) {
			out = append(out, b)
		}
	}
	return out
}
