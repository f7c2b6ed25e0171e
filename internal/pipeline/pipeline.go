package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tablex-io/tablex/internal/accounts"
	"github.com/tablex-io/tablex/internal/extract"
	"github.com/tablex-io/tablex/internal/rasterize"
)

var (
	// ErrAllPagesFailed is returned when a non-empty document yielded no
	// successful page extraction at all.
	ErrAllPagesFailed = errors.New("no pages could be extracted")

	// ErrUsageNotRecorded is returned alongside a completed run when the
	// usage ledger update failed. The run itself is still valid.
	ErrUsageNotRecorded = errors.New("usage not recorded")
)

// DocumentRun aggregates the extraction outcome of one document. Results is
// ordered by ascending page index; the totals count successful pages only.
type DocumentRun struct {
	ID              string           `json:"id"`
	Results         []extract.Result `json:"results"`
	TotalAPICalls   int              `json:"total_api_calls"`
	TotalTokenCount int              `json:"total_token_count"`
}

// PageExtractor defines the per-page extraction capability.
type PageExtractor interface {
	ExtractPage(ctx context.Context, page rasterize.Page) extract.Result
}

// Pipeline fans page extraction out over a bounded worker pool and records
// the aggregated usage per completed run.
type Pipeline struct {
	extractor PageExtractor
	ledger    accounts.Ledger
	workers   int
}

// New creates a Pipeline. Workers below 1 run the pages sequentially.
func New(extractor PageExtractor, ledger accounts.Ledger, workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		extractor: extractor,
		ledger:    ledger,
		workers:   workers,
	}
}

// Run extracts every page of one document for the given user.
//
// Pages run concurrently up to the worker limit, but results are slotted by
// position, so the run's result order is the page order regardless of which
// model call finishes first. A failed page is logged and kept as its tagged
// result; only a run with zero successes returns ErrAllPagesFailed.
//
// Usage is recorded exactly once, after all pages finish, and only for
// completed runs: a cancelled context skips the ledger entirely so recorded
// usage always corresponds to consumption the caller actually received.
func (p *Pipeline) Run(ctx context.Context, username string, pages []rasterize.Page) (*DocumentRun, error) {
	run := &DocumentRun{
		ID:      uuid.NewString(),
		Results: make([]extract.Result, len(pages)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, page := range pages {
		g.Go(func() error {
			result := p.extractor.ExtractPage(gctx, page)
			if result.Status == extract.StatusSuccess {
				slog.Info("Extracted page", "run", run.ID, "page", page.Index, "tokens", result.TokenCost)
			} else {
				slog.Warn("Page extraction failed",
					"run", run.ID,
					"page", page.Index,
					"status", result.Status,
					"error", result.Err,
				)
			}
			run.Results[i] = result
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		slog.Warn("Run aborted, discarding results", "run", run.ID, "error", err)
		return nil, err
	}

	for _, result := range run.Results {
		if result.Status == extract.StatusSuccess {
			run.TotalAPICalls++
			run.TotalTokenCount += result.TokenCost
		}
	}

	slog.Info("Document run complete",
		"run", run.ID,
		"user", username,
		"pages", len(pages),
		"api_calls", run.TotalAPICalls,
		"total_token_count", run.TotalTokenCount,
	)

	if run.TotalAPICalls == 0 {
		if len(pages) > 0 {
			return run, ErrAllPagesFailed
		}
		return run, nil
	}

	if _, err := p.ledger.Record(ctx, username, run.TotalAPICalls, run.TotalTokenCount); err != nil {
		slog.Error("Failed to record usage", "run", run.ID, "user", username, "error", err)
		return run, fmt.Errorf("%w: %v", ErrUsageNotRecorded, err)
	}

	return run, nil
}
