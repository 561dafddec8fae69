// Package collector drives the upstream adapter: it walks the paginated
// listing with retry and pacing, deduplicates the result and issues
// single-shot range queries.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-market-fetcher/internal/config"
	mderrors "github.com/johnayoung/go-market-fetcher/internal/errors"
	"github.com/johnayoung/go-market-fetcher/internal/exchange"
	"github.com/johnayoung/go-market-fetcher/internal/models"
)

// Reasons pagination stopped
const (
	StopEmptyPage   = "empty_page"
	StopNotSequence = "not_sequence"
	StopShortPage   = "short_page"
	StopMaxPages    = "max_pages"
	StopPageFailure = "page_failure"
	StopCanceled    = "canceled"
)

// Adapter is the upstream capability the fetcher needs.
type Adapter interface {
	exchange.PageFetcher
	exchange.RangeFetcher
}

// ListingQuery defines one paginated listing run
type ListingQuery struct {
	VsCurrency   string
	Order        string
	PerPage      int
	MaxPages     int
	RequestDelay time.Duration
	KeyField     string
}

// ListingQueryFromConfig builds a ListingQuery from the fetch configuration.
func ListingQueryFromConfig(cfg config.FetchConfig) ListingQuery {
	return ListingQuery{
		VsCurrency:   cfg.VsCurrency,
		Order:        cfg.Order,
		PerPage:      cfg.PerPage,
		MaxPages:     cfg.MaxPages,
		RequestDelay: cfg.RequestDelayDuration(),
		KeyField:     cfg.KeyField,
	}
}

// Validate checks the query before any request is made.
func (q ListingQuery) Validate() error {
	if q.VsCurrency == "" {
		return &exchange.ValidationError{Field: "vs_currency", Message: "quote currency cannot be empty"}
	}
	if q.PerPage < 1 || q.PerPage > exchange.MaxPerPage {
		return &exchange.ValidationError{Field: "per_page", Message: fmt.Sprintf("per_page must be between 1 and %d", exchange.MaxPerPage)}
	}
	if q.MaxPages < 1 {
		return &exchange.ValidationError{Field: "max_pages", Message: "max_pages must be at least 1"}
	}
	return nil
}

// Fetcher is the market-data fetcher. It is not safe for concurrent runs.
type Fetcher struct {
	adapter Adapter
	retry   config.RetryPolicyConfig
	logger  *slog.Logger
	metrics *metricsCollector
}

// New creates a Fetcher over adapter using the page retry policy from cfg.
func New(adapter Adapter, cfg config.FetchConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Fetcher{
		adapter: adapter,
		retry:   cfg.RetryPolicy,
		logger:  logger,
		metrics: newMetricsCollector(),
	}
}

// FetchAllPages requests pages 1, 2, ... until a page comes back empty, not
// a sequence, or shorter than q.PerPage, or until q.MaxPages pages have been
// read. A page that still fails after the retry policy is exhausted ends the
// run with whatever was accumulated so far and a nil error. Only upstream
// failures are retried. An invalid query, a failure that did not come from
// the upstream, or cancellation of ctx is returned as an error.
//
// The result is deduplicated on q.KeyField.
func (f *Fetcher) FetchAllPages(ctx context.Context, q ListingQuery) ([]models.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, mderrors.WrapError(err, "collector", "FetchAllPages", "invalid listing query")
	}

	var all []models.Record
	stopReason := StopMaxPages

	f.logger.Info("starting paginated fetch",
		"vs_currency", q.VsCurrency,
		"order", q.Order,
		"per_page", q.PerPage,
		"max_pages", q.MaxPages)

	for page := 1; page <= q.MaxPages; page++ {
		req := exchange.PageRequest{
			Page:       page,
			VsCurrency: q.VsCurrency,
			Order:      q.Order,
			PerPage:    q.PerPage,
		}

		var resp *exchange.PageResponse
		attempts, err := mderrors.Retry(ctx, f.retry, f.logger, fmt.Sprintf("fetch page %d", page), func() error {
			start := time.Now()
			r, err := f.adapter.FetchPage(ctx, req)
			f.metrics.recordResponseTime(time.Since(start))
			if err != nil {
				f.metrics.recordError()
				if !mderrors.IsUpstream(err) {
					return mderrors.Permanent(err)
				}
				return err
			}
			resp = r
			return nil
		})
		f.metrics.recordRetries(attempts - 1)

		if err != nil {
			if ctx.Err() != nil {
				f.metrics.recordStop(StopCanceled)
				return nil, fmt.Errorf("paginated fetch canceled at page %d: %w", page, ctx.Err())
			}
			if !mderrors.IsUpstream(err) {
				f.metrics.recordStop(StopPageFailure)
				return nil, fmt.Errorf("failed to fetch page %d: %w", page, err)
			}
			f.logger.Error("page failed after retries, returning partial results",
				"page", page,
				"attempts", attempts,
				"records", len(all),
				"error", err)
			stopReason = StopPageFailure
			break
		}

		f.metrics.recordPage()

		if !resp.Sequence {
			f.logger.Warn("page is not a sequence, stopping", "page", page)
			stopReason = StopNotSequence
			break
		}

		if len(resp.Records) == 0 {
			f.logger.Info("empty page, stopping", "page", page)
			stopReason = StopEmptyPage
			break
		}

		all = append(all, resp.Records...)
		f.logger.Info("fetched page",
			"page", page,
			"records", len(resp.Records),
			"total", len(all))

		if len(resp.Records) < q.PerPage {
			stopReason = StopShortPage
			break
		}

		if page == q.MaxPages {
			f.logger.Warn("max pages reached", "max_pages", q.MaxPages)
			break
		}

		if err := sleepContext(ctx, q.RequestDelay); err != nil {
			f.metrics.recordStop(StopCanceled)
			return nil, fmt.Errorf("paginated fetch canceled after page %d: %w", page, err)
		}
	}

	result := Deduplicate(all, q.KeyField)
	f.metrics.recordRecords(len(all), len(all)-len(result))
	f.metrics.recordStop(stopReason)

	f.logger.Info("paginated fetch complete",
		"records", len(result),
		"duplicates_dropped", len(all)-len(result),
		"stop_reason", stopReason)

	return result, nil
}

// RangeQuery issues a single range request. Failures are returned to the
// caller; nothing is retried.
func (f *Fetcher) RangeQuery(ctx context.Context, req exchange.RangeRequest) (json.RawMessage, error) {
	f.logger.Info("starting range query",
		"asset", req.AssetID,
		"vs_currency", req.VsCurrency,
		"from", req.From.UTC().Format(time.RFC3339),
		"to", req.To.UTC().Format(time.RFC3339))

	start := time.Now()
	raw, err := f.adapter.FetchRangeQuery(ctx, req)
	f.metrics.recordResponseTime(time.Since(start))
	if err != nil {
		f.metrics.recordError()
		f.logger.Error("range query failed",
			"asset", req.AssetID,
			"error_type", mderrors.Classify(err),
			"error", err)
		return nil, fmt.Errorf("range query for %s failed: %w", req.AssetID, err)
	}

	f.metrics.recordPage()
	f.logger.Info("range query complete", "asset", req.AssetID, "bytes", len(raw))
	return raw, nil
}

// Stats returns a snapshot of the fetcher's run statistics.
func (f *Fetcher) Stats() *FetchStats {
	return f.metrics.getStats()
}

// sleepContext waits d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
