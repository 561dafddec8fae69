package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/johnayoung/go-market-fetcher/internal/config"
	mderrors "github.com/johnayoung/go-market-fetcher/internal/errors"
	"github.com/johnayoung/go-market-fetcher/internal/exchange"
	"github.com/johnayoung/go-market-fetcher/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// catalogueAdapter serves a fixed catalogue in pages and can inject failures.
type catalogueAdapter struct {
	catalogue []models.Record
	calls     []int
	failures  map[int]int // page -> remaining failures
	onFetch   func(page int)
	notSeq    map[int]bool
}

func newCatalogueAdapter(total int) *catalogueAdapter {
	catalogue := make([]models.Record, total)
	for i := range catalogue {
		catalogue[i] = models.Record{"id": fmt.Sprintf("coin-%d", i), "market_cap_rank": json.Number(fmt.Sprint(i + 1))}
	}
	return &catalogueAdapter{catalogue: catalogue, failures: map[int]int{}, notSeq: map[int]bool{}}
}

func (m *catalogueAdapter) FetchPage(ctx context.Context, req exchange.PageRequest) (*exchange.PageResponse, error) {
	m.calls = append(m.calls, req.Page)
	if m.onFetch != nil {
		m.onFetch(req.Page)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.failures[req.Page] > 0 {
		m.failures[req.Page]--
		return nil, mderrors.NewStatusError(fmt.Sprintf("fetch page %d", req.Page), "", http.StatusBadGateway, []byte("bad gateway"))
	}
	if m.notSeq[req.Page] {
		return &exchange.PageResponse{Sequence: false}, nil
	}

	start := (req.Page - 1) * req.PerPage
	if start > len(m.catalogue) {
		start = len(m.catalogue)
	}
	end := start + req.PerPage
	if end > len(m.catalogue) {
		end = len(m.catalogue)
	}
	page := make(models.Page, end-start)
	copy(page, m.catalogue[start:end])
	return &exchange.PageResponse{Records: page, Sequence: true}, nil
}

func (m *catalogueAdapter) FetchRangeQuery(ctx context.Context, req exchange.RangeRequest) (json.RawMessage, error) {
	return nil, fmt.Errorf("range queries are not served by the catalogue")
}

// MockAdapter is a testify mock of the upstream adapter.
type MockAdapter struct {
	mock.Mock
}

func (m *MockAdapter) FetchPage(ctx context.Context, req exchange.PageRequest) (*exchange.PageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.PageResponse), args.Error(1)
}

func (m *MockAdapter) FetchRangeQuery(ctx context.Context, req exchange.RangeRequest) (json.RawMessage, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

func pageNumber(n int) interface{} {
	return mock.MatchedBy(func(req exchange.PageRequest) bool { return req.Page == n })
}

func testFetchConfig() config.FetchConfig {
	cfg := config.DefaultConfig().Fetch
	cfg.RequestDelay = "0s"
	cfg.RetryPolicy.InitialDelay = "1ms"
	return cfg
}

func testQuery(perPage, maxPages int) ListingQuery {
	q := ListingQueryFromConfig(testFetchConfig())
	q.PerPage = perPage
	q.MaxPages = maxPages
	return q
}

func ids(records []models.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i], _ = r["id"].(string)
	}
	return out
}

func TestListingQueryFromConfig(t *testing.T) {
	q := ListingQueryFromConfig(config.DefaultConfig().Fetch)
	assert.Equal(t, ListingQuery{
		VsCurrency:   "usd",
		Order:        "market_cap_desc",
		PerPage:      250,
		MaxPages:     200,
		RequestDelay: 250 * time.Millisecond,
		KeyField:     "id",
	}, q)
}

func TestFetchAllPages_PaginationGrid(t *testing.T) {
	for _, perPage := range []int{1, 3, 5} {
		for _, total := range []int{0, 1, 4, 5, 6, 10, 15} {
			t.Run(fmt.Sprintf("per_page=%d/total=%d", perPage, total), func(t *testing.T) {
				adapter := newCatalogueAdapter(total)
				f := New(adapter, testFetchConfig(), createTestLogger())

				records, err := f.FetchAllPages(context.Background(), testQuery(perPage, 100))
				require.NoError(t, err)
				assert.Len(t, records, total)

				expectedCalls := total/perPage + 1
				if total%perPage != 0 {
					expectedCalls = (total + perPage - 1) / perPage
				}
				assert.Len(t, adapter.calls, expectedCalls)

				for i, page := range adapter.calls {
					assert.Equal(t, i+1, page)
				}
			})
		}
	}
}

func TestFetchAllPages_ShortSecondPage(t *testing.T) {
	adapter := newCatalogueAdapter(300)
	f := New(adapter, testFetchConfig(), createTestLogger())

	records, err := f.FetchAllPages(context.Background(), testQuery(250, 200))
	require.NoError(t, err)

	assert.Len(t, records, 300)
	assert.Equal(t, []int{1, 2}, adapter.calls)
	assert.Equal(t, "coin-0", records[0]["id"])
	assert.Equal(t, "coin-299", records[299]["id"])

	stats := f.Stats()
	assert.Equal(t, int64(2), stats.PagesFetched)
	assert.Equal(t, int64(300), stats.RecordsCollected)
	assert.Equal(t, StopShortPage, stats.StopReason)
}

func TestFetchAllPages_MaxPagesCap(t *testing.T) {
	adapter := newCatalogueAdapter(100)
	f := New(adapter, testFetchConfig(), createTestLogger())

	records, err := f.FetchAllPages(context.Background(), testQuery(2, 3))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, adapter.calls)
	assert.Equal(t, []string{"coin-0", "coin-1", "coin-2", "coin-3", "coin-4", "coin-5"}, ids(records))
	assert.Equal(t, StopMaxPages, f.Stats().StopReason)
}

func TestFetchAllPages_NotSequenceStops(t *testing.T) {
	adapter := newCatalogueAdapter(10)
	adapter.notSeq[2] = true
	f := New(adapter, testFetchConfig(), createTestLogger())

	records, err := f.FetchAllPages(context.Background(), testQuery(3, 100))
	require.NoError(t, err)

	assert.Len(t, records, 3)
	assert.Equal(t, []int{1, 2}, adapter.calls)
	assert.Equal(t, StopNotSequence, f.Stats().StopReason)
}

func TestFetchAllPages_Retry(t *testing.T) {
	t.Run("single failure is retried and the run completes", func(t *testing.T) {
		adapter := newCatalogueAdapter(7)
		adapter.failures[2] = 1
		f := New(adapter, testFetchConfig(), createTestLogger())

		records, err := f.FetchAllPages(context.Background(), testQuery(3, 100))
		require.NoError(t, err)

		assert.Len(t, records, 7)
		assert.Equal(t, []int{1, 2, 2, 3}, adapter.calls)

		stats := f.Stats()
		assert.Equal(t, int64(1), stats.Retries)
		assert.Equal(t, int64(1), stats.ErrorCount)
	})

	t.Run("two failures return the partial result", func(t *testing.T) {
		adapter := newCatalogueAdapter(7)
		adapter.failures[2] = 2
		f := New(adapter, testFetchConfig(), createTestLogger())

		records, err := f.FetchAllPages(context.Background(), testQuery(3, 100))
		require.NoError(t, err)

		assert.Equal(t, []string{"coin-0", "coin-1", "coin-2"}, ids(records))
		assert.Equal(t, []int{1, 2, 2}, adapter.calls)
		assert.Equal(t, StopPageFailure, f.Stats().StopReason)
	})

	t.Run("first page failing twice yields an empty result", func(t *testing.T) {
		adapter := newCatalogueAdapter(7)
		adapter.failures[1] = 2
		f := New(adapter, testFetchConfig(), createTestLogger())

		records, err := f.FetchAllPages(context.Background(), testQuery(3, 100))
		require.NoError(t, err)
		assert.Empty(t, records)
		assert.NotNil(t, records)
	})

	t.Run("retry waits the configured delay", func(t *testing.T) {
		adapter := newCatalogueAdapter(2)
		adapter.failures[1] = 1
		cfg := testFetchConfig()
		cfg.RetryPolicy.InitialDelay = "40ms"
		f := New(adapter, cfg, createTestLogger())

		start := time.Now()
		_, err := f.FetchAllPages(context.Background(), testQuery(3, 100))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})
}

func TestFetchAllPages_InterPageDelay(t *testing.T) {
	adapter := newCatalogueAdapter(5)
	f := New(adapter, testFetchConfig(), createTestLogger())

	q := testQuery(2, 100)
	q.RequestDelay = 25 * time.Millisecond

	start := time.Now()
	records, err := f.FetchAllPages(context.Background(), q)
	require.NoError(t, err)

	assert.Len(t, records, 5)
	assert.Len(t, adapter.calls, 3)
	// two delays: after pages 1 and 2, none after the final short page
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestFetchAllPages_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := newCatalogueAdapter(100)
	adapter.onFetch = func(page int) {
		if page == 2 {
			cancel()
		}
	}
	f := New(adapter, testFetchConfig(), createTestLogger())

	records, err := f.FetchAllPages(ctx, testQuery(5, 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, records)
	assert.Equal(t, StopCanceled, f.Stats().StopReason)
}

func TestFetchAllPages_DeduplicatesAcrossPages(t *testing.T) {
	adapter := newCatalogueAdapter(0)
	adapter.catalogue = []models.Record{
		{"id": "bitcoin"}, {"id": "ethereum"},
		{"id": "ethereum"}, {"id": "tether"},
		{"id": "solana"},
	}
	f := New(adapter, testFetchConfig(), createTestLogger())

	records, err := f.FetchAllPages(context.Background(), testQuery(2, 100))
	require.NoError(t, err)

	assert.Equal(t, []string{"bitcoin", "ethereum", "tether", "solana"}, ids(records))
	assert.Equal(t, int64(1), f.Stats().DuplicatesDropped)
}

func TestFetchAllPages_InvalidQuery(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(q *ListingQuery)
		field  string
	}{
		{"per page above the API maximum", func(q *ListingQuery) { q.PerPage = 500 }, "per_page"},
		{"zero per page", func(q *ListingQuery) { q.PerPage = 0 }, "per_page"},
		{"zero max pages", func(q *ListingQuery) { q.MaxPages = 0 }, "max_pages"},
		{"empty vs currency", func(q *ListingQuery) { q.VsCurrency = "" }, "vs_currency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := &MockAdapter{}
			f := New(adapter, testFetchConfig(), createTestLogger())

			q := testQuery(250, 10)
			tt.mutate(&q)

			records, err := f.FetchAllPages(context.Background(), q)
			require.Error(t, err)
			assert.Nil(t, records)

			var validationErr *exchange.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
			assert.Contains(t, err.Error(), "invalid listing query in collector.FetchAllPages")

			adapter.AssertNotCalled(t, "FetchPage", mock.Anything, mock.Anything)
		})
	}
}

func TestFetchAllPages_ErrorInjection(t *testing.T) {
	t.Run("upstream failure is retried", func(t *testing.T) {
		adapter := &MockAdapter{}
		adapter.On("FetchPage", mock.Anything, pageNumber(1)).
			Return(nil, mderrors.NewStatusError("fetch page 1", "", http.StatusTooManyRequests, nil)).Once()
		adapter.On("FetchPage", mock.Anything, pageNumber(1)).
			Return(&exchange.PageResponse{Records: models.Page{{"id": "bitcoin"}}, Sequence: true}, nil).Once()

		f := New(adapter, testFetchConfig(), createTestLogger())
		records, err := f.FetchAllPages(context.Background(), testQuery(3, 10))
		require.NoError(t, err)

		assert.Equal(t, []string{"bitcoin"}, ids(records))
		assert.Equal(t, int64(1), f.Stats().Retries)
		adapter.AssertExpectations(t)
		adapter.AssertNumberOfCalls(t, "FetchPage", 2)
	})

	t.Run("local failure is returned without retrying", func(t *testing.T) {
		adapter := &MockAdapter{}
		adapter.On("FetchPage", mock.Anything, pageNumber(1)).
			Return(&exchange.PageResponse{Records: models.Page{{"id": "a"}, {"id": "b"}}, Sequence: true}, nil).Once()
		adapter.On("FetchPage", mock.Anything, pageNumber(2)).
			Return(nil, fmt.Errorf("failed to create request: bad base url")).Once()

		f := New(adapter, testFetchConfig(), createTestLogger())
		records, err := f.FetchAllPages(context.Background(), testQuery(2, 10))
		require.Error(t, err)
		assert.Nil(t, records)
		assert.Contains(t, err.Error(), "failed to fetch page 2")
		assert.False(t, mderrors.IsUpstream(err))

		stats := f.Stats()
		assert.Equal(t, int64(0), stats.Retries)
		assert.Equal(t, StopPageFailure, stats.StopReason)
		adapter.AssertExpectations(t)
		adapter.AssertNumberOfCalls(t, "FetchPage", 2)
	})
}

func TestRangeQuery(t *testing.T) {
	req := exchange.RangeRequest{
		AssetID:    "bitcoin",
		VsCurrency: "usd",
		From:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:         time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	t.Run("returns body", func(t *testing.T) {
		adapter := &MockAdapter{}
		adapter.On("FetchRangeQuery", mock.Anything, req).Return(json.RawMessage(`{"prices":[]}`), nil).Once()
		f := New(adapter, testFetchConfig(), createTestLogger())

		raw, err := f.RangeQuery(context.Background(), req)
		require.NoError(t, err)
		assert.JSONEq(t, `{"prices":[]}`, string(raw))
		adapter.AssertExpectations(t)
	})

	t.Run("failure is returned unretried", func(t *testing.T) {
		adapter := &MockAdapter{}
		adapter.On("FetchRangeQuery", mock.Anything, req).
			Return(nil, mderrors.NewStatusError("range query bitcoin", "", http.StatusUnauthorized, []byte(`{"error":"invalid key"}`))).Once()
		f := New(adapter, testFetchConfig(), createTestLogger())

		_, err := f.RangeQuery(context.Background(), req)
		require.Error(t, err)
		assert.True(t, mderrors.IsUpstream(err))
		assert.Contains(t, err.Error(), "invalid key")
		assert.Equal(t, int64(1), f.Stats().ErrorCount)
		adapter.AssertExpectations(t)
		adapter.AssertNumberOfCalls(t, "FetchRangeQuery", 1)
	})
}
