package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-market-fetcher/internal/config"
	mderrors "github.com/johnayoung/go-market-fetcher/internal/errors"
	"github.com/johnayoung/go-market-fetcher/internal/models"
	"golang.org/x/time/rate"
)

const (
	// API endpoints
	marketsEndpoint = "/coins/markets"
	rangeEndpoint   = "/coins/%s/market_chart/range"
	pingEndpoint    = "/ping"

	// MaxPerPage is the largest page the listing endpoint serves.
	MaxPerPage = config.MaxPerPage

	// Quota headers sent by the upstream
	headerRateRemaining = "x-ratelimit-remaining"
	headerRateReset     = "x-ratelimit-reset"

	userAgent          = "go-market-fetcher/1.0"
	healthCheckTimeout = 5 * time.Second
)

// CoinGeckoAdapter implements MarketDataAdapter for the CoinGecko REST API.
type CoinGeckoAdapter struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	limits      RateLimit
	baseURL     string
	apiKey      string
	keyHeader   string
	logger      *slog.Logger
}

// NewCoinGeckoAdapter creates an adapter from the API section of the configuration.
func NewCoinGeckoAdapter(cfg config.APIConfig, logger *slog.Logger) *CoinGeckoAdapter {
	if logger == nil {
		logger = slog.Default()
	}

	limits := RateLimit{RequestsPerMinute: cfg.RateLimit, BurstSize: 1}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimit)/60.0), limits.BurstSize)
	}

	return &CoinGeckoAdapter{
		httpClient: &http.Client{
			Timeout: cfg.TimeoutDuration(),
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: limiter,
		limits:      limits,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		keyHeader:   cfg.KeyHeader,
		logger:      logger,
	}
}

// FetchPage implements the PageFetcher interface.
func (c *CoinGeckoAdapter) FetchPage(ctx context.Context, req PageRequest) (*PageResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	params := url.Values{}
	params.Set("vs_currency", req.VsCurrency)
	if req.Order != "" {
		params.Set("order", req.Order)
	}
	params.Set("per_page", strconv.Itoa(req.PerPage))
	params.Set("page", strconv.Itoa(req.Page))

	operation := fmt.Sprintf("fetch page %d", req.Page)
	body, header, err := c.get(ctx, operation, marketsEndpoint, params)
	if err != nil {
		return nil, err
	}

	records, sequence, err := models.DecodePage(body)
	if err != nil {
		return nil, mderrors.NewDecodeError(operation, c.baseURL+marketsEndpoint, err)
	}

	status := parseRateLimitHeaders(header)
	if status.Reported {
		c.logger.Info("upstream rate limit",
			"page", req.Page,
			"remaining", status.Remaining,
			"reset", status.Reset)
	}

	c.logger.Debug("fetched page",
		"page", req.Page,
		"records", len(records),
		"sequence", sequence)

	return &PageResponse{
		Records:   records,
		Sequence:  sequence,
		RateLimit: status,
	}, nil
}

// FetchRangeQuery implements the RangeFetcher interface.
func (c *CoinGeckoAdapter) FetchRangeQuery(ctx context.Context, req RangeRequest) (json.RawMessage, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	params := url.Values{}
	params.Set("vs_currency", req.VsCurrency)
	params.Set("from", strconv.FormatInt(req.From.Unix(), 10))
	params.Set("to", strconv.FormatInt(req.To.Unix(), 10))

	endpoint := fmt.Sprintf(rangeEndpoint, url.PathEscape(req.AssetID))
	operation := "range query " + req.AssetID

	c.logger.Debug("fetching market chart range",
		"asset", req.AssetID,
		"vs_currency", req.VsCurrency,
		"from", req.From,
		"to", req.To)

	body, _, err := c.get(ctx, operation, endpoint, params)
	if err != nil {
		return nil, err
	}

	if !json.Valid(body) {
		return nil, mderrors.NewDecodeError(operation, c.baseURL+endpoint, fmt.Errorf("response is not valid JSON"))
	}

	return json.RawMessage(body), nil
}

// Ping implements the HealthChecker interface.
func (c *CoinGeckoAdapter) Ping(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if _, _, err := c.get(healthCtx, "ping", pingEndpoint, nil); err != nil {
		return err
	}

	c.logger.Debug("health check passed")
	return nil
}

// GetLimits implements the RateLimitInfo interface.
func (c *CoinGeckoAdapter) GetLimits() RateLimit {
	return c.limits
}

// WaitForLimit implements the RateLimitInfo interface.
func (c *CoinGeckoAdapter) WaitForLimit(ctx context.Context) error {
	return c.rateLimiter.Wait(ctx)
}

// get performs one GET and returns the body of a 2xx response.
func (c *CoinGeckoAdapter) get(ctx context.Context, operation, endpoint string, params url.Values) ([]byte, http.Header, error) {
	if err := c.WaitForLimit(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	requestURL := c.baseURL + endpoint
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" && c.keyHeader != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, mderrors.NewTransportError(operation, requestURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, mderrors.NewTransportError(operation, requestURL, fmt.Errorf("failed to read response body: %w", err))
	}

	c.logger.Debug("upstream response",
		"operation", operation,
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, mderrors.NewStatusError(operation, requestURL, resp.StatusCode, body)
	}

	return body, resp.Header, nil
}

func parseRateLimitHeaders(header http.Header) RateLimitStatus {
	var status RateLimitStatus
	if header == nil {
		return status
	}

	if remaining := header.Get(headerRateRemaining); remaining != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(remaining)); err == nil {
			status.Reported = true
			status.Remaining = n
		}
	}

	if reset := header.Get(headerRateReset); reset != "" {
		status.Reported = true
		status.Reset = reset
	}

	return status
}
