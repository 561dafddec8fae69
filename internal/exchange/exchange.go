// Package exchange defines the upstream market-data adapter interfaces and
// their request and response types.
//
// The interfaces are small and composable so the fetcher can depend on
// exactly the capability it needs and tests can substitute fakes.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/johnayoung/go-market-fetcher/internal/models"
)

// PageFetcher retrieves one page of a paginated listing endpoint.
type PageFetcher interface {
	// FetchPage issues a single request for one page. It does not retry.
	//
	// A body that is not a JSON array is not an error: the response comes
	// back with Sequence set to false so the caller can stop paginating.
	// Transport failures and non-2xx statuses are reported as
	// *errors.UpstreamError.
	FetchPage(ctx context.Context, req PageRequest) (*PageResponse, error)
}

// RangeFetcher retrieves a time-ranged market chart for one asset.
type RangeFetcher interface {
	// FetchRangeQuery issues a single request and returns the body verbatim.
	FetchRangeQuery(ctx context.Context, req RangeRequest) (json.RawMessage, error)
}

// RateLimitInfo exposes the client-side request limiter.
type RateLimitInfo interface {
	// GetLimits returns the configured limiter parameters.
	GetLimits() RateLimit

	// WaitForLimit blocks until the limiter allows another request or ctx
	// is done.
	WaitForLimit(ctx context.Context) error
}

// HealthChecker verifies that the upstream is reachable and accepts the
// configured credentials.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// MarketDataAdapter combines all upstream capabilities into a single interface.
type MarketDataAdapter interface {
	PageFetcher
	RangeFetcher
	RateLimitInfo
	HealthChecker
}

// PageRequest specifies one page of the markets listing.
type PageRequest struct {
	// Page is the 1-based page number
	Page int `json:"page"`

	// VsCurrency is the quote currency (e.g., "usd")
	VsCurrency string `json:"vs_currency"`

	// Order is the upstream sort order (e.g., "market_cap_desc")
	Order string `json:"order"`

	// PerPage is the requested page size
	PerPage int `json:"per_page"`
}

// PageResponse contains one page of the listing.
type PageResponse struct {
	// Records holds the page in upstream order
	Records models.Page `json:"records"`

	// Sequence is false when the body was not a JSON array
	Sequence bool `json:"sequence"`

	// RateLimit carries the upstream's own quota headers, when sent
	RateLimit RateLimitStatus `json:"rate_limit"`
}

// RangeRequest specifies a market chart query for one asset.
type RangeRequest struct {
	// AssetID is the upstream asset identifier (e.g., "bitcoin")
	AssetID string `json:"asset_id"`

	// VsCurrency is the quote currency (e.g., "usd")
	VsCurrency string `json:"vs_currency"`

	// From is the start of the range (inclusive)
	From time.Time `json:"from"`

	// To is the end of the range
	To time.Time `json:"to"`
}

// RateLimit defines the client-side limiter configuration.
type RateLimit struct {
	// RequestsPerMinute is the sustained request rate; zero means unlimited
	RequestsPerMinute int `json:"requests_per_minute"`

	// BurstSize is the maximum number of requests allowed in a burst
	BurstSize int `json:"burst_size"`
}

// RateLimitStatus reports the quota headers returned by the upstream.
type RateLimitStatus struct {
	// Reported is true when the upstream sent any quota header
	Reported bool `json:"reported"`

	// Remaining is the number of requests left in the current window
	Remaining int `json:"remaining"`

	// Reset is the upstream's reset timestamp, verbatim
	Reset string `json:"reset,omitempty"`
}

// Validate checks if the PageRequest has valid parameters.
func (r *PageRequest) Validate() error {
	if r.Page < 1 {
		return &ValidationError{Field: "page", Message: "page must be at least 1"}
	}

	if r.VsCurrency == "" {
		return &ValidationError{Field: "vs_currency", Message: "quote currency cannot be empty"}
	}

	if r.PerPage < 1 || r.PerPage > MaxPerPage {
		return &ValidationError{Field: "per_page", Message: fmt.Sprintf("per_page must be between 1 and %d", MaxPerPage)}
	}

	return nil
}

// Validate checks if the RangeRequest has valid parameters.
func (r *RangeRequest) Validate() error {
	if r.AssetID == "" {
		return &ValidationError{Field: "asset_id", Message: "asset identifier cannot be empty"}
	}

	if r.VsCurrency == "" {
		return &ValidationError{Field: "vs_currency", Message: "quote currency cannot be empty"}
	}

	if r.From.IsZero() {
		return &ValidationError{Field: "from", Message: "from time cannot be zero"}
	}

	if r.To.IsZero() {
		return &ValidationError{Field: "to", Message: "to time cannot be zero"}
	}

	if !r.To.After(r.From) {
		return &ValidationError{Field: "to", Message: "to time must be after from time"}
	}

	return nil
}

// Duration returns the time span of the range request.
func (r *RangeRequest) Duration() time.Duration {
	return r.To.Sub(r.From)
}

// HasCapacity returns true if the upstream reported remaining quota, or did
// not report any.
func (rls *RateLimitStatus) HasCapacity() bool {
	return !rls.Reported || rls.Remaining > 0
}

// ValidationError represents a validation error for exchange types.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "validation error for field " + e.Field + ": " + e.Message
}
