package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationError represents a decoding failure with specific field context.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// PricePoint is one time-indexed sample of a market chart. On the wire it is
// a two-element array of epoch milliseconds and value. The upstream sends a
// null value for samples it has no data for; Value.Valid is false for those.
type PricePoint struct {
	Timestamp time.Time
	Value     decimal.NullDecimal
}

// UnmarshalJSON decodes a [ms, value] pair.
func (p *PricePoint) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var pair []json.Number
	if err := dec.Decode(&pair); err != nil {
		return &ValidationError{Field: "sample", Message: err.Error()}
	}
	if len(pair) != 2 {
		return &ValidationError{Field: "sample", Message: fmt.Sprintf("expected 2 elements, got %d", len(pair))}
	}

	ms, err := decimal.NewFromString(pair[0].String())
	if err != nil {
		return &ValidationError{Field: "timestamp", Message: fmt.Sprintf("invalid timestamp format: %v", err)}
	}

	// null decodes to an empty json.Number
	var value decimal.NullDecimal
	if pair[1] != "" {
		d, err := decimal.NewFromString(pair[1].String())
		if err != nil {
			return &ValidationError{Field: "value", Message: fmt.Sprintf("invalid value format: %v", err)}
		}
		value = decimal.NewNullDecimal(d)
	}

	p.Timestamp = time.UnixMilli(ms.IntPart()).UTC()
	p.Value = value
	return nil
}

// MarshalJSON encodes the sample back into its [ms, value] form.
func (p PricePoint) MarshalJSON() ([]byte, error) {
	value := "null"
	if p.Value.Valid {
		value = p.Value.Decimal.String()
	}
	return []byte(fmt.Sprintf("[%d,%s]", p.Timestamp.UnixMilli(), value)), nil
}

// Price returns the sample value as text, or "" for a null sample.
func (p PricePoint) Price() string {
	if !p.Value.Valid {
		return ""
	}
	return p.Value.Decimal.String()
}

// Date returns the UTC calendar date of the sample as YYYY-MM-DD.
func (p PricePoint) Date() string {
	return p.Timestamp.UTC().Format("2006-01-02")
}

// MarketChart is the price series of a range query body. The market_caps and
// total_volumes series are only ever passed through as raw JSON, so they are
// not decoded.
type MarketChart struct {
	Prices []PricePoint `json:"prices"`
}

// DecodeMarketChart decodes the price series of a range query body.
func DecodeMarketChart(raw []byte) (*MarketChart, error) {
	var chart MarketChart
	if err := json.Unmarshal(raw, &chart); err != nil {
		return nil, fmt.Errorf("failed to decode market chart: %w", err)
	}
	return &chart, nil
}

// Samples returns the number of price samples in the chart.
func (c *MarketChart) Samples() int {
	if c == nil {
		return 0
	}
	return len(c.Prices)
}
