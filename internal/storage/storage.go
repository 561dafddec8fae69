// Package storage defines the optional persistence layer for fetched market
// data. Each store replaces the previous contents of its table so the
// database mirrors the latest output artifacts.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/johnayoung/go-market-fetcher/internal/models"
)

// RecordStorer persists a listing result set.
type RecordStorer interface {
	// StoreRecords replaces the stored result set with records, tagged with runID.
	StoreRecords(ctx context.Context, runID string, records []models.Record, keyField string) error
}

// PriceStorer persists range query price samples.
type PriceStorer interface {
	// StorePriceSamples replaces the stored samples with the chart's price series.
	StorePriceSamples(ctx context.Context, runID string, series PriceSeries) error
}

// Reader reads back what was stored.
type Reader interface {
	QueryRecords(ctx context.Context) ([]StoredRecord, error)
	QueryPriceSamples(ctx context.Context) ([]StoredPrice, error)
}

// StorageManager handles storage lifecycle.
type StorageManager interface {
	// Initialize creates the schema if it does not exist yet.
	Initialize(ctx context.Context) error

	// Close releases the database handle.
	Close() error

	// GetStats returns row counts for the stored tables.
	GetStats(ctx context.Context) (*StorageStats, error)
}

// HealthChecker verifies the database is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// FullStorage combines all storage capabilities.
type FullStorage interface {
	RecordStorer
	PriceStorer
	Reader
	StorageManager
	HealthChecker
}

// PriceSeries is the input for StorePriceSamples.
type PriceSeries struct {
	AssetID    string
	VsCurrency string
	Chart      *models.MarketChart
}

// StoredRecord is one row of the market_records table.
type StoredRecord struct {
	RunID     string
	Position  int64
	RecordID  string
	Payload   json.RawMessage
	FetchedAt time.Time
}

// StoredPrice is one row of the price_samples table.
type StoredPrice struct {
	RunID      string
	AssetID    string
	VsCurrency string
	Timestamp  time.Time
	Price      sql.NullFloat64 // invalid for null samples
}

// StorageStats provides row counts for monitoring.
type StorageStats struct {
	TotalRecords      int64
	TotalPriceSamples int64
	LastRunID         string
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Query is the SQL query or operation details (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError specifically for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{
		Operation: "query",
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewInsertError creates a StorageError specifically for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "insert",
		Table:     table,
		Err:       err,
	}
}
