package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-market-fetcher/internal/models"
	"github.com/marcboeker/go-duckdb/v2"
)

const (
	recordsTable = "market_records"
	pricesTable  = "price_samples"
)

// DuckDBStorage implements FullStorage on DuckDB, using the Appender API for
// bulk inserts.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewDuckDBStorage creates a new DuckDB storage instance.
// The dbPath can be ":memory:" for in-memory database or a file path for persistent storage.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}, nil
}

// Initialize implements StorageManager.Initialize
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewStorageError("initialize", "", "", fmt.Errorf("database connection is closed"))
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	schema := []struct {
		table string
		query string
	}{
		{recordsTable, `
		CREATE TABLE IF NOT EXISTS market_records (
			run_id VARCHAR NOT NULL,
			position BIGINT NOT NULL,
			record_id VARCHAR,
			payload VARCHAR NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL
		)`},
		{pricesTable, `
		CREATE TABLE IF NOT EXISTS price_samples (
			run_id VARCHAR NOT NULL,
			asset_id VARCHAR NOT NULL,
			vs_currency VARCHAR NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			price DOUBLE
		)`},
	}

	for _, s := range schema {
		if _, err := d.db.ExecContext(ctx, s.query); err != nil {
			return NewStorageError("initialize", s.table, s.query, fmt.Errorf("failed to create table: %w", err))
		}
	}

	return nil
}

// StoreRecords implements RecordStorer.StoreRecords
func (d *DuckDBStorage) StoreRecords(ctx context.Context, runID string, records []models.Record, keyField string) error {
	fetchedAt := time.Now().UTC()

	return d.replaceWithAppender(ctx, recordsTable, func(appender *duckdb.Appender) error {
		for i, record := range records {
			payload, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("failed to encode record %d: %w", i, err)
			}

			var recordID any
			if keyField != "" {
				if v, ok := record[keyField]; ok && v != nil {
					if text, primitive := models.FormatPrimitive(v); primitive {
						recordID = text
					}
				}
			}

			if err := appender.AppendRow(runID, int64(i), recordID, string(payload), fetchedAt); err != nil {
				return fmt.Errorf("failed to append record %d: %w", i, err)
			}
		}
		return nil
	}, len(records))
}

// StorePriceSamples implements PriceStorer.StorePriceSamples
func (d *DuckDBStorage) StorePriceSamples(ctx context.Context, runID string, series PriceSeries) error {
	var prices []models.PricePoint
	if series.Chart != nil {
		prices = series.Chart.Prices
	}

	return d.replaceWithAppender(ctx, pricesTable, func(appender *duckdb.Appender) error {
		for i, point := range prices {
			var price any
			if point.Value.Valid {
				price = point.Value.Decimal.InexactFloat64()
			}
			if err := appender.AppendRow(runID, series.AssetID, series.VsCurrency, point.Timestamp, price); err != nil {
				return fmt.Errorf("failed to append price sample %d: %w", i, err)
			}
		}
		return nil
	}, len(prices))
}

// replaceWithAppender empties table and refills it through a DuckDB appender.
func (d *DuckDBStorage) replaceWithAppender(ctx context.Context, table string, fill func(*duckdb.Appender) error, rows int) error {
	start := time.Now()

	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()

	if db == nil {
		return NewInsertError(table, fmt.Errorf("database connection is closed"))
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return NewInsertError(table, fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	deleteQuery := "DELETE FROM " + table
	if _, err := conn.ExecContext(ctx, deleteQuery); err != nil {
		return NewStorageError("delete", table, deleteQuery, err)
	}

	var driverConn *duckdb.Conn
	err = conn.Raw(func(dc any) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}
		return nil
	})
	if err != nil {
		return NewInsertError(table, fmt.Errorf("failed to get DuckDB connection: %w", err))
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", table)
	if err != nil {
		return NewInsertError(table, fmt.Errorf("failed to create appender: %w", err))
	}
	defer appender.Close()

	if err := fill(appender); err != nil {
		return NewInsertError(table, err)
	}

	if err := appender.Flush(); err != nil {
		return NewInsertError(table, fmt.Errorf("failed to flush appender: %w", err))
	}

	d.logger.Debug("replaced table contents",
		"table", table,
		"rows", rows,
		"duration", time.Since(start))

	return nil
}

// QueryRecords implements Reader.QueryRecords
func (d *DuckDBStorage) QueryRecords(ctx context.Context) ([]StoredRecord, error) {
	query := "SELECT run_id, position, record_id, payload, fetched_at FROM market_records ORDER BY position"

	rows, err := d.query(ctx, recordsTable, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var (
			rec      StoredRecord
			recordID sql.NullString
			payload  string
		)
		if err := rows.Scan(&rec.RunID, &rec.Position, &recordID, &payload, &rec.FetchedAt); err != nil {
			return nil, NewQueryError(recordsTable, query, fmt.Errorf("failed to scan row: %w", err))
		}
		rec.RecordID = recordID.String
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, NewQueryError(recordsTable, query, err)
	}
	return out, nil
}

// QueryPriceSamples implements Reader.QueryPriceSamples
func (d *DuckDBStorage) QueryPriceSamples(ctx context.Context) ([]StoredPrice, error) {
	query := "SELECT run_id, asset_id, vs_currency, ts, price FROM price_samples ORDER BY ts"

	rows, err := d.query(ctx, pricesTable, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredPrice
	for rows.Next() {
		var p StoredPrice
		if err := rows.Scan(&p.RunID, &p.AssetID, &p.VsCurrency, &p.Timestamp, &p.Price); err != nil {
			return nil, NewQueryError(pricesTable, query, fmt.Errorf("failed to scan row: %w", err))
		}
		p.Timestamp = p.Timestamp.UTC()
		out = append(out, p)
	}

	if err := rows.Err(); err != nil {
		return nil, NewQueryError(pricesTable, query, err)
	}
	return out, nil
}

func (d *DuckDBStorage) query(ctx context.Context, table, query string) (*sql.Rows, error) {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()

	if db == nil {
		return nil, NewQueryError(table, query, fmt.Errorf("database connection is closed"))
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, NewQueryError(table, query, err)
	}
	return rows, nil
}

// GetStats implements StorageManager.GetStats
func (d *DuckDBStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()

	if db == nil {
		return nil, NewStorageError("stats", "", "", fmt.Errorf("database connection is closed"))
	}

	stats := &StorageStats{}
	counts := []struct {
		table string
		dest  *int64
	}{
		{recordsTable, &stats.TotalRecords},
		{pricesTable, &stats.TotalPriceSamples},
	}
	for _, c := range counts {
		query := "SELECT COUNT(*) FROM " + c.table
		if err := db.QueryRowContext(ctx, query).Scan(c.dest); err != nil {
			return nil, NewQueryError(c.table, query, err)
		}
	}

	// every store replaces its table, so any row carries the latest run
	for _, table := range []string{recordsTable, pricesTable} {
		query := "SELECT run_id FROM " + table + " LIMIT 1"
		var runID string
		err := db.QueryRowContext(ctx, query).Scan(&runID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, NewQueryError(table, query, err)
		}
		stats.LastRunID = runID
		break
	}

	return stats, nil
}

// HealthCheck implements HealthChecker.HealthCheck
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()

	if db == nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database health check failed: database connection is closed"))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("database health check failed: %w", err))
	}

	if result != 1 {
		return NewStorageError("health_check", "", "SELECT 1", fmt.Errorf("unexpected health check result: %d", result))
	}

	return nil
}

// Close implements StorageManager.Close
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		d.logger.Debug("closing DuckDB storage")
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}

	return nil
}

// Compile-time interface compliance check
var (
	_ FullStorage    = (*DuckDBStorage)(nil)
	_ RecordStorer   = (*DuckDBStorage)(nil)
	_ PriceStorer    = (*DuckDBStorage)(nil)
	_ StorageManager = (*DuckDBStorage)(nil)
	_ HealthChecker  = (*DuckDBStorage)(nil)
)
