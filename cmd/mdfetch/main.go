// Market Data Fetcher CLI
// This application downloads cryptocurrency market data from a CoinGecko-style
// REST API and writes it to JSON and CSV files, optionally mirroring the
// result into a DuckDB database.
//
// Usage:
//
//	mdfetch markets --vs-currency usd --order market_cap_desc --csv
//	mdfetch range --asset bitcoin --from 2024-01-01 --to 2024-12-31 --csv
//	mdfetch ping
//
// For detailed help on any command, use: mdfetch <command> --help
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/johnayoung/go-market-fetcher/internal/collector"
	"github.com/johnayoung/go-market-fetcher/internal/config"
	mderrors "github.com/johnayoung/go-market-fetcher/internal/errors"
	"github.com/johnayoung/go-market-fetcher/internal/exchange"
	"github.com/johnayoung/go-market-fetcher/internal/export"
	"github.com/johnayoung/go-market-fetcher/internal/logger"
	"github.com/johnayoung/go-market-fetcher/internal/models"
	"github.com/johnayoung/go-market-fetcher/internal/storage"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "mdfetch"
	ConfigFile = "mdfetch.yaml"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// Default artifact names, written under the output directory
const (
	marketsArtifact = "coins_markets_all"
	rangeArtifact   = "%s_market_chart_range"
	dateLayout      = "2006-01-02"
)

// CLI holds the components wired for one command run
type CLI struct {
	config  *config.AppConfig
	logs    *logger.LoggerManager
	logger  *logger.ComponentLogger
	adapter *exchange.CoinGeckoAdapter
	fetcher *collector.Fetcher
	stdout  io.Writer
	stderr  io.Writer
}

// main is the entry point for the CLI application
func main() {
	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run parses args, executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return ExitUsageError
	}

	command := args[0]
	args = args[1:]

	switch command {
	case "markets", "range", "ping":
	case "--version", "-v":
		fmt.Fprintf(stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(stdout, args[0])
		} else {
			printUsage(stdout)
		}
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage(stderr)
		return ExitUsageError
	}

	flags, err := parseFlags(command, args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printCommandHelp(stderr, command)
		return ExitUsageError
	}
	if flags.Help {
		printCommandHelp(stdout, command)
		return ExitSuccess
	}

	ctx, _ = logger.NewRunContext(ctx)
	ctx = logger.WithOperation(ctx, command)

	cli, err := initialize(ctx, flags, stdout, stderr)
	if err != nil {
		if errors.Is(err, config.ErrMissingCredential) {
			fmt.Fprintf(stderr, "Error: %v (set it in the environment or a .env file)\n", config.ErrMissingCredential)
		} else {
			fmt.Fprintf(stderr, "Error: Failed to initialize CLI: %v\n", err)
		}
		return ExitConfigError
	}
	defer cli.logs.Close()

	switch command {
	case "markets":
		return cli.handleMarkets(ctx, flags)
	case "range":
		return cli.handleRange(ctx, flags)
	default:
		return cli.handlePing(ctx)
	}
}

// initialize loads configuration, applies flag overrides and builds the
// logger, exchange adapter and fetcher.
func initialize(ctx context.Context, flags *Flags, stdout, stderr io.Writer) (*CLI, error) {
	configPath := flags.ConfigPath
	if configPath == "" {
		configPath = os.Getenv("MDFETCH_CONFIG")
	}

	bootstrap := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	manager := config.NewConfigManager(configPath, bootstrap)
	if flags.EnvFile != "" {
		manager = manager.WithEnvFile(flags.EnvFile)
	}

	cfg, err := manager.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	flags.apply(cfg)

	logs, err := setupLogging(cfg.Logging, stdout, stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}

	adapter := exchange.NewCoinGeckoAdapter(cfg.API, logs.WithComponentContext(ctx, "exchange").Logger)
	fetcher := collector.New(adapter, cfg.Fetch, logs.WithComponentContext(ctx, "collector").Logger)

	return &CLI{
		config:  cfg,
		logs:    logs,
		logger:  logs.GetComponentLogger("cli"),
		adapter: adapter,
		fetcher: fetcher,
		stdout:  stdout,
		stderr:  stderr,
	}, nil
}

// setupLogging routes stdout/stderr output through the given writers so the
// CLI can be driven from tests; file output goes through the rotating writer.
func setupLogging(cfg config.LoggingConfig, stdout, stderr io.Writer) (*logger.LoggerManager, error) {
	switch cfg.Output {
	case "stdout":
		return logger.NewLoggerManagerWithWriter(cfg, stdout), nil
	case "stderr", "":
		return logger.NewLoggerManagerWithWriter(cfg, stderr), nil
	default:
		return logger.NewLoggerManager(cfg)
	}
}

// handleMarkets handles the 'markets' command: the paginated listing fetch
func (cli *CLI) handleMarkets(ctx context.Context, flags *Flags) int {
	query := collector.ListingQueryFromConfig(cli.config.Fetch)
	ctx = logger.WithVsCurrency(ctx, query.VsCurrency)

	var records []models.Record
	err := cli.logger.LogOperation(ctx, "fetch_all_pages", func() error {
		var err error
		records, err = cli.fetcher.FetchAllPages(ctx, query)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ExitInterrupt
		}
		fmt.Fprintf(cli.stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	stats := cli.fetcher.Stats()
	if stats.StopReason == collector.StopPageFailure {
		cli.logger.WarnWithContext(ctx, "Returning partial results after a failed page",
			"rows", len(records),
			"pages", stats.PagesFetched)
	}

	name := flags.Output
	if name == "" {
		name = marketsArtifact
	}
	basePath := filepath.Join(cli.config.Output.Dir, name)

	artifacts, err := export.WriteOutputs(records, basePath, cli.config.Output.CSV, cli.config.Output.PreferredColumns)
	if err != nil {
		cli.logger.ErrorWithContext(ctx, "Failed to write outputs", err, "path", basePath)
		return ExitDataError
	}

	if cli.config.Output.DuckDBPath != "" {
		err := cli.withStorage(ctx, func(store storage.FullStorage) error {
			if err := store.StoreRecords(ctx, logger.GetRunID(ctx), records, query.KeyField); err != nil {
				return err
			}
			stored, err := store.QueryRecords(ctx)
			if err != nil {
				return err
			}
			return checkStoredCount("records", len(stored), len(records))
		})
		if err != nil {
			cli.logger.ErrorWithContext(ctx, "Failed to store records", err, "db_path", cli.config.Output.DuckDBPath)
			return ExitDataError
		}
	}

	cli.logger.InfoWithContext(ctx, "Fetch summary",
		"rows", len(records),
		"output", artifacts.JSONPath,
		"csv", artifacts.CSVPath,
		"vs_currency", query.VsCurrency,
		"order", query.Order,
		"pages", stats.PagesFetched,
		"duplicates_dropped", stats.DuplicatesDropped,
		"retries", stats.Retries,
		"stop_reason", stats.StopReason)

	fmt.Fprintf(cli.stdout, "✅ Saved %d records to %s\n", len(records), artifacts.JSONPath)
	if artifacts.CSVPath != "" {
		fmt.Fprintf(cli.stdout, "✅ CSV saved to %s\n", artifacts.CSVPath)
	}

	return ExitSuccess
}

// handleRange handles the 'range' command: one market chart range query
func (cli *CLI) handleRange(ctx context.Context, flags *Flags) int {
	from, to, err := flags.rangeWindow(time.Now().UTC())
	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: %v\n", err)
		return ExitUsageError
	}

	req := exchange.RangeRequest{
		AssetID:    cli.config.Fetch.AssetID,
		VsCurrency: cli.config.Fetch.VsCurrency,
		From:       from,
		To:         to,
	}
	if err := req.Validate(); err != nil {
		fmt.Fprintf(cli.stderr, "Error: %v\n", err)
		return ExitUsageError
	}

	ctx = logger.WithAsset(ctx, req.AssetID)
	ctx = logger.WithVsCurrency(ctx, req.VsCurrency)

	var raw json.RawMessage
	err = cli.logger.LogOperation(ctx, "range_query", func() error {
		var err error
		raw, err = cli.fetcher.RangeQuery(ctx, req)
		return err
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return ExitInterrupt
		case mderrors.IsUpstream(err):
			cli.logger.ErrorWithContext(ctx, "Range query failed", err,
				"error_type", mderrors.Classify(err))
			return ExitConnectionErr
		default:
			fmt.Fprintf(cli.stderr, "Error: %v\n", err)
			return ExitConfigError
		}
	}

	name := flags.Output
	if name == "" {
		name = fmt.Sprintf(rangeArtifact, req.AssetID)
	}
	basePath := filepath.Join(cli.config.Output.Dir, name)

	artifacts, err := export.WriteRangeOutputs(raw, basePath, cli.config.Output.CSV)
	if err != nil {
		cli.logger.ErrorWithContext(ctx, "Failed to write outputs", err, "path", basePath)
		return ExitDataError
	}

	samples := 0
	if cli.config.Output.DuckDBPath != "" {
		chart, err := models.DecodeMarketChart(raw)
		if err != nil {
			cli.logger.ErrorWithContext(ctx, "Failed to decode range response", err)
			return ExitDataError
		}
		samples = chart.Samples()

		err = cli.withStorage(ctx, func(store storage.FullStorage) error {
			series := storage.PriceSeries{
				AssetID:    req.AssetID,
				VsCurrency: req.VsCurrency,
				Chart:      chart,
			}
			if err := store.StorePriceSamples(ctx, logger.GetRunID(ctx), series); err != nil {
				return err
			}
			stored, err := store.QueryPriceSamples(ctx)
			if err != nil {
				return err
			}
			return checkStoredCount("price samples", len(stored), samples)
		})
		if err != nil {
			cli.logger.ErrorWithContext(ctx, "Failed to store price samples", err, "db_path", cli.config.Output.DuckDBPath)
			return ExitDataError
		}
	}

	cli.logger.InfoWithContext(ctx, "Range query summary",
		"from", from.Format(dateLayout),
		"to", to.Format(dateLayout),
		"output", artifacts.JSONPath,
		"csv", artifacts.CSVPath,
		"stored_samples", samples)

	fmt.Fprintf(cli.stdout, "✅ Data saved to %s\n", artifacts.JSONPath)
	if artifacts.CSVPath != "" {
		fmt.Fprintf(cli.stdout, "✅ CSV saved to %s\n", artifacts.CSVPath)
	}

	return ExitSuccess
}

// handlePing handles the 'ping' command: an upstream health check
func (cli *CLI) handlePing(ctx context.Context) int {
	start := time.Now()
	if err := cli.adapter.Ping(ctx); err != nil {
		cli.logger.ErrorWithContext(ctx, "Ping failed", err,
			"base_url", cli.config.API.BaseURL,
			"error_type", mderrors.Classify(err))
		return ExitConnectionErr
	}

	cli.logger.InfoWithContext(ctx, "Ping succeeded",
		"base_url", cli.config.API.BaseURL,
		"latency", time.Since(start))
	fmt.Fprintf(cli.stdout, "✅ %s is reachable\n", cli.config.API.BaseURL)
	return ExitSuccess
}

// withStorage opens the configured DuckDB database, runs fn and closes it.
func (cli *CLI) withStorage(ctx context.Context, fn func(storage.FullStorage) error) error {
	store, err := storage.NewDuckDBStorage(cli.config.Output.DuckDBPath, cli.logs.WithComponentContext(ctx, "storage").Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.HealthCheck(ctx); err != nil {
		return err
	}

	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage schema: %w", err)
	}

	if err := fn(store); err != nil {
		return err
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		return err
	}
	cli.logger.InfoWithContext(ctx, "Stored run in DuckDB",
		"db_path", cli.config.Output.DuckDBPath,
		"records", stats.TotalRecords,
		"price_samples", stats.TotalPriceSamples)

	return nil
}

// checkStoredCount confirms the database now mirrors the written artifacts.
func checkStoredCount(table string, stored, expected int) error {
	if stored != expected {
		return fmt.Errorf("stored %d %s, expected %d", stored, table, expected)
	}
	return nil
}

// Flags represents the command line flags shared by all commands
type Flags struct {
	ConfigPath string
	EnvFile    string
	OutputDir  string
	Output     string
	DuckDBPath string
	VsCurrency string
	CSV        bool
	Help       bool

	// markets
	Order    string
	PerPage  int
	MaxPages int
	Delay    string

	// range
	Asset string
	From  string
	To    string
	Days  int
}

// parseFlags parses command line arguments for the given command
func parseFlags(command string, args []string) (*Flags, error) {
	flags := &Flags{Days: 365}

	value := func(i int) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", args[i])
		}
		return args[i+1], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		// flags shared by every command
		switch arg {
		case "--help", "-h":
			flags.Help = true
			continue
		case "--config", "-c", "--env-file":
			v, err := value(i)
			if err != nil {
				return nil, err
			}
			if arg == "--env-file" {
				flags.EnvFile = v
			} else {
				flags.ConfigPath = v
			}
			i++
			continue
		}

		if command == "ping" {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}

		// flags shared by the data commands
		switch arg {
		case "--csv":
			flags.CSV = true
			continue
		case "--output-dir", "--output", "-o", "--duckdb", "--vs-currency":
			v, err := value(i)
			if err != nil {
				return nil, err
			}
			switch arg {
			case "--output-dir":
				flags.OutputDir = v
			case "--output", "-o":
				flags.Output = v
			case "--duckdb":
				flags.DuckDBPath = v
			default:
				flags.VsCurrency = v
			}
			i++
			continue
		}

		if command == "markets" {
			switch arg {
			case "--order":
				v, err := value(i)
				if err != nil {
					return nil, err
				}
				flags.Order = v
				i++
			case "--per-page", "--max-pages":
				v, err := value(i)
				if err != nil {
					return nil, err
				}
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					return nil, fmt.Errorf("invalid %s value: %s", arg, v)
				}
				if arg == "--per-page" {
					if n > exchange.MaxPerPage {
						return nil, fmt.Errorf("--per-page cannot exceed %d", exchange.MaxPerPage)
					}
					flags.PerPage = n
				} else {
					flags.MaxPages = n
				}
				i++
			case "--delay":
				v, err := value(i)
				if err != nil {
					return nil, err
				}
				if d, err := time.ParseDuration(v); err != nil || d < 0 {
					return nil, fmt.Errorf("invalid --delay value: %s", v)
				}
				flags.Delay = v
				i++
			default:
				return nil, fmt.Errorf("unknown flag: %s", arg)
			}
			continue
		}

		switch arg {
		case "--asset", "-a":
			v, err := value(i)
			if err != nil {
				return nil, err
			}
			flags.Asset = v
			i++
		case "--from", "-f":
			v, err := value(i)
			if err != nil {
				return nil, err
			}
			flags.From = v
			i++
		case "--to", "-t":
			v, err := value(i)
			if err != nil {
				return nil, err
			}
			flags.To = v
			i++
		case "--days", "-d":
			v, err := value(i)
			if err != nil {
				return nil, err
			}
			days, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid days value: %w", err)
			}
			if days <= 0 {
				return nil, fmt.Errorf("--days must be greater than 0")
			}
			flags.Days = days
			i++
		default:
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if (flags.From == "") != (flags.To == "") {
		return nil, fmt.Errorf("--from and --to must be used together")
	}

	return flags, nil
}

// apply overrides configuration values with the flags that were set
func (f *Flags) apply(cfg *config.AppConfig) {
	if f.OutputDir != "" {
		cfg.Output.Dir = f.OutputDir
	}
	if f.DuckDBPath != "" {
		cfg.Output.DuckDBPath = f.DuckDBPath
	}
	if f.CSV {
		cfg.Output.CSV = true
	}
	if f.VsCurrency != "" {
		cfg.Fetch.VsCurrency = f.VsCurrency
	}
	if f.Order != "" {
		cfg.Fetch.Order = f.Order
	}
	if f.PerPage > 0 {
		cfg.Fetch.PerPage = f.PerPage
	}
	if f.MaxPages > 0 {
		cfg.Fetch.MaxPages = f.MaxPages
	}
	if f.Delay != "" {
		cfg.Fetch.RequestDelay = f.Delay
	}
	if f.Asset != "" {
		cfg.Fetch.AssetID = f.Asset
	}
}

// rangeWindow resolves --from/--to, or the last --days days ending at now.
// Dates are calendar days in UTC.
func (f *Flags) rangeWindow(now time.Time) (time.Time, time.Time, error) {
	if f.From == "" {
		return now.AddDate(0, 0, -f.Days), now, nil
	}

	from, err := time.Parse(dateLayout, f.From)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from date format, use YYYY-MM-DD: %w", err)
	}
	to, err := time.Parse(dateLayout, f.To)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to date format, use YYYY-MM-DD: %w", err)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("from date must be before to date")
	}

	return from, to, nil
}

// Help and usage functions

// printUsage prints the main usage information
func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - Market Data Fetcher CLI v%s

USAGE:
    %s <command> [options]

COMMANDS:
    markets     Fetch every page of the coin markets listing
    range       Fetch the market chart of one asset over a date range
    ping        Check that the API is reachable with the configured key

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Fetch the full USD listing and write JSON and CSV
    %s markets --csv

    # Fetch Bitcoin prices for 2024
    %s range --asset bitcoin --from 2024-01-01 --to 2024-12-31 --csv

CONFIGURATION:
    Configuration can be provided via:
    - Config file: --config %s (JSON or YAML), or MDFETCH_CONFIG
    - A .env file in the working directory
    - Environment variables: COINGECKO_API_KEY (required), CG_*, MDFETCH_*, LOG_*

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, ConfigFile, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(w io.Writer, command string) {
	common := `    --config, -c <path>       Config file (JSON or YAML)
    --env-file <path>         Dotenv file to load (default: .env)
    --help, -h                Show this help message
`
	output := `    --output-dir <dir>        Output directory (default: data)
    --output, -o <name>       Artifact base name, without extension
    --csv                     Also write a CSV file
    --duckdb <path>           Mirror the result into a DuckDB database
    --vs-currency <code>      Quote currency (default: usd)
`

	switch command {
	case "markets":
		fmt.Fprintf(w, `%s markets - Fetch the paginated coin markets listing

USAGE:
    %s markets [options]

OPTIONS:
%s%s    --order <order>           Sort order (default: market_cap_desc)
    --per-page <n>            Page size, 1 to %d (default: %d)
    --max-pages <n>           Safety cap on pages (default: 200)
    --delay <duration>        Delay between pages (default: 250ms)

NOTES:
    - Pagination stops at the first empty or short page
    - A page that fails after its retry ends the run with the rows fetched so far
    - Rows are deduplicated on their id, keeping the first occurrence
`, AppName, AppName, output, common, exchange.MaxPerPage, exchange.MaxPerPage)

	case "range":
		fmt.Fprintf(w, `%s range - Fetch the market chart of one asset over a date range

USAGE:
    %s range [options]

OPTIONS:
%s%s    --asset, -a <id>          Asset identifier (default: bitcoin)
    --from, -f <date>         Start date (YYYY-MM-DD format)
    --to, -t <date>           End date (YYYY-MM-DD format)
    --days, -d <days>         Number of days ending today (default: 365)

NOTES:
    - Either use --days OR both --from and --to
    - The CSV holds one date,price row per price sample
    - Any upstream error aborts the run
`, AppName, AppName, output, common)

	case "ping":
		fmt.Fprintf(w, `%s ping - Check the API

USAGE:
    %s ping [options]

OPTIONS:
%s`, AppName, AppName, common)

	default:
		fmt.Fprintf(w, "Unknown command: %s\n\n", command)
		printUsage(w)
	}
}
