// OKX trader CLI
// This application backfills and follows OKX candles, archives and exports
// them, and places orders with exchange price-limit clamping.
//
// Usage:
//
//	okxtrader backfill --from 2024-03-01 --to 2024-03-02 --out btc.csv
//	okxtrader live --warmup 100
//	okxtrader order --side buy --size 0.01 --price 62000
//	okxtrader status --id 6123456789
//	okxtrader balance --currency USDT
//	okxtrader export --from 2024-03-01 --to 2024-03-02 --out btc.csv
//	okxtrader gaps --from 2024-03-01 --to 2024-03-02
//
// For detailed help on any command, use: okxtrader <command> --help
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
	"syscall"
	"time"

	"github.com/johnayoung/go-okx-trader/internal/config"
	apperrors "github.com/johnayoung/go-okx-trader/internal/errors"
	"github.com/johnayoung/go-okx-trader/internal/exchange"
	"github.com/johnayoung/go-okx-trader/internal/execution"
	"github.com/johnayoung/go-okx-trader/internal/feed"
	"github.com/johnayoung/go-okx-trader/internal/gaps"
	"github.com/johnayoung/go-okx-trader/internal/logger"
	"github.com/johnayoung/go-okx-trader/internal/metrics"
	"github.com/johnayoung/go-okx-trader/internal/models"
	"github.com/johnayoung/go-okx-trader/internal/storage"
	"github.com/johnayoung/go-okx-trader/internal/trace"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "okxtrader"
	ConfigFile = "okxtrader.yaml"
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

// CLI holds the components shared by every command.
type CLI struct {
	config  *config.AppConfig
	logs    *logger.LoggerManager
	logger  *slog.Logger
	metrics *metrics.Metrics
	server  *metrics.Server
	tracing *trace.Provider
	okx     *exchange.OKXAdapter
	gateway exchange.Gateway
	archive storage.Archive
	out     io.Writer
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return
	}

	handler, ok := commands[command]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}
	if hasHelpFlag(args) {
		printCommandHelp(command)
		return
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{out: os.Stdout}
	if err := cli.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize: %v\n", err)
		os.Exit(ExitConfigError)
	}

	err := handler(cli, ctx, args)
	cli.close()
	os.Exit(exitCode(ctx, err))
}

type commandFunc func(cli *CLI, ctx context.Context, args []string) error

var commands = map[string]commandFunc{
	"backfill": (*CLI).handleBackfill,
	"live":     (*CLI).handleLive,
	"order":    (*CLI).handleOrder,
	"status":   (*CLI).handleStatus,
	"balance":  (*CLI).handleBalance,
	"export":   (*CLI).handleExport,
	"gaps":     (*CLI).handleGaps,
}

func exitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case ctx.Err() != nil:
		return ExitInterrupt
	case errors.As(err, new(*usageError)):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUsageError
	case apperrors.IsType(err, apperrors.ErrorTypeConfiguration):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	case apperrors.IsType(err, apperrors.ErrorTypeTransientTransport):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConnectionErr
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitDataError
	}
}

// initialize loads configuration and builds the shared components.
func (cli *CLI) initialize(ctx context.Context) error {
	configPath := os.Getenv("OKX_CONFIG_FILE")
	if configPath == "" {
		configPath = ConfigFile
	}

	cfg, err := config.NewConfigManager(configPath, slog.Default(), ".env").LoadConfig(ctx)
	if err != nil {
		return err
	}
	cli.config = cfg

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return apperrors.Configuration("cli", "failed to setup logging: %v", err)
	}
	cli.logs = logs
	cli.logger = logs.GetLogger()

	tracing, err := trace.New(cfg.Tracing, cfg.Version)
	if err != nil {
		return apperrors.Configuration("cli", "failed to setup tracing: %v", err)
	}
	cli.tracing = tracing

	cli.metrics = metrics.New()
	cli.okx = exchange.NewOKXAdapter(cfg.Exchange, logs.GetComponentLogger("okx"))
	cli.gateway = exchange.WithTracing(cli.okx, tracing.Tracer(), logs.GetComponentLogger("gateway"))

	archive, err := storage.New(ctx, cfg.Storage, logs.GetComponentLogger("storage"))
	if err != nil {
		return apperrors.Configuration("cli", "failed to open candle archive: %v", err)
	}
	cli.archive = archive

	if cfg.Metrics.Enabled {
		checks := map[string]metrics.HealthChecker{"exchange": cli.okx}
		if archive != nil {
			checks["archive"] = archive
		}
		cli.server = metrics.NewServer(cfg.Metrics, cli.metrics, checks, cfg.Version, logs.GetComponentLogger("http"))
		cli.server.Start()
	}

	cli.logger.Info("okx trader initialized",
		"version", Version,
		"network", cfg.Exchange.Network,
		"symbol", cfg.Feed.Symbol,
		"interval", cfg.Feed.Interval)
	return nil
}

func (cli *CLI) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.server.Shutdown(ctx); err != nil {
		cli.logger.Warn("metrics server shutdown failed", "error", err)
	}
	if cli.archive != nil {
		if err := cli.archive.Close(); err != nil {
			cli.logger.Warn("archive close failed", "error", err)
		}
	}
	if err := cli.tracing.Shutdown(ctx); err != nil {
		cli.logger.Warn("tracer shutdown failed", "error", err)
	}
	cli.logs.Close()
}

func (cli *CLI) backfiller(buf *feed.Buffer) *feed.Backfiller {
	return feed.NewBackfiller(cli.gateway, buf, feed.BackfillConfig{
		Symbol:   cli.config.Feed.Symbol,
		Interval: cli.config.Feed.Interval,
		PageSize: cli.config.Feed.PageSize,
	}, cli.metrics, cli.logs.GetComponentLogger("backfill"))
}

func (cli *CLI) executor() *execution.Executor {
	return execution.New(cli.gateway, execution.Config{
		MaxAttempts:      cli.config.Execution.MaxAttempts,
		RetryDelay:       cli.config.Execution.RetryDelayDuration(),
		StatusRetryDelay: cli.config.Execution.StatusRetryDelayDuration(),
	}, cli.metrics, cli.logs.GetComponentLogger("executor"))
}

// handleBackfill loads a historical range, archives it and optionally writes CSV.
func (cli *CLI) handleBackfill(ctx context.Context, args []string) error {
	flags, err := parseBackfillFlags(args, time.Now())
	if err != nil {
		return err
	}

	buf := feed.NewBuffer()
	var report feed.Report
	err = logger.TimedOperation(logger.WithSymbol(ctx, cli.config.Feed.Symbol), cli.logger, "backfill", func() error {
		var err error
		report, err = cli.backfiller(buf).Backfill(ctx, flags.From.UnixMilli(), flags.To.UnixMilli(), flags.PageSize)
		return err
	})
	if err != nil {
		return err
	}
	if report.Err != nil {
		cli.logger.Warn("backfill ended early", "error", report.Err, "cursor", report.Cursor)
	}

	candles := buf.Snapshot()
	if err := cli.store(ctx, candles); err != nil {
		return err
	}
	missing, err := gaps.DetectInSequence(cli.config.Feed.Symbol, cli.config.Feed.Interval, candles)
	if err != nil {
		return err
	}
	for _, g := range missing {
		cli.logger.Warn("exchange returned no bars for range", "gap", g.String())
	}
	if flags.Out != "" {
		if err := cli.writeCSV(flags.Out, candles); err != nil {
			return err
		}
	}

	fmt.Fprintf(cli.out, "Backfilled %d %s %s candles from %s to %s in %d pages\n",
		len(candles), cli.config.Feed.Symbol, cli.config.Feed.Interval,
		flags.From.UTC().Format(time.RFC3339), flags.To.UTC().Format(time.RFC3339), report.Pages)
	return report.Err
}

// handleLive follows the live feed until interrupted.
func (cli *CLI) handleLive(ctx context.Context, args []string) error {
	flags, err := parseLiveFlags(args)
	if err != nil {
		return err
	}

	fc := cli.config.Feed
	buf := feed.NewBuffer()

	if flags.Warmup > 0 {
		report, err := cli.backfiller(buf).BackfillRecent(ctx, flags.Warmup)
		if err != nil {
			return err
		}
		cli.logger.Info("warmup complete", "accepted", report.Accepted, "pages", report.Pages)
	}

	poller := feed.NewPoller(cli.gateway, buf, feed.PollerConfig{
		Symbol:        fc.Symbol,
		Interval:      fc.Interval,
		Limit:         fc.PollLimit,
		ConfirmedOnly: fc.ConfirmedOnly,
	}, cli.metrics, cli.logs.GetComponentLogger("poller"))

	adapter := feed.NewAdapter(buf, poller, feed.AdapterConfig{
		Symbol:       fc.Symbol,
		Interval:     fc.Interval,
		PollInterval: fc.PollIntervalDuration(),
		Sink:         cli.archive,
	}, cli.metrics, cli.logs.GetComponentLogger("feed"))

	go func() {
		<-ctx.Done()
		adapter.Stop()
	}()

	if fc.Stream.Enabled {
		stream := exchange.NewOKXStream(cli.config.Exchange, fc.Stream, cli.logs.GetComponentLogger("stream"))
		stream.OnReconnect = cli.metrics.StreamReconnect
		sf := feed.NewStreamFeed(stream, buf, fc.Symbol, fc.Interval, cli.metrics, cli.logs.GetComponentLogger("stream"))
		go func() {
			if err := sf.Run(ctx); err != nil && ctx.Err() == nil {
				cli.logger.Error("candle stream stopped", "error", err)
			}
		}()
	}

	loc := cli.config.Export.Location()
	for {
		bar, err := adapter.NextBar(ctx)
		if errors.Is(err, apperrors.ErrFeedClosed) || errors.Is(err, context.Canceled) {
			cli.logger.Info("live feed stopped", "last_seen", buf.LastSeen())
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "%s O=%s H=%s L=%s C=%s V=%s\n",
			bar.Time().In(loc).Format(feed.CSVTimeLayout),
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
	}
}

// handleOrder places one order and waits for it to settle.
func (cli *CLI) handleOrder(ctx context.Context, args []string) error {
	flags, err := parseOrderFlags(args)
	if err != nil {
		return err
	}

	ec := cli.config.Execution
	if err := execution.VerifyFunds(ctx, cli.gateway, ec.CashCurrency, ec.CashAmount()); err != nil {
		return err
	}

	exec := cli.executor()
	order, err := exec.ExecuteOrder(ctx, execution.OrderRequest{
		Symbol: cli.config.Feed.Symbol,
		Side:   flags.Side,
		Type:   flags.Type,
		Size:   flags.Size,
		Price:  flags.Price,
	})
	if err != nil {
		return err
	}
	if err := outputJSON(cli.out, order); err != nil {
		return err
	}
	if flags.NoWait {
		return nil
	}

	status, err := exec.AwaitTerminal(ctx, order.ExchangeOrderID, order.Symbol, 0)
	if err != nil {
		return err
	}
	return outputJSON(cli.out, status)
}

// handleStatus prints the exchange view of one order.
func (cli *CLI) handleStatus(ctx context.Context, args []string) error {
	flags, err := parseStatusFlags(args, cli.config.Feed.Symbol)
	if err != nil {
		return err
	}
	status, err := cli.executor().FetchOrder(ctx, flags.ID, flags.Symbol)
	if err != nil {
		return err
	}
	return outputJSON(cli.out, status)
}

// handleBalance prints the account balance of one currency.
func (cli *CLI) handleBalance(ctx context.Context, args []string) error {
	flags, err := parseBalanceFlags(args, cli.config.Execution.CashCurrency)
	if err != nil {
		return err
	}
	balance, err := cli.gateway.FetchBalance(ctx, flags.Currency)
	if err != nil {
		return err
	}
	return outputJSON(cli.out, balance)
}

// requirePersistentArchive fails unless the archive outlives the process. A
// memory archive starts empty on every run, so reading it back is pointless.
func requirePersistentArchive(command string, cfg config.StorageConfig) error {
	if cfg.Type != "duckdb" {
		return apperrors.Configuration("cli", "%s reads archived candles and needs storage.type duckdb (got %q)", command, cfg.Type)
	}
	return nil
}

// handleExport writes archived candles to CSV.
func (cli *CLI) handleExport(ctx context.Context, args []string) error {
	flags, err := parseBackfillFlags(args, time.Now())
	if err != nil {
		return err
	}
	if err := requirePersistentArchive("export", cli.config.Storage); err != nil {
		return err
	}

	candles, err := cli.archive.Query(ctx, cli.config.Feed.Symbol, cli.config.Feed.Interval,
		flags.From.UnixMilli(), flags.To.UnixMilli())
	if err != nil {
		return err
	}
	out := flags.Out
	if out == "" {
		out = "-"
	}
	return cli.writeCSV(out, candles)
}

// handleGaps lists missing bars in the archive.
func (cli *CLI) handleGaps(ctx context.Context, args []string) error {
	flags, err := parseBackfillFlags(args, time.Now())
	if err != nil {
		return err
	}
	if err := requirePersistentArchive("gaps", cli.config.Storage); err != nil {
		return err
	}

	found, err := gaps.NewDetector(cli.archive, cli.logs.GetComponentLogger("gaps")).
		Detect(ctx, cli.config.Feed.Symbol, cli.config.Feed.Interval, flags.From.UnixMilli(), flags.To.UnixMilli())
	if err != nil {
		return err
	}
	if found == nil {
		found = []gaps.Gap{}
	}
	return outputJSON(cli.out, found)
}

func (cli *CLI) store(ctx context.Context, candles []models.Candle) error {
	if cli.archive == nil || len(candles) == 0 {
		return nil
	}
	return cli.archive.Store(ctx, cli.config.Feed.Symbol, cli.config.Feed.Interval, candles)
}

// writeCSV writes candles to path, or to stdout when path is "-".
func (cli *CLI) writeCSV(path string, candles []models.Candle) error {
	loc := cli.config.Export.Location()
	if path == "-" {
		return feed.WriteCSV(cli.out, candles, loc)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := feed.WriteCSV(f, candles, loc); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	cli.logger.Info("candles exported", "path", path, "count", len(candles))
	return nil
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
