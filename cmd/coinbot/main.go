// Command coinbot is the trading bot entry point. Every operation is a
// subcommand: the long-running server modes (server, connector, manager),
// the position workflows (open, close, cancel, adjust, panic), direct
// orders (buy, sell), market data reads, analysis and the automated
// trading loops.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alanyoungcy/coinbot/internal/analysis"
	"github.com/alanyoungcy/coinbot/internal/app"
	"github.com/alanyoungcy/coinbot/internal/config"
	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/alanyoungcy/coinbot/internal/service"
)

const usage = `usage: coinbot <command> [flags]

server modes:
  server           run the supervisor: connector + position manager
  connector        run the exchange feed connector
  manager          run the position manager

positions:
  open             create and submit a new position
  close            sell an open position
  cancel           withdraw a position's working order
  adjust           change a position's exit triggers
  panic            cancel all buys and market-close all open positions
  get-position     show one position
  list-positions   show positions by status

orders and market data:
  buy              place a standalone buy order
  sell             place a standalone sell order
  get-order        show an order
  get-ticker       show the current ticker for a product
  get-product      show product metadata
  list-prices      show bid/ask for the configured products
  accounts         show exchange account balances

analysis and automation:
  analyze          run candle analysis over the configured products
  auto             automated trading loop
  monitor          alert-only monitoring loop
  archive-orders   archive completed orders to object storage

Run 'coinbot <command> -h' for the command's flags.`

func main() {
	os.Exit(run(os.Args[1:]))
}

// globalFlags are accepted by every subcommand.
type globalFlags struct {
	configPath  string
	verbose     bool
	logFilename string
	pause       bool
}

func registerGlobal(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{}
	fs.StringVar(&g.configPath, "config", "config.toml", "path to configuration file")
	fs.BoolVar(&g.verbose, "verbose", false, "enable debug logging")
	fs.StringVar(&g.logFilename, "logfilename", "", "write logs to this file instead of the console")
	fs.BoolVar(&g.pause, "pause", false, "pause when finished (press Enter to quit)")
	return g
}

// setup loads and validates configuration and builds the logger.
func setup(g *globalFlags) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config %s: %w", g.configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if g.verbose {
		level = slog.LevelDebug
	}

	var out *os.File = os.Stdout
	closeLog := func() {}
	if g.logFilename != "" {
		f, err := os.OpenFile(g.logFilename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeLog = func() { _ = f.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, closeLog, nil
}

// exitCode maps an error to the process exit status. Caller mistakes exit
// 1; illegal position transitions exit 2 so scripts can tell them apart.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, domain.ErrIllegalTransition):
		return 2
	default:
		return 1
	}
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 1
	}
	command, rest := args[0], args[1:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := dispatch(ctx, command, rest)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "coinbot %s: %v\n", command, err)
	}
	return exitCode(err)
}

// withApp runs fn against a wired App after flag parsing.
func withApp(ctx context.Context, fs *flag.FlagSet, g *globalFlags, args []string, fn func(a *app.App) error) error {
	return withAppCfg(ctx, fs, g, args, func(a *app.App, _ *config.Config) error {
		return fn(a)
	})
}

// pauseForEnter holds the terminal open so output stays visible when the
// binary is launched from a shortcut.
func pauseForEnter() {
	fmt.Println("Press Enter to exit.")
	_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
}

func dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "server":
		fs := flag.NewFlagSet("server", flag.ContinueOnError)
		g := registerGlobal(fs)
		return withApp(ctx, fs, g, args, func(a *app.App) error { return a.RunServer(ctx) })

	case "connector":
		fs := flag.NewFlagSet("connector", flag.ContinueOnError)
		g := registerGlobal(fs)
		return withApp(ctx, fs, g, args, func(a *app.App) error { return a.RunConnector(ctx) })

	case "manager":
		fs := flag.NewFlagSet("manager", flag.ContinueOnError)
		g := registerGlobal(fs)
		return withApp(ctx, fs, g, args, func(a *app.App) error { return a.RunManager(ctx) })

	case "open":
		return openCommand(ctx, args)

	case "close":
		fs := flag.NewFlagSet("close", flag.ContinueOnError)
		g := registerGlobal(fs)
		name := fs.String("name", "", "position name")
		market := fs.Bool("market", false, "market sell instead of limit")
		price := fs.Float64("price", 0, "limit price")
		return withApp(ctx, fs, g, args, func(a *app.App) error {
			if *name == "" {
				return domain.UserErrorf("--name is required")
			}
			mode := domain.OrderTypeLimit
			if *market {
				mode = domain.OrderTypeMarket
			}
			return a.ClosePosition(ctx, *name, mode, *price)
		})

	case "cancel":
		fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
		g := registerGlobal(fs)
		name := fs.String("name", "", "position name")
		return withApp(ctx, fs, g, args, func(a *app.App) error {
			if *name == "" {
				return domain.UserErrorf("--name is required")
			}
			return a.CancelPosition(ctx, *name)
		})

	case "adjust":
		return adjustCommand(ctx, args)

	case "panic":
		fs := flag.NewFlagSet("panic", flag.ContinueOnError)
		g := registerGlobal(fs)
		return withApp(ctx, fs, g, args, func(a *app.App) error { return a.PanicClose(ctx) })

	case "buy":
		fs := flag.NewFlagSet("buy", flag.ContinueOnError)
		g := registerGlobal(fs)
		product := fs.String("product", "", "product id, e.g. BTC-EUR")
		market := fs.Bool("market", false, "market order")
		price := fs.Float64("price", 0, "limit price")
		size := fs.Float64("size", 0, "order size in base currency")
		funds := fs.Float64("funds", 0, "market order funds in quote currency")
		return withApp(ctx, fs, g, args, func(a *app.App) error {
			if *product == "" {
				return domain.UserErrorf("--product is required")
			}
			mode := domain.OrderTypeLimit
			if *market {
				mode = domain.OrderTypeMarket
			}
			return a.Buy(ctx, *product, mode, *price, *size, *funds)
		})

	case "sell":
		fs := flag.NewFlagSet("sell", flag.ContinueOnError)
		g := registerGlobal(fs)
		product := fs.String("product", "", "product id")
		market := fs.Bool("market", false, "market order")
		price := fs.Float64("price", 0, "limit price")
		size := fs.Float64("size", 0, "order size in base currency")
		stop := fs.Float64("stop", 0, "stop price; turns the sell into a stop-loss")
		return withApp(ctx, fs, g, args, func(a *app.App) error {
			if *product == "" {
				return domain.UserErrorf("--product is required")
			}
			mode := domain.OrderTypeLimit
			if *market {
				mode = domain.OrderTypeMarket
			}
			return a.Sell(ctx, *product, mode, *price, *size, *stop)
		})

	case "get-position":
		fs := flag.NewFlagSet("get-position", flag.ContinueOnError)
		g := registerGlobal(fs)
		name := fs.String("name", "", "position name")
		return withApp(ctx, fs, g, args, func(a *app.App) error {
			if *name == "" {
				return domain.UserErrorf("--name is required")
			}
			return a.GetPosition(ctx, *name)
		})

	case "list-positions":
		fs := flag.NewFlagSet("list-positions", flag.ContinueOnError)
		g := registerGlobal(fs)
		filter := fs.String("filter", "all", "all, new, open or closed")
		return withApp(ctx, fs, g, args, func(a *app.App) error {
			switch domain.PositionFilter(*filter) {
			case domain.PositionFilterAll, domain.PositionFilterNew,
				domain.PositionFilterOpen, domain.PositionFilterClosed:
			default:
				return domain.UserErrorf("unknown filter %q", *filter)
			}
			return a.ListPositions(ctx, domain.PositionFilter(*filter))
		})

	case "get-ticker":
		fs := flag.NewFlagSet("get-ticker", flag.ContinueOnError)
		g := registerGlobal(fs)
		product := fs.String("product", "", "product id")
		return withApp(ctx, fs, g, args, func(a *app.App) error {
			if *product == "" {
				return domain.UserErrorf("--product is required")
			}
			return a.GetTicker(ctx, *product)
		})

	case "get-product":
		fs := flag.NewFlagSet("get-product", flag.ContinueOnError)
		g := registerGlobal(fs)
		product := fs.String("product", "", "product id")
		return withApp(ctx, fs, g, args, func(a *app.App) error {
			if *product == "" {
				return domain.UserErrorf("--product is required")
			}
			return a.GetProduct(ctx, *product)
		})

	case "list-prices":
		fs := flag.NewFlagSet("list-prices", flag.ContinueOnError)
		g := registerGlobal(fs)
		return withApp(ctx, fs, g, args, func(a *app.App) error {
			return a.ListPrices(ctx, fs.Args())
		})

	case "accounts":
		fs := flag.NewFlagSet("accounts", flag.ContinueOnError)
		g := registerGlobal(fs)
		return withApp(ctx, fs, g, args, func(a *app.App) error { return a.ListAccounts(ctx) })

	case "get-order":
		fs := flag.NewFlagSet("get-order", flag.ContinueOnError)
		g := registerGlobal(fs)
		id := fs.String("id", "", "order id")
		return withApp(ctx, fs, g, args, func(a *app.App) error {
			if *id == "" {
				return domain.UserErrorf("--id is required")
			}
			return a.GetOrder(ctx, *id)
		})

	case "analyze":
		return analyzeCommand(ctx, args)

	case "auto":
		return autoCommand(ctx, args)

	case "monitor":
		return monitorCommand(ctx, args)

	case "archive-orders":
		fs := flag.NewFlagSet("archive-orders", flag.ContinueOnError)
		g := registerGlobal(fs)
		return withApp(ctx, fs, g, args, func(a *app.App) error { return a.ArchiveOrders(ctx) })

	case "-h", "--help", "help":
		fmt.Println(usage)
		return nil

	default:
		fmt.Fprintln(os.Stderr, usage)
		return domain.UserErrorf("unknown command %q", command)
	}
}

// unset marks optional float flags whose absence matters.
var unset = math.NaN()

func floatPtr(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func parseCloseAt(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, domain.UserErrorf("invalid close time %q, use RFC3339", s)
	}
	return &ts, nil
}

func openCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	g := registerGlobal(fs)
	name := fs.String("name", "", "position name")
	product := fs.String("product", "", "product id")
	market := fs.Bool("market", false, "market entry instead of limit")
	price := fs.Float64("price", 0, "limit entry price")
	size := fs.Float64("size", 0, "entry size in base currency")
	budget := fs.Float64("budget", 0, "entry budget in quote currency")
	takeProfit := fs.Float64("take-profit", unset, "close when best bid reaches this price")
	stopLoss := fs.Float64("stop-loss", unset, "close when best bid falls to this price")
	closeAt := fs.String("close-at", "", "close at this RFC3339 time")

	return withApp(ctx, fs, g, args, func(a *app.App) error {
		if *name == "" || *product == "" {
			return domain.UserErrorf("--name and --product are required")
		}
		closeTime, err := parseCloseAt(*closeAt)
		if err != nil {
			return err
		}
		mode := domain.OrderTypeLimit
		if *market {
			mode = domain.OrderTypeMarket
		}
		return a.OpenPosition(ctx, service.OpenParams{
			Name:        *name,
			Product:     *product,
			Mode:        mode,
			Price:       *price,
			Size:        *size,
			Budget:      *budget,
			TakeProfit:  floatPtr(*takeProfit),
			StopLoss:    floatPtr(*stopLoss),
			CloseAtTime: closeTime,
		})
	})
}

func adjustCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("adjust", flag.ContinueOnError)
	g := registerGlobal(fs)
	name := fs.String("name", "", "position name")
	takeProfit := fs.Float64("take-profit", unset, "new take profit price")
	stopLoss := fs.Float64("stop-loss", unset, "new stop loss price")
	closeAt := fs.String("close-at", "", "new close time, RFC3339")
	clearTakeProfit := fs.Bool("clear-take-profit", false, "remove the take profit trigger")
	clearStopLoss := fs.Bool("clear-stop-loss", false, "remove the stop loss trigger")
	clearCloseAt := fs.Bool("clear-close-at", false, "remove the timed close")

	return withApp(ctx, fs, g, args, func(a *app.App) error {
		if *name == "" {
			return domain.UserErrorf("--name is required")
		}
		closeTime, err := parseCloseAt(*closeAt)
		if err != nil {
			return err
		}
		upd := domain.TriggerUpdate{
			TakeProfit:       floatPtr(*takeProfit),
			ClearTakeProfit:  *clearTakeProfit,
			StopLoss:         floatPtr(*stopLoss),
			ClearStopLoss:    *clearStopLoss,
			CloseAtTime:      closeTime,
			ClearCloseAtTime: *clearCloseAt,
		}
		return a.AdjustTriggers(ctx, *name, upd)
	})
}

// analysisFlags registers the candle analysis overrides. Unset values
// fall back to the configuration.
type analysisFlags struct {
	days          *int
	granularity   *int
	smaPeriods    *int
	ema1Periods   *int
	ema2Periods   *int
	minVolatility *float64
	ignoreTrend   *bool
}

func registerAnalysis(fs *flag.FlagSet) *analysisFlags {
	return &analysisFlags{
		days:          fs.Int("days", 0, "history window in days (0 = config default)"),
		granularity:   fs.Int("granularity", 0, "candle size in seconds (0 = config default)"),
		smaPeriods:    fs.Int("sma", 0, "simple moving average periods (0 = config default)"),
		ema1Periods:   fs.Int("ema1", 0, "short EMA periods (0 = config default)"),
		ema2Periods:   fs.Int("ema2", 0, "long EMA periods (0 = config default)"),
		minVolatility: fs.Float64("min-volatility", 0, "volatility floor percent (0 = config default)"),
		ignoreTrend:   fs.Bool("ignore-trend", false, "decide on volatility alone"),
	}
}

func (f *analysisFlags) options(cfg config.AnalysisConfig) analysis.Options {
	opts := analysis.Options{
		Days:          cfg.Days,
		Granularity:   cfg.Granularity,
		SMAPeriods:    cfg.SMAPeriods,
		EMA1Periods:   cfg.EMA1Periods,
		EMA2Periods:   cfg.EMA2Periods,
		MinVolatility: cfg.MinVolatility,
		IgnoreTrend:   *f.ignoreTrend,
	}
	if *f.days > 0 {
		opts.Days = *f.days
	}
	if *f.granularity > 0 {
		opts.Granularity = *f.granularity
	}
	if *f.smaPeriods > 0 {
		opts.SMAPeriods = *f.smaPeriods
	}
	if *f.ema1Periods > 0 {
		opts.EMA1Periods = *f.ema1Periods
	}
	if *f.ema2Periods > 0 {
		opts.EMA2Periods = *f.ema2Periods
	}
	if *f.minVolatility > 0 {
		opts.MinVolatility = *f.minVolatility
	}
	return opts
}

func analyzeCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	g := registerGlobal(fs)
	af := registerAnalysis(fs)

	return withAppCfg(ctx, fs, g, args, func(a *app.App, cfg *config.Config) error {
		return a.Analyze(ctx, fs.Args(), af.options(cfg.Analysis))
	})
}

func autoCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("auto", flag.ContinueOnError)
	g := registerGlobal(fs)
	af := registerAnalysis(fs)
	budget := fs.Float64("budget", 0, "per-trade budget in quote currency (0 = config default)")
	stoploss := fs.Float64("stoploss", 2.5, "stop loss percent below entry")
	target := fs.Float64("target", 1.5, "profit target percent above entry")
	reinvest := fs.Bool("reinvest", false, "grow the budget with profits")

	return withAppCfg(ctx, fs, g, args, func(a *app.App, cfg *config.Config) error {
		b := *budget
		if b == 0 {
			b = cfg.Analysis.Budget
		}
		return a.AutoTrade(ctx, service.AutoParams{
			Products:        fs.Args(),
			Budget:          b,
			ReinvestProfits: *reinvest,
			StoplossPercent: *stoploss,
			TargetPercent:   *target,
			Analysis:        af.options(cfg.Analysis),
		})
	})
}

func monitorCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	g := registerGlobal(fs)
	af := registerAnalysis(fs)
	stoploss := fs.Float64("stoploss", 2.5, "stop loss percent used in alerts")
	target := fs.Float64("target", 1.5, "profit target percent used in alerts")

	return withAppCfg(ctx, fs, g, args, func(a *app.App, cfg *config.Config) error {
		return a.Monitor(ctx, service.MonitorParams{
			Products:        fs.Args(),
			StoplossPercent: *stoploss,
			TargetPercent:   *target,
			Analysis:        af.options(cfg.Analysis),
		})
	})
}

// withAppCfg parses flags, wires an App and runs fn. Commands that resolve
// flag defaults from configuration take the cfg parameter; the rest go
// through withApp.
func withAppCfg(ctx context.Context, fs *flag.FlagSet, g *globalFlags, args []string, fn func(a *app.App, cfg *config.Config) error) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, logger, closeLog, err := setup(g)
	if err != nil {
		return err
	}
	defer closeLog()
	if g.pause {
		defer pauseForEnter()
	}

	a := app.New(cfg, g.configPath, logger)
	defer a.Close()
	return fn(a, cfg)
}
