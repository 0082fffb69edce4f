package app

import (
	"context"
	"fmt"

	s3blob "github.com/alanyoungcy/coinbot/internal/blob/s3"
	"github.com/alanyoungcy/coinbot/internal/analysis"
	"github.com/alanyoungcy/coinbot/internal/cache/redis"
	"github.com/alanyoungcy/coinbot/internal/domain"
	"github.com/alanyoungcy/coinbot/internal/notify"
	"github.com/alanyoungcy/coinbot/internal/pipeline"
	"github.com/alanyoungcy/coinbot/internal/platform/coinbase"
	"github.com/alanyoungcy/coinbot/internal/service"
	"github.com/alanyoungcy/coinbot/internal/store/postgres"
)

// needs selects the optional dependency groups a command requires. Redis
// and the exchange client are always wired; they back nearly everything.
type needs struct {
	postgres bool
	s3       bool
}

// Dependencies bundles the wired implementations.
type Dependencies struct {
	Market    domain.MarketCache
	Orders    domain.OrderCache
	Bus       domain.SignalBus
	Positions domain.PositionStore
	Exchange  domain.Exchange

	Tickers  *service.TickerService
	Trades   *service.TradeService
	Analyzer *analysis.Analyzer
	Auto     *service.AutoService
	Notifier *notify.Notifier

	BlobWriter domain.BlobWriter
	Archiver   *pipeline.Archiver
}

// wire constructs the dependency graph for one command and registers the
// teardown on the App.
func (a *App) wire(ctx context.Context, n needs) (*Dependencies, error) {
	cfg := a.cfg
	deps := &Dependencies{}

	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: redis: %w", err)
	}
	a.closers = append(a.closers, func() { _ = redisClient.Close() })

	deps.Market = redis.NewMarketCache(redisClient)
	deps.Orders = redis.NewOrderCache(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)

	deps.Exchange = coinbase.NewClient(
		cfg.Coinbase.APIHost,
		cfg.Coinbase.Key,
		cfg.Coinbase.Secret,
		cfg.Coinbase.Passphrase,
		cfg.Trade.MinCallSpacing.Duration,
	)

	deps.Tickers = service.NewTickerService(deps.Market, deps.Exchange, a.logger)
	deps.Analyzer = analysis.NewAnalyzer(deps.Exchange, cfg.Trade.MinCallSpacing.Duration, a.logger)

	var senders []notify.Sender
	if cfg.Notify.TwilioAccountSID != "" {
		senders = append(senders, notify.NewTwilioSender(
			cfg.Notify.TwilioAccountSID,
			cfg.Notify.TwilioAuthToken,
			cfg.Notify.TwilioFrom,
			cfg.Notify.TwilioTo,
		))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, a.logger)

	if n.postgres {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: postgres: %w", err)
		}
		a.closers = append(a.closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.Positions = postgres.NewPositionStore(pgClient.Pool())
		deps.Trades = service.NewTradeService(
			deps.Exchange, deps.Positions, deps.Orders, deps.Tickers,
			deps.Notifier, cfg.Trade.PollInterval.Duration, a.logger,
		)
		deps.Auto = service.NewAutoService(
			deps.Analyzer, deps.Trades, deps.Tickers, deps.Notifier,
			cfg.Trade.PollInterval.Duration, a.logger,
		)
	}

	if n.s3 && cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = pipeline.NewArchiver(
			deps.Orders, deps.BlobWriter, cfg.S3.ArchiveInterval.Duration, a.logger,
		)
	}

	return deps, nil
}
