package app

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/coinbot/internal/connector"
	"github.com/alanyoungcy/coinbot/internal/manager"
	"github.com/alanyoungcy/coinbot/internal/platform/coinbase"
	"github.com/alanyoungcy/coinbot/internal/supervisor"
)

// RunServer supervises the connector and position manager as child
// processes of this binary and, when object storage is enabled, runs the
// order archiver in-process. The manager starts first so the consumer is
// subscribed before the producer floods the bus.
func (a *App) RunServer(ctx context.Context) error {
	deps, err := a.wire(ctx, needs{s3: true})
	if err != nil {
		return err
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own binary: %w", err)
	}

	childArgs := func(mode string) []string {
		args := []string{mode}
		if a.cfgPath != "" {
			args = append(args, "--config", a.cfgPath)
		}
		return args
	}

	sup := supervisor.New(binary, []supervisor.Child{
		{Name: "position-manager", Args: childArgs("manager"), Prefix: "PM: "},
		{Name: "exchange-connector", Args: childArgs("connector"), Prefix: "XC: "},
	}, a.cfg.Server.RestartDelay.Duration, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(ctx) })
	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(ctx) })
	}
	return g.Wait()
}

// RunConnector connects the exchange feed and streams it into the shared
// state store until the context ends or the feed goes silent.
func (a *App) RunConnector(ctx context.Context) error {
	deps, err := a.wire(ctx, needs{})
	if err != nil {
		return err
	}

	conn := connector.New(connector.Config{
		Products:         a.cfg.Coinbase.Products,
		SilenceThreshold: a.cfg.Server.SilenceThreshold.Duration,
		CheckInterval:    a.cfg.Server.CheckInterval.Duration,
	}, deps.Market, deps.Orders, deps.Bus, a.logger, nil)

	feed := coinbase.NewFeedClient(
		a.cfg.Coinbase.WSHost,
		a.cfg.Coinbase.Key,
		a.cfg.Coinbase.Secret,
		a.cfg.Coinbase.Passphrase,
		a.cfg.Coinbase.Products,
		func(raw []byte) { conn.HandleMessage(ctx, raw) },
	)

	return conn.Run(ctx, feed)
}

// RunManager runs the position manager loop: trigger evaluation and order
// reconciliation against the position repository.
func (a *App) RunManager(ctx context.Context) error {
	deps, err := a.wire(ctx, needs{postgres: true})
	if err != nil {
		return err
	}

	m := manager.New(manager.Config{
		RefreshInterval:    a.cfg.Manager.RefreshInterval.Duration,
		CloseCheckInterval: a.cfg.Manager.CloseCheckInterval.Duration,
	}, deps.Positions, deps.Orders, deps.Bus, deps.Trades, a.logger)

	return m.Run(ctx)
}
