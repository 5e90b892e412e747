// Package app wires venues, history, the engine, the gateway and the redis mirror from config.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"profilefeed/config"
	"profilefeed/internal/engine"
	"profilefeed/internal/gateway"
	"profilefeed/internal/health"
	"profilefeed/internal/profile"
	"profilefeed/internal/rangetracker"
	"profilefeed/internal/session"
	"profilefeed/internal/sink/redispub"
	"profilefeed/internal/venue"
	"profilefeed/logger"
	"profilefeed/pkg/bybit"
	"profilefeed/pkg/market"
	"profilefeed/pkg/storage/postgres"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type App struct {
	cfg    *config.Config
	logger *zap.Logger

	engine    *engine.Engine
	gateway   *gateway.Server
	redis     *redis.Client
	publisher *redispub.Publisher
	pg        *postgres.PostgresClient
	rest      *bybit.RESTClient
	bybitKeys []string // configured bybit symbols, checked against the exchange on Run
}

// New builds every component without starting any of them.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: log}

	clock, err := session.NewClock(cfg.Session.Timezone, cfg.Session.RollHour)
	if err != nil {
		return nil, err
	}
	table, err := bucketTable(cfg.Profile)
	if err != nil {
		return nil, err
	}

	var sources []engine.Source
	for _, vc := range cfg.Venues {
		src, err := a.source(vc)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("venue %s: %w", vc.Name, err)
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return nil, errors.New("no venues configured")
	}

	a.engine, err = engine.New(engine.Config{
		DefaultLookbackDays: cfg.Feed.DefaultLookbackDays,
		GracePeriod:         cfg.Server.GracePeriod,
		FlushSpacing:        cfg.Feed.FlushSpacing,
		BackfillTimeout:     cfg.History.Timeout,
		Health: health.Config{
			Threshold: cfg.Health.Threshold,
			Interval:  cfg.Health.Interval,
			Hours:     session.NewHours(cfg.Health.MIC, clock),
		},
	}, clock,
		profile.NewAggregator(clock, table, cfg.Profile.Ceiling, logger.Named(log, "profile")),
		rangetracker.New(clock, cfg.Range.Lookback),
		sources, logger.Named(log, "engine"))
	if err != nil {
		a.closeStores()
		return nil, err
	}

	a.gateway = gateway.New(gateway.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		SendBuffer:        cfg.Server.SendBuffer,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		Debug:             cfg.Server.Debug,
	}, a.engine, logger.Named(log, "gateway"))

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.publisher = redispub.New(a.redis, redispub.Config{Prefix: cfg.Redis.Prefix}, logger.Named(log, "redis"))
	}
	return a, nil
}

func (a *App) Engine() *engine.Engine { return a.engine }

func (a *App) Gateway() *gateway.Server { return a.gateway }

func (a *App) source(vc config.VenueConfig) (engine.Source, error) {
	var (
		src engine.Source
		err error
	)
	switch vc.Kind {
	case "synthetic":
		src.Adapter = venue.NewSynthetic(vc.Name, time.Second, 30*time.Minute)
	case "memory":
		src.Adapter = venue.NewMemory(vc.Name, 0)
	case "bybit":
		src.Adapter, err = bybit.NewVenue(bybit.VenueConfig{
			Source:           vc.Name,
			URL:              a.cfg.Bybit.WS.URL,
			Interval:         bybit.KlineInterval(a.cfg.Bybit.WS.Interval),
			HandshakeTimeout: a.cfg.Bybit.WS.Timeout,
			BaseDelay:        a.cfg.Feed.BaseDelay,
			MaxDelay:         a.cfg.Feed.MaxDelay,
		}, logger.Named(a.logger, "bybit"))
		if err != nil {
			return src, err
		}
		a.bybitKeys = append(a.bybitKeys, vc.Symbols...)
	default:
		return src, fmt.Errorf("unknown kind %q", vc.Kind)
	}

	switch vc.History {
	case "", "memory":
		src.History = venue.NewMemoryHistory()
	case "postgres":
		if a.pg == nil {
			a.pg, err = postgres.Open(a.cfg.Postgres, a.cfg.Environment, a.cfg.Postgres.CreateDB)
			if err != nil {
				return src, err
			}
		}
		src.History = postgres.NewBarStore(a.pg, a.cfg.History.Period)
	case "bybit":
		src.History, err = bybit.NewHistory(a.restClient(), "linear", bybit.KlineInterval(a.cfg.Bybit.WS.Interval))
		if err != nil {
			return src, err
		}
	default:
		return src, fmt.Errorf("unknown history %q", vc.History)
	}
	return src, nil
}

func (a *App) restClient() *bybit.RESTClient {
	if a.rest == nil {
		a.rest = bybit.NewRESTClient(a.cfg.Bybit.REST.BaseURL, a.cfg.Bybit.REST.Timeout)
	}
	return a.rest
}

// Run starts everything and blocks until ctx ends or a component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.closeStores()

	errCh := make(chan error, 2)
	go func() {
		if err := a.engine.Run(ctx); err != nil {
			errCh <- fmt.Errorf("engine: %w", err)
		}
	}()
	go func() {
		if err := a.gateway.Start(); err != nil {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()

	if a.publisher != nil {
		go a.publisher.Run(ctx)
		for _, k := range a.cfg.Redis.Keys {
			key, err := market.ParseKey(k)
			if err != nil {
				a.logger.Warn("skipping redis key", zap.String("key", k), zap.Error(err))
				continue
			}
			if _, err := a.engine.Subscribe(key, a.publisher, 0); err != nil {
				a.logger.Warn("redis mirror subscribe", zap.String("key", k), zap.Error(err))
			}
		}
	}
	if len(a.bybitKeys) > 0 {
		go a.checkBybitSymbols(ctx)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if serr := a.gateway.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("gateway shutdown", zap.Error(serr))
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	return err
}

// checkBybitSymbols warns about configured symbols the exchange does not list.
func (a *App) checkBybitSymbols(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Bybit.REST.Timeout)
	defer cancel()
	listed, err := a.restClient().Symbols(ctx, "linear", "USDT")
	if err != nil {
		a.logger.Warn("bybit symbol check failed", zap.Error(err))
		return
	}
	known := make(map[string]bool, len(listed))
	for _, s := range listed {
		known[s] = true
	}
	for _, s := range a.bybitKeys {
		if !known[market.NewKey(s, "bybit").Symbol] {
			a.logger.Warn("bybit does not list symbol", zap.String("symbol", s))
		}
	}
}

func (a *App) closeStores() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
}

func bucketTable(cfg config.ProfileConfig) (*profile.BucketTable, error) {
	if len(cfg.Classes) == 0 {
		return profile.DefaultBucketTable(), nil
	}
	def, err := decimal.NewFromString(cfg.DefaultBucket)
	if err != nil {
		return nil, fmt.Errorf("profile.default_bucket: %w", err)
	}
	classes := make([]profile.Class, 0, len(cfg.Classes))
	for _, c := range cfg.Classes {
		b, err := decimal.NewFromString(c.Bucket)
		if err != nil {
			return nil, fmt.Errorf("profile class %s: %w", c.Name, err)
		}
		classes = append(classes, profile.Class{Name: c.Name, Bucket: b, Symbols: c.Symbols, Prefixes: c.Prefixes, Suffixes: c.Suffixes})
	}
	return profile.NewBucketTable(def, classes...)
}
