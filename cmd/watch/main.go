// Command watch subscribes to a profile feed and logs what arrives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"profilefeed/config"
	"profilefeed/logger"
	"profilefeed/pkg/feed"
	"profilefeed/pkg/market"
	"profilefeed/pkg/wire"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	url := flag.String("url", "", "feed url (overrides feed.url)")
	keys := flag.String("keys", "EURUSD/demo", "comma separated SYMBOL/source keys")
	lookback := flag.Int("lookback", 0, "lookback days (default feed.lookback_days)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	if *url != "" {
		cfg.Feed.URL = *url
	}
	if *lookback <= 0 {
		*lookback = cfg.Feed.DefaultLookbackDays
	}

	client, err := feed.NewClient(feed.ClientConfig{
		Conn: feed.ConnConfig{
			URL:              cfg.Feed.URL,
			HandshakeTimeout: cfg.Feed.HandshakeTimeout,
			WriteTimeout:     cfg.Feed.WriteTimeout,
			Reconnect: feed.ReconnectConfig{
				BaseDelay:   cfg.Feed.BaseDelay,
				MaxDelay:    cfg.Feed.MaxDelay,
				MaxAttempts: cfg.Feed.MaxAttempts,
			},
		},
		Spacing:         cfg.Feed.FlushSpacing,
		SnapshotTimeout: cfg.Feed.SnapshotTimeout,
	}, logger.Named(log, "feed"))
	if err != nil {
		log.Fatal("client setup failed", zap.Error(err))
	}

	w := &watcher{id: "watch-" + uuid.NewString(), client: client, log: log}
	for _, k := range strings.Split(*keys, ",") {
		key, err := market.ParseKey(strings.TrimSpace(k))
		if err != nil {
			log.Fatal("bad key", zap.Error(err))
		}
		client.Subscribe(key, *lookback, w)
	}
	if err := client.Start(); err != nil {
		log.Fatal("connect failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	client.Close()
}

// watcher logs every frame it is handed.
type watcher struct {
	id     string
	client *feed.Client
	log    *zap.Logger
}

func (w *watcher) ID() string { return w.id }

func (w *watcher) Deliver(f wire.Frame) error {
	switch m := f.(type) {
	case wire.Package:
		key, _ := m.Subject()
		fields := []zap.Field{zap.String("key", key.String()), zap.Bool("complete", m.Complete)}
		if p, ok := w.client.Profile(key); ok {
			poc, tpo := pointOfControl(p)
			fields = append(fields, zap.Int("levels", len(p.Levels)), zap.Float64("poc", poc), zap.Int("poc_tpo", tpo))
		}
		if r, ok := w.client.Range(key); ok {
			fields = append(fields, zap.Float64("high", r.High), zap.Float64("low", r.Low), zap.Float64("adr", r.ADR))
		}
		w.log.Info("snapshot", fields...)
	case wire.Update:
		w.log.Info("update", zap.String("symbol", m.Symbol), zap.String("kind", string(m.Kind)), zap.Uint64("sequence", m.Sequence))
	case wire.Tick:
		w.log.Debug("tick", zap.String("symbol", m.Symbol), zap.Float64("bid", m.Bid), zap.Float64("ask", m.Ask))
	case wire.Health:
		w.log.Info("health", zap.String("symbol", m.Symbol), zap.String("state", string(m.State)))
	case wire.Error:
		w.log.Warn("feed error", zap.String("symbol", m.Symbol), zap.String("code", m.Code), zap.String("message", m.Message))
	case wire.Status:
		w.log.Info("status", zap.String("state", m.State), zap.Int("attempt", m.Attempt))
		if m.State == wire.StatusPermanentDisconnected {
			w.log.Error("feed gave up; restart watch to retry")
		}
	}
	return nil
}

// pointOfControl is the level with the most TPOs.
func pointOfControl(p wire.ProfilePayload) (float64, int) {
	var price float64
	best := 0
	for _, l := range p.Levels {
		if l.TPO > best {
			price, best = l.Price, l.TPO
		}
	}
	return price, best
}
