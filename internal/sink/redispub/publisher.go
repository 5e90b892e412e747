// Package redispub mirrors routed frames to Redis pub/sub.
package redispub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"profilefeed/pkg/market"
	"profilefeed/pkg/wire"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrClosed = errors.New("publisher closed")
	ErrFull   = errors.New("publisher buffer full")
)

type Config struct {
	Prefix  string
	Buffer  int
	Timeout time.Duration // per redis call
}

// Publisher is a consumer that publishes every frame it receives as JSON. Snapshots
// are also stored under a latest key so late readers can start from them.
type Publisher struct {
	id     string
	client *redis.Client
	cfg    Config
	logger *zap.Logger
	frames chan wire.Frame

	mu     sync.Mutex
	closed bool
}

func New(client *redis.Client, cfg Config, logger *zap.Logger) *Publisher {
	if cfg.Prefix == "" {
		cfg.Prefix = "profilefeed"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		id:     "redis-" + uuid.NewString(),
		client: client,
		cfg:    cfg,
		logger: logger,
		frames: make(chan wire.Frame, cfg.Buffer),
	}
}

func (p *Publisher) ID() string { return p.id }

// Deliver queues f for publishing without blocking the caller.
func (p *Publisher) Deliver(f wire.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.frames <- f:
		return nil
	default:
		return ErrFull
	}
}

// Run publishes queued frames until ctx ends or Close is called.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-p.frames:
			if !ok {
				return
			}
			if err := p.publish(ctx, f); err != nil {
				p.logger.Warn("redis publish failed", zap.String("type", string(f.FrameType())), zap.Error(err))
			}
		}
	}
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.frames)
}

func (p *Publisher) publish(ctx context.Context, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := p.client.Publish(ctx, Channel(p.cfg.Prefix, f), data).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if s, ok := f.(wire.Snapshot); ok {
		key, _ := s.Subject()
		if err := p.client.Set(ctx, LatestKey(p.cfg.Prefix, key, s.Kind), data, 0).Err(); err != nil {
			return fmt.Errorf("set latest: %w", err)
		}
	}
	return nil
}

// Channel is <prefix>:<source>:<SYMBOL> for keyed frames and <prefix>:system otherwise.
func Channel(prefix string, f wire.Frame) string {
	key, ok := f.Subject()
	if !ok {
		return prefix + ":" + market.SystemSymbol
	}
	return fmt.Sprintf("%s:%s:%s", prefix, key.Source, key.Symbol)
}

// LatestKey holds the most recent snapshot of one kind.
func LatestKey(prefix string, key market.CompositeKey, kind wire.Kind) string {
	return fmt.Sprintf("%s:latest:%s:%s:%s", prefix, key.Source, key.Symbol, kind)
}
