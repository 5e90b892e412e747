// Package gateway exposes the engine to websocket consumers and a small REST API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"profilefeed/internal/engine"
	"profilefeed/pkg/market"
	"profilefeed/pkg/subscription"
	"profilefeed/pkg/wire"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Backend is what the gateway needs from the engine.
type Backend interface {
	Subscribe(key market.CompositeKey, consumer subscription.Consumer, lookbackDays int) (func(), error)
	Profile(key market.CompositeKey) (wire.ProfilePayload, bool)
	Range(key market.CompositeKey) (wire.RangePayload, bool)
	Status() []engine.SourceStatus
}

type Config struct {
	Host              string
	Port              int
	SendBuffer        int
	HeartbeatInterval time.Duration
	Debug             bool
}

type Server struct {
	cfg     Config
	backend Backend
	engine  *gin.Engine
	logger  *zap.Logger
	http    *http.Server

	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*peer
}

func New(cfg Config, backend Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		engine:  gin.New(),
		logger:  logger,
		peers:   make(map[string]*peer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/api/health", s.getHealth)
	s.engine.GET("/api/profiles/:source/:symbol", s.getProfile)
	s.engine.GET("/api/ranges/:source/:symbol", s.getRange)

	s.engine.GET("/ws", s.handleWebSocket)
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and disconnects every peer.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) getHealth(c *gin.Context) {
	s.mu.Lock()
	n := len(s.peers)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"peers":   n,
		"sources": s.backend.Status(),
	})
}

func (s *Server) getProfile(c *gin.Context) {
	key := market.NewKey(c.Param("symbol"), c.Param("source"))
	p, ok := s.backend.Profile(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no profile for %s", key)})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) getRange(c *gin.Context) {
	key := market.NewKey(c.Param("symbol"), c.Param("source"))
	r, ok := s.backend.Range(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no range for %s", key)})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	p := newPeer(s, conn)
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
	s.logger.Info("peer connected", zap.String("peer", p.id), zap.String("remote", c.ClientIP()))

	go p.writePump()
	go p.readPump()
}

func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()
}
