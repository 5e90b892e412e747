// Package feed is the consumer side of the profile feed: a self-healing websocket
// connection, the subscriptions that ride on it, and reassembly of multi-part snapshots.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"profilefeed/pkg/market"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler receives connection events. Each event is delivered exactly once; an error
// is always followed by OnClose.
type Handler struct {
	OnOpen    func()
	OnClose   func(err error)
	OnError   func(err error)
	OnMessage func(data []byte)
	OnState   StateFunc
}

type ConnConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Reconnect        ReconnectConfig
}

// Conn is a websocket connection that redials on its own after unexpected drops.
type Conn struct {
	cfg    ConnConfig
	dialer *websocket.Dialer
	h      Handler
	logger *zap.Logger
	rc     *Reconnector

	mu      sync.Mutex
	ws      *websocket.Conn
	dialing bool
	manual  bool // Disconnect was called; no automatic reconnection

	writeMu sync.Mutex
}

func NewConn(cfg ConnConfig, h Handler, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	c := &Conn{
		cfg:    cfg,
		h:      h,
		logger: logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
	}
	c.rc = NewReconnector(cfg.Reconnect, c.redial, h.OnState)
	return c
}

// Connect starts dialing in the background. It is a no-op while connecting or connected.
func (c *Conn) Connect() error {
	c.mu.Lock()
	c.manual = false
	c.mu.Unlock()
	return c.start()
}

func (c *Conn) redial() {
	c.mu.Lock()
	manual := c.manual
	c.mu.Unlock()
	if manual {
		return
	}
	if err := c.start(); err != nil {
		c.logger.Warn("redial skipped", zap.Error(err))
	}
}

func (c *Conn) start() error {
	c.mu.Lock()
	if c.rc.State() == PermanentlyDisconnected {
		c.mu.Unlock()
		return market.ErrPermanentDisconnect
	}
	if c.dialing || c.ws != nil {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	c.mu.Unlock()

	c.rc.OnConnecting()
	go c.dial()
	return nil
}

func (c *Conn) dial() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		manual := c.manual
		c.mu.Unlock()
		c.logger.Warn("dial failed", zap.String("url", c.cfg.URL), zap.Error(err))
		c.fail(&market.TransportError{Op: "dial", Err: err}, manual)
		return
	}
	if c.manual {
		// Disconnect won the race with the handshake.
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("url", c.cfg.URL))
	c.rc.OnOpen()
	if c.h.OnOpen != nil {
		c.h.OnOpen()
	}
	go c.readLoop(ws)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			c.drop(ws, err)
			return
		}
		if c.h.OnMessage != nil {
			c.h.OnMessage(msg)
		}
	}
}

// drop handles the end of ws. Only the first caller for a given socket reports it.
func (c *Conn) drop(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	manual := c.manual
	c.mu.Unlock()
	_ = ws.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.logger.Info("connection closed by peer")
		c.closed(err, manual)
		return
	}
	c.logger.Warn("connection lost", zap.Error(err))
	c.fail(&market.TransportError{Op: "read", Err: err}, manual)
}

func (c *Conn) fail(err error, manual bool) {
	if c.h.OnError != nil {
		c.h.OnError(err)
	}
	c.closed(err, manual)
}

func (c *Conn) closed(err error, manual bool) {
	if c.h.OnClose != nil {
		c.h.OnClose(err)
	}
	if manual {
		return
	}
	if delay, ok := c.rc.OnClose(); ok {
		c.logger.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", c.rc.Attempts()))
	} else if c.rc.State() == PermanentlyDisconnected {
		c.logger.Error("giving up", zap.String("url", c.cfg.URL), zap.Error(market.ErrPermanentDisconnect))
	}
}

// Disconnect closes the connection and suppresses automatic reconnection.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.manual = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.rc.Cancel()
	if ws == nil {
		return
	}

	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = ws.Close()

	if c.h.OnClose != nil {
		c.h.OnClose(nil)
	}
}

// Retry re-arms a connection that exhausted its attempts.
func (c *Conn) Retry() error {
	c.rc.Reset()
	return c.Connect()
}

// Send writes v as one JSON text frame.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return market.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := ws.WriteJSON(v); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return market.ErrNotConnected
		}
		return &market.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *Conn) State() State {
	return c.rc.State()
}
