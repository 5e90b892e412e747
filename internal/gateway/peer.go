package gateway

import (
	"errors"
	"sync"
	"time"

	"profilefeed/pkg/market"
	"profilefeed/pkg/wire"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	errPeerClosed = errors.New("peer closed")
	errSlowPeer   = errors.New("peer send buffer full")
)

// peer is one websocket consumer.
type peer struct {
	id   string
	srv  *Server
	conn *websocket.Conn
	send chan wire.Frame

	mu     sync.Mutex
	subs   map[market.CompositeKey]func()
	closed bool
}

func newPeer(s *Server, conn *websocket.Conn) *peer {
	return &peer{
		id:   uuid.NewString(),
		srv:  s,
		conn: conn,
		send: make(chan wire.Frame, s.cfg.SendBuffer),
		subs: make(map[market.CompositeKey]func()),
	}
}

func (p *peer) ID() string { return p.id }

// Deliver queues f without blocking. A peer that cannot keep up is disconnected.
func (p *peer) Deliver(f wire.Frame) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPeerClosed
	}
	select {
	case p.send <- f:
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		go p.close()
		return errSlowPeer
	}
}

// close is safe to call more than once.
func (p *peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.send)
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	p.srv.removePeer(p)
	p.srv.logger.Info("peer disconnected", zap.String("peer", p.id), zap.Int("subscriptions", len(subs)))
}

func (p *peer) readPump() {
	defer func() {
		p.close()
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.srv.logger.Info("peer read error", zap.String("peer", p.id), zap.Error(err))
			}
			return
		}
		p.handle(message)
	}
}

func (p *peer) handle(message []byte) {
	f, err := wire.Decode(message)
	if err != nil {
		p.srv.logger.Warn("bad frame from peer", zap.String("peer", p.id), zap.Error(err))
		_ = p.Deliver(wire.SystemError(wire.CodeProtocol, err.Error()))
		return
	}

	switch m := f.(type) {
	case wire.Subscribe:
		key, _ := m.Subject()
		unsub, err := p.srv.backend.Subscribe(key, p, m.LookbackDays)
		if err != nil {
			_ = p.Deliver(wire.KeyError(key, wire.CodeProtocol, err.Error()))
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			unsub()
			return
		}
		if _, ok := p.subs[key]; !ok {
			p.subs[key] = unsub
		}
		p.mu.Unlock()

	case wire.Unsubscribe:
		key, _ := m.Subject()
		p.mu.Lock()
		unsub, ok := p.subs[key]
		delete(p.subs, key)
		p.mu.Unlock()
		if ok {
			unsub()
		}

	default:
		_ = p.Deliver(wire.SystemError(wire.CodeProtocol, "unexpected "+string(f.FrameType())+" frame from client"))
	}
}

func (p *peer) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var heartbeat <-chan time.Time
	if p.srv.cfg.HeartbeatInterval > 0 {
		hb := time.NewTicker(p.srv.cfg.HeartbeatInterval)
		defer hb.Stop()
		heartbeat = hb.C
	}

	defer p.conn.Close()
	for {
		select {
		case f, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteJSON(f); err != nil {
				p.srv.logger.Info("peer write error", zap.String("peer", p.id), zap.Error(err))
				p.close()
				return
			}

		case now := <-heartbeat:
			if err := p.Deliver(wire.NewHeartbeat(now)); err != nil {
				return
			}

		case <-ping.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		}
	}
}
