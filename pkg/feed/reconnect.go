package feed

import (
	"sync"
	"time"
)

// State is the lifecycle of one logical connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// PermanentlyDisconnected is terminal until Retry.
	PermanentlyDisconnected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case PermanentlyDisconnected:
		return "permanently_disconnected"
	default:
		return "unknown"
	}
}

// ReconnectConfig bounds automatic reconnection.
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultReconnectConfig: 1s, 2s, 4s, 8s, 16s then give up.
var DefaultReconnectConfig = ReconnectConfig{
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
	MaxAttempts: 5,
}

// Backoff returns base * 2^attempt, capped at max when max is positive.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

type stopper interface {
	Stop() bool
}

// StateFunc observes state changes. attempt is the number of retries scheduled so far.
type StateFunc func(state State, attempt int, delay time.Duration)

// Reconnector schedules reconnection attempts with exponential backoff.
type Reconnector struct {
	mu       sync.Mutex
	cfg      ReconnectConfig
	state    State
	attempts int
	timer    stopper

	reconnect func()
	onState   StateFunc
	afterFunc func(time.Duration, func()) stopper
}

func NewReconnector(cfg ReconnectConfig, reconnect func(), onState StateFunc) *Reconnector {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultReconnectConfig.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultReconnectConfig.BaseDelay
	}
	return &Reconnector{
		cfg:       cfg,
		reconnect: reconnect,
		onState:   onState,
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
	}
}

// OnConnecting records that a dial is in progress.
func (r *Reconnector) OnConnecting() {
	r.set(func() bool {
		if r.state == PermanentlyDisconnected {
			return false
		}
		r.state = Connecting
		return true
	}, 0)
}

// OnOpen records a successful connection and resets the attempt counter.
func (r *Reconnector) OnOpen() {
	r.set(func() bool {
		r.stopTimerLocked()
		r.state = Connected
		r.attempts = 0
		return true
	}, 0)
}

// OnClose schedules the next attempt, or enters PermanentlyDisconnected once the
// attempt budget is spent. It returns the scheduled delay.
func (r *Reconnector) OnClose() (time.Duration, bool) {
	r.mu.Lock()
	if r.state == PermanentlyDisconnected {
		r.mu.Unlock()
		return 0, false
	}
	r.stopTimerLocked()
	if r.attempts >= r.cfg.MaxAttempts {
		r.state = PermanentlyDisconnected
		attempts := r.attempts
		r.mu.Unlock()
		r.notify(PermanentlyDisconnected, attempts, 0)
		return 0, false
	}
	delay := Backoff(r.cfg.BaseDelay, r.cfg.MaxDelay, r.attempts)
	r.attempts++
	r.state = Disconnected
	attempts := r.attempts
	r.timer = r.afterFunc(delay, r.fire)
	r.mu.Unlock()

	r.notify(Disconnected, attempts, delay)
	return delay, true
}

func (r *Reconnector) fire() {
	r.mu.Lock()
	if r.timer == nil {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()
	if r.reconnect != nil {
		r.reconnect()
	}
}

// Cancel stops a pending attempt and leaves the controller Disconnected.
func (r *Reconnector) Cancel() {
	r.set(func() bool {
		r.stopTimerLocked()
		if r.state == PermanentlyDisconnected || r.state == Disconnected {
			return false
		}
		r.state = Disconnected
		return true
	}, 0)
}

// Reset clears the attempt counter and leaves the terminal state.
func (r *Reconnector) Reset() {
	r.set(func() bool {
		r.stopTimerLocked()
		r.attempts = 0
		if r.state == PermanentlyDisconnected {
			r.state = Disconnected
			return true
		}
		return false
	}, 0)
}

func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *Reconnector) set(mutate func() bool, delay time.Duration) {
	r.mu.Lock()
	changed := mutate()
	state, attempts := r.state, r.attempts
	r.mu.Unlock()
	if changed {
		r.notify(state, attempts, delay)
	}
}

func (r *Reconnector) notify(state State, attempt int, delay time.Duration) {
	if r.onState != nil {
		r.onState(state, attempt, delay)
	}
}

func (r *Reconnector) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
