// Package coordinator reconciles logical updates that arrive as several independent parts.
package coordinator

import (
	"errors"
	"sync"
	"time"
)

// Config describes which parts make a subject complete and what to do with the result.
type Config[K comparable, P any] struct {
	Required []K
	Timeout  time.Duration

	// OnComplete receives every required part. Called once per completed subject.
	OnComplete func(subject string, parts map[K]P)
	// OnTimeout receives whatever arrived before the deadline, with kinds in arrival order.
	OnTimeout func(subject string, partial map[K]P, received []K)
}

type subject[K comparable, P any] struct {
	parts map[K]P
	order []K
	timer *time.Timer
}

// Coordinator buffers parts per subject. Subjects are fully independent of each other.
type Coordinator[K comparable, P any] struct {
	mu       sync.Mutex
	cfg      Config[K, P]
	required map[K]struct{}
	subjects map[string]*subject[K, P]
	closed   bool
}

func New[K comparable, P any](cfg Config[K, P]) (*Coordinator[K, P], error) {
	if len(cfg.Required) == 0 {
		return nil, errors.New("coordinator needs at least one required kind")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("coordinator timeout must be positive")
	}
	required := make(map[K]struct{}, len(cfg.Required))
	for _, k := range cfg.Required {
		required[k] = struct{}{}
	}
	return &Coordinator[K, P]{
		cfg:      cfg,
		required: required,
		subjects: make(map[string]*subject[K, P]),
	}, nil
}

// OnMessage buffers payload under kind for subj. The first part arms the subject's timer.
// It returns false when kind is not one of the required kinds or the coordinator is closed.
func (c *Coordinator[K, P]) OnMessage(subj string, kind K, payload P) bool {
	if _, ok := c.required[kind]; !ok {
		return false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	s, ok := c.subjects[subj]
	if !ok {
		s = &subject[K, P]{parts: make(map[K]P, len(c.required))}
		c.subjects[subj] = s
		s.timer = time.AfterFunc(c.cfg.Timeout, func() { c.expire(subj, s) })
	}
	if _, seen := s.parts[kind]; !seen {
		s.order = append(s.order, kind)
	}
	// A repeated kind replaces the buffered payload.
	s.parts[kind] = payload

	if len(s.parts) < len(c.required) {
		c.mu.Unlock()
		return true
	}
	s.timer.Stop()
	delete(c.subjects, subj)
	c.mu.Unlock()

	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete(subj, s.parts)
	}
	return true
}

func (c *Coordinator[K, P]) expire(subj string, s *subject[K, P]) {
	c.mu.Lock()
	// The subject may have completed or been cleaned up after the timer fired.
	if cur, ok := c.subjects[subj]; !ok || cur != s {
		c.mu.Unlock()
		return
	}
	delete(c.subjects, subj)
	c.mu.Unlock()

	if c.cfg.OnTimeout != nil {
		c.cfg.OnTimeout(subj, s.parts, s.order)
	}
}

// Cleanup drops any buffered parts for subj and cancels its timer without callbacks.
func (c *Coordinator[K, P]) Cleanup(subj string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.subjects[subj]; ok {
		s.timer.Stop()
		delete(c.subjects, subj)
	}
}

// Pending returns the number of subjects waiting for parts.
func (c *Coordinator[K, P]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subjects)
}

// Close cancels every pending subject. Later messages are ignored.
func (c *Coordinator[K, P]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for subj, s := range c.subjects {
		s.timer.Stop()
		delete(c.subjects, subj)
	}
	c.closed = true
}
