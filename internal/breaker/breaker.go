// Package breaker guards push nodes: a node that keeps failing is skipped for a while.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	// HalfOpen lets traffic through after an open period; the next result
	// decides between Closed and a longer Open.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type Options struct {
	// Threshold failures within Window open a closed key.
	Threshold int
	Window    time.Duration
	// OpenFor is the first open period; it doubles on every failed half-open
	// attempt up to MaxOpenFor.
	OpenFor    time.Duration
	MaxOpenFor time.Duration
}

// Breaker keeps one circuit per key (push node address).
type Breaker struct {
	opt Options
	now func() time.Time

	mu    sync.Mutex
	nodes map[string]*circuit
}

type circuit struct {
	state     State
	fails     int
	since     time.Time // first failure of the current window
	openFor   time.Duration
	openUntil time.Time
}

func New(opt Options) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	if opt.MaxOpenFor < opt.OpenFor {
		opt.MaxOpenFor = 8 * opt.OpenFor
	}
	return &Breaker{opt: opt, now: time.Now, nodes: make(map[string]*circuit)}
}

// Allow reports whether key may be tried now. An expired open period moves the key to HalfOpen.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.nodes[key]
	if !ok {
		return true
	}
	if c.state == Open {
		if b.now().Before(c.openUntil) {
			return false
		}
		c.state = HalfOpen
	}
	return true
}

// Success closes the key and forgets its history.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, key)
}

// Failure records one failure and reports whether it opened the key.
func (b *Breaker) Failure(key string) (opened bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.nodes[key]
	if !ok {
		c = &circuit{since: now}
		b.nodes[key] = c
	}
	switch c.state {
	case Open:
		// a request admitted before the key opened
		return false
	case HalfOpen:
		c.openFor = min(2*c.openFor, b.opt.MaxOpenFor)
		b.trip(c, now)
		return true
	}

	if now.Sub(c.since) > b.opt.Window {
		c.fails, c.since = 0, now
	}
	c.fails++
	if c.fails < b.opt.Threshold {
		return false
	}
	c.openFor = b.opt.OpenFor
	b.trip(c, now)
	return true
}

func (b *Breaker) trip(c *circuit, now time.Time) {
	c.state = Open
	c.fails = 0
	c.openUntil = now.Add(c.openFor)
}

// State reports the current state of key without changing it.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.nodes[key]
	if !ok {
		return Closed
	}
	if c.state == Open && !b.now().Before(c.openUntil) {
		return HalfOpen
	}
	return c.state
}
