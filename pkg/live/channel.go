package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzyats/chatfeed/pkg/feed"
)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "connecting"
}

// Handler receives the callbacks of one logical subscription.
// Callbacks run on the channel's read goroutine and must not block.
type Handler struct {
	OnEvent func(feed.Event)
	// OnReady fires when the server acknowledged the scope. resumed is true
	// when the scope was live before and the connection was re-established.
	OnReady func(resumed bool)
	OnError func(error)
}

type Options struct {
	URL   string
	Token string

	BaseDelay     time.Duration
	MaxDelay      time.Duration
	FailThreshold int
	WriteTimeout  time.Duration
	// StableAfter is how long a connection must last before it resets the
	// failure count. Shorter sessions count as failed attempts. Default 10s.
	StableAfter time.Duration

	Dialer  *websocket.Dialer
	Logger  *zap.Logger
	OnState func(State)
}

// Channel multiplexes per-scope subscriptions over one websocket connection
// and keeps reconnecting until closed.
type Channel struct {
	opt     Options
	backoff Backoff
	log     *zap.Logger

	mu     sync.Mutex
	scopes map[string]*scopeSubs
	nextID uint64
	conn   *websocket.Conn
	state  State

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type scopeSubs struct {
	handlers map[uint64]Handler
	acked    bool // acknowledged on some connection
	live     bool // acknowledged on the current connection
	denied   bool // rejected by the server; not resubscribed on reconnect
}

func New(opt Options) *Channel {
	if opt.BaseDelay <= 0 {
		opt.BaseDelay = time.Second
	}
	if opt.MaxDelay <= 0 {
		opt.MaxDelay = 30 * time.Second
	}
	if opt.FailThreshold <= 0 {
		opt.FailThreshold = 5
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	if opt.StableAfter <= 0 {
		opt.StableAfter = 10 * time.Second
	}
	if opt.Dialer == nil {
		opt.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Channel{
		opt:     opt,
		backoff: Backoff{Base: opt.BaseDelay, Max: opt.MaxDelay},
		log:     opt.Logger,
		scopes:  make(map[string]*scopeSubs),
		done:    make(chan struct{}),
	}
}

// Start runs the connect loop until ctx is done or Close is called.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()
	go c.run()
}

func (c *Channel) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		cancel, started := c.cancel, c.ctx != nil
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if started {
			<-c.done
		}
	})
	return nil
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscription is one logical subscriber of a scope.
type Subscription struct {
	c     *Channel
	scope string
	id    uint64
	once  sync.Once
}

func (s *Subscription) ScopeID() string { return s.scope }

// Close removes this subscriber; other subscribers of the scope are unaffected.
func (s *Subscription) Close() {
	s.once.Do(func() { s.c.unsubscribe(s.scope, s.id) })
}

// Subscribe registers h for scopeID. The server-side subscription is shared by
// all logical subscribers of the scope.
func (c *Channel) Subscribe(scopeID string, h Handler) *Subscription {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ss, ok := c.scopes[scopeID]
	if !ok {
		ss = &scopeSubs{handlers: make(map[uint64]Handler)}
		c.scopes[scopeID] = ss
	}
	ss.handlers[id] = h
	// a new subscriber asks again for a scope the server denied earlier
	request := !ok || ss.denied
	ss.denied = false
	conn, live := c.conn, ss.live
	c.mu.Unlock()

	switch {
	case live:
		if h.OnReady != nil {
			h.OnReady(false)
		}
	case request && conn != nil:
		c.send(conn, Frame{Op: OpSubscribe, ScopeID: scopeID})
	}
	return &Subscription{c: c, scope: scopeID, id: id}
}

func (c *Channel) unsubscribe(scopeID string, id uint64) {
	c.mu.Lock()
	ss, ok := c.scopes[scopeID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(ss.handlers, id)
	last := len(ss.handlers) == 0
	if last {
		delete(c.scopes, scopeID)
	}
	conn, denied := c.conn, ss.denied
	c.mu.Unlock()
	if last && conn != nil && !denied {
		c.send(conn, Frame{Op: OpUnsubscribe, ScopeID: scopeID})
	}
}

func (c *Channel) run() {
	defer close(c.done)
	failures := 0
	for {
		if c.ctx.Err() != nil {
			return
		}
		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			failures++
			d := c.retryIn(failures)
			c.log.Warn("live channel dial failed",
				zap.Int("failures", failures), zap.Duration("retry_in", d), zap.Error(err))
			if !c.sleep(d) {
				return
			}
			continue
		}
		began := time.Now()
		c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		if time.Since(began) < c.opt.StableAfter {
			failures++
		} else {
			failures = 0
		}
		if !c.sleep(c.retryIn(failures)) {
			return
		}
	}
}

// retryIn moves the state for the given number of consecutive failures and
// returns the delay before the next attempt.
func (c *Channel) retryIn(failures int) time.Duration {
	if failures >= c.opt.FailThreshold {
		c.setState(StateDisconnected)
	} else {
		c.setState(StateReconnecting)
	}
	return c.backoff.Delay(failures)
}

func (c *Channel) dial() (*websocket.Conn, error) {
	hdr := http.Header{}
	if c.opt.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.opt.Token)
	}
	conn, resp, err := c.opt.Dialer.DialContext(c.ctx, c.opt.URL, hdr)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errors.Join(feed.ErrUnauthenticated, err)
		}
		return nil, err
	}
	return conn, nil
}

func (c *Channel) serve(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	var scopes []string
	for id, ss := range c.scopes {
		ss.live = false
		if !ss.denied {
			scopes = append(scopes, id)
		}
	}
	c.state = StateConnected
	onState := c.opt.OnState
	c.mu.Unlock()
	if onState != nil {
		onState(StateConnected)
	}
	c.log.Info("live channel connected", zap.String("url", c.opt.URL), zap.Int("scopes", len(scopes)))

	stop := make(chan struct{})
	go func() {
		select {
		case <-c.ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for _, id := range scopes {
		c.send(conn, Frame{Op: OpSubscribe, ScopeID: id})
	}

	defer func() {
		close(stop)
		c.mu.Lock()
		c.conn = nil
		for _, ss := range c.scopes {
			ss.live = false
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn("live channel read failed", zap.Error(err))
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Warn("live channel bad frame", zap.Error(err))
		return
	}
	switch {
	case f.Op == OpSubscribed:
		c.mu.Lock()
		ss, ok := c.scopes[f.ScopeID]
		var hs []Handler
		resumed := false
		if ok && !ss.live {
			resumed = ss.acked
			ss.acked, ss.live = true, true
			hs = handlersOf(ss)
		}
		c.mu.Unlock()
		for _, h := range hs {
			if h.OnReady != nil {
				h.OnReady(resumed)
			}
		}
	case f.Op == OpError:
		err := feed.FromCode(f.Error)
		c.log.Warn("live channel scope error", zap.String("scope", f.ScopeID), zap.String("code", f.Error))
		if final(err) {
			c.mu.Lock()
			if ss, ok := c.scopes[f.ScopeID]; ok {
				ss.denied, ss.live = true, false
			}
			c.mu.Unlock()
		}
		for _, h := range c.handlers(f.ScopeID) {
			if h.OnError != nil {
				h.OnError(err)
			}
		}
	case f.IsEvent():
		ev, err := feed.ParseEvent(data)
		if err != nil {
			c.log.Warn("live channel event dropped", zap.String("scope", f.ScopeID), zap.Error(err))
			return
		}
		for _, h := range c.handlers(ev.ScopeID) {
			if h.OnEvent != nil {
				h.OnEvent(ev)
			}
		}
	}
}

// final reports errors a resubscribe cannot fix.
func final(err error) bool {
	return errors.Is(err, feed.ErrUnauthorized) ||
		errors.Is(err, feed.ErrInvalidScope) ||
		errors.Is(err, feed.ErrUnauthenticated)
}

func (c *Channel) handlers(scopeID string) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss, ok := c.scopes[scopeID]
	if !ok {
		return nil
	}
	return handlersOf(ss)
}

func handlersOf(ss *scopeSubs) []Handler {
	hs := make([]Handler, 0, len(ss.handlers))
	for _, h := range ss.handlers {
		hs = append(hs, h)
	}
	return hs
}

func (c *Channel) send(conn *websocket.Conn, f Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opt.WriteTimeout))
	if err := conn.WriteJSON(f); err != nil {
		// the read loop observes the broken connection and reconnects
		c.log.Warn("live channel write failed", zap.String("op", f.Op), zap.Error(err))
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	onState := c.opt.OnState
	c.mu.Unlock()
	if changed && onState != nil {
		onState(s)
	}
}

func (c *Channel) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
