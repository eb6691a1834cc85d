// Package hub is the websocket side of feed-push: connections, per-scope
// subscriptions and the scope routes that let feed-job find this node.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzyats/chatfeed/internal/auth"
	"github.com/lzyats/chatfeed/internal/metrics"
	"github.com/lzyats/chatfeed/pkg/feed"
	"github.com/lzyats/chatfeed/pkg/live"
)

type Members interface {
	ResolveMember(ctx context.Context, profileID, scopeID string) (feed.Member, error)
}

// Routes records which push nodes hold subscribers of a scope.
type Routes interface {
	AddScopeRoute(ctx context.Context, scopeID, node string, ttl time.Duration) error
	RemoveScopeRoute(ctx context.Context, scopeID, node string) error
}

type Options struct {
	Node         string
	RouteTTL     time.Duration
	WriteTimeout time.Duration
	QueueSize    int
	PingEvery    time.Duration
	OpTimeout    time.Duration
	Logger       *zap.Logger
}

type Conn struct {
	ID     uint64
	UserID string
	WS     *websocket.Conn
	// bounded outbound queue (backpressure)
	Out chan []byte

	scopes map[string]struct{}
	closed bool
}

type Hub struct {
	members Members
	routes  Routes
	authn   *auth.Resolver
	opt     Options
	log     *zap.Logger
	nextID  atomic.Uint64

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[uint64]*Conn
	byScope map[string]map[uint64]*Conn
}

func New(members Members, routes Routes, authn *auth.Resolver, opt Options) *Hub {
	if opt.RouteTTL <= 0 {
		opt.RouteTTL = 60 * time.Second
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	if opt.PingEvery <= 0 {
		opt.PingEvery = 30 * time.Second
	}
	if opt.OpTimeout <= 0 {
		opt.OpTimeout = 2 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Hub{
		members:  members,
		routes:   routes,
		authn:    authn,
		opt:      opt,
		log:      opt.Logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:    make(map[uint64]*Conn),
		byScope:  make(map[string]map[uint64]*Conn),
	}
}

// ServeWS authenticates and upgrades a live channel connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.authn.ResolveCaller(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{
		ID:     h.nextID.Add(1),
		UserID: caller.UserID,
		WS:     ws,
		Out:    make(chan []byte, h.opt.QueueSize),
		scopes: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c.ID] = c
	n := len(h.conns)
	h.mu.Unlock()
	metrics.OnlineConns.Set(float64(n))

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) readLoop(c *Conn) {
	defer h.unregister(c)
	wait := 2 * h.opt.PingEvery
	_ = c.WS.SetReadDeadline(time.Now().Add(wait))
	c.WS.SetPongHandler(func(string) error {
		return c.WS.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		_, data, err := c.WS.ReadMessage()
		if err != nil {
			return
		}
		_ = c.WS.SetReadDeadline(time.Now().Add(wait))
		var f live.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.ScopeID == "" {
			continue
		}
		switch f.Op {
		case live.OpSubscribe:
			h.subscribe(c, f.ScopeID)
		case live.OpUnsubscribe:
			h.unsubscribe(c, f.ScopeID)
		}
	}
}

func (h *Hub) writeLoop(c *Conn) {
	ping := time.NewTicker(h.opt.PingEvery)
	defer func() {
		ping.Stop()
		_ = c.WS.Close()
	}()
	for {
		select {
		case b, ok := <-c.Out:
			if !ok {
				_ = c.WS.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
			_ = c.WS.SetWriteDeadline(time.Now().Add(h.opt.WriteTimeout))
			if err := c.WS.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			if err := c.WS.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opt.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) subscribe(c *Conn, scopeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opt.OpTimeout)
	_, err := h.members.ResolveMember(ctx, c.UserID, scopeID)
	cancel()
	if err != nil {
		h.log.Info("subscribe denied", zap.String("user", c.UserID), zap.String("scope", scopeID), zap.Error(err))
		h.reply(c, live.Frame{Op: live.OpError, ScopeID: scopeID, Error: feed.Code(err)})
		return
	}

	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	first := false
	if _, dup := c.scopes[scopeID]; !dup {
		c.scopes[scopeID] = struct{}{}
		subs := h.byScope[scopeID]
		if subs == nil {
			subs = make(map[uint64]*Conn)
			h.byScope[scopeID] = subs
			first = true
		}
		subs[c.ID] = c
		metrics.Subscriptions.Inc()
	}
	h.mu.Unlock()

	if first {
		h.addRoute(scopeID)
	}
	h.reply(c, live.Frame{Op: live.OpSubscribed, ScopeID: scopeID})
}

func (h *Hub) unsubscribe(c *Conn, scopeID string) {
	h.mu.Lock()
	last := h.detach(c, scopeID)
	h.mu.Unlock()
	if last {
		h.removeRoute(scopeID)
	}
}

// detach removes c from scopeID and reports whether the scope lost its last subscriber.
// Callers hold h.mu.
func (h *Hub) detach(c *Conn, scopeID string) bool {
	if _, ok := c.scopes[scopeID]; !ok {
		return false
	}
	delete(c.scopes, scopeID)
	metrics.Subscriptions.Dec()
	subs := h.byScope[scopeID]
	delete(subs, c.ID)
	if len(subs) == 0 {
		delete(h.byScope, scopeID)
		return true
	}
	return false
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return
	}
	c.closed = true
	var emptied []string
	for scopeID := range c.scopes {
		if h.detach(c, scopeID) {
			emptied = append(emptied, scopeID)
		}
	}
	delete(h.conns, c.ID)
	n := len(h.conns)
	close(c.Out)
	h.mu.Unlock()

	metrics.OnlineConns.Set(float64(n))
	for _, scopeID := range emptied {
		h.removeRoute(scopeID)
	}
}

func (h *Hub) reply(c *Conn, f live.Frame) {
	b, _ := json.Marshal(f)
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.Out <- b:
	default:
		metrics.WSPushBackpressure.Inc()
	}
}

// Broadcast queues payload to every subscriber of scopeID and returns how many
// connections accepted it. A subscriber whose queue is full is disconnected;
// it resubscribes and refetches on reconnect.
func (h *Hub) Broadcast(scopeID string, payload []byte) int {
	var slow []*Conn
	n := 0
	h.mu.RLock()
	for _, c := range h.byScope[scopeID] {
		select {
		case c.Out <- payload:
			n++
			metrics.WSPushOK.Inc()
		default:
			metrics.WSPushBackpressure.Inc()
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("subscriber queue full, dropping connection", zap.Uint64("conn", c.ID), zap.String("scope", scopeID))
		_ = c.WS.Close()
	}
	return n
}

// Scopes returns the scopes with at least one subscriber on this node.
func (h *Hub) Scopes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byScope))
	for id := range h.byScope {
		out = append(out, id)
	}
	return out
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RefreshRoutes re-announces every subscribed scope until ctx is done.
func (h *Hub) RefreshRoutes(ctx context.Context) {
	t := time.NewTicker(h.opt.RouteTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, scopeID := range h.Scopes() {
				h.addRoute(scopeID)
			}
		}
	}
}

func (h *Hub) addRoute(scopeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opt.OpTimeout)
	defer cancel()
	if err := h.routes.AddScopeRoute(ctx, scopeID, h.opt.Node, h.opt.RouteTTL); err != nil {
		h.log.Warn("scope route write failed", zap.String("scope", scopeID), zap.Error(err))
	}
}

func (h *Hub) removeRoute(scopeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opt.OpTimeout)
	defer cancel()
	if err := h.routes.RemoveScopeRoute(ctx, scopeID, h.opt.Node); err != nil {
		h.log.Warn("scope route delete failed", zap.String("scope", scopeID), zap.Error(err))
	}
}
