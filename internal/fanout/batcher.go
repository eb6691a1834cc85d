// Package fanout routes consumed events to the push nodes subscribed to their scope.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/chatfeed/internal/breaker"
	"github.com/lzyats/chatfeed/internal/hub"
	"github.com/lzyats/chatfeed/internal/metrics"
	"github.com/lzyats/chatfeed/pkg/feed"
)

type Routes interface {
	ScopeNodes(ctx context.Context, scopeID string) ([]string, error)
}

// Deduper claims an event key before delivery; a failed delivery releases the claim.
type Deduper interface {
	DedupeEvent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseEvent(ctx context.Context, key string) error
}

type Sender interface {
	SendBatch(ctx context.Context, node string, items []hub.PushItem) error
}

// ErrNodeUnavailable reports a push node skipped while its breaker is open.
var ErrNodeUnavailable = errors.New("fanout: push node unavailable")

type Options struct {
	MaxBatch   int
	FlushEvery time.Duration
	Timeout    time.Duration
	OpTimeout  time.Duration
	DedupeTTL  time.Duration
	Logger     *zap.Logger
}

type queued struct {
	item hub.PushItem
	done chan error
}

// Batcher groups pending items by push node and flushes them on a ticker
// or when a node's buffer reaches MaxBatch. HandleEvent returns once every
// routed node accepted the event; flushes to one node never overlap.
type Batcher struct {
	routes Routes
	dedupe Deduper
	sender Sender
	brk    *breaker.Breaker
	opt    Options
	log    *zap.Logger

	mu      sync.Mutex
	buf     map[string][]queued
	nodeMu  map[string]*sync.Mutex
	stopped bool
	stopC   chan struct{}
	done    chan struct{}
}

func NewBatcher(routes Routes, dedupe Deduper, sender Sender, brk *breaker.Breaker, opt Options) *Batcher {
	if opt.MaxBatch <= 0 {
		opt.MaxBatch = 200
	}
	if opt.FlushEvery <= 0 {
		opt.FlushEvery = 5 * time.Millisecond
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 2 * time.Second
	}
	if opt.OpTimeout <= 0 {
		opt.OpTimeout = time.Second
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Batcher{
		routes: routes,
		dedupe: dedupe,
		sender: sender,
		brk:    brk,
		opt:    opt,
		log:    opt.Logger,
		buf:    make(map[string][]queued),
		nodeMu: make(map[string]*sync.Mutex),
		stopC:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (b *Batcher) Start() {
	go func() {
		defer close(b.done)
		t := time.NewTicker(b.opt.FlushEvery)
		defer t.Stop()
		for {
			select {
			case <-b.stopC:
				return
			case <-t.C:
				b.FlushAll()
			}
		}
	}()
}

// Stop ends the ticker and flushes what is buffered. Items enqueued later
// are flushed right away.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	close(b.stopC)
	<-b.done
	b.FlushAll()
}

// HandleEvent is the consumer callback: dedupe, resolve nodes, enqueue and
// wait for delivery. An error hands the event back to the broker.
func (b *Batcher) HandleEvent(ctx context.Context, evt feed.Event) error {
	key := evt.Key()
	claimed := false
	if b.dedupe != nil {
		dctx, cancel := context.WithTimeout(ctx, b.opt.OpTimeout)
		first, err := b.dedupe.DedupeEvent(dctx, key, b.opt.DedupeTTL)
		cancel()
		// a Redis error falls through to delivery (at-least-once)
		if err == nil && !first {
			metrics.Duplicates.Inc()
			return nil
		}
		claimed = err == nil
	}

	err := b.deliver(ctx, evt)
	if err != nil && claimed {
		rctx, cancel := context.WithTimeout(context.Background(), b.opt.OpTimeout)
		if rerr := b.dedupe.ReleaseEvent(rctx, key); rerr != nil {
			b.log.Warn("dedupe release failed", zap.String("event", key), zap.Error(rerr))
		}
		cancel()
	}
	return err
}

func (b *Batcher) deliver(ctx context.Context, evt feed.Event) error {
	rctx, cancel := context.WithTimeout(ctx, b.opt.OpTimeout)
	nodes, err := b.routes.ScopeNodes(rctx, evt.ScopeID)
	cancel()
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		metrics.NoRoute.Inc()
		return nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	item := hub.PushItem{ScopeID: evt.ScopeID, Event: payload}
	waits := make([]chan error, 0, len(nodes))
	for _, node := range nodes {
		waits = append(waits, b.enqueue(node, item))
	}

	var failed error
	for _, w := range waits {
		select {
		case err := <-w:
			if err != nil && failed == nil {
				failed = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failed
}

func (b *Batcher) enqueue(node string, it hub.PushItem) chan error {
	done := make(chan error, 1)
	if b.brk != nil && !b.brk.Allow(node) {
		metrics.BreakerDrop.Inc()
		done <- ErrNodeUnavailable
		return done
	}
	b.mu.Lock()
	items := append(b.buf[node], queued{item: it, done: done})
	b.buf[node] = items
	now := len(items) >= b.opt.MaxBatch || b.stopped
	b.mu.Unlock()

	if now {
		b.flush(node)
	}
	return done
}

func (b *Batcher) FlushAll() {
	b.mu.Lock()
	nodes := make([]string, 0, len(b.buf))
	for node := range b.buf {
		nodes = append(nodes, node)
	}
	b.mu.Unlock()

	for _, node := range nodes {
		b.flush(node)
	}
}

func (b *Batcher) nodeLock(node string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.nodeMu[node]
	if !ok {
		l = &sync.Mutex{}
		b.nodeMu[node] = l
	}
	return l
}

func (b *Batcher) flush(node string) {
	l := b.nodeLock(node)
	l.Lock()
	defer l.Unlock()

	b.mu.Lock()
	pending := b.buf[node]
	delete(b.buf, node)
	b.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	if b.brk != nil && !b.brk.Allow(node) {
		metrics.BreakerDrop.Add(float64(len(pending)))
		settle(pending, ErrNodeUnavailable)
		return
	}

	for start := 0; start < len(pending); start += b.opt.MaxBatch {
		chunk := pending[start:min(start+b.opt.MaxBatch, len(pending))]
		items := make([]hub.PushItem, len(chunk))
		for i, q := range chunk {
			items[i] = q.item
		}
		if err := b.sendWithRetry(node, items, 1); err != nil {
			metrics.DeliverFail.Add(float64(len(chunk)))
			opened := b.brk != nil && b.brk.Failure(node)
			if opened {
				metrics.BreakerOpen.Inc()
			}
			b.log.Warn("push batch send failed",
				zap.String("node", node),
				zap.Int("items", len(chunk)),
				zap.Bool("breaker_opened", opened),
				zap.Error(err),
			)
			settle(chunk, err)
			continue
		}
		if b.brk != nil {
			b.brk.Success(node)
		}
		metrics.BatchSent.Inc()
		metrics.DeliverOK.Add(float64(len(chunk)))
		settle(chunk, nil)
	}
}

func settle(qs []queued, err error) {
	for _, q := range qs {
		q.done <- err
	}
}

func (b *Batcher) sendWithRetry(node string, items []hub.PushItem, retry int) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.opt.Timeout)
	err := b.sender.SendBatch(ctx, node, items)
	cancel()
	if err != nil && retry > 0 {
		time.Sleep(20 * time.Millisecond)
		return b.sendWithRetry(node, items, retry-1)
	}
	return err
}
