package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lzyats/chatfeed/pkg/feed"
	"github.com/lzyats/chatfeed/pkg/live"
	"github.com/lzyats/chatfeed/pkg/pagefetch"
	"github.com/lzyats/chatfeed/pkg/send"
)

// ErrStale is returned when a result belongs to a scope that is no longer mounted.
var ErrStale = errors.New("controller: scope no longer mounted")

// Subscriber is the part of the live channel the controller needs.
type Subscriber interface {
	Subscribe(scopeID string, h live.Handler) Subscription
	State() live.State
}

type Subscription interface {
	Close()
}

type channelSubscriber struct{ c *live.Channel }

// FromChannel adapts a live.Channel to Subscriber.
func FromChannel(c *live.Channel) Subscriber { return channelSubscriber{c} }

func (s channelSubscriber) Subscribe(scopeID string, h live.Handler) Subscription {
	return s.c.Subscribe(scopeID, h)
}

func (s channelSubscriber) State() live.State { return s.c.State() }

type Options struct {
	Fetcher pagefetch.Fetcher
	Channel Subscriber
	Sender  send.Sender

	AuthorID    string
	SendTimeout time.Duration
	Logger      *zap.Logger
	// OnChange receives a fresh view after every change of the mounted scope.
	OnChange func(View)
}

// View is the read-only snapshot handed to the presentation layer.
type View struct {
	ScopeID        string
	Items          []feed.Item
	HasMoreOlder   bool
	IsLoadingOlder bool
	Connection     live.State
	Err            error
}

// Controller drives one mounted scope at a time: initial fetch, live events,
// paging older history and optimistic sends.
type Controller struct {
	opt Options
	log *zap.Logger

	group singleflight.Group

	mu      sync.Mutex
	gen     uint64
	scope   string
	store   *feed.Store
	coord   *send.Coordinator
	sub     Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	loading bool
	lastErr error
}

func New(opt Options) *Controller {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Controller{opt: opt, log: opt.Logger}
}

// Mount switches the controller to scopeID: fetch the newest page, seed the
// store, subscribe to live events. State of a previously mounted scope is dropped.
func (c *Controller) Mount(ctx context.Context, scopeID string) error {
	if scopeID == "" {
		return feed.ErrInvalidScope
	}
	c.Unmount()

	store := feed.NewStore(scopeID)
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.scope = scopeID
	c.store = store
	c.lastErr = nil
	c.ctx, c.cancel = context.WithCancel(context.Background())
	mctx := c.ctx
	c.mu.Unlock()

	store.OnChange(func(v feed.View) { c.emit(gen, v) })

	fctx, fcancel := context.WithCancel(ctx)
	stop := context.AfterFunc(mctx, fcancel)
	page, err := c.fetch(fctx, scopeID, nil)
	stop()
	fcancel()
	if !c.current(gen) {
		return ErrStale
	}
	if err != nil {
		c.setErr(gen, err)
		return fmt.Errorf("mount %s: %w", scopeID, err)
	}
	store.ApplyPage(page)

	coord := send.NewCoordinator(store, c.opt.Sender, send.Options{
		Timeout:  c.opt.SendTimeout,
		AuthorID: c.opt.AuthorID,
		Logger:   c.log,
	})
	sub := c.opt.Channel.Subscribe(scopeID, live.Handler{
		OnEvent: func(e feed.Event) {
			if !c.current(gen) {
				return
			}
			if err := store.ApplyEvent(e); err != nil {
				c.log.Warn("event dropped", zap.String("scope", scopeID), zap.Error(err))
			}
		},
		// every ack refetches the newest page: the first one covers messages
		// committed between the mount fetch and the subscription, later ones the outage
		OnReady: func(bool) { go c.refresh(gen) },
		OnError: func(err error) { c.setErr(gen, err) },
	})

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		sub.Close()
		coord.Close()
		return ErrStale
	}
	c.coord, c.sub = coord, sub
	c.mu.Unlock()
	c.log.Info("scope mounted", zap.String("scope", scopeID), zap.Int("messages", len(page.Messages)))
	return nil
}

// Unmount closes the subscription and coordinator and discards the scope's state.
func (c *Controller) Unmount() {
	c.mu.Lock()
	c.gen++
	cancel, sub, coord := c.cancel, c.sub, c.coord
	c.scope, c.store, c.coord, c.sub = "", nil, nil, nil
	c.ctx, c.cancel = nil, nil
	c.loading, c.lastErr = false, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
	if coord != nil {
		coord.Close()
	}
}

func (c *Controller) Close() { c.Unmount() }

// LoadOlder fetches the page before the oldest loaded message. It is a no-op when
// history is exhausted; concurrent calls share one request.
func (c *Controller) LoadOlder(ctx context.Context, scopeID string) error {
	c.mu.Lock()
	if scopeID != c.scope || c.store == nil {
		c.mu.Unlock()
		return feed.ErrScopeMismatch
	}
	gen, store, mctx := c.gen, c.store, c.ctx
	c.mu.Unlock()

	more, cursor := store.HasMoreOlder()
	if !more || cursor == nil {
		return nil
	}

	ch := c.group.DoChan(fmt.Sprintf("older/%d", gen), func() (any, error) {
		c.setLoading(gen, true)
		page, err := c.fetch(mctx, scopeID, cursor)
		c.setLoading(gen, false)
		if !c.current(gen) {
			return nil, ErrStale
		}
		if err != nil {
			c.setErr(gen, err)
			return nil, err
		}
		store.ApplyPage(page)
		return nil, nil
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refresh merges a fresh newest page once the subscription is acknowledged.
func (c *Controller) refresh(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	scopeID, store, mctx := c.scope, c.store, c.ctx
	c.mu.Unlock()

	_, err, _ := c.group.Do(fmt.Sprintf("refresh/%d", gen), func() (any, error) {
		page, err := c.fetch(mctx, scopeID, nil)
		if err != nil {
			return nil, err
		}
		if c.current(gen) {
			store.ApplyPage(page)
		}
		return nil, nil
	})
	if err != nil && c.current(gen) {
		c.log.Warn("refresh after resume failed", zap.String("scope", scopeID), zap.Error(err))
		c.setErr(gen, err)
	}
}

// fetch performs one page fetch with a single automatic retry on timeout.
func (c *Controller) fetch(ctx context.Context, scopeID string, cursor *string) (feed.Page, error) {
	page, err := c.opt.Fetcher.FetchPage(ctx, scopeID, cursor)
	if err != nil && feed.Retryable(err) && ctx.Err() == nil {
		c.log.Warn("page fetch timed out, retrying", zap.String("scope", scopeID))
		page, err = c.opt.Fetcher.FetchPage(ctx, scopeID, cursor)
	}
	if err != nil {
		return feed.Page{}, err
	}
	page.Cursor = cursor
	return page, nil
}

func (c *Controller) SendMessage(scopeID, content, attachmentURL string) (string, error) {
	coord, err := c.coordinator(scopeID)
	if err != nil {
		return "", err
	}
	return coord.Submit(content, attachmentURL)
}

func (c *Controller) RetrySend(scopeID, key string) error {
	coord, err := c.coordinator(scopeID)
	if err != nil {
		return err
	}
	return coord.Retry(key)
}

func (c *Controller) DiscardFailedSend(scopeID, key string) error {
	coord, err := c.coordinator(scopeID)
	if err != nil {
		return err
	}
	return coord.Discard(key)
}

// SendStatus reports the lifecycle state of a temporary key of the mounted scope.
func (c *Controller) SendStatus(scopeID, key string) (feed.Status, bool) {
	coord, err := c.coordinator(scopeID)
	if err != nil {
		return "", false
	}
	return coord.Status(key)
}

func (c *Controller) coordinator(scopeID string) (*send.Coordinator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if scopeID != c.scope || c.coord == nil {
		return nil, feed.ErrScopeMismatch
	}
	return c.coord, nil
}

// Feed returns the current view of scopeID; an unmounted scope yields an empty view.
func (c *Controller) Feed(scopeID string) View {
	c.mu.Lock()
	if scopeID != c.scope || c.store == nil {
		c.mu.Unlock()
		return View{ScopeID: scopeID, Connection: c.connection()}
	}
	store := c.store
	c.mu.Unlock()
	return c.view(store.Snapshot())
}

func (c *Controller) view(v feed.View) View {
	c.mu.Lock()
	loading, err := c.loading, c.lastErr
	c.mu.Unlock()
	return View{
		ScopeID:        v.ScopeID,
		Items:          v.Items,
		HasMoreOlder:   v.HasMoreOlder,
		IsLoadingOlder: loading,
		Connection:     c.connection(),
		Err:            err,
	}
}

func (c *Controller) connection() live.State {
	if c.opt.Channel == nil {
		return live.StateConnecting
	}
	return c.opt.Channel.State()
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Controller) emit(gen uint64, v feed.View) {
	if c.opt.OnChange == nil || !c.current(gen) {
		return
	}
	c.opt.OnChange(c.view(v))
}

func (c *Controller) setLoading(gen uint64, loading bool) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.loading = loading
	store := c.store
	c.mu.Unlock()
	if store != nil {
		c.emit(gen, store.Snapshot())
	}
}

func (c *Controller) setErr(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.lastErr = err
	store := c.store
	c.mu.Unlock()
	if store != nil {
		c.emit(gen, store.Snapshot())
	}
}
