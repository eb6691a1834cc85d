package send

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lzyats/chatfeed/pkg/feed"
)

// Request is the body of a send. ClientMsgID is the temporary key of the pending entry.
type Request struct {
	Content       string `json:"content"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
	ClientMsgID   string `json:"clientMsgId"`
}

// Sender delivers a send request and returns the authoritative message.
type Sender interface {
	Send(ctx context.Context, scopeID string, req Request) (feed.Message, error)
}

type Options struct {
	// Timeout bounds one attempt. Default 10s.
	Timeout  time.Duration
	AuthorID string
	Logger   *zap.Logger
	NewKey   func() string
}

// Coordinator issues optimistic sends for one scope and reconciles them through the store.
type Coordinator struct {
	store   *feed.Store
	sender  Sender
	timeout time.Duration
	author  string
	log     *zap.Logger
	newKey  func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	requests map[string]Request
	inflight map[string]bool
	status   map[string]feed.Status
}

func NewCoordinator(store *feed.Store, sender Sender, opt Options) *Coordinator {
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.NewKey == nil {
		opt.NewKey = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:    store,
		sender:   sender,
		timeout:  opt.Timeout,
		author:   opt.AuthorID,
		log:      opt.Logger,
		newKey:   opt.NewKey,
		ctx:      ctx,
		cancel:   cancel,
		requests: make(map[string]Request),
		inflight: make(map[string]bool),
		status:   make(map[string]feed.Status),
	}
}

// Submit inserts a pending entry and starts sending it. It returns the temporary key.
func (c *Coordinator) Submit(content, attachmentURL string) (string, error) {
	if c.ctx.Err() != nil {
		return "", errors.New("coordinator closed")
	}
	if strings.TrimSpace(content) == "" && attachmentURL == "" {
		return "", feed.ErrEmptyContent
	}
	key := c.newKey()
	req := Request{Content: content, AttachmentURL: attachmentURL, ClientMsgID: key}
	if err := c.store.AddPending(feed.Pending{
		Key:           key,
		AuthorID:      c.author,
		Content:       content,
		AttachmentURL: attachmentURL,
	}); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.requests[key] = req
	c.inflight[key] = true
	c.status[key] = feed.StatusSending
	c.mu.Unlock()

	c.start(key, req)
	return key, nil
}

// Retry resends a failed entry under the same temporary key.
func (c *Coordinator) Retry(key string) error {
	c.mu.Lock()
	req, ok := c.requests[key]
	if !ok {
		c.mu.Unlock()
		return feed.ErrUnknownKey
	}
	if c.inflight[key] {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s already sending", feed.ErrInvalidStatus, key)
	}
	c.inflight[key] = true
	c.mu.Unlock()

	if err := c.store.MarkSending(key); err != nil {
		c.mu.Lock()
		c.inflight[key] = false
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.status[key] = feed.StatusSending
	c.mu.Unlock()

	c.start(key, req)
	return nil
}

// Discard drops a failed entry from the feed.
func (c *Coordinator) Discard(key string) error {
	c.mu.Lock()
	busy := c.inflight[key]
	c.mu.Unlock()
	if busy {
		return fmt.Errorf("%w: %s is sending", feed.ErrInvalidStatus, key)
	}
	if err := c.store.Discard(key); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.requests, key)
	delete(c.status, key)
	c.mu.Unlock()
	return nil
}

// Status reports the lifecycle state of a temporary key.
func (c *Coordinator) Status(key string) (feed.Status, bool) {
	c.mu.Lock()
	s, ok := c.status[key]
	c.mu.Unlock()
	if ok && s != feed.StatusConfirmed && !c.store.HasPending(key) {
		// confirmed by a live event or a page before the response arrived
		s = feed.StatusConfirmed
	}
	return s, ok
}

// Close abandons in-flight sends; their results are dropped.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) start(key string, req Request) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(key, req)
	}()
}

func (c *Coordinator) run(key string, req Request) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var m feed.Message
		m, err = c.attempt(req)
		if c.ctx.Err() != nil {
			return
		}
		if err == nil {
			c.confirm(key, m)
			return
		}
		if !feed.Retryable(err) {
			break
		}
		c.log.Warn("send timed out, retrying", zap.String("scope", c.store.ScopeID()), zap.String("key", key))
	}
	c.fail(key, err)
}

func (c *Coordinator) attempt(req Request) (feed.Message, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	type result struct {
		m   feed.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := c.sender.Send(ctx, c.store.ScopeID(), req)
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		return r.m, r.err
	case <-ctx.Done():
		if c.ctx.Err() != nil {
			return feed.Message{}, c.ctx.Err()
		}
		return feed.Message{}, fmt.Errorf("%w: send after %s", feed.ErrTimeout, c.timeout)
	}
}

func (c *Coordinator) confirm(key string, m feed.Message) {
	if m.ClientMsgID == "" {
		m.ClientMsgID = key
	}
	err := c.store.ApplyEvent(feed.Event{Kind: feed.EventCreated, ScopeID: c.store.ScopeID(), Message: m})
	if err == nil && m.ID == "" {
		err = fmt.Errorf("%w: confirmation without id", feed.ErrInternal)
	}
	if err != nil {
		c.fail(key, err)
		return
	}
	c.mu.Lock()
	c.inflight[key] = false
	c.status[key] = feed.StatusConfirmed
	delete(c.requests, key)
	c.mu.Unlock()
}

func (c *Coordinator) fail(key string, cause error) {
	err := c.store.MarkFailed(key, cause)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[key] = false
	if err != nil {
		if errors.Is(err, feed.ErrUnknownKey) {
			// reconciled elsewhere while the request was failing
			c.status[key] = feed.StatusConfirmed
			delete(c.requests, key)
			return
		}
		c.log.Error("mark send failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.status[key] = feed.StatusFailed
	c.log.Warn("send failed", zap.String("scope", c.store.ScopeID()), zap.String("key", key), zap.Error(cause))
}
