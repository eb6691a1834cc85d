package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/chatfeed/pkg/feed"
)

// fakeServer acks subscriptions and lets the test push frames or drop connections.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	subs   []string
	unsubs []string
	denied map[string]bool
	hangup bool // close every connection right after the upgrade
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{t: t, denied: map[string]bool{}}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string { return "ws" + strings.TrimPrefix(fs.srv.URL, "http") }

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, ws)
	hangup := fs.hangup
	fs.mu.Unlock()
	if hangup {
		_ = ws.Close()
		return
	}
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		fs.mu.Lock()
		switch f.Op {
		case OpSubscribe:
			fs.subs = append(fs.subs, f.ScopeID)
			if fs.denied[f.ScopeID] {
				_ = ws.WriteJSON(Frame{Op: OpError, ScopeID: f.ScopeID, Error: feed.CodeUnauthorized})
			} else {
				_ = ws.WriteJSON(Frame{Op: OpSubscribed, ScopeID: f.ScopeID})
			}
		case OpUnsubscribe:
			fs.unsubs = append(fs.unsubs, f.ScopeID)
		}
		fs.mu.Unlock()
	}
}

func (fs *fakeServer) push(v any) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	c := fs.conns[len(fs.conns)-1]
	require.NoError(fs.t, c.WriteJSON(v))
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		_ = c.Close()
	}
}

func (fs *fakeServer) subCount(scope string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, s := range fs.subs {
		if s == scope {
			n++
		}
	}
	return n
}

func (fs *fakeServer) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *fakeServer) unsubList() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.unsubs...)
}

func newTestChannel(url string) *Channel {
	return New(Options{URL: url, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond})
}

func TestChannelFanOutAndIsolation(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestChannel(fs.url())
	c.Start(context.Background())
	defer c.Close()

	readyA := make(chan bool, 4)
	readyB := make(chan bool, 4)
	eventsA := make(chan feed.Event, 4)
	eventsB := make(chan feed.Event, 4)
	a := c.Subscribe("c1", Handler{OnEvent: func(e feed.Event) { eventsA <- e }, OnReady: func(r bool) { readyA <- r }})
	require.False(t, <-readyA)
	b := c.Subscribe("c1", Handler{OnEvent: func(e feed.Event) { eventsB <- e }, OnReady: func(r bool) { readyB <- r }})
	require.False(t, <-readyB)
	assert.Equal(t, 1, fs.subCount("c1"))

	fs.push(feed.Event{Kind: feed.EventCreated, ScopeID: "c1", Message: feed.Message{ID: "1", Content: "hi"}})
	assert.Equal(t, "1", (<-eventsA).Message.ID)
	assert.Equal(t, "1", (<-eventsB).Message.ID)

	a.Close()
	a.Close()
	fs.push(feed.Event{Kind: feed.EventCreated, ScopeID: "c1", Message: feed.Message{ID: "2"}})
	assert.Equal(t, "2", (<-eventsB).Message.ID)
	assert.Empty(t, fs.unsubList())
	select {
	case <-eventsA:
		t.Fatal("closed subscription received an event")
	case <-time.After(20 * time.Millisecond):
	}

	b.Close()
	assert.Eventually(t, func() bool { return len(fs.unsubList()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestChannelDropsUnknownKinds(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestChannel(fs.url())
	c.Start(context.Background())
	defer c.Close()

	ready := make(chan bool, 1)
	events := make(chan feed.Event, 4)
	c.Subscribe("c1", Handler{OnEvent: func(e feed.Event) { events <- e }, OnReady: func(r bool) { ready <- r }})
	<-ready

	fs.push(map[string]any{"kind": "pinned", "scopeId": "c1", "message": map[string]any{"id": "1"}})
	fs.push(feed.Event{Kind: feed.EventDeleted, ScopeID: "c1", Message: feed.Message{ID: "3"}})
	e := <-events
	assert.Equal(t, feed.EventDeleted, e.Kind)
	assert.Equal(t, "3", e.Message.ID)
}

func TestChannelResubscribesAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	var states []State
	var smu sync.Mutex
	c := New(Options{
		URL:       fs.url(),
		BaseDelay: 5 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
		OnState: func(s State) {
			smu.Lock()
			states = append(states, s)
			smu.Unlock()
		},
	})
	c.Start(context.Background())
	defer c.Close()

	ready := make(chan bool, 4)
	c.Subscribe("c1", Handler{OnReady: func(r bool) { ready <- r }})
	require.False(t, <-ready)

	fs.dropAll()
	select {
	case resumed := <-ready:
		assert.True(t, resumed)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not re-established")
	}
	assert.Equal(t, 2, fs.subCount("c1"))
	assert.Equal(t, StateConnected, c.State())

	smu.Lock()
	defer smu.Unlock()
	assert.Contains(t, states, StateReconnecting)
}

func TestChannelScopeError(t *testing.T) {
	fs := newFakeServer(t)
	fs.denied["secret"] = true
	c := newTestChannel(fs.url())
	c.Start(context.Background())
	defer c.Close()

	errs := make(chan error, 1)
	c.Subscribe("secret", Handler{OnError: func(err error) { errs <- err }})
	assert.ErrorIs(t, <-errs, feed.ErrUnauthorized)
}

func TestChannelDeniedScopeNotResubscribed(t *testing.T) {
	fs := newFakeServer(t)
	fs.denied["secret"] = true
	c := newTestChannel(fs.url())
	c.Start(context.Background())
	defer c.Close()

	errs := make(chan error, 4)
	denied := c.Subscribe("secret", Handler{OnError: func(err error) { errs <- err }})
	assert.ErrorIs(t, <-errs, feed.ErrUnauthorized)
	ready := make(chan bool, 4)
	c.Subscribe("c1", Handler{OnReady: func(r bool) { ready <- r }})
	require.False(t, <-ready)

	fs.dropAll()
	select {
	case resumed := <-ready:
		assert.True(t, resumed)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not re-established")
	}
	assert.Equal(t, 2, fs.subCount("c1"))
	assert.Equal(t, 1, fs.subCount("secret"))

	denied.Close()
	time.Sleep(20 * time.Millisecond)
	assert.NotContains(t, fs.unsubList(), "secret")

	// a fresh subscriber asks again
	c.Subscribe("secret", Handler{OnError: func(err error) { errs <- err }})
	assert.ErrorIs(t, <-errs, feed.ErrUnauthorized)
	assert.Equal(t, 2, fs.subCount("secret"))
}

func TestChannelShortSessionsCountAsFailures(t *testing.T) {
	fs := newFakeServer(t)
	fs.hangup = true

	c := New(Options{URL: fs.url(), BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, FailThreshold: 3})
	c.Start(context.Background())
	assert.Eventually(t, func() bool { return c.State() == StateDisconnected }, 2*time.Second, 2*time.Millisecond)
	assert.GreaterOrEqual(t, fs.connCount(), 3)
	require.NoError(t, c.Close())
}

func TestChannelDisconnectedAfterFailures(t *testing.T) {
	fs := newFakeServer(t)
	url := fs.url()
	fs.srv.Close()

	c := New(Options{URL: url, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, FailThreshold: 3})
	c.Start(context.Background())
	assert.Eventually(t, func() bool { return c.State() == StateDisconnected }, 2*time.Second, 2*time.Millisecond)
	require.NoError(t, c.Close())
}

func TestBackoffCeil(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	assert.Equal(t, time.Second, b.Ceil(0))
	assert.Equal(t, 8*time.Second, b.Ceil(3))
	assert.Equal(t, 30*time.Second, b.Ceil(5))
	assert.Equal(t, 30*time.Second, b.Ceil(100))
	for i := 0; i < 100; i++ {
		d := b.Delay(2)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}
