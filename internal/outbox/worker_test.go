package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/chatfeed/pkg/feed"
)

type mockStore struct{ mock.Mock }

func (m *mockStore) FetchDue(ctx context.Context, limit int) ([]Record, error) {
	args := m.Called(limit)
	recs, _ := args.Get(0).([]Record)
	return recs, args.Error(1)
}

func (m *mockStore) MarkSent(ctx context.Context, id int64) error {
	return m.Called(id).Error(0)
}

func (m *mockStore) MarkFailed(ctx context.Context, id int64, retryCount int, lastErr string, backoff time.Duration) error {
	return m.Called(id, retryCount, lastErr, backoff).Error(0)
}

func (m *mockStore) MarkDead(ctx context.Context, id int64, reason string) error {
	return m.Called(id, reason).Error(0)
}

func (m *mockStore) PurgeSent(ctx context.Context, before time.Time, limit int) (int64, error) {
	args := m.Called(before, limit)
	return args.Get(0).(int64), args.Error(1)
}

type fakePublisher struct {
	mu   sync.Mutex
	got  []feed.Event
	fail map[string]error
}

func (p *fakePublisher) Publish(ctx context.Context, evt feed.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[evt.Message.ID]; err != nil {
		return err
	}
	p.got = append(p.got, evt)
	return nil
}

func payload(t *testing.T, id string) string {
	t.Helper()
	b, err := json.Marshal(feed.Event{
		Kind:    feed.EventCreated,
		ScopeID: "c1",
		Message: feed.Message{ID: id, ScopeID: "c1", Content: "x", CreatedAt: time.Unix(1, 0).UTC()},
	})
	require.NoError(t, err)
	return string(b)
}

func TestRunOncePublishesAndMarks(t *testing.T) {
	st := &mockStore{}
	st.On("FetchDue", 50).Return([]Record{
		{ID: 1, EventKey: "created:1:0", PayloadJSON: payload(t, "1")},
		{ID: 2, EventKey: "created:2:0", PayloadJSON: payload(t, "2"), RetryCount: 9},
		{ID: 3, EventKey: "bad", PayloadJSON: "{"},
	}, nil)
	st.On("MarkSent", int64(1)).Return(nil)
	st.On("MarkFailed", int64(2), 10, "broker down", 60*time.Second).Return(nil)
	st.On("MarkDead", int64(3), mock.MatchedBy(func(r string) bool { return strings.HasPrefix(r, "decode: ") })).Return(nil)

	pub := &fakePublisher{fail: map[string]error{"2": errors.New("broker down")}}
	w := NewWorker(st, pub, nil, Options{Batch: 50})
	w.RunOnce()

	st.AssertExpectations(t)
	require.Len(t, pub.got, 1)
	assert.Equal(t, "1", pub.got[0].Message.ID)
}

func TestRunOnceParksAfterRetryBudget(t *testing.T) {
	st := &mockStore{}
	st.On("FetchDue", 200).Return([]Record{
		{ID: 4, EventKey: "created:4:0", PayloadJSON: payload(t, "4"), RetryCount: 4},
	}, nil)
	st.On("MarkDead", int64(4), "retry budget spent: broker down").Return(nil)

	pub := &fakePublisher{fail: map[string]error{"4": errors.New("broker down")}}
	w := NewWorker(st, pub, nil, Options{MaxRetry: 5})
	w.RunOnce()

	st.AssertExpectations(t)
	st.AssertNotCalled(t, "MarkFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPurgeLoopsUntilShortBatch(t *testing.T) {
	now := time.Unix(100000, 0)
	cutoff := now.Add(-time.Hour)
	st := &mockStore{}
	st.On("PurgeSent", cutoff, 2).Return(int64(2), nil).Twice()
	st.On("PurgeSent", cutoff, 2).Return(int64(1), nil).Once()

	w := NewWorker(st, &fakePublisher{}, nil, Options{Batch: 2, Retention: time.Hour})
	w.now = func() time.Time { return now }
	w.Purge()

	st.AssertNumberOfCalls(t, "PurgeSent", 3)
}

func TestRunOnceFetchError(t *testing.T) {
	st := &mockStore{}
	st.On("FetchDue", 200).Return(nil, errors.New("db gone"))
	w := NewWorker(st, &fakePublisher{}, nil, Options{})
	w.RunOnce()
	st.AssertNotCalled(t, "MarkSent", mock.Anything)
}

func TestCalcBackoff(t *testing.T) {
	assert.Equal(t, time.Second, calcBackoff(0))
	assert.Equal(t, 2*time.Second, calcBackoff(1))
	assert.Equal(t, 32*time.Second, calcBackoff(5))
	assert.Equal(t, 60*time.Second, calcBackoff(6))
	assert.Equal(t, 60*time.Second, calcBackoff(100))
}
