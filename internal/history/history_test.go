package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/chatfeed/pkg/feed"
)

type mockMembers struct{ mock.Mock }

func (m *mockMembers) ResolveMember(ctx context.Context, profileID, scopeID string) (feed.Member, error) {
	args := m.Called(profileID, scopeID)
	return args.Get(0).(feed.Member), args.Error(1)
}

// memMessages holds n messages with ids 1..n, oldest first.
type memMessages struct{ all []feed.Message }

func newMem(n int) *memMessages {
	base := time.Unix(1000, 0).UTC()
	mm := &memMessages{}
	for i := 1; i <= n; i++ {
		mm.all = append(mm.all, feed.Message{ID: fmt.Sprint(i), ScopeID: "c1", CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	return mm
}

func (m *memMessages) ListPage(ctx context.Context, scopeID string, cursor *string, limit int) ([]feed.Message, error) {
	end := len(m.all)
	if cursor != nil {
		end = -1
		for i, msg := range m.all {
			if msg.ID == *cursor {
				end = i
			}
		}
		if end < 0 {
			return []feed.Message{}, nil
		}
	}
	out := []feed.Message{}
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.all[i])
	}
	return out, nil
}

func TestFetchPagePaginates(t *testing.T) {
	members := &mockMembers{}
	members.On("ResolveMember", "p1", "c1").Return(feed.Member{ID: "m1"}, nil)
	s := NewService(members, newMem(25))
	ctx := context.Background()

	var sizes []int
	var cursor *string
	for {
		p, err := s.FetchPage(ctx, "p1", "c1", cursor)
		require.NoError(t, err)
		sizes = append(sizes, len(p.Messages))
		if p.NextCursor == nil {
			break
		}
		cursor = p.NextCursor
	}
	assert.Equal(t, []int{10, 10, 5}, sizes)
}

func TestFetchPageExactBatch(t *testing.T) {
	members := &mockMembers{}
	members.On("ResolveMember", "p1", "c1").Return(feed.Member{ID: "m1"}, nil)
	s := NewService(members, newMem(10))

	p, err := s.FetchPage(context.Background(), "p1", "c1", nil)
	require.NoError(t, err)
	require.NotNil(t, p.NextCursor)
	assert.Equal(t, "1", *p.NextCursor)

	p, err = s.FetchPage(context.Background(), "p1", "c1", p.NextCursor)
	require.NoError(t, err)
	assert.Empty(t, p.Messages)
	assert.Nil(t, p.NextCursor)
}

func TestFetchPageErrors(t *testing.T) {
	members := &mockMembers{}
	members.On("ResolveMember", "p2", "c1").Return(feed.Member{}, feed.ErrUnauthorized)
	members.On("ResolveMember", "p1", "zz").Return(feed.Member{}, feed.ErrInvalidScope)
	s := NewService(members, newMem(3))
	ctx := context.Background()

	_, err := s.FetchPage(ctx, "", "c1", nil)
	assert.ErrorIs(t, err, feed.ErrUnauthenticated)
	_, err = s.FetchPage(ctx, "p1", "", nil)
	assert.ErrorIs(t, err, feed.ErrInvalidScope)
	_, err = s.FetchPage(ctx, "p2", "c1", nil)
	assert.ErrorIs(t, err, feed.ErrUnauthorized)
	_, err = s.FetchPage(ctx, "p1", "zz", nil)
	assert.ErrorIs(t, err, feed.ErrInvalidScope)
}
