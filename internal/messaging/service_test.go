package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/chatfeed/internal/repo"
	"github.com/lzyats/chatfeed/pkg/feed"
)

type mockMembers struct{ mock.Mock }

func (m *mockMembers) ResolveMember(ctx context.Context, profileID, scopeID string) (feed.Member, error) {
	args := m.Called(profileID, scopeID)
	return args.Get(0).(feed.Member), args.Error(1)
}

type mockStore struct{ mock.Mock }

func (m *mockStore) FindByClientMsgID(ctx context.Context, memberID, clientMsgID string) (feed.Message, bool, error) {
	args := m.Called(memberID, clientMsgID)
	return args.Get(0).(feed.Message), args.Bool(1), args.Error(2)
}

func (m *mockStore) Get(ctx context.Context, scopeID, msgID string) (feed.Message, bool, error) {
	args := m.Called(scopeID, msgID)
	return args.Get(0).(feed.Message), args.Bool(1), args.Error(2)
}

func (m *mockStore) Create(ctx context.Context, msg feed.Message, evt feed.Event) (int64, error) {
	args := m.Called(msg, evt)
	return int64(args.Int(0)), args.Error(1)
}

func (m *mockStore) Edit(ctx context.Context, msg feed.Message, evt feed.Event) (int64, bool, error) {
	args := m.Called(msg, evt)
	return int64(args.Int(0)), args.Bool(1), args.Error(2)
}

func (m *mockStore) Delete(ctx context.Context, msg feed.Message, evt feed.Event) (int64, bool, error) {
	args := m.Called(msg, evt)
	return int64(args.Int(0)), args.Bool(1), args.Error(2)
}

func (m *mockStore) MarkSent(ctx context.Context, outboxID int64) error {
	return m.Called(outboxID).Error(0)
}

type mockIdem struct{ mock.Mock }

func (m *mockIdem) GetIdem(ctx context.Context, memberID, clientMsgID string) (string, bool, error) {
	args := m.Called(memberID, clientMsgID)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockIdem) SetIdem(ctx context.Context, memberID, clientMsgID, msgID string, ttl time.Duration) error {
	return m.Called(memberID, clientMsgID, msgID).Error(0)
}

type mockPub struct{ mock.Mock }

func (m *mockPub) Publish(ctx context.Context, evt feed.Event) error {
	return m.Called(evt.Kind, evt.Message.ID).Error(0)
}

type seqIDs struct{ next []string }

func (s *seqIDs) NextString() (string, error) {
	id := s.next[0]
	s.next = s.next[1:]
	return id, nil
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	members *mockMembers
	store   *mockStore
	idem    *mockIdem
	pub     *mockPub
	svc     *Service
}

func newFixture(ids ...string) *fixture {
	f := &fixture{members: &mockMembers{}, store: &mockStore{}, idem: &mockIdem{}, pub: &mockPub{}}
	f.svc = NewService(f.members, f.store, f.idem, &seqIDs{next: ids}, f.pub, Options{Now: func() time.Time { return now }})
	return f
}

func (f *fixture) assert(t *testing.T) {
	f.members.AssertExpectations(t)
	f.store.AssertExpectations(t)
	f.idem.AssertExpectations(t)
	f.pub.AssertExpectations(t)
}

var ann = feed.Member{ID: "m1", Role: repo.RoleGuest, Name: "Ann"}

func TestSendCreatesAndPublishes(t *testing.T) {
	f := newFixture("100")
	f.members.On("ResolveMember", "p1", "c1").Return(ann, nil)
	f.idem.On("GetIdem", "m1", "k1").Return("", false, nil)
	f.store.On("FindByClientMsgID", "m1", "k1").Return(feed.Message{}, false, nil)
	f.store.On("Create", mock.MatchedBy(func(m feed.Message) bool {
		return m.ID == "100" && m.AuthorMemberID == "m1" && m.CreatedAt.Equal(now)
	}), mock.MatchedBy(func(e feed.Event) bool { return e.Kind == feed.EventCreated })).Return(7, nil)
	f.idem.On("SetIdem", "m1", "k1", "100").Return(nil)
	f.pub.On("Publish", feed.EventCreated, "100").Return(nil)
	f.store.On("MarkSent", int64(7)).Return(nil)

	m, created, err := f.svc.Send(context.Background(), "p1", "c1", SendInput{Content: "hi", ClientMsgID: "k1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "k1", m.ClientMsgID)
	assert.Equal(t, "Ann", m.Member.Name)
	f.assert(t)
}

func TestSendAttachmentOnly(t *testing.T) {
	f := newFixture("101")
	f.members.On("ResolveMember", "p1", "c1").Return(ann, nil)
	f.store.On("Create", mock.MatchedBy(func(m feed.Message) bool {
		return m.Content == "" && m.AttachmentURL == "https://cdn/x.png"
	}), mock.Anything).Return(8, nil)
	f.pub.On("Publish", feed.EventCreated, "101").Return(nil)
	f.store.On("MarkSent", int64(8)).Return(nil)

	m, created, err := f.svc.Send(context.Background(), "p1", "c1", SendInput{AttachmentURL: "https://cdn/x.png"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "https://cdn/x.png", m.AttachmentURL)
	f.assert(t)
}

func TestSendPublishFailureLeavesOutbox(t *testing.T) {
	f := newFixture("100")
	f.members.On("ResolveMember", "p1", "c1").Return(ann, nil)
	f.store.On("Create", mock.Anything, mock.Anything).Return(7, nil)
	f.pub.On("Publish", feed.EventCreated, "100").Return(errors.New("broker down"))

	_, created, err := f.svc.Send(context.Background(), "p1", "c1", SendInput{Content: "hi"})
	require.NoError(t, err)
	assert.True(t, created)
	f.store.AssertNotCalled(t, "MarkSent", mock.Anything)
	f.assert(t)
}

func TestSendIdempotent(t *testing.T) {
	prev := feed.Message{ID: "55", ScopeID: "c1", AuthorMemberID: "m1", ClientMsgID: "k1"}

	f := newFixture()
	f.members.On("ResolveMember", "p1", "c1").Return(ann, nil)
	f.idem.On("GetIdem", "m1", "k1").Return("55", true, nil)
	f.store.On("Get", "c1", "55").Return(prev, true, nil)
	m, created, err := f.svc.Send(context.Background(), "p1", "c1", SendInput{Content: "hi", ClientMsgID: "k1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "55", m.ID)
	f.assert(t)

	// idem key expired, unique key still answers
	f = newFixture()
	f.members.On("ResolveMember", "p1", "c1").Return(ann, nil)
	f.idem.On("GetIdem", "m1", "k1").Return("", false, errors.New("redis down"))
	f.store.On("FindByClientMsgID", "m1", "k1").Return(prev, true, nil)
	m, created, err = f.svc.Send(context.Background(), "p1", "c1", SendInput{Content: "hi", ClientMsgID: "k1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "55", m.ID)
	f.assert(t)
}

func TestSendDuplicateRace(t *testing.T) {
	prev := feed.Message{ID: "55", ScopeID: "c1", AuthorMemberID: "m1", ClientMsgID: "k1"}
	f := newFixture("100")
	f.members.On("ResolveMember", "p1", "c1").Return(ann, nil)
	f.idem.On("GetIdem", "m1", "k1").Return("", false, nil)
	f.store.On("FindByClientMsgID", "m1", "k1").Return(feed.Message{}, false, nil).Once()
	f.store.On("Create", mock.Anything, mock.Anything).Return(0, repo.ErrDuplicate)
	f.store.On("FindByClientMsgID", "m1", "k1").Return(prev, true, nil).Once()

	m, created, err := f.svc.Send(context.Background(), "p1", "c1", SendInput{Content: "hi", ClientMsgID: "k1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "55", m.ID)
	assert.Equal(t, "Ann", m.Member.Name)
	f.assert(t)
}

func TestSendRejects(t *testing.T) {
	f := newFixture()
	_, _, err := f.svc.Send(context.Background(), "p1", "c1", SendInput{Content: "  "})
	assert.ErrorIs(t, err, feed.ErrEmptyContent)
	_, _, err = f.svc.Send(context.Background(), "p1", "c1", SendInput{Content: " ", AttachmentURL: " "})
	assert.ErrorIs(t, err, feed.ErrEmptyContent)

	f.members.On("ResolveMember", "p9", "c1").Return(feed.Member{}, feed.ErrUnauthorized)
	_, _, err = f.svc.Send(context.Background(), "p9", "c1", SendInput{Content: "x"})
	assert.ErrorIs(t, err, feed.ErrUnauthorized)

	other := feed.Message{ID: "55", ScopeID: "c2", AuthorMemberID: "m1", ClientMsgID: "k1"}
	f.members.On("ResolveMember", "p1", "c1").Return(ann, nil)
	f.idem.On("GetIdem", "m1", "k1").Return("", false, nil)
	f.store.On("FindByClientMsgID", "m1", "k1").Return(other, true, nil)
	_, _, err = f.svc.Send(context.Background(), "p1", "c1", SendInput{Content: "x", ClientMsgID: "k1"})
	assert.ErrorIs(t, err, ErrClientIDConflict)
}

func TestEditOwnerOnly(t *testing.T) {
	orig := feed.Message{ID: "5", ScopeID: "c1", AuthorMemberID: "m1", Content: "old", CreatedAt: now.Add(-time.Hour)}

	f := newFixture()
	f.members.On("ResolveMember", "p1", "c1").Return(ann, nil)
	f.store.On("Get", "c1", "5").Return(orig, true, nil)
	f.store.On("Edit", mock.MatchedBy(func(m feed.Message) bool {
		return m.Content == "new" && m.EditedAt != nil && m.EditedAt.Equal(now)
	}), mock.MatchedBy(func(e feed.Event) bool { return e.Kind == feed.EventUpdated })).Return(8, true, nil)
	f.pub.On("Publish", feed.EventUpdated, "5").Return(nil)
	f.store.On("MarkSent", int64(8)).Return(nil)

	m, err := f.svc.Edit(context.Background(), "p1", "c1", "5", "new")
	require.NoError(t, err)
	assert.Equal(t, "new", m.Content)
	f.assert(t)

	admin := feed.Member{ID: "m2", Role: repo.RoleAdmin}
	f = newFixture()
	f.members.On("ResolveMember", "p2", "c1").Return(admin, nil)
	f.store.On("Get", "c1", "5").Return(orig, true, nil)
	_, err = f.svc.Edit(context.Background(), "p2", "c1", "5", "new")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestEditDeletedIsNotFound(t *testing.T) {
	gone := feed.Message{ID: "5", ScopeID: "c1", AuthorMemberID: "m1", Deleted: true, Content: feed.Tombstone}
	f := newFixture()
	f.members.On("ResolveMember", "p1", "c1").Return(ann, nil)
	f.store.On("Get", "c1", "5").Return(gone, true, nil)
	f.store.On("Get", "c1", "6").Return(feed.Message{}, false, nil)

	_, err := f.svc.Edit(context.Background(), "p1", "c1", "5", "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Delete(context.Background(), "p1", "c1", "5")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Delete(context.Background(), "p1", "c1", "6")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeletePermissions(t *testing.T) {
	orig := feed.Message{ID: "5", ScopeID: "c1", AuthorMemberID: "m1", Content: "x", AttachmentURL: "http://f"}
	cases := []struct {
		name   string
		member feed.Member
		ok     bool
	}{
		{"author", ann, true},
		{"admin", feed.Member{ID: "m2", Role: repo.RoleAdmin}, true},
		{"moderator", feed.Member{ID: "m3", Role: repo.RoleModerator}, true},
		{"guest", feed.Member{ID: "m4", Role: repo.RoleGuest}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.members.On("ResolveMember", "p", "c1").Return(tc.member, nil)
			f.store.On("Get", "c1", "5").Return(orig, true, nil)
			if tc.ok {
				f.store.On("Delete", mock.MatchedBy(func(m feed.Message) bool {
					return m.Deleted && m.Content == feed.Tombstone && m.AttachmentURL == ""
				}), mock.Anything).Return(9, true, nil)
				f.pub.On("Publish", feed.EventDeleted, "5").Return(nil)
				f.store.On("MarkSent", int64(9)).Return(nil)
			}
			m, err := f.svc.Delete(context.Background(), "p", "c1", "5")
			if !tc.ok {
				assert.ErrorIs(t, err, ErrForbidden)
				return
			}
			require.NoError(t, err)
			assert.True(t, m.Deleted)
			f.assert(t)
		})
	}
}
