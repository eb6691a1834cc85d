package repo

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/chatfeed/internal/db"
	"github.com/lzyats/chatfeed/pkg/feed"
)

var msgCols = []string{"msg_id", "scope_id", "member_id", "content", "attachment_url", "deleted", "client_msg_id",
	"created_at", "edited_at", "role", "name", "image_url"}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestResolveMember(t *testing.T) {
	sqldb, mk, err := sqlmock.New()
	require.NoError(t, err)
	defer sqldb.Close()
	r := NewMemberRepo(sqldb)
	ctx := context.Background()

	mk.ExpectQuery(q("SELECT kind, server_id FROM feed_scope")).WithArgs("nope").WillReturnRows(sqlmock.NewRows([]string{"kind", "server_id"}))
	_, err = r.ResolveMember(ctx, "p1", "nope")
	assert.ErrorIs(t, err, feed.ErrInvalidScope)

	mk.ExpectQuery(q("SELECT kind, server_id FROM feed_scope")).WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "server_id"}).AddRow("channel", "s1"))
	mk.ExpectQuery(q("FROM feed_member")).WithArgs("s1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"member_id", "role", "name", "image_url"}).AddRow("m1", "ADMIN", "Ann", ""))
	m, err := r.ResolveMember(ctx, "p1", "c1")
	require.NoError(t, err)
	assert.Equal(t, feed.Member{ID: "m1", Role: "ADMIN", Name: "Ann"}, m)

	mk.ExpectQuery(q("SELECT kind, server_id FROM feed_scope")).WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "server_id"}).AddRow("conversation", nil))
	mk.ExpectQuery(q("FROM feed_conversation_member c")).WithArgs("d1", "p2").
		WillReturnRows(sqlmock.NewRows([]string{"member_id", "role", "name", "image_url"}))
	_, err = r.ResolveMember(ctx, "p2", "d1")
	assert.ErrorIs(t, err, feed.ErrUnauthorized)

	assert.NoError(t, mk.ExpectationsWereMet())
}

func TestListPage(t *testing.T) {
	sqldb, mk, err := sqlmock.New()
	require.NoError(t, err)
	defer sqldb.Close()
	r := NewMessageRepo(sqldb)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	edited := at.Add(time.Minute)

	mk.ExpectQuery(q("WHERE m.scope_id = ?\nORDER BY")).WithArgs("c1", 10).
		WillReturnRows(sqlmock.NewRows(msgCols).
			AddRow(int64(12), "c1", "m1", "b", nil, false, "k2", at.Add(time.Second), edited, "GUEST", "Bo", "").
			AddRow(int64(11), "c1", "m2", "a", "http://f", false, nil, at, nil, nil, nil, nil))
	got, err := r.ListPage(ctx, "c1", nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "12", got[0].ID)
	assert.Equal(t, "k2", got[0].ClientMsgID)
	require.NotNil(t, got[0].EditedAt)
	assert.True(t, edited.Equal(*got[0].EditedAt))
	assert.Equal(t, &feed.Member{ID: "m1", Role: "GUEST", Name: "Bo"}, got[0].Member)
	assert.Equal(t, "http://f", got[1].AttachmentURL)
	assert.Nil(t, got[1].Member)

	cur := "11"
	mk.ExpectQuery(q("SELECT created_at FROM feed_message")).WithArgs(int64(11), "c1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(at))
	mk.ExpectQuery(q("(m.created_at < ? OR (m.created_at = ? AND m.msg_id < ?))")).WithArgs("c1", at, at, int64(11), 10).
		WillReturnRows(sqlmock.NewRows(msgCols))
	got, err = r.ListPage(ctx, "c1", &cur, 10)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	missing := "99"
	mk.ExpectQuery(q("SELECT created_at FROM feed_message")).WithArgs(int64(99), "c1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))
	got, err = r.ListPage(ctx, "c1", &missing, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	junk := "not-an-id"
	got, err = r.ListPage(ctx, "c1", &junk, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.NoError(t, mk.ExpectationsWereMet())
}

func TestFeedStoreCreate(t *testing.T) {
	sqldb, mk, err := sqlmock.New()
	require.NoError(t, err)
	defer sqldb.Close()
	s := NewFeedStore(&db.MySQL{DB: sqldb}, "feed_event", "")
	ctx := context.Background()

	m := feed.Message{ID: "5", ScopeID: "c1", AuthorMemberID: "m1", Content: "hi", ClientMsgID: "k1", CreatedAt: time.Unix(5, 0).UTC()}
	evt := feed.Event{Kind: feed.EventCreated, ScopeID: "c1", Message: m}

	mk.ExpectBegin()
	mk.ExpectExec(q("INSERT INTO feed_message")).WillReturnResult(sqlmock.NewResult(0, 1))
	mk.ExpectExec(q("INSERT INTO feed_outbox")).WithArgs(evt.Key(), "c1", "feed_event", "*", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(77, 1))
	mk.ExpectCommit()
	id, err := s.Create(ctx, m, evt)
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)

	mk.ExpectBegin()
	mk.ExpectExec(q("INSERT INTO feed_message")).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mk.ExpectRollback()
	_, err = s.Create(ctx, m, evt)
	assert.ErrorIs(t, err, ErrDuplicate)

	assert.NoError(t, mk.ExpectationsWereMet())
}

func TestFeedStoreDeleteGone(t *testing.T) {
	sqldb, mk, err := sqlmock.New()
	require.NoError(t, err)
	defer sqldb.Close()
	s := NewFeedStore(&db.MySQL{DB: sqldb}, "feed_event", "")

	now := time.Unix(9, 0).UTC()
	m := feed.Message{ID: "5", ScopeID: "c1", EditedAt: &now}
	mk.ExpectBegin()
	mk.ExpectExec(q("UPDATE feed_message SET content = ?, attachment_url = NULL, deleted = 1")).
		WithArgs(feed.Tombstone, sqlmock.AnyArg(), int64(5), "c1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mk.ExpectCommit()
	_, ok, err := s.Delete(context.Background(), m, feed.Event{Kind: feed.EventDeleted, ScopeID: "c1", Message: m})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mk.ExpectationsWereMet())
}
