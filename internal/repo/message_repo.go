package repo

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/lzyats/chatfeed/pkg/feed"
)

// ErrDuplicate reports a second insert for the same (member, client_msg_id).
var ErrDuplicate = errors.New("repo: duplicate client message id")

const erDupEntry = 1062

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

const selectMessage = `
SELECT m.msg_id, m.scope_id, m.member_id, m.content, m.attachment_url, m.deleted, m.client_msg_id,
       m.created_at, m.edited_at, fm.role, fm.name, fm.image_url
FROM feed_message m
LEFT JOIN feed_member fm ON fm.member_id = m.member_id
`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (feed.Message, error) {
	var (
		m                    feed.Message
		id                   int64
		attachment, clientID sql.NullString
		edited               sql.NullTime
		role, name, image    sql.NullString
	)
	if err := s.Scan(&id, &m.ScopeID, &m.AuthorMemberID, &m.Content, &attachment, &m.Deleted, &clientID,
		&m.CreatedAt, &edited, &role, &name, &image); err != nil {
		return feed.Message{}, err
	}
	m.ID = strconv.FormatInt(id, 10)
	m.AttachmentURL = attachment.String
	m.ClientMsgID = clientID.String
	m.CreatedAt = m.CreatedAt.UTC()
	if edited.Valid {
		t := edited.Time.UTC()
		m.EditedAt = &t
	}
	if role.Valid {
		m.Member = &feed.Member{ID: m.AuthorMemberID, Role: role.String, Name: name.String, ImageURL: image.String}
	}
	return m, nil
}

// ListPage returns up to limit messages of scopeID strictly older than the cursor
// message, newest first. A nil cursor starts at the newest message; a cursor that
// does not name a message of the scope yields an empty page.
func (r *MessageRepo) ListPage(ctx context.Context, scopeID string, cursor *string, limit int) ([]feed.Message, error) {
	if limit <= 0 {
		limit = feed.BatchSize
	}
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil || *cursor == "" {
		rows, err = r.db.QueryContext(ctx, selectMessage+`
WHERE m.scope_id = ?
ORDER BY m.created_at DESC, m.msg_id DESC
LIMIT ?
`, scopeID, limit)
	} else {
		id, perr := strconv.ParseInt(*cursor, 10, 64)
		if perr != nil {
			return []feed.Message{}, nil
		}
		var at time.Time
		err = r.db.QueryRowContext(ctx, `SELECT created_at FROM feed_message WHERE msg_id = ? AND scope_id = ?`, id, scopeID).Scan(&at)
		if errors.Is(err, sql.ErrNoRows) {
			return []feed.Message{}, nil
		}
		if err != nil {
			return nil, err
		}
		rows, err = r.db.QueryContext(ctx, selectMessage+`
WHERE m.scope_id = ? AND (m.created_at < ? OR (m.created_at = ? AND m.msg_id < ?))
ORDER BY m.created_at DESC, m.msg_id DESC
LIMIT ?
`, scopeID, at, at, id, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]feed.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MessageRepo) Get(ctx context.Context, scopeID, msgID string) (feed.Message, bool, error) {
	id, err := strconv.ParseInt(msgID, 10, 64)
	if err != nil {
		return feed.Message{}, false, nil
	}
	m, err := scanMessage(r.db.QueryRowContext(ctx, selectMessage+`WHERE m.msg_id = ? AND m.scope_id = ?`, id, scopeID))
	if errors.Is(err, sql.ErrNoRows) {
		return feed.Message{}, false, nil
	}
	return m, err == nil, err
}

func (r *MessageRepo) FindByClientMsgID(ctx context.Context, memberID, clientMsgID string) (feed.Message, bool, error) {
	if clientMsgID == "" {
		return feed.Message{}, false, nil
	}
	m, err := scanMessage(r.db.QueryRowContext(ctx, selectMessage+`WHERE m.member_id = ? AND m.client_msg_id = ?`, memberID, clientMsgID))
	if errors.Is(err, sql.ErrNoRows) {
		return feed.Message{}, false, nil
	}
	return m, err == nil, err
}

func (r *MessageRepo) InsertTx(ctx context.Context, tx *sql.Tx, m feed.Message) error {
	id, err := strconv.ParseInt(m.ID, 10, 64)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO feed_message (msg_id, scope_id, member_id, content, attachment_url, deleted, client_msg_id, created_at)
VALUES (?, ?, ?, ?, ?, 0, ?, ?)
`, id, m.ScopeID, m.AuthorMemberID, m.Content, nullString(m.AttachmentURL), nullString(m.ClientMsgID), m.CreatedAt)
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == erDupEntry {
		return ErrDuplicate
	}
	return err
}

// UpdateContentTx edits a live message; false means it is gone or already deleted.
func (r *MessageRepo) UpdateContentTx(ctx context.Context, tx *sql.Tx, m feed.Message) (bool, error) {
	id, err := strconv.ParseInt(m.ID, 10, 64)
	if err != nil {
		return false, nil
	}
	res, err := tx.ExecContext(ctx, `
UPDATE feed_message SET content = ?, edited_at = ?
WHERE msg_id = ? AND scope_id = ? AND deleted = 0
`, m.Content, m.EditedAt, id, m.ScopeID)
	return affected(res, err)
}

// SoftDeleteTx replaces content with the tombstone and clears the attachment.
func (r *MessageRepo) SoftDeleteTx(ctx context.Context, tx *sql.Tx, m feed.Message) (bool, error) {
	id, err := strconv.ParseInt(m.ID, 10, 64)
	if err != nil {
		return false, nil
	}
	res, err := tx.ExecContext(ctx, `
UPDATE feed_message SET content = ?, attachment_url = NULL, deleted = 1, edited_at = ?
WHERE msg_id = ? AND scope_id = ? AND deleted = 0
`, feed.Tombstone, m.EditedAt, id, m.ScopeID)
	return affected(res, err)
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
