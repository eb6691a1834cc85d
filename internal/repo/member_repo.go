package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lzyats/chatfeed/pkg/feed"
)

const (
	ScopeChannel      = "channel"
	ScopeConversation = "conversation"

	RoleAdmin     = "ADMIN"
	RoleModerator = "MODERATOR"
	RoleGuest     = "GUEST"
)

type MemberRepo struct {
	db *sql.DB
}

func NewMemberRepo(db *sql.DB) *MemberRepo { return &MemberRepo{db: db} }

// ResolveMember returns the member identity profileID has inside scopeID.
// An unknown scope yields feed.ErrInvalidScope, a non-member feed.ErrUnauthorized.
func (r *MemberRepo) ResolveMember(ctx context.Context, profileID, scopeID string) (feed.Member, error) {
	var kind string
	var serverID sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT kind, server_id FROM feed_scope WHERE scope_id = ?`, scopeID).Scan(&kind, &serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.Member{}, feed.ErrInvalidScope
	}
	if err != nil {
		return feed.Member{}, err
	}

	var row *sql.Row
	switch kind {
	case ScopeChannel:
		row = r.db.QueryRowContext(ctx, `
SELECT member_id, role, name, image_url
FROM feed_member
WHERE server_id = ? AND profile_id = ?
`, serverID.String, profileID)
	case ScopeConversation:
		row = r.db.QueryRowContext(ctx, `
SELECT fm.member_id, fm.role, fm.name, fm.image_url
FROM feed_conversation_member c
JOIN feed_member fm ON fm.member_id = c.member_id
WHERE c.scope_id = ? AND c.profile_id = ?
`, scopeID, profileID)
	default:
		return feed.Member{}, feed.ErrInvalidScope
	}

	var m feed.Member
	err = row.Scan(&m.ID, &m.Role, &m.Name, &m.ImageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.Member{}, feed.ErrUnauthorized
	}
	return m, err
}
