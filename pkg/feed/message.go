package feed

import (
	"strings"
	"time"
)

// Tombstone replaces the content of a soft-deleted message.
const Tombstone = "This message has been deleted."

// BatchSize is the fixed page size of a history fetch.
const BatchSize = 10

type Member struct {
	ID       string `json:"id"`
	Role     string `json:"role,omitempty"`
	Name     string `json:"name,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Message is one chat message of a scope (channel or direct conversation).
type Message struct {
	ID             string     `json:"id"`
	ScopeID        string     `json:"scopeId"`
	AuthorMemberID string     `json:"authorMemberId"`
	Content        string     `json:"content"`
	AttachmentURL  string     `json:"attachmentUrl,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	Deleted        bool       `json:"deleted"`
	// ClientMsgID correlates a confirmed message with the optimistic send that produced it.
	ClientMsgID string  `json:"clientMsgId,omitempty"`
	Member      *Member `json:"member,omitempty"`
}

// Before reports whether m sorts strictly before o by (CreatedAt, ID).
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return CompareIDs(m.ID, o.ID) < 0
}

// CompareIDs orders opaque ids. Decimal ids of different length order numerically
// (shorter first), which keeps client order aligned with BIGINT order on the server.
func CompareIDs(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// Tombstoned returns a copy of m in its soft-deleted form.
func (m Message) Tombstoned() Message {
	m.Deleted = true
	m.Content = Tombstone
	m.AttachmentURL = ""
	return m
}

// merge folds a second observation of the same message into m.
// Deletion is sticky and the later edit wins the mutable fields,
// so merging is order independent.
func (m Message) merge(o Message) Message {
	if editedAfter(o.EditedAt, m.EditedAt) {
		m.Content = o.Content
		m.AttachmentURL = o.AttachmentURL
		m.EditedAt = o.EditedAt
	}
	if m.Member == nil && o.Member != nil {
		m.Member = o.Member
	}
	if m.ClientMsgID == "" {
		m.ClientMsgID = o.ClientMsgID
	}
	if m.Deleted || o.Deleted {
		m = m.Tombstoned()
	}
	return m
}

func editedAfter(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}
