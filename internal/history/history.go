// Package history serves cursor pages of a scope's message history.
package history

import (
	"context"

	"github.com/lzyats/chatfeed/pkg/feed"
)

type Members interface {
	ResolveMember(ctx context.Context, profileID, scopeID string) (feed.Member, error)
}

type Messages interface {
	ListPage(ctx context.Context, scopeID string, cursor *string, limit int) ([]feed.Message, error)
}

type Service struct {
	members  Members
	messages Messages
}

func NewService(members Members, messages Messages) *Service {
	return &Service{members: members, messages: messages}
}

// FetchPage checks that callerID belongs to scopeID and returns up to
// feed.BatchSize messages older than cursor, newest first.
func (s *Service) FetchPage(ctx context.Context, callerID, scopeID string, cursor *string) (feed.Page, error) {
	if callerID == "" {
		return feed.Page{}, feed.ErrUnauthenticated
	}
	if scopeID == "" {
		return feed.Page{}, feed.ErrInvalidScope
	}
	if _, err := s.members.ResolveMember(ctx, callerID, scopeID); err != nil {
		return feed.Page{}, err
	}
	msgs, err := s.messages.ListPage(ctx, scopeID, cursor, feed.BatchSize)
	if err != nil {
		return feed.Page{}, err
	}
	return feed.NewPage(cursor, msgs), nil
}
