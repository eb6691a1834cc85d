// Package messaging implements the send, edit and delete mutations.
// Each mutation commits the message row with an outbox row, then publishes the
// event directly; the outbox worker covers publishes that fail.
package messaging

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/chatfeed/internal/metrics"
	"github.com/lzyats/chatfeed/internal/outbox"
	"github.com/lzyats/chatfeed/internal/repo"
	"github.com/lzyats/chatfeed/pkg/feed"
)

var (
	ErrNotFound  = errors.New("message not found")
	ErrForbidden = errors.New("not allowed to modify this message")
	// ErrClientIDConflict reports a client message id already used by the member in another scope.
	ErrClientIDConflict = errors.New("client message id already used in another scope")
)

type Members interface {
	ResolveMember(ctx context.Context, profileID, scopeID string) (feed.Member, error)
}

type Store interface {
	FindByClientMsgID(ctx context.Context, memberID, clientMsgID string) (feed.Message, bool, error)
	Get(ctx context.Context, scopeID, msgID string) (feed.Message, bool, error)
	Create(ctx context.Context, m feed.Message, evt feed.Event) (int64, error)
	Edit(ctx context.Context, m feed.Message, evt feed.Event) (int64, bool, error)
	Delete(ctx context.Context, m feed.Message, evt feed.Event) (int64, bool, error)
	MarkSent(ctx context.Context, outboxID int64) error
}

type Idem interface {
	GetIdem(ctx context.Context, memberID, clientMsgID string) (string, bool, error)
	SetIdem(ctx context.Context, memberID, clientMsgID, msgID string, ttl time.Duration) error
}

type IDGen interface {
	NextString() (string, error)
}

type SendInput struct {
	Content       string `json:"content"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
	ClientMsgID   string `json:"clientMsgId,omitempty"`
}

type Options struct {
	IdemTTL        time.Duration
	PublishTimeout time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

type Service struct {
	members Members
	store   Store
	idem    Idem
	ids     IDGen
	pub     outbox.Publisher
	opt     Options
	log     *zap.Logger
}

func NewService(members Members, store Store, idem Idem, ids IDGen, pub outbox.Publisher, opt Options) *Service {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.PublishTimeout <= 0 {
		opt.PublishTimeout = 3 * time.Second
	}
	return &Service{members: members, store: store, idem: idem, ids: ids, pub: pub, opt: opt, log: opt.Logger}
}

func (s *Service) now() time.Time { return s.opt.Now().UTC().Truncate(time.Millisecond) }

// Send stores a new message. A repeated ClientMsgID from the same member returns
// the first accepted message with created=false. A message needs text or an attachment.
func (s *Service) Send(ctx context.Context, callerID, scopeID string, in SendInput) (m feed.Message, created bool, err error) {
	if strings.TrimSpace(in.Content) == "" && strings.TrimSpace(in.AttachmentURL) == "" {
		return feed.Message{}, false, feed.ErrEmptyContent
	}
	member, err := s.members.ResolveMember(ctx, callerID, scopeID)
	if err != nil {
		return feed.Message{}, false, err
	}

	if in.ClientMsgID != "" {
		if prev, ok, err := s.lookupPrevious(ctx, member.ID, scopeID, in.ClientMsgID); err != nil || ok {
			return prev, false, err
		}
	}

	id, err := s.ids.NextString()
	if err != nil {
		return feed.Message{}, false, err
	}
	m = feed.Message{
		ID:             id,
		ScopeID:        scopeID,
		AuthorMemberID: member.ID,
		Content:        in.Content,
		AttachmentURL:  in.AttachmentURL,
		CreatedAt:      s.now(),
		ClientMsgID:    in.ClientMsgID,
		Member:         &member,
	}
	evt := feed.Event{Kind: feed.EventCreated, ScopeID: scopeID, Message: m}
	outboxID, err := s.store.Create(ctx, m, evt)
	if errors.Is(err, repo.ErrDuplicate) {
		// lost a race with a concurrent retry of the same send
		prev, ok, ferr := s.store.FindByClientMsgID(ctx, member.ID, in.ClientMsgID)
		if ferr != nil {
			return feed.Message{}, false, ferr
		}
		if !ok || prev.ScopeID != scopeID {
			return feed.Message{}, false, ErrClientIDConflict
		}
		metrics.IdemHits.Inc()
		return withMember(prev, member), false, nil
	}
	if err != nil {
		return feed.Message{}, false, err
	}

	if in.ClientMsgID != "" {
		if err := s.idem.SetIdem(ctx, member.ID, in.ClientMsgID, id, s.opt.IdemTTL); err != nil {
			s.log.Warn("idem set failed", zap.String("msg", id), zap.Error(err))
		}
	}
	metrics.Mutations.WithLabelValues(string(feed.EventCreated)).Inc()
	s.publish(ctx, evt, outboxID)
	return m, true, nil
}

func (s *Service) lookupPrevious(ctx context.Context, memberID, scopeID, clientMsgID string) (feed.Message, bool, error) {
	if msgID, ok, err := s.idem.GetIdem(ctx, memberID, clientMsgID); err != nil {
		s.log.Warn("idem get failed", zap.Error(err))
	} else if ok {
		if prev, found, err := s.store.Get(ctx, scopeID, msgID); err == nil && found {
			metrics.IdemHits.Inc()
			return prev, true, nil
		}
	}
	prev, ok, err := s.store.FindByClientMsgID(ctx, memberID, clientMsgID)
	if err != nil || !ok {
		return feed.Message{}, false, err
	}
	if prev.ScopeID != scopeID {
		return feed.Message{}, false, ErrClientIDConflict
	}
	metrics.IdemHits.Inc()
	return prev, true, nil
}

// Edit replaces the content of a live message. Only its author may edit.
func (s *Service) Edit(ctx context.Context, callerID, scopeID, msgID, content string) (feed.Message, error) {
	if strings.TrimSpace(content) == "" {
		return feed.Message{}, feed.ErrEmptyContent
	}
	member, m, err := s.load(ctx, callerID, scopeID, msgID)
	if err != nil {
		return feed.Message{}, err
	}
	if m.AuthorMemberID != member.ID {
		return feed.Message{}, ErrForbidden
	}

	at := s.now()
	m.Content = content
	m.EditedAt = &at
	evt := feed.Event{Kind: feed.EventUpdated, ScopeID: scopeID, Message: m}
	outboxID, ok, err := s.store.Edit(ctx, m, evt)
	if err != nil {
		return feed.Message{}, err
	}
	if !ok {
		return feed.Message{}, ErrNotFound
	}
	metrics.Mutations.WithLabelValues(string(feed.EventUpdated)).Inc()
	s.publish(ctx, evt, outboxID)
	return m, nil
}

// Delete soft-deletes a message. The author, admins and moderators may delete.
func (s *Service) Delete(ctx context.Context, callerID, scopeID, msgID string) (feed.Message, error) {
	member, m, err := s.load(ctx, callerID, scopeID, msgID)
	if err != nil {
		return feed.Message{}, err
	}
	if !canDelete(member, m) {
		return feed.Message{}, ErrForbidden
	}

	at := s.now()
	m = m.Tombstoned()
	m.EditedAt = &at
	evt := feed.Event{Kind: feed.EventDeleted, ScopeID: scopeID, Message: m}
	outboxID, ok, err := s.store.Delete(ctx, m, evt)
	if err != nil {
		return feed.Message{}, err
	}
	if !ok {
		return feed.Message{}, ErrNotFound
	}
	metrics.Mutations.WithLabelValues(string(feed.EventDeleted)).Inc()
	s.publish(ctx, evt, outboxID)
	return m, nil
}

func canDelete(member feed.Member, m feed.Message) bool {
	return m.AuthorMemberID == member.ID || member.Role == repo.RoleAdmin || member.Role == repo.RoleModerator
}

func (s *Service) load(ctx context.Context, callerID, scopeID, msgID string) (feed.Member, feed.Message, error) {
	member, err := s.members.ResolveMember(ctx, callerID, scopeID)
	if err != nil {
		return feed.Member{}, feed.Message{}, err
	}
	m, ok, err := s.store.Get(ctx, scopeID, msgID)
	if err != nil {
		return feed.Member{}, feed.Message{}, err
	}
	if !ok || m.Deleted {
		return feed.Member{}, feed.Message{}, ErrNotFound
	}
	return member, m, nil
}

// publish sends evt right after commit. A failure leaves the outbox row pending.
func (s *Service) publish(ctx context.Context, evt feed.Event, outboxID int64) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opt.PublishTimeout)
	defer cancel()
	if err := s.pub.Publish(pctx, evt); err != nil {
		metrics.PublishFail.Inc()
		s.log.Warn("publish failed, left to outbox", zap.String("event", evt.Key()), zap.Int64("outbox", outboxID), zap.Error(err))
		return
	}
	if err := s.store.MarkSent(pctx, outboxID); err != nil {
		s.log.Warn("outbox mark sent failed", zap.Int64("outbox", outboxID), zap.Error(err))
	}
}

func withMember(m feed.Message, member feed.Member) feed.Message {
	if m.Member == nil && m.AuthorMemberID == member.ID {
		m.Member = &member
	}
	return m
}
