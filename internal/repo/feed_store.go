package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lzyats/chatfeed/internal/db"
	"github.com/lzyats/chatfeed/internal/outbox"
	"github.com/lzyats/chatfeed/pkg/feed"
)

// FeedStore writes a message mutation and its outbox row in one transaction.
type FeedStore struct {
	*MessageRepo

	db     *db.MySQL
	outbox *outbox.Repo
	topic  string
	tag    string
}

func NewFeedStore(m *db.MySQL, topic, tag string) *FeedStore {
	return &FeedStore{
		MessageRepo: NewMessageRepo(m.DB),
		db:          m,
		outbox:      outbox.NewRepo(m.DB),
		topic:       topic,
		tag:         tag,
	}
}

func (s *FeedStore) enqueue(ctx context.Context, tx *sql.Tx, evt feed.Event) (int64, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return 0, err
	}
	return s.outbox.EnqueueTx(ctx, tx, evt.Key(), evt.ScopeID, s.topic, s.tag, string(b))
}

// Create inserts m; ErrDuplicate when the author already sent the same client id.
func (s *FeedStore) Create(ctx context.Context, m feed.Message, evt feed.Event) (outboxID int64, err error) {
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := s.InsertTx(ctx, tx, m); err != nil {
			return err
		}
		outboxID, err = s.enqueue(ctx, tx, evt)
		return err
	})
	return outboxID, err
}

// Edit stores new content; ok is false when the message vanished or was deleted meanwhile.
func (s *FeedStore) Edit(ctx context.Context, m feed.Message, evt feed.Event) (outboxID int64, ok bool, err error) {
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		if ok, err = s.UpdateContentTx(ctx, tx, m); err != nil || !ok {
			return err
		}
		outboxID, err = s.enqueue(ctx, tx, evt)
		return err
	})
	return outboxID, ok, err
}

func (s *FeedStore) Delete(ctx context.Context, m feed.Message, evt feed.Event) (outboxID int64, ok bool, err error) {
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		if ok, err = s.SoftDeleteTx(ctx, tx, m); err != nil || !ok {
			return err
		}
		outboxID, err = s.enqueue(ctx, tx, evt)
		return err
	})
	return outboxID, ok, err
}

func (s *FeedStore) MarkSent(ctx context.Context, outboxID int64) error {
	return s.outbox.MarkSent(ctx, outboxID)
}
