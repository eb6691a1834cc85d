package outbox

import (
	"context"
	"database/sql"
	"time"
)

// Row status in feed_outbox.
const (
	StatusPending = 0
	StatusSent    = 1
	// StatusDead rows are never retried; they need an operator.
	StatusDead = 2
)

// Record is one event awaiting relay to the broker.
type Record struct {
	ID          int64
	EventKey    string
	ScopeID     string
	Topic       string
	Tag         string
	PayloadJSON string
	Status      int
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
}

// Repo is the MySQL side of the outbox: rows are written inside the mutation's
// transaction and read back by the Worker.
type Repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) *Repo { return &Repo{db: db} }

// EnqueueTx stores the event next to the message row. A new row becomes due only
// after a short grace period so the publish right after commit normally wins;
// re-enqueueing the same event key makes it due at once.
func (r *Repo) EnqueueTx(ctx context.Context, tx *sql.Tx, eventKey, scopeID, topic, tag, payloadJSON string) (int64, error) {
	if tag == "" {
		tag = "*"
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO feed_outbox (event_key, scope_id, topic, tag, payload_json, status, retry_count, next_retry_at, created_at)
VALUES (?, ?, ?, ?, ?, 0, 0, DATE_ADD(NOW(), INTERVAL 5 SECOND), NOW())
ON DUPLICATE KEY UPDATE
  id = LAST_INSERT_ID(id),
  payload_json = VALUES(payload_json),
  next_retry_at = IF(status = 0, NOW(), next_retry_at)
`, eventKey, scopeID, topic, tag, payloadJSON)
	if err != nil {
		return 0, err
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		return id, nil
	}

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM feed_outbox WHERE event_key = ?`, eventKey).Scan(&id)
	return id, err
}

// FetchDue returns pending rows whose retry time has come, oldest first.
func (r *Repo) FetchDue(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, event_key, scope_id, topic, tag, payload_json, status, retry_count, next_retry_at, last_error
FROM feed_outbox
WHERE status = ? AND next_retry_at <= NOW()
ORDER BY id
LIMIT ?
`, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		err := rows.Scan(&rec.ID, &rec.EventKey, &rec.ScopeID, &rec.Topic, &rec.Tag, &rec.PayloadJSON,
			&rec.Status, &rec.RetryCount, &rec.NextRetryAt, &rec.LastError)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repo) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feed_outbox SET status = ?, last_error = '', sent_at = NOW() WHERE id = ? AND status = ?`,
		StatusSent, id, StatusPending)
	return err
}

// MarkFailed records a failed relay and pushes the row back by backoff.
func (r *Repo) MarkFailed(ctx context.Context, id int64, retryCount int, lastErr string, backoff time.Duration) error {
	secs := int64(backoff / time.Second)
	if secs < 1 {
		secs = 1
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE feed_outbox
SET retry_count = ?, last_error = ?, next_retry_at = DATE_ADD(NOW(), INTERVAL ? SECOND)
WHERE id = ? AND status = ?
`, retryCount, clip(lastErr, 255), secs, id, StatusPending)
	return err
}

// MarkDead parks a row that can never be relayed (undecodable payload, retry budget spent).
func (r *Repo) MarkDead(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feed_outbox SET status = ?, last_error = ? WHERE id = ?`,
		StatusDead, clip(reason, 255), id)
	return err
}

// PurgeSent deletes up to limit relayed rows sent before the cutoff and reports how many went.
func (r *Repo) PurgeSent(ctx context.Context, before time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM feed_outbox WHERE status = ? AND sent_at < ? LIMIT ?`,
		StatusSent, before, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
