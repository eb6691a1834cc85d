package feed

import "time"

type Status string

const (
	StatusSending   Status = "sending"
	StatusFailed    Status = "failed"
	StatusConfirmed Status = "confirmed"
)

// Pending is a locally visible optimistic message awaiting confirmation.
// Key is the temporary key and is sent to the server as clientMsgId.
type Pending struct {
	Key           string
	ScopeID       string
	AuthorID      string
	Content       string
	AttachmentURL string
	Status        Status
	Err           error
	SubmittedAt   time.Time
}

// Item is one row of a feed view: either a confirmed Message or a Pending entry.
type Item struct {
	Key     string
	Message *Message
	Pending *Pending
}

func (it Item) IsPending() bool { return it.Pending != nil }

// View is a read-only snapshot of a Store.
// Items are oldest first; pending entries follow the confirmed messages in submit order.
type View struct {
	ScopeID      string
	Items        []Item
	HasMoreOlder bool
	OldestCursor *string
}

// Messages returns the confirmed messages of the view, oldest first.
func (v View) Messages() []Message {
	out := make([]Message, 0, len(v.Items))
	for _, it := range v.Items {
		if it.Message != nil {
			out = append(out, *it.Message)
		}
	}
	return out
}

// PendingItems returns the pending entries of the view in submit order.
func (v View) PendingItems() []Pending {
	var out []Pending
	for _, it := range v.Items {
		if it.Pending != nil {
			out = append(out, *it.Pending)
		}
	}
	return out
}
