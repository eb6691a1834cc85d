package feed

// Page is one history fetch result. Messages are newest-first.
type Page struct {
	// Cursor is the cursor the page was requested with; nil for the newest page.
	Cursor     *string   `json:"-"`
	Messages   []Message `json:"messages"`
	NextCursor *string   `json:"nextCursor"`
}

// Full reports whether the page carried a whole batch, i.e. older messages may remain.
func (p Page) Full() bool { return len(p.Messages) >= BatchSize }

// NewPage builds the page for messages fetched newest-first with the given request cursor.
// NextCursor is the id of the oldest message when the batch is full, nil otherwise.
func NewPage(cursor *string, messages []Message) Page {
	p := Page{Cursor: cursor, Messages: messages}
	if messages == nil {
		p.Messages = []Message{}
	}
	if len(messages) == BatchSize {
		id := messages[len(messages)-1].ID
		p.NextCursor = &id
	}
	return p
}

// CursorOf returns a cursor pointer for id; empty id means the newest page.
func CursorOf(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
