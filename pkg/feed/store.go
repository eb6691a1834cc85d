package feed

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store holds the ordered message list of one scope. All merges funnel through it.
// It performs no I/O; methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	scopeID string

	byID  map[string]Message
	order []string // ascending (CreatedAt, ID)

	pending []*Pending // submit order

	seeded       bool
	hasMoreOlder bool
	oldestCursor *string

	onChange func(View)
}

func NewStore(scopeID string) *Store {
	return &Store{
		scopeID: scopeID,
		byID:    make(map[string]Message),
	}
}

func (s *Store) ScopeID() string { return s.scopeID }

// OnChange registers fn to be called with a fresh snapshot after every mutation.
// fn runs outside the store lock.
func (s *Store) OnChange(fn func(View)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// ApplyPage merges a history page. Messages already present are merged, not duplicated.
func (s *Store) ApplyPage(p Page) {
	s.mu.Lock()
	changed := false
	for _, m := range p.Messages {
		if m.ScopeID != "" && m.ScopeID != s.scopeID {
			continue
		}
		if s.upsert(m) {
			changed = true
		}
	}
	if s.applyCursor(p) {
		changed = true
	}
	s.commit(changed)
}

// applyCursor updates hasMoreOlder/oldestCursor. Only the seeding newest page and
// the page requested with the current oldest cursor move them.
func (s *Store) applyCursor(p Page) bool {
	prevMore, prevCursor := s.hasMoreOlder, s.oldestCursor
	switch {
	case p.Cursor == nil && !s.seeded:
		s.seeded = true
		s.hasMoreOlder = p.Full()
		s.oldestCursor = p.NextCursor
	case p.Cursor != nil && s.oldestCursor != nil && *p.Cursor == *s.oldestCursor:
		s.hasMoreOlder = p.Full()
		if p.NextCursor != nil && s.olderThan(*p.NextCursor, *s.oldestCursor) {
			s.oldestCursor = p.NextCursor
		}
	}
	return prevMore != s.hasMoreOlder || !sameCursor(prevCursor, s.oldestCursor)
}

func (s *Store) olderThan(a, b string) bool {
	ma, okA := s.byID[a]
	mb, okB := s.byID[b]
	if !okA || !okB {
		return CompareIDs(a, b) < 0
	}
	return ma.Before(mb)
}

// ApplyEvent applies a live mutation. Redelivered events are no-ops;
// updates and deletes for messages not yet loaded are ignored.
func (s *Store) ApplyEvent(e Event) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.ScopeID != s.scopeID {
		return ErrScopeMismatch
	}
	m := e.Message
	if m.ScopeID == "" {
		m.ScopeID = e.ScopeID
	}

	s.mu.Lock()
	changed := false
	switch e.Kind {
	case EventCreated:
		changed = s.upsert(m)
	case EventUpdated:
		if _, ok := s.byID[m.ID]; ok {
			changed = s.upsert(m)
		}
	case EventDeleted:
		if _, ok := s.byID[m.ID]; ok {
			m.Deleted = true
			changed = s.upsert(m)
		}
	}
	s.commit(changed)
	return nil
}

// upsert inserts m or merges it into the stored copy, reconciling any pending
// entry that carries the same clientMsgId. Caller holds s.mu.
func (s *Store) upsert(m Message) bool {
	if m.ID == "" {
		return false
	}
	changed := s.removePending(m.ClientMsgID)
	if m.Deleted {
		m = m.Tombstoned()
	}
	cur, ok := s.byID[m.ID]
	if ok {
		merged := cur.merge(m)
		if equalMessage(cur, merged) {
			return changed
		}
		s.byID[m.ID] = merged
		return true
	}
	s.byID[m.ID] = m
	i := sort.Search(len(s.order), func(i int) bool {
		return m.Before(s.byID[s.order[i]])
	})
	s.order = append(s.order, "")
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = m.ID
	return true
}

// AddPending appends a sending entry at the newest end of the feed.
func (s *Store) AddPending(p Pending) error {
	if p.Key == "" {
		return fmt.Errorf("pending: empty key")
	}
	s.mu.Lock()
	if s.findPending(p.Key) >= 0 {
		s.mu.Unlock()
		return fmt.Errorf("pending %s: duplicate key", p.Key)
	}
	p.ScopeID = s.scopeID
	p.Status = StatusSending
	p.Err = nil
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = time.Now()
	}
	s.pending = append(s.pending, &p)
	s.commit(true)
	return nil
}

// MarkFailed moves a sending entry to failed, keeping it visible.
func (s *Store) MarkFailed(key string, cause error) error {
	return s.transition(key, StatusSending, StatusFailed, cause)
}

// MarkSending moves a failed entry back to sending for a retry.
func (s *Store) MarkSending(key string) error {
	return s.transition(key, StatusFailed, StatusSending, nil)
}

func (s *Store) transition(key string, from, to Status, cause error) error {
	s.mu.Lock()
	i := s.findPending(key)
	if i < 0 {
		s.mu.Unlock()
		return ErrUnknownKey
	}
	p := s.pending[i]
	if p.Status != from {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, key, p.Status)
	}
	p.Status = to
	p.Err = cause
	s.commit(true)
	return nil
}

// Discard removes a failed entry.
func (s *Store) Discard(key string) error {
	s.mu.Lock()
	i := s.findPending(key)
	if i < 0 {
		s.mu.Unlock()
		return ErrUnknownKey
	}
	if s.pending[i].Status != StatusFailed {
		st := s.pending[i].Status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, key, st)
	}
	s.removePending(key)
	s.commit(true)
	return nil
}

// HasPending reports whether key still occupies a pending slot.
func (s *Store) HasPending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findPending(key) >= 0
}

func (s *Store) findPending(key string) int {
	for i, p := range s.pending {
		if p.Key == key {
			return i
		}
	}
	return -1
}

func (s *Store) removePending(key string) bool {
	if key == "" {
		return false
	}
	i := s.findPending(key)
	if i < 0 {
		return false
	}
	s.pending = append(s.pending[:i], s.pending[i+1:]...)
	return true
}

// Snapshot returns the current view.
func (s *Store) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Store) HasMoreOlder() (bool, *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMoreOlder, copyCursor(s.oldestCursor)
}

func (s *Store) snapshot() View {
	v := View{
		ScopeID:      s.scopeID,
		Items:        make([]Item, 0, len(s.order)+len(s.pending)),
		HasMoreOlder: s.hasMoreOlder,
		OldestCursor: copyCursor(s.oldestCursor),
	}
	for _, id := range s.order {
		m := s.byID[id]
		v.Items = append(v.Items, Item{Key: id, Message: &m})
	}
	for _, p := range s.pending {
		cp := *p
		v.Items = append(v.Items, Item{Key: p.Key, Pending: &cp})
	}
	return v
}

// commit releases s.mu and notifies the change hook when something changed.
func (s *Store) commit(changed bool) {
	if !changed || s.onChange == nil {
		s.mu.Unlock()
		return
	}
	fn := s.onChange
	v := s.snapshot()
	s.mu.Unlock()
	fn(v)
}

func copyCursor(c *string) *string {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}

func sameCursor(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalMessage(a, b Message) bool {
	return a.ID == b.ID &&
		a.Content == b.Content &&
		a.AttachmentURL == b.AttachmentURL &&
		a.Deleted == b.Deleted &&
		a.ClientMsgID == b.ClientMsgID &&
		a.Member == b.Member &&
		sameTime(a.EditedAt, b.EditedAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
