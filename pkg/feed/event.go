package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventCreated, EventUpdated, EventDeleted:
		return true
	}
	return false
}

// Event is a mutation observed by the server for one scope.
// Wire shape: {"kind":"created|updated|deleted","scopeId":...,"message":{...}}.
type Event struct {
	Kind    EventKind `json:"kind"`
	ScopeID string    `json:"scopeId"`
	Message Message   `json:"message"`
}

// Key identifies one logical mutation; redeliveries of the same mutation share it.
func (e Event) Key() string {
	version := int64(0)
	if e.Message.EditedAt != nil {
		version = e.Message.EditedAt.UnixMilli()
	}
	return string(e.Kind) + ":" + e.Message.ID + ":" + strconv.FormatInt(version, 10)
}

func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.ScopeID == "" {
		return fmt.Errorf("event %s: %w", e.Kind, ErrInvalidScope)
	}
	if e.Message.ID == "" {
		return fmt.Errorf("event %s: missing message id", e.Kind)
	}
	if e.Message.ScopeID != "" && e.Message.ScopeID != e.ScopeID {
		return fmt.Errorf("event %s: %w", e.Kind, ErrScopeMismatch)
	}
	return nil
}

// ParseEvent decodes and validates a push payload before it may reach a Store.
func ParseEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	if e.Message.ScopeID == "" {
		e.Message.ScopeID = e.ScopeID
	}
	return e, nil
}
