package live

import "encoding/json"

const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpSubscribed  = "subscribed"
	OpError       = "error"
)

// Frame is a control frame. Client->server: subscribe/unsubscribe.
// Server->client: subscribed/error. Event frames carry Kind instead of Op.
type Frame struct {
	Op      string          `json:"op,omitempty"`
	ScopeID string          `json:"scopeId"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

func (f Frame) IsEvent() bool { return f.Op == "" && f.Kind != "" }
