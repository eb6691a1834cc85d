package send

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/lzyats/chatfeed/pkg/feed"
	"github.com/lzyats/chatfeed/pkg/pagefetch"
)

// HTTPSender posts sends to POST {BaseURL}/api/messages?scopeId=...
type HTTPSender struct {
	Client  *http.Client
	BaseURL string
	Token   string
	Path    string
}

func NewHTTPSender(baseURL, token string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		Client:  &http.Client{Timeout: timeout},
		BaseURL: pagefetch.NormalizeAddr(baseURL),
		Token:   token,
		Path:    "/api/messages",
	}
}

func (s *HTTPSender) Send(ctx context.Context, scopeID string, req Request) (feed.Message, error) {
	if scopeID == "" {
		return feed.Message{}, feed.ErrInvalidScope
	}
	body, _ := json.Marshal(req)
	u := s.BaseURL + s.Path + "?" + url.Values{"scopeId": {scopeID}}.Encode()
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return feed.Message{}, fmt.Errorf("%w: %v", feed.ErrInternal, err)
	}
	hr.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		hr.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.Client.Do(hr)
	if err != nil {
		return feed.Message{}, pagefetch.ClassifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	if err := pagefetch.StatusError(resp); err != nil {
		return feed.Message{}, err
	}
	var m feed.Message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return feed.Message{}, fmt.Errorf("%w: decode message: %v", feed.ErrInternal, err)
	}
	return m, nil
}
