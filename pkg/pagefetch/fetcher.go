package pagefetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lzyats/chatfeed/pkg/feed"
)

// Fetcher retrieves one page of history for a scope. A nil cursor asks for the newest page.
type Fetcher interface {
	FetchPage(ctx context.Context, scopeID string, cursor *string) (feed.Page, error)
}

// HTTPFetcher fetches pages from GET {BaseURL}/api/messages.
type HTTPFetcher struct {
	Client  *http.Client
	BaseURL string
	Token   string
	Path    string
}

type pageResp struct {
	Messages   []feed.Message `json:"messages"`
	NextCursor *string        `json:"nextCursor"`
	Error      string         `json:"error,omitempty"`
}

func NewHTTPFetcher(baseURL, token string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		Client:  &http.Client{Timeout: timeout},
		BaseURL: NormalizeAddr(baseURL),
		Token:   token,
		Path:    "/api/messages",
	}
}

// NormalizeAddr accepts "host:port" or a full URL and returns a URL without trailing slash.
func NormalizeAddr(addr string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

func (f *HTTPFetcher) FetchPage(ctx context.Context, scopeID string, cursor *string) (feed.Page, error) {
	if scopeID == "" {
		return feed.Page{}, feed.ErrInvalidScope
	}
	q := url.Values{}
	q.Set("scopeId", scopeID)
	if cursor != nil && *cursor != "" {
		q.Set("cursor", *cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+f.Path+"?"+q.Encode(), nil)
	if err != nil {
		return feed.Page{}, fmt.Errorf("%w: %v", feed.ErrInternal, err)
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return feed.Page{}, ClassifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if err := StatusError(resp); err != nil {
		return feed.Page{}, err
	}
	var body pageResp
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return feed.Page{}, fmt.Errorf("%w: decode page: %v", feed.ErrInternal, err)
	}
	if len(body.Messages) > feed.BatchSize {
		return feed.Page{}, fmt.Errorf("%w: page of %d exceeds batch", feed.ErrInternal, len(body.Messages))
	}
	if body.Messages == nil {
		body.Messages = []feed.Message{}
	}
	return feed.Page{Cursor: cursor, Messages: body.Messages, NextCursor: body.NextCursor}, nil
}

// StatusError maps a non-2xx response onto the feed error taxonomy.
func StatusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := readError(resp.Body)
	var base error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		base = feed.ErrUnauthenticated
	case http.StatusForbidden:
		base = feed.ErrUnauthorized
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		base = feed.ErrInvalidScope
	case http.StatusBadRequest:
		// rejected payload; the body code names the reason
		base = feed.FromCode(msg)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		base = feed.ErrTimeout
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		base = feed.ErrTransport
	default:
		base = feed.ErrInternal
	}
	if msg == "" {
		return fmt.Errorf("%w: status=%d", base, resp.StatusCode)
	}
	return fmt.Errorf("%w: status=%d: %s", base, resp.StatusCode, msg)
}

// ClassifyTransport maps a client error to ErrTimeout or ErrTransport.
func ClassifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", feed.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", feed.ErrTransport, err)
}

func readError(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(b))
}
