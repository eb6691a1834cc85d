package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lzyats/chatfeed/internal/hub"
	"github.com/lzyats/chatfeed/pkg/pagefetch"
)

// HTTPSender delivers batches to a push node. node is the route value,
// e.g. "10.0.0.12:7001" or "http://10.0.0.12:7001".
type HTTPSender struct {
	Client        *http.Client
	PushBatchPath string
}

func NewHTTPSender(timeout time.Duration, batchPath string) *HTTPSender {
	if batchPath == "" {
		batchPath = "/internal/push/batch"
	}
	return &HTTPSender{Client: &http.Client{Timeout: timeout}, PushBatchPath: batchPath}
}

func (s *HTTPSender) SendBatch(ctx context.Context, node string, items []hub.PushItem) error {
	if node == "" {
		return fmt.Errorf("empty push node")
	}
	if len(items) == 0 {
		return nil
	}
	body, err := json.Marshal(hub.PushBatch{Items: items})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pagefetch.NormalizeAddr(node)+s.PushBatchPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push batch status=%d", resp.StatusCode)
	}
	return nil
}
