package hub

import (
	"encoding/json"
	"net/http"

	"github.com/lzyats/chatfeed/internal/metrics"
)

// PushItem is one event for one scope, as sent by feed-job.
type PushItem struct {
	ScopeID string          `json:"scopeId"`
	Event   json.RawMessage `json:"event"`
}

type PushBatch struct {
	Items []PushItem `json:"items"`
}

// BatchHandler serves POST /internal/push/batch. Scopes without local
// subscribers are skipped; the route simply went stale.
func (h *Hub) BatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var q PushBatch
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	metrics.BatchPushReq.Inc()
	metrics.BatchPushItems.Add(float64(len(q.Items)))

	for _, it := range q.Items {
		if it.ScopeID == "" || len(it.Event) == 0 {
			continue
		}
		h.Broadcast(it.ScopeID, []byte(it.Event))
	}
	w.WriteHeader(http.StatusNoContent)
}
