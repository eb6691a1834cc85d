package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/chatfeed/internal/metrics"
	"github.com/lzyats/chatfeed/pkg/feed"
)

// Publisher delivers one mutation event to the event bus.
type Publisher interface {
	Publish(ctx context.Context, evt feed.Event) error
}

type Store interface {
	FetchDue(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, retryCount int, lastErr string, backoff time.Duration) error
	MarkDead(ctx context.Context, id int64, reason string) error
	PurgeSent(ctx context.Context, before time.Time, limit int) (int64, error)
}

type Options struct {
	Tick  time.Duration
	Batch int
	// MaxRetry is the number of failed relays after which a row is parked. Default 50.
	MaxRetry int
	// Retention keeps sent rows this long before PurgeSent removes them. Default 24h.
	Retention time.Duration
	// PurgeEvery is the interval between purge rounds. Default 1m.
	PurgeEvery time.Duration
	OpTimeout  time.Duration
}

// Worker republishes events whose publish after commit failed or never happened.
type Worker struct {
	repo Store
	pub  Publisher
	log  *zap.Logger
	opt  Options
	now  func() time.Time

	stop chan struct{}
	done chan struct{}
}

func NewWorker(repo Store, pub Publisher, log *zap.Logger, opt Options) *Worker {
	if opt.Tick <= 0 {
		opt.Tick = time.Second
	}
	if opt.Batch <= 0 {
		opt.Batch = 200
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 50
	}
	if opt.Retention <= 0 {
		opt.Retention = 24 * time.Hour
	}
	if opt.PurgeEvery <= 0 {
		opt.PurgeEvery = time.Minute
	}
	if opt.OpTimeout <= 0 {
		opt.OpTimeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		repo: repo,
		pub:  pub,
		log:  log,
		opt:  opt,
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		relay := time.NewTicker(w.opt.Tick)
		defer relay.Stop()
		purge := time.NewTicker(w.opt.PurgeEvery)
		defer purge.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-relay.C:
				w.RunOnce()
			case <-purge.C:
				w.Purge()
			}
		}
	}()
}

// Stop halts the loop and waits for the current round.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// RunOnce publishes one batch of due records.
func (w *Worker) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), w.opt.OpTimeout)
	recs, err := w.repo.FetchDue(ctx, w.opt.Batch)
	cancel()
	if err != nil {
		w.log.Warn("outbox fetch failed", zap.Error(err))
		return
	}
	for _, r := range recs {
		w.relay(r)
	}
}

func (w *Worker) relay(r Record) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opt.OpTimeout)
	defer cancel()

	evt, err := feed.ParseEvent([]byte(r.PayloadJSON))
	if err != nil {
		w.park(ctx, r, "decode: "+err.Error())
		return
	}

	if err := w.pub.Publish(ctx, evt); err != nil {
		rc := r.RetryCount + 1
		if rc >= w.opt.MaxRetry {
			w.park(ctx, r, fmt.Sprintf("retry budget spent: %v", err))
			return
		}
		backoff := calcBackoff(rc)
		metrics.OutboxRetry.Inc()
		if mErr := w.repo.MarkFailed(ctx, r.ID, rc, err.Error(), backoff); mErr != nil {
			w.log.Warn("outbox mark failed", zap.Int64("id", r.ID), zap.Error(mErr))
		}
		if rc == 1 || rc%10 == 0 {
			w.log.Warn("outbox publish retry", zap.Int64("id", r.ID), zap.String("event", r.EventKey),
				zap.Int("retry", rc), zap.Duration("backoff", backoff), zap.Error(err))
		}
		return
	}

	metrics.OutboxRelayed.Inc()
	if err := w.repo.MarkSent(ctx, r.ID); err != nil {
		// the row is relayed again later; feed-job drops the duplicate
		w.log.Warn("outbox mark sent", zap.Int64("id", r.ID), zap.Error(err))
	}
}

func (w *Worker) park(ctx context.Context, r Record, reason string) {
	metrics.OutboxDead.Inc()
	w.log.Error("outbox row parked", zap.Int64("id", r.ID), zap.String("event", r.EventKey), zap.String("reason", reason))
	if err := w.repo.MarkDead(ctx, r.ID, reason); err != nil {
		w.log.Warn("outbox mark dead", zap.Int64("id", r.ID), zap.Error(err))
	}
}

// Purge deletes sent rows older than the retention, a batch at a time.
func (w *Worker) Purge() {
	cutoff := w.now().Add(-w.opt.Retention)
	var total int64
	for {
		ctx, cancel := context.WithTimeout(context.Background(), w.opt.OpTimeout)
		n, err := w.repo.PurgeSent(ctx, cutoff, w.opt.Batch)
		cancel()
		if err != nil {
			w.log.Warn("outbox purge failed", zap.Error(err))
			return
		}
		total += n
		if n < int64(w.opt.Batch) {
			break
		}
	}
	if total > 0 {
		w.log.Info("outbox purged", zap.Int64("rows", total))
	}
}

// calcBackoff doubles from 2s and caps at 60s.
func calcBackoff(retry int) time.Duration {
	if retry <= 0 {
		return time.Second
	}
	d := time.Duration(1<<min(retry, 8)) * time.Second
	return min(d, 60*time.Second)
}
