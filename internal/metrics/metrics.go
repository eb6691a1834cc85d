package metrics

import "github.com/prometheus/client_golang/prometheus"

// feed-api
var (
	PagesServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_api_pages_served_total",
		Help: "Total history pages served.",
	})
	Mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_api_mutations_total",
		Help: "Total accepted mutations by kind (created/updated/deleted).",
	}, []string{"kind"})
	IdemHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_api_idem_hits_total",
		Help: "Total sends answered from an earlier send with the same client id.",
	})
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_api_rate_limited_total",
		Help: "Total requests rejected by the per-caller limiter.",
	})
	PublishFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_api_publish_fail_total",
		Help: "Total direct publishes that failed and were left to the outbox.",
	})
	OutboxRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_api_outbox_relayed_total",
		Help: "Total events published by the outbox worker.",
	})
	OutboxRetry = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_api_outbox_retry_total",
		Help: "Total outbox publish failures scheduled for retry.",
	})
	OutboxDead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_api_outbox_dead_total",
		Help: "Total outbox rows parked after an undecodable payload or an exhausted retry budget.",
	})
)

// feed-push
var (
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feed_push_online_conns",
		Help: "Current websocket connections.",
	})
	Subscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feed_push_subscriptions",
		Help: "Current scope subscriptions across connections.",
	})
	WSPushOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_push_ws_push_ok_total",
		Help: "Total event frames queued to subscribers.",
	})
	WSPushBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_push_ws_backpressure_total",
		Help: "Total times an outbound queue was full and the connection was dropped.",
	})
	BatchPushReq = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_push_batch_req_total",
		Help: "Total batch push requests received.",
	})
	BatchPushItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_push_batch_items_total",
		Help: "Total items received in batch push requests.",
	})
)

// feed-job
var (
	Consumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_job_mq_consumed_total",
		Help: "Total MQ messages consumed.",
	})
	EventDecodeFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_job_event_decode_fail_total",
		Help: "Total event decode failures.",
	})
	Duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_job_duplicates_total",
		Help: "Total duplicate events dropped by event key dedupe.",
	})
	NoRoute = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_job_no_route_total",
		Help: "Total events for scopes without any subscribed push node.",
	})
	BatchSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_job_push_batch_sent_total",
		Help: "Total batch requests sent to push nodes.",
	})
	DeliverOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_job_deliver_ok_total",
		Help: "Total items delivered to push nodes.",
	})
	DeliverFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_job_deliver_fail_total",
		Help: "Total items whose batch failed after retry.",
	})
	BreakerOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_job_breaker_open_total",
		Help: "Total times a circuit breaker opened for a push node.",
	})
	BreakerDrop = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "feed_job_breaker_drop_total",
		Help: "Total items skipped because the node breaker was open.",
	})
)

func RegisterAPI() {
	prometheus.MustRegister(
		PagesServed, Mutations, IdemHits, RateLimited,
		PublishFail, OutboxRelayed, OutboxRetry, OutboxDead,
	)
}

func RegisterPush() {
	prometheus.MustRegister(
		OnlineConns, Subscriptions,
		WSPushOK, WSPushBackpressure,
		BatchPushReq, BatchPushItems,
	)
}

func RegisterJob() {
	prometheus.MustRegister(
		Consumed, EventDecodeFail, Duplicates, NoRoute,
		BatchSent, DeliverOK, DeliverFail,
		BreakerOpen, BreakerDrop,
	)
}
