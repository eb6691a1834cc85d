package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lzyats/chatfeed/internal/breaker"
	"github.com/lzyats/chatfeed/internal/config"
	"github.com/lzyats/chatfeed/internal/fanout"
	"github.com/lzyats/chatfeed/internal/metrics"
	"github.com/lzyats/chatfeed/internal/mq"
	"github.com/lzyats/chatfeed/internal/redisstore"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}

	metrics.RegisterJob()
	go serveMetrics(cfg.Metrics.Addr, log)

	store, err := redisstore.New(redisstore.Settings{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		Database: cfg.Redis.Database,
	})
	if err != nil {
		log.Fatal("redis init failed", zap.Error(err))
	}
	defer store.Close()

	// Circuit breaker (optional)
	var brk *breaker.Breaker
	if cfg.Breaker.Enabled {
		brk = breaker.New(breaker.Options{
			Threshold:  cfg.Breaker.Threshold,
			Window:     cfg.Breaker.Window,
			OpenFor:    cfg.Breaker.OpenFor,
			MaxOpenFor: cfg.Breaker.MaxOpenFor,
		})
	}

	// Batcher: group by push node and flush periodically
	b := fanout.NewBatcher(store, store, fanout.NewHTTPSender(cfg.Comet.Timeout, cfg.Comet.PushBatchPath), brk, fanout.Options{
		MaxBatch:   cfg.Comet.MaxBatch,
		FlushEvery: cfg.Comet.FlushEvery,
		Timeout:    cfg.Comet.Timeout,
		OpTimeout:  cfg.Timeout,
		DedupeTTL:  cfg.Dedupe.TTL,
		Logger:     log,
	})
	b.Start()
	defer b.Stop()

	c, err := mq.NewConsumer(mq.Settings{
		NameServer: cfg.RocketMQ.NameServer,
		Topic:      cfg.RocketMQ.Topic,
		Tag:        cfg.RocketMQ.Tag,
		Group:      cfg.RocketMQ.ConsumerGroup,
	}, log, b.HandleEvent)
	if err != nil {
		log.Fatal("rocketmq consumer init failed", zap.Error(err))
	}
	if err := c.Start(); err != nil {
		log.Fatal("rocketmq consumer start failed", zap.Error(err))
	}
	log.Info("feed-job started",
		zap.String("topic", cfg.RocketMQ.Topic),
		zap.String("group", cfg.RocketMQ.ConsumerGroup),
		zap.String("metrics", cfg.Metrics.Addr),
	)

	// Graceful shutdown
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")
	_ = c.Shutdown()
	log.Info("feed-job stopped")
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server error", zap.Error(err))
	}
}
