package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lzyats/chatfeed/internal/auth"
	"github.com/lzyats/chatfeed/internal/config"
	"github.com/lzyats/chatfeed/internal/db"
	"github.com/lzyats/chatfeed/internal/hub"
	"github.com/lzyats/chatfeed/internal/membercache"
	"github.com/lzyats/chatfeed/internal/metrics"
	"github.com/lzyats/chatfeed/internal/redisstore"
	"github.com/lzyats/chatfeed/internal/repo"
)

// Version is injected via -ldflags "-X main.Version=..."
var Version = "dev"

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
	log.Info("feed-push starting", zap.String("version", Version), zap.String("addr", cfg.HTTP.Addr), zap.String("node", cfg.Push.NodeAddr))

	metrics.RegisterPush()

	store, err := redisstore.New(redisstore.Settings{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		Database: cfg.Redis.Database,
	})
	if err != nil {
		log.Fatal("redis init failed", zap.Error(err))
	}
	defer store.Close()

	// membership checks on subscribe read the same tables as feed-api
	mysql, err := db.Open(db.Options{
		DSN:          cfg.MySQL.DSN,
		MaxOpenConns: cfg.MySQL.MaxOpenConns,
		MaxIdleConns: cfg.MySQL.MaxIdleConns,
		ConnMaxLife:  cfg.MySQL.ConnMaxLife,
		ConnMaxIdle:  cfg.MySQL.ConnMaxIdle,
	})
	if err != nil {
		log.Fatal("mysql init failed", zap.Error(err))
	}
	defer mysql.Close()

	resolver := auth.NewResolver(auth.Config{
		Enabled:      cfg.Auth.Enabled,
		Header:       cfg.Auth.Token.Header,
		BearerPrefix: cfg.Auth.Token.BearerPrefix,
		QueryKey:     cfg.Auth.Token.QueryKey,
		Secret:       cfg.Auth.Token.Secret,
	}, &auth.SessionStore{RedisPrefix: cfg.Auth.Token.RedisPrefix, Client: store.Client()}, log)

	h := hub.New(membercache.New(repo.NewMemberRepo(mysql.DB), 30*time.Second), store, resolver, hub.Options{
		Node:         cfg.Push.NodeAddr,
		RouteTTL:     cfg.Push.RouteTTL,
		WriteTimeout: cfg.Push.WriteTimeout,
		QueueSize:    cfg.Push.QueueSize,
		PingEvery:    cfg.Push.PingEvery,
		OpTimeout:    cfg.Timeout,
		Logger:       log,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go h.RefreshRoutes(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	// WS: /ws?token=... then {"op":"subscribe","scopeId":"..."} frames
	mux.HandleFunc("/ws", h.ServeWS)
	// Internal batch push from feed-job: POST {items:[{scopeId,event},...]}
	mux.HandleFunc(cfg.Comet.PushBatchPath, h.BatchHandler)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		log.Info("feed-push listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")
	stop()

	// drop this node from every route it announced so feed-job stops pushing here
	for _, scopeID := range h.Scopes() {
		rctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		if err := store.RemoveScopeRoute(rctx, scopeID, cfg.Push.NodeAddr); err != nil {
			log.Warn("route cleanup failed", zap.String("scope", scopeID), zap.Error(err))
		}
		cancel()
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	log.Info("feed-push stopped")
}
