package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/chatfeed/internal/api"
	"github.com/lzyats/chatfeed/internal/auth"
	"github.com/lzyats/chatfeed/internal/config"
	"github.com/lzyats/chatfeed/internal/db"
	"github.com/lzyats/chatfeed/internal/history"
	"github.com/lzyats/chatfeed/internal/idgen"
	"github.com/lzyats/chatfeed/internal/membercache"
	"github.com/lzyats/chatfeed/internal/messaging"
	"github.com/lzyats/chatfeed/internal/metrics"
	"github.com/lzyats/chatfeed/internal/mq"
	"github.com/lzyats/chatfeed/internal/outbox"
	"github.com/lzyats/chatfeed/internal/redisstore"
	"github.com/lzyats/chatfeed/internal/repo"
)

// Version is injected via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	var cfgPaths string
	var outboxOnly bool
	var issueUID int64
	var revokeToken string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.BoolVar(&outboxOnly, "outbox-only", false, "run only the outbox worker (no http server)")
	flag.Int64Var(&issueUID, "issue-token", 0, "issue a session token for this user id, print it and exit")
	flag.StringVar(&revokeToken, "revoke-token", "", "revoke a session token and exit")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("feed-api starting", zap.String("version", Version), zap.String("addr", cfg.HTTP.Addr))

	metrics.RegisterAPI()

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

	store, err := redisstore.New(redisstore.Settings{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		Database: cfg.Redis.Database,
	})
	if err != nil {
		log.Fatal("redis init failed", zap.Error(err))
	}
	defer store.Close()

	sessions := &auth.SessionStore{RedisPrefix: cfg.Auth.Token.RedisPrefix, Client: store.Client()}
	if issueUID > 0 || revokeToken != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		if revokeToken != "" {
			if err := sessions.Delete(ctx, revokeToken); err != nil {
				log.Fatal("revoke token failed", zap.Error(err))
			}
			log.Info("token revoked")
			return
		}
		tok, err := sessions.Issue(ctx, issueUID, cfg.Auth.Token.Secret)
		if err != nil {
			log.Fatal("issue token failed", zap.Error(err))
		}
		fmt.Println(tok)
		return
	}

	prod, err := mq.NewProducer(mq.Settings{
		NameServer: cfg.RocketMQ.NameServer,
		Topic:      cfg.RocketMQ.Topic,
		Tag:        cfg.RocketMQ.Tag,
		Group:      cfg.RocketMQ.ProducerGroup,
	})
	if err != nil {
		log.Fatal("rocketmq producer init failed", zap.Error(err))
	}
	defer prod.Close()

	obw := outbox.NewWorker(outbox.NewRepo(mysql.DB), prod, log, outbox.Options{
		Tick:      cfg.Outbox.Tick,
		Batch:     cfg.Outbox.Batch,
		MaxRetry:  cfg.Outbox.MaxRetry,
		Retention: cfg.Outbox.Retention,
		OpTimeout: cfg.Timeout,
	})
	obw.Start()
	defer obw.Stop()

	if outboxOnly {
		log.Info("outbox-only mode enabled")
		waitSignal()
		log.Info("outbox-only shutting down")
		return
	}

	ids, err := idgen.New(cfg.IDGen.MachineID)
	if err != nil {
		log.Fatal("sonyflake init failed", zap.Error(err))
	}

	members := membercache.New(repo.NewMemberRepo(mysql.DB), 30*time.Second)
	feedStore := repo.NewFeedStore(mysql, cfg.RocketMQ.Topic, cfg.RocketMQ.Tag)

	hist := history.NewService(members, feedStore)
	svc := messaging.NewService(members, feedStore, store, ids, prod, messaging.Options{
		IdemTTL:        cfg.Idempotency.TTL,
		PublishTimeout: cfg.Timeout,
		Logger:         log,
	})

	resolver := auth.NewResolver(authConfig(cfg), sessions, log)

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.New(hist, svc, resolver, api.Options{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			RPS:            cfg.RateLimit.RPS,
			Burst:          cfg.RateLimit.Burst,
			Logger:         log,
			Health: func(ctx context.Context) error {
				if err := mysql.DB.PingContext(ctx); err != nil {
					return err
				}
				return store.Ping(ctx)
			},
		}).Handler(),
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		log.Info("feed-api listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	waitSignal()
	log.Info("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("feed-api stopped")
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		Enabled:      cfg.Auth.Enabled,
		Header:       cfg.Auth.Token.Header,
		BearerPrefix: cfg.Auth.Token.BearerPrefix,
		QueryKey:     cfg.Auth.Token.QueryKey,
		Secret:       cfg.Auth.Token.Secret,
		PublicPaths:  cfg.Auth.PublicPaths,
	}
}

func waitSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}
