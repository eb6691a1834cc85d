package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInvalidArgument = errors.New("redisstore: invalid argument")

type Settings struct {
	Addr     string
	Password string
	Database int
	Timeout  time.Duration
}

/*
Keys:
  - feed:route:scope:{scope_id}           ZSET member=push node, score=expiry (unix ms)
  - feed:idem:{member_id}:{client_msg_id}  message id of an accepted send
  - feed:dedupe:{event_key}               consumer-side dedupe marker
*/
type Store struct {
	cli *redis.Client
}

func New(cfg Settings) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: missing addr")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	cli := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return &Store{cli: cli}, nil
}

func (s *Store) Client() *redis.Client { return s.cli }

func (s *Store) Close() error { return s.cli.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.cli.Ping(ctx).Err() }

func routeKey(scopeID string) string { return "feed:route:scope:" + scopeID }

func idemKey(memberID, clientMsgID string) string {
	return fmt.Sprintf("feed:idem:%s:%s", memberID, clientMsgID)
}

// AddScopeRoute records that node holds subscribers of scopeID for ttl.
// Nodes refresh their routes periodically; stale entries expire by score.
func (s *Store) AddScopeRoute(ctx context.Context, scopeID, node string, ttl time.Duration) error {
	if scopeID == "" || node == "" {
		return ErrInvalidArgument
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	key := routeKey(scopeID)
	exp := time.Now().Add(ttl).UnixMilli()
	pipe := s.cli.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(exp), Member: node})
	pipe.Expire(ctx, key, 2*ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) RemoveScopeRoute(ctx context.Context, scopeID, node string) error {
	return s.cli.ZRem(ctx, routeKey(scopeID), node).Err()
}

// ScopeNodes returns the push nodes with a live route for scopeID.
func (s *Store) ScopeNodes(ctx context.Context, scopeID string) ([]string, error) {
	key := routeKey(scopeID)
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := s.cli.ZRemRangeByScore(ctx, key, "-inf", "("+now).Err(); err != nil {
		return nil, err
	}
	return s.cli.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: now, Max: "+inf"}).Result()
}

// GetIdem returns the message id stored for a previous send with the same client id.
func (s *Store) GetIdem(ctx context.Context, memberID, clientMsgID string) (string, bool, error) {
	v, err := s.cli.Get(ctx, idemKey(memberID, clientMsgID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, v != "", nil
}

func (s *Store) SetIdem(ctx context.Context, memberID, clientMsgID, msgID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return s.cli.Set(ctx, idemKey(memberID, clientMsgID), msgID, ttl).Err()
}

// DedupeEvent returns true if key is seen for the first time within ttl.
func (s *Store) DedupeEvent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrInvalidArgument
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return s.cli.SetNX(ctx, "feed:dedupe:"+key, "1", ttl).Result()
}

// ReleaseEvent drops the claim taken by DedupeEvent so a redelivery is handled again.
func (s *Store) ReleaseEvent(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidArgument
	}
	return s.cli.Del(ctx, "feed:dedupe:"+key).Err()
}
