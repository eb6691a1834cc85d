package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sessions looks up the session hash written at login.
type Sessions interface {
	Get(ctx context.Context, token string) (map[string]string, bool, error)
}

// SessionStore keeps sessions as Redis hashes under RedisPrefix+token.
type SessionStore struct {
	RedisPrefix string
	TTL         time.Duration
	Client      *redis.Client
}

func (s *SessionStore) key(token string) string { return s.RedisPrefix + token }

// Issue mints a token for uid and records the session the resolver checks.
func (s *SessionStore) Issue(ctx context.Context, uid int64, secret string) (string, error) {
	tok, err := IssueToken(uid, secret)
	if err != nil {
		return "", err
	}
	err = s.Put(ctx, tok, map[string]string{
		"userId":   strconv.FormatInt(uid, 10),
		"issuedAt": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	return tok, nil
}

func (s *SessionStore) Put(ctx context.Context, token string, fields map[string]string) error {
	if token == "" {
		return fmt.Errorf("token empty")
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	pipe := s.Client.TxPipeline()
	pipe.HSet(ctx, s.key(token), fields)
	pipe.Expire(ctx, s.key(token), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *SessionStore) Get(ctx context.Context, token string) (map[string]string, bool, error) {
	if token == "" {
		return nil, false, nil
	}
	m, err := s.Client.HGetAll(ctx, s.key(token)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(m) == 0 {
		return nil, false, nil
	}
	return m, true, nil
}

// Delete revokes a session; the token stops resolving when sessions are enforced.
func (s *SessionStore) Delete(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.Client.Del(ctx, s.key(token)).Err()
}
