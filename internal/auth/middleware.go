package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

type contextKey string

const ctxCaller contextKey = "caller"

// Caller is the authenticated profile behind a request.
type Caller struct {
	UserID string
	Token  string
}

type Config struct {
	// Enabled requires a live session hash in addition to a valid token.
	Enabled bool

	Header       string
	BearerPrefix string
	QueryKey     string
	Secret       string

	PublicPaths []string
}

func (c Config) isPublic(path string) bool {
	for _, p := range c.PublicPaths {
		if p != "" && (path == p || strings.HasPrefix(path, strings.TrimRight(p, "/")+"/")) {
			return true
		}
	}
	return false
}

// Resolver turns a request into a Caller.
type Resolver struct {
	cfg      Config
	sessions Sessions
	log      *zap.Logger
}

func NewResolver(cfg Config, sessions Sessions, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{cfg: cfg, sessions: sessions, log: log}
}

// ResolveCaller reports the caller, or false when the request is not authenticated.
func (a *Resolver) ResolveCaller(r *http.Request) (Caller, bool) {
	tok := ExtractToken(r, a.cfg.Header, a.cfg.BearerPrefix, a.cfg.QueryKey)
	if tok == "" {
		return Caller{}, false
	}
	p, err := ParseToken(tok, a.cfg.Secret)
	if err != nil {
		return Caller{}, false
	}
	uid := strconv.FormatInt(p.UserID, 10)
	if a.cfg.Enabled && a.sessions != nil {
		info, ok, err := a.sessions.Get(r.Context(), tok)
		if err != nil {
			a.log.Warn("session lookup failed", zap.Error(err))
			return Caller{}, false
		}
		if !ok || info["userId"] != uid {
			return Caller{}, false
		}
	}
	return Caller{UserID: uid, Token: tok}, true
}

// Wrap rejects unauthenticated requests outside the public paths with 401.
func (a *Resolver) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		c, ok := a.ResolveCaller(r)
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthenticated"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), c)))
	})
}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxCaller, c)
}

func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxCaller).(Caller)
	return c, ok && c.UserID != ""
}
