// Package api is the REST surface of feed-api: history pages and message mutations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/lzyats/chatfeed/internal/auth"
	"github.com/lzyats/chatfeed/internal/messaging"
	"github.com/lzyats/chatfeed/internal/metrics"
	"github.com/lzyats/chatfeed/pkg/feed"
)

type History interface {
	FetchPage(ctx context.Context, callerID, scopeID string, cursor *string) (feed.Page, error)
}

type Mutations interface {
	Send(ctx context.Context, callerID, scopeID string, in messaging.SendInput) (feed.Message, bool, error)
	Edit(ctx context.Context, callerID, scopeID, msgID, content string) (feed.Message, error)
	Delete(ctx context.Context, callerID, scopeID, msgID string) (feed.Message, error)
}

type Options struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	Logger         *zap.Logger
	// Health reports readiness of the backing stores; nil means always healthy.
	Health func(ctx context.Context) error
}

type Server struct {
	history   History
	mutations Mutations
	auth      *auth.Resolver
	limits    *limiterPool
	opt       Options
	log       *zap.Logger
}

func New(history History, mutations Mutations, resolver *auth.Resolver, opt Options) *Server {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Server{
		history:   history,
		mutations: mutations,
		auth:      resolver,
		limits:    newLimiterPool(opt.RPS, opt.Burst),
		opt:       opt,
		log:       opt.Logger,
	}
}

// Handler builds the routed, authenticated and CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/messages").Subrouter()
	api.HandleFunc("", s.listMessages).Methods(http.MethodGet)
	api.HandleFunc("", s.limited(s.sendMessage)).Methods(http.MethodPost)
	api.HandleFunc("/{id}", s.limited(s.editMessage)).Methods(http.MethodPatch)
	api.HandleFunc("/{id}", s.limited(s.deleteMessage)).Methods(http.MethodDelete)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.opt.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(s.auth.Wrap(r))
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.opt.Health != nil {
		if err := s.opt.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// scopeParam accepts scopeId and the channelId / conversationId aliases.
func scopeParam(r *http.Request) string {
	q := r.URL.Query()
	for _, k := range []string{"scopeId", "channelId", "conversationId"} {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, _ := auth.CallerFrom(r.Context())
		if !s.limits.Allow(c.UserID) {
			metrics.RateLimited.Inc()
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
			return
		}
		next(w, r)
	}
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	c, _ := auth.CallerFrom(r.Context())
	cursor := feed.CursorOf(strings.TrimSpace(r.URL.Query().Get("cursor")))
	page, err := s.history.FetchPage(r.Context(), c.UserID, scopeParam(r), cursor)
	if err != nil {
		s.writeError(w, "messages get", err)
		return
	}
	metrics.PagesServed.Inc()
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	c, _ := auth.CallerFrom(r.Context())
	var in messaging.SendInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	scopeID := scopeParam(r)
	if scopeID == "" {
		s.writeError(w, "messages post", feed.ErrInvalidScope)
		return
	}
	m, created, err := s.mutations.Send(r.Context(), c.UserID, scopeID, in)
	if err != nil {
		s.writeError(w, "messages post", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, m)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	c, _ := auth.CallerFrom(r.Context())
	var in struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	scopeID := scopeParam(r)
	if scopeID == "" {
		s.writeError(w, "messages patch", feed.ErrInvalidScope)
		return
	}
	m, err := s.mutations.Edit(r.Context(), c.UserID, scopeID, mux.Vars(r)["id"], in.Content)
	if err != nil {
		s.writeError(w, "messages patch", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	c, _ := auth.CallerFrom(r.Context())
	scopeID := scopeParam(r)
	if scopeID == "" {
		s.writeError(w, "messages delete", feed.ErrInvalidScope)
		return
	}
	m, err := s.mutations.Delete(r.Context(), c.UserID, scopeID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, "messages delete", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// writeError maps domain errors onto status codes; unexpected errors are logged and hidden.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status, code := http.StatusInternalServerError, feed.CodeInternal
	switch {
	case errors.Is(err, feed.ErrUnauthenticated):
		status, code = http.StatusUnauthorized, feed.CodeUnauthenticated
	case errors.Is(err, feed.ErrUnauthorized):
		status, code = http.StatusForbidden, feed.CodeUnauthorized
	case errors.Is(err, feed.ErrInvalidScope):
		status, code = http.StatusUnprocessableEntity, feed.CodeInvalidScope
	case errors.Is(err, feed.ErrEmptyContent):
		status, code = http.StatusBadRequest, feed.CodeEmptyContent
	case errors.Is(err, messaging.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, messaging.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, messaging.ErrClientIDConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, feed.CodeTimeout
	default:
		s.log.Error(op+" failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
