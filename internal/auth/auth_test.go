package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef"

type memSessions map[string]map[string]string

func (m memSessions) Get(_ context.Context, tok string) (map[string]string, bool, error) {
	if tok == "boom" {
		return nil, false, errors.New("redis down")
	}
	v, ok := m[tok]
	return v, ok, nil
}

func TestEncryptRoundTrip(t *testing.T) {
	enc, err := Encrypt(`{"userId":7}`, secret)
	require.NoError(t, err)
	dec, err := Decrypt(enc, secret)
	require.NoError(t, err)
	assert.Equal(t, `{"userId":7}`, dec)

	_, err = Decrypt(enc, "fedcba9876543210")
	assert.Error(t, err)
	_, err = Decrypt("!!", secret)
	assert.Error(t, err)
}

func TestIssueAndParseToken(t *testing.T) {
	tok, err := IssueToken(42, secret)
	require.NoError(t, err)
	p, err := ParseToken(tok, secret)
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.UserID)
	assert.Len(t, p.Timestamp, 14)

	bad, _ := Encrypt(`{"userId":0,"timestamp":"x"}`, secret)
	_, err = ParseToken(bad, secret)
	assert.Error(t, err)
	_, err = IssueToken(1, "")
	assert.Error(t, err)
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/messages?token=q", nil)
	assert.Equal(t, "q", ExtractToken(r, "Authorization", "Bearer ", "token"))
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", ExtractToken(r, "Authorization", "Bearer ", "token"))
	r.Header.Set("Authorization", "raw")
	assert.Equal(t, "raw", ExtractToken(r, "Authorization", "Bearer ", "token"))
}

func TestWrap(t *testing.T) {
	tok, err := IssueToken(9, secret)
	require.NoError(t, err)
	cfg := Config{
		Enabled:      true,
		Header:       "Authorization",
		BearerPrefix: "Bearer ",
		QueryKey:     "token",
		Secret:       secret,
		PublicPaths:  []string{"/healthz"},
	}
	sessions := memSessions{tok: {"userId": "9"}}
	res := NewResolver(cfg, sessions, nil)

	var got Caller
	h := res.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = CallerFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(path, auth string) int {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			r.Header.Set("Authorization", "Bearer "+auth)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, call("/healthz", ""))
	assert.Equal(t, http.StatusUnauthorized, call("/api/messages", ""))
	assert.Equal(t, http.StatusUnauthorized, call("/api/messages", "garbage"))
	assert.Equal(t, http.StatusNoContent, call("/api/messages", tok))
	assert.Equal(t, "9", got.UserID)

	other, _ := IssueToken(10, secret)
	assert.Equal(t, http.StatusUnauthorized, call("/api/messages", other))

	cfg.Enabled = false
	h = NewResolver(cfg, nil, nil).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = CallerFrom(r.Context())
	}))
	assert.Equal(t, http.StatusOK, call("/api/messages", other))
	assert.Equal(t, "10", got.UserID)
}
