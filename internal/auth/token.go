package auth

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type TokenPayload struct {
	UserID    int64  `json:"userId"`
	Timestamp string `json:"timestamp"`
}

// ExtractToken reads the token from the header (optionally Bearer-prefixed), then the query.
func ExtractToken(r *http.Request, header, bearerPrefix, queryKey string) string {
	if header != "" {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			if bearerPrefix != "" && strings.HasPrefix(v, bearerPrefix) {
				return strings.TrimSpace(strings.TrimPrefix(v, bearerPrefix))
			}
			return v
		}
	}
	if queryKey != "" {
		return strings.TrimSpace(r.URL.Query().Get(queryKey))
	}
	return ""
}

func ParseToken(token, secret string) (*TokenPayload, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}
	plain, err := Decrypt(token, secret)
	if err != nil {
		return nil, err
	}
	var p TokenPayload
	if err := json.Unmarshal([]byte(plain), &p); err != nil {
		return nil, err
	}
	if p.UserID <= 0 || p.Timestamp == "" {
		return nil, errors.New("invalid token payload")
	}
	return &p, nil
}

// IssueToken builds a token for uid with a random 14 char timestamp nonce.
func IssueToken(uid int64, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("auth.token.secret is required")
	}
	nonce, err := randomAlphaNum(14)
	if err != nil {
		return "", err
	}
	b, _ := json.Marshal(TokenPayload{UserID: uid, Timestamp: nonce})
	return Encrypt(string(b), secret)
}

func randomAlphaNum(n int) (string, error) {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = letters[int(buf[i])%len(letters)]
	}
	return string(buf), nil
}
