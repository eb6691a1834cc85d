package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(Settings{})
	assert.Error(t, err)
}

func TestArgumentChecks(t *testing.T) {
	// no server is contacted: the checks run before any command
	s, err := New(Settings{Addr: "127.0.0.1:1", Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	assert.ErrorIs(t, s.AddScopeRoute(ctx, "", "n1", time.Minute), ErrInvalidArgument)
	assert.ErrorIs(t, s.AddScopeRoute(ctx, "c1", "", time.Minute), ErrInvalidArgument)
	assert.ErrorIs(t, s.ReleaseEvent(ctx, ""), ErrInvalidArgument)
	_, err = s.DedupeEvent(ctx, "", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "feed:route:scope:c1", routeKey("c1"))
	assert.Equal(t, "feed:idem:m1:k1", idemKey("m1", "k1"))
}
