package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadOverlayAndDefaults(t *testing.T) {
	dir := t.TempDir()
	common := write(t, dir, "common.yml", `
redis:
  addr: 10.0.0.1:6379
rocketmq:
  name_server: 10.0.0.2:9876
  topic: feed_common
http:
  addr: ":9000"
`)
	api := write(t, dir, "feed-api.yml", `
rocketmq:
  topic: feed_api
rate_limit:
  rps: 2
push:
  route_ttl: 90s
`)

	c, err := Load(common + ", " + api)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:6379", c.Redis.Addr)
	assert.Equal(t, "10.0.0.2:9876", c.RocketMQ.NameServer)
	assert.Equal(t, "feed_api", c.RocketMQ.Topic)
	assert.Equal(t, float64(2), c.RateLimit.RPS)
	assert.Equal(t, 10, c.RateLimit.Burst)
	assert.Equal(t, 90*time.Second, c.Push.RouteTTL)
	assert.Equal(t, "127.0.0.1:9000", c.Push.NodeAddr)
	assert.Equal(t, "Bearer ", c.Auth.Token.BearerPrefix)
	assert.Equal(t, "/internal/push/batch", c.Comet.PushBatchPath)
	assert.Equal(t, []string{"/healthz", "/metrics"}, c.Auth.PublicPaths)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(" ")
	assert.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	bad := write(t, t.TempDir(), "bad.yml", "http: [")
	_, err = Load(bad)
	assert.Error(t, err)
}
