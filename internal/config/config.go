package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is shared by feed-api, feed-push and feed-job; each binary reads the sections it needs.
type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr string `yaml:"addr"` // ":8080"
	} `yaml:"http"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	MySQL struct {
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
		ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
	} `yaml:"mysql"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Database int    `yaml:"database"`
	} `yaml:"redis"`

	RocketMQ struct {
		NameServer    string `yaml:"name_server"`
		Topic         string `yaml:"topic"`
		Tag           string `yaml:"tag,omitempty"`
		ProducerGroup string `yaml:"producer_group"`
		ConsumerGroup string `yaml:"consumer_group"`
	} `yaml:"rocketmq"`

	Timeout time.Duration `yaml:"timeout"`

	IDGen struct {
		MachineID uint16 `yaml:"machine_id"` // 0: derived from the private IPv4
	} `yaml:"idgen"`

	Idempotency struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"idempotency"`

	Outbox struct {
		Tick      time.Duration `yaml:"tick"`
		Batch     int           `yaml:"batch"`
		MaxRetry  int           `yaml:"max_retry"`
		Retention time.Duration `yaml:"retention"`
	} `yaml:"outbox"`

	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`

	Auth struct {
		Enabled bool `yaml:"enabled"`

		Token struct {
			Header       string `yaml:"header"`
			BearerPrefix string `yaml:"bearer_prefix"`
			QueryKey     string `yaml:"query_key"`
			RedisPrefix  string `yaml:"redis_prefix"`
			Secret       string `yaml:"secret"`
		} `yaml:"token"`

		PublicPaths []string `yaml:"public_paths"`
	} `yaml:"auth"`

	Push struct {
		NodeAddr     string        `yaml:"node_addr"` // value written to scope routes, e.g. "10.0.0.12:7001"
		RouteTTL     time.Duration `yaml:"route_ttl"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		QueueSize    int           `yaml:"queue_size"`
		PingEvery    time.Duration `yaml:"ping_every"`
	} `yaml:"push"`

	Comet struct {
		PushBatchPath string        `yaml:"push_batch_path"`
		Timeout       time.Duration `yaml:"timeout"`
		MaxBatch      int           `yaml:"max_batch"`
		FlushEvery    time.Duration `yaml:"flush_every"`
	} `yaml:"comet"`

	Breaker struct {
		Enabled   bool          `yaml:"enabled"`
		Threshold int           `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
		// MaxOpenFor caps the open period, which doubles on every failed half-open attempt.
		MaxOpenFor time.Duration `yaml:"max_open_for"`
	} `yaml:"breaker"`

	Dedupe struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"dedupe"`
}

// Load supports comma-separated config files: "-c common.yml,feed-api.yml".
// Later files override earlier ones.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,feed-api.yml)")
	}

	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":2112"
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 7 * 24 * time.Hour
	}
	if c.MySQL.MaxOpenConns <= 0 {
		c.MySQL.MaxOpenConns = 50
	}
	if c.MySQL.MaxIdleConns <= 0 {
		c.MySQL.MaxIdleConns = 25
	}
	if c.MySQL.ConnMaxLife == 0 {
		c.MySQL.ConnMaxLife = 30 * time.Minute
	}
	if c.MySQL.ConnMaxIdle == 0 {
		c.MySQL.ConnMaxIdle = 5 * time.Minute
	}
	if c.RocketMQ.Topic == "" {
		c.RocketMQ.Topic = "feed_event"
	}
	if c.RocketMQ.ProducerGroup == "" {
		c.RocketMQ.ProducerGroup = "feed-api"
	}
	if c.RocketMQ.ConsumerGroup == "" {
		c.RocketMQ.ConsumerGroup = "feed-job"
	}
	if c.Outbox.Tick == 0 {
		c.Outbox.Tick = 1 * time.Second
	}
	if c.Outbox.Batch <= 0 {
		c.Outbox.Batch = 200
	}
	if c.RateLimit.RPS <= 0 {
		c.RateLimit.RPS = 5
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}

	if c.Auth.Token.Header == "" {
		c.Auth.Token.Header = "Authorization"
	}
	if c.Auth.Token.BearerPrefix == "" {
		c.Auth.Token.BearerPrefix = "Bearer "
	}
	if c.Auth.Token.QueryKey == "" {
		c.Auth.Token.QueryKey = "token"
	}
	if c.Auth.Token.RedisPrefix == "" {
		c.Auth.Token.RedisPrefix = "app:token:"
	}
	if c.Auth.PublicPaths == nil {
		c.Auth.PublicPaths = []string{"/healthz", "/metrics"}
	}

	if c.Push.RouteTTL == 0 {
		c.Push.RouteTTL = 60 * time.Second
	}
	if c.Push.WriteTimeout == 0 {
		c.Push.WriteTimeout = 5 * time.Second
	}
	if c.Push.QueueSize <= 0 {
		c.Push.QueueSize = 256
	}
	if c.Push.PingEvery == 0 {
		c.Push.PingEvery = 30 * time.Second
	}
	if c.Push.NodeAddr == "" {
		c.Push.NodeAddr = "127.0.0.1" + c.HTTP.Addr
	}

	if c.Comet.PushBatchPath == "" {
		c.Comet.PushBatchPath = "/internal/push/batch"
	}
	if c.Comet.Timeout == 0 {
		c.Comet.Timeout = 2 * time.Second
	}
	if c.Comet.MaxBatch <= 0 {
		c.Comet.MaxBatch = 200
	}
	if c.Comet.FlushEvery == 0 {
		c.Comet.FlushEvery = 5 * time.Millisecond
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = 10 * time.Second
	}
	if c.Breaker.OpenFor == 0 {
		c.Breaker.OpenFor = 5 * time.Second
	}
	if c.Breaker.MaxOpenFor < c.Breaker.OpenFor {
		c.Breaker.MaxOpenFor = 8 * c.Breaker.OpenFor
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 24 * time.Hour
	}
}
