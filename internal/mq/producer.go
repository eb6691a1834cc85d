package mq

import (
	"context"
	"encoding/json"
	"fmt"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"

	"github.com/lzyats/chatfeed/pkg/feed"
)

type Settings struct {
	NameServer string
	Topic      string
	Tag        string
	Group      string
	AccessKey  string
	SecretKey  string
}

func (s Settings) validate(role string) error {
	if s.NameServer == "" {
		return fmt.Errorf("rocketmq: missing name_server")
	}
	if s.Group == "" {
		return fmt.Errorf("rocketmq: missing %s group", role)
	}
	if s.Topic == "" {
		return fmt.Errorf("rocketmq: missing topic")
	}
	return nil
}

func (s Settings) credentials() (primitive.Credentials, bool) {
	if s.AccessKey == "" && s.SecretKey == "" {
		return primitive.Credentials{}, false
	}
	return primitive.Credentials{AccessKey: s.AccessKey, SecretKey: s.SecretKey}, true
}

// Producer publishes mutation events as JSON; the scope id is the sharding key
// so one scope's events stay in order on a queue.
type Producer struct {
	cfg Settings
	p   rmq.Producer
}

func NewProducer(cfg Settings) (*Producer, error) {
	if err := cfg.validate("producer"); err != nil {
		return nil, err
	}
	opts := []producer.Option{
		producer.WithNameServer([]string{cfg.NameServer}),
		producer.WithGroupName(cfg.Group),
		producer.WithRetry(2),
		producer.WithQueueSelector(producer.NewHashQueueSelector()),
	}
	if cred, ok := cfg.credentials(); ok {
		opts = append(opts, producer.WithCredentials(cred))
	}
	prd, err := rmq.NewProducer(opts...)
	if err != nil {
		return nil, err
	}
	if err := prd.Start(); err != nil {
		return nil, err
	}
	return &Producer{cfg: cfg, p: prd}, nil
}

func (r *Producer) Publish(ctx context.Context, evt feed.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	m := primitive.NewMessage(r.cfg.Topic, b)
	m.WithShardingKey(evt.ScopeID)
	m.WithKeys([]string{evt.Key()})
	if r.cfg.Tag != "" {
		m.WithTag(r.cfg.Tag)
	}
	_, err = r.p.SendSync(ctx, m)
	return err
}

func (r *Producer) Close() error {
	if r.p != nil {
		return r.p.Shutdown()
	}
	return nil
}
