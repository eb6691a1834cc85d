package mq

import (
	"context"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"go.uber.org/zap"

	"github.com/lzyats/chatfeed/internal/metrics"
	"github.com/lzyats/chatfeed/pkg/feed"
)

// Handler processes one decoded event. Returning an error asks the broker to redeliver.
type Handler func(ctx context.Context, evt feed.Event) error

// Consumer is an orderly clustering push consumer over the event topic. Queues
// are sharded by scope, so events of one scope are handled one at a time.
type Consumer struct {
	c   rmq.PushConsumer
	log *zap.Logger
}

func NewConsumer(cfg Settings, log *zap.Logger, h Handler) (*Consumer, error) {
	if err := cfg.validate("consumer"); err != nil {
		return nil, err
	}
	opts := []consumer.Option{
		consumer.WithNameServer([]string{cfg.NameServer}),
		consumer.WithGroupName(cfg.Group),
		consumer.WithConsumerModel(consumer.Clustering),
		consumer.WithConsumerOrder(true),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromFirstOffset),
	}
	if cred, ok := cfg.credentials(); ok {
		opts = append(opts, consumer.WithCredentials(cred))
	}
	c, err := rmq.NewPushConsumer(opts...)
	if err != nil {
		return nil, err
	}

	selector := consumer.MessageSelector{Type: consumer.TAG, Expression: "*"}
	if cfg.Tag != "" {
		selector.Expression = cfg.Tag
	}
	err = c.Subscribe(cfg.Topic, selector, func(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, m := range msgs {
			if HandleBody(ctx, log, m.Body, h) != nil {
				// hold the queue and redeliver; later events of the scope wait
				return consumer.SuspendCurrentQueueAMoment, nil
			}
		}
		return consumer.ConsumeSuccess, nil
	})
	if err != nil {
		return nil, err
	}
	return &Consumer{c: c, log: log}, nil
}

// HandleBody decodes one message body and runs h. Undecodable or invalid
// events are dropped and reported as handled.
func HandleBody(ctx context.Context, log *zap.Logger, body []byte, h Handler) error {
	metrics.Consumed.Inc()
	evt, err := feed.ParseEvent(body)
	if err != nil {
		metrics.EventDecodeFail.Inc()
		log.Warn("event decode failed", zap.Error(err))
		return nil
	}
	if err := h(ctx, evt); err != nil {
		log.Warn("event handling failed", zap.String("event", evt.Key()), zap.Error(err))
		return err
	}
	return nil
}

func (c *Consumer) Start() error { return c.c.Start() }

func (c *Consumer) Shutdown() error { return c.c.Shutdown() }
