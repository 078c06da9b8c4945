package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
)

type RocketMQSettings struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	NameServer string `yaml:"name-server" json:"nameServer"`
	Group      string `yaml:"group" json:"group"`
	AccessKey  string `yaml:"access-key" json:"accessKey"`
	SecretKey  string `yaml:"secret-key" json:"secretKey"`
	Topic      string `yaml:"topic" json:"topic"`
	Tag        string `yaml:"tag" json:"tag"`
}

type RocketMQProducer struct {
	cfg RocketMQSettings
	p   rmq.Producer
}

func NewRocketMQ(cfg RocketMQSettings) (*RocketMQProducer, error) {
	if cfg.NameServer == "" {
		return nil, fmt.Errorf("rocketmq: missing name-server")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("rocketmq: missing group")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("rocketmq: missing topic")
	}
	opts := []producer.Option{
		producer.WithNameServer([]string{cfg.NameServer}),
		producer.WithGroupName(cfg.Group),
		producer.WithRetry(2),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, producer.WithCredentials(primitive.Credentials{
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		}))
	}
	prd, err := rmq.NewProducer(opts...)
	if err != nil {
		return nil, err
	}
	if err := prd.Start(); err != nil {
		return nil, err
	}
	return &RocketMQProducer{cfg: cfg, p: prd}, nil
}

// Publish sends evt keyed by conversation so one conversation's events share a queue.
func (r *RocketMQProducer) Publish(ctx context.Context, evt *Event) error {
	if evt == nil {
		return fmt.Errorf("nil event")
	}
	if evt.TS == 0 {
		evt.TS = time.Now().Unix()
	}
	m, err := r.message(evt)
	if err != nil {
		return err
	}
	_, err = r.p.SendSync(ctx, m)
	return err
}

func (r *RocketMQProducer) message(evt *Event) (*primitive.Message, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	m := primitive.NewMessage(r.cfg.Topic, b)
	if r.cfg.Tag != "" {
		m.WithTag(r.cfg.Tag)
	}
	m.WithKeys([]string{evt.ConvID, evt.Key})
	m.WithShardingKey(evt.ConvID)
	return m, nil
}

func (r *RocketMQProducer) Close() error {
	if r.p != nil {
		return r.p.Shutdown()
	}
	return nil
}
