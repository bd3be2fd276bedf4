package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaProducer publishes outbox messages to one topic with franz-go.
type KafkaProducer struct {
	client *kgo.Client
	topic  string
}

// NewKafkaProducer connects to the brokers and makes sure the topic exists.
func NewKafkaProducer(ctx context.Context, brokers []string, topic string) (*KafkaProducer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ClientID("gatekeeper-outbox"),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	if err := ensureTopic(ctx, kadm.NewClient(client), topic); err != nil {
		client.Close()
		return nil, err
	}
	return &KafkaProducer{client: client, topic: topic}, nil
}

func ensureTopic(ctx context.Context, adm *kadm.Client, topic string) error {
	resp, err := adm.CreateTopics(ctx, 3, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Publish produces the batch and waits for every acknowledgement.
func (p *KafkaProducer) Publish(ctx context.Context, msgs []Message) error {
	records := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		rec := &kgo.Record{Topic: p.topic, Key: m.Key, Value: m.Value}
		for k, v := range m.Headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
		records = append(records, rec)
	}
	return p.client.ProduceSync(ctx, records...).FirstErr()
}

// Health pings the cluster.
func (p *KafkaProducer) Health(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *KafkaProducer) Close() {
	p.client.Close()
}
