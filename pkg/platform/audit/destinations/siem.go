package destinations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	audit "medgate/pkg/platform/audit"
)

// kafkaProducer is the slice of the franz-go client the SIEM destination
// needs; tests substitute a fake.
type kafkaProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// SIEM forwards events to the security information and event management
// platform over Kafka. Records are keyed by event name so events of the
// same kind land in the same partition in order.
type SIEM struct {
	client kafkaProducer
	topic  string
}

// NewSIEM creates a SIEM destination producing to topic via the given
// brokers.
func NewSIEM(brokers []string, topic string) (*SIEM, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &SIEM{client: client, topic: topic}, nil
}

func (d *SIEM) Name() string { return "siem" }

func (d *SIEM) Write(ctx context.Context, event audit.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	record := &kgo.Record{
		Topic: d.topic,
		Key:   []byte(event.Name),
		Value: value,
	}
	if err := d.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// Close flushes and closes the Kafka client.
func (d *SIEM) Close() {
	d.client.Close()
}
