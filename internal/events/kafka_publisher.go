package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/chauffeur-settlement/internal/models"
)

// KafkaPublisher ships settlement domain events to the settlement
// events topic, keyed by booking number so per-booking ordering holds.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev models.SettlementEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.BookingNumber), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Fanout publishes to every sink, returning the first error after all
// sinks were attempted. Event delivery is best-effort; the settlement
// transition has already committed by the time this runs.
type Fanout []interface {
	Publish(ctx context.Context, ev models.SettlementEvent) error
}

func (f Fanout) Publish(ctx context.Context, ev models.SettlementEvent) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
