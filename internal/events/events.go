// Package events publishes bill lifecycle notifications after a unit of work commits.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"stockbill/backend/internal/domain"
)

type Publisher interface {
	Publish(ctx context.Context, event domain.BillEvent) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ domain.BillEvent) error {
	return nil
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher takes a comma separated broker list.
func NewKafkaPublisher(brokers string, topic string) *KafkaPublisher {
	addrs := make([]string, 0, 4)
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:  kafka.TCP(addrs...),
			Topic: topic,
			// Hash routes by Message.Key, so one bill's events stay ordered on a partition.
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			WriteTimeout:           5 * time.Second,
			Async:                  true,
			Completion:             logFailedWrites,
			AllowAutoTopicCreation: true,
		},
	}
}

// logFailedWrites reports async delivery failures; the request that produced the
// event has already returned.
func logFailedWrites(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range messages {
		log.Printf("[events] WARN: delivery failed key=%s: %v", m.Key, err)
	}
}

// Publish enqueues the event and returns without waiting for the broker.
func (p *KafkaPublisher) Publish(ctx context.Context, event domain.BillEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(MessageKey(event)),
		Value: payload,
		Time:  event.OccurredAt,
	})
}

// Close flushes queued events.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// MessageKey is the partition key: every event of one bill shares it.
func MessageKey(event domain.BillEvent) string {
	return fmt.Sprintf("%s-%d", event.Kind, event.BillNo)
}
