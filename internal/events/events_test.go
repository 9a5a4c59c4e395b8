package events

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"stockbill/backend/internal/domain"
)

func TestMessageKeyGroupsByBill(t *testing.T) {
	created := domain.BillEvent{Type: domain.BillEventCreated, Kind: domain.BillKindSale, BillNo: 12}
	deleted := domain.BillEvent{Type: domain.BillEventDeleted, Kind: domain.BillKindSale, BillNo: 12}
	if MessageKey(created) != MessageKey(deleted) {
		t.Fatalf("expected same key for one bill")
	}
	if MessageKey(created) != "sale-12" {
		t.Fatalf("unexpected key %q", MessageKey(created))
	}
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	if err := p.Publish(context.Background(), domain.BillEvent{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestKafkaPublisherKeepsBillEventsOnOnePartition(t *testing.T) {
	p := NewKafkaPublisher(" broker-1:9092, ,broker-2:9092", "stockbill.bills")

	if _, ok := p.writer.Balancer.(*kafka.Hash); !ok {
		t.Fatalf("expected key hash balancer, got %T", p.writer.Balancer)
	}
	if !p.writer.Async || p.writer.Completion == nil {
		t.Fatalf("expected async writes with a completion hook")
	}
	if p.writer.BatchTimeout > 50*time.Millisecond {
		t.Fatalf("expected a short batch timeout, got %s", p.writer.BatchTimeout)
	}
	if got := p.writer.Addr.String(); got != "broker-1:9092,broker-2:9092" {
		t.Fatalf("unexpected broker list %q", got)
	}

	partitions := []int{0, 1, 2, 3, 4, 5}
	created := kafka.Message{Key: []byte(MessageKey(domain.BillEvent{Type: domain.BillEventCreated, Kind: domain.BillKindPurchase, BillNo: 7}))}
	deleted := kafka.Message{Key: []byte(MessageKey(domain.BillEvent{Type: domain.BillEventDeleted, Kind: domain.BillKindPurchase, BillNo: 7}))}
	for i := 0; i < 10; i++ {
		if p.writer.Balancer.Balance(created, partitions...) != p.writer.Balancer.Balance(deleted, partitions...) {
			t.Fatalf("expected one bill's events on the same partition")
		}
	}

	logFailedWrites([]kafka.Message{created}, nil)
}
