package cache

import (
	"context"
	"fmt"
	"time"

	"stockbill/backend/internal/domain"
)

// BillCache holds assembled bill views. Entries are dropped whenever the bill changes.
type BillCache interface {
	Get(ctx context.Context, key string) (*domain.BillView, bool, error)
	Set(ctx context.Context, key string, value *domain.BillView, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func BillKey(kind domain.BillKind, billNo int64) string {
	return fmt.Sprintf("bill:%s:%d", kind, billNo)
}

type NoopBillCache struct{}

func (NoopBillCache) Get(_ context.Context, _ string) (*domain.BillView, bool, error) {
	return nil, false, nil
}

func (NoopBillCache) Set(_ context.Context, _ string, _ *domain.BillView, _ time.Duration) error {
	return nil
}

func (NoopBillCache) Delete(_ context.Context, _ string) error {
	return nil
}
