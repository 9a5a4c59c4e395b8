// Package ledger applies signed quantity deltas to stock items. It is the only code
// path that changes StockItem.Quantity, and every applied delta is journaled as a
// stock movement inside the same unit of work.
package ledger

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"stockbill/backend/internal/domain"
	"stockbill/backend/internal/store"
)

// Policy decides what happens when a delta would leave a stock item below zero.
type Policy string

const (
	// PolicyFlag applies the delta and reports the item as oversold.
	PolicyFlag Policy = "flag"
	// PolicyReject fails the delta with store.ErrInsufficientStock.
	PolicyReject Policy = "reject"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyFlag:
		return PolicyFlag, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown oversell policy %q", raw)
	}
}

// MaxQuantity bounds a line quantity and every stock count; the postgres columns are
// INTEGER.
const (
	MaxQuantity = math.MaxInt32
	minQuantity = math.MinInt32
)

type Reference struct {
	BillKind domain.BillKind
	BillNo   int64
	Reason   string
}

type Result struct {
	StockID  int64
	Applied  bool
	Quantity int
	Negative bool
}

type Ledger struct {
	policy Policy
	now    func() time.Time
}

func New(policy Policy) *Ledger {
	if policy == "" {
		policy = PolicyFlag
	}
	return &Ledger{
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) Policy() Policy {
	return l.policy
}

// ApplyDelta adds delta to the quantity of stockID. Soft-deleted items resolve but are
// left untouched: the call succeeds with Applied=false.
func (l *Ledger) ApplyDelta(ctx context.Context, tx store.Tx, stockID int64, delta int, ref Reference) (Result, error) {
	item, err := tx.GetStockItem(ctx, stockID)
	if err != nil {
		return Result{StockID: stockID}, err
	}
	if item.IsDeleted {
		return Result{StockID: stockID, Applied: false, Quantity: item.Quantity}, nil
	}

	wide := int64(item.Quantity) + int64(delta)
	if delta > MaxQuantity || delta < -MaxQuantity || wide > MaxQuantity || wide < minQuantity {
		return Result{StockID: stockID, Quantity: item.Quantity}, fmt.Errorf("%w: stock item %d has %d, delta %d is out of range", store.ErrValidation, stockID, item.Quantity, delta)
	}
	next := int(wide)
	if next < 0 && l.policy == PolicyReject {
		return Result{StockID: stockID, Quantity: item.Quantity}, fmt.Errorf("%w: stock item %d has %d, delta %d", store.ErrInsufficientStock, stockID, item.Quantity, delta)
	}

	if err := tx.SetStockQuantity(ctx, stockID, next); err != nil {
		return Result{StockID: stockID, Quantity: item.Quantity}, err
	}
	if _, err := tx.CreateStockMovement(ctx, domain.StockMovement{
		StockID:       stockID,
		BillKind:      ref.BillKind,
		BillNo:        ref.BillNo,
		Delta:         delta,
		QuantityAfter: next,
		Reason:        ref.Reason,
		CreatedAt:     l.now(),
	}); err != nil {
		return Result{StockID: stockID, Quantity: item.Quantity}, err
	}

	if next < 0 {
		log.Printf("[ledger] WARN: stock item %d (%s) is oversold: quantity=%d after %s %d", stockID, item.Name, next, ref.BillKind, ref.BillNo)
	}

	return Result{StockID: stockID, Applied: true, Quantity: next, Negative: next < 0}, nil
}
