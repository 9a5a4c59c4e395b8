package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stockbill/backend/internal/domain"
	"stockbill/backend/internal/ledger"
	"stockbill/backend/internal/store"
)

const maxDetailsFieldLen = 50

// Coordinator creates and deletes bills together with their stock deltas. Every method
// works inside the caller's unit of work; the caller owns Commit and Rollback.
type Coordinator struct {
	ledger *ledger.Ledger
	now    func() time.Time
}

func NewCoordinator(l *ledger.Ledger) *Coordinator {
	if l == nil {
		l = ledger.New(ledger.PolicyFlag)
	}
	return &Coordinator{
		ledger: l,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) CreateBill(ctx context.Context, tx store.Tx, kind domain.BillKind, partyID int64, lines []domain.LineItemInput) (*domain.BillCreateResponse, error) {
	if !kind.Valid() {
		return nil, store.NewFieldError(store.ErrValidation, "kind", "must be purchase or sale")
	}
	if err := ValidateLines(lines); err != nil {
		return nil, err
	}

	party, err := tx.GetParty(ctx, kind.PartyKind(), partyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.NewFieldError(store.ErrNotFound, "party_id", fmt.Sprintf("%s %d does not exist", kind.PartyKind(), partyID))
		}
		return nil, err
	}
	if party.IsDeleted {
		return nil, store.NewFieldError(store.ErrNotFound, "party_id", fmt.Sprintf("%s %d is no longer active", kind.PartyKind(), partyID))
	}

	stock, err := tx.LockStockItems(ctx, stockIDs(lines))
	if err != nil {
		return nil, err
	}
	for i, line := range lines {
		item, ok := stock[line.StockID]
		if !ok {
			return nil, store.NewLineError(store.ErrNotFound, i, "stock_id", fmt.Sprintf("%d does not exist", line.StockID))
		}
		if item.IsDeleted {
			return nil, store.NewLineError(store.ErrNotFound, i, "stock_id", fmt.Sprintf("%d is no longer active", line.StockID))
		}
	}

	header, err := tx.CreateBill(ctx, domain.BillHeader{
		Kind:      kind,
		PartyID:   party.ID,
		CreatedAt: c.now(),
	})
	if err != nil {
		return nil, err
	}
	if err := tx.CreateBillDetails(ctx, kind, domain.BillDetails{BillNo: header.BillNo}); err != nil {
		return nil, err
	}

	resp := &domain.BillCreateResponse{
		Bill:  *header,
		Items: make([]domain.LineItem, 0, len(lines)),
	}
	ref := ledger.Reference{BillKind: kind, BillNo: header.BillNo, Reason: domain.MovementReasonBillCreate}
	for i, line := range lines {
		saved, err := tx.CreateLineItem(ctx, kind, domain.LineItem{
			BillNo:     header.BillNo,
			StockID:    line.StockID,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			TotalPrice: LineTotal(line.Quantity, line.UnitPrice),
		})
		if err != nil {
			return nil, err
		}
		resp.Items = append(resp.Items, *saved)

		res, err := c.ledger.ApplyDelta(ctx, tx, line.StockID, kind.Sign()*line.Quantity, ref)
		if err != nil {
			return nil, fmt.Errorf("apply line %d: %w", i, err)
		}
		if res.Negative {
			resp.Warnings = append(resp.Warnings, oversoldWarning(res))
		}
	}

	return resp, nil
}

func (c *Coordinator) DeleteBill(ctx context.Context, tx store.Tx, kind domain.BillKind, billNo int64) (*domain.BillDeleteResponse, error) {
	if !kind.Valid() {
		return nil, store.NewFieldError(store.ErrValidation, "kind", "must be purchase or sale")
	}

	header, err := tx.GetBillForUpdate(ctx, kind, billNo)
	if err != nil {
		return nil, err
	}
	items, err := tx.ListLineItems(ctx, kind, header.BillNo)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.StockID)
	}
	if _, err := tx.LockStockItems(ctx, uniqueSorted(ids)); err != nil {
		return nil, err
	}

	resp := &domain.BillDeleteResponse{BillNo: header.BillNo, Kind: kind}
	ref := ledger.Reference{BillKind: kind, BillNo: header.BillNo, Reason: domain.MovementReasonBillDelete}
	frozen := make(map[int64]struct{})
	for _, item := range items {
		res, err := c.ledger.ApplyDelta(ctx, tx, item.StockID, -kind.Sign()*item.Quantity, ref)
		if err != nil {
			return nil, fmt.Errorf("reverse line %d: %w", item.ID, err)
		}
		if !res.Applied {
			if _, seen := frozen[item.StockID]; !seen {
				frozen[item.StockID] = struct{}{}
				resp.FrozenStockIDs = append(resp.FrozenStockIDs, item.StockID)
			}
			continue
		}
		resp.Reversed++
		if res.Negative {
			resp.Warnings = append(resp.Warnings, oversoldWarning(res))
		}
	}

	if err := tx.DeleteBill(ctx, kind, header.BillNo); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Coordinator) UpdateDetails(ctx context.Context, tx store.Tx, kind domain.BillKind, billNo int64, fields domain.BillDetailsFields) (*domain.BillDetails, error) {
	if !kind.Valid() {
		return nil, store.NewFieldError(store.ErrValidation, "kind", "must be purchase or sale")
	}
	fields = normalizeDetails(fields)
	if err := ValidateDetails(fields); err != nil {
		return nil, err
	}

	header, err := tx.GetBillForUpdate(ctx, kind, billNo)
	if err != nil {
		return nil, err
	}

	details := domain.BillDetails{BillNo: header.BillNo, BillDetailsFields: fields}
	if err := tx.UpdateBillDetails(ctx, kind, details); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s bill %d has no details record", store.ErrInvalidState, kind, billNo)
		}
		return nil, err
	}
	return &details, nil
}

// ValidateLines checks the submitted line items without touching storage.
func ValidateLines(lines []domain.LineItemInput) error {
	if len(lines) == 0 {
		return store.NewFieldError(store.ErrValidation, "items", "must contain at least one line")
	}
	for i, line := range lines {
		if line.StockID < 1 {
			return store.NewLineError(store.ErrValidation, i, "stock_id", "is required")
		}
		if line.Quantity <= 0 {
			return store.NewLineError(store.ErrValidation, i, "quantity", "must be greater than zero")
		}
		if line.Quantity > ledger.MaxQuantity {
			return store.NewLineError(store.ErrValidation, i, "quantity", fmt.Sprintf("must be at most %d", ledger.MaxQuantity))
		}
		if line.UnitPrice.IsNegative() {
			return store.NewLineError(store.ErrValidation, i, "unit_price", "must not be negative")
		}
	}
	return nil
}

func ValidateDetails(fields domain.BillDetailsFields) error {
	for _, field := range detailsFieldList(fields) {
		if len(field.value) > maxDetailsFieldLen {
			return store.NewFieldError(store.ErrValidation, field.name, fmt.Sprintf("must be at most %d characters", maxDetailsFieldLen))
		}
	}
	return nil
}

func LineTotal(qty int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(qty)))
}

type detailsField struct {
	name  string
	value string
}

// detailsFieldList returns the fields in form order.
func detailsFieldList(f domain.BillDetailsFields) []detailsField {
	return []detailsField{
		{"way_bill_no", f.WayBillNo},
		{"vehicle_no", f.VehicleNo},
		{"destination", f.Destination},
		{"purchase_order_ref", f.PurchaseOrderRef},
		{"cgst", f.CGST},
		{"sgst", f.SGST},
		{"igst", f.IGST},
		{"cess", f.Cess},
		{"tcs", f.TCS},
		{"total", f.Total},
	}
}

func normalizeDetails(f domain.BillDetailsFields) domain.BillDetailsFields {
	return domain.BillDetailsFields{
		WayBillNo:        strings.TrimSpace(f.WayBillNo),
		VehicleNo:        strings.TrimSpace(f.VehicleNo),
		Destination:      strings.TrimSpace(f.Destination),
		PurchaseOrderRef: strings.TrimSpace(f.PurchaseOrderRef),
		CGST:             strings.TrimSpace(f.CGST),
		SGST:             strings.TrimSpace(f.SGST),
		IGST:             strings.TrimSpace(f.IGST),
		Cess:             strings.TrimSpace(f.Cess),
		TCS:              strings.TrimSpace(f.TCS),
		Total:            strings.TrimSpace(f.Total),
	}
}

func oversoldWarning(res ledger.Result) domain.StockWarning {
	return domain.StockWarning{
		StockID:  res.StockID,
		Quantity: res.Quantity,
		Message:  fmt.Sprintf("stock item %d is oversold, quantity now %d", res.StockID, res.Quantity),
	}
}

func stockIDs(lines []domain.LineItemInput) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.StockID)
	}
	return uniqueSorted(ids)
}

func uniqueSorted(ids []int64) []int64 {
	set := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
