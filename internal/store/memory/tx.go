package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"stockbill/backend/internal/domain"
	"stockbill/backend/internal/store"
)

// tx owns the store's write lock. Each mutation records how to undo itself so Rollback
// can restore the previous state. Sequence counters are not rewound.
type tx struct {
	s    *Store
	undo []func()
	done bool
}

func (t *tx) Commit() error {
	if t.done {
		return errTxClosed
	}
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

func (t *tx) check(ctx context.Context) error {
	if t.done {
		return errTxClosed
	}
	return ctx.Err()
}

func restoreEntry[K comparable, V any](m map[K]V, key K) func() {
	prev, existed := m[key]
	return func() {
		if existed {
			m[key] = prev
		} else {
			delete(m, key)
		}
	}
}

func (t *tx) CreateParty(ctx context.Context, party domain.Party) (*domain.Party, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	if !party.Kind.Valid() || strings.TrimSpace(party.Name) == "" {
		return nil, store.ErrValidation
	}
	if err := t.partyConflict(party); err != nil {
		return nil, err
	}

	t.s.partySeq[party.Kind]++
	party.ID = t.s.partySeq[party.Kind]
	party.IsDeleted = false
	if party.CreatedAt.IsZero() {
		party.CreatedAt = time.Now().UTC()
	}
	byID := t.s.parties[party.Kind]
	t.undo = append(t.undo, restoreEntry(byID, party.ID))
	byID[party.ID] = party
	return &party, nil
}

func (t *tx) GetParty(ctx context.Context, kind domain.PartyKind, id int64) (*domain.Party, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.s.getParty(kind, id)
}

func (t *tx) UpdateParty(ctx context.Context, party domain.Party) (*domain.Party, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	byID := t.s.parties[party.Kind]
	current, ok := byID[party.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if current.IsDeleted {
		return nil, store.ErrInvalidState
	}
	if err := t.partyConflict(party); err != nil {
		return nil, err
	}

	party.IsDeleted = current.IsDeleted
	party.CreatedAt = current.CreatedAt
	t.undo = append(t.undo, restoreEntry(byID, party.ID))
	byID[party.ID] = party
	return &party, nil
}

func (t *tx) SoftDeleteParty(ctx context.Context, kind domain.PartyKind, id int64) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	byID := t.s.parties[kind]
	current, ok := byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if current.IsDeleted {
		return nil
	}
	t.undo = append(t.undo, restoreEntry(byID, id))
	current.IsDeleted = true
	byID[id] = current
	return nil
}

// partyConflict enforces phone and tax id uniqueness among active parties of one kind.
func (t *tx) partyConflict(party domain.Party) error {
	for _, existing := range t.s.parties[party.Kind] {
		if existing.IsDeleted || existing.ID == party.ID {
			continue
		}
		if party.Phone != "" && existing.Phone == party.Phone {
			return store.NewFieldError(store.ErrConflict, "phone", "is already registered")
		}
		if party.TaxID != "" && existing.TaxID == party.TaxID {
			return store.NewFieldError(store.ErrConflict, "tax_id", "is already registered")
		}
	}
	return nil
}

func (t *tx) CreateStockItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(item.Name) == "" {
		return nil, store.ErrValidation
	}
	if t.stockNameTaken(item.Name, 0) {
		return nil, store.NewFieldError(store.ErrConflict, "name", "is already in use")
	}

	t.s.stockSeq++
	item.ID = t.s.stockSeq
	item.Quantity = 0
	item.IsDeleted = false
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	t.undo = append(t.undo, restoreEntry(t.s.stock, item.ID))
	t.s.stock[item.ID] = item
	return &item, nil
}

func (t *tx) RenameStockItem(ctx context.Context, id int64, name string) (*domain.StockItem, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	item, ok := t.s.stock[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if item.IsDeleted {
		return nil, store.ErrInvalidState
	}
	if t.stockNameTaken(name, id) {
		return nil, store.NewFieldError(store.ErrConflict, "name", "is already in use")
	}
	t.undo = append(t.undo, restoreEntry(t.s.stock, id))
	item.Name = name
	t.s.stock[id] = item
	return &item, nil
}

func (t *tx) stockNameTaken(name string, exceptID int64) bool {
	needle := strings.ToLower(strings.TrimSpace(name))
	for _, item := range t.s.stock {
		if item.IsDeleted || item.ID == exceptID {
			continue
		}
		if strings.ToLower(item.Name) == needle {
			return true
		}
	}
	return false
}

func (t *tx) SoftDeleteStockItem(ctx context.Context, id int64) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	item, ok := t.s.stock[id]
	if !ok {
		return store.ErrNotFound
	}
	if item.IsDeleted {
		return nil
	}
	t.undo = append(t.undo, restoreEntry(t.s.stock, id))
	item.IsDeleted = true
	t.s.stock[id] = item
	return nil
}

// LockStockItems only snapshots the rows; the write lock already excludes other writers.
func (t *tx) LockStockItems(ctx context.Context, ids []int64) (map[int64]domain.StockItem, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	result := make(map[int64]domain.StockItem, len(ids))
	for _, id := range ids {
		if item, ok := t.s.stock[id]; ok {
			result[id] = item
		}
	}
	return result, nil
}

func (t *tx) GetStockItem(ctx context.Context, id int64) (*domain.StockItem, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.s.getStockItem(id)
}

func (t *tx) SetStockQuantity(ctx context.Context, id int64, qty int) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	item, ok := t.s.stock[id]
	if !ok {
		return store.ErrNotFound
	}
	t.undo = append(t.undo, restoreEntry(t.s.stock, id))
	item.Quantity = qty
	t.s.stock[id] = item
	return nil
}

func (t *tx) CreateStockMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	t.s.movementSeq++
	movement.ID = t.s.movementSeq
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	n := len(t.s.movements)
	t.undo = append(t.undo, func() { t.s.movements = t.s.movements[:n] })
	t.s.movements = append(t.s.movements, movement)
	return &movement, nil
}

func (t *tx) CreateBill(ctx context.Context, header domain.BillHeader) (*domain.BillHeader, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	if !header.Kind.Valid() {
		return nil, store.ErrValidation
	}
	t.s.billSeq[header.Kind]++
	header.BillNo = t.s.billSeq[header.Kind]
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}

	bills := t.s.bills[header.Kind]
	t.undo = append(t.undo, restoreEntry(bills, header.BillNo))
	bills[header.BillNo] = header
	return &header, nil
}

func (t *tx) GetBillForUpdate(ctx context.Context, kind domain.BillKind, billNo int64) (*domain.BillHeader, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.s.getBill(kind, billNo)
}

func (t *tx) CreateBillDetails(ctx context.Context, kind domain.BillKind, details domain.BillDetails) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, ok := t.s.bills[kind][details.BillNo]; !ok {
		return store.ErrNotFound
	}
	byNo := t.s.details[kind]
	if _, exists := byNo[details.BillNo]; exists {
		return store.ErrConflict
	}
	t.undo = append(t.undo, restoreEntry(byNo, details.BillNo))
	byNo[details.BillNo] = details
	return nil
}

func (t *tx) UpdateBillDetails(ctx context.Context, kind domain.BillKind, details domain.BillDetails) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	byNo := t.s.details[kind]
	if _, ok := byNo[details.BillNo]; !ok {
		return store.ErrNotFound
	}
	t.undo = append(t.undo, restoreEntry(byNo, details.BillNo))
	byNo[details.BillNo] = details
	return nil
}

func (t *tx) CreateLineItem(ctx context.Context, kind domain.BillKind, item domain.LineItem) (*domain.LineItem, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	if _, ok := t.s.bills[kind][item.BillNo]; !ok {
		return nil, store.ErrNotFound
	}
	t.s.lineSeq++
	item.ID = t.s.lineSeq

	byNo := t.s.lines[kind]
	prev := byNo[item.BillNo]
	t.undo = append(t.undo, restoreEntry(byNo, item.BillNo))
	byNo[item.BillNo] = append(slices.Clone(prev), item)
	return &item, nil
}

func (t *tx) ListLineItems(ctx context.Context, kind domain.BillKind, billNo int64) ([]domain.LineItem, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return slices.Clone(t.s.lines[kind][billNo]), nil
}

func (t *tx) DeleteBill(ctx context.Context, kind domain.BillKind, billNo int64) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, ok := t.s.bills[kind][billNo]; !ok {
		return store.ErrNotFound
	}
	t.undo = append(t.undo,
		restoreEntry(t.s.lines[kind], billNo),
		restoreEntry(t.s.details[kind], billNo),
		restoreEntry(t.s.bills[kind], billNo),
	)
	delete(t.s.lines[kind], billNo)
	delete(t.s.details[kind], billNo)
	delete(t.s.bills[kind], billNo)
	return nil
}
