package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stockbill/backend/internal/domain"
	"stockbill/backend/internal/store"
)

// Tx wraps one database transaction. Row locks taken through it are held until Commit
// or Rollback.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Commit() error {
	return mapError(t.tx.Commit())
}

func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *Tx) CreateParty(ctx context.Context, party domain.Party) (*domain.Party, error) {
	table, err := partyTable(party.Kind)
	if err != nil {
		return nil, err
	}
	if party.CreatedAt.IsZero() {
		party.CreatedAt = time.Now().UTC()
	}
	party.IsDeleted = false

	err = t.tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (name, phone, email, address, tax_id, is_deleted, created_at)
		VALUES ($1,$2,$3,$4,$5,false,$6)
		RETURNING id
	`, table), party.Name, party.Phone, party.Email, party.Address, party.TaxID, party.CreatedAt).Scan(&party.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &party, nil
}

func (t *Tx) GetParty(ctx context.Context, kind domain.PartyKind, id int64) (*domain.Party, error) {
	return getParty(ctx, t.tx, kind, id, true)
}

func (t *Tx) UpdateParty(ctx context.Context, party domain.Party) (*domain.Party, error) {
	current, err := getParty(ctx, t.tx, party.Kind, party.ID, true)
	if err != nil {
		return nil, err
	}
	if current.IsDeleted {
		return nil, store.ErrInvalidState
	}
	table, err := partyTable(party.Kind)
	if err != nil {
		return nil, err
	}

	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET name = $2, phone = $3, email = $4, address = $5, tax_id = $6
		WHERE id = $1
	`, table), party.ID, party.Name, party.Phone, party.Email, party.Address, party.TaxID)
	if err != nil {
		return nil, mapError(err)
	}
	party.IsDeleted = current.IsDeleted
	party.CreatedAt = current.CreatedAt
	return &party, nil
}

func (t *Tx) SoftDeleteParty(ctx context.Context, kind domain.PartyKind, id int64) error {
	table, err := partyTable(kind)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET is_deleted = true WHERE id = $1`, table), id)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *Tx) CreateStockItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error) {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.Quantity = 0
	item.IsDeleted = false

	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO stock_items (name, quantity, is_deleted, created_at)
		VALUES ($1, 0, false, $2)
		RETURNING id
	`, item.Name, item.CreatedAt).Scan(&item.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &item, nil
}

func (t *Tx) RenameStockItem(ctx context.Context, id int64, name string) (*domain.StockItem, error) {
	locked, err := t.LockStockItems(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	item, ok := locked[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if item.IsDeleted {
		return nil, store.ErrInvalidState
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE stock_items SET name = $2 WHERE id = $1`, id, name); err != nil {
		return nil, mapError(err)
	}
	item.Name = name
	return &item, nil
}

func (t *Tx) SoftDeleteStockItem(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE stock_items SET is_deleted = true WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *Tx) LockStockItems(ctx context.Context, ids []int64) (map[int64]domain.StockItem, error) {
	result := make(map[int64]domain.StockItem, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, name, quantity, is_deleted, created_at
		FROM stock_items
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	return scanStockMap(rows, result)
}

func (t *Tx) GetStockItem(ctx context.Context, id int64) (*domain.StockItem, error) {
	return getStockItem(ctx, t.tx, id)
}

func (t *Tx) SetStockQuantity(ctx context.Context, id int64, qty int) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE stock_items SET quantity = $2 WHERE id = $1`, id, qty)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *Tx) CreateStockMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO stock_movements (stock_id, bill_kind, bill_no, delta, quantity_after, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, movement.StockID, movement.BillKind, movement.BillNo, movement.Delta, movement.QuantityAfter, movement.Reason, movement.CreatedAt).Scan(&movement.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &movement, nil
}

func (t *Tx) CreateBill(ctx context.Context, header domain.BillHeader) (*domain.BillHeader, error) {
	tables, err := billTables(header.Kind)
	if err != nil {
		return nil, err
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}
	err = t.tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (party_id, created_at)
		VALUES ($1,$2)
		RETURNING bill_no
	`, tables.bills), header.PartyID, header.CreatedAt).Scan(&header.BillNo)
	if err != nil {
		return nil, mapError(err)
	}
	return &header, nil
}

func (t *Tx) GetBillForUpdate(ctx context.Context, kind domain.BillKind, billNo int64) (*domain.BillHeader, error) {
	return getBill(ctx, t.tx, kind, billNo, true)
}

func (t *Tx) CreateBillDetails(ctx context.Context, kind domain.BillKind, details domain.BillDetails) error {
	tables, err := billTables(kind)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			bill_no, way_bill_no, vehicle_no, destination, purchase_order_ref,
			cgst, sgst, igst, cess, tcs, total
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, tables.details),
		details.BillNo, details.WayBillNo, details.VehicleNo, details.Destination, details.PurchaseOrderRef,
		details.CGST, details.SGST, details.IGST, details.Cess, details.TCS, details.Total,
	)
	return mapError(err)
}

func (t *Tx) UpdateBillDetails(ctx context.Context, kind domain.BillKind, details domain.BillDetails) error {
	tables, err := billTables(kind)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET way_bill_no = $2, vehicle_no = $3, destination = $4, purchase_order_ref = $5,
			cgst = $6, sgst = $7, igst = $8, cess = $9, tcs = $10, total = $11
		WHERE bill_no = $1
	`, tables.details),
		details.BillNo, details.WayBillNo, details.VehicleNo, details.Destination, details.PurchaseOrderRef,
		details.CGST, details.SGST, details.IGST, details.Cess, details.TCS, details.Total,
	)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *Tx) CreateLineItem(ctx context.Context, kind domain.BillKind, item domain.LineItem) (*domain.LineItem, error) {
	tables, err := billTables(kind)
	if err != nil {
		return nil, err
	}
	err = t.tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (bill_no, stock_id, quantity, unit_price, total_price)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, tables.items), item.BillNo, item.StockID, item.Quantity, item.UnitPrice, item.TotalPrice).Scan(&item.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &item, nil
}

func (t *Tx) ListLineItems(ctx context.Context, kind domain.BillKind, billNo int64) ([]domain.LineItem, error) {
	return listLineItems(ctx, t.tx, kind, billNo)
}

func (t *Tx) DeleteBill(ctx context.Context, kind domain.BillKind, billNo int64) error {
	tables, err := billTables(kind)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE bill_no = $1`, tables.items), billNo); err != nil {
		return mapError(err)
	}
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE bill_no = $1`, tables.details), billNo); err != nil {
		return mapError(err)
	}
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE bill_no = $1`, tables.bills), billNo)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
