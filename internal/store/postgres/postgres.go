package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"stockbill/backend/internal/domain"
	"stockbill/backend/internal/store"
	"stockbill/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables and indexes. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, mapError(err)
	}
	return &Tx{tx: pgTx}, nil
}

func (s *Store) GetParty(ctx context.Context, kind domain.PartyKind, id int64) (*domain.Party, error) {
	return getParty(ctx, s.db, kind, id, false)
}

func (s *Store) ListParties(ctx context.Context, kind domain.PartyKind, includeDeleted bool) ([]domain.Party, error) {
	table, err := partyTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, name, phone, email, address, tax_id, is_deleted, created_at
		FROM %s
		WHERE ($1 OR NOT is_deleted)
		ORDER BY lower(name), id
	`, table), includeDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	parties := make([]domain.Party, 0, 32)
	for rows.Next() {
		p := domain.Party{Kind: kind}
		if err := rows.Scan(&p.ID, &p.Name, &p.Phone, &p.Email, &p.Address, &p.TaxID, &p.IsDeleted, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		parties = append(parties, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return parties, nil
}

func (s *Store) GetStockItem(ctx context.Context, id int64) (*domain.StockItem, error) {
	return getStockItem(ctx, s.db, id)
}

func (s *Store) GetStockItemsByIDs(ctx context.Context, ids []int64) (map[int64]domain.StockItem, error) {
	result := make(map[int64]domain.StockItem, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, quantity, is_deleted, created_at
		FROM stock_items
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStockMap(rows, result)
}

func (s *Store) ListStockItems(ctx context.Context, includeDeleted bool) ([]domain.StockItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, quantity, is_deleted, created_at
		FROM stock_items
		WHERE ($1 OR NOT is_deleted)
		ORDER BY lower(name), id
	`, includeDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.StockItem, 0, 64)
	for rows.Next() {
		var item domain.StockItem
		if err := rows.Scan(&item.ID, &item.Name, &item.Quantity, &item.IsDeleted, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListStockMovements(ctx context.Context, stockID int64, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stock_id, bill_kind, bill_no, delta, quantity_after, reason, created_at
		FROM stock_movements
		WHERE stock_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, stockID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.StockID, &m.BillKind, &m.BillNo, &m.Delta, &m.QuantityAfter, &m.Reason, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) GetBill(ctx context.Context, kind domain.BillKind, billNo int64) (*domain.BillHeader, error) {
	return getBill(ctx, s.db, kind, billNo, false)
}

func (s *Store) GetBillDetails(ctx context.Context, kind domain.BillKind, billNo int64) (*domain.BillDetails, error) {
	tables, err := billTables(kind)
	if err != nil {
		return nil, err
	}
	details := domain.BillDetails{}
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT bill_no, way_bill_no, vehicle_no, destination, purchase_order_ref,
			cgst, sgst, igst, cess, tcs, total
		FROM %s
		WHERE bill_no = $1
	`, tables.details), billNo).Scan(
		&details.BillNo, &details.WayBillNo, &details.VehicleNo, &details.Destination, &details.PurchaseOrderRef,
		&details.CGST, &details.SGST, &details.IGST, &details.Cess, &details.TCS, &details.Total,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &details, nil
}

func (s *Store) ListLineItems(ctx context.Context, kind domain.BillKind, billNo int64) ([]domain.LineItem, error) {
	return listLineItems(ctx, s.db, kind, billNo)
}

func (s *Store) ListBills(ctx context.Context, filter domain.BillFilter) ([]domain.BillSummary, int, error) {
	tables, err := billTables(filter.Kind)
	if err != nil {
		return nil, 0, err
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 10
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	var total int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM %s
		WHERE ($1::bigint = 0 OR party_id = $1::bigint)
	`, tables.bills), filter.PartyID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT b.bill_no, b.party_id, COALESCE(p.name, ''), b.created_at,
			COUNT(i.id), COALESCE(SUM(i.total_price), 0)
		FROM %s b
		LEFT JOIN %s p ON p.id = b.party_id
		LEFT JOIN %s i ON i.bill_no = b.bill_no
		WHERE ($1::bigint = 0 OR b.party_id = $1::bigint)
		GROUP BY b.bill_no, b.party_id, p.name, b.created_at
		ORDER BY b.created_at DESC, b.bill_no DESC
		LIMIT $2 OFFSET $3
	`, tables.bills, tables.parties, tables.items), filter.PartyID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	bills := make([]domain.BillSummary, 0, pageSize)
	for rows.Next() {
		summary := domain.BillSummary{Kind: filter.Kind}
		if err := rows.Scan(&summary.BillNo, &summary.PartyID, &summary.PartyName, &summary.CreatedAt, &summary.ItemCount, &summary.ItemsTotal); err != nil {
			return nil, 0, err
		}
		summary.CreatedAt = summary.CreatedAt.UTC()
		bills = append(bills, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return bills, total, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleClerk
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
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

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getParty(ctx context.Context, q queryer, kind domain.PartyKind, id int64, forUpdate bool) (*domain.Party, error) {
	table, err := partyTable(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, name, phone, email, address, tax_id, is_deleted, created_at
		FROM %s
		WHERE id = $1
	`, table)
	if forUpdate {
		query += " FOR UPDATE"
	}

	p := domain.Party{Kind: kind}
	err = q.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.Phone, &p.Email, &p.Address, &p.TaxID, &p.IsDeleted, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapError(err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func getStockItem(ctx context.Context, q queryer, id int64) (*domain.StockItem, error) {
	var item domain.StockItem
	err := q.QueryRowContext(ctx, `
		SELECT id, name, quantity, is_deleted, created_at
		FROM stock_items
		WHERE id = $1
	`, id).Scan(&item.ID, &item.Name, &item.Quantity, &item.IsDeleted, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapError(err)
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func scanStockMap(rows *sql.Rows, result map[int64]domain.StockItem) (map[int64]domain.StockItem, error) {
	for rows.Next() {
		var item domain.StockItem
		if err := rows.Scan(&item.ID, &item.Name, &item.Quantity, &item.IsDeleted, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.CreatedAt = item.CreatedAt.UTC()
		result[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

func getBill(ctx context.Context, q queryer, kind domain.BillKind, billNo int64, forUpdate bool) (*domain.BillHeader, error) {
	tables, err := billTables(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT bill_no, party_id, created_at
		FROM %s
		WHERE bill_no = $1
	`, tables.bills)
	if forUpdate {
		query += " FOR UPDATE"
	}

	header := domain.BillHeader{Kind: kind}
	if err := q.QueryRowContext(ctx, query, billNo).Scan(&header.BillNo, &header.PartyID, &header.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapError(err)
	}
	header.CreatedAt = header.CreatedAt.UTC()
	return &header, nil
}

func listLineItems(ctx context.Context, q queryer, kind domain.BillKind, billNo int64) ([]domain.LineItem, error) {
	tables, err := billTables(kind)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, bill_no, stock_id, quantity, unit_price, total_price
		FROM %s
		WHERE bill_no = $1
		ORDER BY id
	`, tables.items), billNo)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	items := make([]domain.LineItem, 0, 8)
	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ID, &item.BillNo, &item.StockID, &item.Quantity, &item.UnitPrice, &item.TotalPrice); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return items, nil
}

func partyTable(kind domain.PartyKind) (string, error) {
	switch kind {
	case domain.PartyKindSupplier:
		return "suppliers", nil
	case domain.PartyKindCustomer:
		return "customers", nil
	default:
		return "", fmt.Errorf("%w: unknown party kind %q", store.ErrValidation, kind)
	}
}

type kindTables struct {
	parties string
	bills   string
	details string
	items   string
}

func billTables(kind domain.BillKind) (kindTables, error) {
	switch kind {
	case domain.BillKindPurchase:
		return kindTables{parties: "suppliers", bills: "purchase_bills", details: "purchase_bill_details", items: "purchase_items"}, nil
	case domain.BillKindSale:
		return kindTables{parties: "customers", bills: "sale_bills", details: "sale_bill_details", items: "sale_items"}, nil
	default:
		return kindTables{}, fmt.Errorf("%w: unknown bill kind %q", store.ErrValidation, kind)
	}
}

// mapError translates postgres error codes into store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return store.NewFieldError(store.ErrConflict, conflictField(pgErr.ConstraintName), "is already in use")
	case "23503":
		return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.Detail)
	case "22003":
		return fmt.Errorf("%w: %s", store.ErrValidation, pgErr.Message)
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %s", store.ErrRetryable, pgErr.Message)
	}
	return err
}

func conflictField(constraint string) string {
	switch {
	case strings.Contains(constraint, "_phone_"):
		return "phone"
	case strings.Contains(constraint, "_tax_id_"):
		return "tax_id"
	case strings.Contains(constraint, "_name_"):
		return "name"
	default:
		return ""
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
