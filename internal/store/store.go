package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockbill/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrRetryable marks lock or serialization failures; the whole unit of work may be retried.
	ErrRetryable = errors.New("transient conflict")
)

// FieldError ties a sentinel error to the input field that caused it. Index is the
// zero-based line item position, or -1 when the field is not part of a line item.
type FieldError struct {
	Err    error
	Field  string
	Index  int
	Reason string
}

func (e *FieldError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s: items[%d].%s %s", e.Err.Error(), e.Index, e.Field, e.Reason)
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", e.Err.Error(), e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func NewFieldError(err error, field string, reason string) *FieldError {
	return &FieldError{Err: err, Field: field, Index: -1, Reason: reason}
}

func NewLineError(err error, index int, field string, reason string) *FieldError {
	return &FieldError{Err: err, Field: field, Index: index, Reason: reason}
}

// Store is the read side plus the entry point for units of work. Reads take no locks
// and may observe the state between two committed units of work.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	GetParty(ctx context.Context, kind domain.PartyKind, id int64) (*domain.Party, error)
	ListParties(ctx context.Context, kind domain.PartyKind, includeDeleted bool) ([]domain.Party, error)

	GetStockItem(ctx context.Context, id int64) (*domain.StockItem, error)
	GetStockItemsByIDs(ctx context.Context, ids []int64) (map[int64]domain.StockItem, error)
	ListStockItems(ctx context.Context, includeDeleted bool) ([]domain.StockItem, error)
	ListStockMovements(ctx context.Context, stockID int64, limit int) ([]domain.StockMovement, error)

	GetBill(ctx context.Context, kind domain.BillKind, billNo int64) (*domain.BillHeader, error)
	GetBillDetails(ctx context.Context, kind domain.BillKind, billNo int64) (*domain.BillDetails, error)
	ListLineItems(ctx context.Context, kind domain.BillKind, billNo int64) ([]domain.LineItem, error)
	ListBills(ctx context.Context, filter domain.BillFilter) ([]domain.BillSummary, int, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is one atomic unit of work. Everything written through a Tx becomes visible on
// Commit, or not at all. Rollback after Commit is a no-op, so callers may defer it.
type Tx interface {
	Commit() error
	Rollback() error

	CreateParty(ctx context.Context, party domain.Party) (*domain.Party, error)
	GetParty(ctx context.Context, kind domain.PartyKind, id int64) (*domain.Party, error)
	UpdateParty(ctx context.Context, party domain.Party) (*domain.Party, error)
	SoftDeleteParty(ctx context.Context, kind domain.PartyKind, id int64) error

	CreateStockItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error)
	RenameStockItem(ctx context.Context, id int64, name string) (*domain.StockItem, error)
	SoftDeleteStockItem(ctx context.Context, id int64) error
	// LockStockItems locks the given rows for the rest of the unit of work, in ascending
	// id order. Ids that do not exist are absent from the result.
	LockStockItems(ctx context.Context, ids []int64) (map[int64]domain.StockItem, error)
	GetStockItem(ctx context.Context, id int64) (*domain.StockItem, error)
	SetStockQuantity(ctx context.Context, id int64, qty int) error
	CreateStockMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error)

	CreateBill(ctx context.Context, header domain.BillHeader) (*domain.BillHeader, error)
	GetBillForUpdate(ctx context.Context, kind domain.BillKind, billNo int64) (*domain.BillHeader, error)
	CreateBillDetails(ctx context.Context, kind domain.BillKind, details domain.BillDetails) error
	UpdateBillDetails(ctx context.Context, kind domain.BillKind, details domain.BillDetails) error
	CreateLineItem(ctx context.Context, kind domain.BillKind, item domain.LineItem) (*domain.LineItem, error)
	ListLineItems(ctx context.Context, kind domain.BillKind, billNo int64) ([]domain.LineItem, error)
	// DeleteBill removes the line items, the details record and the header.
	DeleteBill(ctx context.Context, kind domain.BillKind, billNo int64) error
}
