package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type BillKind string

const (
	BillKindPurchase BillKind = "purchase"
	BillKindSale     BillKind = "sale"
)

func (k BillKind) Valid() bool {
	return k == BillKindPurchase || k == BillKindSale
}

// Sign is the direction a bill of this kind moves stock: purchases add, sales remove.
func (k BillKind) Sign() int {
	if k == BillKindSale {
		return -1
	}
	return 1
}

func (k BillKind) PartyKind() PartyKind {
	if k == BillKindSale {
		return PartyKindCustomer
	}
	return PartyKindSupplier
}

type PartyKind string

const (
	PartyKindSupplier PartyKind = "supplier"
	PartyKindCustomer PartyKind = "customer"
)

func (k PartyKind) Valid() bool {
	return k == PartyKindSupplier || k == PartyKindCustomer
}

type Party struct {
	ID        int64     `json:"id"`
	Kind      PartyKind `json:"kind"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`
	Address   string    `json:"address"`
	TaxID     string    `json:"tax_id"`
	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`
}

type PartyCreateRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Address string `json:"address"`
	TaxID   string `json:"tax_id"`
}

type PartyUpdateRequest struct {
	Name    *string `json:"name,omitempty"`
	Phone   *string `json:"phone,omitempty"`
	Email   *string `json:"email,omitempty"`
	Address *string `json:"address,omitempty"`
	TaxID   *string `json:"tax_id,omitempty"`
}

type StockItem struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Quantity  int       `json:"quantity"`
	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`
}

type StockItemRequest struct {
	Name string `json:"name"`
}

const (
	MovementReasonBillCreate = "bill_create"
	MovementReasonBillDelete = "bill_delete"
)

// StockMovement is one applied signed delta. Movements outlive the bill they came from.
type StockMovement struct {
	ID            int64     `json:"id"`
	StockID       int64     `json:"stock_id"`
	BillKind      BillKind  `json:"bill_kind"`
	BillNo        int64     `json:"bill_no"`
	Delta         int       `json:"delta"`
	QuantityAfter int       `json:"quantity_after"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

type BillHeader struct {
	BillNo    int64     `json:"bill_no"`
	Kind      BillKind  `json:"kind"`
	PartyID   int64     `json:"party_id"`
	CreatedAt time.Time `json:"created_at"`
}

type LineItem struct {
	ID         int64           `json:"id"`
	BillNo     int64           `json:"bill_no"`
	StockID    int64           `json:"stock_id"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

type LineItemInput struct {
	StockID   int64           `json:"stock_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// BillDetailsFields are the shipping and tax fields. Values are stored as submitted.
type BillDetailsFields struct {
	WayBillNo        string `json:"way_bill_no"`
	VehicleNo        string `json:"vehicle_no"`
	Destination      string `json:"destination"`
	PurchaseOrderRef string `json:"purchase_order_ref"`
	CGST             string `json:"cgst"`
	SGST             string `json:"sgst"`
	IGST             string `json:"igst"`
	Cess             string `json:"cess"`
	TCS              string `json:"tcs"`
	Total            string `json:"total"`
}

type BillDetails struct {
	BillNo int64 `json:"bill_no"`
	BillDetailsFields
}

type BillCreateRequest struct {
	PartyID int64           `json:"party_id"`
	Items   []LineItemInput `json:"items"`
}

type StockWarning struct {
	StockID  int64  `json:"stock_id"`
	Quantity int    `json:"quantity"`
	Message  string `json:"message"`
}

type BillCreateResponse struct {
	Bill     BillHeader     `json:"bill"`
	Items    []LineItem     `json:"items"`
	Warnings []StockWarning `json:"warnings,omitempty"`
}

type BillDeleteResponse struct {
	BillNo         int64          `json:"bill_no"`
	Kind           BillKind       `json:"kind"`
	Reversed       int            `json:"reversed_lines"`
	FrozenStockIDs []int64        `json:"frozen_stock_ids,omitempty"`
	Warnings       []StockWarning `json:"warnings,omitempty"`
}

type BillLineView struct {
	LineItem
	StockName string `json:"stock_name"`
}

type BillView struct {
	Bill       BillHeader      `json:"bill"`
	Party      Party           `json:"party"`
	Items      []BillLineView  `json:"items"`
	Details    BillDetails     `json:"details"`
	ItemsTotal decimal.Decimal `json:"items_total"`
}

type BillSummary struct {
	BillNo     int64           `json:"bill_no"`
	Kind       BillKind        `json:"kind"`
	PartyID    int64           `json:"party_id"`
	PartyName  string          `json:"party_name"`
	CreatedAt  time.Time       `json:"created_at"`
	ItemCount  int             `json:"item_count"`
	ItemsTotal decimal.Decimal `json:"items_total"`
}

type BillFilter struct {
	Kind     BillKind
	PartyID  int64
	Page     int
	PageSize int
}

type BillListResponse struct {
	Bills    []BillSummary `json:"bills"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Total    int           `json:"total"`
}

type PartyBillsResponse struct {
	Party Party `json:"party"`
	BillListResponse
}

const (
	BillEventCreated        = "bill.created"
	BillEventDeleted        = "bill.deleted"
	BillEventDetailsUpdated = "bill.details_updated"
)

type BillEvent struct {
	Type       string          `json:"type"`
	Kind       BillKind        `json:"kind"`
	BillNo     int64           `json:"bill_no"`
	PartyID    int64           `json:"party_id,omitempty"`
	ItemCount  int             `json:"item_count,omitempty"`
	ItemsTotal decimal.Decimal `json:"items_total"`
	Actor      string          `json:"actor"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	RoleAdmin = "admin"
	RoleClerk = "clerk"
)

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
