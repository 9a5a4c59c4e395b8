package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockbill/backend/internal/billing"
	"stockbill/backend/internal/domain"
	"stockbill/backend/internal/ledger"
	"stockbill/backend/internal/store"
	"stockbill/backend/internal/store/memory"
)

func newTestService(t *testing.T, policy ledger.Policy) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	svc := New(repo, billing.NewCoordinator(ledger.New(policy)), Options{MaxRetries: 2})
	return svc, repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func clerkCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "clerk", Role: domain.RoleClerk})
}

func price(raw string) decimal.Decimal {
	return decimal.RequireFromString(raw)
}

func mustParty(t *testing.T, svc *Service, kind domain.PartyKind, phone string) domain.Party {
	t.Helper()
	party, err := svc.CreateParty(adminCtx(), kind, domain.PartyCreateRequest{Name: "Comercial Andina", Phone: phone})
	if err != nil {
		t.Fatalf("create %s: %v", kind, err)
	}
	return party
}

func mustStock(t *testing.T, svc *Service, name string) domain.StockItem {
	t.Helper()
	item, err := svc.CreateStockItem(adminCtx(), domain.StockItemRequest{Name: name})
	if err != nil {
		t.Fatalf("create stock %s: %v", name, err)
	}
	return item
}

func quantityOf(t *testing.T, repo *memory.Store, id int64) int {
	t.Helper()
	item, err := repo.GetStockItem(context.Background(), id)
	if err != nil {
		t.Fatalf("get stock %d: %v", id, err)
	}
	return item.Quantity
}

func TestPurchaseAddsAndDeleteRestoresQuantity(t *testing.T) {
	svc, repo := newTestService(t, ledger.PolicyFlag)
	supplier := mustParty(t, svc, domain.PartyKindSupplier, "911111111")
	widget := mustStock(t, svc, "Widget")

	if _, err := svc.CreatePurchase(adminCtx(), domain.BillCreateRequest{
		PartyID: supplier.ID,
		Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 10, UnitPrice: price("1.50")}},
	}); err != nil {
		t.Fatalf("seed purchase: %v", err)
	}
	if got := quantityOf(t, repo, widget.ID); got != 10 {
		t.Fatalf("expected quantity 10, got %d", got)
	}

	resp, err := svc.CreatePurchase(adminCtx(), domain.BillCreateRequest{
		PartyID: supplier.ID,
		Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 5, UnitPrice: price("2.00")}},
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if got := quantityOf(t, repo, widget.ID); got != 15 {
		t.Fatalf("expected quantity 15 after purchase, got %d", got)
	}
	if len(resp.Items) != 1 || !resp.Items[0].TotalPrice.Equal(price("10.00")) {
		t.Fatalf("expected one line totalling 10.00, got %+v", resp.Items)
	}

	if _, err := svc.DeletePurchase(adminCtx(), resp.Bill.BillNo); err != nil {
		t.Fatalf("delete purchase: %v", err)
	}
	if got := quantityOf(t, repo, widget.ID); got != 10 {
		t.Fatalf("expected quantity 10 after delete, got %d", got)
	}
	if _, err := svc.GetBill(adminCtx(), domain.BillKindPurchase, resp.Bill.BillNo); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted bill to be gone, got %v", err)
	}
}

func TestSaleSubtractsQuantity(t *testing.T) {
	svc, repo := newTestService(t, ledger.PolicyFlag)
	supplier := mustParty(t, svc, domain.PartyKindSupplier, "911111111")
	customer := mustParty(t, svc, domain.PartyKindCustomer, "922222222")
	widget := mustStock(t, svc, "Widget")

	if _, err := svc.CreatePurchase(adminCtx(), domain.BillCreateRequest{
		PartyID: supplier.ID,
		Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 8, UnitPrice: price("1")}},
	}); err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	resp, err := svc.CreateSale(clerkCtx(), domain.BillCreateRequest{
		PartyID: customer.ID,
		Items: []domain.LineItemInput{
			{StockID: widget.ID, Quantity: 2, UnitPrice: price("3.25")},
			{StockID: widget.ID, Quantity: 1, UnitPrice: price("3.25")},
		},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if got := quantityOf(t, repo, widget.ID); got != 5 {
		t.Fatalf("expected quantity 5 after sale, got %d", got)
	}
	if len(resp.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %+v", resp.Warnings)
	}

	view, err := svc.GetBill(clerkCtx(), domain.BillKindSale, resp.Bill.BillNo)
	if err != nil {
		t.Fatalf("get bill: %v", err)
	}
	if !view.ItemsTotal.Equal(price("9.75")) {
		t.Fatalf("expected items total 9.75, got %s", view.ItemsTotal)
	}
	if view.Items[0].StockName != "Widget" || view.Party.ID != customer.ID {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestDeleteLeavesSoftDeletedStockFrozen(t *testing.T) {
	svc, repo := newTestService(t, ledger.PolicyFlag)
	supplier := mustParty(t, svc, domain.PartyKindSupplier, "911111111")
	customer := mustParty(t, svc, domain.PartyKindCustomer, "922222222")
	widget := mustStock(t, svc, "Widget")

	if _, err := svc.CreatePurchase(adminCtx(), domain.BillCreateRequest{
		PartyID: supplier.ID,
		Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 5, UnitPrice: price("1")}},
	}); err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	sale, err := svc.CreateSale(adminCtx(), domain.BillCreateRequest{
		PartyID: customer.ID,
		Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 2, UnitPrice: price("1")}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if err := svc.DeleteStockItem(adminCtx(), widget.ID); err != nil {
		t.Fatalf("delete stock: %v", err)
	}

	resp, err := svc.DeleteSale(adminCtx(), sale.Bill.BillNo)
	if err != nil {
		t.Fatalf("delete sale: %v", err)
	}
	if got := quantityOf(t, repo, widget.ID); got != 3 {
		t.Fatalf("expected frozen quantity 3, got %d", got)
	}
	if resp.Reversed != 0 || len(resp.FrozenStockIDs) != 1 || resp.FrozenStockIDs[0] != widget.ID {
		t.Fatalf("unexpected delete response %+v", resp)
	}
}

func TestCreateBillRejectsEmptyLines(t *testing.T) {
	svc, _ := newTestService(t, ledger.PolicyFlag)
	supplier := mustParty(t, svc, domain.PartyKindSupplier, "911111111")

	_, err := svc.CreatePurchase(adminCtx(), domain.BillCreateRequest{PartyID: supplier.ID})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	list, err := svc.ListBills(adminCtx(), domain.BillKindPurchase, 1, 10)
	if err != nil {
		t.Fatalf("list bills: %v", err)
	}
	if list.Total != 0 {
		t.Fatalf("expected no bills, got %d", list.Total)
	}
}

func TestCreateBillUnknownStockLeavesNoTrace(t *testing.T) {
	svc, repo := newTestService(t, ledger.PolicyFlag)
	supplier := mustParty(t, svc, domain.PartyKindSupplier, "911111111")
	widget := mustStock(t, svc, "Widget")

	_, err := svc.CreatePurchase(adminCtx(), domain.BillCreateRequest{
		PartyID: supplier.ID,
		Items: []domain.LineItemInput{
			{StockID: widget.ID, Quantity: 4, UnitPrice: price("1")},
			{StockID: 999, Quantity: 1, UnitPrice: price("1")},
		},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var fieldErr *store.FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Index != 1 || fieldErr.Field != "stock_id" {
		t.Fatalf("expected line 1 stock_id error, got %#v", err)
	}

	if got := quantityOf(t, repo, widget.ID); got != 0 {
		t.Fatalf("expected quantity unchanged, got %d", got)
	}
	if _, err := repo.GetBill(context.Background(), domain.BillKindPurchase, 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no bill header, got %v", err)
	}
	movements, err := svc.ListStockMovements(adminCtx(), widget.ID, 10)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(movements) != 0 {
		t.Fatalf("expected no movements, got %d", len(movements))
	}
}

func TestOversellPolicies(t *testing.T) {
	t.Run("flag applies and warns", func(t *testing.T) {
		svc, repo := newTestService(t, ledger.PolicyFlag)
		customer := mustParty(t, svc, domain.PartyKindCustomer, "922222222")
		widget := mustStock(t, svc, "Widget")

		resp, err := svc.CreateSale(adminCtx(), domain.BillCreateRequest{
			PartyID: customer.ID,
			Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 3, UnitPrice: price("1")}},
		})
		if err != nil {
			t.Fatalf("create sale: %v", err)
		}
		if got := quantityOf(t, repo, widget.ID); got != -3 {
			t.Fatalf("expected quantity -3, got %d", got)
		}
		if len(resp.Warnings) != 1 || resp.Warnings[0].StockID != widget.ID {
			t.Fatalf("expected one oversell warning, got %+v", resp.Warnings)
		}
	})

	t.Run("reject aborts the bill", func(t *testing.T) {
		svc, repo := newTestService(t, ledger.PolicyReject)
		customer := mustParty(t, svc, domain.PartyKindCustomer, "922222222")
		widget := mustStock(t, svc, "Widget")

		_, err := svc.CreateSale(adminCtx(), domain.BillCreateRequest{
			PartyID: customer.ID,
			Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 1, UnitPrice: price("1")}},
		})
		if !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("expected insufficient stock, got %v", err)
		}
		if got := quantityOf(t, repo, widget.ID); got != 0 {
			t.Fatalf("expected quantity 0, got %d", got)
		}
		list, _ := svc.ListBills(adminCtx(), domain.BillKindSale, 1, 10)
		if list.Total != 0 {
			t.Fatalf("expected no sale bills, got %d", list.Total)
		}
	})
}

func TestDeletedPartyCannotBeBilled(t *testing.T) {
	svc, _ := newTestService(t, ledger.PolicyFlag)
	supplier := mustParty(t, svc, domain.PartyKindSupplier, "911111111")
	widget := mustStock(t, svc, "Widget")

	if err := svc.DeleteParty(adminCtx(), domain.PartyKindSupplier, supplier.ID); err != nil {
		t.Fatalf("delete supplier: %v", err)
	}
	_, err := svc.CreatePurchase(adminCtx(), domain.BillCreateRequest{
		PartyID: supplier.ID,
		Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 1, UnitPrice: price("1")}},
	})
	var fieldErr *store.FieldError
	if !errors.Is(err, store.ErrNotFound) || !errors.As(err, &fieldErr) || fieldErr.Field != "party_id" {
		t.Fatalf("expected party_id not found, got %v", err)
	}
}

func TestPartyPhoneUniqueAmongActiveParties(t *testing.T) {
	svc, _ := newTestService(t, ledger.PolicyFlag)
	first := mustParty(t, svc, domain.PartyKindCustomer, "933333333")

	_, err := svc.CreateParty(adminCtx(), domain.PartyKindCustomer, domain.PartyCreateRequest{Name: "Otro Cliente", Phone: "933333333"})
	var fieldErr *store.FieldError
	if !errors.Is(err, store.ErrConflict) || !errors.As(err, &fieldErr) || fieldErr.Field != "phone" {
		t.Fatalf("expected phone conflict, got %v", err)
	}

	// the same phone is free for a supplier
	if _, err := svc.CreateParty(adminCtx(), domain.PartyKindSupplier, domain.PartyCreateRequest{Name: "Proveedor", Phone: "933333333"}); err != nil {
		t.Fatalf("create supplier with same phone: %v", err)
	}

	if err := svc.DeleteParty(adminCtx(), domain.PartyKindCustomer, first.ID); err != nil {
		t.Fatalf("delete customer: %v", err)
	}
	if err := svc.DeleteParty(adminCtx(), domain.PartyKindCustomer, first.ID); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := svc.CreateParty(adminCtx(), domain.PartyKindCustomer, domain.PartyCreateRequest{Name: "Otro Cliente", Phone: "933333333"}); err != nil {
		t.Fatalf("expected phone reusable after delete: %v", err)
	}

	name := "Nombre Nuevo"
	if _, err := svc.UpdateParty(adminCtx(), domain.PartyKindCustomer, first.ID, domain.PartyUpdateRequest{Name: &name}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state updating deleted party, got %v", err)
	}
}

func TestPartyValidation(t *testing.T) {
	svc, _ := newTestService(t, ledger.PolicyFlag)

	cases := []struct {
		name  string
		req   domain.PartyCreateRequest
		field string
	}{
		{"missing name", domain.PartyCreateRequest{Phone: "911111111"}, "name"},
		{"digits in name", domain.PartyCreateRequest{Name: "Tienda 24", Phone: "911111111"}, "name"},
		{"short phone", domain.PartyCreateRequest{Name: "Tienda", Phone: "12345"}, "phone"},
		{"bad tax id", domain.PartyCreateRequest{Name: "Tienda", Phone: "911111111", TaxID: "12-34"}, "tax_id"},
		{"bad email", domain.PartyCreateRequest{Name: "Tienda", Phone: "911111111", Email: "not-an-email"}, "email"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateParty(adminCtx(), domain.PartyKindSupplier, tc.req)
			var fieldErr *store.FieldError
			if !errors.Is(err, store.ErrValidation) || !errors.As(err, &fieldErr) || fieldErr.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}

	party, err := svc.CreateParty(adminCtx(), domain.PartyKindSupplier, domain.PartyCreateRequest{Name: "  Tienda   Central ", Phone: "911111111", TaxID: "abc12345678"})
	if err != nil {
		t.Fatalf("create valid party: %v", err)
	}
	if party.Name != "Tienda Central" || party.TaxID != "ABC12345678" {
		t.Fatalf("expected normalized party, got %+v", party)
	}
}

func TestDirectoryUpdateAndListing(t *testing.T) {
	svc, _ := newTestService(t, ledger.PolicyFlag)
	ana := mustParty(t, svc, domain.PartyKindCustomer, "911111111")
	other, err := svc.CreateParty(adminCtx(), domain.PartyKindCustomer, domain.PartyCreateRequest{Name: "Bodega Lucia", Phone: "922222222"})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}

	email := "compras@andina.pe"
	updated, err := svc.UpdateParty(clerkCtx(), domain.PartyKindCustomer, ana.ID, domain.PartyUpdateRequest{Email: &email})
	if err != nil {
		t.Fatalf("update party: %v", err)
	}
	if updated.Email != email || updated.Phone != "911111111" {
		t.Fatalf("expected only email to change, got %+v", updated)
	}

	taken := "922222222"
	if _, err := svc.UpdateParty(clerkCtx(), domain.PartyKindCustomer, ana.ID, domain.PartyUpdateRequest{Phone: &taken}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected phone conflict on update, got %v", err)
	}

	got, err := svc.GetParty(clerkCtx(), domain.PartyKindCustomer, ana.ID)
	if err != nil || got.Email != email {
		t.Fatalf("expected stored email, got %+v (%v)", got, err)
	}
	if _, err := svc.GetParty(clerkCtx(), domain.PartyKindSupplier, ana.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected customers and suppliers to be separate, got %v", err)
	}

	if err := svc.DeleteParty(adminCtx(), domain.PartyKindCustomer, other.ID); err != nil {
		t.Fatalf("delete party: %v", err)
	}
	active, err := svc.ListParties(clerkCtx(), domain.PartyKindCustomer, false)
	if err != nil || len(active) != 1 || active[0].ID != ana.ID {
		t.Fatalf("expected only the active customer, got %+v (%v)", active, err)
	}
	all, err := svc.ListParties(clerkCtx(), domain.PartyKindCustomer, true)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected deleted customer when requested, got %d (%v)", len(all), err)
	}

	widget := mustStock(t, svc, "Widget")
	if _, err := svc.CreateStockItem(adminCtx(), domain.StockItemRequest{Name: "widget"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected case-insensitive stock name conflict, got %v", err)
	}
	renamed, err := svc.UpdateStockItem(clerkCtx(), widget.ID, domain.StockItemRequest{Name: " Widget XL "})
	if err != nil || renamed.Name != "Widget XL" {
		t.Fatalf("expected rename, got %+v (%v)", renamed, err)
	}
	items, err := svc.ListStockItems(clerkCtx(), false)
	if err != nil || len(items) != 1 || items[0].Name != "Widget XL" {
		t.Fatalf("unexpected stock list %+v (%v)", items, err)
	}
}

func TestUpdateBillDetails(t *testing.T) {
	svc, _ := newTestService(t, ledger.PolicyFlag)
	supplier := mustParty(t, svc, domain.PartyKindSupplier, "911111111")
	widget := mustStock(t, svc, "Widget")

	bill, err := svc.CreatePurchase(adminCtx(), domain.BillCreateRequest{
		PartyID: supplier.ID,
		Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 1, UnitPrice: price("1")}},
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}

	details, err := svc.UpdateBillDetails(adminCtx(), domain.BillKindPurchase, bill.Bill.BillNo, domain.BillDetailsFields{
		WayBillNo: " WB-001 ",
		CGST:      "9%",
		Total:     "1.18",
	})
	if err != nil {
		t.Fatalf("update details: %v", err)
	}
	if details.WayBillNo != "WB-001" || details.CGST != "9%" {
		t.Fatalf("unexpected details %+v", details)
	}

	view, err := svc.GetBill(adminCtx(), domain.BillKindPurchase, bill.Bill.BillNo)
	if err != nil {
		t.Fatalf("get bill: %v", err)
	}
	if view.Details.Total != "1.18" {
		t.Fatalf("expected stored total 1.18, got %q", view.Details.Total)
	}

	if _, err := svc.UpdateBillDetails(adminCtx(), domain.BillKindPurchase, 404, domain.BillDetailsFields{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for missing bill, got %v", err)
	}
	if _, err := svc.UpdateBillDetails(adminCtx(), domain.BillKindSale, bill.Bill.BillNo, domain.BillDetailsFields{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected purchase number not to resolve as a sale, got %v", err)
	}
	long := fmt.Sprintf("%051d", 0)
	if _, err := svc.UpdateBillDetails(adminCtx(), domain.BillKindPurchase, bill.Bill.BillNo, domain.BillDetailsFields{Destination: long}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for long field, got %v", err)
	}
}

func TestDeleteRequiresAdmin(t *testing.T) {
	svc, repo := newTestService(t, ledger.PolicyFlag)
	supplier := mustParty(t, svc, domain.PartyKindSupplier, "911111111")
	widget := mustStock(t, svc, "Widget")

	bill, err := svc.CreatePurchase(clerkCtx(), domain.BillCreateRequest{
		PartyID: supplier.ID,
		Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 2, UnitPrice: price("1")}},
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if _, err := svc.DeletePurchase(clerkCtx(), bill.Bill.BillNo); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := svc.DeleteStockItem(clerkCtx(), widget.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if got := quantityOf(t, repo, widget.ID); got != 2 {
		t.Fatalf("expected quantity 2, got %d", got)
	}
}

func TestListBillsNewestFirst(t *testing.T) {
	svc, _ := newTestService(t, ledger.PolicyFlag)
	supplier := mustParty(t, svc, domain.PartyKindSupplier, "911111111")
	other := mustParty(t, svc, domain.PartyKindSupplier, "922222222")
	widget := mustStock(t, svc, "Widget")

	for i := 0; i < 12; i++ {
		partyID := supplier.ID
		if i%4 == 0 {
			partyID = other.ID
		}
		if _, err := svc.CreatePurchase(adminCtx(), domain.BillCreateRequest{
			PartyID: partyID,
			Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 1, UnitPrice: price("2")}},
		}); err != nil {
			t.Fatalf("create purchase %d: %v", i, err)
		}
	}

	first, err := svc.ListBills(adminCtx(), domain.BillKindPurchase, 0, 0)
	if err != nil {
		t.Fatalf("list bills: %v", err)
	}
	if first.Total != 12 || len(first.Bills) != 10 || first.PageSize != 10 || first.Page != 1 {
		t.Fatalf("unexpected first page %+v", first)
	}
	if first.Bills[0].BillNo != 12 {
		t.Fatalf("expected newest bill first, got %d", first.Bills[0].BillNo)
	}
	if first.Bills[0].ItemCount != 1 || !first.Bills[0].ItemsTotal.Equal(price("2")) {
		t.Fatalf("unexpected summary %+v", first.Bills[0])
	}

	second, err := svc.ListBills(adminCtx(), domain.BillKindPurchase, 2, 10)
	if err != nil {
		t.Fatalf("list bills page 2: %v", err)
	}
	if len(second.Bills) != 2 {
		t.Fatalf("expected 2 bills on page 2, got %d", len(second.Bills))
	}

	partyBills, err := svc.ListPartyBills(adminCtx(), domain.PartyKindSupplier, other.ID, 1, 10)
	if err != nil {
		t.Fatalf("list party bills: %v", err)
	}
	if partyBills.Total != 3 || partyBills.Party.ID != other.ID {
		t.Fatalf("expected 3 bills for other supplier, got %+v", partyBills.BillListResponse)
	}
}

func TestConcurrentSalesKeepQuantityConsistent(t *testing.T) {
	svc, repo := newTestService(t, ledger.PolicyReject)
	supplier := mustParty(t, svc, domain.PartyKindSupplier, "911111111")
	customer := mustParty(t, svc, domain.PartyKindCustomer, "922222222")
	widget := mustStock(t, svc, "Widget")

	if _, err := svc.CreatePurchase(adminCtx(), domain.BillCreateRequest{
		PartyID: supplier.ID,
		Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 20, UnitPrice: price("1")}},
	}); err != nil {
		t.Fatalf("create purchase: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateSale(clerkCtx(), domain.BillCreateRequest{
				PartyID: customer.ID,
				Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 1, UnitPrice: price("1")}},
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, store.ErrInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 20 || rejected != 5 {
		t.Fatalf("expected 20 accepted and 5 rejected, got %d and %d", accepted, rejected)
	}
	if got := quantityOf(t, repo, widget.ID); got != 0 {
		t.Fatalf("expected quantity 0, got %d", got)
	}
}

type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
	begins   int
}

func (s *flakyStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.begins++
	s.mu.Unlock()
	return &flakyTx{Tx: tx, parent: s}, nil
}

type flakyTx struct {
	store.Tx
	parent *flakyStore
}

func (t *flakyTx) Commit() error {
	t.parent.mu.Lock()
	fail := t.parent.failures > 0
	if fail {
		t.parent.failures--
	}
	t.parent.mu.Unlock()
	if fail {
		_ = t.Tx.Rollback()
		return fmt.Errorf("%w: serialization failure", store.ErrRetryable)
	}
	return t.Tx.Commit()
}

func TestRetryableCommitIsRetried(t *testing.T) {
	repo := &flakyStore{Store: memory.New()}
	svc := New(repo, billing.NewCoordinator(ledger.New(ledger.PolicyFlag)), Options{MaxRetries: 2})
	supplier := mustParty(t, svc, domain.PartyKindSupplier, "911111111")
	widget := mustStock(t, svc, "Widget")

	repo.mu.Lock()
	repo.failures = 1
	repo.begins = 0
	repo.mu.Unlock()

	resp, err := svc.CreatePurchase(adminCtx(), domain.BillCreateRequest{
		PartyID: supplier.ID,
		Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 7, UnitPrice: price("1")}},
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if repo.begins != 2 {
		t.Fatalf("expected 2 attempts, got %d", repo.begins)
	}
	if got := quantityOf(t, repo.Store, widget.ID); got != 7 {
		t.Fatalf("expected the delta applied once, got %d", got)
	}
	movements, err := svc.ListStockMovements(adminCtx(), widget.ID, 10)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(movements) != 1 || movements[0].BillNo != resp.Bill.BillNo {
		t.Fatalf("expected a single movement for bill %d, got %+v", resp.Bill.BillNo, movements)
	}

	repo.mu.Lock()
	repo.failures = 5
	repo.mu.Unlock()
	_, err = svc.CreatePurchase(adminCtx(), domain.BillCreateRequest{
		PartyID: supplier.ID,
		Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 1, UnitPrice: price("1")}},
	})
	if !errors.Is(err, store.ErrRetryable) {
		t.Fatalf("expected retryable error after exhausting retries, got %v", err)
	}
	if got := quantityOf(t, repo.Store, widget.ID); got != 7 {
		t.Fatalf("expected quantity unchanged, got %d", got)
	}
}

type recordingCache struct {
	mu      sync.Mutex
	entries map[string]domain.BillView
	deletes []string
}

func (c *recordingCache) Get(_ context.Context, key string) (*domain.BillView, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &view, true, nil
}

func (c *recordingCache) Set(_ context.Context, key string, value *domain.BillView, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = *value
	return nil
}

func (c *recordingCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.deletes = append(c.deletes, key)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.BillEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.BillEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func TestBillViewCacheAndEvents(t *testing.T) {
	billCache := &recordingCache{entries: map[string]domain.BillView{}}
	publisher := &recordingPublisher{}
	svc := New(memory.New(), billing.NewCoordinator(ledger.New(ledger.PolicyFlag)), Options{
		Cache:  billCache,
		Events: publisher,
	})
	customer := mustParty(t, svc, domain.PartyKindCustomer, "922222222")
	widget := mustStock(t, svc, "Widget")

	bill, err := svc.CreateSale(adminCtx(), domain.BillCreateRequest{
		PartyID: customer.ID,
		Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 2, UnitPrice: price("4.5")}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.CreateSale(adminCtx(), domain.BillCreateRequest{PartyID: customer.ID}); err == nil {
		t.Fatalf("expected empty sale to fail")
	}

	if _, err := svc.GetBill(adminCtx(), domain.BillKindSale, bill.Bill.BillNo); err != nil {
		t.Fatalf("get bill: %v", err)
	}
	if _, ok := billCache.entries["bill:sale:1"]; !ok {
		t.Fatalf("expected bill view cached, got %v", billCache.entries)
	}

	if _, err := svc.UpdateBillDetails(adminCtx(), domain.BillKindSale, bill.Bill.BillNo, domain.BillDetailsFields{VehicleNo: "ABC-123"}); err != nil {
		t.Fatalf("update details: %v", err)
	}
	view, err := svc.GetBill(adminCtx(), domain.BillKindSale, bill.Bill.BillNo)
	if err != nil {
		t.Fatalf("get bill: %v", err)
	}
	if view.Details.VehicleNo != "ABC-123" {
		t.Fatalf("expected fresh details after update, got %+v", view.Details)
	}

	if _, err := svc.DeleteSale(adminCtx(), bill.Bill.BillNo); err != nil {
		t.Fatalf("delete sale: %v", err)
	}
	if _, ok := billCache.entries["bill:sale:1"]; ok {
		t.Fatalf("expected cache entry dropped after delete")
	}

	types := make([]string, 0, len(publisher.events))
	for _, event := range publisher.events {
		types = append(types, event.Type)
	}
	want := []string{domain.BillEventCreated, domain.BillEventDetailsUpdated, domain.BillEventDeleted}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	if !publisher.events[0].ItemsTotal.Equal(price("9")) || publisher.events[0].Actor != "admin" {
		t.Fatalf("unexpected created event %+v", publisher.events[0])
	}
}

// gatedCache holds the first Set until release is closed.
type gatedCache struct {
	recordingCache
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (c *gatedCache) Set(ctx context.Context, key string, value *domain.BillView, ttl time.Duration) error {
	first := false
	c.once.Do(func() { first = true })
	if first {
		close(c.entered)
		<-c.release
	}
	return c.recordingCache.Set(ctx, key, value, ttl)
}

func TestBillViewNotCachedPastConcurrentChange(t *testing.T) {
	changes := map[string]func(svc *Service, billNo int64) error{
		"delete": func(svc *Service, billNo int64) error {
			_, err := svc.DeletePurchase(adminCtx(), billNo)
			return err
		},
		"details": func(svc *Service, billNo int64) error {
			_, err := svc.UpdateBillDetails(adminCtx(), domain.BillKindPurchase, billNo, domain.BillDetailsFields{WayBillNo: "WB-9"})
			return err
		},
	}

	for name, change := range changes {
		t.Run(name, func(t *testing.T) {
			billCache := &gatedCache{
				recordingCache: recordingCache{entries: map[string]domain.BillView{}},
				entered:        make(chan struct{}),
				release:        make(chan struct{}),
			}
			svc := New(memory.New(), billing.NewCoordinator(ledger.New(ledger.PolicyFlag)), Options{Cache: billCache})
			supplier := mustParty(t, svc, domain.PartyKindSupplier, "911111111")
			widget := mustStock(t, svc, "Widget")
			bill, err := svc.CreatePurchase(adminCtx(), domain.BillCreateRequest{
				PartyID: supplier.ID,
				Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 3, UnitPrice: price("2")}},
			})
			if err != nil {
				t.Fatalf("create purchase: %v", err)
			}

			done := make(chan error, 1)
			go func() {
				_, err := svc.GetBill(clerkCtx(), domain.BillKindPurchase, bill.Bill.BillNo)
				done <- err
			}()

			// the view is built; the bill changes before it reaches the cache
			<-billCache.entered
			if err := change(svc, bill.Bill.BillNo); err != nil {
				t.Fatalf("change bill: %v", err)
			}
			close(billCache.release)
			if err := <-done; err != nil {
				t.Fatalf("get bill: %v", err)
			}

			key := fmt.Sprintf("bill:purchase:%d", bill.Bill.BillNo)
			if _, hit, _ := billCache.Get(context.Background(), key); hit {
				t.Fatalf("expected outdated view dropped from cache")
			}
		})
	}
}

func TestAuditLogRecordsBillOperations(t *testing.T) {
	svc, _ := newTestService(t, ledger.PolicyFlag)
	supplier := mustParty(t, svc, domain.PartyKindSupplier, "911111111")
	widget := mustStock(t, svc, "Widget")

	if _, err := svc.CreatePurchase(clerkCtx(), domain.BillCreateRequest{
		PartyID: supplier.ID,
		Items:   []domain.LineItemInput{{StockID: widget.ID, Quantity: 1, UnitPrice: price("1")}},
	}); err != nil {
		t.Fatalf("create purchase: %v", err)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), "", 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) == 0 || logs[0].Action != "bill_create" || logs[0].ActorUsername != "clerk" {
		t.Fatalf("expected latest audit entry to be the clerk's bill_create, got %+v", logs)
	}
	if _, err := svc.ListAuditLogs(adminCtx(), "17-10-2026", 10); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for bad date, got %v", err)
	}
}
