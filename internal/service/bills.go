package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/shopspring/decimal"

	"stockbill/backend/internal/cache"
	"stockbill/backend/internal/domain"
	"stockbill/backend/internal/store"
)

func (s *Service) CreatePurchase(ctx context.Context, req domain.BillCreateRequest) (domain.BillCreateResponse, error) {
	return s.createBill(ctx, domain.BillKindPurchase, req)
}

func (s *Service) CreateSale(ctx context.Context, req domain.BillCreateRequest) (domain.BillCreateResponse, error) {
	return s.createBill(ctx, domain.BillKindSale, req)
}

func (s *Service) createBill(ctx context.Context, kind domain.BillKind, req domain.BillCreateRequest) (domain.BillCreateResponse, error) {
	if req.PartyID < 1 {
		return domain.BillCreateResponse{}, store.NewFieldError(store.ErrValidation, "party_id", "is required")
	}

	var resp *domain.BillCreateResponse
	err := s.withTx(ctx, func(tx store.Tx) error {
		created, err := s.coordinator.CreateBill(ctx, tx, kind, req.PartyID, req.Items)
		if err != nil {
			return err
		}
		resp = created
		return nil
	})
	if err != nil {
		return domain.BillCreateResponse{}, err
	}

	total := itemsTotal(resp.Items)
	billNo := strconv.FormatInt(resp.Bill.BillNo, 10)
	s.logAudit(ctx, "bill_create", string(kind)+"_bill", billNo, fmt.Sprintf("party=%d,lines=%d,total=%s,warnings=%d", resp.Bill.PartyID, len(resp.Items), total.StringFixed(2), len(resp.Warnings)))
	s.publish(ctx, domain.BillEvent{
		Type:       domain.BillEventCreated,
		Kind:       kind,
		BillNo:     resp.Bill.BillNo,
		PartyID:    resp.Bill.PartyID,
		ItemCount:  len(resp.Items),
		ItemsTotal: total,
		OccurredAt: resp.Bill.CreatedAt,
	})

	return *resp, nil
}

func (s *Service) DeletePurchase(ctx context.Context, billNo int64) (domain.BillDeleteResponse, error) {
	return s.deleteBill(ctx, domain.BillKindPurchase, billNo)
}

func (s *Service) DeleteSale(ctx context.Context, billNo int64) (domain.BillDeleteResponse, error) {
	return s.deleteBill(ctx, domain.BillKindSale, billNo)
}

func (s *Service) deleteBill(ctx context.Context, kind domain.BillKind, billNo int64) (domain.BillDeleteResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.BillDeleteResponse{}, err
	}

	var resp *domain.BillDeleteResponse
	err := s.withTx(ctx, func(tx store.Tx) error {
		deleted, err := s.coordinator.DeleteBill(ctx, tx, kind, billNo)
		if err != nil {
			return err
		}
		resp = deleted
		return nil
	})
	if err != nil {
		return domain.BillDeleteResponse{}, err
	}

	s.invalidateBill(ctx, kind, billNo)
	s.logAudit(ctx, "bill_delete", string(kind)+"_bill", strconv.FormatInt(billNo, 10), fmt.Sprintf("reversed=%d,frozen=%v", resp.Reversed, resp.FrozenStockIDs))
	s.publish(ctx, domain.BillEvent{
		Type:   domain.BillEventDeleted,
		Kind:   kind,
		BillNo: billNo,
	})

	return *resp, nil
}

func (s *Service) UpdateBillDetails(ctx context.Context, kind domain.BillKind, billNo int64, fields domain.BillDetailsFields) (domain.BillDetails, error) {
	if !kind.Valid() {
		return domain.BillDetails{}, store.NewFieldError(store.ErrValidation, "kind", "must be purchase or sale")
	}

	var details *domain.BillDetails
	err := s.withTx(ctx, func(tx store.Tx) error {
		updated, err := s.coordinator.UpdateDetails(ctx, tx, kind, billNo, fields)
		if err != nil {
			return err
		}
		details = updated
		return nil
	})
	if err != nil {
		return domain.BillDetails{}, err
	}

	s.invalidateBill(ctx, kind, billNo)
	s.logAudit(ctx, "bill_details_update", string(kind)+"_bill", strconv.FormatInt(billNo, 10), fmt.Sprintf("total=%s", details.Total))
	s.publish(ctx, domain.BillEvent{
		Type:   domain.BillEventDetailsUpdated,
		Kind:   kind,
		BillNo: billNo,
	})

	return *details, nil
}

// GetBill assembles the printable view: header, party, priced lines with stock names
// and the details record. Deleted parties and stock items still render.
func (s *Service) GetBill(ctx context.Context, kind domain.BillKind, billNo int64) (domain.BillView, error) {
	if !kind.Valid() {
		return domain.BillView{}, store.NewFieldError(store.ErrValidation, "kind", "must be purchase or sale")
	}

	key := cache.BillKey(kind, billNo)
	cached, hit, err := s.cache.Get(ctx, key)
	if err != nil {
		log.Printf("[service] WARN: bill cache read failed key=%s: %v", key, err)
	}
	if hit && cached != nil {
		return *cached, nil
	}

	header, err := s.repo.GetBill(ctx, kind, billNo)
	if err != nil {
		return domain.BillView{}, err
	}
	party, err := s.repo.GetParty(ctx, kind.PartyKind(), header.PartyID)
	if err != nil {
		return domain.BillView{}, err
	}
	items, err := s.repo.ListLineItems(ctx, kind, billNo)
	if err != nil {
		return domain.BillView{}, err
	}
	details, err := s.loadDetails(ctx, kind, billNo)
	if err != nil {
		return domain.BillView{}, err
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.StockID)
	}
	stock, err := s.repo.GetStockItemsByIDs(ctx, ids)
	if err != nil {
		return domain.BillView{}, err
	}

	view := domain.BillView{
		Bill:       *header,
		Party:      *party,
		Items:      make([]domain.BillLineView, 0, len(items)),
		Details:    *details,
		ItemsTotal: itemsTotal(items),
	}
	for _, item := range items {
		view.Items = append(view.Items, domain.BillLineView{
			LineItem:  item,
			StockName: stock[item.StockID].Name,
		})
	}

	if err := s.cache.Set(ctx, key, &view, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: bill cache write failed key=%s: %v", key, err)
		return view, nil
	}
	// A delete or details update that committed while the view was being built has
	// already invalidated the key, so a stale Set would outlive it. Check again.
	if s.viewOutdated(ctx, kind, &view) {
		s.invalidateBill(ctx, kind, billNo)
	}
	return view, nil
}

func (s *Service) loadDetails(ctx context.Context, kind domain.BillKind, billNo int64) (*domain.BillDetails, error) {
	details, err := s.repo.GetBillDetails(ctx, kind, billNo)
	if errors.Is(err, store.ErrNotFound) {
		return &domain.BillDetails{BillNo: billNo}, nil
	}
	return details, err
}

// viewOutdated reports whether the bill behind view was deleted or had its details
// changed. Read errors count as outdated.
func (s *Service) viewOutdated(ctx context.Context, kind domain.BillKind, view *domain.BillView) bool {
	header, err := s.repo.GetBill(ctx, kind, view.Bill.BillNo)
	if err != nil || !header.CreatedAt.Equal(view.Bill.CreatedAt) {
		return true
	}
	details, err := s.loadDetails(ctx, kind, view.Bill.BillNo)
	if err != nil {
		return true
	}
	return details.BillDetailsFields != view.Details.BillDetailsFields
}

func (s *Service) ListBills(ctx context.Context, kind domain.BillKind, page int, pageSize int) (domain.BillListResponse, error) {
	if !kind.Valid() {
		return domain.BillListResponse{}, store.NewFieldError(store.ErrValidation, "kind", "must be purchase or sale")
	}
	return s.listBills(ctx, domain.BillFilter{Kind: kind}, page, pageSize)
}

// ListPartyBills lists the bills of one supplier (purchases) or customer (sales),
// including parties that have since been deleted.
func (s *Service) ListPartyBills(ctx context.Context, kind domain.PartyKind, partyID int64, page int, pageSize int) (domain.PartyBillsResponse, error) {
	if !kind.Valid() {
		return domain.PartyBillsResponse{}, store.NewFieldError(store.ErrValidation, "kind", "must be supplier or customer")
	}
	party, err := s.repo.GetParty(ctx, kind, partyID)
	if err != nil {
		return domain.PartyBillsResponse{}, err
	}

	billKind := domain.BillKindPurchase
	if kind == domain.PartyKindCustomer {
		billKind = domain.BillKindSale
	}
	list, err := s.listBills(ctx, domain.BillFilter{Kind: billKind, PartyID: party.ID}, page, pageSize)
	if err != nil {
		return domain.PartyBillsResponse{}, err
	}
	return domain.PartyBillsResponse{Party: *party, BillListResponse: list}, nil
}

func (s *Service) listBills(ctx context.Context, filter domain.BillFilter, page int, pageSize int) (domain.BillListResponse, error) {
	filter.Page, filter.PageSize = s.normalizePage(page, pageSize)
	bills, total, err := s.repo.ListBills(ctx, filter)
	if err != nil {
		return domain.BillListResponse{}, err
	}
	return domain.BillListResponse{
		Bills:    bills,
		Page:     filter.Page,
		PageSize: filter.PageSize,
		Total:    total,
	}, nil
}

func itemsTotal(items []domain.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.TotalPrice)
	}
	return total
}
