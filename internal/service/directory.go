package service

import (
	"context"
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"stockbill/backend/internal/domain"
	"stockbill/backend/internal/store"
)

var (
	partyNamePattern = regexp.MustCompile(`^[\p{L} ]+$`)
	phonePattern     = regexp.MustCompile(`^[0-9]{9}$`)
	taxIDPattern     = regexp.MustCompile(`^[A-Z0-9]{11}$`)
)

const (
	maxNameLen    = 50
	maxEmailLen   = 120
	maxAddressLen = 200
)

func (s *Service) CreateParty(ctx context.Context, kind domain.PartyKind, req domain.PartyCreateRequest) (domain.Party, error) {
	if !kind.Valid() {
		return domain.Party{}, store.NewFieldError(store.ErrValidation, "kind", "must be supplier or customer")
	}

	party := normalizeParty(domain.Party{
		Kind:    kind,
		Name:    req.Name,
		Phone:   req.Phone,
		Email:   req.Email,
		Address: req.Address,
		TaxID:   req.TaxID,
	})
	if err := validateParty(party); err != nil {
		return domain.Party{}, err
	}
	party.CreatedAt = time.Now().UTC()

	var saved *domain.Party
	err := s.withTx(ctx, func(tx store.Tx) error {
		created, err := tx.CreateParty(ctx, party)
		if err != nil {
			return err
		}
		saved = created
		return nil
	})
	if err != nil {
		return domain.Party{}, err
	}

	s.logAudit(ctx, string(kind)+"_create", string(kind), strconv.FormatInt(saved.ID, 10), fmt.Sprintf("name=%s", saved.Name))
	return *saved, nil
}

// UpdateParty applies the non-nil fields of req. Deleted parties cannot be edited.
func (s *Service) UpdateParty(ctx context.Context, kind domain.PartyKind, id int64, req domain.PartyUpdateRequest) (domain.Party, error) {
	if !kind.Valid() {
		return domain.Party{}, store.NewFieldError(store.ErrValidation, "kind", "must be supplier or customer")
	}

	var saved *domain.Party
	err := s.withTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetParty(ctx, kind, id)
		if err != nil {
			return err
		}
		if current.IsDeleted {
			return fmt.Errorf("%w: %s %d is deleted", store.ErrInvalidState, kind, id)
		}

		next := *current
		if req.Name != nil {
			next.Name = *req.Name
		}
		if req.Phone != nil {
			next.Phone = *req.Phone
		}
		if req.Email != nil {
			next.Email = *req.Email
		}
		if req.Address != nil {
			next.Address = *req.Address
		}
		if req.TaxID != nil {
			next.TaxID = *req.TaxID
		}
		next = normalizeParty(next)
		if err := validateParty(next); err != nil {
			return err
		}

		updated, err := tx.UpdateParty(ctx, next)
		if err != nil {
			return err
		}
		saved = updated
		return nil
	})
	if err != nil {
		return domain.Party{}, err
	}

	s.logAudit(ctx, string(kind)+"_update", string(kind), strconv.FormatInt(saved.ID, 10), fmt.Sprintf("name=%s,phone=%s", saved.Name, saved.Phone))
	return *saved, nil
}

// DeleteParty soft deletes; bills keep pointing at the party. Deleting twice is a no-op.
func (s *Service) DeleteParty(ctx context.Context, kind domain.PartyKind, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if !kind.Valid() {
		return store.NewFieldError(store.ErrValidation, "kind", "must be supplier or customer")
	}

	err := s.withTx(ctx, func(tx store.Tx) error {
		return tx.SoftDeleteParty(ctx, kind, id)
	})
	if err != nil {
		return err
	}

	s.logAudit(ctx, string(kind)+"_delete", string(kind), strconv.FormatInt(id, 10), "")
	return nil
}

func (s *Service) GetParty(ctx context.Context, kind domain.PartyKind, id int64) (domain.Party, error) {
	if !kind.Valid() {
		return domain.Party{}, store.NewFieldError(store.ErrValidation, "kind", "must be supplier or customer")
	}
	party, err := s.repo.GetParty(ctx, kind, id)
	if err != nil {
		return domain.Party{}, err
	}
	return *party, nil
}

func (s *Service) ListParties(ctx context.Context, kind domain.PartyKind, includeDeleted bool) ([]domain.Party, error) {
	if !kind.Valid() {
		return nil, store.NewFieldError(store.ErrValidation, "kind", "must be supplier or customer")
	}
	return s.repo.ListParties(ctx, kind, includeDeleted)
}

func (s *Service) CreateStockItem(ctx context.Context, req domain.StockItemRequest) (domain.StockItem, error) {
	name, err := validateStockName(req.Name)
	if err != nil {
		return domain.StockItem{}, err
	}

	var saved *domain.StockItem
	err = s.withTx(ctx, func(tx store.Tx) error {
		created, err := tx.CreateStockItem(ctx, domain.StockItem{Name: name, CreatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		saved = created
		return nil
	})
	if err != nil {
		return domain.StockItem{}, err
	}

	s.logAudit(ctx, "stock_create", "stock_item", strconv.FormatInt(saved.ID, 10), fmt.Sprintf("name=%s", saved.Name))
	return *saved, nil
}

// UpdateStockItem renames an item. Quantity only moves through bills.
func (s *Service) UpdateStockItem(ctx context.Context, id int64, req domain.StockItemRequest) (domain.StockItem, error) {
	name, err := validateStockName(req.Name)
	if err != nil {
		return domain.StockItem{}, err
	}

	var saved *domain.StockItem
	err = s.withTx(ctx, func(tx store.Tx) error {
		renamed, err := tx.RenameStockItem(ctx, id, name)
		if err != nil {
			return err
		}
		saved = renamed
		return nil
	})
	if err != nil {
		return domain.StockItem{}, err
	}

	s.logAudit(ctx, "stock_rename", "stock_item", strconv.FormatInt(saved.ID, 10), fmt.Sprintf("name=%s", saved.Name))
	return *saved, nil
}

func (s *Service) DeleteStockItem(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}

	err := s.withTx(ctx, func(tx store.Tx) error {
		return tx.SoftDeleteStockItem(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logAudit(ctx, "stock_delete", "stock_item", strconv.FormatInt(id, 10), "")
	return nil
}

func (s *Service) ListStockItems(ctx context.Context, includeDeleted bool) ([]domain.StockItem, error) {
	return s.repo.ListStockItems(ctx, includeDeleted)
}

func (s *Service) ListStockMovements(ctx context.Context, stockID int64, limit int) ([]domain.StockMovement, error) {
	if _, err := s.repo.GetStockItem(ctx, stockID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.repo.ListStockMovements(ctx, stockID, limit)
}

func normalizeParty(p domain.Party) domain.Party {
	p.Name = strings.Join(strings.Fields(p.Name), " ")
	p.Phone = strings.TrimSpace(p.Phone)
	p.Email = strings.TrimSpace(p.Email)
	p.Address = strings.TrimSpace(p.Address)
	p.TaxID = strings.ToUpper(strings.TrimSpace(p.TaxID))
	return p
}

func validateParty(p domain.Party) error {
	switch {
	case p.Name == "":
		return store.NewFieldError(store.ErrValidation, "name", "is required")
	case utf8.RuneCountInString(p.Name) > maxNameLen:
		return store.NewFieldError(store.ErrValidation, "name", fmt.Sprintf("must be at most %d characters", maxNameLen))
	case !partyNamePattern.MatchString(p.Name):
		return store.NewFieldError(store.ErrValidation, "name", "may only contain letters and spaces")
	case !phonePattern.MatchString(p.Phone):
		return store.NewFieldError(store.ErrValidation, "phone", "must be 9 digits")
	case p.TaxID != "" && !taxIDPattern.MatchString(p.TaxID):
		return store.NewFieldError(store.ErrValidation, "tax_id", "must be 11 letters or digits")
	case len(p.Address) > maxAddressLen:
		return store.NewFieldError(store.ErrValidation, "address", fmt.Sprintf("must be at most %d characters", maxAddressLen))
	}
	if p.Email != "" {
		if len(p.Email) > maxEmailLen {
			return store.NewFieldError(store.ErrValidation, "email", fmt.Sprintf("must be at most %d characters", maxEmailLen))
		}
		if _, err := mail.ParseAddress(p.Email); err != nil {
			return store.NewFieldError(store.ErrValidation, "email", "is not a valid address")
		}
	}
	return nil
}

func validateStockName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", store.NewFieldError(store.ErrValidation, "name", "is required")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return "", store.NewFieldError(store.ErrValidation, "name", fmt.Sprintf("must be at most %d characters", maxNameLen))
	}
	return name, nil
}
