package memory

import (
	"context"
	"errors"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"stockbill/backend/internal/domain"
	"stockbill/backend/internal/store"
)

var errTxClosed = errors.New("transaction already closed")

// Store keeps everything in process memory. A unit of work holds the write lock from
// Begin until Commit or Rollback, so writers are fully serialized.
type Store struct {
	mu              sync.RWMutex
	parties         map[domain.PartyKind]map[int64]domain.Party
	stock           map[int64]domain.StockItem
	movements       []domain.StockMovement
	bills           map[domain.BillKind]map[int64]domain.BillHeader
	details         map[domain.BillKind]map[int64]domain.BillDetails
	lines           map[domain.BillKind]map[int64][]domain.LineItem
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount

	partySeq    map[domain.PartyKind]int64
	billSeq     map[domain.BillKind]int64
	stockSeq    int64
	lineSeq     int64
	movementSeq int64
}

func New() *Store {
	return &Store{
		parties: map[domain.PartyKind]map[int64]domain.Party{
			domain.PartyKindSupplier: {},
			domain.PartyKindCustomer: {},
		},
		stock:     make(map[int64]domain.StockItem),
		movements: make([]domain.StockMovement, 0, 128),
		bills: map[domain.BillKind]map[int64]domain.BillHeader{
			domain.BillKindPurchase: {},
			domain.BillKindSale:     {},
		},
		details: map[domain.BillKind]map[int64]domain.BillDetails{
			domain.BillKindPurchase: {},
			domain.BillKindSale:     {},
		},
		lines: map[domain.BillKind]map[int64][]domain.LineItem{
			domain.BillKindPurchase: {},
			domain.BillKindSale:     {},
		},
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
		partySeq:        make(map[domain.PartyKind]int64),
		billSeq:         make(map[domain.BillKind]int64),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD, falling back to dev defaults.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	clerkPwd := envOr("SEED_CLERK_PASSWORD", "clerk123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CLERK_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CLERK_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"clerk", clerkPwd, domain.RoleClerk},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo accounts, two suppliers, two customers and a few
// stock items at quantity zero.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	for _, p := range []domain.Party{
		{Kind: domain.PartyKindSupplier, Name: "Distribuidora Norte", Phone: "912345678", TaxID: "20123456789"},
		{Kind: domain.PartyKindSupplier, Name: "Mayorista Central", Phone: "923456789", TaxID: "20234567891"},
		{Kind: domain.PartyKindCustomer, Name: "Bodega Santa Rosa", Phone: "934567891"},
		{Kind: domain.PartyKindCustomer, Name: "Minimarket Lucia", Phone: "945678912"},
	} {
		s.partySeq[p.Kind]++
		p.ID = s.partySeq[p.Kind]
		p.CreatedAt = now
		s.parties[p.Kind][p.ID] = p
	}
	for _, name := range []string{"Arroz 5kg", "Aceite 1L", "Azucar 1kg", "Leche Evaporada"} {
		s.stockSeq++
		s.stock[s.stockSeq] = domain.StockItem{ID: s.stockSeq, Name: name, CreatedAt: now}
	}
	return s
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &tx{s: s}, nil
}

func (s *Store) GetParty(_ context.Context, kind domain.PartyKind, id int64) (*domain.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getParty(kind, id)
}

func (s *Store) getParty(kind domain.PartyKind, id int64) (*domain.Party, error) {
	party, ok := s.parties[kind][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &party, nil
}

func (s *Store) ListParties(_ context.Context, kind domain.PartyKind, includeDeleted bool) ([]domain.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parties := make([]domain.Party, 0, len(s.parties[kind]))
	for _, p := range s.parties[kind] {
		if p.IsDeleted && !includeDeleted {
			continue
		}
		parties = append(parties, p)
	}
	slices.SortFunc(parties, func(a, b domain.Party) int {
		if c := cmpString(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return cmpInt64(a.ID, b.ID)
	})
	return parties, nil
}

func (s *Store) GetStockItem(_ context.Context, id int64) (*domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStockItem(id)
}

func (s *Store) getStockItem(id int64) (*domain.StockItem, error) {
	item, ok := s.stock[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) GetStockItemsByIDs(_ context.Context, ids []int64) (map[int64]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[int64]domain.StockItem, len(ids))
	for _, id := range ids {
		if item, ok := s.stock[id]; ok {
			result[id] = item
		}
	}
	return result, nil
}

func (s *Store) ListStockItems(_ context.Context, includeDeleted bool) ([]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.StockItem, 0, len(s.stock))
	for _, item := range s.stock {
		if item.IsDeleted && !includeDeleted {
			continue
		}
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.StockItem) int {
		if c := cmpString(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return cmpInt64(a.ID, b.ID)
	})
	return items, nil
}

func (s *Store) ListStockMovements(_ context.Context, stockID int64, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 16)
	for i := len(s.movements) - 1; i >= 0; i-- {
		if s.movements[i].StockID != stockID {
			continue
		}
		result = append(result, s.movements[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetBill(_ context.Context, kind domain.BillKind, billNo int64) (*domain.BillHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBill(kind, billNo)
}

func (s *Store) getBill(kind domain.BillKind, billNo int64) (*domain.BillHeader, error) {
	header, ok := s.bills[kind][billNo]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &header, nil
}

func (s *Store) GetBillDetails(_ context.Context, kind domain.BillKind, billNo int64) (*domain.BillDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	details, ok := s.details[kind][billNo]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &details, nil
}

func (s *Store) ListLineItems(_ context.Context, kind domain.BillKind, billNo int64) ([]domain.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.lines[kind][billNo]), nil
}

func (s *Store) ListBills(_ context.Context, filter domain.BillFilter) ([]domain.BillSummary, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	partyKind := filter.Kind.PartyKind()
	all := make([]domain.BillSummary, 0, len(s.bills[filter.Kind]))
	for _, header := range s.bills[filter.Kind] {
		if filter.PartyID > 0 && header.PartyID != filter.PartyID {
			continue
		}
		summary := domain.BillSummary{
			BillNo:     header.BillNo,
			Kind:       header.Kind,
			PartyID:    header.PartyID,
			PartyName:  s.parties[partyKind][header.PartyID].Name,
			CreatedAt:  header.CreatedAt,
			ItemsTotal: decimal.Zero,
		}
		for _, line := range s.lines[filter.Kind][header.BillNo] {
			summary.ItemCount++
			summary.ItemsTotal = summary.ItemsTotal.Add(line.TotalPrice)
		}
		all = append(all, summary)
	}
	slices.SortFunc(all, func(a, b domain.BillSummary) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpInt64(b.BillNo, a.BillNo)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	total := len(all)
	start := (filter.Page - 1) * filter.PageSize
	if start < 0 {
		start = 0
	}
	if start >= total {
		return []domain.BillSummary{}, total, nil
	}
	end := start + filter.PageSize
	if filter.PageSize < 1 || end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 32)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cmpString(a string, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a int64, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
