package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"stockbill/backend/internal/billing"
	"stockbill/backend/internal/cache"
	"stockbill/backend/internal/domain"
	"stockbill/backend/internal/events"
	"stockbill/backend/internal/store"
	"stockbill/backend/internal/xid"
)

var ErrForbidden = errors.New("forbidden")

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Cache    cache.BillCache
	CacheTTL time.Duration
	Events   events.Publisher
	// MaxRetries bounds how often a unit of work is re-run after a lock or
	// serialization failure.
	MaxRetries int
	PageSize   int
}

type Service struct {
	repo        store.Store
	coordinator *billing.Coordinator
	cache       cache.BillCache
	cacheTTL    time.Duration
	events      events.Publisher
	maxRetries  int
	pageSize    int
}

func New(repo store.Store, coordinator *billing.Coordinator, opts Options) *Service {
	if coordinator == nil {
		coordinator = billing.NewCoordinator(nil)
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopBillCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Events == nil {
		opts.Events = events.NoopPublisher{}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.PageSize < 1 || opts.PageSize > maxPageSize {
		opts.PageSize = defaultPageSize
	}

	return &Service{
		repo:        repo,
		coordinator: coordinator,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		events:      opts.Events,
		maxRetries:  opts.MaxRetries,
		pageSize:    opts.PageSize,
	}
}

// withTx runs fn in one unit of work and commits it. Work that failed with
// store.ErrRetryable is re-run from scratch with a growing backoff.
func (s *Service) withTx(ctx context.Context, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("[service] WARN: retrying unit of work attempt=%d: %v", attempt, err)
			backoff := time.Duration(attempt*attempt) * 25 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err = s.runTx(ctx, fn)
		if !errors.Is(err, store.ErrRetryable) {
			return err
		}
	}
	return err
}

func (s *Service) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.NewFieldError(store.ErrValidation, "date", "must be YYYY-MM-DD")
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

// publish runs after commit. A failed publish is logged and never undoes the bill.
func (s *Service) publish(ctx context.Context, event domain.BillEvent) {
	if actor, ok := ActorFromContext(ctx); ok {
		event.Actor = actor.Username
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.events.Publish(pubCtx, event); err != nil {
		log.Printf("[events] WARN: failed to publish %s for %s bill %d: %v", event.Type, event.Kind, event.BillNo, err)
	}
}

func (s *Service) invalidateBill(ctx context.Context, kind domain.BillKind, billNo int64) {
	if err := s.cache.Delete(ctx, cache.BillKey(kind, billNo)); err != nil {
		log.Printf("[service] WARN: failed to drop cached %s bill %d: %v", kind, billNo, err)
	}
}

func (s *Service) normalizePage(page int, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = s.pageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
