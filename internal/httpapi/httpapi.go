package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stockbill/backend/internal/domain"
	"stockbill/backend/internal/service"
	"stockbill/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	anyRole := []string{domain.RoleAdmin, domain.RoleClerk}
	for _, kind := range []domain.PartyKind{domain.PartyKindSupplier, domain.PartyKindCustomer} {
		base := "/api/v1/" + string(kind) + "s"
		mux.HandleFunc(base, a.requireAuth(a.handleParties(kind), anyRole...))
		mux.HandleFunc(base+"/", a.requireAuth(a.handlePartyActions(kind, base+"/"), anyRole...))
	}
	mux.HandleFunc("/api/v1/stock", a.requireAuth(a.handleStock, anyRole...))
	mux.HandleFunc("/api/v1/stock/", a.requireAuth(a.handleStockActions, anyRole...))
	mux.HandleFunc("/api/v1/purchases", a.requireAuth(a.handleBills(domain.BillKindPurchase), anyRole...))
	mux.HandleFunc("/api/v1/purchases/", a.requireAuth(a.handleBillActions(domain.BillKindPurchase, "/api/v1/purchases/"), anyRole...))
	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleBills(domain.BillKindSale), anyRole...))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleBillActions(domain.BillKindSale, "/api/v1/sales/"), anyRole...))
	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleParties(kind domain.PartyKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			parties, err := a.service.ListParties(r.Context(), kind, parseBool(r.URL.Query().Get("include_deleted")))
			if err != nil {
				writeServiceError(w, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"parties": parties})
		case http.MethodPost:
			var req domain.PartyCreateRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			party, err := a.service.CreateParty(r.Context(), kind, req)
			if err != nil {
				writeServiceError(w, err, req)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"party": party})
		default:
			writeMethodNotAllowed(w)
		}
	}
}

func (a *API) handlePartyActions(kind domain.PartyKind, prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, action, err := parseActionPath(r.URL.Path, prefix)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		switch {
		case action == "bills" && r.Method == http.MethodGet:
			page, pageSize := parsePaging(r)
			resp, err := a.service.ListPartyBills(r.Context(), kind, id, page, pageSize)
			if err != nil {
				writeServiceError(w, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		case action != "":
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown %s action %q", kind, action))
		case r.Method == http.MethodGet:
			party, err := a.service.GetParty(r.Context(), kind, id)
			if err != nil {
				writeServiceError(w, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"party": party})
		case r.Method == http.MethodPatch:
			var req domain.PartyUpdateRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			party, err := a.service.UpdateParty(r.Context(), kind, id, req)
			if err != nil {
				writeServiceError(w, err, req)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"party": party})
		case r.Method == http.MethodDelete:
			if err := a.service.DeleteParty(r.Context(), kind, id); err != nil {
				writeServiceError(w, err, nil)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			writeMethodNotAllowed(w)
		}
	}
}

func (a *API) handleStock(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := a.service.ListStockItems(r.Context(), parseBool(r.URL.Query().Get("include_deleted")))
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stock_items": items})
	case http.MethodPost:
		var req domain.StockItemRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		item, err := a.service.CreateStockItem(r.Context(), req)
		if err != nil {
			writeServiceError(w, err, req)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"stock_item": item})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleStockActions(w http.ResponseWriter, r *http.Request) {
	id, action, err := parseActionPath(r.URL.Path, "/api/v1/stock/")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch {
	case action == "movements" && r.Method == http.MethodGet:
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
		movements, err := a.service.ListStockMovements(r.Context(), id, limit)
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
	case action != "":
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown stock action %q", action))
	case r.Method == http.MethodPatch:
		var req domain.StockItemRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		item, err := a.service.UpdateStockItem(r.Context(), id, req)
		if err != nil {
			writeServiceError(w, err, req)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stock_item": item})
	case r.Method == http.MethodDelete:
		if err := a.service.DeleteStockItem(r.Context(), id); err != nil {
			writeServiceError(w, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleBills(kind domain.BillKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			page, pageSize := parsePaging(r)
			resp, err := a.service.ListBills(r.Context(), kind, page, pageSize)
			if err != nil {
				writeServiceError(w, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		case http.MethodPost:
			var req domain.BillCreateRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}

			var (
				resp domain.BillCreateResponse
				err  error
			)
			if kind == domain.BillKindSale {
				resp, err = a.service.CreateSale(r.Context(), req)
			} else {
				resp, err = a.service.CreatePurchase(r.Context(), req)
			}
			if err != nil {
				writeServiceError(w, err, req)
				return
			}
			writeJSON(w, http.StatusCreated, resp)
		default:
			writeMethodNotAllowed(w)
		}
	}
}

func (a *API) handleBillActions(kind domain.BillKind, prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		billNo, action, err := parseActionPath(r.URL.Path, prefix)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		switch {
		case action == "details" && r.Method == http.MethodPut:
			var fields domain.BillDetailsFields
			if err := decodeJSON(r, &fields); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			details, err := a.service.UpdateBillDetails(r.Context(), kind, billNo, fields)
			if err != nil {
				writeServiceError(w, err, fields)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"details": details})
		case action != "":
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown bill action %q", action))
		case r.Method == http.MethodGet:
			view, err := a.service.GetBill(r.Context(), kind, billNo)
			if err != nil {
				writeServiceError(w, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, view)
		case r.Method == http.MethodDelete:
			var (
				resp domain.BillDeleteResponse
				err  error
			)
			if kind == domain.BillKindSale {
				resp, err = a.service.DeleteSale(r.Context(), billNo)
			} else {
				resp, err = a.service.DeletePurchase(r.Context(), billNo)
			}
			if err != nil {
				writeServiceError(w, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		default:
			writeMethodNotAllowed(w)
		}
	}
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), r.URL.Query().Get("date"), limit)
	if err != nil {
		writeServiceError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("[http] %s %s %d %s rid=%s", r.Method, r.URL.Path, rec.status, time.Since(startedAt), requestID)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrInvalidState),
		errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, store.ErrRetryable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps service errors to a status. Client errors carry the offending
// field and line index plus the submitted input so the form can be shown again.
func writeServiceError(w http.ResponseWriter, err error, input any) {
	status := statusFor(err)
	if status >= 500 {
		writeError(w, status, err)
		return
	}

	body := map[string]any{"error": err.Error()}
	var fieldErr *store.FieldError
	if errors.As(err, &fieldErr) {
		if fieldErr.Field != "" {
			body["field"] = fieldErr.Field
		}
		if fieldErr.Index >= 0 {
			body["index"] = fieldErr.Index
		}
	}
	if input != nil {
		body["input"] = input
	}
	writeJSON(w, status, body)
}

// parseActionPath splits "{prefix}{id}" or "{prefix}{id}/{action}".
func parseActionPath(path string, prefix string) (int64, string, error) {
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" {
		return 0, "", errors.New("id required")
	}
	rawID, action, _ := strings.Cut(tail, "/")
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id < 1 {
		return 0, "", fmt.Errorf("invalid id %q", rawID)
	}
	return id, strings.Trim(action, "/"), nil
}

func parsePaging(r *http.Request) (int, int) {
	page := parsePositiveLimit(r.URL.Query().Get("page"), 1, 0)
	pageSize := parsePositiveLimit(r.URL.Query().Get("page_size"), 0, 100)
	return page, pageSize
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies never carry the underlying error.
	msg := err.Error()
	if status >= 500 {
		log.Printf("[http] internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
