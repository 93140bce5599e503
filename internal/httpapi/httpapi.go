package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kitchenplan/backend/internal/domain"
	"kitchenplan/backend/internal/logger"
	"kitchenplan/backend/internal/service"
	"kitchenplan/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	log           zerolog.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		log:           logger.Component("http"),
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

	mux.HandleFunc("/api/v1/stock-items", a.requireAuth(a.handleStockItems, RoleKitchen, RoleAdmin))
	mux.HandleFunc("/api/v1/stock-items/", a.requireAuth(a.handleStockItemActions, RoleAdmin))
	mux.HandleFunc("/api/v1/technical-sheets", a.requireAuth(a.handleTechnicalSheets, RoleKitchen, RoleAdmin))
	mux.HandleFunc("/api/v1/sale-products", a.requireAuth(a.handleSaleProducts, RoleKitchen, RoleAdmin))

	mux.HandleFunc("/api/v1/forecasts", a.requireAuth(a.handleForecasts, RoleKitchen, RoleAdmin))
	mux.HandleFunc("/api/v1/explosions", a.requireAuth(a.handleExplosions, RoleKitchen, RoleAdmin))
	mux.HandleFunc("/api/v1/explosions/", a.requireAuth(a.handleExplosionReport, RoleKitchen, RoleAdmin))
	mux.HandleFunc("/api/v1/forecast-orders", a.requireAuth(a.handleForecastOrders, RoleKitchen, RoleAdmin))

	mux.HandleFunc("/api/v1/production-orders", a.requireAuth(a.handleProductionOrders, RoleKitchen, RoleAdmin))
	mux.HandleFunc("/api/v1/production-orders/", a.requireAuth(a.handleProductionOrderActions, RoleKitchen, RoleAdmin))
	mux.HandleFunc("/api/v1/produced-inputs", a.requireAuth(a.handleProducedInputs, RoleKitchen, RoleAdmin))

	mux.HandleFunc("/api/v1/demand/", a.requireAuth(a.handleDemand, RoleKitchen, RoleAdmin))
	mux.HandleFunc("/api/v1/purchase-needs", a.requireAuth(a.handlePurchaseNeeds, RoleKitchen, RoleAdmin))
	mux.HandleFunc("/api/v1/purchase-list", a.requireAuth(a.handlePurchaseList, RoleKitchen, RoleAdmin))
	mux.HandleFunc("/api/v1/purchase-list/accept", a.requireAuth(a.handlePurchaseAccept, RoleAdmin))

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

// actorScope returns the owner the request acts for and whether the actor may
// change master data.
func actorScope(r *http.Request) (string, bool) {
	actor, ok := service.ActorFromContext(r.Context())
	if !ok {
		return "", false
	}
	return actor.OwnerID, actor.Role == RoleAdmin
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

func (a *API) handleStockItems(w http.ResponseWriter, r *http.Request) {
	ownerID, isAdmin := actorScope(r)
	switch r.Method {
	case http.MethodGet:
		items, err := a.service.ListStockItems(r.Context(), ownerID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stock_items": items})
	case http.MethodPost:
		if !isAdmin {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		var req domain.StockItemCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		item, err := a.service.CreateStockItem(r.Context(), ownerID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"stock_item": item})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleStockItemActions serves /api/v1/stock-items/{id}/transfer-to-floor and
// GET /api/v1/stock-items/{id}/movements.
func (a *API) handleStockItemActions(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := actorScope(r)
	id, action, ok := splitAction(r.URL.Path, "/api/v1/stock-items/")
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid stock item action path"))
		return
	}

	switch action {
	case "transfer-to-floor":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.TransferRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		item, err := a.service.TransferToProductionFloor(r.Context(), ownerID, id, req.Quantity)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stock_item": item})
	case "movements":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
		moves, err := a.service.ListStockMovements(r.Context(), ownerID, id, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"movements": moves})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown stock item action"))
	}
}

func (a *API) handleTechnicalSheets(w http.ResponseWriter, r *http.Request) {
	ownerID, isAdmin := actorScope(r)
	switch r.Method {
	case http.MethodGet:
		sheets, err := a.service.ListTechnicalSheets(r.Context(), ownerID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"technical_sheets": sheets})
	case http.MethodPost:
		if !isAdmin {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		var req domain.TechnicalSheetCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sheet, err := a.service.CreateTechnicalSheet(r.Context(), ownerID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"technical_sheet": sheet})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSaleProducts(w http.ResponseWriter, r *http.Request) {
	ownerID, isAdmin := actorScope(r)
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListSaleProducts(r.Context(), ownerID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sale_products": products})
	case http.MethodPost:
		if !isAdmin {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		var req domain.SaleProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.CreateSaleProduct(r.Context(), ownerID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"sale_product": product})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleForecasts(w http.ResponseWriter, r *http.Request) {
	ownerID, _ := actorScope(r)
	switch r.Method {
	case http.MethodGet:
		date, err := service.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		forecasts, err := a.service.ListSalesForecasts(r.Context(), ownerID, date)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"forecasts": forecasts})
	case http.MethodPost:
		var req domain.ForecastUpsertRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		forecast, err := a.service.UpsertSalesForecast(r.Context(), ownerID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"forecast": forecast})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleExplosions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	ownerID, _ := actorScope(r)

	var req domain.ExplosionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := service.ParseDate(req.TargetDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := a.service.Explode(r.Context(), ownerID, target)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleExplosionReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	ownerID, _ := actorScope(r)

	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/explosions/"), "/")
	target, err := service.ParseDate(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := a.service.GetExplosionReport(r.Context(), ownerID, target)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleForecastOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	ownerID, _ := actorScope(r)

	var target time.Time
	if raw := r.URL.Query().Get("date"); strings.TrimSpace(raw) != "" {
		parsed, err := service.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		target = parsed
	}

	orders, err := a.service.ListForecastOrders(r.Context(), ownerID, target)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"forecast_orders": orders})
}

func (a *API) handleProductionOrders(w http.ResponseWriter, r *http.Request) {
	ownerID, isAdmin := actorScope(r)
	switch r.Method {
	case http.MethodGet:
		orders, err := a.service.ListProductionOrders(r.Context(), ownerID, r.URL.Query().Get("status"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"production_orders": orders})
	case http.MethodPost:
		if !isAdmin {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		var req domain.ProductionOrderCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		order, err := a.service.CreateProductionOrder(r.Context(), ownerID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"production_order": order})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductionOrderActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	ownerID, _ := actorScope(r)
	id, action, ok := splitAction(r.URL.Path, "/api/v1/production-orders/")
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid production order action path"))
		return
	}

	switch action {
	case "start":
		resp, err := a.service.StartProductionOrder(r.Context(), ownerID, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "complete":
		order, err := a.service.CompleteProductionOrder(r.Context(), ownerID, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"production_order": order})
	case "cancel":
		order, err := a.service.CancelProductionOrder(r.Context(), ownerID, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"production_order": order})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown production order action"))
	}
}

func (a *API) handleProducedInputs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	ownerID, _ := actorScope(r)

	var req domain.ProducedInputCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lot, err := a.service.RecordProducedInput(r.Context(), ownerID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"produced_input": lot})
}

func (a *API) handleDemand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	ownerID, _ := actorScope(r)

	stockItemID := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/demand/"), "/"))
	if stockItemID == "" {
		writeError(w, http.StatusBadRequest, errors.New("stock item id required"))
		return
	}
	total, err := a.service.TotalProjectedDemand(r.Context(), ownerID, stockItemID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stock_item_id":    stockItemID,
		"projected_demand": total,
	})
}

func (a *API) handlePurchaseNeeds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	ownerID, _ := actorScope(r)

	needs, err := a.service.ComputePurchaseNeeds(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase_needs": needs})
}

func (a *API) handlePurchaseList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	ownerID, _ := actorScope(r)

	items, err := a.service.ListPurchaseList(r.Context(), ownerID, r.URL.Query().Get("status"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase_list": items})
}

func (a *API) handlePurchaseAccept(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	ownerID, _ := actorScope(r)

	var req domain.PurchaseAcceptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	item, err := a.service.AcceptPurchaseNeed(r.Context(), ownerID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase_item": item})
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
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(startedAt)).
			Msg("request")
	})
}

// splitAction parses prefix + "{id}/{action}".
func splitAction(path string, prefix string) (string, string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	id, action, found := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if !found || id == "" || action == "" || strings.Contains(action, "/") {
		return "", "", false
	}
	return id, action, true
}

// statusFor maps service and store errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrInsufficientStock), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoForecast):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
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

// writeError hides 5xx details from clients; 4xx messages are user-facing.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		logger.Log.Error().Err(err).Int("status", status).Msg("internal error")
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
