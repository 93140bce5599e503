package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kitchenplan/backend/internal/domain"
	"kitchenplan/backend/internal/notify"
	"kitchenplan/backend/internal/service"
	"kitchenplan/backend/internal/store/memory"
)

// newTestAPI builds a full API with the seeded in-memory store, a real
// AuthManager and a real Service so handler tests exercise the whole path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, service.Options{Notifier: &notify.Recorder{}})
	auth := NewAuthManager("test-secret-key-with-32-characters", time.Hour, repo)

	return New(svc, auth, "*")
}

func login(t *testing.T, api *API, username, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d", username, res.Code)
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	return payload.AccessToken
}

func doJSON(t *testing.T, api *API, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api, http.MethodGet, "/healthz", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if body := decodeBody(t, res); body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "kitchen",
		"password": "kitchen123",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	body := decodeBody(t, res)
	if body["access_token"] == nil || body["owner_id"] != "main-kitchen" || body["role"] != RoleKitchen {
		t.Fatalf("unexpected login response %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/api/v1/stock-items", "/api/v1/purchase-needs", "/api/v1/demand/flour"} {
		res := doJSON(t, api, http.MethodGet, path, "", nil)
		if res.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, res.Code)
		}
	}
	res := doJSON(t, api, http.MethodGet, "/api/v1/stock-items", "not-a-token", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a garbage token, got %d", res.Code)
	}
}

func TestKitchenRoleCannotChangeMasterData(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "kitchen", "kitchen123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/stock-items", token, map[string]any{"name": "Salt", "unit": "kg"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 creating stock items as kitchen, got %d", res.Code)
	}
	res = doJSON(t, api, http.MethodPost, "/api/v1/purchase-list/accept", token, map[string]any{"stock_item_id": "sugar", "quantity": "2"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 accepting purchases as kitchen, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/stock-items", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected kitchen to read stock items, got %d", res.Code)
	}
	if items, ok := decodeBody(t, res)["stock_items"].([]any); !ok || len(items) == 0 {
		t.Fatalf("expected seeded stock items")
	}
}

func TestForecastExplosionFlow(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "kitchen", "kitchen123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/explosions", token, map[string]string{"target_date": "2026-03-10"})
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without forecasts, got %d (%s)", res.Code, res.Body.String())
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/forecasts", token, map[string]any{
		"sale_product_id": "prod-pie", "target_date": "2026-03-10", "forecasted_quantity": "12",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("upsert forecast: %d %s", res.Code, res.Body.String())
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/explosions", token, map[string]string{"target_date": "2026-03-10"})
	if res.Code != http.StatusOK {
		t.Fatalf("explode: %d %s", res.Code, res.Body.String())
	}
	report := decodeBody(t, res)
	if report["orders_created"].(float64) < 1 {
		t.Fatalf("expected orders to be created, got %v", report)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/explosions/2026-03-10", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("get report: %d %s", res.Code, res.Body.String())
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/forecast-orders?date=2026-03-10", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("list forecast orders: %d", res.Code)
	}
	orders, _ := decodeBody(t, res)["forecast_orders"].([]any)
	if float64(len(orders)) != report["orders_created"].(float64) {
		t.Fatalf("expected %v persisted orders, got %d", report["orders_created"], len(orders))
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/explosions", token, map[string]string{"target_date": "10/03/2026"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed date, got %d", res.Code)
	}
}

func TestProductionOrderLifecycle(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")
	kitchen := login(t, api, "kitchen", "kitchen123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/production-orders", admin, map[string]any{
		"technical_sheet_id": "sheet-brownie", "planned_quantity": "200", "scheduled_date": "2026-03-10",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("create order: %d %s", res.Code, res.Body.String())
	}
	created := decodeBody(t, res)["production_order"].(map[string]any)
	id := created["id"].(string)

	res = doJSON(t, api, http.MethodGet, "/api/v1/demand/chocolate", kitchen, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("demand: %d", res.Code)
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/production-orders/"+id+"/start", kitchen, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("start: %d %s", res.Code, res.Body.String())
	}
	var started domain.ProductionStartResponse
	if err := json.NewDecoder(res.Body).Decode(&started); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if started.Order.Status != domain.ProductionInProgress {
		t.Fatalf("expected in_progress, got %s", started.Order.Status)
	}
	// 10 batches need over 10kg chocolate against 2kg on hand.
	if !started.Report.HasShortfalls() {
		t.Fatalf("expected a chocolate shortfall")
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/production-orders/"+id+"/start", kitchen, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second start, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodGet, "/api/v1/purchase-list", kitchen, nil)
	if items, _ := decodeBody(t, res)["purchase_list"].([]any); len(items) == 0 {
		t.Fatalf("expected shortfalls on the purchase list")
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/production-orders/"+id+"/complete", kitchen, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", res.Code, res.Body.String())
	}

	res = doJSON(t, api, http.MethodPost, "/api/v1/production-orders/missing/start", kitchen, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown order, got %d", res.Code)
	}
	res = doJSON(t, api, http.MethodPost, "/api/v1/production-orders/"+id+"/bake", kitchen, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown action, got %d", res.Code)
	}
}

func TestPurchaseNeedsAndAccept(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")

	res := doJSON(t, api, http.MethodGet, "/api/v1/purchase-needs", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("purchase needs: %d", res.Code)
	}
	needs, _ := decodeBody(t, res)["purchase_needs"].([]any)
	if len(needs) == 0 {
		t.Fatalf("expected purchase needs from seeded data")
	}
	if first := needs[0].(map[string]any); first["is_urgent"] != true {
		t.Fatalf("expected urgent needs first, got %v", first)
	}

	for i := 0; i < 2; i++ {
		res = doJSON(t, api, http.MethodPost, "/api/v1/purchase-list/accept", admin, map[string]any{"stock_item_id": "sugar", "quantity": "3"})
		if res.Code != http.StatusOK {
			t.Fatalf("accept %d: %d %s", i, res.Code, res.Body.String())
		}
	}
	res = doJSON(t, api, http.MethodGet, "/api/v1/purchase-list?status=pending", admin, nil)
	items, _ := decodeBody(t, res)["purchase_list"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["suggested_quantity"] != "6" {
		t.Fatalf("expected one pending sugar item of 6, got %v", items)
	}
}

func TestTransferToFloorEndpoint(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/stock-items/milk/transfer-to-floor", admin, map[string]any{"quantity": "5"})
	if res.Code != http.StatusOK {
		t.Fatalf("transfer: %d %s", res.Code, res.Body.String())
	}
	res = doJSON(t, api, http.MethodPost, "/api/v1/stock-items/milk/transfer-to-floor", admin, map[string]any{"quantity": "500"})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient stock, got %d", res.Code)
	}
	res = doJSON(t, api, http.MethodGet, "/api/v1/stock-items/milk/movements", admin, nil)
	if moves, _ := decodeBody(t, res)["movements"].([]any); len(moves) != 1 {
		t.Fatalf("expected one transfer movement, got %v", moves)
	}
}

func TestCreateSaleProductRejectsCycleWith400(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")

	res := doJSON(t, api, http.MethodPost, "/api/v1/sale-products", admin, map[string]any{
		"id":   "prod-brownie",
		"name": "Brownie",
		"components": []map[string]any{
			{"component_type": domain.ComponentSaleProduct, "component_id": "prod-combo", "quantity": "1"},
		},
	})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a component cycle, got %d (%s)", res.Code, res.Body.String())
	}
}
