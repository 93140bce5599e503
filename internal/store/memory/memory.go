package memory

import (
	"context"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"kitchenplan/backend/internal/domain"
	"kitchenplan/backend/internal/logger"
	"kitchenplan/backend/internal/store"
	"kitchenplan/backend/internal/xid"
)

const seedOwner = "main-kitchen"

type finishedRow struct {
	qty  decimal.Decimal
	unit string
}

type Store struct {
	mu               sync.RWMutex
	stockItems       map[string]map[string]domain.StockItem
	sheets           map[string]map[string]domain.TechnicalSheet
	products         map[string]map[string]domain.SaleProduct
	forecasts        map[string]map[string]domain.SalesForecast
	forecastOrders   map[string][]domain.ForecastProductionOrder
	productionOrders map[string]map[string]domain.ProductionOrder
	productionStock  map[string]map[string]decimal.Decimal
	finishedStock    map[string]map[string]finishedRow
	producedInputs   map[string][]domain.ProducedInputStock
	movements        map[string][]domain.StockMovement
	purchaseItems    map[string]map[string]domain.PurchaseListItem
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		stockItems:       make(map[string]map[string]domain.StockItem),
		sheets:           make(map[string]map[string]domain.TechnicalSheet),
		products:         make(map[string]map[string]domain.SaleProduct),
		forecasts:        make(map[string]map[string]domain.SalesForecast),
		forecastOrders:   make(map[string][]domain.ForecastProductionOrder),
		productionOrders: make(map[string]map[string]domain.ProductionOrder),
		productionStock:  make(map[string]map[string]decimal.Decimal),
		finishedStock:    make(map[string]map[string]finishedRow),
		producedInputs:   make(map[string][]domain.ProducedInputStock),
		movements:        make(map[string][]domain.StockMovement),
		purchaseItems:    make(map[string]map[string]domain.PurchaseListItem),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_KITCHEN_PASSWORD, with dev defaults otherwise.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	kitchenPwd := envOr("SEED_KITCHEN_PASSWORD", "kitchen123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_KITCHEN_PASSWORD") == "" {
		logger.Log.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_KITCHEN_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"kitchen", kitchenPwd, "kitchen"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Log.Fatal().Err(err).Str("username", u.username).Msg("failed to hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			OwnerID:   seedOwner,
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

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// NewSeeded returns a store holding a small pastry kitchen for demo mode.
func NewSeeded() *Store {
	s := New()
	ctx := context.Background()

	items := []domain.StockItem{
		{ID: "flour", Name: "Wheat flour", Unit: "kg", CurrentQuantity: d("25"), MinimumQuantity: d("10"), WasteFactorPct: d("2"), UnitPrice: d("4.50"), SupplierID: "mill-co"},
		{ID: "sugar", Name: "Sugar", Unit: "kg", CurrentQuantity: d("3"), MinimumQuantity: d("5"), UnitPrice: d("5.20"), SupplierID: "mill-co"},
		{ID: "butter", Name: "Butter", Unit: "kg", CurrentQuantity: d("8"), MinimumQuantity: d("4"), WasteFactorPct: d("5"), UnitPrice: d("38")},
		{ID: "eggs", Name: "Eggs", Unit: "un", CurrentQuantity: d("120"), MinimumQuantity: d("60"), UnitPrice: d("0.90")},
		{ID: "milk", Name: "Whole milk", Unit: "l", CurrentQuantity: d("20"), MinimumQuantity: d("10"), UnitPrice: d("5.50")},
		{ID: "chocolate", Name: "Dark chocolate", Unit: "kg", CurrentQuantity: d("2"), MinimumQuantity: d("3"), WasteFactorPct: d("3"), UnitPrice: d("45")},
	}
	for _, item := range items {
		item.OwnerID = seedOwner
		_, _ = s.UpsertStockItem(ctx, item)
	}

	sheets := []domain.TechnicalSheet{
		{
			ID: "sheet-dough", Name: "Pie dough", YieldQuantity: d("10"), YieldUnit: "kg",
			LeadTimeHours: 24, ShelfLifeHours: 72, WorkStation: "pastry",
			Ingredients: []domain.RecipeIngredient{
				{StockItemID: "flour", Quantity: d("6"), Unit: "kg"},
				{StockItemID: "butter", Quantity: d("3"), Unit: "kg"},
				{StockItemID: "eggs", Quantity: d("20"), Unit: "un"},
				{StockItemID: "sugar", Quantity: d("1"), Unit: "kg"},
			},
		},
		{
			ID: "sheet-cream", Name: "Chocolate cream", YieldQuantity: d("5"), YieldUnit: "kg",
			LeadTimeHours: 12, ShelfLifeHours: 48,
			Ingredients: []domain.RecipeIngredient{
				{StockItemID: "milk", Quantity: d("4"), Unit: "l"},
				{StockItemID: "chocolate", Quantity: d("1.5"), Unit: "kg"},
				{StockItemID: "sugar", Quantity: d("0.8"), Unit: "kg"},
			},
		},
		{
			ID: "sheet-brownie", Name: "Brownie tray", YieldQuantity: d("20"), YieldUnit: "un",
			LeadTimeHours: 6,
			Ingredients: []domain.RecipeIngredient{
				{StockItemID: "flour", Quantity: d("1"), Unit: "kg"},
				{StockItemID: "chocolate", Quantity: d("1"), Unit: "kg"},
				{StockItemID: "butter", Quantity: d("0.8"), Unit: "kg"},
				{StockItemID: "eggs", Quantity: d("12"), Unit: "un"},
				{StockItemID: "sugar", Quantity: d("1.2"), Unit: "kg"},
			},
		},
	}
	for _, sheet := range sheets {
		sheet.OwnerID = seedOwner
		_, _ = s.UpsertTechnicalSheet(ctx, sheet)
	}

	products := []domain.SaleProduct{
		{
			ID: "prod-pie", Name: "Chocolate pie", ReadyQuantity: d("2"), MinimumStock: d("6"),
			Components: []domain.SaleProductComponent{
				{ComponentType: domain.ComponentFinishedProduction, ComponentID: "sheet-dough", Quantity: d("1.2"), Unit: "kg"},
				{ComponentType: domain.ComponentFinishedProduction, ComponentID: "sheet-cream", Quantity: d("0.8"), Unit: "kg"},
				{ComponentType: domain.ComponentStockItem, ComponentID: "chocolate", Quantity: d("0.1"), Unit: "kg"},
			},
		},
		{
			ID: "prod-brownie", Name: "Brownie", ReadyQuantity: d("10"), MinimumStock: d("30"),
			Components: []domain.SaleProductComponent{
				{ComponentType: domain.ComponentFinishedProduction, ComponentID: "sheet-brownie", Quantity: d("1"), Unit: "un"},
			},
		},
		{
			ID: "prod-combo", Name: "Afternoon combo", ReadyQuantity: d("0"), MinimumStock: d("4"),
			Components: []domain.SaleProductComponent{
				{ComponentType: domain.ComponentSaleProduct, ComponentID: "prod-brownie", Quantity: d("2"), Unit: "un"},
				{ComponentType: domain.ComponentStockItem, ComponentID: "milk", Quantity: d("0.3"), Unit: "l"},
			},
		},
	}
	for _, product := range products {
		product.OwnerID = seedOwner
		_, _ = s.UpsertSaleProduct(ctx, product)
	}

	_ = s.AddProductionStock(ctx, seedOwner, "flour", d("5"))
	_ = s.AddProductionStock(ctx, seedOwner, "butter", d("1"))
	_ = s.AddFinishedStock(ctx, seedOwner, "sheet-cream", d("1"), "kg")

	s.usersByUsername = seedUsers()
	return s
}

func ownerBucket[T any](m map[string]map[string]T, ownerID string) map[string]T {
	bucket, ok := m[ownerID]
	if !ok {
		bucket = make(map[string]T)
		m[ownerID] = bucket
	}
	return bucket
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func forecastKey(productID string, date time.Time) string {
	return productID + "|" + dateOnly(date).Format(time.DateOnly)
}

func (s *Store) ListStockItems(_ context.Context, ownerID string) ([]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockItem, 0, len(s.stockItems[ownerID]))
	for _, item := range s.stockItems[ownerID] {
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) GetStockItem(_ context.Context, ownerID string, id string) (*domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.stockItems[ownerID][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) UpsertStockItem(_ context.Context, item domain.StockItem) (*domain.StockItem, error) {
	if item.OwnerID == "" || item.ID == "" || strings.TrimSpace(item.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ownerBucket(s.stockItems, item.OwnerID)[item.ID] = item
	return &item, nil
}

func (s *Store) ListTechnicalSheets(_ context.Context, ownerID string) ([]domain.TechnicalSheet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.TechnicalSheet, 0, len(s.sheets[ownerID]))
	for _, sheet := range s.sheets[ownerID] {
		sheet.Ingredients = slices.Clone(sheet.Ingredients)
		result = append(result, sheet)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) GetTechnicalSheet(_ context.Context, ownerID string, id string) (*domain.TechnicalSheet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sheet, ok := s.sheets[ownerID][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sheet.Ingredients = slices.Clone(sheet.Ingredients)
	return &sheet, nil
}

func (s *Store) UpsertTechnicalSheet(_ context.Context, sheet domain.TechnicalSheet) (*domain.TechnicalSheet, error) {
	if sheet.OwnerID == "" || sheet.ID == "" || strings.TrimSpace(sheet.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sheet.Ingredients = slices.Clone(sheet.Ingredients)
	ownerBucket(s.sheets, sheet.OwnerID)[sheet.ID] = sheet
	return &sheet, nil
}

func (s *Store) ListSaleProducts(_ context.Context, ownerID string) ([]domain.SaleProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SaleProduct, 0, len(s.products[ownerID]))
	for _, product := range s.products[ownerID] {
		product.Components = slices.Clone(product.Components)
		result = append(result, product)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) UpsertSaleProduct(_ context.Context, product domain.SaleProduct) (*domain.SaleProduct, error) {
	if product.OwnerID == "" || product.ID == "" || strings.TrimSpace(product.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product.Components = slices.Clone(product.Components)
	ownerBucket(s.products, product.OwnerID)[product.ID] = product
	return &product, nil
}

func (s *Store) UpsertSalesForecast(_ context.Context, forecast domain.SalesForecast) (*domain.SalesForecast, error) {
	if forecast.OwnerID == "" || forecast.SaleProductID == "" || forecast.TargetDate.IsZero() {
		return nil, store.ErrInvalidInput
	}
	forecast.TargetDate = dateOnly(forecast.TargetDate)
	forecast.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := ownerBucket(s.forecasts, forecast.OwnerID)
	key := forecastKey(forecast.SaleProductID, forecast.TargetDate)
	if existing, ok := bucket[key]; ok {
		forecast.ID = existing.ID
	}
	if forecast.ID == "" {
		forecast.ID = xid.New("fc")
	}
	bucket[key] = forecast
	return &forecast, nil
}

func (s *Store) ListSalesForecasts(_ context.Context, ownerID string, targetDate time.Time) ([]domain.SalesForecast, error) {
	target := dateOnly(targetDate)

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SalesForecast, 0, 8)
	for _, forecast := range s.forecasts[ownerID] {
		if forecast.TargetDate.Equal(target) {
			result = append(result, forecast)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SaleProductID < result[j].SaleProductID })
	return result, nil
}

func (s *Store) ReplacePendingForecastOrders(_ context.Context, ownerID string, targetDate time.Time, orders []domain.ForecastProductionOrder) error {
	target := dateOnly(targetDate)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]domain.ForecastProductionOrder, 0, len(s.forecastOrders[ownerID])+len(orders))
	for _, existing := range s.forecastOrders[ownerID] {
		if existing.Status == domain.ForecastOrderPending && existing.TargetConsumptionDate.Equal(target) {
			continue
		}
		kept = append(kept, existing)
	}
	for _, order := range orders {
		if order.ID == "" {
			order.ID = xid.New("fpo")
		}
		order.OwnerID = ownerID
		order.TargetConsumptionDate = target
		if order.CreatedAt.IsZero() {
			order.CreatedAt = now
		}
		kept = append(kept, order)
	}
	s.forecastOrders[ownerID] = kept
	return nil
}

func (s *Store) ListForecastOrders(_ context.Context, ownerID string, targetDate time.Time) ([]domain.ForecastProductionOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ForecastProductionOrder, 0, len(s.forecastOrders[ownerID]))
	for _, order := range s.forecastOrders[ownerID] {
		if !targetDate.IsZero() && !order.TargetConsumptionDate.Equal(dateOnly(targetDate)) {
			continue
		}
		result = append(result, order)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ProductionDate.Before(result[j].ProductionDate)
	})
	return result, nil
}

func (s *Store) CreateProductionOrder(_ context.Context, order domain.ProductionOrder) (*domain.ProductionOrder, error) {
	if order.OwnerID == "" || order.TechnicalSheetID == "" || !order.PlannedQuantity.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	now := time.Now().UTC()
	if order.ID == "" {
		order.ID = xid.New("po")
	}
	if order.Status == "" {
		order.Status = domain.ProductionPlanned
	}
	order.CreatedAt = now
	order.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := ownerBucket(s.productionOrders, order.OwnerID)
	if _, exists := bucket[order.ID]; exists {
		return nil, store.ErrConflict
	}
	bucket[order.ID] = order
	return &order, nil
}

func (s *Store) GetProductionOrder(_ context.Context, ownerID string, id string) (*domain.ProductionOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.productionOrders[ownerID][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &order, nil
}

func (s *Store) ListProductionOrders(_ context.Context, ownerID string, status string) ([]domain.ProductionOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ProductionOrder, 0, len(s.productionOrders[ownerID]))
	for _, order := range s.productionOrders[ownerID] {
		if status != "" && order.Status != status {
			continue
		}
		result = append(result, order)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ScheduledDate.Equal(result[j].ScheduledDate) {
			return result[i].ID < result[j].ID
		}
		return result[i].ScheduledDate.Before(result[j].ScheduledDate)
	})
	return result, nil
}

func (s *Store) TransitionProductionOrder(_ context.Context, ownerID string, id string, from string, to string) (*domain.ProductionOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.productionOrders[ownerID][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != from {
		return nil, store.ErrConflict
	}
	order.Status = to
	order.UpdatedAt = time.Now().UTC()
	s.productionOrders[ownerID][id] = order
	return &order, nil
}

func (s *Store) GetProductionStockMap(_ context.Context, ownerID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]decimal.Decimal, len(s.productionStock[ownerID]))
	for id, qty := range s.productionStock[ownerID] {
		result[id] = qty
	}
	return result, nil
}

func (s *Store) AddProductionStock(_ context.Context, ownerID string, stockItemID string, qty decimal.Decimal) error {
	if ownerID == "" || stockItemID == "" || !qty.IsPositive() {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := ownerBucket(s.productionStock, ownerID)
	bucket[stockItemID] = bucket[stockItemID].Add(qty)
	return nil
}

func (s *Store) DrawProductionStock(_ context.Context, ownerID string, stockItemID string, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.productionStock[ownerID]
	available, ok := bucket[stockItemID]
	if !ok {
		return decimal.Zero, nil
	}
	if !available.IsPositive() {
		delete(bucket, stockItemID)
		return decimal.Zero, nil
	}

	taken := decimal.Min(available, qty)
	remaining := available.Sub(taken)
	if remaining.IsPositive() {
		bucket[stockItemID] = remaining
	} else {
		delete(bucket, stockItemID)
	}
	return taken, nil
}

func (s *Store) DrawCentralStock(_ context.Context, ownerID string, stockItemID string, qty decimal.Decimal, movement domain.StockMovement) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.stockItems[ownerID][stockItemID]
	if !ok {
		return decimal.Zero, store.ErrNotFound
	}
	if !item.CurrentQuantity.IsPositive() {
		return decimal.Zero, nil
	}

	taken := decimal.Min(item.CurrentQuantity, qty)
	item.CurrentQuantity = item.CurrentQuantity.Sub(taken)
	s.stockItems[ownerID][stockItemID] = item

	if movement.ID == "" {
		movement.ID = xid.New("mv")
	}
	if movement.Type == "" {
		movement.Type = domain.MovementExit
	}
	movement.OwnerID = ownerID
	movement.StockItemID = stockItemID
	movement.Quantity = taken
	movement.CreatedAt = time.Now().UTC()
	s.movements[ownerID] = append(s.movements[ownerID], movement)

	return taken, nil
}

func (s *Store) TransferToProductionStock(_ context.Context, ownerID string, stockItemID string, qty decimal.Decimal, movement domain.StockMovement) error {
	if ownerID == "" || stockItemID == "" || !qty.IsPositive() {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.stockItems[ownerID][stockItemID]
	if !ok {
		return store.ErrNotFound
	}
	if item.CurrentQuantity.LessThan(qty) {
		return store.ErrConflict
	}

	item.CurrentQuantity = item.CurrentQuantity.Sub(qty)
	s.stockItems[ownerID][stockItemID] = item

	floor := ownerBucket(s.productionStock, ownerID)
	floor[stockItemID] = floor[stockItemID].Add(qty)

	if movement.ID == "" {
		movement.ID = xid.New("mv")
	}
	if movement.Type == "" {
		movement.Type = domain.MovementTransfer
	}
	movement.OwnerID = ownerID
	movement.StockItemID = stockItemID
	movement.Quantity = qty
	movement.CreatedAt = time.Now().UTC()
	s.movements[ownerID] = append(s.movements[ownerID], movement)
	return nil
}

func (s *Store) ListStockMovements(_ context.Context, ownerID string, stockItemID string, limit int) ([]domain.StockMovement, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.movements[ownerID]
	result := make([]domain.StockMovement, 0, min(limit, len(history)))
	for i := len(history) - 1; i >= 0 && len(result) < limit; i-- {
		if stockItemID != "" && history[i].StockItemID != stockItemID {
			continue
		}
		result = append(result, history[i])
	}
	return result, nil
}

func (s *Store) GetFinishedStockMap(_ context.Context, ownerID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]decimal.Decimal, len(s.finishedStock[ownerID]))
	for id, row := range s.finishedStock[ownerID] {
		result[id] = row.qty
	}
	return result, nil
}

func (s *Store) AddFinishedStock(_ context.Context, ownerID string, technicalSheetID string, qty decimal.Decimal, unit string) error {
	if ownerID == "" || technicalSheetID == "" || qty.IsZero() {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := ownerBucket(s.finishedStock, ownerID)
	row := bucket[technicalSheetID]
	row.qty = row.qty.Add(qty)
	if unit != "" {
		row.unit = unit
	}
	if !row.qty.IsPositive() {
		delete(bucket, technicalSheetID)
		return nil
	}
	bucket[technicalSheetID] = row
	return nil
}

func (s *Store) CreateProducedInput(_ context.Context, lot domain.ProducedInputStock) (*domain.ProducedInputStock, error) {
	if lot.OwnerID == "" || lot.TechnicalSheetID == "" || !lot.Quantity.IsPositive() || lot.ExpirationDate.IsZero() {
		return nil, store.ErrInvalidInput
	}
	if lot.ID == "" {
		lot.ID = xid.New("lot")
	}
	lot.ExpirationDate = dateOnly(lot.ExpirationDate)
	lot.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.producedInputs[lot.OwnerID] = append(s.producedInputs[lot.OwnerID], lot)
	return &lot, nil
}

func (s *Store) ListProducedInputs(_ context.Context, ownerID string) ([]domain.ProducedInputStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.producedInputs[ownerID]), nil
}

func (s *Store) FindActivePurchaseItem(_ context.Context, ownerID string, stockItemID string) (*domain.PurchaseListItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if item, ok := s.findActiveLocked(ownerID, stockItemID); ok {
		return &item, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) findActiveLocked(ownerID string, stockItemID string) (domain.PurchaseListItem, bool) {
	for _, item := range s.purchaseItems[ownerID] {
		if item.StockItemID == stockItemID && item.IsActive() {
			return item, true
		}
	}
	return domain.PurchaseListItem{}, false
}

func (s *Store) CreatePurchaseItem(_ context.Context, item domain.PurchaseListItem) (*domain.PurchaseListItem, error) {
	if item.OwnerID == "" || item.StockItemID == "" || !item.SuggestedQuantity.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = xid.New("pl")
	}
	if item.Status == "" {
		item.Status = domain.PurchasePending
	}
	item.CreatedAt = now
	item.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if item.IsActive() {
		if _, exists := s.findActiveLocked(item.OwnerID, item.StockItemID); exists {
			return nil, store.ErrConflict
		}
	}
	ownerBucket(s.purchaseItems, item.OwnerID)[item.ID] = item
	return &item, nil
}

func (s *Store) IncrementPurchaseItem(_ context.Context, ownerID string, id string, qty decimal.Decimal) (*domain.PurchaseListItem, error) {
	if !qty.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.purchaseItems[ownerID][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !item.IsActive() {
		return nil, store.ErrConflict
	}
	item.SuggestedQuantity = item.SuggestedQuantity.Add(qty)
	item.UpdatedAt = time.Now().UTC()
	s.purchaseItems[ownerID][id] = item
	return &item, nil
}

func (s *Store) ListPurchaseItems(_ context.Context, ownerID string, status string) ([]domain.PurchaseListItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PurchaseListItem, 0, len(s.purchaseItems[ownerID]))
	for _, item := range s.purchaseItems[ownerID] {
		if status != "" && item.Status != status {
			continue
		}
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" || user.OwnerID == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "kitchen"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		result = append(result, user)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
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
