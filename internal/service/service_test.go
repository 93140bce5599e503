package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kitchenplan/backend/internal/domain"
	"kitchenplan/backend/internal/notify"
	"kitchenplan/backend/internal/store"
	"kitchenplan/backend/internal/store/memory"
)

const testOwner = "k1"

var targetDay = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	repo    *memory.Store
	svc     *Service
	notices *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.New()
	rec := &notify.Recorder{}
	return &fixture{
		t:       t,
		ctx:     context.Background(),
		repo:    repo,
		svc:     New(repo, Options{Notifier: rec, DefaultOwnerID: testOwner}),
		notices: rec,
	}
}

func (f *fixture) item(id string, name string, central string, minimum string) {
	f.t.Helper()
	_, err := f.repo.UpsertStockItem(f.ctx, domain.StockItem{
		ID: id, OwnerID: testOwner, Name: name, Unit: "kg",
		CurrentQuantity: dec(central), MinimumQuantity: dec(minimum), UnitPrice: dec("2"),
	})
	if err != nil {
		f.t.Fatalf("upsert stock item %s: %v", id, err)
	}
}

func (f *fixture) sheet(sheet domain.TechnicalSheet) {
	f.t.Helper()
	sheet.OwnerID = testOwner
	if sheet.Name == "" {
		sheet.Name = sheet.ID
	}
	if _, err := f.repo.UpsertTechnicalSheet(f.ctx, sheet); err != nil {
		f.t.Fatalf("upsert sheet %s: %v", sheet.ID, err)
	}
}

func (f *fixture) product(product domain.SaleProduct) {
	f.t.Helper()
	product.OwnerID = testOwner
	if product.Name == "" {
		product.Name = product.ID
	}
	if _, err := f.repo.UpsertSaleProduct(f.ctx, product); err != nil {
		f.t.Fatalf("upsert product %s: %v", product.ID, err)
	}
}

func (f *fixture) forecast(productID string, qty string) {
	f.t.Helper()
	_, err := f.repo.UpsertSalesForecast(f.ctx, domain.SalesForecast{
		OwnerID: testOwner, SaleProductID: productID, TargetDate: targetDay, ForecastedQuantity: dec(qty),
	})
	if err != nil {
		f.t.Fatalf("upsert forecast: %v", err)
	}
}

func (f *fixture) productionOrder(sheetID string, qty string) domain.ProductionOrder {
	f.t.Helper()
	order, err := f.repo.CreateProductionOrder(f.ctx, domain.ProductionOrder{
		OwnerID: testOwner, TechnicalSheetID: sheetID, PlannedQuantity: dec(qty), Status: domain.ProductionPlanned, ScheduledDate: targetDay,
	})
	if err != nil {
		f.t.Fatalf("create production order: %v", err)
	}
	return *order
}

func recipeOf(id string, yield string, leadHours int, shelfHours int, ingredients ...domain.RecipeIngredient) domain.TechnicalSheet {
	return domain.TechnicalSheet{
		ID: id, YieldQuantity: dec(yield), YieldUnit: "kg",
		LeadTimeHours: leadHours, ShelfLifeHours: shelfHours, Ingredients: ingredients,
	}
}

func uses(stockItemID string, qty string) domain.RecipeIngredient {
	return domain.RecipeIngredient{StockItemID: stockItemID, Quantity: dec(qty), Unit: "kg"}
}

func part(kind string, id string, qty string) domain.SaleProductComponent {
	return domain.SaleProductComponent{ComponentType: kind, ComponentID: id, Quantity: dec(qty)}
}

func resultFor(t *testing.T, report domain.ExplosionReport, sheetID string) domain.ExplosionResult {
	t.Helper()
	for _, r := range report.PerRecipe {
		if r.TechnicalSheetID == sheetID {
			return r
		}
	}
	t.Fatalf("no result for recipe %s in %+v", sheetID, report.PerRecipe)
	return domain.ExplosionResult{}
}

func TestExplodeRoundsUpToWholeBatches(t *testing.T) {
	f := newFixture(t)
	f.sheet(recipeOf("R", "10", 0, 0))
	f.product(domain.SaleProduct{ID: "P", Components: []domain.SaleProductComponent{part(domain.ComponentFinishedProduction, "R", "1")}})
	f.forecast("P", "25")

	report, err := f.svc.Explode(f.ctx, testOwner, targetDay)
	if err != nil {
		t.Fatalf("explode: %v", err)
	}

	r := resultFor(t, report, "R")
	if !r.Batches.Equal(dec("3")) || !r.RequiredQuantity.Equal(dec("30")) || !r.NetQuantity.Equal(dec("30")) {
		t.Fatalf("expected 3 batches / 30 required / 30 net, got %s / %s / %s", r.Batches, r.RequiredQuantity, r.NetQuantity)
	}
	if report.OrdersCreated != 1 {
		t.Fatalf("expected 1 order, got %d", report.OrdersCreated)
	}
	if r.WorkStation != domain.DefaultWorkStation {
		t.Fatalf("expected default work station, got %q", r.WorkStation)
	}
}

func TestExplodeNetNeverNegative(t *testing.T) {
	f := newFixture(t)
	f.sheet(recipeOf("R", "10", 0, 0))
	f.product(domain.SaleProduct{ID: "P", Components: []domain.SaleProductComponent{part(domain.ComponentFinishedProduction, "R", "1")}})
	f.forecast("P", "12")
	if err := f.repo.AddFinishedStock(f.ctx, testOwner, "R", dec("50"), "kg"); err != nil {
		t.Fatalf("add finished stock: %v", err)
	}

	report, err := f.svc.Explode(f.ctx, testOwner, targetDay)
	if err != nil {
		t.Fatalf("explode: %v", err)
	}

	r := resultFor(t, report, "R")
	if !r.NetQuantity.IsZero() || !r.ExistingStock.Equal(dec("50")) {
		t.Fatalf("expected zero net with 50 existing, got net=%s existing=%s", r.NetQuantity, r.ExistingStock)
	}
	if report.OrdersCreated != 0 {
		t.Fatalf("zero-net recipes must not create orders, got %d", report.OrdersCreated)
	}
	orders, _ := f.repo.ListForecastOrders(f.ctx, testOwner, targetDay)
	if len(orders) != 0 {
		t.Fatalf("expected no persisted orders, got %+v", orders)
	}
}

func TestExplodeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.sheet(recipeOf("R1", "10", 24, 0))
	f.sheet(recipeOf("R2", "4", 6, 0))
	f.product(domain.SaleProduct{ID: "P", Components: []domain.SaleProductComponent{
		part(domain.ComponentFinishedProduction, "R1", "2"),
		part(domain.ComponentFinishedProduction, "R2", "0.5"),
	}})
	f.forecast("P", "7")

	first, err := f.svc.Explode(f.ctx, testOwner, targetDay)
	if err != nil {
		t.Fatalf("first explode: %v", err)
	}
	firstOrders, _ := f.repo.ListForecastOrders(f.ctx, testOwner, targetDay)

	second, err := f.svc.Explode(f.ctx, testOwner, targetDay)
	if err != nil {
		t.Fatalf("second explode: %v", err)
	}
	secondOrders, _ := f.repo.ListForecastOrders(f.ctx, testOwner, targetDay)

	if first.OrdersCreated != second.OrdersCreated || len(firstOrders) != len(secondOrders) || len(secondOrders) != 2 {
		t.Fatalf("expected the same 2 orders twice, got %d/%d persisted %d/%d",
			first.OrdersCreated, second.OrdersCreated, len(firstOrders), len(secondOrders))
	}
	byRecipe := make(map[string]domain.ForecastProductionOrder, len(firstOrders))
	for _, o := range firstOrders {
		byRecipe[o.TechnicalSheetID] = o
	}
	for _, o := range secondOrders {
		prev, ok := byRecipe[o.TechnicalSheetID]
		if !ok || !prev.NetQuantity.Equal(o.NetQuantity) || !prev.ProductionDate.Equal(o.ProductionDate) {
			t.Fatalf("order for %s changed between runs: %+v vs %+v", o.TechnicalSheetID, prev, o)
		}
	}
}

func TestExplodeWithoutForecastFails(t *testing.T) {
	f := newFixture(t)
	f.sheet(recipeOf("R", "10", 0, 0))

	_, err := f.svc.Explode(f.ctx, testOwner, targetDay)
	if !errors.Is(err, ErrNoForecast) {
		t.Fatalf("expected ErrNoForecast, got %v", err)
	}
	orders, _ := f.repo.ListForecastOrders(f.ctx, testOwner, time.Time{})
	if len(orders) != 0 {
		t.Fatalf("expected nothing persisted, got %+v", orders)
	}
}

func TestExplodeSchedulesBackwardsByLeadTime(t *testing.T) {
	f := newFixture(t)
	f.sheet(recipeOf("R", "1", 30, 0))
	f.product(domain.SaleProduct{ID: "P", Components: []domain.SaleProductComponent{part(domain.ComponentFinishedProduction, "R", "1")}})
	f.forecast("P", "1")

	report, err := f.svc.Explode(f.ctx, testOwner, targetDay.Add(15*time.Hour))
	if err != nil {
		t.Fatalf("explode: %v", err)
	}

	r := resultFor(t, report, "R")
	want := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	if !r.ProductionDate.Equal(want) {
		t.Fatalf("expected production on %s, got %s", want, r.ProductionDate)
	}
	if r.ShelfLifeWarning != "" {
		t.Fatalf("default shelf life should not warn, got %q", r.ShelfLifeWarning)
	}
}

func TestExplodeShelfLifeWarningDoesNotBlockOrder(t *testing.T) {
	f := newFixture(t)
	f.sheet(recipeOf("R", "5", 48, 24))
	f.product(domain.SaleProduct{ID: "P", Components: []domain.SaleProductComponent{part(domain.ComponentFinishedProduction, "R", "1")}})
	f.forecast("P", "5")

	report, err := f.svc.Explode(f.ctx, testOwner, targetDay)
	if err != nil {
		t.Fatalf("explode: %v", err)
	}

	r := resultFor(t, report, "R")
	if r.ShelfLifeWarning == "" {
		t.Fatalf("expected a shelf-life warning")
	}
	if report.OrdersCreated != 1 {
		t.Fatalf("warning must not block the order, got %d orders", report.OrdersCreated)
	}
	found := false
	for _, kind := range f.notices.Kinds() {
		if kind == domain.NoticeShelfLife {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a shelf-life notice, got %v", f.notices.Kinds())
	}
}

func TestExplodeSkipsMissingRecipeAndContinues(t *testing.T) {
	f := newFixture(t)
	f.sheet(recipeOf("R", "10", 0, 0))
	f.product(domain.SaleProduct{ID: "P", Components: []domain.SaleProductComponent{
		part(domain.ComponentFinishedProduction, "ghost", "1"),
		part(domain.ComponentFinishedProduction, "R", "1"),
		part(domain.ComponentStockItem, "salt", "1"),
	}})
	f.forecast("P", "10")
	f.forecast("nobody", "3")

	report, err := f.svc.Explode(f.ctx, testOwner, targetDay)
	if err != nil {
		t.Fatalf("explode: %v", err)
	}
	if len(report.PerRecipe) != 1 || report.OrdersCreated != 1 {
		t.Fatalf("expected only recipe R planned, got %+v", report.PerRecipe)
	}
	if len(report.Warnings) != 2 {
		t.Fatalf("expected two missing-reference warnings, got %+v", report.Warnings)
	}
	for _, w := range report.Warnings {
		if w.Code != WarningMissingReference {
			t.Fatalf("unexpected warning %+v", w)
		}
	}
}

func TestExplodeMergesSharedRecipeAcrossProducts(t *testing.T) {
	f := newFixture(t)
	f.sheet(recipeOf("R", "10", 0, 0))
	f.product(domain.SaleProduct{ID: "P1", Name: "Pie", Components: []domain.SaleProductComponent{part(domain.ComponentFinishedProduction, "R", "2")}})
	f.product(domain.SaleProduct{ID: "P2", Name: "Tart", Components: []domain.SaleProductComponent{part(domain.ComponentFinishedProduction, "R", "1.5")}})
	f.forecast("P1", "3")
	f.forecast("P2", "4")

	report, err := f.svc.Explode(f.ctx, testOwner, targetDay)
	if err != nil {
		t.Fatalf("explode: %v", err)
	}

	r := resultFor(t, report, "R")
	if !r.Demand.Equal(dec("12")) || !r.RequiredQuantity.Equal(dec("20")) {
		t.Fatalf("expected demand 12 rounded to 20, got %s / %s", r.Demand, r.RequiredQuantity)
	}
	if len(r.ServedBy) != 2 || r.ServedBy[0] != "Pie" || r.ServedBy[1] != "Tart" {
		t.Fatalf("expected served by Pie and Tart, got %v", r.ServedBy)
	}
}

func TestExplodeCountsOnlyUnexpiredProducedInputs(t *testing.T) {
	f := newFixture(t)
	f.sheet(recipeOf("R", "10", 0, 0))
	f.product(domain.SaleProduct{ID: "P", Components: []domain.SaleProductComponent{part(domain.ComponentFinishedProduction, "R", "1")}})
	f.forecast("P", "20")
	_, _ = f.repo.CreateProducedInput(f.ctx, domain.ProducedInputStock{OwnerID: testOwner, TechnicalSheetID: "R", Quantity: dec("4"), ExpirationDate: targetDay.AddDate(0, 0, -1)})
	_, _ = f.repo.CreateProducedInput(f.ctx, domain.ProducedInputStock{OwnerID: testOwner, TechnicalSheetID: "R", Quantity: dec("6"), ExpirationDate: targetDay})
	_ = f.repo.AddFinishedStock(f.ctx, testOwner, "R", dec("3"), "kg")

	report, err := f.svc.Explode(f.ctx, testOwner, targetDay)
	if err != nil {
		t.Fatalf("explode: %v", err)
	}

	r := resultFor(t, report, "R")
	if !r.ExistingStock.Equal(dec("9")) || !r.NetQuantity.Equal(dec("11")) {
		t.Fatalf("expected existing 9 and net 11, got %s / %s", r.ExistingStock, r.NetQuantity)
	}
}

func TestGetExplosionReportFallsBackToPersistedOrders(t *testing.T) {
	f := newFixture(t)
	f.sheet(recipeOf("R", "10", 0, 0))
	f.product(domain.SaleProduct{ID: "P", Components: []domain.SaleProductComponent{part(domain.ComponentFinishedProduction, "R", "1")}})
	f.forecast("P", "5")

	if _, err := f.svc.GetExplosionReport(f.ctx, testOwner, targetDay); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before exploding, got %v", err)
	}
	if _, err := f.svc.Explode(f.ctx, testOwner, targetDay); err != nil {
		t.Fatalf("explode: %v", err)
	}
	report, err := f.svc.GetExplosionReport(f.ctx, testOwner, targetDay)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report.OrdersCreated != 1 || len(report.PerRecipe) != 1 || !report.PerRecipe[0].NetQuantity.Equal(dec("10")) {
		t.Fatalf("unexpected rebuilt report %+v", report)
	}
}

// A (min 1) contains 2x B, B contains one full batch of R, R yields 10 with 3kg flour.
func TestTotalProjectedDemandThreeLevelBOM(t *testing.T) {
	f := newFixture(t)
	f.item("flour", "Flour", "0", "0")
	f.sheet(recipeOf("R", "10", 0, 0, uses("flour", "3")))
	f.product(domain.SaleProduct{ID: "B", Components: []domain.SaleProductComponent{part(domain.ComponentFinishedProduction, "R", "10")}})
	f.product(domain.SaleProduct{ID: "A", MinimumStock: dec("1"), Components: []domain.SaleProductComponent{part(domain.ComponentSaleProduct, "B", "2")}})

	got, err := f.svc.TotalProjectedDemand(f.ctx, testOwner, "flour")
	if err != nil {
		t.Fatalf("total demand: %v", err)
	}
	if !got.Equal(dec("6")) {
		t.Fatalf("expected 6kg flour, got %s", got)
	}
}

func TestTotalProjectedDemandCountsOnlyPlannedOrders(t *testing.T) {
	f := newFixture(t)
	f.sheet(recipeOf("R", "10", 0, 0, uses("flour", "3")))
	f.productionOrder("R", "20")
	started := f.productionOrder("R", "50")
	if _, err := f.repo.TransitionProductionOrder(f.ctx, testOwner, started.ID, domain.ProductionPlanned, domain.ProductionInProgress); err != nil {
		t.Fatalf("transition: %v", err)
	}
	f.product(domain.SaleProduct{ID: "stocked", ReadyQuantity: dec("9"), MinimumStock: dec("5"), Components: []domain.SaleProductComponent{part(domain.ComponentStockItem, "flour", "1")}})

	got, err := f.svc.TotalProjectedDemand(f.ctx, testOwner, "flour")
	if err != nil {
		t.Fatalf("total demand: %v", err)
	}
	if !got.Equal(dec("6")) {
		t.Fatalf("expected only the planned order (6kg), got %s", got)
	}

	none, err := f.svc.TotalProjectedDemand(f.ctx, testOwner, "unknown")
	if err != nil || !none.IsZero() {
		t.Fatalf("expected zero for unreferenced item, got %s err=%v", none, err)
	}
}

func TestComputePurchaseNeedsUrgentFirst(t *testing.T) {
	f := newFixture(t)
	f.item("flour", "Flour", "12", "10")
	f.item("sugar", "Sugar", "3", "5")
	f.item("salt", "Salt", "40", "1")
	flour, _ := f.repo.GetStockItem(f.ctx, testOwner, "flour")
	flour.WasteFactorPct = dec("2")
	_, _ = f.repo.UpsertStockItem(f.ctx, *flour)
	f.sheet(recipeOf("R", "1", 0, 0, uses("flour", "1")))
	f.productionOrder("R", "5")

	needs, err := f.svc.ComputePurchaseNeeds(f.ctx, testOwner)
	if err != nil {
		t.Fatalf("purchase needs: %v", err)
	}
	if len(needs) != 2 {
		t.Fatalf("expected sugar and flour, got %+v", needs)
	}
	if needs[0].StockItemID != "sugar" || !needs[0].IsUrgent {
		t.Fatalf("expected urgent sugar first, got %+v", needs[0])
	}
	if !needs[0].SuggestedQuantity.Equal(dec("2")) || !needs[0].EstimatedCost.Equal(dec("4")) {
		t.Fatalf("unexpected sugar suggestion %s cost %s", needs[0].SuggestedQuantity, needs[0].EstimatedCost)
	}
	// 5 x 1.02 + 10 - 12 = 3.1, rounded up
	if needs[1].StockItemID != "flour" || needs[1].IsUrgent || !needs[1].TotalNeed.Equal(dec("3.1")) || !needs[1].SuggestedQuantity.Equal(dec("4")) {
		t.Fatalf("unexpected flour need %+v", needs[1])
	}

	list, _ := f.repo.ListPurchaseItems(f.ctx, testOwner, "")
	if len(list) != 0 {
		t.Fatalf("computing needs must not write the purchase list, got %+v", list)
	}
}

func TestComputePurchaseNeedsCountsProductionFloor(t *testing.T) {
	f := newFixture(t)
	f.item("butter", "Butter", "2", "4")
	if err := f.repo.AddProductionStock(f.ctx, testOwner, "butter", dec("3")); err != nil {
		t.Fatalf("add production stock: %v", err)
	}

	needs, err := f.svc.ComputePurchaseNeeds(f.ctx, testOwner)
	if err != nil {
		t.Fatalf("purchase needs: %v", err)
	}
	if len(needs) != 0 {
		t.Fatalf("5 on hand covers a minimum of 4, got %+v", needs)
	}
}

func TestConsumeForProductionDrawsFloorThenCentral(t *testing.T) {
	f := newFixture(t)
	f.item("flour", "Flour", "10", "0")
	_ = f.repo.AddProductionStock(f.ctx, testOwner, "flour", dec("2"))
	f.sheet(recipeOf("R", "10", 0, 0, uses("flour", "5")))
	order := f.productionOrder("R", "10")

	report, err := f.svc.ConsumeForProduction(f.ctx, testOwner, order.ID)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if report.HasShortfalls() {
		t.Fatalf("expected no shortfall, got %+v", report.Shortfalls)
	}

	floor, _ := f.repo.GetProductionStockMap(f.ctx, testOwner)
	if _, ok := floor["flour"]; ok {
		t.Fatalf("expected the emptied floor row to be deleted, got %v", floor)
	}
	item, _ := f.repo.GetStockItem(f.ctx, testOwner, "flour")
	if !item.CurrentQuantity.Equal(dec("7")) {
		t.Fatalf("expected central stock 7, got %s", item.CurrentQuantity)
	}
	moves, _ := f.repo.ListStockMovements(f.ctx, testOwner, "flour", 10)
	if len(moves) != 1 || !moves[0].Quantity.Equal(dec("3")) || moves[0].Type != domain.MovementExit || moves[0].ReferenceID != order.ID {
		t.Fatalf("expected one exit movement of 3, got %+v", moves)
	}
}

func TestConsumeForProductionAppliesWasteFactor(t *testing.T) {
	f := newFixture(t)
	f.item("butter", "Butter", "10", "0")
	butter, _ := f.repo.GetStockItem(f.ctx, testOwner, "butter")
	butter.WasteFactorPct = dec("10")
	_, _ = f.repo.UpsertStockItem(f.ctx, *butter)
	f.sheet(recipeOf("R", "4", 0, 0, uses("butter", "2")))
	order := f.productionOrder("R", "8")

	if _, err := f.svc.ConsumeForProduction(f.ctx, testOwner, order.ID); err != nil {
		t.Fatalf("consume: %v", err)
	}
	item, _ := f.repo.GetStockItem(f.ctx, testOwner, "butter")
	// 2 x (8 / 4) x 1.1 = 4.4
	if !item.CurrentQuantity.Equal(dec("5.6")) {
		t.Fatalf("expected 5.6 left, got %s", item.CurrentQuantity)
	}
}

func TestConsumeForProductionShortfallAccumulatesOnPurchaseList(t *testing.T) {
	f := newFixture(t)
	f.item("sugar", "Sugar", "1", "0")
	f.sheet(recipeOf("R", "1", 0, 0, uses("sugar", "1")))
	first := f.productionOrder("R", "5")
	second := f.productionOrder("R", "2")

	report, err := f.svc.ConsumeForProduction(f.ctx, testOwner, first.ID)
	if err != nil {
		t.Fatalf("consume first: %v", err)
	}
	if len(report.Shortfalls) != 1 || !report.Shortfalls[0].Missing.Equal(dec("4")) || report.Shortfalls[0].Name != "Sugar" {
		t.Fatalf("expected 4kg sugar missing, got %+v", report.Shortfalls)
	}
	if _, err := f.svc.ConsumeForProduction(f.ctx, testOwner, second.ID); err != nil {
		t.Fatalf("consume second: %v", err)
	}

	list, _ := f.repo.ListPurchaseItems(f.ctx, testOwner, "")
	if len(list) != 1 {
		t.Fatalf("expected a single active purchase item, got %+v", list)
	}
	if !list[0].SuggestedQuantity.Equal(dec("6")) || list[0].Status != domain.PurchasePending || list[0].Source != SourceProductionShortfall {
		t.Fatalf("expected pending 6kg shortfall item, got %+v", list[0])
	}
}

func TestStartProductionOrderStartsDespiteShortfall(t *testing.T) {
	f := newFixture(t)
	f.item("eggs", "Eggs", "0", "0")
	f.sheet(recipeOf("R", "1", 0, 0, uses("eggs", "3")))
	order := f.productionOrder("R", "1")

	resp, err := f.svc.StartProductionOrder(f.ctx, testOwner, order.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if resp.Order.Status != domain.ProductionInProgress {
		t.Fatalf("expected in_progress, got %s", resp.Order.Status)
	}
	if !resp.Report.HasShortfalls() {
		t.Fatalf("expected a shortfall report")
	}
	if kinds := f.notices.Kinds(); len(kinds) == 0 || kinds[0] != domain.NoticeInsufficiency {
		t.Fatalf("expected insufficiency notice, got %v", kinds)
	}

	if _, err := f.svc.StartProductionOrder(f.ctx, testOwner, order.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second start, got %v", err)
	}
	list, _ := f.repo.ListPurchaseItems(f.ctx, testOwner, "")
	if len(list) != 1 || !list[0].SuggestedQuantity.Equal(dec("3")) {
		t.Fatalf("a rejected start must not consume again, got %+v", list)
	}
}

func TestCompleteProductionOrderBooksFinishedStock(t *testing.T) {
	f := newFixture(t)
	f.item("flour", "Flour", "100", "0")
	f.sheet(recipeOf("R", "10", 0, 0, uses("flour", "1")))
	order := f.productionOrder("R", "20")

	if _, err := f.svc.CompleteProductionOrder(f.ctx, testOwner, order.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected planned orders to be uncompletable, got %v", err)
	}
	if _, err := f.svc.StartProductionOrder(f.ctx, testOwner, order.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := f.svc.CompleteProductionOrder(f.ctx, testOwner, order.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.ProductionCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	finished, _ := f.repo.GetFinishedStockMap(f.ctx, testOwner)
	if !finished["R"].Equal(dec("20")) {
		t.Fatalf("expected 20 finished, got %s", finished["R"])
	}
}

func TestCancelProductionOrderOnlyFromPlanned(t *testing.T) {
	f := newFixture(t)
	f.sheet(recipeOf("R", "10", 0, 0))
	order := f.productionOrder("R", "5")

	cancelled, err := f.svc.CancelProductionOrder(f.ctx, testOwner, order.ID)
	if err != nil || cancelled.Status != domain.ProductionCancelled {
		t.Fatalf("expected cancellation, got %+v err=%v", cancelled, err)
	}
	if _, err := f.svc.StartProductionOrder(f.ctx, testOwner, order.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancelled orders must not start, got %v", err)
	}
}

func TestConcurrentConsumptionNeverOverdraws(t *testing.T) {
	f := newFixture(t)
	f.item("milk", "Milk", "5", "0")
	f.sheet(recipeOf("R", "1", 0, 0, uses("milk", "1")))

	orders := make([]domain.ProductionOrder, 0, 8)
	for i := 0; i < 8; i++ {
		orders = append(orders, f.productionOrder("R", "1"))
	}

	errs := make(chan error, len(orders))
	for _, order := range orders {
		go func(id string) {
			_, err := f.svc.ConsumeForProduction(f.ctx, testOwner, id)
			errs <- err
		}(order.ID)
	}
	for range orders {
		if err := <-errs; err != nil {
			t.Fatalf("consume: %v", err)
		}
	}

	item, _ := f.repo.GetStockItem(f.ctx, testOwner, "milk")
	if !item.CurrentQuantity.IsZero() {
		t.Fatalf("expected central stock drained to zero, got %s", item.CurrentQuantity)
	}
	list, _ := f.repo.ListPurchaseItems(f.ctx, testOwner, "")
	if len(list) != 1 || !list[0].SuggestedQuantity.Equal(dec("3")) {
		t.Fatalf("expected one purchase item for 3, got %+v", list)
	}
}

func TestAcceptPurchaseNeedSharesActiveItem(t *testing.T) {
	f := newFixture(t)
	f.item("sugar", "Sugar", "0", "5")

	first, err := f.svc.AcceptPurchaseNeed(f.ctx, testOwner, domain.PurchaseAcceptRequest{StockItemID: "sugar", Quantity: dec("5")})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	second, err := f.svc.AcceptPurchaseNeed(f.ctx, testOwner, domain.PurchaseAcceptRequest{StockItemID: "sugar", Quantity: dec("2")})
	if err != nil {
		t.Fatalf("accept again: %v", err)
	}
	if first.ID != second.ID || !second.SuggestedQuantity.Equal(dec("7")) {
		t.Fatalf("expected the same item incremented to 7, got %+v", second)
	}
	if _, err := f.svc.AcceptPurchaseNeed(f.ctx, testOwner, domain.PurchaseAcceptRequest{StockItemID: "ghost", Quantity: dec("1")}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown item, got %v", err)
	}
}

func TestCreateSaleProductRejectsCycles(t *testing.T) {
	f := newFixture(t)
	f.item("flour", "Flour", "1", "0")
	if _, err := f.svc.CreateSaleProduct(f.ctx, testOwner, domain.SaleProductCreateRequest{
		ID: "A", Name: "A", Components: []domain.SaleProductComponent{part(domain.ComponentStockItem, "flour", "1")},
	}); err != nil {
		t.Fatalf("create A: %v", err)
	}
	if _, err := f.svc.CreateSaleProduct(f.ctx, testOwner, domain.SaleProductCreateRequest{
		ID: "B", Name: "B", Components: []domain.SaleProductComponent{part(domain.ComponentSaleProduct, "A", "2")},
	}); err != nil {
		t.Fatalf("create B: %v", err)
	}

	_, err := f.svc.CreateSaleProduct(f.ctx, testOwner, domain.SaleProductCreateRequest{
		ID: "A", Name: "A", Components: []domain.SaleProductComponent{part(domain.ComponentSaleProduct, "B", "1")},
	})
	if !errors.Is(err, ErrComponentCycle) || !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ancestor reference to be rejected, got %v", err)
	}

	_, err = f.svc.CreateSaleProduct(f.ctx, testOwner, domain.SaleProductCreateRequest{
		ID: "C", Name: "C", Components: []domain.SaleProductComponent{part(domain.ComponentSaleProduct, "C", "1")},
	})
	if !errors.Is(err, ErrComponentCycle) {
		t.Fatalf("expected self reference to be rejected, got %v", err)
	}
}

func TestCreateTechnicalSheetValidatesYieldAndIngredients(t *testing.T) {
	f := newFixture(t)
	f.item("flour", "Flour", "1", "0")

	_, err := f.svc.CreateTechnicalSheet(f.ctx, testOwner, domain.TechnicalSheetCreateRequest{
		Name: "Bread", YieldQuantity: decimal.Zero, Ingredients: []domain.RecipeIngredient{uses("flour", "1")},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected zero yield to be rejected, got %v", err)
	}
	_, err = f.svc.CreateTechnicalSheet(f.ctx, testOwner, domain.TechnicalSheetCreateRequest{
		Name: "Bread", YieldQuantity: dec("2"), Ingredients: []domain.RecipeIngredient{uses("ghost", "1")},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected unknown ingredient to be rejected, got %v", err)
	}

	sheet, err := f.svc.CreateTechnicalSheet(f.ctx, testOwner, domain.TechnicalSheetCreateRequest{
		Name: "Bread", YieldQuantity: dec("2"), Ingredients: []domain.RecipeIngredient{uses("flour", "1")},
	})
	if err != nil {
		t.Fatalf("create sheet: %v", err)
	}
	if sheet.ID == "" || sheet.WorkStation != domain.DefaultWorkStation {
		t.Fatalf("expected generated id and default station, got %+v", sheet)
	}
}

func TestTransferToProductionFloor(t *testing.T) {
	f := newFixture(t)
	f.item("flour", "Flour", "10", "0")

	item, err := f.svc.TransferToProductionFloor(f.ctx, testOwner, "flour", dec("4"))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !item.CurrentQuantity.Equal(dec("6")) {
		t.Fatalf("expected 6 left centrally, got %s", item.CurrentQuantity)
	}
	floor, _ := f.repo.GetProductionStockMap(f.ctx, testOwner)
	if !floor["flour"].Equal(dec("4")) {
		t.Fatalf("expected 4 on the floor, got %s", floor["flour"])
	}

	if _, err := f.svc.TransferToProductionFloor(f.ctx, testOwner, "flour", dec("7")); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestUpsertSalesForecastRequiresKnownProduct(t *testing.T) {
	f := newFixture(t)
	f.product(domain.SaleProduct{ID: "P"})

	if _, err := f.svc.UpsertSalesForecast(f.ctx, testOwner, domain.ForecastUpsertRequest{SaleProductID: "ghost", TargetDate: "2026-03-10", ForecastedQuantity: dec("1")}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	first, err := f.svc.UpsertSalesForecast(f.ctx, testOwner, domain.ForecastUpsertRequest{SaleProductID: "P", TargetDate: "2026-03-10", ForecastedQuantity: dec("1")})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := f.svc.UpsertSalesForecast(f.ctx, testOwner, domain.ForecastUpsertRequest{SaleProductID: "P", TargetDate: "2026-03-10", ForecastedQuantity: dec("9")})
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the forecast to be updated in place")
	}
	forecasts, _ := f.svc.ListSalesForecasts(f.ctx, testOwner, targetDay)
	if len(forecasts) != 1 || !forecasts[0].ForecastedQuantity.Equal(dec("9")) {
		t.Fatalf("expected a single forecast of 9, got %+v", forecasts)
	}
}

func TestParseDate(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Time
		ok   bool
	}{
		{"2026-03-10", targetDay, true},
		{"2026-03-10T22:15:00Z", targetDay, true},
		{"", time.Time{}, false},
		{"10/03/2026", time.Time{}, false},
	}
	for _, tc := range cases {
		got, err := ParseDate(tc.raw)
		if tc.ok && (err != nil || !got.Equal(tc.want)) {
			t.Fatalf("ParseDate(%q) = %s, %v", tc.raw, got, err)
		}
		if !tc.ok && !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("ParseDate(%q) expected ErrInvalidInput, got %v", tc.raw, err)
		}
	}
}

// floorWriteFailsRepo fails the split central/floor writes so a transfer can
// only succeed through the single atomic store call.
type floorWriteFailsRepo struct {
	*memory.Store
}

func (floorWriteFailsRepo) AddProductionStock(context.Context, string, string, decimal.Decimal) error {
	return errors.New("production stock unavailable")
}

func (floorWriteFailsRepo) DrawCentralStock(context.Context, string, string, decimal.Decimal, domain.StockMovement) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("central stock unavailable")
}

type transferFailsRepo struct {
	*memory.Store
}

func (transferFailsRepo) TransferToProductionStock(context.Context, string, string, decimal.Decimal, domain.StockMovement) error {
	return errors.New("connection reset")
}

func TestTransferToProductionFloorIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.item("flour", "Flour", "10", "0")

	svc := New(floorWriteFailsRepo{f.repo}, Options{DefaultOwnerID: testOwner})
	if _, err := svc.TransferToProductionFloor(f.ctx, testOwner, "flour", dec("4")); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	item, _ := f.repo.GetStockItem(f.ctx, testOwner, "flour")
	floor, _ := f.repo.GetProductionStockMap(f.ctx, testOwner)
	if !item.CurrentQuantity.Equal(dec("6")) || !floor["flour"].Equal(dec("4")) {
		t.Fatalf("expected 6 central and 4 floor, got %s and %s", item.CurrentQuantity, floor["flour"])
	}

	broken := New(transferFailsRepo{f.repo}, Options{DefaultOwnerID: testOwner})
	if _, err := broken.TransferToProductionFloor(f.ctx, testOwner, "flour", dec("4")); err == nil {
		t.Fatalf("expected the store failure to surface")
	}
	item, _ = f.repo.GetStockItem(f.ctx, testOwner, "flour")
	floor, _ = f.repo.GetProductionStockMap(f.ctx, testOwner)
	if !item.CurrentQuantity.Add(floor["flour"]).Equal(dec("10")) || !item.CurrentQuantity.Equal(dec("6")) {
		t.Fatalf("a failed transfer must leave both pools as they were, got %s central and %s floor", item.CurrentQuantity, floor["flour"])
	}
	moves, _ := f.repo.ListStockMovements(f.ctx, testOwner, "flour", 10)
	if len(moves) != 1 || moves[0].Type != domain.MovementTransfer {
		t.Fatalf("expected only the successful transfer movement, got %+v", moves)
	}
}

func TestConsumeForProductionDrawsOncePerOrder(t *testing.T) {
	f := newFixture(t)
	f.item("flour", "Flour", "10", "0")
	f.sheet(recipeOf("R", "10", 0, 0, uses("flour", "3")))
	order := f.productionOrder("R", "10")

	if _, err := f.svc.StartProductionOrder(f.ctx, testOwner, order.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.ConsumeForProduction(f.ctx, testOwner, order.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected in_progress order to be refused, got %v", err)
	}
	if _, err := f.svc.CompleteProductionOrder(f.ctx, testOwner, order.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.svc.ConsumeForProduction(f.ctx, testOwner, order.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected completed order to be refused, got %v", err)
	}

	cancelled := f.productionOrder("R", "10")
	if _, err := f.svc.CancelProductionOrder(f.ctx, testOwner, cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.ConsumeForProduction(f.ctx, testOwner, cancelled.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected cancelled order to be refused, got %v", err)
	}

	item, _ := f.repo.GetStockItem(f.ctx, testOwner, "flour")
	if !item.CurrentQuantity.Equal(dec("7")) {
		t.Fatalf("expected a single draw of 3 leaving 7, got %s", item.CurrentQuantity)
	}
	list, _ := f.repo.ListPurchaseItems(f.ctx, testOwner, "")
	if len(list) != 0 {
		t.Fatalf("refused consumption must not touch the purchase list, got %+v", list)
	}
}

func TestConsumeForProductionMarksOrderInProgress(t *testing.T) {
	f := newFixture(t)
	f.item("flour", "Flour", "10", "0")
	f.sheet(recipeOf("R", "10", 0, 0, uses("flour", "1")))
	order := f.productionOrder("R", "10")

	if _, err := f.svc.ConsumeForProduction(f.ctx, testOwner, order.ID); err != nil {
		t.Fatalf("consume: %v", err)
	}
	stored, _ := f.repo.GetProductionOrder(f.ctx, testOwner, order.ID)
	if stored.Status != domain.ProductionInProgress {
		t.Fatalf("expected in_progress, got %s", stored.Status)
	}
	if _, err := f.svc.StartProductionOrder(f.ctx, testOwner, order.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("a consumed order must not start again, got %v", err)
	}
}

func zeroYieldKitchen(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.item("flour", "Flour", "10", "0")
	// Stored directly: the service refuses to create recipes like this.
	f.sheet(recipeOf("Z", "0", 0, 0, uses("flour", "3")))
	return f
}

func hasWarning(warnings []domain.Warning, code string, ref string) bool {
	for _, w := range warnings {
		if w.Code == code && w.Ref == ref {
			return true
		}
	}
	return false
}

func TestExplodeZeroYieldContributesNothing(t *testing.T) {
	f := zeroYieldKitchen(t)
	f.product(domain.SaleProduct{ID: "P", Components: []domain.SaleProductComponent{part(domain.ComponentFinishedProduction, "Z", "1")}})
	f.forecast("P", "5")

	report, err := f.svc.Explode(f.ctx, testOwner, targetDay)
	if err != nil {
		t.Fatalf("explode: %v", err)
	}
	if !hasWarning(report.Warnings, WarningInvalidYield, "Z") {
		t.Fatalf("expected invalid_yield warning, got %+v", report.Warnings)
	}
	z := resultFor(t, report, "Z")
	if !z.RequiredQuantity.IsZero() || !z.NetQuantity.IsZero() || !z.Batches.IsZero() {
		t.Fatalf("expected zero contribution, got %+v", z)
	}
	if report.OrdersCreated != 0 {
		t.Fatalf("expected no orders, got %d", report.OrdersCreated)
	}
	orders, _ := f.repo.ListForecastOrders(f.ctx, testOwner, targetDay)
	if len(orders) != 0 {
		t.Fatalf("expected nothing persisted, got %+v", orders)
	}
}

func TestConsumeForProductionZeroYieldDrawsNothing(t *testing.T) {
	f := zeroYieldKitchen(t)
	order := f.productionOrder("Z", "10")

	report, err := f.svc.ConsumeForProduction(f.ctx, testOwner, order.ID)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if report.HasShortfalls() || !hasWarning(report.Warnings, WarningInvalidYield, "Z") {
		t.Fatalf("expected only an invalid_yield warning, got %+v", report)
	}
	item, _ := f.repo.GetStockItem(f.ctx, testOwner, "flour")
	if !item.CurrentQuantity.Equal(dec("10")) {
		t.Fatalf("expected flour untouched, got %s", item.CurrentQuantity)
	}
	list, _ := f.repo.ListPurchaseItems(f.ctx, testOwner, "")
	if len(list) != 0 {
		t.Fatalf("expected no purchase items, got %+v", list)
	}
}

func TestTotalProjectedDemandIgnoresZeroYield(t *testing.T) {
	f := zeroYieldKitchen(t)
	f.productionOrder("Z", "10")
	f.product(domain.SaleProduct{
		ID: "P", MinimumStock: dec("3"),
		Components: []domain.SaleProductComponent{part(domain.ComponentFinishedProduction, "Z", "1")},
	})

	total, err := f.svc.TotalProjectedDemand(f.ctx, testOwner, "flour")
	if err != nil {
		t.Fatalf("demand: %v", err)
	}
	if !total.IsZero() {
		t.Fatalf("expected zero demand through a zero-yield recipe, got %s", total)
	}
}
