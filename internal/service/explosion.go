package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"kitchenplan/backend/internal/bom"
	"kitchenplan/backend/internal/cache"
	"kitchenplan/backend/internal/domain"
	"kitchenplan/backend/internal/store"
)

const (
	WarningMissingReference = "missing_reference"
	WarningInvalidYield     = "invalid_yield"
	WarningShelfLife        = "shelf_life"
)

type recipeDemand struct {
	sheet    domain.TechnicalSheet
	quantity decimal.Decimal
	servedBy []string
}

// Explode turns the sales forecasts of targetDate into batch-rounded,
// backward-scheduled production orders. Pending orders for the date are
// replaced, so running it twice with the same data gives the same orders.
func (s *Service) Explode(ctx context.Context, ownerID string, targetDate time.Time) (domain.ExplosionReport, error) {
	ownerID = s.owner(ownerID)
	if targetDate.IsZero() {
		return domain.ExplosionReport{}, invalid("target date is required")
	}
	target := dateOnly(targetDate)

	forecasts, err := s.repo.ListSalesForecasts(ctx, ownerID, target)
	if err != nil {
		return domain.ExplosionReport{}, err
	}
	if len(forecasts) == 0 {
		return domain.ExplosionReport{}, fmt.Errorf("%w: %s", ErrNoForecast, target.Format(time.DateOnly))
	}

	snap, err := s.loadSnapshot(ctx, ownerID, withCatalog|withFinishedStock|withProducedInputs)
	if err != nil {
		return domain.ExplosionReport{}, err
	}

	demands, warnings := collectRecipeDemand(snap.catalog, forecasts)

	report := domain.ExplosionReport{
		OwnerID:     ownerID,
		TargetDate:  target,
		PerRecipe:   make([]domain.ExplosionResult, 0, len(demands)),
		GeneratedAt: s.now(),
	}
	orders := make([]domain.ForecastProductionOrder, 0, len(demands))
	shelfWarnings := make([]domain.Warning, 0)

	for _, demand := range demands {
		existing := snap.finishedStock[demand.sheet.ID].Add(usableProducedInput(snap.producedInputs, demand.sheet.ID, target))
		result, warning := planRecipe(demand, target, existing)
		if warning != nil {
			warnings = append(warnings, *warning)
			if warning.Code == WarningShelfLife {
				shelfWarnings = append(shelfWarnings, *warning)
			}
		}
		report.PerRecipe = append(report.PerRecipe, result)

		if !result.NetQuantity.IsPositive() {
			continue
		}
		orders = append(orders, domain.ForecastProductionOrder{
			OwnerID:               ownerID,
			TechnicalSheetID:      result.TechnicalSheetID,
			ProductionDate:        result.ProductionDate,
			TargetConsumptionDate: target,
			RequiredQuantity:      result.RequiredQuantity,
			ExistingStock:         result.ExistingStock,
			NetQuantity:           result.NetQuantity,
			Status:                domain.ForecastOrderPending,
			WorkStation:           result.WorkStation,
			CreatedAt:             report.GeneratedAt,
		})
	}

	if err := s.repo.ReplacePendingForecastOrders(ctx, ownerID, target, orders); err != nil {
		return domain.ExplosionReport{}, fmt.Errorf("persist forecast orders: %w", err)
	}
	report.OrdersCreated = len(orders)
	report.Warnings = warnings

	if err := s.cache.Set(ctx, cache.ExplosionKey(ownerID, target), &report, s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("owner_id", ownerID).Msg("failed to cache explosion report")
	}

	s.notifyWarnings(ctx, ownerID, domain.NoticeShelfLife, "production expires before consumption date", shelfWarnings)
	integrity := make([]domain.Warning, 0, len(warnings))
	for _, w := range warnings {
		if w.Code != WarningShelfLife {
			integrity = append(integrity, w)
		}
	}
	s.notifyWarnings(ctx, ownerID, domain.NoticeDataIntegrity, "explosion skipped broken references", integrity)

	s.log.Info().
		Str("owner_id", ownerID).
		Str("target_date", target.Format(time.DateOnly)).
		Int("forecasts", len(forecasts)).
		Int("recipes", len(report.PerRecipe)).
		Int("orders_created", report.OrdersCreated).
		Int("warnings", len(warnings)).
		Msg("forecast explosion complete")

	return report, nil
}

// GetExplosionReport returns the cached report for the date, or rebuilds a
// summary from the persisted orders when the cache has nothing.
func (s *Service) GetExplosionReport(ctx context.Context, ownerID string, targetDate time.Time) (domain.ExplosionReport, error) {
	ownerID = s.owner(ownerID)
	target := dateOnly(targetDate)

	cached, ok, err := s.cache.Get(ctx, cache.ExplosionKey(ownerID, target))
	if err != nil {
		s.log.Warn().Err(err).Str("owner_id", ownerID).Msg("explosion cache read failed")
	}
	if ok && cached != nil {
		return *cached, nil
	}

	orders, err := s.repo.ListForecastOrders(ctx, ownerID, target)
	if err != nil {
		return domain.ExplosionReport{}, err
	}
	if len(orders) == 0 {
		return domain.ExplosionReport{}, fmt.Errorf("explosion for %s: %w", target.Format(time.DateOnly), store.ErrNotFound)
	}
	sheets, err := s.repo.ListTechnicalSheets(ctx, ownerID)
	if err != nil {
		return domain.ExplosionReport{}, err
	}
	names := make(map[string]domain.TechnicalSheet, len(sheets))
	for _, sheet := range sheets {
		names[sheet.ID] = sheet
	}

	report := domain.ExplosionReport{
		OwnerID:     ownerID,
		TargetDate:  target,
		PerRecipe:   make([]domain.ExplosionResult, 0, len(orders)),
		Warnings:    []domain.Warning{},
		GeneratedAt: s.now(),
	}
	for _, order := range orders {
		sheet := names[order.TechnicalSheetID]
		report.PerRecipe = append(report.PerRecipe, domain.ExplosionResult{
			TechnicalSheetID: order.TechnicalSheetID,
			Name:             sheet.Name,
			YieldQuantity:    sheet.YieldQuantity,
			YieldUnit:        sheet.YieldUnit,
			RequiredQuantity: order.RequiredQuantity,
			ExistingStock:    order.ExistingStock,
			NetQuantity:      order.NetQuantity,
			ProductionDate:   order.ProductionDate,
			WorkStation:      order.WorkStation,
		})
		if order.Status == domain.ForecastOrderPending {
			report.OrdersCreated++
		}
	}
	return report, nil
}

// collectRecipeDemand walks one BOM level (sale product to recipe) and merges
// demand per recipe. Stock-item components are not production work.
func collectRecipeDemand(catalog *bom.Catalog, forecasts []domain.SalesForecast) ([]*recipeDemand, []domain.Warning) {
	byRecipe := make(map[string]*recipeDemand)
	warnings := make([]domain.Warning, 0)

	for _, forecast := range forecasts {
		if !forecast.ForecastedQuantity.IsPositive() {
			continue
		}
		product, ok := catalog.Products[forecast.SaleProductID]
		if !ok {
			warnings = append(warnings, domain.Warning{
				Code:    WarningMissingReference,
				Message: fmt.Sprintf("forecast references unknown sale product %s", forecast.SaleProductID),
				Ref:     forecast.SaleProductID,
			})
			continue
		}

		for _, component := range product.Components {
			if component.ComponentType != domain.ComponentFinishedProduction {
				continue
			}
			sheet, ok := catalog.Sheets[component.ComponentID]
			if !ok {
				warnings = append(warnings, domain.Warning{
					Code:    WarningMissingReference,
					Message: fmt.Sprintf("%s references unknown recipe %s", product.Name, component.ComponentID),
					Ref:     component.ComponentID,
				})
				continue
			}

			demand, ok := byRecipe[sheet.ID]
			if !ok {
				demand = &recipeDemand{sheet: sheet}
				byRecipe[sheet.ID] = demand
			}
			demand.quantity = demand.quantity.Add(component.Quantity.Mul(forecast.ForecastedQuantity))
			if !slices.Contains(demand.servedBy, product.Name) {
				demand.servedBy = append(demand.servedBy, product.Name)
			}
		}
	}

	result := make([]*recipeDemand, 0, len(byRecipe))
	for _, demand := range byRecipe {
		result = append(result, demand)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].sheet.Name == result[j].sheet.Name {
			return result[i].sheet.ID < result[j].sheet.ID
		}
		return result[i].sheet.Name < result[j].sheet.Name
	})
	return result, warnings
}

// planRecipe schedules one recipe backwards from the consumption date and
// rounds the demand up to whole yield batches.
func planRecipe(demand *recipeDemand, target time.Time, existing decimal.Decimal) (domain.ExplosionResult, *domain.Warning) {
	sheet := demand.sheet
	productionDate := dateOnly(target.Add(-time.Duration(sheet.LeadTimeHours) * time.Hour))
	shelfLife := sheet.ShelfLifeHours
	if shelfLife <= 0 {
		shelfLife = DefaultShelfLifeHours
	}
	expiry := productionDate.Add(time.Duration(shelfLife) * time.Hour)
	workStation := sheet.WorkStation
	if workStation == "" {
		workStation = domain.DefaultWorkStation
	}

	result := domain.ExplosionResult{
		TechnicalSheetID: sheet.ID,
		Name:             sheet.Name,
		Demand:           demand.quantity,
		YieldQuantity:    sheet.YieldQuantity,
		YieldUnit:        sheet.YieldUnit,
		Batches:          decimal.Zero,
		RequiredQuantity: decimal.Zero,
		ExistingStock:    existing,
		NetQuantity:      decimal.Zero,
		ProductionDate:   productionDate,
		ExpiryDate:       expiry,
		ServedBy:         demand.servedBy,
		WorkStation:      workStation,
	}

	if !sheet.YieldQuantity.IsPositive() {
		return result, &domain.Warning{
			Code:    WarningInvalidYield,
			Message: fmt.Sprintf("%s has no positive yield; skipped", sheet.Name),
			Ref:     sheet.ID,
		}
	}

	batches := demand.quantity.Div(sheet.YieldQuantity).Ceil()
	required := batches.Mul(sheet.YieldQuantity)
	result.Batches = batches
	result.RequiredQuantity = required
	result.NetQuantity = decimal.Max(decimal.Zero, required.Sub(existing))

	if expiry.Before(target) {
		result.ShelfLifeWarning = fmt.Sprintf("%s produced on %s expires on %s, before %s",
			sheet.Name,
			productionDate.Format(time.DateOnly),
			expiry.Format(time.DateOnly),
			target.Format(time.DateOnly))
		return result, &domain.Warning{Code: WarningShelfLife, Message: result.ShelfLifeWarning, Ref: sheet.ID}
	}
	return result, nil
}

func usableProducedInput(lots []domain.ProducedInputStock, technicalSheetID string, target time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range lots {
		if lot.TechnicalSheetID != technicalSheetID || !lot.Quantity.IsPositive() {
			continue
		}
		if dateOnly(lot.ExpirationDate).Before(target) {
			continue
		}
		total = total.Add(lot.Quantity)
	}
	return total
}
