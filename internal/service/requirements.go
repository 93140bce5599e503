package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"kitchenplan/backend/internal/bom"
	"kitchenplan/backend/internal/domain"
)

// TotalProjectedDemand is the quantity of a stock item needed by planned
// production orders plus the refill gap of every sale product below its
// minimum stock. It is recomputed from the store on every call.
func (s *Service) TotalProjectedDemand(ctx context.Context, ownerID string, stockItemID string) (decimal.Decimal, error) {
	demand, err := s.ProjectedDemand(ctx, ownerID)
	if err != nil {
		return decimal.Zero, err
	}
	return demand.Get(stockItemID), nil
}

// ProjectedDemand computes TotalProjectedDemand for every stock item in one pass.
func (s *Service) ProjectedDemand(ctx context.Context, ownerID string) (bom.Demand, error) {
	ownerID = s.owner(ownerID)
	snap, err := s.loadSnapshot(ctx, ownerID, withCatalog|withPlannedOrders)
	if err != nil {
		return nil, err
	}

	demand, warnings := aggregateDemand(snap.catalog, snap.planned, s.maxDepth)
	s.notifyWarnings(ctx, ownerID, domain.NoticeDataIntegrity, "demand aggregation skipped broken references", warnings)
	return demand, nil
}

func aggregateDemand(catalog *bom.Catalog, planned []domain.ProductionOrder, maxDepth int) (bom.Demand, []domain.Warning) {
	demand := make(bom.Demand)
	warnings := make([]domain.Warning, 0)

	for _, order := range planned {
		if order.Status != domain.ProductionPlanned {
			continue
		}
		sheet, ok := catalog.Sheets[order.TechnicalSheetID]
		if !ok {
			warnings = append(warnings, domain.Warning{
				Code:    WarningMissingReference,
				Message: fmt.Sprintf("production order %s references unknown recipe %s", order.ID, order.TechnicalSheetID),
				Ref:     order.TechnicalSheetID,
			})
			continue
		}
		orderDemand, err := bom.RecipeDemand(sheet, order.PlannedQuantity)
		if err != nil {
			warnings = append(warnings, domain.Warning{Code: WarningInvalidYield, Message: err.Error(), Ref: sheet.ID})
			continue
		}
		demand.Merge(orderDemand)
	}

	productIDs := make([]string, 0, len(catalog.Products))
	for id := range catalog.Products {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	resolver := bom.NewResolver(catalog, maxDepth)
	for _, id := range productIDs {
		product := catalog.Products[id]
		gap := product.MinimumStock.Sub(product.ReadyQuantity)
		if !gap.IsPositive() {
			continue
		}
		gapDemand, issues := resolver.Explode(domain.ComponentSaleProduct, product.ID, gap)
		demand.Merge(gapDemand)
		warnings = append(warnings, issueWarnings(issues)...)
	}

	return demand, warnings
}
