package service

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"kitchenplan/backend/internal/bom"
	"kitchenplan/backend/internal/domain"
)

// ComputePurchaseNeeds lists the stock items whose projected demand plus
// minimum stock exceeds what is on hand. Urgent items come first, then by
// name. Nothing is persisted.
func (s *Service) ComputePurchaseNeeds(ctx context.Context, ownerID string) ([]domain.PurchaseNeedItem, error) {
	ownerID = s.owner(ownerID)
	snap, err := s.loadSnapshot(ctx, ownerID, withItems|withCatalog|withPlannedOrders|withProductionStock)
	if err != nil {
		return nil, err
	}

	demand, warnings := aggregateDemand(snap.catalog, snap.planned, s.maxDepth)
	s.notifyWarnings(ctx, ownerID, domain.NoticeDataIntegrity, "purchase needs skipped broken references", warnings)

	return computePurchaseNeeds(snap.items, snap.productionStock, demand), nil
}

func computePurchaseNeeds(items []domain.StockItem, productionStock map[string]decimal.Decimal, demand bom.Demand) []domain.PurchaseNeedItem {
	needs := make([]domain.PurchaseNeedItem, 0, len(items))
	for _, item := range items {
		floor := productionStock[item.ID]
		available := item.CurrentQuantity.Add(floor)
		projected := demand.Get(item.ID).Mul(one.Add(item.WasteFactorPct.Div(hundred)))
		totalNeed := projected.Add(item.MinimumQuantity).Sub(available)
		if !totalNeed.IsPositive() {
			continue
		}

		suggested := totalNeed.Ceil()
		needs = append(needs, domain.PurchaseNeedItem{
			StockItemID:       item.ID,
			Name:              item.Name,
			Unit:              item.Unit,
			CentralStock:      item.CurrentQuantity,
			ProductionStock:   floor,
			TotalAvailable:    available,
			ProjectedDemand:   projected,
			MinimumQuantity:   item.MinimumQuantity,
			TotalNeed:         totalNeed,
			SuggestedQuantity: suggested,
			EstimatedCost:     suggested.Mul(item.UnitPrice),
			IsUrgent:          available.LessThanOrEqual(item.MinimumQuantity),
			SupplierID:        item.SupplierID,
		})
	}

	sort.SliceStable(needs, func(i, j int) bool {
		if needs[i].IsUrgent != needs[j].IsUrgent {
			return needs[i].IsUrgent
		}
		return strings.ToLower(needs[i].Name) < strings.ToLower(needs[j].Name)
	})
	return needs
}
