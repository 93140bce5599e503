package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kitchenplan/backend/internal/domain"
	"kitchenplan/backend/internal/store"
)

const (
	SourceProductionShortfall = "production_shortfall"
	SourcePurchaseSuggestion  = "purchase_suggestion"
)

func stockLockKey(ownerID string, stockItemID string) string {
	return fmt.Sprintf("stock:%s:%s", ownerID, stockItemID)
}

func purchaseLockKey(ownerID string, stockItemID string) string {
	return fmt.Sprintf("purchase:%s:%s", ownerID, stockItemID)
}

// ConsumeForProduction claims a planned order by moving it to in_progress,
// then draws every ingredient of its recipe, first from the production floor,
// then from central stock. Whatever is still missing goes to the purchase
// list and into the returned report. Side effects are applied ingredient by
// ingredient. An order is consumed at most once: any other status fails with
// ErrInvalidTransition and draws nothing.
func (s *Service) ConsumeForProduction(ctx context.Context, ownerID string, productionOrderID string) (domain.InsufficiencyReport, error) {
	_, report, err := s.startAndConsume(ctx, s.owner(ownerID), productionOrderID)
	return report, err
}

func (s *Service) startAndConsume(ctx context.Context, ownerID string, id string) (*domain.ProductionOrder, domain.InsufficiencyReport, error) {
	started, err := s.transition(ctx, ownerID, id, domain.ProductionPlanned, domain.ProductionInProgress)
	if err != nil {
		return nil, domain.InsufficiencyReport{}, err
	}

	report, err := s.consume(ctx, ownerID, *started)
	if err != nil {
		s.log.Error().Err(err).Str("owner_id", ownerID).Str("production_order_id", id).Msg("consumption failed after start")
		return started, report, err
	}
	return started, report, nil
}

func (s *Service) consume(ctx context.Context, ownerID string, order domain.ProductionOrder) (domain.InsufficiencyReport, error) {
	report := domain.InsufficiencyReport{
		ProductionOrderID: order.ID,
		Shortfalls:        []domain.InsufficiencyItem{},
	}

	sheet, err := s.repo.GetTechnicalSheet(ctx, ownerID, order.TechnicalSheetID)
	if err != nil {
		return report, fmt.Errorf("recipe %s: %w", order.TechnicalSheetID, err)
	}
	if !sheet.YieldQuantity.IsPositive() {
		report.Warnings = append(report.Warnings, domain.Warning{
			Code:    WarningInvalidYield,
			Message: fmt.Sprintf("%s has no positive yield; nothing consumed", sheet.Name),
			Ref:     sheet.ID,
		})
		s.notifyWarnings(ctx, ownerID, domain.NoticeDataIntegrity, "production consumption skipped", report.Warnings)
		return report, nil
	}

	multiplier := order.PlannedQuantity.Div(sheet.YieldQuantity)
	for _, ingredient := range sheet.Ingredients {
		item, err := s.repo.GetStockItem(ctx, ownerID, ingredient.StockItemID)
		if errors.Is(err, store.ErrNotFound) {
			report.Warnings = append(report.Warnings, domain.Warning{
				Code:    WarningMissingReference,
				Message: fmt.Sprintf("%s references unknown stock item %s", sheet.Name, ingredient.StockItemID),
				Ref:     ingredient.StockItemID,
			})
			continue
		}
		if err != nil {
			return report, err
		}

		needed := ingredient.Quantity.Mul(multiplier).Mul(one.Add(item.WasteFactorPct.Div(hundred)))
		if !needed.IsPositive() {
			continue
		}

		missing, err := s.drawIngredient(ctx, ownerID, order.ID, *item, needed)
		if err != nil {
			return report, fmt.Errorf("draw %s: %w", item.ID, err)
		}
		if missing.IsPositive() {
			report.Shortfalls = append(report.Shortfalls, domain.InsufficiencyItem{
				StockItemID: item.ID,
				Name:        item.Name,
				Unit:        item.Unit,
				Needed:      needed,
				Missing:     missing,
			})
		}
	}

	if report.HasShortfalls() {
		s.notifier.Notify(ctx, domain.Notice{
			OwnerID:   ownerID,
			Kind:      domain.NoticeInsufficiency,
			Message:   fmt.Sprintf("insufficient stock for production order %s", order.ID),
			Details:   report.Shortfalls,
			CreatedAt: s.now(),
		})
	}
	s.notifyWarnings(ctx, ownerID, domain.NoticeDataIntegrity, "production consumption skipped broken references", report.Warnings)

	s.log.Info().
		Str("owner_id", ownerID).
		Str("production_order_id", order.ID).
		Int("ingredients", len(sheet.Ingredients)).
		Int("shortfalls", len(report.Shortfalls)).
		Msg("production consumption complete")
	return report, nil
}

// drawIngredient runs the floor-then-central cascade for one stock item under
// its lock and returns the amount that could not be drawn.
func (s *Service) drawIngredient(ctx context.Context, ownerID string, orderID string, item domain.StockItem, needed decimal.Decimal) (decimal.Decimal, error) {
	release, err := s.locker.Acquire(ctx, stockLockKey(ownerID, item.ID))
	if err != nil {
		return needed, fmt.Errorf("lock stock item: %w", err)
	}
	defer release()

	remaining := needed
	fromFloor, err := s.repo.DrawProductionStock(ctx, ownerID, item.ID, remaining)
	if err != nil {
		return remaining, err
	}
	remaining = remaining.Sub(fromFloor)

	if remaining.IsPositive() {
		fromCentral, err := s.repo.DrawCentralStock(ctx, ownerID, item.ID, remaining, domain.StockMovement{
			Type:        domain.MovementExit,
			Reason:      "production consumption",
			ReferenceID: orderID,
		})
		if err != nil {
			return remaining, err
		}
		remaining = remaining.Sub(fromCentral)
	}

	if remaining.IsPositive() {
		if _, err := s.addToPurchaseList(ctx, ownerID, item.ID, remaining, SourceProductionShortfall); err != nil {
			return remaining, fmt.Errorf("purchase list: %w", err)
		}
	}
	return remaining, nil
}

// addToPurchaseList increments the active item for the stock item or, when
// there is none, inserts a pending one.
func (s *Service) addToPurchaseList(ctx context.Context, ownerID string, stockItemID string, qty decimal.Decimal, source string) (domain.PurchaseListItem, error) {
	release, err := s.locker.Acquire(ctx, purchaseLockKey(ownerID, stockItemID))
	if err != nil {
		return domain.PurchaseListItem{}, fmt.Errorf("lock purchase list: %w", err)
	}
	defer release()

	for attempt := 0; attempt < 3; attempt++ {
		existing, err := s.repo.FindActivePurchaseItem(ctx, ownerID, stockItemID)
		switch {
		case err == nil:
			updated, err := s.repo.IncrementPurchaseItem(ctx, ownerID, existing.ID, qty)
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return domain.PurchaseListItem{}, err
			}
			return *updated, nil
		case errors.Is(err, store.ErrNotFound):
			created, err := s.repo.CreatePurchaseItem(ctx, domain.PurchaseListItem{
				OwnerID:           ownerID,
				StockItemID:       stockItemID,
				SuggestedQuantity: qty,
				Status:            domain.PurchasePending,
				Source:            source,
			})
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return domain.PurchaseListItem{}, err
			}
			return *created, nil
		default:
			return domain.PurchaseListItem{}, err
		}
	}
	return domain.PurchaseListItem{}, fmt.Errorf("purchase item for %s kept changing: %w", stockItemID, store.ErrConflict)
}

// AcceptPurchaseNeed is the manual "add suggestion to purchase list" action.
func (s *Service) AcceptPurchaseNeed(ctx context.Context, ownerID string, req domain.PurchaseAcceptRequest) (domain.PurchaseListItem, error) {
	ownerID = s.owner(ownerID)
	if !req.Quantity.IsPositive() {
		return domain.PurchaseListItem{}, invalid("quantity must be positive")
	}
	if _, err := s.repo.GetStockItem(ctx, ownerID, req.StockItemID); err != nil {
		return domain.PurchaseListItem{}, err
	}
	return s.addToPurchaseList(ctx, ownerID, req.StockItemID, req.Quantity, SourcePurchaseSuggestion)
}

func (s *Service) CreateProductionOrder(ctx context.Context, ownerID string, req domain.ProductionOrderCreateRequest) (domain.ProductionOrder, error) {
	ownerID = s.owner(ownerID)
	if !req.PlannedQuantity.IsPositive() {
		return domain.ProductionOrder{}, invalid("planned_quantity must be positive")
	}
	scheduled := dateOnly(s.now())
	if strings.TrimSpace(req.ScheduledDate) != "" {
		parsed, err := ParseDate(req.ScheduledDate)
		if err != nil {
			return domain.ProductionOrder{}, err
		}
		scheduled = parsed
	}
	if _, err := s.repo.GetTechnicalSheet(ctx, ownerID, req.TechnicalSheetID); err != nil {
		return domain.ProductionOrder{}, fmt.Errorf("technical sheet %s: %w", req.TechnicalSheetID, err)
	}

	created, err := s.repo.CreateProductionOrder(ctx, domain.ProductionOrder{
		OwnerID:          ownerID,
		TechnicalSheetID: req.TechnicalSheetID,
		PlannedQuantity:  req.PlannedQuantity,
		Status:           domain.ProductionPlanned,
		ScheduledDate:    scheduled,
	})
	if err != nil {
		return domain.ProductionOrder{}, err
	}
	return *created, nil
}

func (s *Service) ListProductionOrders(ctx context.Context, ownerID string, status string) ([]domain.ProductionOrder, error) {
	return s.repo.ListProductionOrders(ctx, s.owner(ownerID), strings.TrimSpace(status))
}

func (s *Service) transition(ctx context.Context, ownerID string, id string, from string, to string) (*domain.ProductionOrder, error) {
	order, err := s.repo.TransitionProductionOrder(ctx, ownerID, id, from, to)
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: production order %s is not %s", ErrInvalidTransition, id, from)
	}
	return order, err
}

// StartProductionOrder moves a planned order to in_progress and consumes its
// ingredients. Shortfalls are reported but never block the start.
func (s *Service) StartProductionOrder(ctx context.Context, ownerID string, id string) (domain.ProductionStartResponse, error) {
	started, report, err := s.startAndConsume(ctx, s.owner(ownerID), id)
	if started == nil {
		return domain.ProductionStartResponse{}, err
	}
	return domain.ProductionStartResponse{Order: *started, Report: report}, err
}

// CompleteProductionOrder closes an in-progress order and books its planned
// quantity into finished production stock.
func (s *Service) CompleteProductionOrder(ctx context.Context, ownerID string, id string) (domain.ProductionOrder, error) {
	ownerID = s.owner(ownerID)
	completed, err := s.transition(ctx, ownerID, id, domain.ProductionInProgress, domain.ProductionCompleted)
	if err != nil {
		return domain.ProductionOrder{}, err
	}

	unit := ""
	if sheet, err := s.repo.GetTechnicalSheet(ctx, ownerID, completed.TechnicalSheetID); err == nil {
		unit = sheet.YieldUnit
	}
	if err := s.repo.AddFinishedStock(ctx, ownerID, completed.TechnicalSheetID, completed.PlannedQuantity, unit); err != nil {
		return domain.ProductionOrder{}, fmt.Errorf("book finished stock: %w", err)
	}
	return *completed, nil
}

func (s *Service) CancelProductionOrder(ctx context.Context, ownerID string, id string) (domain.ProductionOrder, error) {
	cancelled, err := s.transition(ctx, s.owner(ownerID), id, domain.ProductionPlanned, domain.ProductionCancelled)
	if err != nil {
		return domain.ProductionOrder{}, err
	}
	return *cancelled, nil
}

// TransferToProductionFloor moves qty of a stock item from central stock to
// the production floor.
func (s *Service) TransferToProductionFloor(ctx context.Context, ownerID string, stockItemID string, qty decimal.Decimal) (domain.StockItem, error) {
	ownerID = s.owner(ownerID)
	if !qty.IsPositive() {
		return domain.StockItem{}, invalid("quantity must be positive")
	}

	release, err := s.locker.Acquire(ctx, stockLockKey(ownerID, stockItemID))
	if err != nil {
		return domain.StockItem{}, fmt.Errorf("lock stock item: %w", err)
	}
	defer release()

	item, err := s.repo.GetStockItem(ctx, ownerID, stockItemID)
	if err != nil {
		return domain.StockItem{}, err
	}
	if item.CurrentQuantity.LessThan(qty) {
		return domain.StockItem{}, fmt.Errorf("%w: %s has %s %s", ErrInsufficientStock, item.Name, item.CurrentQuantity, item.Unit)
	}

	err = s.repo.TransferToProductionStock(ctx, ownerID, stockItemID, qty, domain.StockMovement{
		Type:   domain.MovementTransfer,
		Reason: "transfer to production floor",
	})
	if errors.Is(err, store.ErrConflict) {
		return domain.StockItem{}, fmt.Errorf("%w: %s changed during transfer", ErrInsufficientStock, item.Name)
	}
	if err != nil {
		return domain.StockItem{}, err
	}

	item.CurrentQuantity = item.CurrentQuantity.Sub(qty)
	return *item, nil
}

func (s *Service) RecordProducedInput(ctx context.Context, ownerID string, req domain.ProducedInputCreateRequest) (domain.ProducedInputStock, error) {
	ownerID = s.owner(ownerID)
	if !req.Quantity.IsPositive() {
		return domain.ProducedInputStock{}, invalid("quantity must be positive")
	}
	expiration, err := ParseDate(req.ExpirationDate)
	if err != nil {
		return domain.ProducedInputStock{}, err
	}
	if _, err := s.repo.GetTechnicalSheet(ctx, ownerID, req.TechnicalSheetID); err != nil {
		return domain.ProducedInputStock{}, fmt.Errorf("technical sheet %s: %w", req.TechnicalSheetID, err)
	}

	lot, err := s.repo.CreateProducedInput(ctx, domain.ProducedInputStock{
		OwnerID:          ownerID,
		TechnicalSheetID: req.TechnicalSheetID,
		Quantity:         req.Quantity,
		ExpirationDate:   expiration,
		BatchCode:        strings.TrimSpace(req.BatchCode),
	})
	if err != nil {
		return domain.ProducedInputStock{}, err
	}
	return *lot, nil
}
