package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"kitchenplan/backend/internal/bom"
	"kitchenplan/backend/internal/cache"
	"kitchenplan/backend/internal/domain"
	"kitchenplan/backend/internal/lock"
	"kitchenplan/backend/internal/logger"
	"kitchenplan/backend/internal/notify"
	"kitchenplan/backend/internal/store"
	"kitchenplan/backend/internal/xid"
)

var (
	ErrNoForecast        = errors.New("no sales forecast for target date")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrComponentCycle    = errors.New("component would create a cycle")
)

// DefaultShelfLifeHours applies to recipes without a shelf life.
const DefaultShelfLifeHours = 9999

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
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
	Cache          cache.ExplosionCache
	CacheTTL       time.Duration
	Locker         lock.Locker
	Notifier       notify.Notifier
	DefaultOwnerID string
	MaxBOMDepth    int
}

type Service struct {
	repo           store.Repository
	cache          cache.ExplosionCache
	cacheTTL       time.Duration
	locker         lock.Locker
	notifier       notify.Notifier
	defaultOwnerID string
	maxDepth       int
	now            func() time.Time
	log            zerolog.Logger
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Cache == nil {
		opts.Cache = cache.NoopExplosionCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 15 * time.Minute
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewKeyedMutex()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{}
	}
	if opts.DefaultOwnerID == "" {
		opts.DefaultOwnerID = "main-kitchen"
	}
	if opts.MaxBOMDepth <= 0 {
		opts.MaxBOMDepth = bom.DefaultMaxDepth
	}

	return &Service{
		repo:           repo,
		cache:          opts.Cache,
		cacheTTL:       opts.CacheTTL,
		locker:         opts.Locker,
		notifier:       opts.Notifier,
		defaultOwnerID: opts.DefaultOwnerID,
		maxDepth:       opts.MaxBOMDepth,
		now:            func() time.Time { return time.Now().UTC() },
		log:            logger.Component("service"),
	}
}

func (s *Service) owner(ownerID string) string {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return s.defaultOwnerID
	}
	return ownerID
}

type snapshotPart uint8

const (
	withItems snapshotPart = 1 << iota
	withCatalog
	withPlannedOrders
	withProductionStock
	withFinishedStock
	withProducedInputs
)

// snapshot is a point-in-time read of everything a planning pass needs.
type snapshot struct {
	items           []domain.StockItem
	catalog         *bom.Catalog
	planned         []domain.ProductionOrder
	productionStock map[string]decimal.Decimal
	finishedStock   map[string]decimal.Decimal
	producedInputs  []domain.ProducedInputStock
}

func (s *Service) loadSnapshot(ctx context.Context, ownerID string, parts snapshotPart) (*snapshot, error) {
	snap := &snapshot{}
	var (
		sheets   []domain.TechnicalSheet
		products []domain.SaleProduct
	)

	g, gctx := errgroup.WithContext(ctx)
	if parts&withItems != 0 {
		g.Go(func() (err error) {
			snap.items, err = s.repo.ListStockItems(gctx, ownerID)
			return err
		})
	}
	if parts&withCatalog != 0 {
		g.Go(func() (err error) {
			sheets, err = s.repo.ListTechnicalSheets(gctx, ownerID)
			return err
		})
		g.Go(func() (err error) {
			products, err = s.repo.ListSaleProducts(gctx, ownerID)
			return err
		})
	}
	if parts&withPlannedOrders != 0 {
		g.Go(func() (err error) {
			snap.planned, err = s.repo.ListProductionOrders(gctx, ownerID, domain.ProductionPlanned)
			return err
		})
	}
	if parts&withProductionStock != 0 {
		g.Go(func() (err error) {
			snap.productionStock, err = s.repo.GetProductionStockMap(gctx, ownerID)
			return err
		})
	}
	if parts&withFinishedStock != 0 {
		g.Go(func() (err error) {
			snap.finishedStock, err = s.repo.GetFinishedStockMap(gctx, ownerID)
			return err
		})
	}
	if parts&withProducedInputs != 0 {
		g.Go(func() (err error) {
			snap.producedInputs, err = s.repo.ListProducedInputs(gctx, ownerID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load planning snapshot: %w", err)
	}

	snap.catalog = bom.NewCatalog(sheets, products)
	return snap, nil
}

func (s *Service) notifyWarnings(ctx context.Context, ownerID string, kind string, message string, warnings []domain.Warning) {
	if len(warnings) == 0 {
		return
	}
	s.notifier.Notify(ctx, domain.Notice{
		OwnerID:   ownerID,
		Kind:      kind,
		Message:   message,
		Warnings:  warnings,
		CreatedAt: s.now(),
	})
}

func issueWarnings(issues []bom.Issue) []domain.Warning {
	warnings := make([]domain.Warning, 0, len(issues))
	for _, issue := range issues {
		warnings = append(warnings, domain.Warning{Code: issue.Code, Message: issue.Error(), Ref: issue.Ref})
	}
	return warnings
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts YYYY-MM-DD or RFC3339 and returns the UTC calendar date.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, invalid("date is required")
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, invalid("invalid date %q", raw)
	}
	return dateOnly(t), nil
}

func (s *Service) ListStockItems(ctx context.Context, ownerID string) ([]domain.StockItem, error) {
	return s.repo.ListStockItems(ctx, s.owner(ownerID))
}

func (s *Service) CreateStockItem(ctx context.Context, ownerID string, req domain.StockItemCreateRequest) (domain.StockItem, error) {
	ownerID = s.owner(ownerID)
	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	if req.Name == "" || req.Unit == "" {
		return domain.StockItem{}, invalid("name and unit are required")
	}
	if req.CurrentQuantity.IsNegative() || req.MinimumQuantity.IsNegative() || req.UnitPrice.IsNegative() {
		return domain.StockItem{}, invalid("quantities and price must not be negative")
	}
	if req.WasteFactorPct.IsNegative() || req.WasteFactorPct.GreaterThan(hundred) {
		return domain.StockItem{}, invalid("waste_factor_pct must be between 0 and 100")
	}
	if req.ID == "" {
		req.ID = xid.New("si")
	}

	created, err := s.repo.UpsertStockItem(ctx, domain.StockItem{
		ID:              req.ID,
		OwnerID:         ownerID,
		Name:            req.Name,
		Unit:            req.Unit,
		CurrentQuantity: req.CurrentQuantity,
		MinimumQuantity: req.MinimumQuantity,
		WasteFactorPct:  req.WasteFactorPct,
		UnitPrice:       req.UnitPrice,
		SupplierID:      strings.TrimSpace(req.SupplierID),
	})
	if err != nil {
		return domain.StockItem{}, err
	}
	return *created, nil
}

func (s *Service) ListTechnicalSheets(ctx context.Context, ownerID string) ([]domain.TechnicalSheet, error) {
	return s.repo.ListTechnicalSheets(ctx, s.owner(ownerID))
}

func (s *Service) CreateTechnicalSheet(ctx context.Context, ownerID string, req domain.TechnicalSheetCreateRequest) (domain.TechnicalSheet, error) {
	ownerID = s.owner(ownerID)
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.TechnicalSheet{}, invalid("name is required")
	}
	if !req.YieldQuantity.IsPositive() {
		return domain.TechnicalSheet{}, invalid("yield_quantity must be positive")
	}
	if req.LeadTimeHours < 0 || req.ShelfLifeHours < 0 {
		return domain.TechnicalSheet{}, invalid("lead and shelf-life hours must not be negative")
	}
	if len(req.Ingredients) == 0 {
		return domain.TechnicalSheet{}, invalid("at least one ingredient is required")
	}

	for _, ingredient := range req.Ingredients {
		if !ingredient.Quantity.IsPositive() {
			return domain.TechnicalSheet{}, invalid("ingredient %s quantity must be positive", ingredient.StockItemID)
		}
		if _, err := s.repo.GetStockItem(ctx, ownerID, ingredient.StockItemID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.TechnicalSheet{}, invalid("unknown stock item %s", ingredient.StockItemID)
			}
			return domain.TechnicalSheet{}, err
		}
	}
	if req.ID == "" {
		req.ID = xid.New("ts")
	}
	workStation := strings.TrimSpace(req.WorkStation)
	if workStation == "" {
		workStation = domain.DefaultWorkStation
	}

	created, err := s.repo.UpsertTechnicalSheet(ctx, domain.TechnicalSheet{
		ID:             req.ID,
		OwnerID:        ownerID,
		Name:           req.Name,
		YieldQuantity:  req.YieldQuantity,
		YieldUnit:      strings.TrimSpace(req.YieldUnit),
		LeadTimeHours:  req.LeadTimeHours,
		ShelfLifeHours: req.ShelfLifeHours,
		WorkStation:    workStation,
		Ingredients:    req.Ingredients,
	})
	if err != nil {
		return domain.TechnicalSheet{}, err
	}
	return *created, nil
}

func (s *Service) ListSaleProducts(ctx context.Context, ownerID string) ([]domain.SaleProduct, error) {
	return s.repo.ListSaleProducts(ctx, s.owner(ownerID))
}

// CreateSaleProduct validates every component reference and rejects a
// sale-product component that is the product itself or already contains it.
func (s *Service) CreateSaleProduct(ctx context.Context, ownerID string, req domain.SaleProductCreateRequest) (domain.SaleProduct, error) {
	ownerID = s.owner(ownerID)
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.SaleProduct{}, invalid("name is required")
	}
	if req.ReadyQuantity.IsNegative() || req.MinimumStock.IsNegative() {
		return domain.SaleProduct{}, invalid("ready_quantity and minimum_stock must not be negative")
	}
	if req.ID == "" {
		req.ID = xid.New("sp")
	}

	snap, err := s.loadSnapshot(ctx, ownerID, withItems|withCatalog)
	if err != nil {
		return domain.SaleProduct{}, err
	}
	items := make(map[string]struct{}, len(snap.items))
	for _, item := range snap.items {
		items[item.ID] = struct{}{}
	}

	for _, c := range req.Components {
		if !c.Quantity.IsPositive() {
			return domain.SaleProduct{}, invalid("component %s quantity must be positive", c.ComponentID)
		}
		switch c.ComponentType {
		case domain.ComponentStockItem:
			if _, ok := items[c.ComponentID]; !ok {
				return domain.SaleProduct{}, invalid("unknown stock item %s", c.ComponentID)
			}
		case domain.ComponentFinishedProduction:
			if _, ok := snap.catalog.Sheets[c.ComponentID]; !ok {
				return domain.SaleProduct{}, invalid("unknown technical sheet %s", c.ComponentID)
			}
		case domain.ComponentSaleProduct:
			if _, ok := snap.catalog.Products[c.ComponentID]; !ok && c.ComponentID != req.ID {
				return domain.SaleProduct{}, invalid("unknown sale product %s", c.ComponentID)
			}
			if snap.catalog.Reaches(c.ComponentID, req.ID) {
				return domain.SaleProduct{}, fmt.Errorf("%w: %w (%s)", store.ErrInvalidInput, ErrComponentCycle, c.ComponentID)
			}
		default:
			return domain.SaleProduct{}, invalid("unknown component type %q", c.ComponentType)
		}
	}

	created, err := s.repo.UpsertSaleProduct(ctx, domain.SaleProduct{
		ID:            req.ID,
		OwnerID:       ownerID,
		Name:          req.Name,
		ReadyQuantity: req.ReadyQuantity,
		MinimumStock:  req.MinimumStock,
		Components:    req.Components,
	})
	if err != nil {
		return domain.SaleProduct{}, err
	}
	return *created, nil
}

// UpsertSalesForecast stores the forecast and drops any cached explosion for its date.
func (s *Service) UpsertSalesForecast(ctx context.Context, ownerID string, req domain.ForecastUpsertRequest) (domain.SalesForecast, error) {
	ownerID = s.owner(ownerID)
	target, err := ParseDate(req.TargetDate)
	if err != nil {
		return domain.SalesForecast{}, err
	}
	if req.ForecastedQuantity.IsNegative() {
		return domain.SalesForecast{}, invalid("forecasted_quantity must not be negative")
	}

	products, err := s.repo.ListSaleProducts(ctx, ownerID)
	if err != nil {
		return domain.SalesForecast{}, err
	}
	known := false
	for _, product := range products {
		if product.ID == req.SaleProductID {
			known = true
			break
		}
	}
	if !known {
		return domain.SalesForecast{}, fmt.Errorf("sale product %s: %w", req.SaleProductID, store.ErrNotFound)
	}

	saved, err := s.repo.UpsertSalesForecast(ctx, domain.SalesForecast{
		OwnerID:            ownerID,
		SaleProductID:      req.SaleProductID,
		TargetDate:         target,
		ForecastedQuantity: req.ForecastedQuantity,
	})
	if err != nil {
		return domain.SalesForecast{}, err
	}

	if err := s.cache.Delete(ctx, cache.ExplosionKey(ownerID, target)); err != nil {
		s.log.Warn().Err(err).Str("owner_id", ownerID).Msg("failed to invalidate explosion cache")
	}
	return *saved, nil
}

func (s *Service) ListSalesForecasts(ctx context.Context, ownerID string, targetDate time.Time) ([]domain.SalesForecast, error) {
	return s.repo.ListSalesForecasts(ctx, s.owner(ownerID), dateOnly(targetDate))
}

func (s *Service) ListForecastOrders(ctx context.Context, ownerID string, targetDate time.Time) ([]domain.ForecastProductionOrder, error) {
	if !targetDate.IsZero() {
		targetDate = dateOnly(targetDate)
	}
	return s.repo.ListForecastOrders(ctx, s.owner(ownerID), targetDate)
}

func (s *Service) ListPurchaseList(ctx context.Context, ownerID string, status string) ([]domain.PurchaseListItem, error) {
	return s.repo.ListPurchaseItems(ctx, s.owner(ownerID), strings.TrimSpace(status))
}

func (s *Service) ListStockMovements(ctx context.Context, ownerID string, stockItemID string, limit int) ([]domain.StockMovement, error) {
	return s.repo.ListStockMovements(ctx, s.owner(ownerID), stockItemID, limit)
}
