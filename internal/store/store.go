package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"kitchenplan/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

// Repository is the owner-scoped record store behind the planning engine.
// Draw*, IncrementPurchaseItem, TransitionProductionOrder and
// ReplacePendingForecastOrders are each a single atomic unit of work.
type Repository interface {
	ListStockItems(ctx context.Context, ownerID string) ([]domain.StockItem, error)
	GetStockItem(ctx context.Context, ownerID string, id string) (*domain.StockItem, error)
	UpsertStockItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error)

	ListTechnicalSheets(ctx context.Context, ownerID string) ([]domain.TechnicalSheet, error)
	GetTechnicalSheet(ctx context.Context, ownerID string, id string) (*domain.TechnicalSheet, error)
	UpsertTechnicalSheet(ctx context.Context, sheet domain.TechnicalSheet) (*domain.TechnicalSheet, error)

	ListSaleProducts(ctx context.Context, ownerID string) ([]domain.SaleProduct, error)
	UpsertSaleProduct(ctx context.Context, product domain.SaleProduct) (*domain.SaleProduct, error)

	UpsertSalesForecast(ctx context.Context, forecast domain.SalesForecast) (*domain.SalesForecast, error)
	ListSalesForecasts(ctx context.Context, ownerID string, targetDate time.Time) ([]domain.SalesForecast, error)
	ReplacePendingForecastOrders(ctx context.Context, ownerID string, targetDate time.Time, orders []domain.ForecastProductionOrder) error
	ListForecastOrders(ctx context.Context, ownerID string, targetDate time.Time) ([]domain.ForecastProductionOrder, error)

	CreateProductionOrder(ctx context.Context, order domain.ProductionOrder) (*domain.ProductionOrder, error)
	GetProductionOrder(ctx context.Context, ownerID string, id string) (*domain.ProductionOrder, error)
	ListProductionOrders(ctx context.Context, ownerID string, status string) ([]domain.ProductionOrder, error)
	// TransitionProductionOrder moves an order from one status to another and
	// fails with ErrConflict when the stored status is not from.
	TransitionProductionOrder(ctx context.Context, ownerID string, id string, from string, to string) (*domain.ProductionOrder, error)

	GetProductionStockMap(ctx context.Context, ownerID string) (map[string]decimal.Decimal, error)
	AddProductionStock(ctx context.Context, ownerID string, stockItemID string, qty decimal.Decimal) error
	// DrawProductionStock takes up to qty from the production floor and returns
	// what was taken. The row is removed once it reaches zero.
	DrawProductionStock(ctx context.Context, ownerID string, stockItemID string, qty decimal.Decimal) (decimal.Decimal, error)
	// DrawCentralStock takes up to qty from central stock, records movement with
	// the drawn amount and returns it.
	DrawCentralStock(ctx context.Context, ownerID string, stockItemID string, qty decimal.Decimal, movement domain.StockMovement) (decimal.Decimal, error)
	// TransferToProductionStock moves exactly qty from central stock to the
	// production floor and records movement, all or nothing. It fails with
	// ErrConflict when central stock holds less than qty.
	TransferToProductionStock(ctx context.Context, ownerID string, stockItemID string, qty decimal.Decimal, movement domain.StockMovement) error
	ListStockMovements(ctx context.Context, ownerID string, stockItemID string, limit int) ([]domain.StockMovement, error)

	GetFinishedStockMap(ctx context.Context, ownerID string) (map[string]decimal.Decimal, error)
	AddFinishedStock(ctx context.Context, ownerID string, technicalSheetID string, qty decimal.Decimal, unit string) error
	CreateProducedInput(ctx context.Context, lot domain.ProducedInputStock) (*domain.ProducedInputStock, error)
	ListProducedInputs(ctx context.Context, ownerID string) ([]domain.ProducedInputStock, error)

	// FindActivePurchaseItem returns the pending or ordered item for a stock item, or ErrNotFound.
	FindActivePurchaseItem(ctx context.Context, ownerID string, stockItemID string) (*domain.PurchaseListItem, error)
	// CreatePurchaseItem fails with ErrConflict when an active item already exists.
	CreatePurchaseItem(ctx context.Context, item domain.PurchaseListItem) (*domain.PurchaseListItem, error)
	IncrementPurchaseItem(ctx context.Context, ownerID string, id string, qty decimal.Decimal) (*domain.PurchaseListItem, error)
	ListPurchaseItems(ctx context.Context, ownerID string, status string) ([]domain.PurchaseListItem, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
