package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ComponentStockItem          = "stock_item"
	ComponentFinishedProduction = "finished_production"
	ComponentSaleProduct        = "sale_product"
)

const (
	ForecastOrderPending    = "pending"
	ForecastOrderInProgress = "in_progress"
	ForecastOrderCompleted  = "completed"
	ForecastOrderCancelled  = "cancelled"
)

const (
	ProductionPlanned    = "planned"
	ProductionInProgress = "in_progress"
	ProductionCompleted  = "completed"
	ProductionCancelled  = "cancelled"
)

const (
	PurchasePending   = "pending"
	PurchaseOrdered   = "ordered"
	PurchaseDelivered = "delivered"
	PurchaseCancelled = "cancelled"
)

const (
	MovementExit     = "exit"
	MovementTransfer = "transfer"
	MovementEntry    = "entry"
)

const DefaultWorkStation = "production"

type StockItem struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Name            string          `json:"name"`
	Unit            string          `json:"unit"`
	CurrentQuantity decimal.Decimal `json:"current_quantity"`
	MinimumQuantity decimal.Decimal `json:"minimum_quantity"`
	WasteFactorPct  decimal.Decimal `json:"waste_factor_pct"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	SupplierID      string          `json:"supplier_id,omitempty"`
}

type RecipeIngredient struct {
	StockItemID string          `json:"stock_item_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
}

// TechnicalSheet is a recipe. Ingredient quantities are per one full yield batch.
type TechnicalSheet struct {
	ID             string             `json:"id"`
	OwnerID        string             `json:"owner_id"`
	Name           string             `json:"name"`
	YieldQuantity  decimal.Decimal    `json:"yield_quantity"`
	YieldUnit      string             `json:"yield_unit"`
	LeadTimeHours  int                `json:"lead_time_hours"`
	ShelfLifeHours int                `json:"shelf_life_hours"`
	WorkStation    string             `json:"praca,omitempty"`
	Ingredients    []RecipeIngredient `json:"ingredients"`
}

type SaleProductComponent struct {
	ComponentType string          `json:"component_type"`
	ComponentID   string          `json:"component_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	Unit          string          `json:"unit"`
}

type SaleProduct struct {
	ID            string                 `json:"id"`
	OwnerID       string                 `json:"owner_id"`
	Name          string                 `json:"name"`
	ReadyQuantity decimal.Decimal        `json:"ready_quantity"`
	MinimumStock  decimal.Decimal        `json:"minimum_stock"`
	Components    []SaleProductComponent `json:"components"`
}

type SalesForecast struct {
	ID                 string          `json:"id"`
	OwnerID            string          `json:"owner_id"`
	SaleProductID      string          `json:"sale_product_id"`
	TargetDate         time.Time       `json:"target_date"`
	ForecastedQuantity decimal.Decimal `json:"forecasted_quantity"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

type ForecastProductionOrder struct {
	ID                    string          `json:"id"`
	OwnerID               string          `json:"owner_id"`
	TechnicalSheetID      string          `json:"technical_sheet_id"`
	ProductionDate        time.Time       `json:"production_date"`
	TargetConsumptionDate time.Time       `json:"target_consumption_date"`
	RequiredQuantity      decimal.Decimal `json:"required_quantity"`
	ExistingStock         decimal.Decimal `json:"existing_stock"`
	NetQuantity           decimal.Decimal `json:"net_quantity"`
	Status                string          `json:"status"`
	WorkStation           string          `json:"praca"`
	CreatedAt             time.Time       `json:"created_at"`
}

type ProductionOrder struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	TechnicalSheetID string          `json:"technical_sheet_id"`
	PlannedQuantity  decimal.Decimal `json:"planned_quantity"`
	Status           string          `json:"status"`
	ScheduledDate    time.Time       `json:"scheduled_date"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type ProducedInputStock struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	TechnicalSheetID string          `json:"technical_sheet_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	ExpirationDate   time.Time       `json:"expiration_date"`
	BatchCode        string          `json:"batch_code,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type StockMovement struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	StockItemID string          `json:"stock_item_id"`
	Type        string          `json:"type"`
	Quantity    decimal.Decimal `json:"quantity"`
	Reason      string          `json:"reason"`
	ReferenceID string          `json:"reference_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type PurchaseListItem struct {
	ID                string          `json:"id"`
	OwnerID           string          `json:"owner_id"`
	StockItemID       string          `json:"stock_item_id"`
	SuggestedQuantity decimal.Decimal `json:"suggested_quantity"`
	Status            string          `json:"status"`
	Source            string          `json:"source"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsActive reports whether the item still accumulates shortfalls.
func (p PurchaseListItem) IsActive() bool {
	return p.Status == PurchasePending || p.Status == PurchaseOrdered
}

type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

type ExplosionResult struct {
	TechnicalSheetID string          `json:"technical_sheet_id"`
	Name             string          `json:"name"`
	Demand           decimal.Decimal `json:"demand"`
	YieldQuantity    decimal.Decimal `json:"yield_quantity"`
	YieldUnit        string          `json:"yield_unit"`
	Batches          decimal.Decimal `json:"batches"`
	RequiredQuantity decimal.Decimal `json:"required_quantity"`
	ExistingStock    decimal.Decimal `json:"existing_stock"`
	NetQuantity      decimal.Decimal `json:"net_quantity"`
	ProductionDate   time.Time       `json:"production_date"`
	ExpiryDate       time.Time       `json:"expiry_date"`
	ShelfLifeWarning string          `json:"shelf_life_warning,omitempty"`
	ServedBy         []string        `json:"served_by"`
	WorkStation      string          `json:"praca"`
}

type ExplosionReport struct {
	OwnerID       string            `json:"owner_id"`
	TargetDate    time.Time         `json:"target_date"`
	PerRecipe     []ExplosionResult `json:"per_recipe"`
	OrdersCreated int               `json:"orders_created"`
	Warnings      []Warning         `json:"warnings"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

type PurchaseNeedItem struct {
	StockItemID       string          `json:"stock_item_id"`
	Name              string          `json:"name"`
	Unit              string          `json:"unit"`
	CentralStock      decimal.Decimal `json:"central_stock"`
	ProductionStock   decimal.Decimal `json:"production_stock"`
	TotalAvailable    decimal.Decimal `json:"total_available"`
	ProjectedDemand   decimal.Decimal `json:"projected_demand"`
	MinimumQuantity   decimal.Decimal `json:"minimum_quantity"`
	TotalNeed         decimal.Decimal `json:"total_need"`
	SuggestedQuantity decimal.Decimal `json:"suggested_quantity"`
	EstimatedCost     decimal.Decimal `json:"estimated_cost"`
	IsUrgent          bool            `json:"is_urgent"`
	SupplierID        string          `json:"supplier_id,omitempty"`
}

type InsufficiencyItem struct {
	StockItemID string          `json:"stock_item_id"`
	Name        string          `json:"name"`
	Unit        string          `json:"unit"`
	Needed      decimal.Decimal `json:"needed"`
	Missing     decimal.Decimal `json:"missing"`
}

type InsufficiencyReport struct {
	ProductionOrderID string              `json:"production_order_id"`
	Shortfalls        []InsufficiencyItem `json:"shortfalls"`
	Warnings          []Warning           `json:"warnings,omitempty"`
}

func (r InsufficiencyReport) HasShortfalls() bool {
	return len(r.Shortfalls) > 0
}

type ProductionStartResponse struct {
	Order  ProductionOrder     `json:"order"`
	Report InsufficiencyReport `json:"insufficiency"`
}

// Notice is the payload handed to the notification sink.
type Notice struct {
	OwnerID   string    `json:"owner_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Warnings  []Warning `json:"warnings,omitempty"`
	Details   any       `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	NoticeShelfLife     = "shelf_life"
	NoticeInsufficiency = "insufficiency"
	NoticeDataIntegrity = "data_integrity"
)

type StockItemCreateRequest struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Unit            string          `json:"unit"`
	CurrentQuantity decimal.Decimal `json:"current_quantity"`
	MinimumQuantity decimal.Decimal `json:"minimum_quantity"`
	WasteFactorPct  decimal.Decimal `json:"waste_factor_pct"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	SupplierID      string          `json:"supplier_id"`
}

type TechnicalSheetCreateRequest struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	YieldQuantity  decimal.Decimal    `json:"yield_quantity"`
	YieldUnit      string             `json:"yield_unit"`
	LeadTimeHours  int                `json:"lead_time_hours"`
	ShelfLifeHours int                `json:"shelf_life_hours"`
	WorkStation    string             `json:"praca"`
	Ingredients    []RecipeIngredient `json:"ingredients"`
}

type SaleProductCreateRequest struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	ReadyQuantity decimal.Decimal        `json:"ready_quantity"`
	MinimumStock  decimal.Decimal        `json:"minimum_stock"`
	Components    []SaleProductComponent `json:"components"`
}

type ForecastUpsertRequest struct {
	SaleProductID      string          `json:"sale_product_id"`
	TargetDate         string          `json:"target_date"`
	ForecastedQuantity decimal.Decimal `json:"forecasted_quantity"`
}

type ExplosionRequest struct {
	TargetDate string `json:"target_date"`
}

type ProductionOrderCreateRequest struct {
	TechnicalSheetID string          `json:"technical_sheet_id"`
	PlannedQuantity  decimal.Decimal `json:"planned_quantity"`
	ScheduledDate    string          `json:"scheduled_date"`
}

type ProducedInputCreateRequest struct {
	TechnicalSheetID string          `json:"technical_sheet_id"`
	Quantity         decimal.Decimal `json:"quantity"`
	ExpirationDate   string          `json:"expiration_date"`
	BatchCode        string          `json:"batch_code"`
}

type TransferRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

type PurchaseAcceptRequest struct {
	StockItemID string          `json:"stock_item_id"`
	Quantity    decimal.Decimal `json:"quantity"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	OwnerID  string `json:"owner_id"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	OwnerID     string `json:"owner_id"`
	ExpiresAt   string `json:"expires_at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	OwnerID   string    `json:"owner_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
