package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"kitchenplan/backend/internal/domain"
	"kitchenplan/backend/internal/store"
	"kitchenplan/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) ListStockItems(ctx context.Context, ownerID string) ([]domain.StockItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, unit, current_quantity, minimum_quantity, waste_factor_pct, unit_price, COALESCE(supplier_id, '')
		FROM stock_items
		WHERE owner_id = $1
		ORDER BY name
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.StockItem, 0, 64)
	for rows.Next() {
		var item domain.StockItem
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Name, &item.Unit, &item.CurrentQuantity,
			&item.MinimumQuantity, &item.WasteFactorPct, &item.UnitPrice, &item.SupplierID); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetStockItem(ctx context.Context, ownerID string, id string) (*domain.StockItem, error) {
	var item domain.StockItem
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, unit, current_quantity, minimum_quantity, waste_factor_pct, unit_price, COALESCE(supplier_id, '')
		FROM stock_items
		WHERE owner_id = $1 AND id = $2
	`, ownerID, id).Scan(&item.ID, &item.OwnerID, &item.Name, &item.Unit, &item.CurrentQuantity,
		&item.MinimumQuantity, &item.WasteFactorPct, &item.UnitPrice, &item.SupplierID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertStockItem(ctx context.Context, item domain.StockItem) (*domain.StockItem, error) {
	if item.OwnerID == "" || item.ID == "" || strings.TrimSpace(item.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_items (owner_id, id, name, unit, current_quantity, minimum_quantity, waste_factor_pct, unit_price, supplier_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (owner_id, id)
		DO UPDATE SET
			name = EXCLUDED.name,
			unit = EXCLUDED.unit,
			current_quantity = EXCLUDED.current_quantity,
			minimum_quantity = EXCLUDED.minimum_quantity,
			waste_factor_pct = EXCLUDED.waste_factor_pct,
			unit_price = EXCLUDED.unit_price,
			supplier_id = EXCLUDED.supplier_id,
			updated_at = now()
	`, item.OwnerID, item.ID, item.Name, item.Unit, item.CurrentQuantity, item.MinimumQuantity,
		item.WasteFactorPct, item.UnitPrice, nullIfEmpty(item.SupplierID))
	if err != nil {
		return nil, err
	}
	saved := item
	return &saved, nil
}

func (s *Store) ListTechnicalSheets(ctx context.Context, ownerID string) ([]domain.TechnicalSheet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, yield_quantity, yield_unit, lead_time_hours, shelf_life_hours, work_station, ingredients
		FROM technical_sheets
		WHERE owner_id = $1
		ORDER BY name
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sheets := make([]domain.TechnicalSheet, 0, 32)
	for rows.Next() {
		sheet, err := scanSheet(rows)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, sheet)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sheets, nil
}

func (s *Store) GetTechnicalSheet(ctx context.Context, ownerID string, id string) (*domain.TechnicalSheet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, yield_quantity, yield_unit, lead_time_hours, shelf_life_hours, work_station, ingredients
		FROM technical_sheets
		WHERE owner_id = $1 AND id = $2
	`, ownerID, id)
	sheet, err := scanSheet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sheet, nil
}

func (s *Store) UpsertTechnicalSheet(ctx context.Context, sheet domain.TechnicalSheet) (*domain.TechnicalSheet, error) {
	if sheet.OwnerID == "" || sheet.ID == "" || strings.TrimSpace(sheet.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if sheet.Ingredients == nil {
		sheet.Ingredients = []domain.RecipeIngredient{}
	}
	if sheet.WorkStation == "" {
		sheet.WorkStation = domain.DefaultWorkStation
	}

	ingredientsJSON, err := json.Marshal(sheet.Ingredients)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO technical_sheets (owner_id, id, name, yield_quantity, yield_unit, lead_time_hours, shelf_life_hours, work_station, ingredients, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (owner_id, id)
		DO UPDATE SET
			name = EXCLUDED.name,
			yield_quantity = EXCLUDED.yield_quantity,
			yield_unit = EXCLUDED.yield_unit,
			lead_time_hours = EXCLUDED.lead_time_hours,
			shelf_life_hours = EXCLUDED.shelf_life_hours,
			work_station = EXCLUDED.work_station,
			ingredients = EXCLUDED.ingredients,
			updated_at = now()
	`, sheet.OwnerID, sheet.ID, sheet.Name, sheet.YieldQuantity, sheet.YieldUnit, sheet.LeadTimeHours,
		sheet.ShelfLifeHours, sheet.WorkStation, ingredientsJSON)
	if err != nil {
		return nil, err
	}
	saved := sheet
	return &saved, nil
}

func (s *Store) ListSaleProducts(ctx context.Context, ownerID string) ([]domain.SaleProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, ready_quantity, minimum_stock, components
		FROM sale_products
		WHERE owner_id = $1
		ORDER BY name
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.SaleProduct, 0, 32)
	for rows.Next() {
		var (
			product       domain.SaleProduct
			componentsRaw []byte
		)
		if err := rows.Scan(&product.ID, &product.OwnerID, &product.Name, &product.ReadyQuantity, &product.MinimumStock, &componentsRaw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(componentsRaw, &product.Components); err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) UpsertSaleProduct(ctx context.Context, product domain.SaleProduct) (*domain.SaleProduct, error) {
	if product.OwnerID == "" || product.ID == "" || strings.TrimSpace(product.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if product.Components == nil {
		product.Components = []domain.SaleProductComponent{}
	}

	componentsJSON, err := json.Marshal(product.Components)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sale_products (owner_id, id, name, ready_quantity, minimum_stock, components, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (owner_id, id)
		DO UPDATE SET
			name = EXCLUDED.name,
			ready_quantity = EXCLUDED.ready_quantity,
			minimum_stock = EXCLUDED.minimum_stock,
			components = EXCLUDED.components,
			updated_at = now()
	`, product.OwnerID, product.ID, product.Name, product.ReadyQuantity, product.MinimumStock, componentsJSON)
	if err != nil {
		return nil, err
	}
	saved := product
	return &saved, nil
}

func (s *Store) UpsertSalesForecast(ctx context.Context, forecast domain.SalesForecast) (*domain.SalesForecast, error) {
	if forecast.OwnerID == "" || forecast.SaleProductID == "" || forecast.TargetDate.IsZero() {
		return nil, store.ErrInvalidInput
	}
	if forecast.ID == "" {
		forecast.ID = xid.New("fc")
	}
	forecast.TargetDate = dateUTC(forecast.TargetDate)

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sales_forecasts (id, owner_id, sale_product_id, target_date, forecasted_quantity, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (owner_id, sale_product_id, target_date)
		DO UPDATE SET forecasted_quantity = EXCLUDED.forecasted_quantity, updated_at = now()
		RETURNING id, updated_at
	`, forecast.ID, forecast.OwnerID, forecast.SaleProductID, forecast.TargetDate, forecast.ForecastedQuantity).
		Scan(&forecast.ID, &forecast.UpdatedAt)
	if err != nil {
		return nil, err
	}
	forecast.UpdatedAt = forecast.UpdatedAt.UTC()
	return &forecast, nil
}

func (s *Store) ListSalesForecasts(ctx context.Context, ownerID string, targetDate time.Time) ([]domain.SalesForecast, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, sale_product_id, target_date, forecasted_quantity, updated_at
		FROM sales_forecasts
		WHERE owner_id = $1 AND target_date = $2
		ORDER BY sale_product_id
	`, ownerID, dateUTC(targetDate))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	forecasts := make([]domain.SalesForecast, 0, 16)
	for rows.Next() {
		var f domain.SalesForecast
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.SaleProductID, &f.TargetDate, &f.ForecastedQuantity, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.TargetDate = dateUTC(f.TargetDate)
		f.UpdatedAt = f.UpdatedAt.UTC()
		forecasts = append(forecasts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return forecasts, nil
}

// ReplacePendingForecastOrders deletes the pending orders of the date and
// inserts the new set in one transaction. Orders already picked up by the
// kitchen keep their rows.
func (s *Store) ReplacePendingForecastOrders(ctx context.Context, ownerID string, targetDate time.Time, orders []domain.ForecastProductionOrder) error {
	target := dateUTC(targetDate)

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		DELETE FROM forecast_production_orders
		WHERE owner_id = $1 AND target_consumption_date = $2 AND status = $3
	`, ownerID, target, domain.ForecastOrderPending)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, order := range orders {
		if order.ID == "" {
			order.ID = xid.New("fpo")
		}
		if order.CreatedAt.IsZero() {
			order.CreatedAt = now
		}
		if order.Status == "" {
			order.Status = domain.ForecastOrderPending
		}
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO forecast_production_orders (
				id, owner_id, technical_sheet_id, production_date, target_consumption_date,
				required_quantity, existing_stock, net_quantity, status, work_station, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, order.ID, ownerID, order.TechnicalSheetID, dateUTC(order.ProductionDate), target,
			order.RequiredQuantity, order.ExistingStock, order.NetQuantity, order.Status, order.WorkStation, order.CreatedAt)
		if err != nil {
			return err
		}
	}

	return pgTx.Commit()
}

func (s *Store) ListForecastOrders(ctx context.Context, ownerID string, targetDate time.Time) ([]domain.ForecastProductionOrder, error) {
	query := `
		SELECT id, owner_id, technical_sheet_id, production_date, target_consumption_date,
			required_quantity, existing_stock, net_quantity, status, work_station, created_at
		FROM forecast_production_orders
		WHERE owner_id = $1
	`
	args := []any{ownerID}
	if !targetDate.IsZero() {
		query += ` AND target_consumption_date = $2`
		args = append(args, dateUTC(targetDate))
	}
	query += ` ORDER BY production_date, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.ForecastProductionOrder, 0, 16)
	for rows.Next() {
		var o domain.ForecastProductionOrder
		if err := rows.Scan(&o.ID, &o.OwnerID, &o.TechnicalSheetID, &o.ProductionDate, &o.TargetConsumptionDate,
			&o.RequiredQuantity, &o.ExistingStock, &o.NetQuantity, &o.Status, &o.WorkStation, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.ProductionDate = dateUTC(o.ProductionDate)
		o.TargetConsumptionDate = dateUTC(o.TargetConsumptionDate)
		o.CreatedAt = o.CreatedAt.UTC()
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) CreateProductionOrder(ctx context.Context, order domain.ProductionOrder) (*domain.ProductionOrder, error) {
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
	order.ScheduledDate = dateUTC(order.ScheduledDate)
	order.CreatedAt = now
	order.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO production_orders (id, owner_id, technical_sheet_id, planned_quantity, status, scheduled_date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, order.ID, order.OwnerID, order.TechnicalSheetID, order.PlannedQuantity, order.Status, order.ScheduledDate, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &order, nil
}

func (s *Store) GetProductionOrder(ctx context.Context, ownerID string, id string) (*domain.ProductionOrder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, technical_sheet_id, planned_quantity, status, scheduled_date, created_at, updated_at
		FROM production_orders
		WHERE owner_id = $1 AND id = $2
	`, ownerID, id)
	order, err := scanProductionOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (s *Store) ListProductionOrders(ctx context.Context, ownerID string, status string) ([]domain.ProductionOrder, error) {
	query := `
		SELECT id, owner_id, technical_sheet_id, planned_quantity, status, scheduled_date, created_at, updated_at
		FROM production_orders
		WHERE owner_id = $1
	`
	args := []any{ownerID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY scheduled_date, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.ProductionOrder, 0, 32)
	for rows.Next() {
		order, err := scanProductionOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) TransitionProductionOrder(ctx context.Context, ownerID string, id string, from string, to string) (*domain.ProductionOrder, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	row := pgTx.QueryRowContext(ctx, `
		SELECT id, owner_id, technical_sheet_id, planned_quantity, status, scheduled_date, created_at, updated_at
		FROM production_orders
		WHERE owner_id = $1 AND id = $2
		FOR UPDATE
	`, ownerID, id)
	order, err := scanProductionOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if order.Status != from {
		return nil, store.ErrConflict
	}

	order.Status = to
	order.UpdatedAt = time.Now().UTC()
	_, err = pgTx.ExecContext(ctx, `
		UPDATE production_orders
		SET status = $3, updated_at = $4
		WHERE owner_id = $1 AND id = $2
	`, ownerID, id, to, order.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) GetProductionStockMap(ctx context.Context, ownerID string) (map[string]decimal.Decimal, error) {
	return s.quantityMap(ctx, `
		SELECT stock_item_id, quantity
		FROM production_stock
		WHERE owner_id = $1
	`, ownerID)
}

func (s *Store) AddProductionStock(ctx context.Context, ownerID string, stockItemID string, qty decimal.Decimal) error {
	if ownerID == "" || stockItemID == "" || !qty.IsPositive() {
		return store.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO production_stock (owner_id, stock_item_id, quantity, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (owner_id, stock_item_id)
		DO UPDATE SET quantity = production_stock.quantity + EXCLUDED.quantity, updated_at = now()
	`, ownerID, stockItemID, qty)
	return err
}

func (s *Store) DrawProductionStock(ctx context.Context, ownerID string, stockItemID string, qty decimal.Decimal) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, nil
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return decimal.Zero, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var available decimal.Decimal
	err = pgTx.QueryRowContext(ctx, `
		SELECT quantity
		FROM production_stock
		WHERE owner_id = $1 AND stock_item_id = $2
		FOR UPDATE
	`, ownerID, stockItemID).Scan(&available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}

	taken := decimal.Min(decimal.Max(available, decimal.Zero), qty)
	remaining := available.Sub(taken)
	if remaining.IsPositive() {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE production_stock
			SET quantity = $3, updated_at = now()
			WHERE owner_id = $1 AND stock_item_id = $2
		`, ownerID, stockItemID, remaining)
	} else {
		_, err = pgTx.ExecContext(ctx, `
			DELETE FROM production_stock
			WHERE owner_id = $1 AND stock_item_id = $2
		`, ownerID, stockItemID)
	}
	if err != nil {
		return decimal.Zero, err
	}

	if err := pgTx.Commit(); err != nil {
		return decimal.Zero, err
	}
	return taken, nil
}

func (s *Store) DrawCentralStock(ctx context.Context, ownerID string, stockItemID string, qty decimal.Decimal, movement domain.StockMovement) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, nil
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return decimal.Zero, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var available decimal.Decimal
	err = pgTx.QueryRowContext(ctx, `
		SELECT current_quantity
		FROM stock_items
		WHERE owner_id = $1 AND id = $2
		FOR UPDATE
	`, ownerID, stockItemID).Scan(&available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, store.ErrNotFound
		}
		return decimal.Zero, err
	}
	if !available.IsPositive() {
		return decimal.Zero, nil
	}

	taken := decimal.Min(available, qty)
	_, err = pgTx.ExecContext(ctx, `
		UPDATE stock_items
		SET current_quantity = current_quantity - $3, updated_at = now()
		WHERE owner_id = $1 AND id = $2
	`, ownerID, stockItemID, taken)
	if err != nil {
		return decimal.Zero, err
	}

	if movement.ID == "" {
		movement.ID = xid.New("mv")
	}
	if movement.Type == "" {
		movement.Type = domain.MovementExit
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, owner_id, stock_item_id, type, quantity, reason, reference_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, movement.ID, ownerID, stockItemID, movement.Type, taken, movement.Reason, nullIfEmpty(movement.ReferenceID))
	if err != nil {
		return decimal.Zero, err
	}

	if err := pgTx.Commit(); err != nil {
		return decimal.Zero, err
	}
	return taken, nil
}

func (s *Store) TransferToProductionStock(ctx context.Context, ownerID string, stockItemID string, qty decimal.Decimal, movement domain.StockMovement) error {
	if ownerID == "" || stockItemID == "" || !qty.IsPositive() {
		return store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var available decimal.Decimal
	err = pgTx.QueryRowContext(ctx, `
		SELECT current_quantity
		FROM stock_items
		WHERE owner_id = $1 AND id = $2
		FOR UPDATE
	`, ownerID, stockItemID).Scan(&available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if available.LessThan(qty) {
		return store.ErrConflict
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE stock_items
		SET current_quantity = current_quantity - $3, updated_at = now()
		WHERE owner_id = $1 AND id = $2
	`, ownerID, stockItemID, qty); err != nil {
		return err
	}

	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO production_stock (owner_id, stock_item_id, quantity, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (owner_id, stock_item_id)
		DO UPDATE SET quantity = production_stock.quantity + EXCLUDED.quantity, updated_at = now()
	`, ownerID, stockItemID, qty); err != nil {
		return err
	}

	if movement.ID == "" {
		movement.ID = xid.New("mv")
	}
	if movement.Type == "" {
		movement.Type = domain.MovementTransfer
	}
	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, owner_id, stock_item_id, type, quantity, reason, reference_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, movement.ID, ownerID, stockItemID, movement.Type, qty, movement.Reason, nullIfEmpty(movement.ReferenceID)); err != nil {
		return err
	}

	return pgTx.Commit()
}

func (s *Store) ListStockMovements(ctx context.Context, ownerID string, stockItemID string, limit int) ([]domain.StockMovement, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, owner_id, stock_item_id, type, quantity, reason, COALESCE(reference_id, ''), created_at
		FROM stock_movements
		WHERE owner_id = $1
	`
	args := []any{ownerID}
	if stockItemID != "" {
		query += ` AND stock_item_id = $2`
		args = append(args, stockItemID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	moves := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.StockItemID, &m.Type, &m.Quantity, &m.Reason, &m.ReferenceID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		moves = append(moves, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return moves, nil
}

func (s *Store) GetFinishedStockMap(ctx context.Context, ownerID string) (map[string]decimal.Decimal, error) {
	return s.quantityMap(ctx, `
		SELECT technical_sheet_id, quantity
		FROM finished_production_stock
		WHERE owner_id = $1 AND quantity > 0
	`, ownerID)
}

func (s *Store) AddFinishedStock(ctx context.Context, ownerID string, technicalSheetID string, qty decimal.Decimal, unit string) error {
	if ownerID == "" || technicalSheetID == "" || qty.IsZero() {
		return store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO finished_production_stock (owner_id, technical_sheet_id, quantity, unit, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (owner_id, technical_sheet_id)
		DO UPDATE SET
			quantity = finished_production_stock.quantity + EXCLUDED.quantity,
			unit = COALESCE(NULLIF(EXCLUDED.unit, ''), finished_production_stock.unit),
			updated_at = now()
	`, ownerID, technicalSheetID, qty, unit); err != nil {
		return err
	}

	// Rows never linger at zero or below.
	if _, err := pgTx.ExecContext(ctx, `
		DELETE FROM finished_production_stock
		WHERE owner_id = $1 AND technical_sheet_id = $2 AND quantity <= 0
	`, ownerID, technicalSheetID); err != nil {
		return err
	}

	return pgTx.Commit()
}

func (s *Store) CreateProducedInput(ctx context.Context, lot domain.ProducedInputStock) (*domain.ProducedInputStock, error) {
	if lot.OwnerID == "" || lot.TechnicalSheetID == "" || !lot.Quantity.IsPositive() || lot.ExpirationDate.IsZero() {
		return nil, store.ErrInvalidInput
	}
	if lot.ID == "" {
		lot.ID = xid.New("lot")
	}
	lot.ExpirationDate = dateUTC(lot.ExpirationDate)
	lot.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO produced_input_stock (id, owner_id, technical_sheet_id, quantity, expiration_date, batch_code, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, lot.ID, lot.OwnerID, lot.TechnicalSheetID, lot.Quantity, lot.ExpirationDate, nullIfEmpty(lot.BatchCode), lot.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func (s *Store) ListProducedInputs(ctx context.Context, ownerID string) ([]domain.ProducedInputStock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, technical_sheet_id, quantity, expiration_date, COALESCE(batch_code, ''), created_at
		FROM produced_input_stock
		WHERE owner_id = $1
		ORDER BY expiration_date, id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots := make([]domain.ProducedInputStock, 0, 16)
	for rows.Next() {
		var lot domain.ProducedInputStock
		if err := rows.Scan(&lot.ID, &lot.OwnerID, &lot.TechnicalSheetID, &lot.Quantity, &lot.ExpirationDate, &lot.BatchCode, &lot.CreatedAt); err != nil {
			return nil, err
		}
		lot.ExpirationDate = dateUTC(lot.ExpirationDate)
		lot.CreatedAt = lot.CreatedAt.UTC()
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lots, nil
}

func (s *Store) FindActivePurchaseItem(ctx context.Context, ownerID string, stockItemID string) (*domain.PurchaseListItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, stock_item_id, suggested_quantity, status, source, created_at, updated_at
		FROM purchase_list_items
		WHERE owner_id = $1 AND stock_item_id = $2 AND status IN ($3, $4)
		LIMIT 1
	`, ownerID, stockItemID, domain.PurchasePending, domain.PurchaseOrdered)
	item, err := scanPurchaseItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

// CreatePurchaseItem relies on the partial unique index over active items, so
// a concurrent insert for the same stock item surfaces as ErrConflict.
func (s *Store) CreatePurchaseItem(ctx context.Context, item domain.PurchaseListItem) (*domain.PurchaseListItem, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchase_list_items (id, owner_id, stock_item_id, suggested_quantity, status, source, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, item.ID, item.OwnerID, item.StockItemID, item.SuggestedQuantity, item.Status, item.Source, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) IncrementPurchaseItem(ctx context.Context, ownerID string, id string, qty decimal.Decimal) (*domain.PurchaseListItem, error) {
	if !qty.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	row := pgTx.QueryRowContext(ctx, `
		SELECT id, owner_id, stock_item_id, suggested_quantity, status, source, created_at, updated_at
		FROM purchase_list_items
		WHERE owner_id = $1 AND id = $2
		FOR UPDATE
	`, ownerID, id)
	item, err := scanPurchaseItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if !item.IsActive() {
		return nil, store.ErrConflict
	}

	item.SuggestedQuantity = item.SuggestedQuantity.Add(qty)
	item.UpdatedAt = time.Now().UTC()
	_, err = pgTx.ExecContext(ctx, `
		UPDATE purchase_list_items
		SET suggested_quantity = $3, updated_at = $4
		WHERE owner_id = $1 AND id = $2
	`, ownerID, id, item.SuggestedQuantity, item.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListPurchaseItems(ctx context.Context, ownerID string, status string) ([]domain.PurchaseListItem, error) {
	query := `
		SELECT id, owner_id, stock_item_id, suggested_quantity, status, source, created_at, updated_at
		FROM purchase_list_items
		WHERE owner_id = $1
	`
	args := []any{ownerID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.PurchaseListItem, 0, 32)
	for rows.Next() {
		item, err := scanPurchaseItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, owner_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.OwnerID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, owner_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.OwnerID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) quantityMap(ctx context.Context, query string, ownerID string) (map[string]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]decimal.Decimal, 32)
	for rows.Next() {
		var (
			id  string
			qty decimal.Decimal
		)
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		result[id] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSheet(row scanner) (domain.TechnicalSheet, error) {
	var (
		sheet          domain.TechnicalSheet
		ingredientsRaw []byte
	)
	if err := row.Scan(&sheet.ID, &sheet.OwnerID, &sheet.Name, &sheet.YieldQuantity, &sheet.YieldUnit,
		&sheet.LeadTimeHours, &sheet.ShelfLifeHours, &sheet.WorkStation, &ingredientsRaw); err != nil {
		return domain.TechnicalSheet{}, err
	}
	if err := json.Unmarshal(ingredientsRaw, &sheet.Ingredients); err != nil {
		return domain.TechnicalSheet{}, err
	}
	return sheet, nil
}

func scanProductionOrder(row scanner) (domain.ProductionOrder, error) {
	var order domain.ProductionOrder
	if err := row.Scan(&order.ID, &order.OwnerID, &order.TechnicalSheetID, &order.PlannedQuantity, &order.Status,
		&order.ScheduledDate, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return domain.ProductionOrder{}, err
	}
	order.ScheduledDate = dateUTC(order.ScheduledDate)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func scanPurchaseItem(row scanner) (domain.PurchaseListItem, error) {
	var item domain.PurchaseListItem
	if err := row.Scan(&item.ID, &item.OwnerID, &item.StockItemID, &item.SuggestedQuantity, &item.Status,
		&item.Source, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return domain.PurchaseListItem{}, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func dateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
