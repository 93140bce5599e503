// Package bom resolves bill-of-materials trees into raw stock-item demand.
//
// A Resolver works over a Catalog snapshot loaded up front, so resolution
// never touches the store and is deterministic for a given snapshot.
package bom

import (
	"fmt"

	"github.com/shopspring/decimal"

	"kitchenplan/backend/internal/domain"
)

const DefaultMaxDepth = 16

const (
	IssueMissingProduct = "missing_product"
	IssueMissingRecipe  = "missing_recipe"
	IssueInvalidYield   = "invalid_yield"
	IssueCycle          = "cycle"
	IssueTooDeep        = "max_depth"
	IssueUnknownType    = "unknown_component_type"
)

// Issue describes a branch of the tree that contributed zero demand.
type Issue struct {
	Code string
	Ref  string
	Path []string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s: %s (path %v)", i.Code, i.Ref, i.Path)
}

// Demand maps stock item ids to required quantities.
type Demand map[string]decimal.Decimal

func (d Demand) Add(stockItemID string, qty decimal.Decimal) {
	if qty.IsZero() {
		return
	}
	d[stockItemID] = d[stockItemID].Add(qty)
}

func (d Demand) Merge(other Demand) {
	for id, qty := range other {
		d.Add(id, qty)
	}
}

func (d Demand) Get(stockItemID string) decimal.Decimal {
	return d[stockItemID]
}

type Catalog struct {
	Sheets   map[string]domain.TechnicalSheet
	Products map[string]domain.SaleProduct
}

func NewCatalog(sheets []domain.TechnicalSheet, products []domain.SaleProduct) *Catalog {
	c := &Catalog{
		Sheets:   make(map[string]domain.TechnicalSheet, len(sheets)),
		Products: make(map[string]domain.SaleProduct, len(products)),
	}
	for _, sheet := range sheets {
		c.Sheets[sheet.ID] = sheet
	}
	for _, product := range products {
		c.Products[product.ID] = product
	}
	return c
}

type Resolver struct {
	catalog  *Catalog
	maxDepth int
}

func NewResolver(catalog *Catalog, maxDepth int) *Resolver {
	if catalog == nil {
		catalog = NewCatalog(nil, nil)
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{catalog: catalog, maxDepth: maxDepth}
}

// Explode resolves quantity units of a component into stock-item demand.
// Broken branches (unknown ids, zero yield, cycles, excessive depth) add
// nothing and are reported as issues.
func (r *Resolver) Explode(componentType string, componentID string, quantity decimal.Decimal) (Demand, []Issue) {
	w := walker{
		resolver: r,
		demand:   make(Demand),
		onPath:   make(map[string]bool),
	}
	w.visit(componentType, componentID, quantity, 0)
	return w.demand, w.issues
}

// StockItemDemand returns how much of target one resolution of the component requires.
func (r *Resolver) StockItemDemand(componentType string, componentID string, quantity decimal.Decimal, target string) decimal.Decimal {
	demand, _ := r.Explode(componentType, componentID, quantity)
	return demand.Get(target)
}

// RecipeDemand expands quantity units of a recipe's yield into its ingredients.
func RecipeDemand(sheet domain.TechnicalSheet, quantity decimal.Decimal) (Demand, error) {
	demand := make(Demand, len(sheet.Ingredients))
	if !sheet.YieldQuantity.IsPositive() {
		return demand, Issue{Code: IssueInvalidYield, Ref: sheet.ID}
	}
	batch := quantity.Div(sheet.YieldQuantity)
	for _, ingredient := range sheet.Ingredients {
		demand.Add(ingredient.StockItemID, ingredient.Quantity.Mul(batch))
	}
	return demand, nil
}

type walker struct {
	resolver *Resolver
	demand   Demand
	issues   []Issue
	onPath   map[string]bool
	path     []string
}

func (w *walker) report(code string, ref string) {
	w.issues = append(w.issues, Issue{Code: code, Ref: ref, Path: append([]string(nil), w.path...)})
}

func (w *walker) visit(componentType string, componentID string, quantity decimal.Decimal, depth int) {
	switch componentType {
	case domain.ComponentStockItem:
		w.demand.Add(componentID, quantity)

	case domain.ComponentFinishedProduction:
		sheet, ok := w.resolver.catalog.Sheets[componentID]
		if !ok {
			w.report(IssueMissingRecipe, componentID)
			return
		}
		recipeDemand, err := RecipeDemand(sheet, quantity)
		if err != nil {
			w.report(IssueInvalidYield, componentID)
			return
		}
		w.demand.Merge(recipeDemand)

	case domain.ComponentSaleProduct:
		if depth >= w.resolver.maxDepth {
			w.report(IssueTooDeep, componentID)
			return
		}
		if w.onPath[componentID] {
			w.report(IssueCycle, componentID)
			return
		}
		product, ok := w.resolver.catalog.Products[componentID]
		if !ok {
			w.report(IssueMissingProduct, componentID)
			return
		}

		w.onPath[componentID] = true
		w.path = append(w.path, componentID)
		for _, component := range product.Components {
			w.visit(component.ComponentType, component.ComponentID, component.Quantity.Mul(quantity), depth+1)
		}
		w.path = w.path[:len(w.path)-1]
		delete(w.onPath, componentID)

	default:
		w.report(IssueUnknownType, componentType)
	}
}

// Reaches reports whether product from can reach product to through
// sale-product components, including from == to.
func (c *Catalog) Reaches(from string, to string) bool {
	seen := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == to {
			return true
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		for _, component := range c.Products[id].Components {
			if component.ComponentType == domain.ComponentSaleProduct && walk(component.ComponentID) {
				return true
			}
		}
		return false
	}
	return walk(from)
}
