package services

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

// StockLedger resolves cart lines to their priced entity and mutates the
// stock counter that entity reads from.
type StockLedger struct {
	catalog repositories.CatalogRepository
	logger  func(context.Context, string, map[string]any)
}

// NewStockLedger wraps the catalog repository.
func NewStockLedger(catalog repositories.CatalogRepository, logger func(context.Context, string, map[string]any)) (*StockLedger, error) {
	if catalog == nil {
		return nil, errors.New("stock ledger: catalog repository is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StockLedger{catalog: catalog, logger: logger}, nil
}

// LineAssessment is the outcome of checking one cart line. Entity is only
// meaningful when Available is true.
type LineAssessment struct {
	Entity    domain.PricedEntity
	Available bool
	Issue     *StockIssue
}

// Assess loads the product and variant behind item and compares the
// requested quantity against the stock owner's counter.
func (l *StockLedger) Assess(ctx context.Context, item CartItem) (LineAssessment, error) {
	unavailable := func(name string) LineAssessment {
		return LineAssessment{Issue: &StockIssue{
			CartItemID:  item.ID,
			ProductID:   item.ProductID,
			VariantID:   item.VariantID,
			ProductName: name,
			Reason:      domain.StockIssueProductUnavailable,
			Requested:   item.Quantity,
			Available:   0,
		}}
	}

	product, err := l.catalog.FindProduct(ctx, item.ProductID)
	if err != nil {
		if isRepoNotFound(err) {
			return unavailable(""), nil
		}
		return LineAssessment{}, fmt.Errorf("stock ledger: load product %s: %w", item.ProductID, err)
	}
	if !product.Available() {
		return unavailable(product.Name), nil
	}

	var variant *domain.Variant
	if item.VariantID != nil {
		v, err := l.catalog.FindVariant(ctx, product.ID, *item.VariantID)
		if err != nil {
			if isRepoNotFound(err) {
				return unavailable(product.Name), nil
			}
			return LineAssessment{}, fmt.Errorf("stock ledger: load variant %s: %w", *item.VariantID, err)
		}
		variant = &v
	}

	entity := resolvePricedEntity(product, variant)
	assessment := LineAssessment{Entity: entity, Available: true}
	switch {
	case entity.Stock <= 0:
		assessment.Issue = &StockIssue{
			CartItemID:  item.ID,
			ProductID:   product.ID,
			VariantID:   item.VariantID,
			ProductName: product.Name,
			Reason:      domain.StockIssueOutOfStock,
			Requested:   item.Quantity,
			Available:   0,
		}
	case entity.Stock < item.Quantity:
		assessment.Issue = &StockIssue{
			CartItemID:  item.ID,
			ProductID:   product.ID,
			VariantID:   item.VariantID,
			ProductName: product.Name,
			Reason:      domain.StockIssueInsufficientStock,
			Requested:   item.Quantity,
			Available:   entity.Stock,
		}
	}
	return assessment, nil
}

// Decrement conditionally takes quantity from the entity's stock owner.
func (l *StockLedger) Decrement(ctx context.Context, entity domain.PricedEntity, quantity int) error {
	return l.catalog.DecrementStock(ctx, entity.StockOwner, entity.StockOwnerID(), quantity)
}

// Restore returns every item's quantity to the row it was taken from. Rows
// deleted since the order was placed are skipped.
func (l *StockLedger) Restore(ctx context.Context, items []OrderItem) error {
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		err := l.catalog.RestoreStock(ctx, item.StockOwner, item.StockOwnerID(), item.Quantity)
		if err == nil {
			continue
		}
		if isRepoNotFound(err) {
			l.logger(ctx, "stock.restore_skipped", map[string]any{
				"orderID":  item.OrderID,
				"owner":    string(item.StockOwner),
				"ownerID":  item.StockOwnerID(),
				"quantity": item.Quantity,
			})
			continue
		}
		return fmt.Errorf("stock ledger: restore %s: %w", item.StockOwnerID(), err)
	}
	return nil
}

// resolvePricedEntity picks price and stock once per line: variant values win
// when set, the product supplies the rest.
func resolvePricedEntity(product domain.Product, variant *domain.Variant) domain.PricedEntity {
	entity := domain.PricedEntity{
		Kind:       domain.StockOwnerProduct,
		Product:    product,
		UnitPrice:  product.Price,
		Stock:      product.Stock,
		StockOwner: domain.StockOwnerProduct,
	}
	if variant == nil {
		return entity
	}
	entity.Kind = domain.StockOwnerVariant
	entity.Variant = variant
	if variant.Price != nil {
		entity.UnitPrice = *variant.Price
	}
	if variant.Stock != nil {
		entity.Stock = *variant.Stock
		entity.StockOwner = domain.StockOwnerVariant
	}
	return entity
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func isRepoUnavailable(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
