package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/repositories"
)

// CatalogRepository reads products and variants and applies conditional stock updates.
type CatalogRepository struct {
	provider *Provider
}

// NewCatalogRepository constructs a Postgres-backed catalog repository.
func NewCatalogRepository(provider *Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires postgres provider")
	}
	return &CatalogRepository{provider: provider}, nil
}

const selectProduct = `
SELECT id, name, sku, price::text, stock, active, deleted_at IS NOT NULL, primary_image
FROM products
WHERE id = $1`

func (r *CatalogRepository) FindProduct(ctx context.Context, productID string) (domain.Product, error) {
	var (
		product domain.Product
		price   string
	)
	err := r.provider.conn(ctx).QueryRow(ctx, selectProduct, productID).Scan(
		&product.ID,
		&product.Name,
		&product.SKU,
		&price,
		&product.Stock,
		&product.Active,
		&product.Deleted,
		&product.PrimaryImage,
	)
	if err != nil {
		return domain.Product{}, WrapError("catalog.findProduct", err)
	}
	if product.Price, err = decimal.NewFromString(price); err != nil {
		return domain.Product{}, fmt.Errorf("catalog.findProduct: decode price for %s: %w", productID, err)
	}
	return product, nil
}

const selectVariant = `
SELECT id, product_id, sku, price::text, stock, options, image
FROM product_variants
WHERE id = $1 AND product_id = $2`

func (r *CatalogRepository) FindVariant(ctx context.Context, productID, variantID string) (domain.Variant, error) {
	var (
		variant domain.Variant
		price   *string
		options []byte
	)
	err := r.provider.conn(ctx).QueryRow(ctx, selectVariant, variantID, productID).Scan(
		&variant.ID,
		&variant.ProductID,
		&variant.SKU,
		&price,
		&variant.Stock,
		&options,
		&variant.Image,
	)
	if err != nil {
		return domain.Variant{}, WrapError("catalog.findVariant", err)
	}
	if price != nil {
		parsed, err := decimal.NewFromString(*price)
		if err != nil {
			return domain.Variant{}, fmt.Errorf("catalog.findVariant: decode price for %s: %w", variantID, err)
		}
		variant.Price = &parsed
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &variant.Options); err != nil {
			return domain.Variant{}, fmt.Errorf("catalog.findVariant: decode options for %s: %w", variantID, err)
		}
	}
	return variant, nil
}

// stockTable maps a stock owner to its table.
func stockTable(owner domain.StockOwnerKind) (string, error) {
	switch owner {
	case domain.StockOwnerProduct:
		return "products", nil
	case domain.StockOwnerVariant:
		return "product_variants", nil
	default:
		return "", fmt.Errorf("catalog: unknown stock owner %q", owner)
	}
}

// DecrementStock subtracts quantity with a single guarded UPDATE so two
// buyers can never both take the last unit.
func (r *CatalogRepository) DecrementStock(ctx context.Context, owner domain.StockOwnerKind, ownerID string, quantity int) error {
	table, err := stockTable(owner)
	if err != nil {
		return err
	}
	if quantity <= 0 {
		return fmt.Errorf("catalog: decrement quantity must be positive, got %d", quantity)
	}

	query := fmt.Sprintf(`UPDATE %s SET stock = stock - $2, updated_at = now() WHERE id = $1 AND stock IS NOT NULL AND stock >= $2`, table)
	tag, err := r.provider.conn(ctx).Exec(ctx, query, ownerID, quantity)
	if err != nil {
		return WrapError("catalog.decrementStock", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	available, exists, err := r.currentStock(ctx, table, ownerID)
	if err != nil {
		return err
	}
	if !exists {
		return repositories.NewStockError(repositories.StockErrorOwnerNotFound, ownerID, "stock owner not found", nil)
	}
	return repositories.NewInsufficientStockError(ownerID, quantity, available)
}

func (r *CatalogRepository) RestoreStock(ctx context.Context, owner domain.StockOwnerKind, ownerID string, quantity int) error {
	table, err := stockTable(owner)
	if err != nil {
		return err
	}
	if quantity <= 0 {
		return nil
	}

	query := fmt.Sprintf(`UPDATE %s SET stock = stock + $2, updated_at = now() WHERE id = $1 AND stock IS NOT NULL`, table)
	tag, err := r.provider.conn(ctx).Exec(ctx, query, ownerID, quantity)
	if err != nil {
		return WrapError("catalog.restoreStock", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NewStockError(repositories.StockErrorOwnerNotFound, ownerID, "stock owner not found", nil)
	}
	return nil
}

// currentStock reads the stock left on a row after a rejected decrement. An
// untracked (NULL) stock counts as zero.
func (r *CatalogRepository) currentStock(ctx context.Context, table, id string) (int, bool, error) {
	var stock *int
	query := fmt.Sprintf(`SELECT stock FROM %s WHERE id = $1`, table)
	if err := r.provider.conn(ctx).QueryRow(ctx, query, id).Scan(&stock); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, WrapError("catalog.currentStock", err)
	}
	if stock == nil {
		return 0, true, nil
	}
	return *stock, true, nil
}
