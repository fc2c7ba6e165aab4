package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type ProductStore struct {
	pool *pgxpool.Pool
}

func NewProductStore(pool *pgxpool.Pool) *ProductStore {
	return &ProductStore{pool: pool}
}

const productColumns = `
	id, staff_id, name, category, original_price::text, discount_price::text,
	quantity, expires_at, active, created_at, updated_at`

func (s *ProductStore) GetByID(ctx context.Context, productID uuid.UUID) (*Product, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID)
	return scanProduct(row)
}

// GetActiveByIDs fetches the priced, sellable view of a set of products in one
// round trip. Inactive or unknown IDs are simply absent from the result map;
// callers decide whether that is an error.
func (s *ProductStore) GetActiveByIDs(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]*Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+productColumns+` FROM products
		WHERE id = ANY($1) AND active`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[uuid.UUID]*Product, len(productIDs))
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products[product.ID] = product
	}
	return products, rows.Err()
}

// GetByIDs fetches products regardless of active flag. The settlement engine
// needs ownership of items whose products were deactivated since the sale.
func (s *ProductStore) GetByIDs(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]*Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+productColumns+` FROM products
		WHERE id = ANY($1)`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[uuid.UUID]*Product, len(productIDs))
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products[product.ID] = product
	}
	return products, rows.Err()
}

func (s *ProductStore) ListByStaff(ctx context.Context, staffID uuid.UUID) ([]*Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+productColumns+` FROM products
		WHERE staff_id = $1
		ORDER BY expires_at`, staffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, rows.Err()
}

// RestoreStock returns reserved units to inventory, used when an order is
// cancelled or its payment never arrives.
func (s *ProductStore) RestoreStock(ctx context.Context, productID uuid.UUID, quantity int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE products
		SET quantity = quantity + $1, updated_at = NOW()
		WHERE id = $2`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("failed to restore stock: %w", err)
	}
	return nil
}

func scanProduct(row pgx.Row) (*Product, error) {
	var (
		product       Product
		originalPrice string
		discountPrice string
	)
	if err := row.Scan(
		&product.ID, &product.StaffID, &product.Name, &product.Category,
		&originalPrice, &discountPrice, &product.Quantity, &product.ExpiresAt,
		&product.Active, &product.CreatedAt, &product.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	product.OriginalPrice, err = decimal.NewFromString(originalPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid original_price for product %s: %w", product.ID, err)
	}
	product.DiscountPrice, err = decimal.NewFromString(discountPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid discount_price for product %s: %w", product.ID, err)
	}
	return &product, nil
}
