package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CustomerStore struct {
	pool *pgxpool.Pool
}

func NewCustomerStore(pool *pgxpool.Pool) *CustomerStore {
	return &CustomerStore{pool: pool}
}

// UpsertByEmail creates the customer on first contact and refreshes name and
// phone on subsequent orders.
func (s *CustomerStore) UpsertByEmail(ctx context.Context, email, name, phone string) (*Customer, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO customers (id, email, name, phone, eco_points)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (email) DO UPDATE
		SET name = EXCLUDED.name, phone = EXCLUDED.phone
		RETURNING id, email, name, phone, eco_points, created_at`,
		uuid.New(), email, name, phone)

	var customer Customer
	if err := row.Scan(&customer.ID, &customer.Email, &customer.Name, &customer.Phone, &customer.EcoPoints, &customer.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to upsert customer: %w", err)
	}
	return &customer, nil
}

// AwardEcoPoints credits points atomically; concurrent awards never lose an
// increment.
func (s *CustomerStore) AwardEcoPoints(ctx context.Context, email string, points int) error {
	if points <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE customers
		SET eco_points = eco_points + $1
		WHERE email = $2`,
		points, email)
	if err != nil {
		return fmt.Errorf("failed to award eco points: %w", err)
	}
	return nil
}

func (s *CustomerStore) GetByEmail(ctx context.Context, email string) (*Customer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, name, phone, eco_points, created_at
		FROM customers WHERE email = $1`, email)

	var customer Customer
	if err := row.Scan(&customer.ID, &customer.Email, &customer.Name, &customer.Phone, &customer.EcoPoints, &customer.CreatedAt); err != nil {
		return nil, err
	}
	return &customer, nil
}
