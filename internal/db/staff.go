package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type StaffStore struct {
	pool *pgxpool.Pool
}

func NewStaffStore(pool *pgxpool.Pool) *StaffStore {
	return &StaffStore{pool: pool}
}

const staffColumns = `
	id, email, password_hash, company_name, latitude, longitude,
	approval_status, commercial_rate::text, payment_terms_days, sponsored,
	admin, created_at, updated_at`

func (s *StaffStore) GetByEmail(ctx context.Context, email string) (*StaffUser, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+staffColumns+` FROM staff_users WHERE email = $1`, email)
	return scanStaff(row)
}

func (s *StaffStore) GetByID(ctx context.Context, staffID uuid.UUID) (*StaffUser, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+staffColumns+` FROM staff_users WHERE id = $1`, staffID)
	return scanStaff(row)
}

// GetByIDs resolves the commercial terms for a batch of supermarkets, keyed by
// staff ID. The settlement engine reads rates at computation time, so changes
// to a rate only affect orders settled afterwards.
func (s *StaffStore) GetByIDs(ctx context.Context, staffIDs []uuid.UUID) (map[uuid.UUID]*StaffUser, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+staffColumns+` FROM staff_users WHERE id = ANY($1)`, staffIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	staff := make(map[uuid.UUID]*StaffUser, len(staffIDs))
	for rows.Next() {
		user, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		staff[user.ID] = user
	}
	return staff, rows.Err()
}

func scanStaff(row pgx.Row) (*StaffUser, error) {
	var (
		user StaffUser
		rate string
	)
	if err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.CompanyName,
		&user.Latitude, &user.Longitude, &user.ApprovalStatus, &rate,
		&user.PaymentTermsDays, &user.Sponsored, &user.Admin, &user.CreatedAt, &user.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	user.CommercialRate, err = decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid commercial_rate for staff %s: %w", user.ID, err)
	}
	return &user, nil
}
