package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// StaffUser is a supermarket tenant account. Commercial rate and payment terms
// drive the settlement engine; only approved accounts may log in or receive
// orders.
type StaffUser struct {
	ID               uuid.UUID       `json:"id"`
	Email            string          `json:"email"`
	PasswordHash     string          `json:"-"`
	CompanyName      string          `json:"company_name"`
	Latitude         float64         `json:"latitude"`
	Longitude        float64         `json:"longitude"`
	ApprovalStatus   ApprovalStatus  `json:"approval_status"`
	CommercialRate   decimal.Decimal `json:"commercial_rate"`
	PaymentTermsDays int             `json:"payment_terms_days"`
	Sponsored        bool            `json:"sponsored"`
	Admin            bool            `json:"admin"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (s *StaffUser) IsApproved() bool {
	return s != nil && s.ApprovalStatus == ApprovalApproved
}

type Customer struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	EcoPoints int       `json:"eco_points"`
	CreatedAt time.Time `json:"created_at"`
}
