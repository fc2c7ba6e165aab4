package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/saveupapp/saveup/internal/db"
	"github.com/saveupapp/saveup/internal/logging"
	"github.com/saveupapp/saveup/internal/models"
)

var (
	ErrAuthInvalidCredentials = errors.New("invalid email or password")
	ErrAuthNotApproved        = errors.New("account is not approved")
	ErrAuthInvalidToken       = errors.New("invalid or expired token")
)

type staffByEmailGetter interface {
	GetByEmail(ctx context.Context, email string) (*db.StaffUser, error)
}

type AuthService struct {
	staffStore staffByEmailGetter
	jwtSecret  []byte
	tokenTTL   time.Duration
	logger     *slog.Logger
}

func NewAuthService(staffStore staffByEmailGetter, jwtSecret string, logger *slog.Logger) *AuthService {
	return &AuthService{
		staffStore: staffStore,
		jwtSecret:  []byte(jwtSecret),
		tokenTTL:   24 * time.Hour,
		logger:     logger,
	}
}

func (s *AuthService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

type StaffClaims struct {
	StaffID uuid.UUID `json:"staff_id"`
	Admin   bool      `json:"admin"`
	jwt.RegisteredClaims
}

type LoginResult struct {
	Token string            `json:"token"`
	Staff *models.StaffUser `json:"staff"`
}

// Login checks credentials and issues a signed token for an approved staff
// account. Rejected and pending accounts get the same error so the response
// does not leak approval state.
func (s *AuthService) Login(ctx context.Context, userEmail, password string) (*LoginResult, error) {
	logger := s.loggerFromContext(ctx)

	userEmail = strings.ToLower(strings.TrimSpace(userEmail))
	if userEmail == "" || password == "" {
		return nil, ErrAuthInvalidCredentials
	}

	staff, err := s.staffStore.GetByEmail(ctx, userEmail)
	if err != nil {
		logger.Info("login failed: unknown email", "email", userEmail)
		return nil, ErrAuthInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(staff.PasswordHash), []byte(password)); err != nil {
		logger.Info("login failed: wrong password", "staff_id", staff.ID)
		return nil, ErrAuthInvalidCredentials
	}

	if !staff.IsApproved() {
		logger.Info("login rejected: account not approved", "staff_id", staff.ID, "approval_status", staff.ApprovalStatus)
		return nil, ErrAuthNotApproved
	}

	token, err := s.issueToken(staff)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	return &LoginResult{Token: token, Staff: staff}, nil
}

func (s *AuthService) issueToken(staff *db.StaffUser) (string, error) {
	now := time.Now()
	claims := StaffClaims{
		StaffID: staff.ID,
		Admin:   staff.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   staff.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// ParseToken verifies the signature and expiry of a staff token.
func (s *AuthService) ParseToken(tokenString string) (*StaffClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &StaffClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthInvalidToken, err)
	}

	claims, ok := token.Claims.(*StaffClaims)
	if !ok || !token.Valid || claims.StaffID == uuid.Nil {
		return nil, ErrAuthInvalidToken
	}
	return claims, nil
}
