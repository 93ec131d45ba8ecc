/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * the settlement engine needs. The application layer depends on this interface
 * only, which keeps the business logic testable with in-memory stubs.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: identifiers.
 * - github.com/shopspring/decimal: monetary values.
 * - internal/domain: the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/groupgift/settlement-service/internal/domain"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrGiftNotFound         = errors.New("gift not found")
	ErrSettlementNotFound   = errors.New("settlement not found")
	ErrSettlementNotPending = errors.New("settlement is no longer pending")
	ErrPoolExceeded         = errors.New("settlement exceeds the remaining gift pool")
	ErrAlreadySuperseded    = errors.New("settlement has already been superseded")
	ErrInsufficientBalance  = errors.New("insufficient credit balance")
	ErrDuplicateCredit      = errors.New("credit already recorded for settlement")
)

// CreditEntry describes a ledger mutation. Amount is always positive.
type CreditEntry struct {
	UserID        uuid.UUID
	Amount        decimal.Decimal
	Type          domain.CreditTransactionType
	RelatedGiftID *uuid.UUID
	SettlementID  *uuid.UUID
	Metadata      map[string]any
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Users, gifts and contributions (read models owned by the gift CRUD side).
	FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error)
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindGiftByID(ctx context.Context, giftID uuid.UUID) (*domain.Gift, error)
	ListContributionsByGift(ctx context.Context, giftID uuid.UUID) ([]domain.Contribution, error)

	// Settlement records.
	// CreateSettlements inserts records atomically after checking, under a lock
	// on the gift row, that their total fits in the uncommitted pool balance.
	CreateSettlements(ctx context.Context, records []*domain.SettlementRecord) error
	FindSettlementByID(ctx context.Context, id uuid.UUID) (*domain.SettlementRecord, error)
	FindSupersedingSettlement(ctx context.Context, id uuid.UUID) (*domain.SettlementRecord, error)
	ListSettlementsByGift(ctx context.Context, giftID uuid.UUID) ([]domain.SettlementRecord, error)
	// The following transitions only apply while the record is still pending and
	// return ErrSettlementNotPending otherwise.
	AssignSettlementProvider(ctx context.Context, id uuid.UUID, provider string) error
	MarkSettlementCompleted(ctx context.Context, id uuid.UUID, completion domain.SettlementCompletion) error
	MarkSettlementFailed(ctx context.Context, id uuid.UUID, reason, code string) error

	// Pooled charity donations.
	ListPendingPoolSettlements(ctx context.Context, charityID string) ([]domain.SettlementRecord, error)
	ListPendingPoolCharityIDs(ctx context.Context) ([]string, error)
	// CompletePendingPool marks the given records completed under batchID in one
	// statement. Records no longer in pending_pool are skipped; the updated rows
	// are returned.
	CompletePendingPool(ctx context.Context, charityID string, ids []uuid.UUID, batchID uuid.UUID) ([]domain.SettlementRecord, error)

	// Store credit ledger.
	GetCreditBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	AddCredit(ctx context.Context, entry CreditEntry) (*domain.CreditTransaction, error)
	SpendCredit(ctx context.Context, entry CreditEntry) (*domain.CreditTransaction, error)
	ListCreditTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CreditTransaction, error)
}
