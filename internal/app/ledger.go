package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/groupgift/settlement-service/internal/domain"
	"github.com/groupgift/settlement-service/internal/money"
	"github.com/groupgift/settlement-service/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var minCreditAmount = decimal.New(1, -2)

// CreditStore is the subset of the repository the ledger needs.
type CreditStore interface {
	GetCreditBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	AddCredit(ctx context.Context, entry store.CreditEntry) (*domain.CreditTransaction, error)
	SpendCredit(ctx context.Context, entry store.CreditEntry) (*domain.CreditTransaction, error)
	ListCreditTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CreditTransaction, error)
}

// CreditLedger validates and applies store credit mutations. Locking and
// balance maintenance happen in the store inside one transaction.
type CreditLedger struct {
	repo CreditStore
}

func NewCreditLedger(repo CreditStore) *CreditLedger {
	return &CreditLedger{repo: repo}
}

func validateAmount(amount decimal.Decimal) error {
	if amount.LessThan(minCreditAmount) || !money.IsWholeCents(amount) {
		return ErrInvalidAmount
	}
	return nil
}

func (l *CreditLedger) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	return l.repo.GetCreditBalance(ctx, userID)
}

// Add credits a user's balance. Only REFUND and BONUS entries are accepted.
func (l *CreditLedger) Add(ctx context.Context, entry store.CreditEntry) (*domain.CreditTransaction, error) {
	if err := validateAmount(entry.Amount); err != nil {
		return nil, err
	}
	if entry.Type != domain.CreditRefund && entry.Type != domain.CreditBonus {
		return nil, ErrInvalidCreditType
	}
	return l.repo.AddCredit(ctx, entry)
}

// Spend debits a user's balance, failing with ErrInsufficientBalance and no
// change when the balance does not cover amount.
func (l *CreditLedger) Spend(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, relatedGiftID *uuid.UUID) (*domain.CreditTransaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return l.repo.SpendCredit(ctx, store.CreditEntry{
		UserID:        userID,
		Amount:        amount,
		Type:          domain.CreditSpend,
		RelatedGiftID: relatedGiftID,
	})
}

// History returns the newest entries first. limit is clamped to [1, 200].
func (l *CreditLedger) History(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return l.repo.ListCreditTransactions(ctx, userID, limit)
}
