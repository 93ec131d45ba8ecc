package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreditTransactionType classifies a ledger entry.
type CreditTransactionType string

const (
	CreditSpend  CreditTransactionType = "SPEND"
	CreditRefund CreditTransactionType = "REFUND"
	CreditBonus  CreditTransactionType = "BONUS"
)

// CreditTransaction is one append-only entry in a user's store-credit ledger.
// Amount is always positive; Type determines its sign.
type CreditTransaction struct {
	ID              uuid.UUID             `json:"id"`
	UserID          uuid.UUID             `json:"user_id"`
	Amount          decimal.Decimal       `json:"amount"`
	Type            CreditTransactionType `json:"type"`
	BalanceAfter    decimal.Decimal       `json:"balance_after"`
	RelatedGiftID   *uuid.UUID            `json:"related_gift_id,omitempty"`
	RelatedGiftName *string               `json:"related_gift_name,omitempty"`
	SettlementID    *uuid.UUID            `json:"settlement_id,omitempty"`
	Metadata        map[string]any        `json:"metadata,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
}

// Signed returns the entry's effect on the balance.
func (t CreditTransaction) Signed() decimal.Decimal {
	if t.Type == CreditSpend {
		return t.Amount.Neg()
	}
	return t.Amount
}

// SpendCreditRequest is the DTO for spending store credit at checkout.
type SpendCreditRequest struct {
	Amount decimal.Decimal `json:"amount"`
	GiftID *uuid.UUID      `json:"gift_id,omitempty"`
}

// BonusCreditRequest is the DTO for granting promotional credit.
type BonusCreditRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}
