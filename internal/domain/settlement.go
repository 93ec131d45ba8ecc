/**
 * @description
 * Core domain models for the settlement engine: settlement records, the gifts and
 * contributions they draw from, and the request/response shapes used by the API.
 *
 * @notes
 * - Monetary values are decimal.Decimal with two decimal places. The store layer
 *   persists them as integer cents.
 * - A settlement record's ID is also its public receipt token, so it is always a
 *   random UUIDv4 and never derived from other identifiers.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Disposition is where a settled amount goes.
type Disposition string

const (
	DispositionGiftCard Disposition = "gift_card"
	DispositionCharity  Disposition = "charity"
	DispositionRefund   Disposition = "refund"
	DispositionTip      Disposition = "tip"
)

// Valid reports whether d is a known disposition.
func (d Disposition) Valid() bool {
	switch d {
	case DispositionGiftCard, DispositionCharity, DispositionRefund, DispositionTip:
		return true
	}
	return false
}

// FeeAware reports whether the processor fee model applies to d.
func (d Disposition) FeeAware() bool {
	return d == DispositionGiftCard || d == DispositionCharity
}

// SettlementStatus is the lifecycle state of a settlement record.
type SettlementStatus string

const (
	StatusPending     SettlementStatus = "pending"
	StatusPendingPool SettlementStatus = "pending_pool"
	StatusCompleted   SettlementStatus = "completed"
	StatusFailed      SettlementStatus = "failed"
)

// RefundMethod selects how a refund share reaches a contributor.
type RefundMethod string

const (
	RefundMethodCash   RefundMethod = "cash"
	RefundMethodCredit RefundMethod = "credit"
)

// SettlementRecord is one disbursement attempt. Records are append-only: they
// move forward through their status machine and are never deleted.
type SettlementRecord struct {
	ID                uuid.UUID        `json:"id"`
	GiftID            uuid.UUID        `json:"gift_id"`
	CreatedBy         uuid.UUID        `json:"created_by"`
	Amount            decimal.Decimal  `json:"amount"`        // net to recipient
	TotalCharged      decimal.Decimal  `json:"total_charged"` // drawn from the pool
	TransactionFee    decimal.Decimal  `json:"transaction_fee"`
	FeeCovered        bool             `json:"fee_covered"`
	Disposition       Disposition      `json:"disposition"`
	Status            SettlementStatus `json:"status"`
	CharityID         *string          `json:"charity_id,omitempty"`
	CharityName       *string          `json:"charity_name,omitempty"`
	RefundMethod      *RefundMethod    `json:"refund_method,omitempty"`
	RecipientUserID   *uuid.UUID       `json:"recipient_user_id,omitempty"`
	RecipientEmail    *string          `json:"recipient_email,omitempty"`
	RecipientName     *string          `json:"recipient_name,omitempty"`
	Provider          *string          `json:"provider,omitempty"`
	GCClaimCode       *string          `json:"gc_claim_code,omitempty"`
	ProviderRequestID *string          `json:"provider_request_id,omitempty"`
	BatchID           *uuid.UUID       `json:"batch_id,omitempty"`
	SupersedesID      *uuid.UUID       `json:"supersedes_id,omitempty"`
	FailureReason     *string          `json:"failure_reason,omitempty"`
	FailureCode       *string          `json:"failure_code,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
}

// SettlementCompletion carries the provider artifact written when a record completes.
type SettlementCompletion struct {
	ClaimArtifact     *string
	ProviderRequestID *string
}

// Gift is the read model of a gift pool owned by the gift CRUD side.
type Gift struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	OrganizerID    uuid.UUID       `json:"organizer_id"`
	OrganizerEmail string          `json:"organizer_email"`
	OrganizerName  string          `json:"organizer_name"`
	PoolBalance    decimal.Decimal `json:"pool_balance"`
	Currency       string          `json:"currency"`
}

// Contribution is one payment into a gift pool.
type Contribution struct {
	ID                uuid.UUID       `json:"id"`
	GiftID            uuid.UUID       `json:"gift_id"`
	ContributorUserID *uuid.UUID      `json:"contributor_user_id,omitempty"`
	ContributorEmail  string          `json:"contributor_email"`
	ContributorName   string          `json:"contributor_name"`
	Amount            decimal.Decimal `json:"amount"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ContributionShare is a contributor's proportional slice of a refundable pool.
// It is always recomputed from contribution rows and never stored.
type ContributionShare struct {
	ContributorID     uuid.UUID       `json:"contributor_id"`
	ContributorUserID *uuid.UUID      `json:"contributor_user_id,omitempty"`
	ContributorEmail  string          `json:"contributor_email"`
	ContributorName   string          `json:"contributor_name"`
	OriginalAmount    decimal.Decimal `json:"original_amount"`
	EstimatedShare    decimal.Decimal `json:"estimated_share"`
}

// User is the subset of the users table the engine reads.
type User struct {
	ID            uuid.UUID       `json:"id"`
	ClerkUserID   string          `json:"clerk_user_id"`
	Email         string          `json:"email"`
	FullName      string          `json:"full_name"`
	CreditBalance decimal.Decimal `json:"credit_balance"`
}

// SettlementRequest is the DTO for creating a settlement against a gift.
type SettlementRequest struct {
	Disposition    Disposition     `json:"disposition"`
	Amount         decimal.Decimal `json:"amount"`
	FeeCovered     bool            `json:"fee_covered"`
	CharityID      string          `json:"charity_id,omitempty"`
	RecipientEmail string          `json:"recipient_email,omitempty"`
	RecipientName  string          `json:"recipient_name,omitempty"`
	RefundMethod   RefundMethod    `json:"refund_method,omitempty"`
}

// Receipt is the public view of a settlement record. Anyone holding the record
// ID may read it, so it never carries claim artifacts or recipient details.
type Receipt struct {
	ID          uuid.UUID        `json:"id"`
	GiftName    string           `json:"gift_name"`
	Amount      decimal.Decimal  `json:"amount"`
	Disposition Disposition      `json:"disposition"`
	Status      SettlementStatus `json:"status"`
	CharityName *string          `json:"charity_name,omitempty"`
	CharityEIN  *string          `json:"charity_ein,omitempty"`
	BatchID     *uuid.UUID       `json:"batch_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// DonationBatchResult reports the outcome of flushing a charity's pending pool.
type DonationBatchResult struct {
	BatchID      string   `json:"batch_id"`
	CharityID    string   `json:"charity_id"`
	UpdatedCount int      `json:"updated_count"`
	EmailsSent   int      `json:"emails_sent"`
	Errors       []string `json:"errors"`
}
