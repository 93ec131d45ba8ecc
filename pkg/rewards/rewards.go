/**
 * @description
 * This package defines the contract shared by all monetary reward providers:
 * the issue request, the success artifact, and a typed failure that classifies
 * what went wrong so the caller can pick a fallback.
 *
 * @notes
 * - A Failure in an ambiguous category means the provider may have issued the
 *   reward. The only safe follow-up is to resend with the same idempotency key.
 *
 * @dependencies
 * - github.com/shopspring/decimal: reward amounts.
 * - github.com/google/uuid: settlement IDs feeding idempotency keys.
 */
package rewards

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Category classifies a provider failure.
type Category string

const (
	CategoryBelowMinimum      Category = "below_minimum"
	CategoryAboveMaximum      Category = "above_maximum"
	CategoryInsufficientFunds Category = "insufficient_funds"
	CategoryDeclined          Category = "declined"
	CategoryAuthRejected      Category = "auth_rejected"
	CategoryDuplicate         Category = "duplicate_request"
	CategoryAmbiguous         Category = "ambiguous"
)

// Request asks a provider to issue one reward.
type Request struct {
	Amount         decimal.Decimal
	Currency       string
	RecipientEmail string
	RecipientName  string
	IdempotencyKey string
}

// Issued is a successful issuance.
type Issued struct {
	Provider          string `json:"provider"`
	ClaimArtifact     string `json:"claim_artifact"`
	ProviderRequestID string `json:"provider_request_id"`
}

// Failure is the typed error every provider returns for an unsuccessful issue.
type Failure struct {
	Provider          string   `json:"provider"`
	Category          Category `json:"category"`
	Reason            string   `json:"reason"`
	ProviderErrorCode string   `json:"provider_error_code,omitempty"`
	StatusCode        int      `json:"status_code,omitempty"`
	Err               error    `json:"-"`
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s reward failure (%s): %s", f.Provider, f.Category, f.Reason)
	if f.ProviderErrorCode != "" {
		msg += " [" + f.ProviderErrorCode + "]"
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Definitive reports whether the provider certainly did not issue the reward.
func (f *Failure) Definitive() bool {
	return f.Category != CategoryAmbiguous && f.Category != CategoryDuplicate
}

// Ambiguous wraps a transport-level error whose outcome is unknown.
func Ambiguous(provider string, err error) *Failure {
	return &Failure{Provider: provider, Category: CategoryAmbiguous, Reason: err.Error(), Err: err}
}

// AsFailure extracts a *Failure from err. Errors that are not failures are
// treated as ambiguous because nothing proves the provider did not act.
func AsFailure(provider string, err error) *Failure {
	if err == nil {
		return nil
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	return Ambiguous(provider, err)
}

// Issuer is implemented by every reward provider.
type Issuer interface {
	Name() string
	// IdempotencyKey derives the provider's request key for a settlement record.
	IdempotencyKey(settlementID uuid.UUID) string
	Issue(ctx context.Context, req Request) (*Issued, error)
}

// Limits bounds the amounts a provider accepts.
type Limits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Check validates amount against the limits without touching the network.
func (l Limits) Check(provider string, amount decimal.Decimal) error {
	if !l.Min.IsZero() && amount.LessThan(l.Min) {
		return &Failure{
			Provider: provider,
			Category: CategoryBelowMinimum,
			Reason:   fmt.Sprintf("amount %s is below the provider minimum of %s", amount.StringFixed(2), l.Min.StringFixed(2)),
		}
	}
	if !l.Max.IsZero() && amount.GreaterThan(l.Max) {
		return &Failure{
			Provider: provider,
			Category: CategoryAboveMaximum,
			Reason:   fmt.Sprintf("amount %s is above the provider maximum of %s", amount.StringFixed(2), l.Max.StringFixed(2)),
		}
	}
	return nil
}

// IdempotencyKey derives a deterministic request key from a settlement ID.
// The key is prefix followed by the ID's hex digits; when that would exceed
// maxLen the suffix becomes a truncated SHA-256 of the full key instead.
func IdempotencyKey(prefix string, settlementID uuid.UUID, maxLen int) string {
	key := prefix + strings.ReplaceAll(settlementID.String(), "-", "")
	if maxLen <= 0 || len(key) <= maxLen {
		return key
	}

	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])
	room := maxLen - len(prefix)
	if room < 16 {
		if maxLen > len(digest) {
			return digest
		}
		return digest[:maxLen]
	}
	return prefix + digest[:room]
}
