package app

import (
	"errors"

	"github.com/groupgift/settlement-service/internal/store"
)

var (
	ErrInvalidAmount       = errors.New("amount must be at least 0.01 with at most two decimal places")
	ErrInvalidDisposition  = errors.New("invalid disposition")
	ErrInvalidRefundMethod = errors.New("refund method must be cash or credit")
	ErrInvalidCreditType   = errors.New("credit can only be added as REFUND or BONUS")
	ErrUnknownCharity      = errors.New("unknown charity")
	ErrMissingRecipient    = errors.New("recipient email is required")
	ErrForbidden           = errors.New("user is not the organizer of this gift")
	ErrNoContributions     = errors.New("gift has no contributions to refund")
	ErrAllocationUnderflow = errors.New("refund pool is too small to allocate across contributors")
	ErrNotIssuable         = errors.New("settlement is not issued through a reward provider")
	ErrNotSupersedable     = errors.New("only failed gift card or cash refund settlements can be replaced with store credit")
	ErrNoRewardProviders   = errors.New("no reward providers configured")

	// Re-exported so callers of the app layer do not need to import store.
	ErrInsufficientBalance  = store.ErrInsufficientBalance
	ErrSettlementNotPending = store.ErrSettlementNotPending
)
