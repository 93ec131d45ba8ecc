package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/groupgift/settlement-service/internal/domain"
	"github.com/groupgift/settlement-service/internal/store"
	"github.com/groupgift/settlement-service/pkg/rewards"
)

const defaultProviderTimeout = 30 * time.Second

// RewardChain is the ordered list of reward providers tried for an issuance.
type RewardChain struct {
	issuers  []rewards.Issuer
	currency string
	timeout  time.Duration
}

func NewRewardChain(currency string, timeout time.Duration, issuers ...rewards.Issuer) *RewardChain {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &RewardChain{issuers: issuers, currency: currency, timeout: timeout}
}

// Providers returns the provider names in chain order.
func (c *RewardChain) Providers() []string {
	names := make([]string, len(c.issuers))
	for i, issuer := range c.issuers {
		names[i] = issuer.Name()
	}
	return names
}

func (c *RewardChain) indexOf(name string) int {
	for i, issuer := range c.issuers {
		if issuer.Name() == name {
			return i
		}
	}
	return -1
}

// IssueResult is the outcome of one issuance attempt. Failure and Fallback are
// set when the record did not complete.
type IssueResult struct {
	Record   *domain.SettlementRecord `json:"record"`
	Failure  *rewards.Failure         `json:"failure,omitempty"`
	Fallback FallbackAction           `json:"fallback,omitempty"`
}

// Completed reports whether the record reached the completed state.
func (r *IssueResult) Completed() bool {
	return r.Record != nil && r.Record.Status == domain.StatusCompleted
}

func issuedThroughProvider(rec *domain.SettlementRecord) bool {
	switch rec.Disposition {
	case domain.DispositionGiftCard:
		return true
	case domain.DispositionRefund:
		return rec.RefundMethod != nil && *rec.RefundMethod == domain.RefundMethodCash
	}
	return false
}

// IssueReward issues (or re-issues) the reward for a pending gift card or cash
// refund record. Pending store credit refunds are credited instead. It is safe to call repeatedly: every provider call for a
// record uses a key derived from the record ID, and a retry resumes at the
// provider recorded on the record.
func (s *Service) IssueReward(ctx context.Context, recordID uuid.UUID) (*IssueResult, error) {
	rec, err := s.repo.FindSettlementByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, rec)
}

func (s *Service) issue(ctx context.Context, rec *domain.SettlementRecord) (*IssueResult, error) {
	if !issuedThroughProvider(rec) && !isCreditRefund(rec) {
		return nil, ErrNotIssuable
	}
	switch rec.Status {
	case domain.StatusCompleted:
		return &IssueResult{Record: rec}, nil
	case domain.StatusPending:
	default:
		return nil, ErrSettlementNotPending
	}
	if isCreditRefund(rec) {
		return s.settleCreditRefund(ctx, rec)
	}
	if rec.RecipientEmail == nil || strings.TrimSpace(*rec.RecipientEmail) == "" {
		return nil, ErrMissingRecipient
	}
	if s.chain == nil || len(s.chain.issuers) == 0 {
		return nil, ErrNoRewardProviders
	}

	start := 0
	if rec.Provider != nil {
		start = s.chain.indexOf(*rec.Provider)
		if start < 0 {
			// A provider that may already have issued is no longer configured.
			s.logger.Warn("recorded reward provider is not configured", "settlement_id", rec.ID, "provider", *rec.Provider)
			return &IssueResult{
				Record: rec,
				Failure: &rewards.Failure{
					Provider: *rec.Provider,
					Category: rewards.CategoryAmbiguous,
					Reason:   "recorded provider is not configured",
				},
				Fallback: FallbackManualReview,
			}, nil
		}
	}

	recipientName := ""
	if rec.RecipientName != nil {
		recipientName = *rec.RecipientName
	}

	for i := start; i < len(s.chain.issuers); i++ {
		issuer := s.chain.issuers[i]
		name := issuer.Name()

		if rec.Provider == nil || *rec.Provider != name {
			if err := s.repo.AssignSettlementProvider(ctx, rec.ID, name); err != nil {
				if errors.Is(err, store.ErrSettlementNotPending) {
					return s.reloadResult(ctx, rec.ID)
				}
				return nil, fmt.Errorf("assign provider %s: %w", name, err)
			}
			rec.Provider = &name
		}

		req := rewards.Request{
			Amount:         rec.Amount,
			Currency:       s.chain.currency,
			RecipientEmail: *rec.RecipientEmail,
			RecipientName:  recipientName,
			IdempotencyKey: issuer.IdempotencyKey(rec.ID),
		}

		// The caller going away must not abandon a call that may issue.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.chain.timeout)
		issued, err := issuer.Issue(callCtx, req)
		cancel()

		if err == nil {
			return s.completeIssued(ctx, rec, issued)
		}

		failure := rewards.AsFailure(name, err)
		action := DecideFallback(failure.Category, i+1 < len(s.chain.issuers))
		if action == FallbackSuggestStoreCredit && !storeCreditEligible(rec) {
			// Guest refunds have no ledger to credit.
			action = FallbackManualReview
		}
		s.logger.Warn("reward issuance failed",
			"settlement_id", rec.ID,
			"provider", name,
			"category", failure.Category,
			"reason", failure.Reason,
			"provider_error_code", failure.ProviderErrorCode,
			"fallback", action,
		)

		if action == FallbackNextProvider {
			continue
		}

		if failure.Definitive() {
			if err := s.repo.MarkSettlementFailed(ctx, rec.ID, failure.Reason, string(failure.Category)); err != nil {
				if errors.Is(err, store.ErrSettlementNotPending) {
					return s.reloadResult(ctx, rec.ID)
				}
				return nil, fmt.Errorf("mark settlement failed: %w", err)
			}
			rec.Status = domain.StatusFailed
			reason := failure.Reason
			code := string(failure.Category)
			rec.FailureReason = &reason
			rec.FailureCode = &code
		}
		return &IssueResult{Record: rec, Failure: failure, Fallback: action}, nil
	}

	return nil, ErrNoRewardProviders
}

func (s *Service) completeIssued(ctx context.Context, rec *domain.SettlementRecord, issued *rewards.Issued) (*IssueResult, error) {
	claim := issued.ClaimArtifact
	completion := domain.SettlementCompletion{ClaimArtifact: &claim}
	if issued.ProviderRequestID != "" {
		requestID := issued.ProviderRequestID
		completion.ProviderRequestID = &requestID
	}

	if err := s.repo.MarkSettlementCompleted(ctx, rec.ID, completion); err != nil {
		if errors.Is(err, store.ErrSettlementNotPending) {
			return s.reloadResult(ctx, rec.ID)
		}
		return nil, fmt.Errorf("mark settlement completed: %w", err)
	}

	completed, err := s.repo.FindSettlementByID(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("reward issued", "settlement_id", rec.ID, "provider", issued.Provider, "disposition", rec.Disposition)
	s.sendReceipt(ctx, completed)
	return &IssueResult{Record: completed}, nil
}

// reloadResult returns the current state of a record another caller moved.
func (s *Service) reloadResult(ctx context.Context, id uuid.UUID) (*IssueResult, error) {
	current, err := s.repo.FindSettlementByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.StatusCompleted {
		return &IssueResult{Record: current}, nil
	}
	return nil, ErrSettlementNotPending
}
