/**
 * @description
 * Core business logic for settling a gift pool's leftover balance: pricing,
 * record creation, refund allocation, reward issuance and store credit.
 *
 * @notes
 * - Every disbursement is a settlement record persisted before any money moves.
 *   The status flip is always the last step, so a crash leaves a pending record
 *   that IssueReward can resume.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/groupgift/settlement-service/internal/domain"
	"github.com/groupgift/settlement-service/internal/money"
	"github.com/groupgift/settlement-service/internal/store"
	"github.com/groupgift/settlement-service/pkg/rewards"
)

// Service provides the business logic for settlements.
type Service struct {
	repo           store.Repository
	fees           money.FeeCalculator
	ledger         *CreditLedger
	chain          *RewardChain
	notifier       Notifier
	logger         *slog.Logger
	receiptBaseURL string
}

// NewService creates a new settlement service.
func NewService(repo store.Repository, fees money.FeeCalculator, chain *RewardChain, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		fees:     fees,
		ledger:   NewCreditLedger(repo),
		chain:    chain,
		notifier: notifier,
		logger:   logger,
	}
}

// SetReceiptBaseURL sets the public URL receipts are linked from.
func (s *Service) SetReceiptBaseURL(baseURL string) {
	s.receiptBaseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
}

// Ledger exposes the store credit ledger.
func (s *Service) Ledger() *CreditLedger {
	return s.ledger
}

// SettlementFailure describes a record whose reward did not complete.
type SettlementFailure struct {
	SettlementID uuid.UUID        `json:"settlement_id"`
	Failure      *rewards.Failure `json:"failure"`
	Fallback     FallbackAction   `json:"fallback,omitempty"`
}

// SettlementOutcome is the result of CreateSettlement.
type SettlementOutcome struct {
	Records  []*domain.SettlementRecord `json:"records"`
	Failures []SettlementFailure        `json:"failures,omitempty"`
	Errors   []string                   `json:"errors,omitempty"`
}

func (o *SettlementOutcome) addIssueResult(result *IssueResult) {
	o.Records = append(o.Records, result.Record)
	if result.Failure != nil {
		o.Failures = append(o.Failures, SettlementFailure{
			SettlementID: result.Record.ID,
			Failure:      result.Failure,
			Fallback:     result.Fallback,
		})
	}
}

// ResolveUserID maps a Clerk user ID to the internal user ID.
func (s *Service) ResolveUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	if strings.TrimSpace(clerkUserID) == "" {
		return uuid.Nil, store.ErrUserNotFound
	}
	return s.repo.FindUserIDByClerkUserID(ctx, clerkUserID)
}

// QuoteFees prices a disbursement without persisting anything.
func (s *Service) QuoteFees(amount decimal.Decimal, feeCovered bool) (money.Disbursement, error) {
	if err := validateAmount(amount); err != nil {
		return money.Disbursement{}, err
	}
	return s.fees.Quote(amount, feeCovered)
}

func (s *Service) organizedGift(ctx context.Context, actorUserID, giftID uuid.UUID) (*domain.Gift, error) {
	gift, err := s.repo.FindGiftByID(ctx, giftID)
	if err != nil {
		return nil, err
	}
	if gift.OrganizerID != actorUserID {
		return nil, ErrForbidden
	}
	return gift, nil
}

// CreateSettlement settles part of a gift's leftover pool.
func (s *Service) CreateSettlement(ctx context.Context, actorUserID, giftID uuid.UUID, req domain.SettlementRequest) (*SettlementOutcome, error) {
	if !req.Disposition.Valid() {
		return nil, ErrInvalidDisposition
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}

	gift, err := s.organizedGift(ctx, actorUserID, giftID)
	if err != nil {
		return nil, err
	}

	switch req.Disposition {
	case domain.DispositionGiftCard:
		return s.createGiftCard(ctx, actorUserID, gift, req)
	case domain.DispositionCharity:
		return s.createCharity(ctx, actorUserID, gift, req)
	case domain.DispositionTip:
		return s.createTip(ctx, actorUserID, gift, req)
	default:
		return s.createRefund(ctx, actorUserID, gift, req)
	}
}

func (s *Service) priced(req domain.SettlementRequest) (money.Disbursement, error) {
	if !req.Disposition.FeeAware() {
		return money.Disbursement{NetToRecipient: req.Amount, TotalCharged: req.Amount, Fee: decimal.Zero}, nil
	}
	disbursement := s.fees.ComputeDisbursement(req.Amount, req.FeeCovered)
	if disbursement.NetToRecipient.LessThan(minCreditAmount) {
		// The fee would consume the whole amount.
		return money.Disbursement{}, ErrInvalidAmount
	}
	return disbursement, nil
}

func newRecord(actorUserID, giftID uuid.UUID, disposition domain.Disposition, status domain.SettlementStatus) *domain.SettlementRecord {
	return &domain.SettlementRecord{
		ID:          uuid.New(),
		GiftID:      giftID,
		CreatedBy:   actorUserID,
		Disposition: disposition,
		Status:      status,
	}
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func (s *Service) createGiftCard(ctx context.Context, actorUserID uuid.UUID, gift *domain.Gift, req domain.SettlementRequest) (*SettlementOutcome, error) {
	email := optionalString(req.RecipientEmail)
	if email == nil {
		return nil, ErrMissingRecipient
	}
	disbursement, err := s.priced(req)
	if err != nil {
		return nil, err
	}

	rec := newRecord(actorUserID, gift.ID, domain.DispositionGiftCard, domain.StatusPending)
	rec.Amount = disbursement.NetToRecipient
	rec.TotalCharged = disbursement.TotalCharged
	rec.TransactionFee = disbursement.Fee
	rec.FeeCovered = req.FeeCovered
	rec.RecipientEmail = email
	rec.RecipientName = optionalString(req.RecipientName)

	if err := s.repo.CreateSettlements(ctx, []*domain.SettlementRecord{rec}); err != nil {
		return nil, err
	}
	s.logger.Info("gift card settlement created", "settlement_id", rec.ID, "gift_id", gift.ID, "amount", rec.Amount.StringFixed(2))

	result, err := s.issue(ctx, rec)
	if err != nil {
		return nil, err
	}
	outcome := &SettlementOutcome{}
	outcome.addIssueResult(result)
	return outcome, nil
}

func (s *Service) createCharity(ctx context.Context, actorUserID uuid.UUID, gift *domain.Gift, req domain.SettlementRequest) (*SettlementOutcome, error) {
	charity, ok := domain.LookupCharity(strings.TrimSpace(req.CharityID))
	if !ok {
		return nil, ErrUnknownCharity
	}
	disbursement, err := s.priced(req)
	if err != nil {
		return nil, err
	}

	rec := newRecord(actorUserID, gift.ID, domain.DispositionCharity, domain.StatusPendingPool)
	rec.Amount = disbursement.NetToRecipient
	rec.TotalCharged = disbursement.TotalCharged
	rec.TransactionFee = disbursement.Fee
	rec.FeeCovered = req.FeeCovered
	rec.CharityID = &charity.ID
	rec.CharityName = &charity.Name

	if err := s.repo.CreateSettlements(ctx, []*domain.SettlementRecord{rec}); err != nil {
		return nil, err
	}
	s.logger.Info("charity settlement pooled", "settlement_id", rec.ID, "gift_id", gift.ID, "charity_id", charity.ID)
	s.sendReceiptForGift(ctx, gift, rec)
	return &SettlementOutcome{Records: []*domain.SettlementRecord{rec}}, nil
}

func (s *Service) createTip(ctx context.Context, actorUserID uuid.UUID, gift *domain.Gift, req domain.SettlementRequest) (*SettlementOutcome, error) {
	// Tips stay with the platform, so no processor fee applies.
	disbursement, err := s.priced(req)
	if err != nil {
		return nil, err
	}
	rec := newRecord(actorUserID, gift.ID, domain.DispositionTip, domain.StatusPending)
	rec.Amount = disbursement.NetToRecipient
	rec.TotalCharged = disbursement.TotalCharged

	if err := s.repo.CreateSettlements(ctx, []*domain.SettlementRecord{rec}); err != nil {
		return nil, err
	}
	if err := s.repo.MarkSettlementCompleted(ctx, rec.ID, domain.SettlementCompletion{}); err != nil {
		return nil, fmt.Errorf("complete tip %s: %w", rec.ID, err)
	}
	completed, err := s.repo.FindSettlementByID(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("tip settlement completed", "settlement_id", rec.ID, "gift_id", gift.ID)
	s.sendReceiptForGift(ctx, gift, completed)
	return &SettlementOutcome{Records: []*domain.SettlementRecord{completed}}, nil
}

func (s *Service) createRefund(ctx context.Context, actorUserID uuid.UUID, gift *domain.Gift, req domain.SettlementRequest) (*SettlementOutcome, error) {
	method := req.RefundMethod
	if method == "" {
		method = domain.RefundMethodCash
	}
	if method != domain.RefundMethodCash && method != domain.RefundMethodCredit {
		return nil, ErrInvalidRefundMethod
	}

	shares, err := s.allocateRefund(ctx, gift.ID, req.Amount)
	if err != nil {
		return nil, err
	}

	records := make([]*domain.SettlementRecord, 0, len(shares))
	for _, share := range shares {
		if share.EstimatedShare.IsZero() {
			continue
		}
		rec := newRecord(actorUserID, gift.ID, domain.DispositionRefund, domain.StatusPending)
		rec.Amount = share.EstimatedShare
		rec.TotalCharged = share.EstimatedShare
		rec.RecipientUserID = share.ContributorUserID
		rec.RecipientEmail = optionalString(share.ContributorEmail)
		rec.RecipientName = optionalString(share.ContributorName)

		// Credit needs an account to land in; guests are refunded in cash.
		childMethod := method
		if childMethod == domain.RefundMethodCredit && share.ContributorUserID == nil {
			childMethod = domain.RefundMethodCash
		}
		if childMethod == domain.RefundMethodCash && rec.RecipientEmail == nil {
			return nil, fmt.Errorf("contributor %s: %w", share.ContributorID, ErrMissingRecipient)
		}
		rec.RefundMethod = &childMethod
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, ErrAllocationUnderflow
	}

	if err := s.repo.CreateSettlements(ctx, records); err != nil {
		return nil, err
	}
	s.logger.Info("refund settlements created", "gift_id", gift.ID, "records", len(records), "pool", req.Amount.StringFixed(2), "method", method)

	outcome := &SettlementOutcome{}
	for _, rec := range records {
		result, err := s.issue(ctx, rec)
		if err != nil {
			// The record stays pending and can be resumed with IssueReward.
			s.logger.Error("refund disbursement failed", "settlement_id", rec.ID, "error", err)
			outcome.Records = append(outcome.Records, rec)
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("settlement %s: %v", rec.ID, err))
			continue
		}
		outcome.addIssueResult(result)
	}
	return outcome, nil
}

// PreviewRefund returns each contributor's share of pool without persisting
// anything. Shares are recomputed from the contribution rows on every call.
func (s *Service) PreviewRefund(ctx context.Context, actorUserID, giftID uuid.UUID, pool decimal.Decimal) ([]domain.ContributionShare, error) {
	if err := validateAmount(pool); err != nil {
		return nil, err
	}
	if _, err := s.organizedGift(ctx, actorUserID, giftID); err != nil {
		return nil, err
	}
	return s.allocateRefund(ctx, giftID, pool)
}

func (s *Service) allocateRefund(ctx context.Context, giftID uuid.UUID, pool decimal.Decimal) ([]domain.ContributionShare, error) {
	contributions, err := s.repo.ListContributionsByGift(ctx, giftID)
	if err != nil {
		return nil, err
	}
	if len(contributions) == 0 {
		return nil, ErrNoContributions
	}

	// One share per contributor, ordered by their first contribution.
	var order []string
	totals := make(map[string]*domain.ContributionShare)
	for _, c := range contributions {
		key := c.ID.String()
		switch {
		case c.ContributorUserID != nil:
			key = "user:" + c.ContributorUserID.String()
		case strings.TrimSpace(c.ContributorEmail) != "":
			key = "email:" + strings.ToLower(strings.TrimSpace(c.ContributorEmail))
		}
		t, ok := totals[key]
		if !ok {
			contributorID := c.ID
			if c.ContributorUserID != nil {
				contributorID = *c.ContributorUserID
			}
			t = &domain.ContributionShare{
				ContributorID:     contributorID,
				ContributorUserID: c.ContributorUserID,
				ContributorEmail:  c.ContributorEmail,
				ContributorName:   c.ContributorName,
				OriginalAmount:    decimal.Zero,
			}
			totals[key] = t
			order = append(order, key)
		}
		t.OriginalAmount = t.OriginalAmount.Add(c.Amount)
	}

	weights := make([]money.Weight, len(order))
	for i, key := range order {
		weights[i] = money.Weight{ID: key, Weight: totals[key].OriginalAmount}
	}
	allocated, err := money.Allocate(pool, weights)
	if err != nil {
		return nil, err
	}

	shares := make([]domain.ContributionShare, len(allocated))
	for i, a := range allocated {
		if a.Share.IsNegative() {
			return nil, ErrAllocationUnderflow
		}
		share := *totals[a.ID]
		share.EstimatedShare = a.Share
		shares[i] = share
	}
	return shares, nil
}

func isCreditRefund(rec *domain.SettlementRecord) bool {
	return rec.Disposition == domain.DispositionRefund &&
		rec.RefundMethod != nil && *rec.RefundMethod == domain.RefundMethodCredit
}

// settleCreditRefund credits a pending refund/credit record to its recipient.
// The ledger entry is keyed by the settlement ID, so a resumed call never
// credits twice.
func (s *Service) settleCreditRefund(ctx context.Context, rec *domain.SettlementRecord) (*IssueResult, error) {
	if rec.RecipientUserID == nil {
		return nil, ErrMissingRecipient
	}

	_, err := s.ledger.Add(ctx, store.CreditEntry{
		UserID:        *rec.RecipientUserID,
		Amount:        rec.Amount,
		Type:          domain.CreditRefund,
		RelatedGiftID: &rec.GiftID,
		SettlementID:  &rec.ID,
		Metadata:      creditMetadata(rec),
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateCredit) {
		return nil, fmt.Errorf("credit refund %s: %w", rec.ID, err)
	}

	if err := s.repo.MarkSettlementCompleted(ctx, rec.ID, domain.SettlementCompletion{}); err != nil {
		if errors.Is(err, store.ErrSettlementNotPending) {
			return s.reloadResult(ctx, rec.ID)
		}
		return nil, fmt.Errorf("mark settlement completed: %w", err)
	}
	completed, err := s.repo.FindSettlementByID(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("store credit refunded", "settlement_id", rec.ID, "user_id", *rec.RecipientUserID, "amount", rec.Amount.StringFixed(2))
	s.sendReceipt(ctx, completed)
	return &IssueResult{Record: completed}, nil
}

func creditMetadata(rec *domain.SettlementRecord) map[string]any {
	metadata := map[string]any{
		"settlement_id": rec.ID.String(),
		"source":        "gift_refund",
	}
	if rec.SupersedesID != nil {
		metadata["source"] = "store_credit_fallback"
		metadata["supersedes_id"] = rec.SupersedesID.String()
	}
	return metadata
}

// storeCreditEligible reports whether a store credit replacement has an
// account to land in. Gift cards fall back to the organizer; a refund belongs
// to its contributor and a guest contributor has no ledger.
func storeCreditEligible(rec *domain.SettlementRecord) bool {
	if rec.Disposition == domain.DispositionRefund {
		return rec.RecipientUserID != nil
	}
	return rec.Disposition == domain.DispositionGiftCard
}

func supersedable(rec *domain.SettlementRecord) bool {
	if rec.Status != domain.StatusFailed {
		return false
	}
	return issuedThroughProvider(rec) && storeCreditEligible(rec)
}

// SupersedeWithStoreCredit replaces a failed gift card or cash refund record
// with a completed store credit refund for the same gross amount. A refund is
// credited to its contributor's account and is not supersedable for guests; a
// gift card is credited to its recipient's account, or to the organizer when
// the recipient has none. Calling it again returns the existing replacement.
func (s *Service) SupersedeWithStoreCredit(ctx context.Context, actorUserID, recordID uuid.UUID) (*domain.SettlementRecord, error) {
	failed, err := s.repo.FindSettlementByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if _, err := s.organizedGift(ctx, actorUserID, failed.GiftID); err != nil {
		return nil, err
	}

	replacement, err := s.repo.FindSupersedingSettlement(ctx, failed.ID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrSettlementNotFound):
		if !supersedable(failed) {
			return nil, ErrNotSupersedable
		}
		replacement, err = s.createReplacement(ctx, actorUserID, failed)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if replacement.Status == domain.StatusCompleted {
		return replacement, nil
	}
	result, err := s.settleCreditRefund(ctx, replacement)
	if err != nil {
		return nil, err
	}
	return result.Record, nil
}

func (s *Service) createReplacement(ctx context.Context, actorUserID uuid.UUID, failed *domain.SettlementRecord) (*domain.SettlementRecord, error) {
	recipientID := failed.CreatedBy
	if failed.RecipientUserID != nil {
		recipientID = *failed.RecipientUserID
	}
	recipient, err := s.repo.FindUserByID(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("load store credit recipient: %w", err)
	}

	method := domain.RefundMethodCredit
	rec := newRecord(actorUserID, failed.GiftID, domain.DispositionRefund, domain.StatusPending)
	// Store credit carries no processor fee, so the full gross amount is credited.
	rec.Amount = failed.TotalCharged
	rec.TotalCharged = failed.TotalCharged
	rec.RefundMethod = &method
	rec.RecipientUserID = &recipient.ID
	rec.RecipientEmail = optionalString(recipient.Email)
	rec.RecipientName = optionalString(recipient.FullName)
	rec.SupersedesID = &failed.ID

	if err := s.repo.CreateSettlements(ctx, []*domain.SettlementRecord{rec}); err != nil {
		if errors.Is(err, store.ErrAlreadySuperseded) {
			return s.repo.FindSupersedingSettlement(ctx, failed.ID)
		}
		return nil, err
	}
	s.logger.Info("failed settlement superseded with store credit", "settlement_id", rec.ID, "supersedes_id", failed.ID)
	return rec, nil
}

// GetSettlement returns the full record, claim artifact included, to the gift's organizer.
func (s *Service) GetSettlement(ctx context.Context, actorUserID, id uuid.UUID) (*domain.SettlementRecord, error) {
	rec, err := s.repo.FindSettlementByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.organizedGift(ctx, actorUserID, rec.GiftID); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListSettlements returns every record for a gift, oldest first.
func (s *Service) ListSettlements(ctx context.Context, actorUserID, giftID uuid.UUID) ([]domain.SettlementRecord, error) {
	if _, err := s.organizedGift(ctx, actorUserID, giftID); err != nil {
		return nil, err
	}
	return s.repo.ListSettlementsByGift(ctx, giftID)
}

// GetReceipt returns the public view of a record.
func (s *Service) GetReceipt(ctx context.Context, id uuid.UUID) (*domain.Receipt, error) {
	rec, err := s.repo.FindSettlementByID(ctx, id)
	if err != nil {
		return nil, err
	}
	gift, err := s.repo.FindGiftByID(ctx, rec.GiftID)
	if err != nil {
		return nil, err
	}
	return buildReceipt(rec, gift), nil
}

func buildReceipt(rec *domain.SettlementRecord, gift *domain.Gift) *domain.Receipt {
	receipt := &domain.Receipt{
		ID:          rec.ID,
		GiftName:    gift.Name,
		Amount:      rec.Amount,
		Disposition: rec.Disposition,
		Status:      rec.Status,
		CharityName: rec.CharityName,
		BatchID:     rec.BatchID,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}
	if rec.CharityID != nil {
		if charity, ok := domain.LookupCharity(*rec.CharityID); ok {
			ein := charity.EIN
			receipt.CharityEIN = &ein
		}
	}
	return receipt
}

func (s *Service) receiptURL(id uuid.UUID) string {
	if s.receiptBaseURL == "" {
		return ""
	}
	return s.receiptBaseURL + "/" + id.String()
}

// sendReceipt notifies about a record's current state. Failures are logged
// and never affect the record.
func (s *Service) sendReceipt(ctx context.Context, rec *domain.SettlementRecord) {
	gift, err := s.repo.FindGiftByID(ctx, rec.GiftID)
	if err != nil {
		s.logger.Warn("receipt skipped: gift lookup failed", "settlement_id", rec.ID, "error", err)
		return
	}
	s.sendReceiptForGift(ctx, gift, rec)
}

func (s *Service) sendReceiptForGift(ctx context.Context, gift *domain.Gift, rec *domain.SettlementRecord) {
	if s.notifier == nil {
		return
	}

	to, toName := gift.OrganizerEmail, gift.OrganizerName
	if rec.Disposition == domain.DispositionRefund && rec.RecipientEmail != nil {
		to = *rec.RecipientEmail
		toName = ""
		if rec.RecipientName != nil {
			toName = *rec.RecipientName
		}
	}

	data := map[string]any{
		"settlement_id": rec.ID.String(),
		"gift_name":     gift.Name,
		"amount":        rec.Amount.StringFixed(2),
		"disposition":   string(rec.Disposition),
		"status":        string(rec.Status),
		"receipt_url":   s.receiptURL(rec.ID),
	}
	if rec.CharityName != nil {
		data["charity_name"] = *rec.CharityName
	}
	if rec.FeeCovered || !rec.TransactionFee.IsZero() {
		data["transaction_fee"] = rec.TransactionFee.StringFixed(2)
		data["total_charged"] = rec.TotalCharged.StringFixed(2)
	}

	notification := domain.EmailNotification{
		To:             to,
		ToName:         toName,
		Template:       domain.TemplateSettlementReceipt,
		Data:           data,
		DeduplicateKey: fmt.Sprintf("settlement_receipt:%s:%s", rec.ID, rec.Status),
	}
	if err := s.notifier.Send(ctx, notification); err != nil {
		s.logger.Warn("failed to send settlement receipt", "settlement_id", rec.ID, "error", err)
	}
}
