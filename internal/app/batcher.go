package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/groupgift/settlement-service/internal/domain"
	"github.com/groupgift/settlement-service/internal/store"
)

// DonationBatcher turns a charity's pooled settlements into one donation.
type DonationBatcher struct {
	repo               store.Repository
	notifier           Notifier
	logger             *slog.Logger
	notifyContributors bool
}

func NewDonationBatcher(repo store.Repository, notifier Notifier, logger *slog.Logger, notifyContributors bool) *DonationBatcher {
	return &DonationBatcher{
		repo:               repo,
		notifier:           notifier,
		logger:             logger,
		notifyContributors: notifyContributors,
	}
}

// SelectPending returns a charity's pooled records, oldest first.
func (b *DonationBatcher) SelectPending(ctx context.Context, charityID string) ([]domain.SettlementRecord, error) {
	if _, ok := domain.LookupCharity(charityID); !ok {
		return nil, ErrUnknownCharity
	}
	return b.repo.ListPendingPoolSettlements(ctx, charityID)
}

// ListPendingCharities returns every charity with at least one pooled record.
func (b *DonationBatcher) ListPendingCharities(ctx context.Context) ([]string, error) {
	return b.repo.ListPendingPoolCharityIDs(ctx)
}

type organizerImpact struct {
	email string
	name  string
	total decimal.Decimal
	gifts []map[string]any
}

// CompleteBatch completes every pooled record for a charity under a fresh
// batch ID and notifies the affected organizers. It is re-entrant: records
// already completed by an earlier or concurrent call are skipped, and a call
// with nothing pending is a no-op. Notification failures never roll back the
// batch; they are collected in the result.
func (b *DonationBatcher) CompleteBatch(ctx context.Context, charityID, charityName, receiptURL string) (*domain.DonationBatchResult, error) {
	charity, ok := domain.LookupCharity(charityID)
	if !ok {
		return nil, ErrUnknownCharity
	}
	if strings.TrimSpace(charityName) == "" {
		charityName = charity.Name
	}

	result := &domain.DonationBatchResult{CharityID: charityID, Errors: []string{}}

	pending, err := b.repo.ListPendingPoolSettlements(ctx, charityID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return result, nil
	}

	ids := make([]uuid.UUID, len(pending))
	for i, rec := range pending {
		ids[i] = rec.ID
	}

	batchID := uuid.New()
	updated, err := b.repo.CompletePendingPool(ctx, charityID, ids, batchID)
	if err != nil {
		return nil, fmt.Errorf("complete pending pool for %s: %w", charityID, err)
	}
	result.UpdatedCount = len(updated)
	if len(updated) == 0 {
		return result, nil
	}
	result.BatchID = batchID.String()

	total := decimal.Zero
	for _, rec := range updated {
		total = total.Add(rec.Amount)
	}
	b.logger.Info("charity donation batch completed",
		"batch_id", batchID,
		"charity_id", charityID,
		"records", len(updated),
		"total", total.StringFixed(2),
	)

	b.notifyBatch(ctx, result, charity, charityName, receiptURL, batchID, updated)
	return result, nil
}

func (b *DonationBatcher) notifyBatch(ctx context.Context, result *domain.DonationBatchResult, charity domain.Charity, charityName, receiptURL string, batchID uuid.UUID, updated []domain.SettlementRecord) {
	if b.notifier == nil {
		return
	}

	gifts := make(map[uuid.UUID]*domain.Gift)
	var organizerOrder []uuid.UUID
	impacts := make(map[uuid.UUID]*organizerImpact)

	for _, rec := range updated {
		gift, ok := gifts[rec.GiftID]
		if !ok {
			var err error
			gift, err = b.repo.FindGiftByID(ctx, rec.GiftID)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("gift %s: %v", rec.GiftID, err))
				continue
			}
			gifts[rec.GiftID] = gift
		}

		impact, ok := impacts[gift.OrganizerID]
		if !ok {
			impact = &organizerImpact{email: gift.OrganizerEmail, name: gift.OrganizerName, total: decimal.Zero}
			impacts[gift.OrganizerID] = impact
			organizerOrder = append(organizerOrder, gift.OrganizerID)
		}
		impact.total = impact.total.Add(rec.Amount)
		impact.gifts = append(impact.gifts, map[string]any{
			"settlement_id": rec.ID.String(),
			"gift_name":     gift.Name,
			"amount":        rec.Amount.StringFixed(2),
		})
	}

	for _, organizerID := range organizerOrder {
		impact := impacts[organizerID]
		notification := domain.EmailNotification{
			To:       impact.email,
			ToName:   impact.name,
			Template: domain.TemplateBatchImpact,
			Data: map[string]any{
				"batch_id":     batchID.String(),
				"charity_name": charityName,
				"charity_ein":  charity.EIN,
				"total_amount": impact.total.StringFixed(2),
				"gifts":        impact.gifts,
				"receipt_url":  receiptURL,
			},
			DeduplicateKey: fmt.Sprintf("batch_impact:%s:%s", batchID, organizerID),
		}
		if err := b.notifier.Send(ctx, notification); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("organizer %s: %v", organizerID, err))
			continue
		}
		result.EmailsSent++
	}

	if !b.notifyContributors {
		return
	}

	seen := make(map[string]bool)
	for _, rec := range updated {
		gift, ok := gifts[rec.GiftID]
		if !ok || seen["gift:"+gift.ID.String()] {
			continue
		}
		seen["gift:"+gift.ID.String()] = true

		contributions, err := b.repo.ListContributionsByGift(ctx, gift.ID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("contributions for gift %s: %v", gift.ID, err))
			continue
		}
		for _, c := range contributions {
			email := strings.ToLower(strings.TrimSpace(c.ContributorEmail))
			if email == "" || seen[email] {
				continue
			}
			seen[email] = true

			notification := domain.EmailNotification{
				To:       c.ContributorEmail,
				ToName:   c.ContributorName,
				Template: domain.TemplateContributorGratitude,
				Data: map[string]any{
					"batch_id":     batchID.String(),
					"gift_name":    gift.Name,
					"charity_name": charityName,
					"receipt_url":  receiptURL,
				},
				DeduplicateKey: fmt.Sprintf("contributor_gratitude:%s:%s", batchID, email),
			}
			if err := b.notifier.Send(ctx, notification); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("contributor %s: %v", email, err))
				continue
			}
			result.EmailsSent++
		}
	}
}
