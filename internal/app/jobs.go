/**
 * @description
 * Scheduled job implementations for the settlement-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/groupgift/settlement-service/internal/config"
	"github.com/groupgift/settlement-service/internal/domain"
)

const batchFlushTimeout = 5 * time.Minute

// BatchFlusher completes pooled charity donations.
type BatchFlusher interface {
	ListPendingCharities(ctx context.Context) ([]string, error)
	CompleteBatch(ctx context.Context, charityID, charityName, receiptURL string) (*domain.DonationBatchResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	batcher BatchFlusher
	logger  *slog.Logger
	config  config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(batcher BatchFlusher, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		batcher: batcher,
		logger:  logger,
		config:  cfg,
	}
}

// FlushCharityBatches completes one donation batch per charity with pooled
// settlements. A failure for one charity does not stop the others.
func (j *Jobs) FlushCharityBatches() {
	j.logger.Info("starting charity batch flush job")
	ctx, cancel := context.WithTimeout(context.Background(), batchFlushTimeout)
	defer cancel()

	charityIDs, err := j.batcher.ListPendingCharities(ctx)
	if err != nil {
		j.logger.Error("failed to list charities with pending donations", "error", err)
		return
	}
	if len(charityIDs) == 0 {
		j.logger.Info("no pending charity donations")
		return
	}

	for _, charityID := range charityIDs {
		result, err := j.batcher.CompleteBatch(ctx, charityID, "", "")
		if err != nil {
			j.logger.Error("failed to complete charity batch", "charity_id", charityID, "error", err)
			continue
		}
		j.logger.Info("charity batch flushed",
			"charity_id", charityID,
			"batch_id", result.BatchID,
			"updated", result.UpdatedCount,
			"emails_sent", result.EmailsSent,
			"errors", len(result.Errors),
		)
	}

	j.logger.Info("charity batch flush job finished", "charities", len(charityIDs))
}
