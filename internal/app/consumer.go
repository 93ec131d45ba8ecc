package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// BatchRequestedRoutingKey asks the service to flush a charity's pool now.
const BatchRequestedRoutingKey = "settlement.charity_batch.requested"

type batchRequestedEvent struct {
	CharityID  string `json:"charity_id"`
	ReceiptURL string `json:"receipt_url"`
}

// BatchRequestConsumer handles on-demand charity batch commands.
type BatchRequestConsumer struct {
	batcher BatchFlusher
	logger  *slog.Logger
}

func NewBatchRequestConsumer(batcher BatchFlusher, logger *slog.Logger) *BatchRequestConsumer {
	return &BatchRequestConsumer{batcher: batcher, logger: logger}
}

// HandleMessage processes one command. It returns false only for failures
// worth retrying; malformed or unknown commands are dropped.
func (c *BatchRequestConsumer) HandleMessage(body []byte) bool {
	var event batchRequestedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("failed to unmarshal charity batch request; dropping", "error", err)
		return true
	}
	event.CharityID = strings.TrimSpace(event.CharityID)
	if event.CharityID == "" {
		c.logger.Warn("charity batch request without charity_id; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := c.batcher.CompleteBatch(ctx, event.CharityID, "", strings.TrimSpace(event.ReceiptURL))
	if err != nil {
		if errors.Is(err, ErrUnknownCharity) {
			c.logger.Warn("charity batch request for unknown charity; dropping", "charity_id", event.CharityID)
			return true
		}
		c.logger.Error("charity batch request failed; will retry", "charity_id", event.CharityID, "error", err)
		return false
	}

	c.logger.Info("charity batch request processed",
		"charity_id", event.CharityID,
		"batch_id", result.BatchID,
		"updated", result.UpdatedCount,
		"emails_sent", result.EmailsSent,
	)
	return true
}
