package app

import "github.com/groupgift/settlement-service/pkg/rewards"

// FallbackAction is what should happen after a reward provider failure.
type FallbackAction string

const (
	FallbackSuggestTip         FallbackAction = "suggest_tip"
	FallbackNextProvider       FallbackAction = "next_provider"
	FallbackSuggestStoreCredit FallbackAction = "suggest_store_credit"
	FallbackManualReview       FallbackAction = "manual_review"
	FallbackRetrySameKey       FallbackAction = "retry_same_key"
)

// DecideFallback maps a failure category to the next action. Only
// FallbackNextProvider is executed by the engine; the rest are returned to
// the caller.
func DecideFallback(category rewards.Category, hasNextProvider bool) FallbackAction {
	switch category {
	case rewards.CategoryBelowMinimum:
		return FallbackSuggestTip
	case rewards.CategoryAboveMaximum,
		rewards.CategoryInsufficientFunds,
		rewards.CategoryDeclined,
		rewards.CategoryAuthRejected:
		if hasNextProvider {
			return FallbackNextProvider
		}
		return FallbackSuggestStoreCredit
	case rewards.CategoryDuplicate:
		return FallbackManualReview
	default:
		return FallbackRetrySameKey
	}
}
