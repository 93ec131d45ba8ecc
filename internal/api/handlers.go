/**
 * @description
 * HTTP handlers for the settlement-service. Handlers parse requests, resolve the
 * caller, call the application service and map domain errors to status codes.
 *
 * @dependencies
 * - internal/app, internal/domain, internal/store: service logic, models and errors.
 * - github.com/shopspring/decimal: amounts in query strings and bodies.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/groupgift/settlement-service/internal/app"
	"github.com/groupgift/settlement-service/internal/domain"
	"github.com/groupgift/settlement-service/internal/money"
	"github.com/groupgift/settlement-service/internal/store"
)

// SettlementHandlers holds the services the handlers use.
type SettlementHandlers struct {
	service *app.Service
	batcher *app.DonationBatcher
}

// NewSettlementHandlers creates a new instance of SettlementHandlers.
func NewSettlementHandlers(service *app.Service, batcher *app.DonationBatcher) *SettlementHandlers {
	return &SettlementHandlers{service: service, batcher: batcher}
}

type quoteFeesRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	FeeCovered bool            `json:"fee_covered"`
}

type completeBatchRequest struct {
	CharityName string `json:"charity_name"`
	ReceiptURL  string `json:"receipt_url"`
}

type creditBalanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

// statusForError maps service and store errors to an HTTP status.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrGiftNotFound),
		errors.Is(err, store.ErrSettlementNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrSettlementNotPending),
		errors.Is(err, store.ErrPoolExceeded),
		errors.Is(err, store.ErrAlreadySuperseded),
		errors.Is(err, app.ErrNotSupersedable):
		return http.StatusConflict
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidDisposition),
		errors.Is(err, app.ErrInvalidRefundMethod),
		errors.Is(err, app.ErrInvalidCreditType),
		errors.Is(err, app.ErrUnknownCharity),
		errors.Is(err, app.ErrMissingRecipient),
		errors.Is(err, app.ErrNoContributions),
		errors.Is(err, app.ErrAllocationUnderflow),
		errors.Is(err, app.ErrNotIssuable),
		errors.Is(err, money.ErrNegativeAmount),
		errors.Is(err, money.ErrNegativePool),
		errors.Is(err, money.ErrFractionalCents),
		errors.Is(err, money.ErrNoWeights),
		errors.Is(err, money.ErrNonPositiveWeight):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrNoRewardProviders):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *SettlementHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		h.writeError(w, status, "Internal server error")
		return
	}
	log.Printf("level=warn component=api endpoint=%s outcome=reject status=%d err=%v", endpoint, status, err)
	h.writeError(w, status, err.Error())
}

// resolveUser maps the authenticated Clerk user to the internal user ID.
func (h *SettlementHandlers) resolveUser(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	clerkUserID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	userID, err := h.service.ResolveUserID(r.Context(), clerkUserID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=user_resolution_failed clerk_user_id=%s err=%v", endpoint, clerkUserID, err)
		if errors.Is(err, store.ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "User not found")
			return uuid.Nil, false
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *SettlementHandlers) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func (h *SettlementHandlers) decodeBody(w http.ResponseWriter, r *http.Request, endpoint string, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_json err=%v", endpoint, err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

// ListCharitiesHandler lists the charities a pool can be donated to.
func (h *SettlementHandlers) ListCharitiesHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, domain.Charities())
}

// QuoteFeesHandler prices a disbursement without creating anything.
func (h *SettlementHandlers) QuoteFeesHandler(w http.ResponseWriter, r *http.Request) {
	var req quoteFeesRequest
	if !h.decodeBody(w, r, "quote_fees", &req) {
		return
	}
	quote, err := h.service.QuoteFees(req.Amount, req.FeeCovered)
	if err != nil {
		h.writeServiceError(w, "quote_fees", err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

// CreateSettlementHandler settles part or all of a gift pool.
func (h *SettlementHandlers) CreateSettlementHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "create_settlement")
	if !ok {
		return
	}
	giftID, ok := h.uuidParam(w, r, "giftID")
	if !ok {
		return
	}
	var req domain.SettlementRequest
	if !h.decodeBody(w, r, "create_settlement", &req) {
		return
	}

	log.Printf("level=info component=api endpoint=create_settlement outcome=accepted user_id=%s gift_id=%s disposition=%s amount=%s", userID, giftID, req.Disposition, req.Amount.StringFixed(2))

	outcome, err := h.service.CreateSettlement(r.Context(), userID, giftID, req)
	if err != nil {
		h.writeServiceError(w, "create_settlement", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, outcome)
}

// ListSettlementsHandler lists every settlement record of a gift.
func (h *SettlementHandlers) ListSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "list_settlements")
	if !ok {
		return
	}
	giftID, ok := h.uuidParam(w, r, "giftID")
	if !ok {
		return
	}
	records, err := h.service.ListSettlements(r.Context(), userID, giftID)
	if err != nil {
		h.writeServiceError(w, "list_settlements", err)
		return
	}
	if records == nil {
		records = []domain.SettlementRecord{}
	}
	h.writeJSON(w, http.StatusOK, records)
}

// RefundPreviewHandler shows how a refund pool would split across contributors.
func (h *SettlementHandlers) RefundPreviewHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "refund_preview")
	if !ok {
		return
	}
	giftID, ok := h.uuidParam(w, r, "giftID")
	if !ok {
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(r.URL.Query().Get("amount")))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid amount")
		return
	}
	shares, err := h.service.PreviewRefund(r.Context(), userID, giftID, amount)
	if err != nil {
		h.writeServiceError(w, "refund_preview", err)
		return
	}
	h.writeJSON(w, http.StatusOK, shares)
}

// GetSettlementHandler returns the organizer's full view of one record.
func (h *SettlementHandlers) GetSettlementHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "get_settlement")
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.service.GetSettlement(r.Context(), userID, id)
	if err != nil {
		h.writeServiceError(w, "get_settlement", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// IssueSettlementHandler retries issuance of a pending record.
func (h *SettlementHandlers) IssueSettlementHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "issue_settlement")
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	// Ownership check before touching the provider.
	if _, err := h.service.GetSettlement(r.Context(), userID, id); err != nil {
		h.writeServiceError(w, "issue_settlement", err)
		return
	}
	result, err := h.service.IssueReward(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "issue_settlement", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// StoreCreditHandler replaces a failed record with store credit.
func (h *SettlementHandlers) StoreCreditHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "store_credit")
	if !ok {
		return
	}
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.service.SupersedeWithStoreCredit(r.Context(), userID, id)
	if err != nil {
		h.writeServiceError(w, "store_credit", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rec)
}

// GetReceiptHandler serves the public receipt for a record.
func (h *SettlementHandlers) GetReceiptHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}
	receipt, err := h.service.GetReceipt(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get_receipt", err)
		return
	}
	h.writeJSON(w, http.StatusOK, receipt)
}

// CreditBalanceHandler returns the caller's store credit balance.
func (h *SettlementHandlers) CreditBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "credit_balance")
	if !ok {
		return
	}
	balance, err := h.service.Ledger().Balance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "credit_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, creditBalanceResponse{Balance: balance})
}

// CreditHistoryHandler returns the caller's ledger entries, newest first.
func (h *SettlementHandlers) CreditHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "credit_history")
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}
	history, err := h.service.Ledger().History(r.Context(), userID, limit)
	if err != nil {
		h.writeServiceError(w, "credit_history", err)
		return
	}
	if history == nil {
		history = []domain.CreditTransaction{}
	}
	h.writeJSON(w, http.StatusOK, history)
}

// SpendCreditHandler debits store credit at checkout.
func (h *SettlementHandlers) SpendCreditHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.resolveUser(w, r, "spend_credit")
	if !ok {
		return
	}
	var req domain.SpendCreditRequest
	if !h.decodeBody(w, r, "spend_credit", &req) {
		return
	}
	txn, err := h.service.Ledger().Spend(r.Context(), userID, req.Amount, req.GiftID)
	if err != nil {
		h.writeServiceError(w, "spend_credit", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txn)
}

// ListPendingDonationsHandler lists a charity's pooled records.
func (h *SettlementHandlers) ListPendingDonationsHandler(w http.ResponseWriter, r *http.Request) {
	charityID := strings.TrimSpace(chi.URLParam(r, "charityID"))
	records, err := h.batcher.SelectPending(r.Context(), charityID)
	if err != nil {
		h.writeServiceError(w, "list_pending_donations", err)
		return
	}
	if records == nil {
		records = []domain.SettlementRecord{}
	}
	h.writeJSON(w, http.StatusOK, records)
}

// CompleteBatchHandler completes a charity's pooled donations as one batch.
func (h *SettlementHandlers) CompleteBatchHandler(w http.ResponseWriter, r *http.Request) {
	charityID := strings.TrimSpace(chi.URLParam(r, "charityID"))
	var req completeBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	result, err := h.batcher.CompleteBatch(r.Context(), charityID, req.CharityName, req.ReceiptURL)
	if err != nil {
		h.writeServiceError(w, "complete_batch", err)
		return
	}
	log.Printf("level=info component=api endpoint=complete_batch outcome=completed charity_id=%s batch_id=%s updated=%d", charityID, result.BatchID, result.UpdatedCount)
	h.writeJSON(w, http.StatusOK, result)
}

// GrantBonusCreditHandler adds promotional credit to a user.
func (h *SettlementHandlers) GrantBonusCreditHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.uuidParam(w, r, "userID")
	if !ok {
		return
	}
	var req domain.BonusCreditRequest
	if !h.decodeBody(w, r, "grant_bonus_credit", &req) {
		return
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		metadata["reason"] = reason
	}
	txn, err := h.service.Ledger().Add(r.Context(), store.CreditEntry{
		UserID:   userID,
		Amount:   req.Amount,
		Type:     domain.CreditBonus,
		Metadata: metadata,
	})
	if err != nil {
		h.writeServiceError(w, "grant_bonus_credit", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txn)
}

// writeJSON is a helper for writing JSON responses.
func (h *SettlementHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *SettlementHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
