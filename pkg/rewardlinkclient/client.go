/**
 * @description
 * This package provides a client for an order-based cash-reward provider. An
 * order delivers a claimable link; when the order response omits the link, a
 * follow-up generate_link call on the reward fetches it. The order's
 * external_id carries the idempotency key so a resent order is recognised.
 *
 * @dependencies
 * - golang.org/x/oauth2: bearer token transport for the provider API key.
 * - pkg/rewards: shared reward issuance contract.
 */
package rewardlinkclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/groupgift/settlement-service/pkg/rewards"
	"golang.org/x/oauth2"
)

const (
	// ProviderName identifies this provider on settlement records.
	ProviderName = "rewardlink"

	externalIDPrefix    = "gg-"
	maxExternalIDLength = 64
)

// Client is a client for the cash-reward order API.
type Client struct {
	BaseURL         string
	FundingSourceID string
	CampaignID      string
	Currency        string
	Limits          rewards.Limits
	HTTPClient      *http.Client
}

// NewClient creates a new cash-reward client authenticating with a bearer API key.
func NewClient(baseURL, apiKey, fundingSourceID, campaignID, currency string, limits rewards.Limits, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := &http.Client{Timeout: timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: apiKey,
		TokenType:   "Bearer",
	}))
	httpClient.Timeout = timeout

	return &Client{
		BaseURL:         strings.TrimSuffix(baseURL, "/"),
		FundingSourceID: fundingSourceID,
		CampaignID:      campaignID,
		Currency:        currency,
		Limits:          limits,
		HTTPClient:      httpClient,
	}
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	ExternalID string       `json:"external_id"`
	Payment    OrderPayment `json:"payment"`
	Reward     OrderReward  `json:"reward"`
}

type OrderPayment struct {
	FundingSourceID string `json:"funding_source_id"`
}

type OrderReward struct {
	CampaignID string         `json:"campaign_id"`
	Value      RewardValue    `json:"value"`
	Recipient  RewardContact  `json:"recipient"`
	Delivery   RewardDelivery `json:"delivery"`
}

type RewardValue struct {
	Denomination json.Number `json:"denomination"`
	CurrencyCode string      `json:"currency_code"`
}

type RewardContact struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type RewardDelivery struct {
	Method string `json:"method"`
	Status string `json:"status,omitempty"`
	Link   string `json:"link,omitempty"`
}

// OrderResponse is the provider's reply to a created order.
type OrderResponse struct {
	Order struct {
		ID         string `json:"id"`
		ExternalID string `json:"external_id"`
		Status     string `json:"status"`
		Rewards    []struct {
			ID       string         `json:"id"`
			Delivery RewardDelivery `json:"delivery"`
		} `json:"rewards"`
	} `json:"order"`
}

// GenerateLinkResponse is the reply to POST /rewards/{id}/generate_link.
type GenerateLinkResponse struct {
	Reward struct {
		ID   string `json:"id"`
		Link string `json:"link"`
	} `json:"reward"`
}

// ErrorResponse represents an error from the cash-reward API.
type ErrorResponse struct {
	Errors struct {
		Message string         `json:"message"`
		Payload map[string]any `json:"payload,omitempty"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if e.Errors.Message != "" {
		return fmt.Sprintf("reward link api error: %s", e.Errors.Message)
	}
	return "unknown reward link api error"
}

// Name returns the provider name recorded on settlement records.
func (c *Client) Name() string {
	return ProviderName
}

// IdempotencyKey returns the order external_id for a settlement.
func (c *Client) IdempotencyKey(settlementID uuid.UUID) string {
	return rewards.IdempotencyKey(externalIDPrefix, settlementID, maxExternalIDLength)
}

// Issue places a reward order and returns its claim link.
func (c *Client) Issue(ctx context.Context, req rewards.Request) (*rewards.Issued, error) {
	if err := c.Limits.Check(ProviderName, req.Amount); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, &rewards.Failure{Provider: ProviderName, Category: rewards.CategoryDeclined, Reason: "external id is required"}
	}
	if strings.TrimSpace(req.RecipientEmail) == "" {
		return nil, &rewards.Failure{Provider: ProviderName, Category: rewards.CategoryDeclined, Reason: "recipient email is required"}
	}

	currency := req.Currency
	if currency == "" {
		currency = c.Currency
	}
	payload := CreateOrderRequest{
		ExternalID: req.IdempotencyKey,
		Payment:    OrderPayment{FundingSourceID: c.FundingSourceID},
		Reward: OrderReward{
			CampaignID: c.CampaignID,
			Value: RewardValue{
				Denomination: json.Number(req.Amount.StringFixed(2)),
				CurrencyCode: currency,
			},
			Recipient: RewardContact{Email: req.RecipientEmail, Name: req.RecipientName},
			Delivery:  RewardDelivery{Method: "LINK"},
		},
	}

	var order OrderResponse
	status, err := c.post(ctx, "/orders", payload, &order)
	if err != nil {
		log.Printf("level=warn component=rewardlink_client op=create_order external_id=%s status=%d err=%v", req.IdempotencyKey, status, err)
		return nil, err
	}
	if order.Order.ID == "" || len(order.Order.Rewards) == 0 {
		return nil, &rewards.Failure{Provider: ProviderName, Category: rewards.CategoryAmbiguous, Reason: "order response without rewards", StatusCode: status}
	}

	reward := order.Order.Rewards[0]
	link := reward.Delivery.Link
	if link == "" {
		var generated GenerateLinkResponse
		if _, err := c.post(ctx, "/rewards/"+reward.ID+"/generate_link", struct{}{}, &generated); err != nil {
			// The order exists at this point; resending it returns the same reward.
			log.Printf("level=warn component=rewardlink_client op=generate_link order_id=%s reward_id=%s err=%v", order.Order.ID, reward.ID, err)
			failure := rewards.AsFailure(ProviderName, err)
			failure.Category = rewards.CategoryAmbiguous
			return nil, failure
		}
		link = generated.Reward.Link
	}
	if link == "" {
		return nil, &rewards.Failure{Provider: ProviderName, Category: rewards.CategoryAmbiguous, Reason: "reward link unavailable", StatusCode: status}
	}

	return &rewards.Issued{
		Provider:          ProviderName,
		ClaimArtifact:     link,
		ProviderRequestID: order.Order.ID,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, rewards.Ambiguous(ProviderName, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, rewards.Ambiguous(ProviderName, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		_ = json.Unmarshal(respBody, &errResp)
		return resp.StatusCode, classify(resp.StatusCode, &errResp)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, rewards.Ambiguous(ProviderName, fmt.Errorf("failed to decode response: %w", err))
	}
	return resp.StatusCode, nil
}

func classify(statusCode int, errResp *ErrorResponse) *rewards.Failure {
	failure := &rewards.Failure{
		Provider:   ProviderName,
		StatusCode: statusCode,
		Reason:     errResp.Errors.Message,
		Err:        errResp,
	}
	if failure.Reason == "" {
		failure.Reason = http.StatusText(statusCode)
	}

	switch {
	case statusCode == http.StatusPaymentRequired:
		failure.Category = rewards.CategoryInsufficientFunds
	case statusCode == http.StatusConflict:
		failure.Category = rewards.CategoryDuplicate
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		failure.Category = rewards.CategoryAuthRejected
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		failure.Category = rewards.CategoryAmbiguous
	case statusCode >= 400:
		failure.Category = rewards.CategoryDeclined
	default:
		failure.Category = rewards.CategoryAmbiguous
	}
	failure.ProviderErrorCode = fmt.Sprintf("HTTP_%d", statusCode)
	return failure
}
