/**
 * @description
 * This package provides a client for a direct gift-card provider that uses
 * AWS Signature Version 4 request signing. A CreateGiftCard call is synchronous
 * and returns a claim code. The partner-prefixed creationRequestId makes the call
 * idempotent: resending the same ID returns the originally issued card.
 *
 * @dependencies
 * - github.com/aws/aws-sdk-go-v2/aws/signer/v4: canonical request signing.
 * - github.com/aws/aws-sdk-go-v2/credentials: static access key provider.
 * - pkg/rewards: shared reward issuance contract.
 */
package giftcardclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/google/uuid"
	"github.com/groupgift/settlement-service/pkg/rewards"
)

const (
	// ProviderName identifies this provider on settlement records.
	ProviderName = "giftcard"

	// MaxCreationRequestIDLength is the provider's limit on creationRequestId.
	MaxCreationRequestIDLength = 40

	signingService       = "AGCODService"
	createGiftCardTarget = "com.amazonaws.agcod.AGCODService.CreateGiftCard"
)

// Client is a client for the signed-request gift-card API.
type Client struct {
	Endpoint    string
	Region      string
	PartnerID   string
	Currency    string
	Limits      rewards.Limits
	Credentials aws.CredentialsProvider
	HTTPClient  *http.Client

	signer *v4.Signer
	now    func() time.Time
}

// NewClient creates a new gift-card API client.
func NewClient(endpoint, region, partnerID, accessKeyID, secretAccessKey, currency string, limits rewards.Limits, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		Endpoint:    strings.TrimSuffix(endpoint, "/"),
		Region:      region,
		PartnerID:   partnerID,
		Currency:    currency,
		Limits:      limits,
		Credentials: credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		signer: v4.NewSigner(),
		now:    time.Now,
	}
}

// CreateGiftCardRequest is the body of a CreateGiftCard call.
type CreateGiftCardRequest struct {
	CreationRequestID string        `json:"creationRequestId"`
	PartnerID         string        `json:"partnerId"`
	Value             GiftCardValue `json:"value"`
}

// GiftCardValue is the face value of a card.
type GiftCardValue struct {
	CurrencyCode string      `json:"currencyCode"`
	Amount       json.Number `json:"amount"`
}

// CreateGiftCardResponse is the provider's reply for both outcomes.
type CreateGiftCardResponse struct {
	CreationRequestID string `json:"creationRequestId"`
	Status            string `json:"status"`
	GCClaimCode       string `json:"gcClaimCode,omitempty"`
	GCID              string `json:"gcId,omitempty"`
	ErrorCode         string `json:"errorCode,omitempty"`
	ErrorType         string `json:"errorType,omitempty"`
	Message           string `json:"message,omitempty"`
}

// ErrorResponse represents an error from the gift-card API.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"errorCode"`
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("gift card api error: %s %s - %s", e.ErrorCode, e.ErrorType, e.Message)
	}
	return "unknown gift card api error"
}

// Name returns the provider name recorded on settlement records.
func (c *Client) Name() string {
	return ProviderName
}

// IdempotencyKey returns the partner-prefixed creationRequestId for a settlement.
func (c *Client) IdempotencyKey(settlementID uuid.UUID) string {
	return rewards.IdempotencyKey(c.PartnerID, settlementID, MaxCreationRequestIDLength)
}

// Issue creates a gift card. Amount limits are checked before any request is sent.
func (c *Client) Issue(ctx context.Context, req rewards.Request) (*rewards.Issued, error) {
	if err := c.Limits.Check(ProviderName, req.Amount); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, &rewards.Failure{Provider: ProviderName, Category: rewards.CategoryDeclined, Reason: "creation request id is required"}
	}

	currency := req.Currency
	if currency == "" {
		currency = c.Currency
	}
	payload := CreateGiftCardRequest{
		CreationRequestID: req.IdempotencyKey,
		PartnerID:         c.PartnerID,
		Value: GiftCardValue{
			CurrencyCode: currency,
			Amount:       json.Number(req.Amount.StringFixed(2)),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal create gift card request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/CreateGiftCard", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build create gift card request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Amz-Target", createGiftCardTarget)

	if err := c.sign(ctx, httpReq, body); err != nil {
		// Nothing was sent, so the provider cannot have issued anything.
		return nil, &rewards.Failure{Provider: ProviderName, Category: rewards.CategoryAuthRejected, Reason: err.Error(), Err: err}
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		log.Printf("level=warn component=giftcard_client op=create_gift_card request_id=%s msg=\"request failed; outcome unknown\" err=%v", req.IdempotencyKey, err)
		return nil, rewards.Ambiguous(ProviderName, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rewards.Ambiguous(ProviderName, fmt.Errorf("failed to read response body: %w", err))
	}

	var result CreateGiftCardResponse
	decodeErr := json.Unmarshal(respBody, &result)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && decodeErr == nil && strings.EqualFold(result.Status, "SUCCESS") {
		if result.GCClaimCode == "" {
			return nil, &rewards.Failure{
				Provider:   ProviderName,
				Category:   rewards.CategoryAmbiguous,
				Reason:     "success response without claim code",
				StatusCode: resp.StatusCode,
			}
		}
		requestID := result.GCID
		if requestID == "" {
			requestID = result.CreationRequestID
		}
		return &rewards.Issued{
			Provider:          ProviderName,
			ClaimArtifact:     result.GCClaimCode,
			ProviderRequestID: requestID,
		}, nil
	}

	errResp := &ErrorResponse{
		Status:    result.Status,
		ErrorCode: result.ErrorCode,
		ErrorType: result.ErrorType,
		Message:   result.Message,
	}
	failure := classify(resp.StatusCode, errResp)
	log.Printf("level=warn component=giftcard_client op=create_gift_card request_id=%s status=%d error_code=%q category=%s", req.IdempotencyKey, resp.StatusCode, errResp.ErrorCode, failure.Category)
	return nil, failure
}

func (c *Client) sign(ctx context.Context, req *http.Request, body []byte) error {
	creds, err := c.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve signing credentials: %w", err)
	}
	sum := sha256.Sum256(body)
	return c.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), signingService, c.Region, c.now().UTC())
}

// classify maps a non-success response onto a failure category. Error codes
// in the F1xx, F4xx and F5xx families are transient on the provider side, so
// the card may or may not exist; F2xx are request errors and F3xx are account
// errors, both of which guarantee nothing was issued.
func classify(statusCode int, errResp *ErrorResponse) *rewards.Failure {
	failure := &rewards.Failure{
		Provider:          ProviderName,
		ProviderErrorCode: errResp.ErrorCode,
		StatusCode:        statusCode,
		Reason:            errResp.Message,
		Err:               errResp,
	}
	if failure.Reason == "" {
		failure.Reason = http.StatusText(statusCode)
	}

	code := strings.ToUpper(errResp.ErrorCode)
	errorType := strings.ToLower(errResp.ErrorType)

	switch {
	case strings.EqualFold(errResp.Status, "RESEND"):
		failure.Category = rewards.CategoryAmbiguous
	case strings.Contains(errorType, "duplicate"):
		failure.Category = rewards.CategoryDuplicate
	case strings.HasPrefix(code, "F1"), strings.HasPrefix(code, "F4"), strings.HasPrefix(code, "F5"):
		failure.Category = rewards.CategoryAmbiguous
	case strings.HasPrefix(code, "F2"):
		failure.Category = rewards.CategoryDeclined
	case strings.HasPrefix(code, "F3"):
		if strings.Contains(errorType, "insufficientfunds") {
			failure.Category = rewards.CategoryInsufficientFunds
		} else {
			failure.Category = rewards.CategoryAuthRejected
		}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		failure.Category = rewards.CategoryAuthRejected
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		failure.Category = rewards.CategoryAmbiguous
	case statusCode >= 400:
		failure.Category = rewards.CategoryDeclined
	default:
		failure.Category = rewards.CategoryAmbiguous
	}
	return failure
}
