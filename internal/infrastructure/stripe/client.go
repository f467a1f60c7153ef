package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client creates hosted checkout sessions and verifies webhook events over
// the payment provider's HTTP API. Only the two endpoints this service needs
// are wrapped; there is no full SDK dependency.
type Client struct {
	apiKey        string
	webhookSecret string
	httpClient    *http.Client
}

func NewClient(apiKey, webhookSecret string) *Client {
	return &Client{
		apiKey:        strings.TrimSpace(apiKey),
		webhookSecret: strings.TrimSpace(webhookSecret),
		httpClient:    &http.Client{Timeout: 12 * time.Second},
	}
}

type CheckoutSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	PaymentIntent string `json:"payment_intent"`
	AmountTotal   int64  `json:"amount_total"`
	Metadata      struct {
		AccountID string `json:"account_id"`
		Credits   string `json:"credits"`
	} `json:"metadata"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CreateCheckoutSession builds a one-off checkout for a credit pack.
// amountCents is the price, credits the pack size recorded in metadata for
// the webhook to apply later.
func (c *Client) CreateCheckoutSession(ctx context.Context, accountID int32, credits int32, amountCents int64, successURL, cancelURL string) (*CheckoutSession, error) {
	values := url.Values{}
	values.Set("mode", "payment")
	values.Set("success_url", successURL)
	values.Set("cancel_url", cancelURL)
	values.Set("payment_method_types[]", "card")
	values.Set("line_items[0][quantity]", "1")
	values.Set("line_items[0][price_data][currency]", "usd")
	values.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(amountCents, 10))
	values.Set("line_items[0][price_data][product_data][name]", fmt.Sprintf("%d Credits", credits))
	values.Set("line_items[0][price_data][product_data][description]", fmt.Sprintf("Purchase %d credits for image generation", credits))
	values.Set("metadata[account_id]", strconv.FormatInt(int64(accountID), 10))
	values.Set("metadata[credits]", strconv.FormatInt(int64(credits), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.stripe.com/v1/checkout/sessions", strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build checkout request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checkout request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp errorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("checkout session rejected: %s", errResp.Error.Message)
		}
		return nil, fmt.Errorf("checkout session rejected: %s", resp.Status)
	}

	var session CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	if session.URL == "" {
		return nil, fmt.Errorf("no checkout URL returned")
	}
	return &session, nil
}

// WebhookEvent is the subset of the provider event envelope this service
// consumes.
type WebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// VerifyWebhook checks the signature header (t=...,v1=... scheme, HMAC-SHA256
// over "<timestamp>.<payload>") and decodes the event.
func (c *Client) VerifyWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(signatureHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return nil, fmt.Errorf("malformed signature header")
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	valid := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("webhook signature mismatch")
	}

	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}
	return &event, nil
}
