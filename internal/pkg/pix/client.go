package pix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds PIX provider configuration
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// Client represents the PIX payment provider gateway client
type Client struct {
	httpClient *http.Client
	config     Config
}

// Customer identifies the payer on a charge
type Customer struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Document string `json:"document,omitempty"`
}

// CreateChargeRequest represents charge creation
type CreateChargeRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Customer Customer        `json:"customer"`
}

// Charge represents a created PIX charge
type Charge struct {
	TransactionID string    `json:"transactionId"`
	PixCode       string    `json:"pixCode"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// NewClient creates a new PIX provider client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		config:     cfg,
	}
}

// CreateCharge creates a PIX charge and returns the copy-paste code
func (c *Client) CreateCharge(ctx context.Context, req CreateChargeRequest) (*Charge, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("validation error: amount must be > 0")
	}
	if strings.TrimSpace(req.Customer.Name) == "" {
		return nil, fmt.Errorf("validation error: customer name must be non-empty")
	}

	var out Charge
	if err := c.do(ctx, http.MethodPost, "/v1/pix/charges", req, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.TransactionID) == "" {
		return nil, fmt.Errorf("pix provider response missing transactionId")
	}
	return &out, nil
}

// GetTransactionStatus queries the provider for a transaction's status.
// Used by the reconciliation sweep as a backstop to webhook delivery.
func (c *Client) GetTransactionStatus(ctx context.Context, transactionID string) (string, error) {
	if strings.TrimSpace(transactionID) == "" {
		return "", fmt.Errorf("validation error: transaction id must be non-empty")
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/pix/transactions/"+transactionID, nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("pix client is not initialized")
	}
	if strings.TrimSpace(c.config.BaseURL) == "" {
		return fmt.Errorf("pix config error: base_url is empty")
	}

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode pix request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("pix api call failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pix api call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("pix api call failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pix api returned non-2xx status: %d, body: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse pix response: %w", err)
		}
	}
	return nil
}
