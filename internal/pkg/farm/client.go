package farm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CreditsPerLogEntry is how many credits a single credit-type log line is
// worth when the farm omits the creditsEarned field.
const CreditsPerLogEntry = 5

// Config holds farm API configuration
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the external bot-allocation service. The service is
// treated as an opaque black box with a create/status/cancel contract;
// status must be polled, it is never pushed.
type Client struct {
	httpClient *http.Client
	config     Config
}

// CreateResult is the farm's answer to a create call
type CreateResult struct {
	FarmID        string `json:"farmId"`
	MasterEmail   string `json:"masterEmail,omitempty"`
	Queued        bool   `json:"queued"`
	QueuePosition int    `json:"queuePosition,omitempty"`
}

// LogEntry is one line of the farm's delivery log
type LogEntry struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StatusResult is the farm's answer to a status poll. CreditsEarned may be
// absent; callers then derive delivery from the credit-type log lines.
type StatusResult struct {
	Status        string     `json:"status"`
	CreditsEarned *int       `json:"creditsEarned,omitempty"`
	Logs          []LogEntry `json:"logs,omitempty"`
	MasterEmail   string     `json:"masterEmail,omitempty"`
	WorkspaceName string     `json:"workspaceName,omitempty"`
}

// NewClient creates a farm API client
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

// CreateGeneration asks the farm to start delivering the given credits
func (c *Client) CreateGeneration(ctx context.Context, credits int) (*CreateResult, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("validation error: credits must be > 0")
	}

	var out CreateResult
	if err := c.do(ctx, http.MethodPost, "/api/generations", map[string]interface{}{"credits": credits}, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.FarmID) == "" {
		return nil, fmt.Errorf("farm response missing farmId")
	}
	return &out, nil
}

// Status polls the farm for the current delivery state
func (c *Client) Status(ctx context.Context, farmID string) (*StatusResult, error) {
	if strings.TrimSpace(farmID) == "" {
		return nil, fmt.Errorf("validation error: farm id must be non-empty")
	}

	var out StatusResult
	if err := c.do(ctx, http.MethodGet, "/api/generations/"+farmID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel aborts an in-flight delivery
func (c *Client) Cancel(ctx context.Context, farmID string) error {
	if strings.TrimSpace(farmID) == "" {
		return fmt.Errorf("validation error: farm id must be non-empty")
	}
	return c.do(ctx, http.MethodPost, "/api/generations/"+farmID+"/cancel", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("farm client is not initialized")
	}
	if strings.TrimSpace(c.config.BaseURL) == "" {
		return fmt.Errorf("farm config error: base_url is empty")
	}

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode farm request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("farm api call failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("farm api call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("farm api call failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("farm api returned non-2xx status: %d, body: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse farm response: %w", err)
		}
	}
	return nil
}

// CreditsFromLogs derives delivered credits from credit-type log entries
func CreditsFromLogs(logs []LogEntry) int {
	count := 0
	for _, l := range logs {
		if l.Type == "credit" {
			count++
		}
	}
	return count * CreditsPerLogEntry
}

// Delivered resolves delivered credits from a status result, preferring the
// explicit counter over the log-derived estimate
func (r *StatusResult) Delivered() int {
	if r.CreditsEarned != nil {
		return *r.CreditsEarned
	}
	return CreditsFromLogs(r.Logs)
}
