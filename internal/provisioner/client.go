// Package provisioner talks to the external device provisioning endpoint.
//
// Every failure mode of a single call (transport error, timeout, rejection,
// malformed body, panic) is folded into a failed domain.Outcome so that one
// device can never abort its batch.
package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rpattn/devprov/internal/domain"
)

// DefaultTimeout bounds a single device call.
const DefaultTimeout = 30 * time.Second

const maxErrorBody = 512

// Config describes the external endpoint.
type Config struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// Client provisions one device per call against the external endpoint.
type Client struct {
	endpoint   string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

type provisionRequest struct {
	SerialNumber string `json:"serialNumber"`
	CINumber     string `json:"ciNumber"`
}

type provisionResponse struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

// NewClient creates a client for the configured endpoint.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint:   strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		token:      strings.TrimSpace(cfg.Token),
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// Provision calls the endpoint for one device and normalizes the result.
// It never returns an error; failures are reported through the outcome.
func (c *Client) Provision(ctx context.Context, record domain.DeviceRecord) (outcome domain.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome = domain.FailedOutcome(fmt.Sprintf("panic: %v", rec))
		}
	}()

	if c.endpoint == "" {
		return domain.FailedOutcome("provisioning endpoint not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(provisionRequest{
		SerialNumber: record.SerialNumber,
		CINumber:     record.CINumber,
	})
	if err != nil {
		return domain.FailedOutcome(fmt.Sprintf("encode request: %v", err))
	}

	req, err := c.newRequest(callCtx, body)
	if err != nil {
		return domain.FailedOutcome(fmt.Sprintf("build request: %v", err))
	}

	return c.do(req)
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) domain.Outcome {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.FailedOutcome(err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.FailedOutcome(fmt.Sprintf("read response: %v", err))
	}

	var parsed provisionResponse
	parseErr := json.Unmarshal(payload, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := strings.TrimSpace(parsed.Message)
		if parseErr != nil || detail == "" {
			detail = truncate(strings.TrimSpace(string(payload)), maxErrorBody)
		}
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		return domain.FailedOutcome(fmt.Sprintf("status %d: %s", resp.StatusCode, detail))
	}

	if parseErr != nil {
		return domain.FailedOutcome(fmt.Sprintf("malformed response: %v", parseErr))
	}
	if parsed.Success == nil {
		return domain.FailedOutcome("malformed response: missing success flag")
	}
	if !*parsed.Success {
		return domain.FailedOutcome(strings.TrimSpace(parsed.Message))
	}
	return domain.Outcome{Success: true, Message: strings.TrimSpace(parsed.Message)}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
