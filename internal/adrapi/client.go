// Package adrapi is the client for the vendor's document retrieval API.
package adrapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// Request is the body of an IngestAdrRequest call.
type Request struct {
	ADRRequestTypeID      int    `json:"ADRRequestTypeId"`
	CredentialID          int64  `json:"CredentialId"`
	StartDate             string `json:"StartDate"`
	EndDate               string `json:"EndDate"`
	SourceApplicationName string `json:"SourceApplicationName"`
	RecipientEmail        string `json:"RecipientEmail"`
	JobID                 string `json:"JobId"`
	AccountID             string `json:"AccountId"`
	InterfaceAccountID    string `json:"InterfaceAccountId"`
	IsHighPriority        bool   `json:"IsHighPriority"`
}

// DateLayout is the date format the vendor expects in StartDate and EndDate.
const DateLayout = "2006-01-02"

// Result is a completed HTTP exchange with the vendor.
type Result struct {
	StatusCode int
	Raw        string
	Response   Response
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("ADR API error (status %d): %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Client credentials; when ClientID is empty requests are unauthenticated.
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a vendor client. Each call carries its own timeout,
// independent of any run-level deadline.
func NewClient(ctx context.Context, cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if cfg.ClientID != "" && cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(ctx)
		httpClient.Timeout = timeout
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
	}
}

// IngestRequest posts a retrieval request (credential check or download).
func (c *Client) IngestRequest(ctx context.Context, req Request) (*Result, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/IngestAdrRequest", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(httpReq)
}

// GetRequestStatusByJobID polls the status of every request made for jobID.
// Polling has no side effects on the vendor.
func (c *Client) GetRequestStatusByJobID(ctx context.Context, jobID string) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/GetRequestStatusByJobId/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(httpReq)
}

func (c *Client) do(httpReq *http.Request) (*Result, error) {
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Raw:        string(body),
		Response:   ParseResponse(body),
	}, nil
}
