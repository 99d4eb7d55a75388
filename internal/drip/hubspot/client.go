// Package hubspot reads reply and opt-out state from HubSpot CRM and writes opt-outs back.
package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bissquit/lead-drip/internal/domain"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL   = "https://api.hubapi.com"
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 9.0 // HubSpot allows 100 requests per 10s for private apps

	propertyReplied = "hs_email_replied"
	propertyOptOut  = "hs_email_optout"
)

// ErrContactNotFound is returned when no contact matches the email.
var ErrContactNotFound = errors.New("hubspot contact not found")

// Config holds HubSpot client configuration.
type Config struct {
	Enabled   bool
	APIKey    string
	BaseURL   string
	RateLimit float64 // requests per second
	Timeout   time.Duration
}

// Client talks to the HubSpot CRM API.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new HubSpot client.
// A client without API key behaves as disabled.
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	if config.Enabled && config.APIKey == "" {
		slog.Warn("hubspot enabled without api key, lookups disabled")
	}

	slog.Info("hubspot client configured",
		"enabled", config.Enabled,
		"base_url", config.BaseURL,
		"rate_limit", config.RateLimit,
	)

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}
}

func (c *Client) active() bool {
	return c.config.Enabled && c.config.APIKey != ""
}

// Name returns the oracle name.
func (c *Client) Name() string {
	return "hubspot"
}

// Lookup reports reply and opt-out state for email.
// A disabled client and an unknown contact both return no evidence.
func (c *Client) Lookup(ctx context.Context, email string) (*domain.SuppressionStatus, error) {
	if !c.active() {
		return nil, nil
	}

	contact, err := c.findContact(ctx, email, propertyReplied, propertyOptOut)
	if errors.Is(err, ErrContactNotFound) {
		slog.Debug("contact not found in hubspot", "recipient", email)
		return &domain.SuppressionStatus{}, nil
	}
	if err != nil {
		return nil, err
	}

	status := &domain.SuppressionStatus{
		Replied:  truthy(contact.Properties[propertyReplied]),
		OptedOut: truthy(contact.Properties[propertyOptOut]),
	}
	if status.Suppressed() {
		return status, nil
	}

	// Best effort only: see engagementReplied. The contact properties above are the reliable signal.
	replied, err := c.engagementReplied(ctx, contact.ID)
	if err != nil {
		slog.Debug("could not check email engagement",
			"recipient", email,
			"contact_id", contact.ID,
			"error", err,
		)
		return status, nil
	}
	status.Replied = replied

	return status, nil
}

// Unsubscribe sets the opt-out property on the contact.
func (c *Client) Unsubscribe(ctx context.Context, email string) error {
	if !c.active() {
		return nil
	}

	contact, err := c.findContact(ctx, email)
	if err != nil {
		return err
	}

	body := map[string]any{
		"properties": map[string]string{propertyOptOut: "true"},
	}
	path := "/crm/v3/objects/contacts/" + url.PathEscape(contact.ID)
	if err := c.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("update contact: %w", err)
	}

	slog.Info("hubspot contact opted out", "recipient", email, "contact_id", contact.ID)
	return nil
}

type contact struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type searchFilter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type filterGroup struct {
	Filters []searchFilter `json:"filters"`
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups"`
	Properties   []string      `json:"properties,omitempty"`
	Limit        int           `json:"limit"`
}

type searchResponse struct {
	Results []contact `json:"results"`
}

func (c *Client) findContact(ctx context.Context, email string, properties ...string) (*contact, error) {
	req := searchRequest{
		FilterGroups: []filterGroup{{
			Filters: []searchFilter{{
				PropertyName: "email",
				Operator:     "EQ",
				Value:        domain.NormalizeEmail(email),
			}},
		}},
		Properties: append([]string{"email"}, properties...),
		Limit:      1,
	}

	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, "/crm/v3/objects/contacts/search", req, &resp); err != nil {
		return nil, fmt.Errorf("search contact: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, ErrContactNotFound
	}
	return &resp.Results[0], nil
}

type engagementResponse struct {
	Replied bool `json:"replied"`
	Clicked bool `json:"clicked"`
	Opened  bool `json:"opened"`
}

// engagementReplied queries the legacy email engagement endpoint. That endpoint is keyed by
// marketing email ID, not contact ID, so this call usually 404s and Lookup falls back to the
// contact properties at debug level. A replied=true here is a bonus, not a working check.
func (c *Client) engagementReplied(ctx context.Context, contactID string) (bool, error) {
	var resp engagementResponse
	path := "/email/public/v1/emails/" + url.PathEscape(contactID) + "/engagement"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Replied, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Message: fmt.Sprintf("send request: %v", err), retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Code:      resp.StatusCode,
			Message:   truncate(string(respBody), 200),
			retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError is a failed HubSpot API call.
type APIError struct {
	Code      int
	Message   string
	retryable bool
}

func (e *APIError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("hubspot error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("hubspot error: %s", e.Message)
}

// IsRetryable reports whether the call may succeed later.
func (e *APIError) IsRetryable() bool { return e.retryable }

func truthy(v string) bool {
	return v == "true" || v == "1"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
