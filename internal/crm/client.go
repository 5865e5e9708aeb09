// Package crm adapts the lead router to the external CRM: verified webhook
// ingest on the way in, rate-limited field projection and messaging on the
// way out.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"

	"golang.org/x/time/rate"
)

const apiVersion = "2021-07-28"

// transientError marks a failure worth retrying: timeouts, throttling, and
// upstream 5xx responses.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsTransient reports whether an outbound CRM failure may succeed on retry.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Client is the outbound CRM API client. Requests are throttled per tenant
// so one noisy location cannot exhaust another's API quota.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tenants    *config.TenantRegistry
	log        *logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a CRM client from the adapter settings.
func NewClient(cfg config.CrmConfig, tenants *config.TenantRegistry, log *logger.Logger) *Client {
	return &Client{
		baseURL:    cfg.GetCrmBaseURL(),
		httpClient: &http.Client{Timeout: cfg.GetCrmTimeout()},
		tenants:    tenants,
		log:        log,
		limiters:   map[string]*rate.Limiter{},
	}
}

type customField struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// UpdateCustomFields writes field values onto the CRM contact record.
// Fields is keyed by CRM field ID.
func (c *Client) UpdateCustomFields(ctx context.Context, tenantID, contactID string, fields map[string]string) error {
	payload := struct {
		CustomFields []customField `json:"customFields"`
	}{CustomFields: make([]customField, 0, len(fields))}
	for id, value := range fields {
		payload.CustomFields = append(payload.CustomFields, customField{ID: id, Value: value})
	}

	path := fmt.Sprintf("/contacts/%s", contactID)
	return c.do(ctx, tenantID, http.MethodPut, path, payload)
}

// AddTags attaches tags to a contact. Tag changes drive CRM-side
// automations, so callers treat them as fire and forget.
func (c *Client) AddTags(ctx context.Context, tenantID, contactID string, tags []string) error {
	path := fmt.Sprintf("/contacts/%s/tags", contactID)
	return c.do(ctx, tenantID, http.MethodPost, path, map[string][]string{"tags": tags})
}

// RemoveTags detaches tags from a contact.
func (c *Client) RemoveTags(ctx context.Context, tenantID, contactID string, tags []string) error {
	path := fmt.Sprintf("/contacts/%s/tags", contactID)
	return c.do(ctx, tenantID, http.MethodDelete, path, map[string][]string{"tags": tags})
}

// TriggerWorkflow enrolls a contact in a CRM workflow.
func (c *Client) TriggerWorkflow(ctx context.Context, tenantID, contactID, workflowID string) error {
	path := fmt.Sprintf("/contacts/%s/workflow/%s", contactID, workflowID)
	return c.do(ctx, tenantID, http.MethodPost, path, map[string]string{})
}

// SendMessage delivers an outbound conversation message to the contact
// through the CRM's messaging endpoint.
func (c *Client) SendMessage(ctx context.Context, tenantID, contactID, body string) error {
	payload := map[string]string{
		"type":      "SMS",
		"contactId": contactID,
		"message":   body,
	}
	return c.do(ctx, tenantID, http.MethodPost, "/conversations/messages", payload)
}

func (c *Client) do(ctx context.Context, tenantID, method, path string, payload any) error {
	tenant, ok := c.tenants.Get(tenantID)
	if !ok {
		return fmt.Errorf("unknown tenant %q", tenantID)
	}

	if err := c.limiter(tenant).Wait(ctx); err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal crm payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tenant.CRM.APIKey)
	req.Header.Set("Version", apiVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures and timeouts are worth another attempt.
		return &transientError{err: fmt.Errorf("crm %s %s: %w", method, path, err)}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &transientError{err: fmt.Errorf("crm %s %s: status %d", method, path, resp.StatusCode)}
	default:
		return fmt.Errorf("crm %s %s: status %d", method, path, resp.StatusCode)
	}
}

func (c *Client) limiter(tenant *config.Tenant) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if lim, ok := c.limiters[tenant.ID]; ok {
		return lim
	}

	rps := tenant.CRM.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := tenant.CRM.Burst
	if burst < 1 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}

	lim := rate.NewLimiter(rate.Limit(rps), burst)
	c.limiters[tenant.ID] = lim
	return lim
}
