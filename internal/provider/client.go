// Package provider is the HTTP client for the online entitlement and usage services.
package provider

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

	"golang.org/x/time/rate"

	licenseErrors "entitlecli/internal/errors"
	"entitlecli/internal/infrastructure"
	"entitlecli/internal/policy"
	"entitlecli/internal/store"
	"entitlecli/pkg/contracts/domain"
)

// DefaultBatchSize bounds the number of records sent per upload request
const DefaultBatchSize = 500

// ClientConfig configures the entitlement client
type ClientConfig struct {
	BaseURL   string
	APIToken  string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	BatchSize int
	App       domain.ApplicationInfo
}

// Client talks to the entitlement service. It is safe for concurrent use.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a client, filling defaults for zero values
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:     infrastructure.WithComponent(logger, "entitlement_client"),
	}
}

// policyResponse is the wire form of a policy
type policyResponse struct {
	Token       string `json:"token"`
	Certificate string `json:"certificate"`
}

type accessKeyRequest struct {
	ProductID  string `json:"product_id"`
	Version    string `json:"version"`
	DeviceID   string `json:"device_id"`
	AccessKey  string `json:"access_key"`
	UltimateID string `json:"ultimate_id,omitempty"`
}

type recordsRequest[T any] struct {
	ProductID string `json:"product_id"`
	DeviceID  string `json:"device_id"`
	PolicyID  string `json:"policy_id,omitempty"`
	Records   []T    `json:"records"`
}

// GetPolicyForUser fetches the policy of the authenticated user
func (c *Client) GetPolicyForUser(ctx context.Context) (*policy.Policy, error) {
	q := url.Values{}
	q.Set("product_id", c.config.App.ProductID)
	q.Set("device_id", c.config.App.DeviceID)
	return c.fetchPolicy(ctx, "provider.policy_for_user", http.MethodGet, "/v1/policies/user?"+q.Encode(), nil)
}

// GetPolicyWithAccessKey fetches the policy bound to an access key
func (c *Client) GetPolicyWithAccessKey(ctx context.Context, key, ultimateID string) (*policy.Policy, error) {
	body := accessKeyRequest{
		ProductID:  c.config.App.ProductID,
		Version:    c.config.App.Version,
		DeviceID:   c.config.App.DeviceID,
		AccessKey:  key,
		UltimateID: ultimateID,
	}
	return c.fetchPolicy(ctx, "provider.policy_with_key", http.MethodPost, "/v1/policies/access-key", body)
}

// GetPolicyForProject fetches the policy of a project
func (c *Client) GetPolicyForProject(ctx context.Context, projectID string) (*policy.Policy, error) {
	q := url.Values{}
	q.Set("product_id", c.config.App.ProductID)
	q.Set("device_id", c.config.App.DeviceID)
	return c.fetchPolicy(ctx, "provider.policy_for_project", http.MethodGet,
		"/v1/policies/project/"+url.PathEscape(projectID)+"?"+q.Encode(), nil)
}

func (c *Client) fetchPolicy(ctx context.Context, op, method, path string, body interface{}) (*policy.Policy, error) {
	var resp policyResponse
	if err := c.do(ctx, op, method, path, body, &resp); err != nil {
		return nil, err
	}
	pol, err := policy.Parse(resp.Token, resp.Certificate)
	if err != nil {
		return nil, licenseErrors.ProviderError(op, fmt.Errorf("invalid policy in response: %w", err))
	}
	return pol, nil
}

// ValidateAccessKey asks the usage service whether key is active for app
func (c *Client) ValidateAccessKey(ctx context.Context, app domain.ApplicationInfo, key, ultimateID string) (domain.AccessKeyValidation, error) {
	body := accessKeyRequest{
		ProductID:  app.ProductID,
		Version:    app.Version,
		DeviceID:   app.DeviceID,
		AccessKey:  key,
		UltimateID: ultimateID,
	}
	var out domain.AccessKeyValidation
	err := c.do(ctx, "provider.validate_access_key", http.MethodPost, "/v1/access-keys/validate", body, &out)
	if se, ok := keyRejection(err); ok {
		msg := se.Body
		if msg == "" {
			msg = http.StatusText(se.StatusCode)
		}
		return domain.AccessKeyValidation{Accepted: false, Message: msg}, nil
	}
	return out, err
}

// keyRejection reports whether err is the service refusing the key itself.
// Throttling and timeouts are outages, not rejections.
func keyRejection(err error) (*StatusError, bool) {
	var se *StatusError
	if !errors.As(err, &se) {
		return nil, false
	}
	switch se.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusGone, http.StatusUnprocessableEntity:
		return se, true
	}
	return nil, false
}

// PostUsageRecords uploads pending usage records in batches and marks them posted
func (c *Client) PostUsageRecords(ctx context.Context, app domain.ApplicationInfo, records store.Records, pol *policy.Policy) (int, error) {
	const op = "provider.post_usage"
	posted := 0
	for {
		batch, err := records.PendingUsageRecords(ctx, c.config.BatchSize)
		if err != nil {
			return posted, err
		}
		if len(batch) == 0 {
			return posted, nil
		}

		req := recordsRequest[domain.UsageRecord]{ProductID: app.ProductID, DeviceID: app.DeviceID, PolicyID: policyID(pol), Records: batch}
		if err := c.do(ctx, op, http.MethodPost, "/v1/usage", req, nil); err != nil {
			return posted, err
		}

		ids := make([]string, len(batch))
		for i, r := range batch {
			ids[i] = r.ID
		}
		if err := records.MarkUsagePosted(ctx, ids); err != nil {
			return posted, err
		}
		posted += len(batch)

		if len(batch) < c.config.BatchSize {
			return posted, nil
		}
	}
}

// PostFeatureRecords uploads pending feature records in batches and marks them posted
func (c *Client) PostFeatureRecords(ctx context.Context, app domain.ApplicationInfo, records store.Records, pol *policy.Policy) (int, error) {
	const op = "provider.post_features"
	posted := 0
	for {
		batch, err := records.PendingFeatureRecords(ctx, c.config.BatchSize)
		if err != nil {
			return posted, err
		}
		if len(batch) == 0 {
			return posted, nil
		}

		req := recordsRequest[domain.FeatureRecord]{ProductID: app.ProductID, DeviceID: app.DeviceID, PolicyID: policyID(pol), Records: batch}
		if err := c.do(ctx, op, http.MethodPost, "/v1/features", req, nil); err != nil {
			return posted, err
		}

		ids := make([]string, len(batch))
		for i, r := range batch {
			ids[i] = r.ID
		}
		if err := records.MarkFeaturePosted(ctx, ids); err != nil {
			return posted, err
		}
		posted += len(batch)

		if len(batch) < c.config.BatchSize {
			return posted, nil
		}
	}
}

func policyID(p *policy.Policy) string {
	if p == nil {
		return ""
	}
	return p.ID()
}

// StatusError is a non-2xx answer from the entitlement service
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// do sends one JSON request. Every failure comes back as a ProviderError.
func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	if c.config.BaseURL == "" {
		return licenseErrors.ProviderError(op, fmt.Errorf("%w: no server url configured", licenseErrors.ErrProviderUnavailable))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return licenseErrors.ProviderError(op, fmt.Errorf("rate limiter: %w", err))
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return licenseErrors.ProviderError(op, fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return licenseErrors.ProviderError(op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "entitlement request failed",
			slog.String("op", op),
			slog.String("error", err.Error()))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return licenseErrors.ProviderError(op, err)
		}
		return licenseErrors.ProviderError(op, fmt.Errorf("%w: %v", licenseErrors.ErrProviderUnavailable, err))
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "entitlement request completed",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var cause error = &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if resp.StatusCode >= 500 {
			cause = fmt.Errorf("%w: %w", licenseErrors.ErrProviderUnavailable, cause)
		}
		return licenseErrors.ProviderError(op, cause)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return licenseErrors.ProviderError(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
