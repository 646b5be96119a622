package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dhiodhaha/socialstats/pkg/db/models"
)

// APIError represents a non-2xx response from the stats API
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stats api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ClientOption allows for customization of the client
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client fetches raw per-platform profile payloads from the external stats
// API. All requests share one rate limiter since the provider enforces a
// single account-wide quota.
type Client struct {
	config     *Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// NewClient creates a new stats API client
func NewClient(config *Config, opts ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(config.RequestsPerMinute)/60.0), config.RequestsPerMinute),
		logger:     config.Logger,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// FetchProfile retrieves the raw profile payload for a handle on the given
// platform. The result is the decoded JSON body; the shape is
// platform-specific and interpreted by the stats parser.
func (c *Client) FetchProfile(ctx context.Context, platform models.Platform, handle string) (map[string]any, error) {
	endpoint, err := c.endpointFor(platform)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	params := url.Values{}
	params.Set("username", handle)
	fullURL := c.config.BaseURL + endpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.config.APIKey)

	c.logger.WithFields(logrus.Fields{
		"platform": platform,
		"handle":   handle,
		"endpoint": endpoint,
	}).Debug("Fetching profile")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if err := c.handleResponse(resp); err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"platform": platform,
		"handle":   handle,
		"elapsed":  time.Since(start).String(),
	}).Debug("Profile fetched")

	return raw, nil
}

// handleResponse checks for API errors in the response
func (c *Client) handleResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read error response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"status_code": resp.StatusCode,
		"body":        string(body),
	}).Error("Stats API error")

	return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
}

func (c *Client) endpointFor(platform models.Platform) (string, error) {
	switch platform {
	case models.PlatformInstagram:
		return c.config.InstagramEndpoint, nil
	case models.PlatformTikTok:
		return c.config.TiktokEndpoint, nil
	case models.PlatformTwitter:
		return c.config.TwitterEndpoint, nil
	default:
		return "", fmt.Errorf("unsupported platform %q", platform)
	}
}
