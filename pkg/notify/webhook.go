// Package notify pushes fire-and-forget run summaries to an outbound
// webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dhiodhaha/socialstats/pkg/db/models"
	"github.com/dhiodhaha/socialstats/pkg/scraper"
)

const (
	colorSuccess = 0x2ECC71
	colorFailure = 0xE74C3C

	webhookTimeout = 10 * time.Second
)

// Field is one name/value pair in the webhook payload
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Payload is the document shape the webhook accepts
type Payload struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Color       int     `json:"color"`
	Fields      []Field `json:"fields"`
}

// WebhookSink posts run summaries to a configured webhook URL. Delivery
// failures are logged and never propagated: notification is best-effort.
type WebhookSink struct {
	url        string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewWebhookSink creates a sink for the given webhook URL
func NewWebhookSink(url string, logger *logrus.Logger) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: webhookTimeout},
		logger:     logger,
	}
}

// NewWebhookSinkFromEnv builds a sink from WEBHOOK_URL. An empty value
// yields a sink that drops every notification.
func NewWebhookSinkFromEnv(logger *logrus.Logger) *WebhookSink {
	url := os.Getenv("WEBHOOK_URL")
	if url == "" {
		logger.Warn("WEBHOOK_URL not set, run notifications disabled")
	}
	return NewWebhookSink(url, logger)
}

// NotifyRunFinished implements scraper.Sink
func (s *WebhookSink) NotifyRunFinished(ctx context.Context, summary scraper.RunSummary) {
	if s.url == "" {
		return
	}

	payload := buildPayload(summary)
	if err := s.post(ctx, payload); err != nil {
		s.logger.WithError(err).WithField("job_id", summary.JobID).Error("Failed to deliver run notification")
		return
	}

	s.logger.WithField("job_id", summary.JobID).Debug("Run notification delivered")
}

func buildPayload(summary scraper.RunSummary) Payload {
	color := colorSuccess
	title := "Scraping run completed"
	if summary.Status == models.JobStatusFailed {
		color = colorFailure
		title = "Scraping run failed"
	}

	return Payload{
		Title:       title,
		Description: fmt.Sprintf("Job %s finished with status %s", summary.JobID, summary.Status),
		Color:       color,
		Fields: []Field{
			{Name: "Completed", Value: fmt.Sprintf("%d", summary.CompletedCount)},
			{Name: "Failed", Value: fmt.Sprintf("%d", summary.FailedCount)},
			{Name: "Duration", Value: summary.Duration.Round(time.Second).String()},
		},
	}
}

func (s *WebhookSink) post(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
