package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jmylchreest/triage/pkg/httputil"
	"github.com/rs/zerolog"
)

// WebhookSink posts events as JSON to a URL.
type WebhookSink struct {
	url    string
	client *httputil.Client
	logger zerolog.Logger
}

// NewWebhookSink returns a sink posting to url with the given client.
func NewWebhookSink(url string, client *httputil.Client, logger zerolog.Logger) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: client,
		logger: logger.With().Str("component", "notify").Str("url", url).Logger(),
	}
}

// Publish delivers e and logs any failure.
func (s *WebhookSink) Publish(ctx context.Context, e Event) {
	if err := s.Deliver(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("finding", e.FindingKey).Msg("webhook delivery failed")
	}
}

// Deliver posts e and returns the delivery error, if any.
func (s *WebhookSink) Deliver(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	resp, err := s.client.Post(ctx, s.url, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
