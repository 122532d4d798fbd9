package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chatforge/meterd/internal/config"
	"github.com/chatforge/meterd/internal/meter"
)

// WebhookSink delivers alerts to arbitrary HTTP endpoints.
type WebhookSink struct {
	client     *http.Client
	maxRetries int
}

func NewWebhookSink(cfg config.WebhookConfig) Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &WebhookSink{
		client:     &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
	}
}

func (s *WebhookSink) Notify(ctx context.Context, payload Payload) error {
	if s == nil || len(payload.Webhooks) == 0 {
		return nil
	}

	body, err := json.Marshal(webhookPayload{
		UserID:      payload.UserID,
		Scope:       string(payload.Scope),
		Level:       string(payload.Level),
		UsedUSD:     meter.USDFromMicros(payload.UsedMicros),
		LimitUSD:    meter.USDFromMicros(payload.LimitMicros),
		PercentUsed: payload.PercentUsed,
		Timestamp:   payload.Timestamp.UTC(),
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, target := range payload.Webhooks {
		if strings.TrimSpace(target) == "" {
			continue
		}
		if err := s.postWithRetries(ctx, target, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (s *WebhookSink) postWithRetries(ctx context.Context, url string, body []byte) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := s.post(ctx, url, body); err != nil {
			lastErr = err
			delay := time.Duration(attempt) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

type webhookPayload struct {
	UserID      string    `json:"user_id"`
	Scope       string    `json:"scope"`
	Level       string    `json:"level"`
	UsedUSD     float64   `json:"used_usd"`
	LimitUSD    float64   `json:"limit_usd"`
	PercentUsed float64   `json:"percent_used"`
	Timestamp   time.Time `json:"timestamp"`
}
