package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"

	"github.com/systmms/dbrotate/internal/config"
)

// WebhookProvider sends rotation events as HTTP requests.
type WebhookProvider struct {
	config   config.WebhookConfig
	client   *http.Client
	template *template.Template
}

// NewWebhookProvider validates cfg, fills in defaults and parses the payload template.
func NewWebhookProvider(cfg config.WebhookConfig) (*WebhookProvider, error) {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Backoff == "" {
		cfg.Retry.Backoff = "exponential"
	}
	if cfg.Retry.InitialWait == 0 {
		cfg.Retry.InitialWait = time.Second
	}

	parsed, err := url.Parse(cfg.URL)
	if cfg.URL == "" || err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("webhook %q: invalid URL: %q", cfg.Name, cfg.URL)
	}
	switch strings.ToUpper(cfg.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, fmt.Errorf("webhook %q: invalid method: %s (must be POST, PUT, or PATCH)", cfg.Name, cfg.Method)
	}

	p := &WebhookProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.PayloadTemplate != "" {
		tmpl, err := template.New("payload").Option("missingkey=error").Parse(cfg.PayloadTemplate)
		if err != nil {
			return nil, fmt.Errorf("webhook %q: invalid payload template: %w", cfg.Name, err)
		}
		p.template = tmpl
	}
	return p, nil
}

// Name returns the provider name.
func (p *WebhookProvider) Name() string {
	if p.config.Name != "" {
		return "webhook:" + p.config.Name
	}
	return "webhook"
}

// SupportsEvent returns true if this provider handles the given event type.
func (p *WebhookProvider) SupportsEvent(eventType EventType) bool {
	if len(p.config.Events) == 0 {
		return true
	}
	for _, e := range p.config.Events {
		if strings.EqualFold(e, string(eventType)) {
			return true
		}
	}
	return false
}

// Send posts the event, retrying non-2xx responses and transport errors.
func (p *WebhookProvider) Send(ctx context.Context, event Event) error {
	payload, err := p.buildPayload(event)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.Retry.MaxAttempts; attempt++ {
		lastErr = p.doSend(ctx, payload)
		if lastErr == nil {
			return nil
		}

		if attempt < p.config.Retry.MaxAttempts {
			timer := time.NewTimer(p.calculateBackoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", p.config.Retry.MaxAttempts, lastErr)
}

func (p *WebhookProvider) doSend(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(p.config.Method), p.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range p.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// templateData is what payload templates see.
type templateData struct {
	Type       string
	RotationID string
	Role       string
	Step       string
	Error      string
	OldPool    string
	NewPool    string
	NewUser    string
	LeaseID    string
	Duration   string
	Timestamp  string
}

func (p *WebhookProvider) buildPayload(event Event) ([]byte, error) {
	if p.template == nil {
		return defaultPayload(event)
	}

	data := templateData{
		Type:       string(event.Type),
		RotationID: event.RotationID,
		Role:       event.Role,
		Step:       event.Step,
		Error:      event.Error,
		OldPool:    event.OldPool,
		NewPool:    event.NewPool,
		NewUser:    event.NewUser,
		LeaseID:    event.LeaseID,
		Duration:   event.Duration.String(),
		Timestamp:  event.Timestamp.Format(time.RFC3339),
	}
	var buf bytes.Buffer
	if err := p.template.Execute(&buf, data); err != nil {
		return defaultPayload(event)
	}
	return buf.Bytes(), nil
}

func defaultPayload(event Event) ([]byte, error) {
	payload := map[string]interface{}{
		"event":       string(event.Type),
		"rotation_id": event.RotationID,
		"role":        event.Role,
		"timestamp":   event.Timestamp.Format(time.RFC3339),
	}
	if event.Duration > 0 {
		payload["duration_seconds"] = event.Duration.Seconds()
	}
	if event.NewPool != "" {
		payload["new_pool"] = event.NewPool
		payload["new_user"] = event.NewUser
		payload["lease_id"] = event.LeaseID
	}
	if event.OldPool != "" {
		payload["old_pool"] = event.OldPool
	}
	if event.Error != "" {
		payload["error"] = event.Error
		payload["failed_step"] = event.Step
	}
	return json.Marshal(payload)
}

func (p *WebhookProvider) calculateBackoff(attempt int) time.Duration {
	initial := p.config.Retry.InitialWait

	switch strings.ToLower(p.config.Retry.Backoff) {
	case "linear":
		return initial * time.Duration(attempt)
	case "exponential":
		return initial * time.Duration(1<<(attempt-1))
	default:
		return initial
	}
}
