package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	dserrors "github.com/systmms/dbrotate/internal/errors"
)

// Notification event names accepted in webhooks[].events.
const (
	EventInitialized = "initialized"
	EventRotated     = "rotated"
	EventFailed      = "failed"
)

// DefaultNotificationQueue bounds the number of undelivered events.
const DefaultNotificationQueue = 100

// NotificationsConfig holds configuration for rotation notifications.
type NotificationsConfig struct {
	// QueueSize bounds pending events; when full, new events are dropped.
	QueueSize int             `yaml:"queue_size,omitempty"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig holds configuration for custom webhook notifications.
type WebhookConfig struct {
	// Name is a human-readable name for this webhook.
	Name string `yaml:"name"`

	// URL is the webhook endpoint URL.
	URL string `yaml:"url"`

	// Method is the HTTP method to use (default: POST).
	Method string `yaml:"method,omitempty"`

	// Headers are additional HTTP headers to include.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Events specifies which rotation events trigger notifications.
	// If empty, all events are sent.
	Events []string `yaml:"events,omitempty"`

	// PayloadTemplate is a Go template for the request body.
	// If empty, a default JSON payload is used.
	PayloadTemplate string `yaml:"payload_template,omitempty"`

	Retry WebhookRetryConfig `yaml:"retry,omitempty"`

	// Timeout bounds one HTTP request (default: 10s).
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// WebhookRetryConfig holds retry configuration for webhooks.
type WebhookRetryConfig struct {
	// MaxAttempts is the maximum number of attempts (default: 3).
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Backoff strategy: linear, exponential or fixed (default: exponential).
	Backoff string `yaml:"backoff,omitempty"`

	// InitialWait is the wait before the second attempt (default: 1s).
	InitialWait time.Duration `yaml:"initial_wait,omitempty"`
}

func (n *NotificationsConfig) applyDefaults() {
	if n.QueueSize == 0 {
		n.QueueSize = DefaultNotificationQueue
	}
	for i := range n.Webhooks {
		w := &n.Webhooks[i]
		if w.Method == "" {
			w.Method = "POST"
		}
		if w.Timeout == 0 {
			w.Timeout = 10 * time.Second
		}
		if w.Retry.MaxAttempts == 0 {
			w.Retry.MaxAttempts = 3
		}
		if w.Retry.Backoff == "" {
			w.Retry.Backoff = "exponential"
		}
		if w.Retry.InitialWait == 0 {
			w.Retry.InitialWait = time.Second
		}
	}
}

func (n *NotificationsConfig) validate() error {
	for i, w := range n.Webhooks {
		field := fmt.Sprintf("notifications.webhooks[%d]", i)

		parsed, err := url.Parse(w.URL)
		if w.URL == "" || err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return dserrors.ConfigError{
				Field:      field + ".url",
				Value:      w.URL,
				Message:    "a valid absolute URL is required",
				Suggestion: "Use a URL such as https://hooks.example.com/dbrotate",
			}
		}
		switch strings.ToUpper(w.Method) {
		case "POST", "PUT", "PATCH":
		default:
			return dserrors.ConfigError{Field: field + ".method", Value: w.Method, Message: "must be POST, PUT or PATCH"}
		}
		switch strings.ToLower(w.Retry.Backoff) {
		case "linear", "exponential", "fixed":
		default:
			return dserrors.ConfigError{Field: field + ".retry.backoff", Value: w.Retry.Backoff, Message: "must be linear, exponential or fixed"}
		}
		for _, e := range w.Events {
			switch strings.ToLower(e) {
			case EventInitialized, EventRotated, EventFailed:
			default:
				return dserrors.ConfigError{
					Field:      field + ".events",
					Value:      e,
					Message:    "unknown event",
					Suggestion: "Valid events: initialized, rotated, failed",
				}
			}
		}
		if w.Timeout < 0 || w.Retry.InitialWait < 0 || w.Retry.MaxAttempts < 0 {
			return dserrors.ConfigError{Field: field, Message: "timeouts and retry settings must not be negative"}
		}
	}
	return nil
}
