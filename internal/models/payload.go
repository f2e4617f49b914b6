package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Job classes understood by the worker. Each class has a typed payload so a
// malformed message is rejected before it reaches the consumer.
const (
	JobClassInvalidateCache = "invalidate_cache"
	JobClassSendWebhook     = "send_webhook"
	JobClassArchiveReport   = "archive_report"
)

var ErrUnknownJobClass = errors.New("unknown job class")

// CacheInvalidationPayload names the cache keys made stale by an event.
type CacheInvalidationPayload struct {
	Keys []string `json:"keys"`
}

func (p CacheInvalidationPayload) validate() error {
	if len(p.Keys) == 0 {
		return errors.New("keys must not be empty")
	}
	return nil
}

// WebhookPayload describes a notification POSTed to a subscriber endpoint.
type WebhookPayload struct {
	URL       string          `json:"url"`
	EventType string          `json:"event_type"`
	Body      json.RawMessage `json:"body"`
}

func (p WebhookPayload) validate() error {
	if p.URL == "" {
		return errors.New("url is required")
	}
	if p.EventType == "" {
		return errors.New("event_type is required")
	}
	return nil
}

// ReportArchivePayload describes a generated report to be written to object storage.
type ReportArchivePayload struct {
	Key         string          `json:"key"`
	ContentType string          `json:"content_type"`
	Document    json.RawMessage `json:"document"`
}

func (p ReportArchivePayload) validate() error {
	if p.Key == "" {
		return errors.New("key is required")
	}
	if len(p.Document) == 0 {
		return errors.New("document is required")
	}
	return nil
}

// DecodeJobPayload parses and validates raw payload bytes for the given job
// class. It returns the typed payload or an error describing what is malformed.
func DecodeJobPayload(class string, raw json.RawMessage) (any, error) {
	switch class {
	case JobClassInvalidateCache:
		var p CacheInvalidationPayload
		if err := decodeInto(raw, &p); err != nil {
			return nil, err
		}
		return p, p.validate()
	case JobClassSendWebhook:
		var p WebhookPayload
		if err := decodeInto(raw, &p); err != nil {
			return nil, err
		}
		return p, p.validate()
	case JobClassArchiveReport:
		var p ReportArchivePayload
		if err := decodeInto(raw, &p); err != nil {
			return nil, err
		}
		return p, p.validate()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobClass, class)
	}
}

func decodeInto(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
