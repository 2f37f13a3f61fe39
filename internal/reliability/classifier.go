// Package reliability maps raw backend and transport failures onto the small
// fixed set of user-safe error categories. Raw error text never crosses the
// executor boundary; only a category and its message do.
package reliability

import (
	"strings"
	"time"
)

type Category string

const (
	CategoryAccessDenied            Category = "access_denied"
	CategoryAlreadyRunning          Category = "already_running"
	CategoryBackendUnavailable      Category = "backend_unavailable"
	CategoryBackendRateLimited      Category = "backend_rate_limited"
	CategoryBackendAuthFailed       Category = "backend_auth_failed"
	CategoryBackendMalformedRequest Category = "backend_malformed_request"
	CategoryBackendCrashed          Category = "backend_crashed"
	CategoryTransportDeliveryFailed Category = "transport_delivery_failed"
)

// ClassifyOpenError categorizes a failure to open the backend stream.
// Unmatched failures default to transient unavailability.
func ClassifyOpenError(err error) Category {
	if cat, ok := matchRaw(err); ok {
		return cat
	}
	return CategoryBackendUnavailable
}

// ClassifyStreamError categorizes a mid-stream failure. At that point the
// backend process was alive, so unmatched failures default to a crash.
func ClassifyStreamError(err error) Category {
	if cat, ok := matchRaw(err); ok {
		return cat
	}
	return CategoryBackendCrashed
}

func matchRaw(err error) (Category, bool) {
	if err == nil {
		return "", false
	}
	raw := strings.ToLower(err.Error())
	switch {
	case containsAny(raw, "rate limit", "rate_limit", "too many requests", "429", "resource exhausted", "overloaded"):
		return CategoryBackendRateLimited, true
	case containsAny(raw, "unauthorized", "authentication", "invalid api key", "api key", "401", "403 forbidden", "credit balance"):
		return CategoryBackendAuthFailed, true
	case containsAny(raw, "invalid request", "malformed", "bad request", "400", "unknown option", "invalid argument"):
		return CategoryBackendMalformedRequest, true
	case containsAny(raw, "500", "502", "503", "504", "connection refused", "connection reset", "no such host", "i/o timeout", "deadline exceeded", "executable file not found"):
		return CategoryBackendUnavailable, true
	case containsAny(raw, "exit status", "signal:", "killed", "broken pipe", "unexpected eof"):
		return CategoryBackendCrashed, true
	default:
		return "", false
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// UserMessage renders a category as the human-readable text shown on every
// surface. Callers never see raw backend stack traces.
func UserMessage(cat Category) string {
	switch cat {
	case CategoryAccessDenied:
		return "That project path is outside the allowed workspace."
	case CategoryAlreadyRunning:
		return "A task is already running for this conversation. Cancel it first or wait for it to finish."
	case CategoryBackendRateLimited:
		return "The agent is rate limited right now. Wait a moment and try again."
	case CategoryBackendAuthFailed:
		return "The agent backend rejected our credentials. Check the configured API access."
	case CategoryBackendMalformedRequest:
		return "The agent backend rejected the request as invalid. Rephrase and try again."
	case CategoryBackendCrashed:
		return "The agent crashed mid-response. Re-send the prompt to retry."
	case CategoryTransportDeliveryFailed:
		return "Delivering the response to the conversation failed."
	default:
		return "The agent backend is temporarily unavailable. Try again shortly."
	}
}

// Retryable reports whether re-sending the same prompt is a reasonable user
// action for this category.
func Retryable(cat Category) bool {
	switch cat {
	case CategoryBackendUnavailable, CategoryBackendRateLimited, CategoryBackendCrashed, CategoryTransportDeliveryFailed:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
