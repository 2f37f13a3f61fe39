package reliability

import (
	"errors"
	"testing"
	"time"
)

func TestClassifyOpenError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"rate limit", errors.New("HTTP 429 Too Many Requests"), CategoryBackendRateLimited},
		{"auth", errors.New("invalid api key provided"), CategoryBackendAuthFailed},
		{"malformed", errors.New("bad request: unknown option --frobnicate"), CategoryBackendMalformedRequest},
		{"transient", errors.New("dial tcp: connection refused"), CategoryBackendUnavailable},
		{"missing binary", errors.New(`exec: "claude": executable file not found in $PATH`), CategoryBackendUnavailable},
		{"unknown defaults transient", errors.New("something odd"), CategoryBackendUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyOpenError(tc.err); got != tc.want {
				t.Fatalf("ClassifyOpenError(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyStreamErrorDefaultsToCrash(t *testing.T) {
	if got := ClassifyStreamError(errors.New("something odd")); got != CategoryBackendCrashed {
		t.Fatalf("ClassifyStreamError() = %q, want %q", got, CategoryBackendCrashed)
	}
	if got := ClassifyStreamError(errors.New("signal: killed")); got != CategoryBackendCrashed {
		t.Fatalf("ClassifyStreamError(killed) = %q, want %q", got, CategoryBackendCrashed)
	}
	if got := ClassifyStreamError(errors.New("rate limit exceeded")); got != CategoryBackendRateLimited {
		t.Fatalf("ClassifyStreamError(rate limit) = %q, want %q", got, CategoryBackendRateLimited)
	}
}

func TestUserMessageNeverEmpty(t *testing.T) {
	cats := []Category{
		CategoryAccessDenied,
		CategoryAlreadyRunning,
		CategoryBackendUnavailable,
		CategoryBackendRateLimited,
		CategoryBackendAuthFailed,
		CategoryBackendMalformedRequest,
		CategoryBackendCrashed,
		CategoryTransportDeliveryFailed,
		Category("made_up"),
	}
	for _, c := range cats {
		if UserMessage(c) == "" {
			t.Fatalf("UserMessage(%q) empty", c)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 2 * time.Second

	if got := ExponentialBackoff(0, base, cap); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, cap); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, cap); got != cap {
		t.Fatalf("attempt 10 = %v, want cap %v", got, cap)
	}
}
