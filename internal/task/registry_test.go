package task

import (
	"context"
	"testing"
	"time"
)

func TestRegistryBeginRejectsSecondRunner(t *testing.T) {
	r := NewRegistry(time.Minute)

	h, err := r.Begin("s1", func() {})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if got := h.Task().Status; got != StatusRunning {
		t.Fatalf("status = %q, want %q", got, StatusRunning)
	}

	if _, err := r.Begin("s1", func() {}); err != ErrTaskRunning {
		t.Fatalf("second Begin() error = %v, want ErrTaskRunning", err)
	}

	h.Finish(StatusCompleted, "")
	if _, err := r.Begin("s1", func() {}); err != nil {
		t.Fatalf("Begin() after terminal error = %v", err)
	}
}

func TestRegistryReusesRecordAcrossTurns(t *testing.T) {
	r := NewRegistry(time.Minute)

	h1, err := r.Begin("s1", func() {})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	h1.Append(Event{Kind: EventText, Content: "turn one"})
	h1.Finish(StatusCompleted, "")
	firstID := h1.Task().ID

	h2, err := r.Begin("s1", func() {})
	if err != nil {
		t.Fatalf("Begin() second turn error = %v", err)
	}
	got := h2.Task()
	if got.ID == firstID {
		t.Fatalf("task id not regenerated across invocations")
	}
	if len(got.Results) != 1 {
		t.Fatalf("results len = %d, want 1 (log survives across turns)", len(got.Results))
	}
	if got.Error != "" {
		t.Fatalf("error not cleared on new invocation: %q", got.Error)
	}
}

func TestRegistryBindDetachedRecord(t *testing.T) {
	r := NewRegistry(time.Minute)

	h, err := r.Begin("", func() {})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := r.Get("new-session"); err != ErrNotFound {
		t.Fatalf("Get() before Bind error = %v, want ErrNotFound", err)
	}

	h.Bind("new-session")
	got, err := r.Get("new-session")
	if err != nil {
		t.Fatalf("Get() after Bind error = %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("bound task status = %q, want %q", got.Status, StatusRunning)
	}
}

func TestRegistryGCDelay(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)

	h, err := r.Begin("s1", func() {})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	h.Finish(StatusError, "boom")

	// Immediately after completion the terminal status is still observable.
	got, err := r.Get("s1")
	if err != nil {
		t.Fatalf("Get() right after Finish error = %v", err)
	}
	if got.Status != StatusError || got.Error != "boom" {
		t.Fatalf("terminal snapshot = %q/%q, want error/boom", got.Status, got.Error)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Get("s1"); err == ErrNotFound {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("terminal task never swept from registry")
}

func TestRegistryGCCancelledByNewInvocation(t *testing.T) {
	r := NewRegistry(30 * time.Millisecond)

	h, err := r.Begin("s1", func() {})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	h.Finish(StatusCompleted, "")

	if _, err := r.Begin("s1", func() {}); err != nil {
		t.Fatalf("Begin() second error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	got, err := r.Get("s1")
	if err != nil {
		t.Fatalf("running task swept by stale GC timer: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("status = %q, want %q", got.Status, StatusRunning)
	}
}

func TestRegistryCancelFlipsToken(t *testing.T) {
	r := NewRegistry(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := r.Begin("s1", cancel)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	if !r.Cancel("s1") {
		t.Fatalf("Cancel() = false, want true for running task")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("cancel token not flipped")
	}

	h.Finish(StatusCancelled, "")
	if r.Cancel("s1") {
		t.Fatalf("Cancel() = true on terminal task, want false")
	}
}
