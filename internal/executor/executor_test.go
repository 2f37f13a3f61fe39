package executor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/mbrandolli/tandem/internal/backend"
	"github.com/mbrandolli/tandem/internal/bus"
	"github.com/mbrandolli/tandem/internal/task"
)

func newTestExecutor(opener backend.Opener, sandboxRoot string) *Executor {
	return New(task.NewRegistry(time.Minute), opener, bus.New(), sandboxRoot)
}

func drain(t *testing.T, ch <-chan task.Event) []task.Event {
	t.Helper()
	var out []task.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event stream did not terminate")
		}
	}
}

// stallOpener emits an init message and then blocks until released or
// cancelled, so tests can observe mid-flight state.
type stallOpener struct {
	sessionID string
	release   chan struct{}
}

func (o *stallOpener) OpenStream(_ context.Context, _ string, opts backend.StreamOptions) (backend.Stream, error) {
	sessionID := o.sessionID
	if opts.ResumeSessionID != "" {
		sessionID = opts.ResumeSessionID
	}
	return &stallStream{sessionID: sessionID, release: o.release}, nil
}

type stallStream struct {
	sessionID string
	release   chan struct{}
	sentInit  bool
}

func (s *stallStream) Next(ctx context.Context) (backend.Message, error) {
	if !s.sentInit {
		s.sentInit = true
		return backend.Message{Type: backend.TypeSystem, Subtype: backend.SubtypeInit, SessionID: s.sessionID}, nil
	}
	select {
	case <-ctx.Done():
		return backend.Message{}, ctx.Err()
	case <-s.release:
		return backend.Message{}, io.EOF
	}
}

func (s *stallStream) Close() error { return nil }

func TestExecuteNewSessionInitFirst(t *testing.T) {
	e := newTestExecutor(backend.NewMockOpener(), "")

	events, err := e.Execute(context.Background(), Request{Prompt: "hello", ProjectPath: "/tmp/p"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got := drain(t, events)

	var sawInit, sawText bool
	var sessionID string
	for _, ev := range got {
		switch ev.Kind {
		case task.EventSessionInit:
			if sawText {
				t.Fatalf("text event arrived before session_init")
			}
			if !ev.IsNew {
				t.Fatalf("session_init.IsNew = false, want true for null session start")
			}
			sawInit = true
			sessionID = ev.SessionID
		case task.EventText:
			sawText = true
		}
	}
	if !sawInit || !sawText {
		t.Fatalf("stream missing init (%v) or text (%v)", sawInit, sawText)
	}

	// Registered under the backend-assigned id.
	rec, err := e.Registry().Get(sessionID)
	if err != nil {
		t.Fatalf("Registry().Get(%q) error = %v", sessionID, err)
	}
	if rec.Status != task.StatusCompleted {
		t.Fatalf("final status = %q, want %q", rec.Status, task.StatusCompleted)
	}
}

func TestExecuteLogStreamParity(t *testing.T) {
	e := newTestExecutor(backend.NewMockOpener(), "")

	events, err := e.Execute(context.Background(), Request{Prompt: "parity check", ProjectPath: "/tmp/p"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	streamed := drain(t, events)

	var sessionID string
	for _, ev := range streamed {
		if ev.Kind == task.EventSessionInit {
			sessionID = ev.SessionID
		}
	}
	rec, err := e.Registry().Get(sessionID)
	if err != nil {
		t.Fatalf("Registry().Get() error = %v", err)
	}

	if len(rec.Results) != len(streamed) {
		t.Fatalf("log has %d events, stream yielded %d", len(rec.Results), len(streamed))
	}
	for i := range streamed {
		if rec.Results[i].Kind != streamed[i].Kind || rec.Results[i].Content != streamed[i].Content {
			t.Fatalf("log[%d] = %s/%q, stream[%d] = %s/%q",
				i, rec.Results[i].Kind, rec.Results[i].Content, i, streamed[i].Kind, streamed[i].Content)
		}
	}
}

func TestExecuteRejectsConcurrentSession(t *testing.T) {
	release := make(chan struct{})
	e := newTestExecutor(&stallOpener{release: release}, "")

	events, err := e.Execute(context.Background(), Request{SessionID: "s1", Prompt: "first", ProjectPath: "/tmp/p"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	// Wait for running status before racing the second prompt.
	<-events

	if _, err := e.Execute(context.Background(), Request{SessionID: "s1", Prompt: "second", ProjectPath: "/tmp/p"}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("concurrent Execute() error = %v, want ErrAlreadyRunning", err)
	}

	close(release)
	drain(t, events)
}

func TestExecuteSequentialTurnsSucceed(t *testing.T) {
	opener := backend.NewMockOpener()
	e := newTestExecutor(opener, "")

	events, err := e.Execute(context.Background(), Request{Prompt: "turn one", ProjectPath: "/tmp/p"})
	if err != nil {
		t.Fatalf("Execute() first error = %v", err)
	}
	first := drain(t, events)
	var sessionID string
	for _, ev := range first {
		if ev.Kind == task.EventSessionInit {
			sessionID = ev.SessionID
		}
	}
	if sessionID == "" {
		t.Fatalf("no session id assigned on first turn")
	}

	events, err = e.Execute(context.Background(), Request{SessionID: sessionID, Prompt: "turn two", ProjectPath: "/tmp/p"})
	if err != nil {
		t.Fatalf("Execute() second turn error = %v, want success after terminal first turn", err)
	}
	drain(t, events)
	if got := opener.OpenCalls(); got != 2 {
		t.Fatalf("OpenCalls() = %d, want 2", got)
	}
}

func TestExecuteCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	e := newTestExecutor(&stallOpener{sessionID: "s1", release: release}, "")

	events, err := e.Execute(context.Background(), Request{SessionID: "s1", Prompt: "long job", ProjectPath: "/tmp/p"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	// Consume running + init, then cancel mid-stream.
	<-events
	<-events
	if !e.Cancel("s1") {
		t.Fatalf("Cancel() = false, want true")
	}
	rest := drain(t, events)

	if len(rest) != 1 {
		t.Fatalf("events after cancel = %d, want exactly one terminal status", len(rest))
	}
	last := rest[0]
	if last.Kind != task.EventTaskStatus || last.Status != task.StatusCancelled {
		t.Fatalf("terminal event = %s/%s, want task_status/cancelled", last.Kind, last.Status)
	}

	rec, err := e.Registry().Get("s1")
	if err != nil {
		t.Fatalf("Registry().Get() error = %v", err)
	}
	if rec.Status != task.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", rec.Status)
	}
	if lastLogged := rec.Results[len(rec.Results)-1]; lastLogged.Kind != task.EventTaskStatus || lastLogged.Status != task.StatusCancelled {
		t.Fatalf("log continued past cancellation: %v", lastLogged)
	}
}

func TestExecuteMidStreamFailure(t *testing.T) {
	opener := backend.NewMockOpener()
	opener.Script = []backend.Message{
		{Type: backend.TypeSystem, Subtype: backend.SubtypeInit, SessionID: "s1"},
		{Type: backend.TypeAssistant, SessionID: "s1", Message: &backend.InnerMessage{Content: []backend.ContentBlock{backend.TextBlock("partial")}}},
	}
	opener.StreamErr = errors.New("signal: killed")
	opener.ErrAfter = 2

	e := newTestExecutor(opener, "")
	events, err := e.Execute(context.Background(), Request{SessionID: "s1", Prompt: "x", ProjectPath: "/tmp/p"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got := drain(t, events)

	var errCount, terminalCount int
	for _, ev := range got {
		if ev.Kind == task.EventError {
			errCount++
		}
		if ev.Kind == task.EventTaskStatus && ev.Status == task.StatusError {
			terminalCount++
		}
	}
	if errCount != 1 || terminalCount != 1 {
		t.Fatalf("error events = %d, error statuses = %d, want exactly 1 each", errCount, terminalCount)
	}

	// Registry keeps the terminal record until the GC delay, not removed
	// immediately.
	rec, err := e.Registry().Get("s1")
	if err != nil {
		t.Fatalf("Registry().Get() right after failure error = %v", err)
	}
	if rec.Status != task.StatusError {
		t.Fatalf("status = %q, want error", rec.Status)
	}
}

func TestExecuteOpenFailure(t *testing.T) {
	opener := backend.NewMockOpener()
	opener.OpenErr = errors.New("dial tcp: connection refused")

	e := newTestExecutor(opener, "")
	events, err := e.Execute(context.Background(), Request{SessionID: "s1", Prompt: "x", ProjectPath: "/tmp/p"})
	if err != nil {
		t.Fatalf("Execute() error = %v (open failures surface as events)", err)
	}
	got := drain(t, events)

	var sawError bool
	for _, ev := range got {
		if ev.Kind == task.EventError {
			sawError = true
			if ev.Message == "" {
				t.Fatalf("error event carries empty message")
			}
		}
	}
	if !sawError {
		t.Fatalf("no error event after open failure")
	}
}

func TestExecuteGuards(t *testing.T) {
	e := newTestExecutor(backend.NewMockOpener(), "/srv/projects")

	if _, err := e.Execute(context.Background(), Request{Prompt: "  ", ProjectPath: "/srv/projects/a"}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("empty prompt error = %v, want ErrEmptyPrompt", err)
	}
	if _, err := e.Execute(context.Background(), Request{Prompt: "x", ProjectPath: "/etc"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("escaped path error = %v, want ErrAccessDenied", err)
	}
	if _, err := e.Execute(context.Background(), Request{Prompt: "x", ProjectPath: "/srv/projects/../../etc"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("traversal path error = %v, want ErrAccessDenied", err)
	}
	if _, err := e.Execute(context.Background(), Request{Prompt: "x", ProjectPath: "/srv/projects/api"}); err != nil {
		t.Fatalf("sandboxed path error = %v, want success", err)
	}
}

func TestExecuteBusMirrorsStream(t *testing.T) {
	e := newTestExecutor(backend.NewMockOpener(), "")
	b := e.events

	events, err := e.Execute(context.Background(), Request{SessionID: "s1", Prompt: "mirrored", ProjectPath: "/tmp/p"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	mirror, cancel := b.Subscribe("s1")
	defer cancel()

	direct := drain(t, events)

	var mirrored []task.Event
	timeout := time.After(2 * time.Second)
	for len(mirrored) < len(direct) {
		select {
		case ev := <-mirror:
			mirrored = append(mirrored, ev)
		case <-timeout:
			// Events published before the subscription are legitimately
			// missed; only ordering of the observed suffix matters.
			goto compare
		}
	}
compare:
	for i := 1; i < len(mirrored); i++ {
		if mirrored[i].At.Before(mirrored[i-1].At) {
			t.Fatalf("bus delivered events out of order")
		}
	}
}
