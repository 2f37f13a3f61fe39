package chatbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/mbrandolli/tandem/internal/backend"
	"github.com/mbrandolli/tandem/internal/bus"
	"github.com/mbrandolli/tandem/internal/executor"
	"github.com/mbrandolli/tandem/internal/guard"
	"github.com/mbrandolli/tandem/internal/mapping"
	"github.com/mbrandolli/tandem/internal/task"
)

type fakeTransport struct {
	mu     sync.Mutex
	sends  []string
	edits  []string
	onSend func(text string)
}

func (f *fakeTransport) Name() string { return chatTransport }

func (f *fakeTransport) MessageLimit() int { return 3900 }

func (f *fakeTransport) Send(_ context.Context, _, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	if f.onSend != nil {
		f.onSend(text)
	}
	return fmt.Sprintf("m%d", len(f.sends)), nil
}

func (f *fakeTransport) Edit(_ context.Context, _, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTransport) Exists(context.Context, string) (bool, error) { return true, nil }

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

type botHarness struct {
	bot       *Bot
	guard     *guard.ChannelGuard
	mapper    *mapping.Mapper
	opener    *backend.MockOpener
	transport *fakeTransport
}

func newBotHarness(t *testing.T) *botHarness {
	t.Helper()
	g := guard.New()
	m := mapping.NewMapper(mapping.NewMemoryStore())
	opener := backend.NewMockOpener()
	exec := executor.New(task.NewRegistry(time.Minute), opener, bus.New(), "")
	tr := &fakeTransport{}
	return &botHarness{
		bot:       newBot(tr, g, m, exec, 10*time.Millisecond, "/srv/projects/demo", 30*time.Second),
		guard:     g,
		mapper:    m,
		opener:    opener,
		transport: tr,
	}
}

func chatMessage(chatID int64, text string) telego.Message {
	return telego.Message{
		Chat: telego.Chat{ID: chatID},
		From: &telego.User{Username: "tester"},
		Text: text,
	}
}

func TestHandleMessageLockedChannelReplies(t *testing.T) {
	h := newBotHarness(t)

	if !h.guard.TryAcquire("99") {
		t.Fatalf("could not pre-lock channel")
	}
	defer h.guard.Release("99")

	h.bot.handleMessage(context.Background(), chatMessage(99, "do something"))

	sends := h.transport.sent()
	if len(sends) != 1 {
		t.Fatalf("got %d replies, want 1", len(sends))
	}
	if !strings.Contains(strings.ToLower(sends[0]), "already running") {
		t.Fatalf("reply = %q, want mention of a running task", sends[0])
	}
	if calls := h.opener.OpenCalls(); calls != 0 {
		t.Fatalf("backend stream opened %d times for a rejected prompt, want 0", calls)
	}
}

func TestHandleMessagePersistsSessionBeforeFirstRender(t *testing.T) {
	h := newBotHarness(t)

	mappedAtFirstRender := false
	first := true
	h.transport.onSend = func(string) {
		if !first {
			return
		}
		first = false
		_, err := h.mapper.GetSessionMapping(context.Background(), "99")
		mappedAtFirstRender = err == nil
	}

	h.bot.handleMessage(context.Background(), chatMessage(99, "hello"))

	if !mappedAtFirstRender {
		t.Fatalf("session mapping missing at first render")
	}
	cm, err := h.mapper.GetChannelMapping(context.Background(), "99")
	if err != nil {
		t.Fatalf("GetChannelMapping() error = %v", err)
	}
	if cm.SessionID == "" {
		t.Fatalf("mapping has no session id after the turn")
	}
	if cm.Transport != chatTransport {
		t.Fatalf("mapping transport = %q, want %q", cm.Transport, chatTransport)
	}
	if calls := h.opener.OpenCalls(); calls != 1 {
		t.Fatalf("OpenCalls() = %d, want 1", calls)
	}
}

func TestHandleMessageResumedSessionFollowsNewID(t *testing.T) {
	h := newBotHarness(t)

	err := h.mapper.SaveChannelMapping(context.Background(), mapping.ChannelMapping{
		ChannelID: "99",
		Transport: chatTransport,
		SessionID: "old-session",
		ProjectID: "99",
	})
	if err != nil {
		t.Fatalf("SaveChannelMapping() error = %v", err)
	}

	// The backend mints a fresh session id when resuming.
	h.opener.Script = []backend.Message{
		{Type: backend.TypeSystem, Subtype: backend.SubtypeInit, SessionID: "minted-session"},
		{Type: backend.TypeAssistant, SessionID: "minted-session", Message: &backend.InnerMessage{
			Content: []backend.ContentBlock{backend.TextBlock("resumed")},
		}},
		{Type: backend.TypeResult, Subtype: "success", SessionID: "minted-session", Result: "resumed"},
	}

	h.bot.handleMessage(context.Background(), chatMessage(99, "continue"))

	cm, err := h.mapper.GetChannelMapping(context.Background(), "99")
	if err != nil {
		t.Fatalf("GetChannelMapping() error = %v", err)
	}
	if cm.SessionID != "minted-session" {
		t.Fatalf("mapping session = %q, want minted-session", cm.SessionID)
	}
}

func TestRejectionMessages(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{executor.ErrAlreadyRunning, "already running"},
		{executor.ErrAccessDenied, "outside"},
		{executor.ErrEmptyPrompt, "empty"},
		{errors.New("boom"), "try again"},
	}
	for _, tc := range cases {
		got := rejectionMessage(tc.err)
		if got == "" {
			t.Fatalf("rejectionMessage(%v) is empty", tc.err)
		}
		if !strings.Contains(strings.ToLower(got), tc.want) {
			t.Fatalf("rejectionMessage(%v) = %q, want mention of %q", tc.err, got, tc.want)
		}
	}
}
