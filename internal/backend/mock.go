package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// MockOpener replays scripted message sequences when no agent CLI is
// available, and doubles as the test double: it counts stream opens and can
// inject open or mid-stream failures.
type MockOpener struct {
	mu        sync.Mutex
	opens     int
	OpenErr   error
	StreamErr error
	// ErrAfter injects StreamErr after this many messages (0 = before any).
	ErrAfter int
	// Script overrides the default echo conversation when non-nil.
	Script []Message
}

func NewMockOpener() *MockOpener { return &MockOpener{ErrAfter: -1} }

func (o *MockOpener) OpenStream(ctx context.Context, prompt string, opts StreamOptions) (Stream, error) {
	o.mu.Lock()
	o.opens++
	openErr := o.OpenErr
	script := o.Script
	streamErr := o.StreamErr
	errAfter := o.ErrAfter
	o.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, openErr
	}
	if script == nil {
		script = defaultScript(prompt, opts)
	}
	return &mockStream{
		messages: script,
		err:      streamErr,
		errAfter: errAfter,
	}, nil
}

// OpenCalls reports how many times a stream was opened.
func (o *MockOpener) OpenCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func defaultScript(prompt string, opts StreamOptions) []Message {
	sessionID := opts.ResumeSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	reply := fmt.Sprintf("I heard you: %s", prompt)
	return []Message{
		{
			Type:      TypeSystem,
			Subtype:   SubtypeInit,
			SessionID: sessionID,
			CWD:       opts.CWD,
			Model:     opts.Model,
		},
		{
			Type:      TypeAssistant,
			SessionID: sessionID,
			Message: &InnerMessage{
				Model: opts.Model,
				Content: []ContentBlock{
					{Type: "text", Text: reply},
				},
			},
		},
		{
			Type:         TypeResult,
			Subtype:      "success",
			SessionID:    sessionID,
			Result:       reply,
			TotalCostUSD: 0.001,
			DurationMS:   42,
		},
	}
}

type mockStream struct {
	messages []Message
	err      error
	errAfter int
	pos      int
	closed   bool
}

func (s *mockStream) Next(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if s.err != nil && s.errAfter >= 0 && s.pos >= s.errAfter {
		return Message{}, s.err
	}
	if s.closed || s.pos >= len(s.messages) {
		return Message{}, io.EOF
	}
	msg := s.messages[s.pos]
	s.pos++
	return msg, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}

// TextBlock is a script-building helper for tests.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ToolUseBlock is a script-building helper for tests.
func ToolUseBlock(id, name string, input any) ContentBlock {
	raw, _ := json.Marshal(input)
	return ContentBlock{Type: "tool_use", ID: id, Name: name, Input: raw}
}
