// Package backend is the boundary to the agent process. Everything here is
// the backend's native wire shape; the executor's normalizer is the only
// consumer allowed to pattern-match on it.
package backend

import (
	"context"
	"encoding/json"
)

type MessageType string

const (
	TypeSystem    MessageType = "system"
	TypeAssistant MessageType = "assistant"
	TypeUser      MessageType = "user"
	TypeResult    MessageType = "result"
	TypeError     MessageType = "error"
)

const SubtypeInit = "init"

// Message is one raw entry of the backend's ordered stream, a loosely typed
// type/subtype union decoded straight from the wire.
type Message struct {
	Type      MessageType `json:"type"`
	Subtype   string      `json:"subtype,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	CWD       string      `json:"cwd,omitempty"`
	Model     string      `json:"model,omitempty"`

	Message *InnerMessage `json:"message,omitempty"`

	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`

	Error string `json:"error,omitempty"`
}

// InnerMessage carries assistant and tool-result content blocks.
type InnerMessage struct {
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// StreamOptions parameterize one stream open. ResumeSessionID empty means
// "start a new session".
type StreamOptions struct {
	CWD             string
	PermissionMode  string
	Model           string
	ResumeSessionID string
}

// Stream is one live, ordered backend message sequence. Next blocks until a
// message arrives, returns io.EOF when the backend finished cleanly, and any
// other error when it did not.
type Stream interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}

// Opener opens agent streams. Implementations: the agent CLI and the test
// mock.
type Opener interface {
	OpenStream(ctx context.Context, prompt string, opts StreamOptions) (Stream, error)
}
