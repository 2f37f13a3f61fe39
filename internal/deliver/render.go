package deliver

import (
	"fmt"
	"strings"
	"time"

	"github.com/mbrandolli/tandem/internal/task"
)

// Renderer accumulates one turn's worth of normalized events into the body
// of a single live outbound message. One Renderer serves one channel; turn
// state is reset on terminal events while the channel association stays
// with the caller.
type Renderer struct {
	text    strings.Builder
	tools   []string
	notices []string
	model   string
}

func NewRenderer() *Renderer {
	return &Renderer{}
}

// Observe folds one event into the accumulated state. The second return
// value marks events that must reach the user regardless of throttling.
func (r *Renderer) Observe(ev task.Event) (dirty, urgent bool) {
	switch ev.Kind {
	case task.EventText:
		r.text.WriteString(ev.Content)
		if ev.Model != "" {
			r.model = ev.Model
		}
		return true, false
	case task.EventToolUse:
		r.tools = append(r.tools, ev.Tool)
		return true, false
	case task.EventToolResult:
		if ev.IsError {
			r.notices = append(r.notices, "tool "+shortID(ev.ToolUseID)+" failed: "+firstLine(ev.Content))
			return true, true
		}
		return false, false
	case task.EventAskUserQuestion:
		for _, q := range ev.Questions {
			notice := "question: " + q.Text
			if len(q.Options) > 0 {
				notice += " [" + strings.Join(q.Options, " / ") + "]"
			}
			r.notices = append(r.notices, notice)
		}
		return true, true
	}
	return false, false
}

// Live renders the current in-flight body: notices first, then streamed
// text, then an activity line for the most recent tool call.
func (r *Renderer) Live() string {
	var b strings.Builder
	r.writeNotices(&b)
	b.WriteString(r.text.String())
	if len(r.tools) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("running " + r.tools[len(r.tools)-1] + "...")
	}
	return strings.TrimSpace(b.String())
}

// Final renders the completed turn with a footer built from the result
// event. Never throttled.
func (r *Renderer) Final(ev task.Event) string {
	var b strings.Builder
	r.writeNotices(&b)
	b.WriteString(r.text.String())
	if ev.Result != "" && strings.TrimSpace(r.text.String()) == "" {
		b.WriteString(ev.Result)
	}

	marker := "done"
	if ev.Subtype != "" && ev.Subtype != "success" {
		marker = ev.Subtype
	}
	footer := []string{marker}
	if ev.Duration > 0 {
		footer = append(footer, ev.Duration.Round(100*time.Millisecond).String())
	}
	if ev.CostUSD > 0 {
		footer = append(footer, fmt.Sprintf("$%.4f", ev.CostUSD))
	}
	if n := len(r.tools); n == 1 {
		footer = append(footer, "1 tool call")
	} else if n > 1 {
		footer = append(footer, fmt.Sprintf("%d tool calls", n))
	}

	body := strings.TrimSpace(b.String())
	if body == "" {
		return strings.Join(footer, " | ")
	}
	return body + "\n\n" + strings.Join(footer, " | ")
}

// Error renders a failure replacement for the live message with a retry
// hint appended.
func (r *Renderer) Error(ev task.Event) string {
	msg := strings.TrimSpace(ev.Message)
	if msg == "" {
		msg = "Something went wrong while running the agent."
	}
	return msg + "\n\nSend your prompt again to retry."
}

// Reset clears per-turn accumulation. The caller keeps the Renderer so a
// follow-up prompt on the same channel starts clean.
func (r *Renderer) Reset() {
	r.text.Reset()
	r.tools = nil
	r.notices = nil
}

// Text returns the accumulated streamed text.
func (r *Renderer) Text() string {
	return r.text.String()
}

func (r *Renderer) writeNotices(b *strings.Builder) {
	for _, n := range r.notices {
		b.WriteString("! " + n + "\n")
	}
	if len(r.notices) > 0 {
		b.WriteString("\n")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "call"
	}
	return id
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
