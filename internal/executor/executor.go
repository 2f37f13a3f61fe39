// Package executor turns one (session, prompt) request into the normalized,
// ordered event stream and drives the task registry through it. This is the
// only package allowed to see backend-native message shapes.
package executor

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/mbrandolli/tandem/internal/backend"
	"github.com/mbrandolli/tandem/internal/bus"
	"github.com/mbrandolli/tandem/internal/observability"
	"github.com/mbrandolli/tandem/internal/reliability"
	"github.com/mbrandolli/tandem/internal/task"
)

var (
	ErrAlreadyRunning = errors.New("a task is already running for this session")
	ErrAccessDenied   = errors.New("project path outside the sandbox root")
	ErrEmptyPrompt    = errors.New("prompt must not be empty")
)

// Request describes one prompt invocation. SessionID empty means "start a
// new session"; ProjectPath is the caller-resolved workspace directory.
type Request struct {
	SessionID   string
	Prompt      string
	ProjectPath string
	Options     Options
}

type Options struct {
	PermissionMode string
	Model          string
}

type Executor struct {
	registry    *task.Registry
	opener      backend.Opener
	events      *bus.Bus
	sandboxRoot string
	defaults    Options
	metrics     *observability.Metrics
}

func New(registry *task.Registry, opener backend.Opener, events *bus.Bus, sandboxRoot string) *Executor {
	return &Executor{
		registry:    registry,
		opener:      opener,
		events:      events,
		sandboxRoot: strings.TrimSpace(sandboxRoot),
	}
}

// SetDefaultOptions fills in permission mode and model for requests that
// leave them empty.
func (e *Executor) SetDefaultOptions(opts Options) {
	e.defaults = opts
}

func (e *Executor) SetMetrics(m *observability.Metrics) {
	e.metrics = m
}

// Execute validates the request, claims the session, and starts the stream.
// Guard rejections come back as synchronous errors before any task state is
// touched; after a nil error the returned channel carries every outcome,
// errors included, and is closed when the invocation reaches a terminal
// status.
func (e *Executor) Execute(ctx context.Context, req Request) (<-chan task.Event, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if !e.pathAllowed(req.ProjectPath) {
		return nil, ErrAccessDenied
	}
	if req.Options.PermissionMode == "" {
		req.Options.PermissionMode = e.defaults.PermissionMode
	}
	if req.Options.Model == "" {
		req.Options.Model = e.defaults.Model
	}

	runCtx, cancel := context.WithCancel(ctx)
	h, err := e.registry.Begin(req.SessionID, cancel)
	if err != nil {
		cancel()
		if errors.Is(err, task.ErrTaskRunning) {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}

	out := make(chan task.Event, 64)
	go e.run(runCtx, cancel, h, req, out)
	return out, nil
}

// Cancel flips the session's cooperative cancellation token.
func (e *Executor) Cancel(sessionID string) bool {
	return e.registry.Cancel(sessionID)
}

// Registry exposes read access for status displays.
func (e *Executor) Registry() *task.Registry {
	return e.registry
}

func (e *Executor) pathAllowed(projectPath string) bool {
	if e.sandboxRoot == "" {
		return true
	}
	root := filepath.Clean(e.sandboxRoot)
	path := filepath.Clean(projectPath)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func (e *Executor) run(ctx context.Context, cancel context.CancelFunc, h *task.Handle, req Request, out chan<- task.Event) {
	defer cancel()
	defer close(out)

	sessionID := req.SessionID
	snapshot := h.Task()
	taskID := snapshot.ID

	// Every event is appended to the log and yielded to the caller in one
	// step. Late subscribers replay the log, live ones consume the stream;
	// the two must never diverge.
	emit := func(ev task.Event) {
		ev.At = time.Now().UTC()
		h.Append(ev)
		out <- ev
		if sessionID != "" {
			e.events.Publish(sessionID, ev)
		}
		if e.metrics != nil {
			e.metrics.TaskEvents.WithLabelValues(string(ev.Kind)).Inc()
		}
	}

	fail := func(cat reliability.Category) {
		msg := reliability.UserMessage(cat)
		emit(task.Event{Kind: task.EventError, Message: msg})
		h.Finish(task.StatusError, msg)
		emit(task.Event{Kind: task.EventTaskStatus, Status: task.StatusError, TaskID: taskID})
		if e.metrics != nil {
			e.metrics.BackendErrors.WithLabelValues(string(cat)).Inc()
			e.metrics.RunningTasks.Dec()
		}
	}

	if e.metrics != nil {
		e.metrics.RunningTasks.Inc()
	}
	emit(task.Event{Kind: task.EventTaskStatus, Status: task.StatusRunning, TaskID: taskID})

	stream, err := e.opener.OpenStream(ctx, req.Prompt, backend.StreamOptions{
		CWD:             req.ProjectPath,
		PermissionMode:  req.Options.PermissionMode,
		Model:           req.Options.Model,
		ResumeSessionID: req.SessionID,
	})
	if err != nil {
		if ctx.Err() != nil {
			e.finishCancelled(h, taskID, emit)
			return
		}
		fail(reliability.ClassifyOpenError(err))
		return
	}
	defer stream.Close()

	for {
		// Cancellation is checked before each backend message; buffered
		// output past this point is dropped, not flushed.
		if ctx.Err() != nil {
			e.finishCancelled(h, taskID, emit)
			return
		}

		msg, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				e.finishCancelled(h, taskID, emit)
				return
			}
			fail(reliability.ClassifyStreamError(err))
			return
		}

		if msg.Type == backend.TypeError {
			fail(reliability.ClassifyStreamError(errors.New(msg.Error)))
			return
		}

		for _, ev := range e.normalize(msg, req) {
			if ev.Kind == task.EventSessionInit && ev.IsNew {
				// The caller does not know the id yet; register the new
				// session before the event reaches any consumer.
				h.Bind(ev.SessionID)
				sessionID = ev.SessionID
			}
			emit(ev)
		}
	}

	h.Finish(task.StatusCompleted, "")
	emit(task.Event{Kind: task.EventTaskStatus, Status: task.StatusCompleted, TaskID: taskID})
	if e.metrics != nil {
		e.metrics.RunningTasks.Dec()
	}
}

func (e *Executor) finishCancelled(h *task.Handle, taskID string, emit func(task.Event)) {
	h.Finish(task.StatusCancelled, "")
	emit(task.Event{Kind: task.EventTaskStatus, Status: task.StatusCancelled, TaskID: taskID})
	if e.metrics != nil {
		e.metrics.RunningTasks.Dec()
	}
}

// normalize translates one backend-native message into zero or more
// normalized events, in content order.
func (e *Executor) normalize(msg backend.Message, req Request) []task.Event {
	switch msg.Type {
	case backend.TypeSystem:
		if msg.Subtype != backend.SubtypeInit {
			return nil
		}
		path := msg.CWD
		if path == "" {
			path = req.ProjectPath
		}
		return []task.Event{{
			Kind:        task.EventSessionInit,
			SessionID:   msg.SessionID,
			IsNew:       req.SessionID == "",
			ProjectPath: path,
		}}

	case backend.TypeAssistant:
		if msg.Message == nil {
			return nil
		}
		model := msg.Message.Model
		if model == "" {
			model = msg.Model
		}
		var out []task.Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				out = append(out, task.Event{Kind: task.EventText, Content: block.Text, Model: model})
			case "tool_use":
				if questions := parseQuestions(block); questions != nil {
					out = append(out, task.Event{
						Kind:      task.EventAskUserQuestion,
						ToolUseID: block.ID,
						Questions: questions,
					})
					continue
				}
				out = append(out, task.Event{
					Kind:      task.EventToolUse,
					Tool:      block.Name,
					Input:     block.Input,
					ToolUseID: block.ID,
					Model:     model,
				})
			}
		}
		return out

	case backend.TypeUser:
		if msg.Message == nil {
			return nil
		}
		var out []task.Event
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			out = append(out, task.Event{
				Kind:      task.EventToolResult,
				ToolUseID: block.ToolUseID,
				Content:   flattenContent(block.Content),
				IsError:   block.IsError,
			})
		}
		return out

	case backend.TypeResult:
		return []task.Event{{
			Kind:     task.EventResult,
			Subtype:  msg.Subtype,
			Result:   msg.Result,
			CostUSD:  msg.TotalCostUSD,
			Duration: time.Duration(msg.DurationMS) * time.Millisecond,
		}}

	default:
		return nil
	}
}
