package web

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mbrandolli/tandem/internal/bus"
	"github.com/mbrandolli/tandem/internal/deliver"
	"github.com/mbrandolli/tandem/internal/executor"
	"github.com/mbrandolli/tandem/internal/guard"
	"github.com/mbrandolli/tandem/internal/mapping"
	"github.com/mbrandolli/tandem/internal/observability"
	"github.com/mbrandolli/tandem/internal/protocol"
	"github.com/mbrandolli/tandem/internal/reliability"
	"github.com/mbrandolli/tandem/internal/task"
)

// webTransport is the surface name recorded on mappings created here.
const webTransport = "web"

// Bridge serves one browser connection's view of the gateway: prompts in,
// normalized events plus throttled live renders out. Sessions started on
// the chat surface are mirrored into the browser through the shared event
// bus.
type Bridge struct {
	guard    *guard.ChannelGuard
	mapper   *mapping.Mapper
	exec     *executor.Executor
	events   *bus.Bus
	throttle time.Duration
	metrics  *observability.Metrics

	defaultProject string
}

func NewBridge(g *guard.ChannelGuard, m *mapping.Mapper, exec *executor.Executor, events *bus.Bus, throttle time.Duration, defaultProject string) *Bridge {
	if throttle <= 0 {
		throttle = 250 * time.Millisecond
	}
	return &Bridge{
		guard:          g,
		mapper:         m,
		exec:           exec,
		events:         events,
		throttle:       throttle,
		defaultProject: defaultProject,
	}
}

func (b *Bridge) SetMetrics(m *observability.Metrics) {
	b.metrics = m
}

// RunConnection consumes parsed client messages until inbound closes or
// ctx is cancelled. All writes go through outbound; the websocket layer
// owns the single writer goroutine.
func (b *Bridge) RunConnection(ctx context.Context, channelID string, inbound <-chan any, outbound chan<- any) error {
	if strings.TrimSpace(channelID) == "" {
		channelID = uuid.NewString()
	}

	var inTurn atomic.Bool
	mirrorStop := b.startMirror(ctx, channelID, &inTurn, outbound)
	defer mirrorStop()

	// Turns run in their own goroutine so a client_cancel arriving while
	// the stream is still live flips the cancellation token right away.
	// Prompts stay strictly serial per connection: a new prompt waits for
	// the running turn to reach a terminal state before starting.
	var turnDone chan struct{}

	startTurn := func(m protocol.ClientPrompt) {
		done := make(chan struct{})
		turnDone = done
		inTurn.Store(true)
		go func() {
			defer close(done)
			defer inTurn.Store(false)
			b.runTurn(ctx, m, outbound)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			if turnDone != nil {
				<-turnDone
			}
			return ctx.Err()
		case <-turnDone:
			turnDone = nil
		case msg, ok := <-inbound:
			if !ok {
				if turnDone != nil {
					<-turnDone
				}
				return nil
			}
			switch m := msg.(type) {
			case protocol.ClientPrompt:
				if m.ChannelID == "" {
					m.ChannelID = channelID
				}
				for turnDone != nil {
					select {
					case <-ctx.Done():
						<-turnDone
						return ctx.Err()
					case <-turnDone:
						turnDone = nil
					case queued, ok := <-inbound:
						if !ok {
							<-turnDone
							return nil
						}
						switch q := queued.(type) {
						case protocol.ClientCancel:
							b.handleCancel(ctx, q, outbound)
						case protocol.ClientPrompt:
							// One prompt may wait its turn; a second one
							// behind it is rejected outright.
							b.send(ctx, outbound, protocol.NewErrorEvent(q.SessionID,
								string(reliability.CategoryAlreadyRunning),
								reliability.UserMessage(reliability.CategoryAlreadyRunning), false))
							b.countPrompt("rejected")
						}
					}
				}
				startTurn(m)
			case protocol.ClientCancel:
				b.handleCancel(ctx, m, outbound)
			}
		}
	}
}

// runTurn drives one prompt through guard, mapper and executor, rendering
// the event stream back to the browser.
func (b *Bridge) runTurn(ctx context.Context, m protocol.ClientPrompt, outbound chan<- any) {
	if !b.guard.TryAcquire(m.ChannelID) {
		b.send(ctx, outbound, protocol.NewErrorEvent(m.SessionID,
			string(reliability.CategoryAlreadyRunning),
			reliability.UserMessage(reliability.CategoryAlreadyRunning), false))
		return
	}
	defer b.guard.Release(m.ChannelID)

	sessionID, projectPath := b.resolve(ctx, m)

	events, err := b.exec.Execute(ctx, executor.Request{
		SessionID:   sessionID,
		Prompt:      m.Prompt,
		ProjectPath: projectPath,
		Options: executor.Options{
			PermissionMode: m.PermissionMode,
			Model:          m.Model,
		},
	})
	if err != nil {
		b.send(ctx, outbound, rejectionEvent(sessionID, err))
		b.countPrompt("rejected")
		return
	}
	b.countPrompt("accepted")

	r := deliver.NewRenderer()
	messageID := uuid.NewString()
	var lastRender time.Time

	for ev := range events {
		b.send(ctx, outbound, protocol.NewAgentEvent(m.ChannelID, ev))

		switch ev.Kind {
		case task.EventSessionInit:
			sessionID = ev.SessionID
			b.persistSession(ctx, m.ChannelID, ev)

		case task.EventText, task.EventToolUse, task.EventToolResult, task.EventAskUserQuestion:
			_, urgent := r.Observe(ev)
			if urgent || time.Since(lastRender) >= b.throttle {
				b.send(ctx, outbound, protocol.LiveUpdate{
					Type:      protocol.TypeLiveUpdate,
					ChannelID: m.ChannelID,
					MessageID: messageID,
					Text:      r.Live(),
				})
				lastRender = time.Now()
				b.countRender("update")
			}

		case task.EventResult:
			b.send(ctx, outbound, protocol.LiveFinal{
				Type:      protocol.TypeLiveFinal,
				ChannelID: m.ChannelID,
				MessageID: messageID,
				Text:      r.Final(ev),
			})
			b.countRender("final")
			r.Reset()

		case task.EventError:
			b.send(ctx, outbound, protocol.LiveFinal{
				Type:      protocol.TypeLiveFinal,
				ChannelID: m.ChannelID,
				MessageID: messageID,
				Text:      r.Error(ev),
				IsError:   true,
			})
			b.countRender("error")
			r.Reset()

		case task.EventTaskStatus:
			if ev.Status.Terminal() {
				b.send(ctx, outbound, protocol.NewTaskState(sessionID, ev.TaskID, ev.Status))
			}
		}
	}
}

func (b *Bridge) handleCancel(ctx context.Context, m protocol.ClientCancel, outbound chan<- any) {
	sessionID := m.SessionID
	if sessionID == "" {
		if cm, err := b.mapper.GetSessionMapping(ctx, m.ChannelID); err == nil {
			sessionID = cm.SessionID
		}
	}
	if sessionID == "" || !b.exec.Cancel(sessionID) {
		b.send(ctx, outbound, protocol.NewErrorEvent(sessionID, "nothing_running",
			"No running task to cancel on this channel.", false))
	}
}

// resolve picks the session and project for a prompt: explicit fields win,
// then the stored channel mapping, then the configured default project.
func (b *Bridge) resolve(ctx context.Context, m protocol.ClientPrompt) (sessionID, projectPath string) {
	sessionID = m.SessionID
	projectPath = m.ProjectPath

	cm, err := b.mapper.GetChannelMapping(ctx, m.ChannelID)
	if err == nil {
		if sessionID == "" {
			sessionID = cm.SessionID
		}
		if projectPath == "" && cm.ProjectID != "" {
			if pm, err := b.mapper.GetProjectMapping(ctx, cm.ProjectID); err == nil {
				projectPath = pm.Path
			}
		}
	}
	if projectPath == "" {
		projectPath = b.defaultProject
	}
	return sessionID, projectPath
}

// persistSession stores the channel mapping once the backend has assigned
// a session id. Durable before any success reaches the user: the save
// happens before the next event is rendered.
func (b *Bridge) persistSession(ctx context.Context, channelID string, ev task.Event) {
	cm, err := b.mapper.GetChannelMapping(ctx, channelID)
	if errors.Is(err, mapping.ErrNotFound) {
		cm = mapping.ChannelMapping{
			ChannelID: channelID,
			Transport: webTransport,
			ProjectID: channelID,
		}
		if err := b.mapper.SaveChannelMapping(ctx, cm); err != nil {
			log.Printf("[web] save channel mapping %s: %v", channelID, err)
			return
		}
	} else if err != nil {
		log.Printf("[web] load channel mapping %s: %v", channelID, err)
		return
	}

	switch {
	case cm.SessionID == "":
		if err := b.mapper.RegisterSession(ctx, channelID, ev.SessionID); err != nil {
			log.Printf("[web] register session %s on channel %s: %v", ev.SessionID, channelID, err)
		}
	case cm.SessionID != ev.SessionID:
		// Resumed turns come back under a freshly minted session id; the
		// mapping follows it.
		if err := b.mapper.UpdateSessionID(ctx, channelID, ev.SessionID); err != nil {
			log.Printf("[web] update session %s on channel %s: %v", ev.SessionID, channelID, err)
		}
	}
}

// startMirror forwards bus events for this channel's session while no
// local turn is in flight, so work started from the chat surface shows up
// in the browser too.
func (b *Bridge) startMirror(ctx context.Context, channelID string, inTurn *atomic.Bool, outbound chan<- any) func() {
	cm, err := b.mapper.GetSessionMapping(ctx, channelID)
	if err != nil {
		return func() {}
	}

	events, unsubscribe := b.events.Subscribe(cm.SessionID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if inTurn.Load() {
					continue
				}
				b.send(ctx, outbound, protocol.NewAgentEvent(channelID, ev))
			}
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

func (b *Bridge) send(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case <-ctx.Done():
	case outbound <- msg:
	}
}

func (b *Bridge) countPrompt(outcome string) {
	if b.metrics != nil {
		b.metrics.Prompts.WithLabelValues(webTransport, outcome).Inc()
	}
}

func (b *Bridge) countRender(kind string) {
	if b.metrics != nil {
		b.metrics.Renders.WithLabelValues(webTransport, kind).Inc()
	}
}

// rejectionEvent maps synchronous Execute rejections to wire errors.
func rejectionEvent(sessionID string, err error) protocol.ErrorEvent {
	switch {
	case errors.Is(err, executor.ErrAlreadyRunning):
		return protocol.NewErrorEvent(sessionID,
			string(reliability.CategoryAlreadyRunning),
			reliability.UserMessage(reliability.CategoryAlreadyRunning), false)
	case errors.Is(err, executor.ErrAccessDenied):
		return protocol.NewErrorEvent(sessionID,
			string(reliability.CategoryAccessDenied),
			reliability.UserMessage(reliability.CategoryAccessDenied), false)
	case errors.Is(err, executor.ErrEmptyPrompt):
		return protocol.NewErrorEvent(sessionID, "empty_prompt", "Prompt must not be empty.", false)
	default:
		return protocol.NewErrorEvent(sessionID, "internal", "Could not start the task.", true)
	}
}
