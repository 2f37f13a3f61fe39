package deliver

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mbrandolli/tandem/internal/observability"
	"github.com/mbrandolli/tandem/internal/task"
)

// DefaultThrottle is the minimum interval between in-place edits of the
// live message. Chat APIs rate-limit edits far below the token emission
// rate of the backend.
const DefaultThrottle = 1500 * time.Millisecond

// Transport is the outbound side of a delivery adapter. Send returns the
// id of the created message so later edits can target it.
type Transport interface {
	Name() string
	Send(ctx context.Context, channelID, text string) (string, error)
	Edit(ctx context.Context, channelID, messageID, text string) error
	Exists(ctx context.Context, channelID string) (bool, error)
	MessageLimit() int
}

// Adapter renders a normalized event stream into incremental updates on
// one channel of a Transport. Delivery failures are logged and swallowed;
// a failed chat API call must never stall the executor loop behind it.
type Adapter struct {
	transport  Transport
	throttle   time.Duration
	echoPrompt bool
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewAdapter(transport Transport, throttle time.Duration) *Adapter {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	return &Adapter{
		transport: transport,
		throttle:  throttle,
		now:       time.Now,
	}
}

// SetEchoPrompt makes the adapter repeat the user's prompt into the
// channel on session_init. Used by mirror adapters whose channel did not
// originate the prompt.
func (a *Adapter) SetEchoPrompt(echo bool) {
	a.echoPrompt = echo
}

func (a *Adapter) SetMetrics(m *observability.Metrics) {
	a.metrics = m
}

// Deliver consumes events until the channel closes, editing a single live
// message in place under the throttle. It returns only when the stream
// ends or ctx is cancelled.
func (a *Adapter) Deliver(ctx context.Context, channelID, prompt string, events <-chan task.Event) error {
	r := NewRenderer()
	var liveID string
	var lastRender time.Time
	var lastBody string

	send := func(text string) string {
		id, err := a.transport.Send(ctx, channelID, text)
		if err != nil {
			a.deliveryFailed("send", channelID, err)
			return ""
		}
		a.countRender("send")
		return id
	}

	render := func(body string, force bool) {
		if limit := a.transport.MessageLimit(); limit > 0 && len(body) > limit {
			// Live renders cannot split; keep the head and let the final
			// render deliver the full text in chunks. The cut lands on a
			// rune boundary.
			cut := limit - 3
			if cut < 0 {
				cut = 0
			}
			for cut > 0 && !utf8.RuneStart(body[cut]) {
				cut--
			}
			body = body[:cut] + "..."
		}
		if body == "" || body == lastBody {
			return
		}
		if !force && a.now().Sub(lastRender) < a.throttle {
			return
		}
		if liveID == "" {
			liveID = send(body)
		} else {
			if err := a.transport.Edit(ctx, channelID, liveID, body); err != nil {
				a.deliveryFailed("edit", channelID, err)
			} else {
				a.countRender("edit")
			}
		}
		lastRender = a.now()
		lastBody = body
	}

	resetTurn := func() {
		r.Reset()
		liveID = ""
		lastBody = ""
	}

	for {
		var ev task.Event
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-events:
			if !ok {
				return nil
			}
		}

		switch ev.Kind {
		case task.EventSessionInit:
			if a.echoPrompt && strings.TrimSpace(prompt) != "" {
				send("> " + prompt)
			}

		case task.EventText, task.EventToolUse:
			if dirty, _ := r.Observe(ev); dirty {
				render(r.Live(), false)
			}

		case task.EventToolResult, task.EventAskUserQuestion:
			if dirty, urgent := r.Observe(ev); dirty {
				render(r.Live(), urgent)
			}

		case task.EventResult:
			chunks := Split(r.Final(ev), a.transport.MessageLimit())
			render(chunks[0], true)
			for _, chunk := range chunks[1:] {
				send(chunk)
			}
			resetTurn()

		case task.EventError:
			render(r.Error(ev), true)
			resetTurn()

		case task.EventTaskStatus:
			if ev.Status.Terminal() {
				resetTurn()
			}
		}
	}
}

func (a *Adapter) deliveryFailed(op, channelID string, err error) {
	log.Printf("[deliver] %s %s on channel %s failed: %v", a.transport.Name(), op, channelID, err)
	if a.metrics != nil {
		a.metrics.DeliveryFailures.WithLabelValues(a.transport.Name(), op).Inc()
	}
}

func (a *Adapter) countRender(kind string) {
	if a.metrics != nil {
		a.metrics.Renders.WithLabelValues(a.transport.Name(), kind).Inc()
	}
}
