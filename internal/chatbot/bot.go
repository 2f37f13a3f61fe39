package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegohandler"
	th "github.com/mymmrac/telego/telegohandler"

	"github.com/mbrandolli/tandem/internal/deliver"
	"github.com/mbrandolli/tandem/internal/executor"
	"github.com/mbrandolli/tandem/internal/guard"
	"github.com/mbrandolli/tandem/internal/mapping"
	"github.com/mbrandolli/tandem/internal/observability"
	"github.com/mbrandolli/tandem/internal/reliability"
	"github.com/mbrandolli/tandem/internal/task"
)

const chatTransport = "telegram"

// cancelKeyword stops the in-flight task on a channel without touching
// the session.
const cancelKeyword = "cancel"

// Bot is the chat surface of the gateway. Each Telegram chat (or forum
// topic) maps to one channel; prompts run through the same guard, mapper
// and executor as the web surface.
type Bot struct {
	bot       *telego.Bot
	guard     *guard.ChannelGuard
	mapper    *mapping.Mapper
	exec      *executor.Executor
	adapter   *deliver.Adapter
	transport deliver.Transport

	defaultProject string
	pollTimeout    time.Duration
	metrics        *observability.Metrics
}

func New(token string, g *guard.ChannelGuard, m *mapping.Mapper, exec *executor.Executor, throttle time.Duration, defaultProject string, pollTimeout time.Duration) (*Bot, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	b := newBot(deliver.NewTelegramTransport(bot), g, m, exec, throttle, defaultProject, pollTimeout)
	b.bot = bot
	return b, nil
}

// newBot wires the turn flow behind any Transport. Polling needs the real
// Telegram client on top; everything else runs against the interface.
func newBot(transport deliver.Transport, g *guard.ChannelGuard, m *mapping.Mapper, exec *executor.Executor, throttle time.Duration, defaultProject string, pollTimeout time.Duration) *Bot {
	return &Bot{
		guard:          g,
		mapper:         m,
		exec:           exec,
		adapter:        deliver.NewAdapter(transport, throttle),
		transport:      transport,
		defaultProject: defaultProject,
		pollTimeout:    pollTimeout,
	}
}

func (b *Bot) SetMetrics(m *observability.Metrics) {
	b.metrics = m
	b.adapter.SetMetrics(m)
}

// Transport exposes the channel-existence check used by the mapper's
// staleness reconciliation.
func (b *Bot) Transport() deliver.Transport {
	return b.transport
}

// Run polls for updates until ctx is cancelled, restarting the polling
// loop with exponential backoff after transient failures.
func (b *Bot) Run(ctx context.Context) error {
	attempt := 0
	for {
		start := time.Now()
		err := b.poll(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > time.Minute {
			// A long healthy run resets the backoff ladder.
			attempt = 0
		}
		attempt++
		delay := reliability.ExponentialBackoff(attempt, time.Second, time.Minute)
		log.Printf("[chatbot] polling stopped: %v; restarting in %s", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (b *Bot) poll(ctx context.Context) error {
	updates, err := b.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout: int(b.pollTimeout.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	bh, err := telegohandler.NewBotHandler(b.bot, updates)
	if err != nil {
		return fmt.Errorf("create bot handler: %w", err)
	}

	bh.HandleMessage(func(c *th.Context, message telego.Message) error {
		b.handleStart(c, message)
		return nil
	}, th.CommandEqual("start"))
	bh.HandleMessage(func(c *th.Context, message telego.Message) error {
		b.handleProject(c, message)
		return nil
	}, th.CommandEqual("project"))
	bh.HandleMessage(func(c *th.Context, message telego.Message) error {
		b.handleResume(c, message)
		return nil
	}, th.CommandEqual("resume"))
	bh.HandleMessage(func(c *th.Context, message telego.Message) error {
		b.handleStatus(c, message)
		return nil
	}, th.CommandEqual("status"))
	bh.HandleMessage(func(c *th.Context, message telego.Message) error {
		b.handleMessage(c, message)
		return nil
	}, th.AnyMessage())

	go func() {
		<-ctx.Done()
		bh.Stop()
	}()

	log.Printf("[chatbot] telegram bot polling")
	return bh.Start()
}

func (b *Bot) handleMessage(ctx context.Context, message telego.Message) {
	text := strings.TrimSpace(message.Text)
	if text == "" || strings.HasPrefix(text, "/") {
		return
	}
	channelID := deliver.TelegramChannelID(message.Chat.ID, message.MessageThreadID)

	if strings.EqualFold(text, cancelKeyword) {
		b.handleCancel(ctx, channelID)
		return
	}

	if !b.guard.TryAcquire(channelID) {
		b.reply(ctx, channelID, "A task is already running here. Send \"cancel\" to stop it.")
		b.countPrompt("rejected")
		return
	}
	defer b.guard.Release(channelID)

	sessionID := ""
	if cm, err := b.mapper.GetSessionMapping(ctx, channelID); err == nil {
		sessionID = cm.SessionID
	}
	projectPath := b.projectPath(ctx, message.Chat.ID)
	if projectPath == "" {
		b.reply(ctx, channelID, "No project configured. Set one with /project <path>.")
		b.countPrompt("rejected")
		return
	}

	events, err := b.exec.Execute(ctx, executor.Request{
		SessionID:   sessionID,
		Prompt:      text,
		ProjectPath: projectPath,
	})
	if err != nil {
		b.reply(ctx, channelID, rejectionMessage(err))
		b.countPrompt("rejected")
		return
	}
	b.countPrompt("accepted")

	// Session persistence has to be durable before the adapter renders
	// the event that follows it, so the tap sits between executor and
	// adapter.
	createdBy := ""
	if message.From != nil {
		createdBy = message.From.Username
	}
	tapped := make(chan task.Event, 16)
	go func() {
		defer close(tapped)
		for ev := range events {
			if ev.Kind == task.EventSessionInit {
				b.persistSession(ctx, channelID, message.Chat.ID, createdBy, ev)
			}
			tapped <- ev
		}
	}()

	if err := b.adapter.Deliver(ctx, channelID, text, tapped); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[chatbot] deliver on %s: %v", channelID, err)
	}
}

func (b *Bot) handleCancel(ctx context.Context, channelID string) {
	cm, err := b.mapper.GetSessionMapping(ctx, channelID)
	if err != nil || !b.exec.Cancel(cm.SessionID) {
		b.reply(ctx, channelID, "Nothing is running on this channel.")
		return
	}
	b.reply(ctx, channelID, "Cancelling the running task.")
}

func (b *Bot) handleStart(ctx context.Context, message telego.Message) {
	channelID := deliver.TelegramChannelID(message.Chat.ID, message.MessageThreadID)
	b.reply(ctx, channelID,
		"Send a prompt to run the coding agent.\n"+
			"/project <path> picks the working directory\n"+
			"/resume <session-id> continues an existing session\n"+
			"/status shows the current task\n"+
			"\"cancel\" stops a running task")
}

func (b *Bot) handleProject(ctx context.Context, message telego.Message) {
	channelID := deliver.TelegramChannelID(message.Chat.ID, message.MessageThreadID)
	path := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(message.Text), "/project"))
	if path == "" {
		b.reply(ctx, channelID, "Usage: /project <path>")
		return
	}

	containerID := strconv.FormatInt(message.Chat.ID, 10)
	createdBy := ""
	if message.From != nil {
		createdBy = message.From.Username
	}
	err := b.mapper.SaveProjectMapping(ctx, mapping.ProjectMapping{
		ContainerID: containerID,
		ProjectID:   containerID,
		Path:        path,
		CreatedBy:   createdBy,
	})
	if err != nil {
		log.Printf("[chatbot] save project mapping for chat %s: %v", containerID, err)
		b.reply(ctx, channelID, "Could not save the project mapping.")
		return
	}
	b.reply(ctx, channelID, "Project set to "+path)
}

// handleResume binds an existing session to this channel so the next
// prompt continues it.
func (b *Bot) handleResume(ctx context.Context, message telego.Message) {
	channelID := deliver.TelegramChannelID(message.Chat.ID, message.MessageThreadID)
	sessionID := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(message.Text), "/resume"))
	if sessionID == "" {
		b.reply(ctx, channelID, "Usage: /resume <session-id>")
		return
	}

	createdBy := ""
	if message.From != nil {
		createdBy = message.From.Username
	}
	err := b.mapper.SaveChannelMapping(ctx, mapping.ChannelMapping{
		ChannelID: channelID,
		Transport: chatTransport,
		SessionID: sessionID,
		ProjectID: strconv.FormatInt(message.Chat.ID, 10),
		CreatedBy: createdBy,
	})
	if err != nil {
		log.Printf("[chatbot] resume session %s on %s: %v", sessionID, channelID, err)
		b.reply(ctx, channelID, "Could not bind the session to this channel.")
		return
	}
	b.reply(ctx, channelID, "Resumed session "+sessionID+". Send a prompt to continue.")
}

func (b *Bot) handleStatus(ctx context.Context, message telego.Message) {
	channelID := deliver.TelegramChannelID(message.Chat.ID, message.MessageThreadID)
	cm, err := b.mapper.GetSessionMapping(ctx, channelID)
	if err != nil {
		b.reply(ctx, channelID, "No session on this channel yet.")
		return
	}
	rec, err := b.exec.Registry().Get(cm.SessionID)
	if err != nil {
		b.reply(ctx, channelID, "Session "+cm.SessionID+": idle.")
		return
	}
	line := "Session " + cm.SessionID + ": " + string(rec.Status)
	if rec.Error != "" {
		line += " (" + rec.Error + ")"
	}
	b.reply(ctx, channelID, line)
}

func (b *Bot) persistSession(ctx context.Context, channelID string, chatID int64, createdBy string, ev task.Event) {
	cm, err := b.mapper.GetChannelMapping(ctx, channelID)
	if errors.Is(err, mapping.ErrNotFound) {
		cm = mapping.ChannelMapping{
			ChannelID: channelID,
			Transport: chatTransport,
			ProjectID: strconv.FormatInt(chatID, 10),
			CreatedBy: createdBy,
		}
		err = b.mapper.SaveChannelMapping(ctx, cm)
	}
	if err != nil {
		log.Printf("[chatbot] channel mapping %s: %v", channelID, err)
		return
	}
	switch {
	case cm.SessionID == "":
		if err := b.mapper.RegisterSession(ctx, channelID, ev.SessionID); err != nil {
			log.Printf("[chatbot] register session %s on %s: %v", ev.SessionID, channelID, err)
		}
	case cm.SessionID != ev.SessionID:
		// Resumed turns come back under a freshly minted session id; the
		// mapping follows it.
		if err := b.mapper.UpdateSessionID(ctx, channelID, ev.SessionID); err != nil {
			log.Printf("[chatbot] update session %s on %s: %v", ev.SessionID, channelID, err)
		}
	}
}

func (b *Bot) projectPath(ctx context.Context, chatID int64) string {
	pm, err := b.mapper.GetProjectMapping(ctx, strconv.FormatInt(chatID, 10))
	if err == nil && pm.Path != "" {
		return pm.Path
	}
	return b.defaultProject
}

func (b *Bot) reply(ctx context.Context, channelID, text string) {
	if _, err := b.transport.Send(ctx, channelID, text); err != nil {
		log.Printf("[chatbot] reply on %s: %v", channelID, err)
		if b.metrics != nil {
			b.metrics.DeliveryFailures.WithLabelValues(chatTransport, "send").Inc()
		}
	}
}

func (b *Bot) countPrompt(outcome string) {
	if b.metrics != nil {
		b.metrics.Prompts.WithLabelValues(chatTransport, outcome).Inc()
	}
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, executor.ErrAlreadyRunning):
		return reliability.UserMessage(reliability.CategoryAlreadyRunning)
	case errors.Is(err, executor.ErrAccessDenied):
		return reliability.UserMessage(reliability.CategoryAccessDenied)
	case errors.Is(err, executor.ErrEmptyPrompt):
		return "Prompt must not be empty."
	default:
		return "Could not start the task. Please try again."
	}
}
