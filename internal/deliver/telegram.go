package deliver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// telegramMessageLimit stays under Telegram's 4096-char cap to leave room
// for entity expansion.
const telegramMessageLimit = 3900

// TelegramTransport delivers renders into a Telegram chat or forum topic.
// Channel ids are "chatID" for plain chats and "chatID:threadID" for
// topics.
type TelegramTransport struct {
	bot *telego.Bot
}

func NewTelegramTransport(bot *telego.Bot) *TelegramTransport {
	return &TelegramTransport{bot: bot}
}

func (t *TelegramTransport) Name() string { return "telegram" }

func (t *TelegramTransport) MessageLimit() int { return telegramMessageLimit }

func (t *TelegramTransport) Send(ctx context.Context, channelID, text string) (string, error) {
	chatID, threadID, err := ParseTelegramChannelID(channelID)
	if err != nil {
		return "", err
	}
	params := tu.Message(tu.ID(chatID), text)
	params.MessageThreadID = threadID
	msg, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(msg.MessageID), nil
}

func (t *TelegramTransport) Edit(ctx context.Context, channelID, messageID, text string) error {
	chatID, _, err := ParseTelegramChannelID(channelID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram edit: bad message id %q: %w", messageID, err)
	}
	if _, err := t.bot.EditMessageText(ctx, tu.EditMessageText(tu.ID(chatID), msgID, text)); err != nil {
		// Telegram rejects edits that leave the text unchanged.
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// Exists reports whether the chat behind the channel id is still
// reachable. Used by the mapper's staleness reconciliation.
func (t *TelegramTransport) Exists(ctx context.Context, channelID string) (bool, error) {
	chatID, _, err := ParseTelegramChannelID(channelID)
	if err != nil {
		return false, err
	}
	_, err = t.bot.GetChat(ctx, &telego.GetChatParams{ChatID: tu.ID(chatID)})
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "chat not found") || strings.Contains(msg, "bot was kicked") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// TelegramChannelID encodes a chat (and optional forum topic) as a channel
// id.
func TelegramChannelID(chatID int64, threadID int) string {
	if threadID > 0 {
		return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(threadID)
	}
	return strconv.FormatInt(chatID, 10)
}

func ParseTelegramChannelID(channelID string) (chatID int64, threadID int, err error) {
	raw := channelID
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		threadID, err = strconv.Atoi(raw[i+1:])
		if err != nil {
			return 0, 0, fmt.Errorf("bad telegram channel id %q: %w", channelID, err)
		}
		raw = raw[:i]
	}
	chatID, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad telegram channel id %q: %w", channelID, err)
	}
	return chatID, threadID, nil
}
