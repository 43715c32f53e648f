// Package telegram connects to the Telegram Bot API via long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/finchlabs/finch/internal/bus"
	"github.com/finchlabs/finch/internal/channels"
)

// telegramMessageLimit is the Bot API per-message text cap.
const telegramMessageLimit = 4096

// Config configures the Telegram channel.
type Config struct {
	Token       string
	AllowFrom   []string
	GroupPolicy channels.GroupPolicy
}

// Channel is the Telegram transport adapter.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg Config, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom, cfg.GroupPolicy),
		bot:         bot,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the listener to exit so Telegram
// releases the getUpdates lock before another instance starts.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling did not exit within timeout")
		}
	}
	return nil
}

func (c *Channel) handleMessage(msg *telego.Message) {
	if msg.From == nil {
		return
	}
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if content == "" {
		return
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	senderID := userID
	if msg.From.Username != "" {
		senderID = userID + "|" + msg.From.Username
	}

	chatType := bus.ChatDirect
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	if isGroup {
		chatType = bus.ChatGroup
	}

	inbound := bus.InboundMessage{
		Channel:    "telegram",
		ChatType:   chatType,
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:   senderID,
		SenderName: msg.From.FirstName,
		MessageID:  strconv.Itoa(msg.MessageID),
		Content:    content,
		Timestamp:  int64(msg.Date) * 1000,
		Mentioned:  c.detectMention(msg),
	}
	if !c.HandleMessage(inbound) {
		slog.Debug("telegram message gated",
			"chat_id", inbound.ChatID, "sender", senderID,
			"preview", channels.Truncate(content, 60))
	}
}

// detectMention checks for an explicit @mention or a reply to the bot.
func (c *Channel) detectMention(msg *telego.Message) bool {
	botUsername := c.bot.Username()
	if botUsername == "" {
		return false
	}
	needle := "@" + strings.ToLower(botUsername)
	if strings.Contains(strings.ToLower(msg.Text), needle) ||
		strings.Contains(strings.ToLower(msg.Caption), needle) {
		return true
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		return msg.ReplyToMessage.From.Username == botUsername
	}
	return false
}

// Send delivers a reply, splitting at the Bot API length cap.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", msg.ChatID, err)
	}
	for _, part := range channels.SplitMessage(msg.Content, telegramMessageLimit) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), part)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}
