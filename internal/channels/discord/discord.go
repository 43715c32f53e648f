// Package discord connects to the Discord gateway.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/finchlabs/finch/internal/bus"
	"github.com/finchlabs/finch/internal/channels"
)

// discordMessageLimit is Discord's per-message character cap.
const discordMessageLimit = 2000

// Config configures the Discord channel.
type Config struct {
	Token       string
	AllowFrom   []string
	GroupPolicy channels.GroupPolicy
}

// Channel is the Discord transport adapter.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	botUserID string
}

func New(cfg Config, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom, cfg.GroupPolicy),
		session:     session,
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	chatType := bus.ChatGroup
	if m.GuildID == "" {
		chatType = bus.ChatDirect
	}

	inbound := bus.InboundMessage{
		Channel:    "discord",
		ChatType:   chatType,
		ChatID:     m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		MessageID:  m.ID,
		Content:    stripBotMention(content, c.botUserID),
		Timestamp:  m.Timestamp.UnixMilli(),
		Mentioned:  c.detectMention(m),
	}
	if !c.HandleMessage(inbound) {
		slog.Debug("discord message gated",
			"chat_id", m.ChannelID, "sender", m.Author.ID,
			"preview", channels.Truncate(content, 60))
	}
}

func (c *Channel) detectMention(m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			return true
		}
	}
	return false
}

// stripBotMention removes the leading <@id> tag so the agent sees clean text.
func stripBotMention(content, botID string) string {
	for _, tag := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		content = strings.ReplaceAll(content, tag, "")
	}
	return strings.TrimSpace(content)
}

// Send delivers a reply, splitting at Discord's length cap.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	for _, part := range channels.SplitMessage(msg.Content, discordMessageLimit) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, part); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}
