// Package channels connects external transports (Telegram, Discord, console,
// webhooks) to the agent runtime through the message bus.
package channels

import (
	"context"
	"strings"

	"github.com/finchlabs/finch/internal/bus"
)

// GroupPolicy controls which group messages reach the agent.
type GroupPolicy string

const (
	GroupAll         GroupPolicy = "all"          // every group message
	GroupMentionOnly GroupPolicy = "mention-only" // only when the bot is mentioned
	GroupNone        GroupPolicy = "none"         // no group messages
)

// InternalChannels are in-process channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"system":   true,
	"subagent": true,
	"cron":     true,
}

func IsInternalChannel(name string) bool { return InternalChannels[name] }

// Channel is the contract every transport adapter satisfies.
type Channel interface {
	// Name returns the channel identifier ("telegram", "discord", "console").
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the channel down and waits for its listeners to exit.
	Stop(ctx context.Context) error

	// Send delivers an outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the channel is actively processing messages.
	IsRunning() bool
}

// BaseChannel carries the state shared by every adapter: name, bus handle,
// allowlist, and group gating. Adapters embed it.
type BaseChannel struct {
	name        string
	bus         *bus.MessageBus
	running     bool
	allowList   []string
	groupPolicy GroupPolicy
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string, groupPolicy GroupPolicy) *BaseChannel {
	switch groupPolicy {
	case GroupAll, GroupMentionOnly, GroupNone:
	default:
		groupPolicy = GroupMentionOnly
	}
	return &BaseChannel{
		name:        name,
		bus:         msgBus,
		allowList:   allowList,
		groupPolicy: groupPolicy,
	}
}

func (c *BaseChannel) Name() string              { return c.name }
func (c *BaseChannel) IsRunning() bool           { return c.running }
func (c *BaseChannel) SetRunning(running bool)   { c.running = running }
func (c *BaseChannel) Bus() *bus.MessageBus      { return c.bus }
func (c *BaseChannel) GroupPolicy() GroupPolicy  { return c.groupPolicy }

// IsAllowed checks the sender against the allowlist. An empty allowlist
// admits everyone. Compound IDs in the "123|username" form match on either
// part; allowlist entries may carry a leading "@".
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	idPart, userPart := splitCompoundID(senderID)
	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed || senderID == trimmed ||
			idPart == trimmed || (userPart != "" && userPart == trimmed) {
			return true
		}
	}
	return false
}

func splitCompoundID(senderID string) (id, user string) {
	if idx := strings.IndexByte(senderID, '|'); idx > 0 {
		return senderID[:idx], senderID[idx+1:]
	}
	return senderID, ""
}

// AcceptGroup applies the group policy to a message, given whether the bot
// was mentioned in it.
func (c *BaseChannel) AcceptGroup(mentioned bool) bool {
	switch c.groupPolicy {
	case GroupNone:
		return false
	case GroupMentionOnly:
		return mentioned
	default:
		return true
	}
}

// Accept applies the allowlist plus, for group messages, the group policy.
func (c *BaseChannel) Accept(msg bus.InboundMessage) bool {
	if !c.IsAllowed(msg.SenderID) {
		return false
	}
	if msg.ChatType == bus.ChatGroup || msg.ChatType == bus.ChatChannel {
		return c.AcceptGroup(msg.Mentioned)
	}
	return true
}

// HandleMessage runs the acceptance gates and publishes the message inbound.
// Returns whether the message was forwarded.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) bool {
	if !c.Accept(msg) {
		return false
	}
	if msg.Channel == "" {
		msg.Channel = c.name
	}
	c.bus.PublishInbound(msg)
	return true
}

// Truncate shortens a string for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// SplitMessage breaks content into chunks no longer than limit, preferring
// newline boundaries so formatting survives transport caps.
func SplitMessage(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}
	var parts []string
	for len(content) > limit {
		cut := strings.LastIndexByte(content[:limit], '\n')
		if cut < limit/2 {
			cut = limit
		}
		parts = append(parts, strings.TrimRight(content[:cut], "\n"))
		content = strings.TrimLeft(content[cut:], "\n")
	}
	if content != "" {
		parts = append(parts, content)
	}
	return parts
}
