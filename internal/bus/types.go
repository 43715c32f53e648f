package bus

import "context"

// ChatType distinguishes conversation scopes on a transport.
const (
	ChatDirect  = "direct"
	ChatGroup   = "group"
	ChatChannel = "channel"
)

// InboundMessage is a normalized message received from a channel
// (Telegram, Discord, console, webhook, cron-synthesized).
type InboundMessage struct {
	Channel    string            `json:"channel"`
	ChatType   string            `json:"chat_type"`            // "direct", "group", or "channel"
	ChatID     string            `json:"chat_id"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	MessageID  string            `json:"message_id,omitempty"` // transport-assigned id; stable across retransmits
	Content    string            `json:"content"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	Timestamp  int64             `json:"timestamp"` // epoch ms
	Mentioned  bool              `json:"mentioned,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply to be delivered on a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event is a server-side event broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server to decouple from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between
// channels and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
