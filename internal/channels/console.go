package channels

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/finchlabs/finch/internal/bus"
)

// Console is the in-process channel behind the interactive REPL. Input is
// injected by the REPL loop; replies print to the writer.
type Console struct {
	*BaseChannel
	out    io.Writer
	chatID string
	mu     sync.Mutex
}

func NewConsole(msgBus *bus.MessageBus) *Console {
	return &Console{
		BaseChannel: NewBaseChannel("console", msgBus, nil, GroupAll),
		out:         os.Stdout,
		chatID:      "local",
	}
}

// SetOutput redirects reply printing, used by tests.
func (c *Console) SetOutput(w io.Writer) {
	c.mu.Lock()
	c.out = w
	c.mu.Unlock()
}

func (c *Console) Start(ctx context.Context) error {
	c.SetRunning(true)
	return nil
}

func (c *Console) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return nil
}

// Inject publishes a typed line as an inbound console message.
func (c *Console) Inject(text string) {
	c.HandleMessage(bus.InboundMessage{
		Channel:   "console",
		ChatType:  bus.ChatDirect,
		ChatID:    c.chatID,
		SenderID:  "console-user",
		Content:   text,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Console) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, msg.Content)
	return err
}
