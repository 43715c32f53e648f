package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/finchlabs/finch/internal/bus"
	"github.com/finchlabs/finch/internal/diag"
)

// Manager owns channel lifecycle and routes outbound messages from the bus
// to the channel that should deliver them.
type Manager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	diag     *diag.Bus
	cancel   context.CancelFunc
	mu       sync.RWMutex
}

func NewManager(msgBus *bus.MessageBus, diagBus *diag.Bus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
		diag:     diagBus,
	}
}

// Register adds a channel. Registration happens before StartAll.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports the running state of every channel.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}

// StartAll starts every registered channel plus the outbound dispatcher. A
// channel that fails to start is logged and skipped; the rest still run.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.dispatchOutbound(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}
	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("channel start failed", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatcher and every channel. Channels stop in
// parallel; a long-polling adapter can take seconds to wind down and should
// not hold up the others.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	var g errgroup.Group
	for name, ch := range m.channels {
		g.Go(func() error {
			if err := ch.Stop(ctx); err != nil {
				slog.Error("channel stop failed", "channel", name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// dispatchOutbound drains the bus and hands each message to its channel.
// A failed send is logged and emitted as a network error; the turn that
// produced the reply has already completed.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if IsInternalChannel(msg.Channel) || msg.Content == "" {
			continue
		}

		m.mu.RLock()
		ch, exists := m.channels[msg.Channel]
		m.mu.RUnlock()
		if !exists {
			slog.Warn("outbound message for unknown channel", "channel", msg.Channel)
			continue
		}

		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("send failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
			if m.diag != nil {
				m.diag.Emit(diag.Input{
					Type:     diag.EventError,
					Channel:  msg.Channel,
					Category: "network",
					Message:  fmt.Sprintf("send to %s/%s failed: %v", msg.Channel, msg.ChatID, err),
				})
			}
		}
	}
}

// Send delivers a message to a named channel directly, bypassing the bus.
func (m *Manager) Send(ctx context.Context, channel, chatID, content string) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("channel %q not found", channel)
	}
	return ch.Send(ctx, bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: content})
}
