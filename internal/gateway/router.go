// Package gateway fans transports into the agent runtime: the ingress
// router consumes inbound messages, deduplicates them, schedules turns, and
// routes replies back; the HTTP server adds webhook ingress and a WebSocket
// event stream.
package gateway

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/finchlabs/finch/internal/agent"
	"github.com/finchlabs/finch/internal/bus"
	"github.com/finchlabs/finch/internal/diag"
	"github.com/finchlabs/finch/internal/scheduler"
	"github.com/finchlabs/finch/internal/sessions"
)

// Router is the ingress pipeline: dedupe → schedule → turn → reply.
type Router struct {
	agentID string
	msgBus  *bus.MessageBus
	dedupe  *bus.DedupeCache
	sched   *scheduler.Scheduler
	driver  *agent.Driver
	diag    *diag.Bus
	wg      sync.WaitGroup
}

func NewRouter(agentID string, msgBus *bus.MessageBus, dedupe *bus.DedupeCache, sched *scheduler.Scheduler, driver *agent.Driver, diagBus *diag.Bus) *Router {
	if agentID == "" {
		agentID = "main"
	}
	return &Router{
		agentID: agentID,
		msgBus:  msgBus,
		dedupe:  dedupe,
		sched:   sched,
		driver:  driver,
		diag:    diagBus,
	}
}

// Run consumes inbound messages until the context ends. Blocking; run it in
// its own goroutine and call Wait on shutdown.
func (r *Router) Run(ctx context.Context) {
	for {
		msg, ok := r.msgBus.ConsumeInbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		r.Route(msg)
	}
}

// Wait blocks until all in-flight turn followers finish.
func (r *Router) Wait() { r.wg.Wait() }

// Route runs one message through dedupe and the scheduler. Returns whether
// a turn was submitted.
func (r *Router) Route(msg bus.InboundMessage) bool {
	key := bus.DedupeKey(msg)
	if !r.dedupe.Acquire(key) {
		r.diag.Emit(diag.Input{
			Type:    diag.EventMessageQueued,
			Channel: msg.Channel,
			Fields:  map[string]any{"outcome": diag.OutcomeSkipped, "reason": "duplicate"},
		})
		slog.Debug("duplicate message dropped", "channel", msg.Channel, "chat_id", msg.ChatID, "key", key)
		return false
	}

	kind := sessions.PeerKindFromGroup(msg.ChatType != bus.ChatDirect)
	sessionKey := sessions.BuildSessionKey(r.agentID, msg.Channel, kind, msg.ChatID)

	outcomes, err := r.sched.Submit(sessionKey, func(turnCtx context.Context) error {
		defer r.dedupe.Release(key)
		// Internal producers (cron) can attach a per-turn model override and
		// deadline via message metadata.
		if secs, convErr := strconv.Atoi(msg.Metadata["timeout_sec"]); convErr == nil && secs > 0 {
			var cancel context.CancelFunc
			turnCtx, cancel = context.WithTimeout(turnCtx, time.Duration(secs)*time.Second)
			defer cancel()
		}
		res, err := r.driver.Run(turnCtx, agent.TurnRequest{
			SessionKey: sessionKey,
			Channel:    msg.Channel,
			ChatID:     msg.ChatID,
			UserID:     msg.SenderID,
			Text:       msg.Content,
			TurnID:     key,
			Model:      msg.Metadata["model"],
		})
		if err != nil {
			return err
		}
		r.deliver(msg, res)
		return nil
	})
	if err != nil {
		r.dedupe.Release(key)
		slog.Warn("turn not scheduled", "session", sessionKey, "error", err)
		return false
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if o := <-outcomes; o.Err != nil {
			slog.Warn("turn failed", "session", sessionKey, "error", o.Err)
		}
	}()
	return true
}

// deliver routes the reply back to the originating (channel, chatId).
// Empty replies and the heartbeat sentinel are suppressed.
func (r *Router) deliver(msg bus.InboundMessage, res *agent.TurnResult) {
	if res.Silent || res.Content == "" || res.Content == agent.HeartbeatOK {
		return
	}
	r.msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: res.Content,
	})
}
