package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/finchlabs/finch/internal/diag"
	"github.com/finchlabs/finch/internal/providers"
	"github.com/finchlabs/finch/internal/sessions"
	"github.com/finchlabs/finch/internal/skills"
	"github.com/finchlabs/finch/internal/telemetry"
	"github.com/finchlabs/finch/internal/tools"
)

const (
	// DefaultMaxIterations bounds the tool-use loop within one turn.
	DefaultMaxIterations = 50

	// DefaultResultCeiling bounds a single tool result fed back to the model.
	DefaultResultCeiling = 50 * 1024

	// lightweightModel answers short conversational messages when smart
	// routing is enabled.
	lightweightModel = "claude-3-5-haiku-20241022"

	// smartRoutingMaxChars is the length above which a message always goes
	// to the primary model.
	smartRoutingMaxChars = 200
)

// Driver runs the think → act → observe cycle for one turn: build the system
// prompt, call the model, dispatch tool calls, feed results back, repeat until
// the model stops asking for tools.
type Driver struct {
	provider providers.Provider
	model    string
	tools    *tools.Registry
	sessions *sessions.Manager
	skills   *skills.Loader
	todos    *tools.TodoManager
	bus      *diag.Bus
	reqLog   *requestLogger

	identity      string
	ownerIDs      map[string]bool
	tz            *time.Location
	maxIterations int
	resultCeiling int
	maxTokens     int
	smartRouting  bool
}

// Config configures a Driver. Provider, Tools, Sessions, and Bus are
// required; the rest default sensibly.
type Config struct {
	Provider providers.Provider
	Model    string
	Tools    *tools.Registry
	Sessions *sessions.Manager
	Skills   *skills.Loader    // nil = no skill injection
	Todos    *tools.TodoManager // nil = no todo state in prompt
	Bus      *diag.Bus

	Identity      string   // persona paragraph at the top of the system prompt
	OwnerIDs      []string // user IDs treated as trusted owners
	Timezone      string   // IANA name for the prompt's date line; "" = UTC
	MaxIterations int
	ResultCeiling int
	MaxTokens     int
	LogDir        string // rotating request logs; "" disables
	SmartRouting  bool   // route short conversational messages to a lightweight model
}

func NewDriver(cfg Config) *Driver {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ResultCeiling <= 0 {
		cfg.ResultCeiling = DefaultResultCeiling
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	tz := time.UTC
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			tz = loc
		} else {
			slog.Warn("unknown timezone, using UTC", "tz", cfg.Timezone)
		}
	}
	owners := make(map[string]bool, len(cfg.OwnerIDs))
	for _, id := range cfg.OwnerIDs {
		owners[id] = true
	}
	var reqLog *requestLogger
	if cfg.LogDir != "" {
		reqLog = newRequestLogger(cfg.LogDir, defaultLogKeep)
	}
	return &Driver{
		provider:      cfg.Provider,
		model:         cfg.Model,
		tools:         cfg.Tools,
		sessions:      cfg.Sessions,
		skills:        cfg.Skills,
		todos:         cfg.Todos,
		bus:           cfg.Bus,
		reqLog:        reqLog,
		identity:      cfg.Identity,
		ownerIDs:      owners,
		tz:            tz,
		maxIterations: cfg.MaxIterations,
		resultCeiling: cfg.ResultCeiling,
		maxTokens:     cfg.MaxTokens,
		smartRouting:  cfg.SmartRouting,
	}
}

// TurnRequest is one inbound message to process against a session.
type TurnRequest struct {
	SessionKey string
	Channel    string
	ChatID     string
	UserID     string
	Text       string
	TurnID     string
	Model      string // per-turn override; "" = configured model (plus smart routing)
}

// TurnResult is the outcome of a completed turn. Silent marks replies that
// must not be delivered (NO_REPLY, empty) but were still recorded in the
// session history.
type TurnResult struct {
	Content    string
	Silent     bool
	Iterations int
	Usage      providers.Usage
}

// Run processes one turn and blocks until the model produces a final reply.
// Every outcome emits message.processed; cancellation surfaces as an error
// with reason=cancelled.
func (d *Driver) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("channel", req.Channel),
		attribute.String("turn_id", req.TurnID),
	))
	defer span.End()

	start := time.Now()
	result, err := d.runTurn(ctx, req)
	elapsed := time.Since(start).Milliseconds()

	fields := map[string]any{"turn_id": req.TurnID, "outcome": "completed"}
	if err != nil {
		fields["outcome"] = "error"
		if ctx.Err() != nil {
			fields["reason"] = "cancelled"
		}
	}
	d.bus.Emit(diag.Input{
		Type:       diag.EventMessageProcessed,
		SessionKey: req.SessionKey,
		Channel:    req.Channel,
		DurationMs: elapsed,
		IsError:    err != nil,
		Fields:     fields,
	})
	return result, err
}

func (d *Driver) runTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("empty message")
	}

	system := d.systemPrompt(req)
	model := req.Model
	if model == "" {
		model = d.modelFor(req.Text)
	}
	history := d.sessions.GetHistory(req.SessionKey)

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: system})
	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: "user", Content: req.Text})

	// New messages are buffered and flushed after the turn completes, so a
	// concurrent reader of the session never sees a half-finished exchange.
	pending := []providers.Message{{Role: "user", Content: req.Text}}

	toolDefs := d.tools.ProviderDefs()
	var totalUsage providers.Usage
	var finalContent string
	capped := true
	iteration := 0

	for iteration < d.maxIterations {
		iteration++
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("turn cancelled: %w", err)
		}

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    model,
			Options:  map[string]interface{}{"max_tokens": d.maxTokens},
		}
		if iteration == 1 && d.reqLog != nil {
			d.reqLog.write(req.TurnID, chatReq)
		}

		roundCtx, roundSpan := telemetry.Tracer().Start(ctx, "model.round",
			trace.WithAttributes(attribute.Int("round", iteration)))
		resp, err := d.provider.Chat(roundCtx, chatReq)
		roundSpan.End()
		if err != nil {
			return nil, fmt.Errorf("model call failed (round %d): %w", iteration, err)
		}
		d.recordUsage(req, model, iteration, resp, &totalUsage)

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			capped = false
			break
		}

		assistantMsg := providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistantMsg)
		pending = append(pending, assistantMsg)

		// One result per call, in issue order. Failed results are not fatal:
		// the model sees them and may recover.
		for _, tc := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("turn cancelled: %w", err)
			}
			toolCtx, toolSpan := telemetry.Tracer().Start(ctx, "tool."+tc.Name)
			result := d.tools.Dispatch(toolCtx, tc.Name, tc.Arguments)
			toolSpan.End()
			toolMsg := providers.Message{
				Role:       "tool",
				Content:    d.truncateResult(result.ForLLM),
				ToolCallID: tc.ID,
			}
			messages = append(messages, toolMsg)
			pending = append(pending, toolMsg)
		}
	}

	if capped {
		d.bus.Emit(diag.Input{
			Type:       diag.EventError,
			SessionKey: req.SessionKey,
			Channel:    req.Channel,
			Category:   "internal",
			Message:    "tool_loop_cap_exceeded",
			Fields:     map[string]any{"iterations": iteration},
		})
		slog.Warn("tool loop cap exceeded", "session", req.SessionKey, "iterations", iteration)
		finalContent = fmt.Sprintf(
			"I stopped after %d tool calls without reaching an answer. Please narrow the request and try again.",
			d.maxIterations)
	}

	finalContent = SanitizeReply(finalContent)
	silent := finalContent == "" || IsSilentReply(finalContent)

	pending = append(pending, providers.Message{Role: "assistant", Content: finalContent})
	for _, msg := range pending {
		d.sessions.AddMessage(req.SessionKey, msg)
	}
	d.sessions.UpdateMetadata(req.SessionKey, model, req.Channel)
	d.sessions.AccumulateTokens(req.SessionKey,
		int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))
	if err := d.sessions.Save(req.SessionKey); err != nil {
		slog.Warn("session save failed", "session", req.SessionKey, "error", err)
	}

	if silent {
		finalContent = ""
	}
	return &TurnResult{
		Content:    finalContent,
		Silent:     silent,
		Iterations: iteration,
		Usage:      totalUsage,
	}, nil
}

// modelFor picks the model for a turn. With smart routing on, short
// messages that match no skill go to the lightweight model; everything else
// uses the configured primary.
func (d *Driver) modelFor(text string) string {
	if !d.smartRouting || len(text) > smartRoutingMaxChars {
		return d.model
	}
	if d.skills != nil && len(d.skills.Match(text)) > 0 {
		return d.model
	}
	return lightweightModel
}

func (d *Driver) recordUsage(req TurnRequest, model string, round int, resp *providers.ChatResponse, total *providers.Usage) {
	if resp.Usage == nil {
		return
	}
	total.PromptTokens += resp.Usage.PromptTokens
	total.CompletionTokens += resp.Usage.CompletionTokens
	total.TotalTokens += resp.Usage.TotalTokens
	d.bus.Emit(diag.Input{
		Type:       diag.EventModelUsage,
		SessionKey: req.SessionKey,
		Channel:    req.Channel,
		Fields: map[string]any{
			"model":         model,
			"round":         round,
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		},
	})
}

func (d *Driver) truncateResult(s string) string {
	if len(s) <= d.resultCeiling {
		return s
	}
	// Back off to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := d.resultCeiling
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n[truncated: tool result exceeded %d bytes]", d.resultCeiling)
}
