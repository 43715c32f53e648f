package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finchlabs/finch/internal/bus"
	"github.com/finchlabs/finch/internal/channels"
	"github.com/finchlabs/finch/internal/config"
	"github.com/finchlabs/finch/internal/diag"
)

const wsSendBuffer = 64

// Server exposes the gateway HTTP surface: webhook ingress under
// /hooks/{token}, a WebSocket event stream under /ws, and a health probe.
// It also acts as the "ws" channel so chat frames get replies.
type Server struct {
	cfg     config.GatewayConfig
	diag    *diag.Bus
	msgBus  *bus.MessageBus
	limiter *channels.RateLimiter

	upgrader websocket.Upgrader
	srv      *http.Server

	mu      sync.Mutex
	running bool
	nextID  int
	clients map[string]*wsClient
}

type wsClient struct {
	conn *websocket.Conn
	send chan any
}

// chatFrame is an inbound WebSocket chat message.
type chatFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func NewServer(cfg config.GatewayConfig, diagBus *diag.Bus, msgBus *bus.MessageBus) *Server {
	return &Server{
		cfg:     cfg,
		diag:    diagBus,
		msgBus:  msgBus,
		limiter: channels.NewRateLimiter(cfg.RatePerMinute, cfg.RateBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local-first deployment: the server binds loopback by default.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /hooks/{token}", s.handleWebhook)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Start begins serving and streaming diagnostic events to WS clients.
// Non-blocking; Stop shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.srv = &http.Server{Addr: addr, Handler: s.Mux()}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", addr, err)
	}

	unsubscribe := s.diag.Subscribe(s.broadcast)
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server error", "error", err)
		}
	}()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	slog.Info("gateway listening", "addr", addr)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	for _, c := range s.clients {
		close(c.send)
	}
	s.clients = make(map[string]*wsClient)
	s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

// Channel interface: WS chat replies route back through Send.

func (s *Server) Name() string { return "ws" }

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) Send(_ context.Context, msg bus.OutboundMessage) error {
	s.mu.Lock()
	c, ok := s.clients[msg.ChatID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("ws client %s gone", msg.ChatID)
	}
	select {
	case c.send <- map[string]string{"type": "reply", "content": msg.Content}:
		return nil
	default:
		return fmt.Errorf("ws client %s send buffer full", msg.ChatID)
	}
}

// broadcast fans a diagnostic event to every connected WS client. Slow
// clients drop events rather than block the bus.
func (s *Server) broadcast(ev diag.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.send <- map[string]any{"type": "event", "event": ev}:
		default:
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.nextID++
	id := "ws-" + strconv.Itoa(s.nextID)
	client := &wsClient{conn: conn, send: make(chan any, wsSendBuffer)}
	s.clients[id] = client
	s.mu.Unlock()

	go func() {
		for payload := range client.send {
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
		conn.Close()
	}()

	defer func() {
		s.mu.Lock()
		if c, ok := s.clients[id]; ok {
			delete(s.clients, id)
			close(c.send)
		}
		s.mu.Unlock()
	}()

	for {
		var frame chatFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "chat" || strings.TrimSpace(frame.Content) == "" {
			continue
		}
		s.msgBus.PublishInbound(bus.InboundMessage{
			Channel:   "ws",
			ChatType:  bus.ChatDirect,
			ChatID:    id,
			SenderID:  id,
			Content:   frame.Content,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

// webhookPayload is the JSON body accepted by /hooks/{token}.
type webhookPayload struct {
	Text    string `json:"text"`
	Sender  string `json:"sender,omitempty"`
	Channel string `json:"channel,omitempty"` // reply channel; default "webhook"
	ChatID  string `json:"chatId,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if s.cfg.WebhookToken == "" || token != s.cfg.WebhookToken {
		s.webhookError(w, http.StatusUnauthorized, "invalid webhook token", r)
		return
	}

	source, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		source = r.RemoteAddr
	}
	if !s.limiter.Allow(source) {
		s.webhookError(w, http.StatusTooManyRequests, "rate limited", r)
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&payload); err != nil {
		s.webhookError(w, http.StatusBadRequest, "bad payload: "+err.Error(), r)
		return
	}
	if strings.TrimSpace(payload.Text) == "" {
		s.webhookError(w, http.StatusBadRequest, "text is required", r)
		return
	}

	s.diag.Emit(diag.Input{
		Type:    diag.EventWebhookReceived,
		Channel: "webhook",
		Fields:  map[string]any{"source": source},
	})

	channel := payload.Channel
	if channel == "" {
		channel = "webhook"
	}
	chatID := payload.ChatID
	if chatID == "" {
		chatID = "hook"
	}
	sender := payload.Sender
	if sender == "" {
		sender = "webhook:" + source
	}
	s.msgBus.PublishInbound(bus.InboundMessage{
		Channel:   channel,
		ChatType:  bus.ChatDirect,
		ChatID:    chatID,
		SenderID:  sender,
		Content:   payload.Text,
		Timestamp: time.Now().UnixMilli(),
	})

	s.diag.Emit(diag.Input{
		Type:    diag.EventWebhookProcessed,
		Channel: channel,
	})
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"accepted"}`))
}

func (s *Server) webhookError(w http.ResponseWriter, status int, msg string, r *http.Request) {
	s.diag.Emit(diag.Input{
		Type:    diag.EventWebhookError,
		Channel: "webhook",
		IsError: true,
		Message: msg,
		Fields:  map[string]any{"status": status, "path": r.URL.Path},
	})
	http.Error(w, msg, status)
}
