package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finchlabs/finch/internal/bus"
	"github.com/finchlabs/finch/internal/config"
	"github.com/finchlabs/finch/internal/diag"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *bus.MessageBus, *diag.Bus) {
	t.Helper()
	diagBus := diag.NewBus()
	msgBus := bus.NewMessageBus()
	srv := NewServer(config.GatewayConfig{
		WebhookToken:  "secret",
		RatePerMinute: 600,
		RateBurst:     100,
	}, diagBus, msgBus)
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)
	return srv, ts, msgBus, diagBus
}

func postHook(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/hooks/"+token, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWebhookAccepted(t *testing.T) {
	_, ts, msgBus, diagBus := newTestServer(t)

	resp := postHook(t, ts.URL, "secret", `{"text":"hello from hook","chatId":"42"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok || msg.Content != "hello from hook" || msg.ChatID != "42" || msg.Channel != "webhook" {
		t.Errorf("inbound = %+v ok=%v", msg, ok)
	}

	for _, typ := range []string{diag.EventWebhookReceived, diag.EventWebhookProcessed} {
		if got := diagBus.Query(diag.Filter{Types: []string{typ}}); got.Total != 1 {
			t.Errorf("%s events = %d", typ, got.Total)
		}
	}
}

func TestWebhookRejectsBadToken(t *testing.T) {
	_, ts, _, diagBus := newTestServer(t)

	resp := postHook(t, ts.URL, "wrong", `{"text":"x"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := diagBus.Query(diag.Filter{Types: []string{diag.EventWebhookError}}); got.Total != 1 {
		t.Errorf("webhook.error events = %d", got.Total)
	}
}

func TestWebhookRejectsEmptyText(t *testing.T) {
	_, ts, _, _ := newTestServer(t)
	if resp := postHook(t, ts.URL, "secret", `{"text":"  "}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestWebhookRateLimited(t *testing.T) {
	diagBus := diag.NewBus()
	msgBus := bus.NewMessageBus()
	srv := NewServer(config.GatewayConfig{
		WebhookToken:  "secret",
		RatePerMinute: 60,
		RateBurst:     2,
	}, diagBus, msgBus)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := postHook(t, ts.URL, "secret", `{"text":"hi"}`)
		statuses = append(statuses, resp.StatusCode)
	}
	if statuses[0] != http.StatusAccepted || statuses[1] != http.StatusAccepted {
		t.Fatalf("burst rejected: %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", statuses[2])
	}
}

func TestWebSocketStreamAndChat(t *testing.T) {
	srv, ts, msgBus, diagBus := newTestServer(t)
	srv.mu.Lock()
	srv.running = true
	srv.mu.Unlock()
	unsubscribe := diagBus.Subscribe(srv.broadcast)
	defer unsubscribe()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Give the server a beat to register the client before emitting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		n := len(srv.clients)
		srv.mu.Unlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	diagBus.Emit(diag.Input{Type: "test.event", Message: "ping"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame["type"] != "event" {
		t.Errorf("frame = %+v", frame)
	}

	// Chat frames feed the ingress pipeline.
	if err := conn.WriteJSON(map[string]string{"type": "chat", "content": "hello ws"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok || msg.Channel != "ws" || msg.Content != "hello ws" {
		t.Errorf("inbound = %+v ok=%v", msg, ok)
	}

	// Replies route back over the socket.
	if err := srv.Send(context.Background(), bus.OutboundMessage{Channel: "ws", ChatID: msg.ChatID, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	var reply map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply["type"] != "reply" || reply["content"] != "hi" {
		t.Errorf("reply = %+v", reply)
	}
}
