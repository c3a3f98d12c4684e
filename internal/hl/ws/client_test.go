package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func TestClientSendsPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	msgCh := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			select {
			case msgCh <- msg:
			default:
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 10*time.Millisecond, 20*time.Millisecond, zap.NewNop())
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, nil)
	}()

	select {
	case msg := <-msgCh:
		if msg["method"] != "ping" {
			t.Fatalf("expected ping message, got %v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for ping")
	}
}

func TestClientSubscribeAndUnsubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msgCh := make(chan map[string]any, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg["method"] == "ping" {
				continue
			}
			msgCh <- msg
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 10*time.Millisecond, 0, zap.NewNop())
	sub := map[string]any{"type": "l2Book", "coin": "BTC"}

	// Recorded before connect, replayed by Run.
	if err := client.Subscribe(ctx, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Subscribe(ctx, sub); err != nil {
		t.Fatalf("subscribe twice: %v", err)
	}
	if got := client.Subscriptions(); got != 1 {
		t.Fatalf("expected 1 subscription, got %d", got)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, nil)
	}()

	msg := waitMessage(t, ctx, msgCh)
	if msg["method"] != "subscribe" {
		t.Fatalf("expected subscribe, got %v", msg)
	}
	subscription, _ := msg["subscription"].(map[string]any)
	if subscription["coin"] != "BTC" {
		t.Fatalf("unexpected subscription %v", msg)
	}

	if err := client.Unsubscribe(ctx, sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	msg = waitMessage(t, ctx, msgCh)
	if msg["method"] != "unsubscribe" {
		t.Fatalf("expected unsubscribe, got %v", msg)
	}
	if got := client.Subscriptions(); got != 0 {
		t.Fatalf("expected 0 subscriptions, got %d", got)
	}
}

func TestClientRetriesFailedReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var dials atomic.Int32
	msgCh := make(chan map[string]any, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		if n == 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		if n == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			select {
			case msgCh <- msg:
			default:
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 10*time.Millisecond, 0, zap.NewNop())
	if err := client.Subscribe(ctx, map[string]any{"type": "l2Book", "coin": "ETH"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() {
		runErr <- client.Run(runCtx, nil)
	}()

	msg := waitMessage(t, ctx, msgCh)
	if msg["method"] != "subscribe" {
		t.Fatalf("expected replayed subscribe, got %v", msg)
	}
	if got := dials.Load(); got < 3 {
		t.Fatalf("expected a dial after the failed one, got %d dials", got)
	}
	select {
	case err := <-runErr:
		t.Fatalf("run returned while its context was live: %v", err)
	default:
	}

	runCancel()
	select {
	case err := <-runErr:
		if err == nil {
			t.Fatalf("expected context error from run")
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func waitMessage(t *testing.T, ctx context.Context, ch <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-ctx.Done():
		t.Fatalf("timed out waiting for message")
	}
	return nil
}
