package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestInfoPostsRequest(t *testing.T) {
	var got InfoRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"coin":"BTC","levels":[[],[]]}`))
	}))
	defer server.Close()

	client := New(server.URL+"/", time.Second, zap.NewNop())
	resp, err := client.Info(context.Background(), InfoRequest{Type: "l2Book", Coin: "BTC"})
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if got.Type != "l2Book" || got.Coin != "BTC" {
		t.Fatalf("unexpected request %+v", got)
	}
	if resp["coin"] != "BTC" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestInfoAnyDecodesArray(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"universe":[]},[]]`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, zap.NewNop())
	resp, err := client.InfoAny(context.Background(), InfoRequest{Type: "metaAndAssetCtxs"})
	if err != nil {
		t.Fatalf("info any: %v", err)
	}
	arr, ok := resp.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("expected 2 element array, got %#v", resp)
	}
}

func TestInfoReturnsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, zap.NewNop())
	if _, err := client.Info(context.Background(), InfoRequest{Type: "meta"}); err == nil {
		t.Fatalf("expected error for 429")
	}
}
