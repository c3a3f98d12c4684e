package state

import (
	"context"
	"sync"
	"testing"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func TestRunnerStatusRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	statuses := []RunnerStatus{
		{Symbol: "ETH", CandleCount: 3, Side: "FLAT", Band: "NONE", Armed: true},
		{Symbol: "BTC", CandleCount: 20, Oscillator: 72.5, Warm: true, Side: "SHORT", Qty: 0.01, Band: "UPPER", OrdersInCycle: 2, Inflight: true, UpdatedAtMS: 12345},
	}
	if err := SaveRunnerStatuses(ctx, store, statuses); err != nil {
		t.Fatalf("save statuses: %v", err)
	}
	got, err := LoadRunnerStatuses(ctx, store)
	if err != nil {
		t.Fatalf("load statuses: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(got))
	}
	if got[0] != statuses[1] || got[1] != statuses[0] {
		t.Fatalf("expected statuses sorted by symbol, got %#v", got)
	}
}

func TestRunnerStatusMissing(t *testing.T) {
	got, err := LoadRunnerStatuses(context.Background(), &memoryStore{})
	if err != nil {
		t.Fatalf("load statuses: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no statuses, got %#v", got)
	}
}

func TestRunnerStatusInvalid(t *testing.T) {
	store := &memoryStore{items: map[string]string{RunnerStatusKey: "{"}}
	if _, err := LoadRunnerStatuses(context.Background(), store); err == nil {
		t.Fatalf("expected error for invalid status JSON")
	}
}
