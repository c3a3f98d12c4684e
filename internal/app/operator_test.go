package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"hl-rsi-bot/internal/alerts"
	"hl-rsi-bot/internal/config"
	"hl-rsi-bot/internal/market"
	"hl-rsi-bot/internal/metrics"
	"hl-rsi-bot/internal/runner"
	"hl-rsi-bot/internal/strategy"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) withPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for key, val := range m.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, val)
		}
	}
	return out
}

type stubFeed struct {
	mu   sync.Mutex
	subs map[string]bool
}

func (f *stubFeed) Subscribe(ctx context.Context, symbol string, onTick func(market.Tick)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[string]bool)
	}
	f.subs[symbol] = true
	return func() {
		f.mu.Lock()
		delete(f.subs, symbol)
		f.mu.Unlock()
	}, nil
}

func (f *stubFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type stubInstruments struct{}

func (stubInstruments) QuantityScale(ctx context.Context, symbol string) (int, error) {
	if symbol == "NOPE" {
		return 0, market.ErrUnknownInstrument
	}
	return 3, nil
}

func (stubInstruments) Refresh(ctx context.Context) error { return nil }

type stubSubmitter struct {
	mu       sync.Mutex
	canceled []string
}

func (s *stubSubmitter) Buy(ctx context.Context, req strategy.OrderRequest) (strategy.OrderResult, error) {
	return strategy.OrderResult{ClientOrderID: req.ClientOrderID, OrderID: 1}, nil
}

func (s *stubSubmitter) Sell(ctx context.Context, req strategy.OrderRequest) (strategy.OrderResult, error) {
	return strategy.OrderResult{ClientOrderID: req.ClientOrderID, OrderID: 1}, nil
}

func (s *stubSubmitter) Cancel(ctx context.Context, symbol, cloid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, symbol+":"+cloid)
	return nil
}

type stubChannel struct {
	mu   sync.Mutex
	sent []string
}

func (c *stubChannel) Send(ctx context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, message)
	return nil
}

func (c *stubChannel) GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error) {
	return nil, errors.New("not used")
}

func testStrategyConfig() *config.Config {
	return &config.Config{Strategy: config.StrategyConfig{
		Symbols:           []string{"BTC"},
		Interval:          time.Minute,
		Period:            14,
		Low:               30,
		High:              70,
		NotionalUSD:       100,
		MaxOrdersPerCycle: 2,
		CloseRetention:    100,
		QueueSize:         16,
		Paper:             true,
	}}
}

func newTestApp(t *testing.T) (*App, *memoryStore, *stubSubmitter) {
	t.Helper()
	store := &memoryStore{data: make(map[string]string)}
	sub := &stubSubmitter{}
	app := &App{
		cfg:         testStrategyConfig(),
		log:         zap.NewNop(),
		store:       store,
		feed:        &stubFeed{},
		instruments: stubInstruments{},
		submitter:   sub,
		metrics:     metrics.NewNoop(),
		alerts:      &stubChannel{},
	}
	app.registry = runner.NewRegistry(app.newRunner, nil, zap.NewNop())
	t.Cleanup(app.registry.StopAll)
	return app, store, sub
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/start btc")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "start" {
		t.Fatalf("expected start, got %s", cmd)
	}
	if len(args) != 1 || args[0] != "btc" {
		t.Fatalf("unexpected args: %v", args)
	}
	if cmd, _, ok := parseOperatorCommand("/Status@rsi_bot"); !ok || cmd != "status" {
		t.Fatalf("expected bot suffix stripped, got %q", cmd)
	}
	if _, _, ok := parseOperatorCommand("hello"); ok {
		t.Fatalf("expected plain text ignored")
	}
}

func TestOperatorStartStopAudit(t *testing.T) {
	app, store, _ := newTestApp(t)
	ctx := context.Background()
	meta := operatorMeta{UpdateID: 5, UserID: 1, ChatID: 2, Raw: "/start eth"}

	resp, err := app.handleOperatorCommand(ctx, "start", []string{"eth"}, meta)
	if err != nil {
		t.Fatalf("start error: %v", err)
	}
	if resp != "ETH started" {
		t.Fatalf("unexpected start response: %s", resp)
	}
	if _, ok := app.registry.Get("ETH"); !ok {
		t.Fatalf("expected ETH runner")
	}
	resp, _ = app.handleOperatorCommand(ctx, "start", []string{"ETH"}, meta)
	if resp != "ETH already running" {
		t.Fatalf("unexpected duplicate response: %s", resp)
	}

	status := app.operatorStatus()
	if !strings.Contains(status, "mode: paper") || !strings.Contains(status, "ETH rsi=warming up (0/15)") {
		t.Fatalf("unexpected status:\n%s", status)
	}

	meta.Raw = "/stop eth"
	resp, err = app.handleOperatorCommand(ctx, "stop", []string{"eth"}, meta)
	if err != nil || resp != "ETH stopped" {
		t.Fatalf("unexpected stop response: %s %v", resp, err)
	}
	resp, _ = app.handleOperatorCommand(ctx, "stop", []string{"eth"}, meta)
	if resp != "ETH is not running" {
		t.Fatalf("unexpected second stop response: %s", resp)
	}

	audits := store.withPrefix("ops:audit:")
	if len(audits) != 4 {
		t.Fatalf("expected 4 audit events, got %d", len(audits))
	}
	var event operatorAuditEvent
	if err := json.Unmarshal([]byte(audits[0]), &event); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if event.Symbol != "ETH" || event.UserID != 1 || event.UpdateID != 5 {
		t.Fatalf("unexpected audit event %+v", event)
	}
}

func TestOperatorStartUnknownSymbolFails(t *testing.T) {
	app, _, _ := newTestApp(t)
	if _, err := app.handleOperatorCommand(context.Background(), "start", []string{"NOPE"}, operatorMeta{}); !errors.Is(err, market.ErrUnknownInstrument) {
		t.Fatalf("expected unknown instrument error, got %v", err)
	}
	if _, err := app.handleOperatorCommand(context.Background(), "stop", nil, operatorMeta{}); err == nil {
		t.Fatalf("expected usage error")
	}
}

func TestOperatorCancelWithoutInflight(t *testing.T) {
	app, _, sub := newTestApp(t)
	ctx := context.Background()
	if _, err := app.registry.Start(ctx, "BTC"); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := app.handleOperatorCommand(ctx, "cancel", []string{"BTC"}, operatorMeta{})
	if err != nil || resp != "no inflight order for BTC" {
		t.Fatalf("unexpected cancel response: %s %v", resp, err)
	}
	if len(sub.canceled) != 0 {
		t.Fatalf("expected no cancel sent")
	}
}

func TestOperatorUpdateFiltersChatAndUser(t *testing.T) {
	app, _, _ := newTestApp(t)
	channel := app.alerts.(*stubChannel)
	allowed := map[int64]struct{}{7: {}}
	ctx := context.Background()

	app.handleOperatorUpdate(ctx, alerts.Update{UpdateID: 1, Message: &alerts.Message{
		From: &alerts.User{ID: 7}, Chat: &alerts.Chat{ID: 999}, Text: "/help",
	}}, 123, allowed)
	app.handleOperatorUpdate(ctx, alerts.Update{UpdateID: 2, Message: &alerts.Message{
		From: &alerts.User{ID: 8}, Chat: &alerts.Chat{ID: 123}, Text: "/help",
	}}, 123, allowed)
	if len(channel.sent) != 0 {
		t.Fatalf("expected foreign chat and user ignored, got %v", channel.sent)
	}
	app.handleOperatorUpdate(ctx, alerts.Update{UpdateID: 3, Message: &alerts.Message{
		From: &alerts.User{ID: 7}, Chat: &alerts.Chat{ID: 123}, Text: "/help",
	}}, 123, allowed)
	if len(channel.sent) != 1 || !strings.Contains(channel.sent[0], "/start SYMBOL") {
		t.Fatalf("expected help reply, got %v", channel.sent)
	}
}

func TestOperatorOffsetRoundTrip(t *testing.T) {
	app, store, _ := newTestApp(t)
	ctx := context.Background()
	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected zero offset, got %d", got)
	}
	app.saveOperatorOffset(ctx, 42)
	if got := app.loadOperatorOffset(ctx); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	_ = store.Set(ctx, operatorOffsetKey, "-3")
	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected negative offset ignored, got %d", got)
	}
}
