package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Conn is the subset of the websocket client the feeds depend on.
type Conn interface {
	Subscribe(ctx context.Context, subscription any) error
	Unsubscribe(ctx context.Context, subscription any) error
	Run(ctx context.Context, handler func(json.RawMessage)) error
}

// Feed turns l2Book updates into ticks priced at the book mid.
type Feed struct {
	conn Conn
	log  *zap.Logger
	now  func() time.Time

	mu       sync.RWMutex
	handlers map[string]func(Tick)
	last     map[string]time.Time
}

func NewFeed(conn Conn, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		conn:     conn,
		log:      log,
		now:      time.Now,
		handlers: make(map[string]func(Tick)),
		last:     make(map[string]time.Time),
	}
}

func (f *Feed) Run(ctx context.Context) error {
	return f.conn.Run(ctx, f.HandleMessage)
}

// Subscribe attaches onTick to symbol's book stream. The returned stop
// function detaches it and is safe to call more than once.
func (f *Feed) Subscribe(ctx context.Context, symbol string, onTick func(Tick)) (func(), error) {
	if onTick == nil {
		return nil, errors.New("tick handler is required")
	}
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return nil, errors.New("symbol is required")
	}
	f.mu.Lock()
	if _, ok := f.handlers[key]; ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("feed already subscribed to %s", key)
	}
	f.handlers[key] = onTick
	f.mu.Unlock()

	sub := bookSubscription(symbol)
	if err := f.conn.Subscribe(ctx, sub); err != nil {
		f.detach(key)
		return nil, err
	}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			f.detach(key)
			unsubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := f.conn.Unsubscribe(unsubCtx, sub); err != nil {
				f.log.Warn("book unsubscribe failed", zap.String("symbol", key), zap.Error(err))
			}
		})
	}
	return stop, nil
}

func (f *Feed) HandleMessage(msg json.RawMessage) {
	var envelope map[string]any
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return
	}
	if channel, _ := envelope["channel"].(string); channel != "l2Book" {
		return
	}
	book, ok := parseBook(envelope)
	if !ok {
		f.log.Debug("l2Book parse failed")
		return
	}
	mid, ok := book.Mid()
	if !ok {
		return
	}
	key := strings.ToUpper(book.Symbol)
	ts := book.Time
	if ts.IsZero() {
		ts = f.now().UTC()
	}

	f.mu.Lock()
	handler := f.handlers[key]
	if handler == nil {
		f.mu.Unlock()
		return
	}
	// Reconnect replays can deliver an older book; keep per-symbol ticks monotonic.
	if last, seen := f.last[key]; seen && ts.Before(last) {
		f.mu.Unlock()
		return
	}
	f.last[key] = ts
	f.mu.Unlock()

	handler(Tick{Time: ts, Price: mid, Book: book})
}

func (f *Feed) detach(key string) {
	f.mu.Lock()
	delete(f.handlers, key)
	delete(f.last, key)
	f.mu.Unlock()
}

func bookSubscription(symbol string) map[string]any {
	return map[string]any{"type": "l2Book", "coin": symbol}
}
