package state

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
)

const RunnerStatusKey = "runner:status"

// RunnerStatus is an observational copy of a runner's state. It is written
// for operators and tooling and never read back into a runner.
type RunnerStatus struct {
	Symbol        string  `json:"symbol"`
	CandleCount   int     `json:"candle_count"`
	Oscillator    float64 `json:"oscillator"`
	Warm          bool    `json:"warm"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	Band          string  `json:"band"`
	OrdersInCycle int     `json:"orders_in_cycle"`
	Armed         bool    `json:"armed"`
	Inflight      bool    `json:"inflight"`
	UpdatedAtMS   int64   `json:"updated_at_ms"`
}

func LoadRunnerStatuses(ctx context.Context, store Store) ([]RunnerStatus, error) {
	if store == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, RunnerStatusKey)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var statuses []RunnerStatus
	if err := json.Unmarshal([]byte(raw), &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// SaveRunnerStatuses replaces the stored set, ordered by symbol.
func SaveRunnerStatuses(ctx context.Context, store Store, statuses []RunnerStatus) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sorted := append([]RunnerStatus(nil), statuses...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Symbol < sorted[j].Symbol })
	payload, err := json.Marshal(sorted)
	if err != nil {
		return err
	}
	return store.Set(ctx, RunnerStatusKey, string(payload))
}
