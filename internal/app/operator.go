package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hl-rsi-bot/internal/alerts"
	"hl-rsi-bot/internal/runner"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID int64     `json:"update_id"`
	Time     time.Time `json:"time"`
	Action   string    `json:"action"`
	Command  string    `json:"command"`
	Symbol   string    `json:"symbol,omitempty"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	ChatID   int64     `json:"chat_id"`
	Result   string    `json:"result"`
}

func (a *App) startOperator(ctx context.Context, g *errgroup.Group) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	g.Go(func() error {
		a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
		return nil
	})
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", nil, false
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "start", "stop", "cancel":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: /%s SYMBOL", cmd)
		}
		symbol := strings.ToUpper(strings.TrimSpace(args[0]))
		resp, err := a.runOperatorAction(ctx, cmd, symbol)
		result := resp
		if err != nil {
			result = err.Error()
		}
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID: meta.UpdateID,
			Time:     time.Now().UTC(),
			Action:   cmd,
			Command:  meta.Raw,
			Symbol:   symbol,
			UserID:   meta.UserID,
			Username: meta.Username,
			ChatID:   meta.ChatID,
			Result:   result,
		})
		return resp, err
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) runOperatorAction(ctx context.Context, cmd, symbol string) (string, error) {
	switch cmd {
	case "start":
		if _, err := a.registry.Start(ctx, symbol); err != nil {
			if errors.Is(err, runner.ErrRunnerExists) {
				return symbol + " already running", nil
			}
			return "", err
		}
		return symbol + " started", nil
	case "stop":
		if err := a.registry.Stop(symbol); err != nil {
			if errors.Is(err, runner.ErrRunnerNotFound) {
				return symbol + " is not running", nil
			}
			return "", err
		}
		a.persistStatuses(ctx)
		return symbol + " stopped", nil
	default:
		r, ok := a.registry.Get(symbol)
		if !ok {
			return symbol + " is not running", nil
		}
		cloid, ok := r.InflightOrder()
		if !ok {
			return "no inflight order for " + symbol, nil
		}
		if err := a.submitter.Cancel(ctx, symbol, cloid); err != nil {
			return "", err
		}
		return fmt.Sprintf("cancel sent for %s %s", symbol, cloid), nil
	}
}

func (a *App) operatorStatus() string {
	if a.registry == nil {
		return "status unavailable"
	}
	statuses := a.registry.Statuses()
	if len(statuses) == 0 {
		return "no runners"
	}
	lines := make([]string, 0, len(statuses)+1)
	if a.cfg != nil && a.cfg.Strategy.Paper {
		lines = append(lines, "mode: paper")
	}
	for _, st := range statuses {
		lines = append(lines, st.String())
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - runner status per symbol",
		"/start SYMBOL - start a runner",
		"/stop SYMBOL - stop a runner",
		"/cancel SYMBOL - cancel the inflight order",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	if val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
