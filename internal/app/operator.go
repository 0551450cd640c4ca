package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hl-mm-bot/internal/alerts"
	"hl-mm-bot/internal/state"

	"go.uber.org/zap"
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
	UpdateID int64     `json:"update_id,omitempty"`
	Time     time.Time `json:"time"`
	Action   string    `json:"action"`
	Command  string    `json:"command"`
	Source   string    `json:"source"`
	Market   string    `json:"market,omitempty"`
	UserID   int64     `json:"user_id,omitempty"`
	Username string    `json:"username,omitempty"`
	ChatID   int64     `json:"chat_id,omitempty"`
	Changed  bool      `json:"changed"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
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
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
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
	// "/status@my_bot" in group chats
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "halt":
		if len(args) == 0 {
			return "", errors.New("usage: /halt <market>")
		}
		name := strings.ToUpper(args[0])
		tripped, err := a.haltMarket(ctx, name)
		if err != nil {
			return "", err
		}
		a.auditOperatorEvent(ctx, a.operatorEvent(meta, "halt", name, tripped))
		if tripped {
			return fmt.Sprintf("%s halted; resting orders are being cancelled", name), nil
		}
		return fmt.Sprintf("%s already halted", name), nil
	case "resume":
		if len(args) == 0 {
			return "", errors.New("usage: /resume <market>")
		}
		name := strings.ToUpper(args[0])
		cleared, err := a.resumeMarket(ctx, name)
		if err != nil {
			return "", err
		}
		a.auditOperatorEvent(ctx, a.operatorEvent(meta, "resume", name, cleared))
		if cleared {
			return fmt.Sprintf("%s resumed", name), nil
		}
		return fmt.Sprintf("%s is not halted", name), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) operatorEvent(meta operatorMeta, action, market string, changed bool) operatorAuditEvent {
	return operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     time.Now().UTC(),
		Action:   action,
		Command:  meta.Raw,
		Source:   "telegram",
		Market:   market,
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
		Changed:  changed,
	}
}

func (a *App) haltMarket(ctx context.Context, name string) (bool, error) {
	p, ok := a.pipeline(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", errUnknownMarket, name)
	}
	tripped, err := p.Halt(ctx)
	if err == nil && tripped {
		a.log.Warn("market halted by operator", zap.String("market", p.Name()))
	}
	return tripped, err
}

func (a *App) resumeMarket(ctx context.Context, name string) (bool, error) {
	p, ok := a.pipeline(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", errUnknownMarket, name)
	}
	cleared, err := p.Resume(ctx)
	if err == nil && cleared {
		a.log.Info("market resumed", zap.String("market", p.Name()))
	}
	return cleared, err
}

func (a *App) operatorStatus(ctx context.Context) string {
	names := a.marketNames()
	if len(names) == 0 {
		return "no markets running"
	}
	lines := make([]string, 0, len(names))
	for _, name := range names {
		p, ok := a.pipeline(name)
		if !ok {
			continue
		}
		st, err := p.Status(ctx)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%s: unavailable (%v)", name, err))
			continue
		}
		line := fmt.Sprintf("%s: breaker=%s book_valid=%t mid=%.6g inventory=%.6f open_orders=%d net_pnl=%.4f funding=%.8f stale=%t",
			st.Market, st.Breaker, st.BookValid, st.Mid, st.Inventory, st.OpenOrders, st.NetPnL, st.FundingRate, st.Stale)
		if st.BreakerReason != "" {
			line += " reason=" + st.BreakerReason
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - per-market quoting status",
		"/halt <market> - trip the breaker and cancel resting orders",
		"/resume <market> - clear the breaker and resume quoting",
		"/help - this message",
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
	val, ok, err := state.GetInt64(ctx, a.store, operatorOffsetKey)
	if err != nil || !ok || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = state.SetInt64(ctx, a.store, operatorOffsetKey, offset)
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	if err := state.SetJSON(ctx, a.store, key, event); err != nil && a.log != nil {
		a.log.Warn("operator audit failed", zap.Error(err))
	}
}
