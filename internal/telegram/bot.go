// Package telegram maps chat commands onto command.Service.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/amirphl/swing-trader/internal/command"
	"github.com/amirphl/swing-trader/internal/config"
	"github.com/amirphl/swing-trader/internal/position"
)

const helpText = `Commands:
/status - mode, balance and tracked pairs
/balance - virtual balance
/open - open positions
/closed [n] - last n closed positions
/invest <amount> - invest amount per position
/leverage <n> - leverage (1-125)
/add <symbol> - track a symbol
/remove <symbol> - stop tracking a symbol
/tf <timeframe> - toggle a timeframe
/mode <virtual|real> - trade mode
/scan - scan now
/close <id> - close a position at market`

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	StopReceivingUpdates()
}

type Bot struct {
	api    API
	chatID int64
	svc    *command.Service
	logger *zap.Logger
}

func NewBot(api API, chatID int64, svc *command.Service, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{api: api, chatID: chatID, svc: svc, logger: logger.Named("telegram")}
}

// Run long-polls for updates until ctx is done. Messages from chats other
// than the configured one are ignored.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()
	b.logger.Info("bot started", zap.Int64("chat_id", b.chatID))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bot stopped")
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if up.Message == nil || up.Message.Chat == nil {
				continue
			}
			if up.Message.Chat.ID != b.chatID {
				b.logger.Warn("ignored message from unknown chat", zap.Int64("chat_id", up.Message.Chat.ID))
				continue
			}
			b.reply(b.Handle(ctx, up.Message.Text))
		}
	}
}

func (b *Bot) reply(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("send reply failed", zap.Error(err))
	}
}

// Handle runs one text command and returns the reply.
func (b *Bot) Handle(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "Unknown command. Try /help"
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]
	arg := func() (string, bool) {
		if len(args) == 0 {
			return "", false
		}
		return args[0], true
	}

	switch cmd {
	case "start", "help":
		return helpText
	case "status":
		return formatStatus(b.svc.Status())
	case "balance":
		bal := b.svc.GetBalance()
		return fmt.Sprintf("Total: %s %s\nAvailable: %s %s", bal.Total.StringFixed(2), bal.Currency, bal.Available.StringFixed(2), bal.Currency)
	case "open":
		return formatPositions("Open positions", b.svc.ListOpen())
	case "closed":
		limit := 0
		if a, ok := arg(); ok {
			n, err := strconv.Atoi(a)
			if err != nil || n < 1 {
				return "Usage: /closed [n]"
			}
			limit = n
		}
		return formatPositions("Closed positions", b.svc.ListClosed(limit))
	case "invest":
		a, ok := arg()
		if !ok {
			return "Usage: /invest <amount>"
		}
		return settingsReply(b.svc.SetInvestAmount(ctx, a))
	case "leverage":
		a, ok := arg()
		n, err := strconv.Atoi(a)
		if !ok || err != nil {
			return "Usage: /leverage <n>"
		}
		return settingsReply(b.svc.SetLeverage(ctx, n))
	case "add":
		a, ok := arg()
		if !ok {
			return "Usage: /add <symbol>"
		}
		return settingsReply(b.svc.AddSymbol(ctx, a))
	case "remove":
		a, ok := arg()
		if !ok {
			return "Usage: /remove <symbol>"
		}
		return settingsReply(b.svc.RemoveSymbol(ctx, a))
	case "tf":
		a, ok := arg()
		if !ok {
			return "Usage: /tf <timeframe>"
		}
		return settingsReply(b.svc.ToggleTimeframe(ctx, a))
	case "mode":
		a, ok := arg()
		if !ok {
			return "Usage: /mode <virtual|real>"
		}
		return settingsReply(b.svc.SetMode(ctx, a))
	case "scan":
		if err := b.svc.ForceScanNow(); err != nil {
			return "Error: " + err.Error()
		}
		return "Scan queued"
	case "close":
		a, ok := arg()
		if !ok {
			return "Usage: /close <id>"
		}
		p, err := b.svc.ClosePosition(ctx, a)
		if err != nil {
			return "Error: " + err.Error()
		}
		return position.FormatClosed(p)
	}
	return "Unknown command. Try /help"
}

func settingsReply(s config.Settings, err error) string {
	if err != nil {
		return "Error: " + err.Error()
	}
	return "Updated.\n" + formatSettings(s)
}

func formatSettings(s config.Settings) string {
	return fmt.Sprintf("Mode: %s\nInvest: %s x%d\nSymbols: %s\nTimeframes: %s",
		s.TradeMode, s.InvestAmount.String(), s.Leverage,
		strings.Join(s.TrackedSymbols, ", "), strings.Join(s.ActiveTimeframes, ", "))
}

func formatStatus(st command.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s (%s)\n", st.Mode, st.Exchange)
	fmt.Fprintf(&b, "Balance: %s / %s %s\n", st.Balance.Available.StringFixed(2), st.Balance.Total.StringFixed(2), st.Balance.Currency)
	fmt.Fprintf(&b, "Open positions: %d\n", st.OpenCount)
	fmt.Fprintf(&b, "Invest: %s x%d\n", st.InvestAmount.String(), st.Leverage)
	fmt.Fprintf(&b, "Symbols: %s\n", strings.Join(st.Symbols, ", "))
	fmt.Fprintf(&b, "Timeframes: %s", strings.Join(st.Timeframes, ", "))
	return b.String()
}

func formatPositions(title string, ps []position.Position) string {
	if len(ps) == 0 {
		return title + ": none"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d):", title, len(ps))
	for _, p := range ps {
		b.WriteString("\n- ")
		b.WriteString(position.Summary(p))
	}
	return b.String()
}
