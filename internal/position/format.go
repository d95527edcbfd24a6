package position

import (
	"fmt"
	"strings"
)

func modeLabel(real bool) string {
	if real {
		return "REAL"
	}
	return "VIRTUAL"
}

// FormatOpened renders the operator notification for a new position.
func FormatOpened(p Position) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Opened %s %s [%s] (%s)\n", p.Direction, p.Symbol, p.Timeframe, modeLabel(p.IsReal))
	fmt.Fprintf(&b, "Entry: %.8g\nSL: %.8g\nTP: %.8g\n", p.EntryPrice, p.StopLoss, p.TakeProfit)
	fmt.Fprintf(&b, "Invested: %s x%d\n", p.InvestedAmount.StringFixed(2), p.Leverage)
	if p.OrderRef != "" {
		fmt.Fprintf(&b, "Order: %s qty %.8g\n", p.OrderRef, p.Quantity)
	}
	fmt.Fprintf(&b, "Reason: %s", p.Reason)
	return b.String()
}

func FormatClosed(p Position) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Closed %s %s [%s] (%s): %s\n", p.Direction, p.Symbol, p.Timeframe, modeLabel(p.IsReal), p.CloseReason)
	fmt.Fprintf(&b, "Entry: %.8g\nExit: %.8g\n", p.EntryPrice, p.ExitPrice)
	fmt.Fprintf(&b, "PnL: %+.2f%% (%s)", p.PnLPercent, p.PnLCash.StringFixed(2))
	return b.String()
}

func FormatRejected(req OpenRequest, err error) string {
	return fmt.Sprintf("Rejected %s %s [%s] at %.8g: %v", req.Direction, req.Symbol, req.Timeframe, req.EntryPrice, err)
}

// Summary is the one-line form used in listings.
func Summary(p Position) string {
	if p.IsOpen() {
		return fmt.Sprintf("%s %s %s [%s] entry %.8g SL %.8g TP %.8g %s x%d id %s",
			modeLabel(p.IsReal), p.Direction, p.Symbol, p.Timeframe, p.EntryPrice, p.StopLoss, p.TakeProfit,
			p.InvestedAmount.StringFixed(2), p.Leverage, p.ID)
	}
	return fmt.Sprintf("%s %s %s [%s] %.8g -> %.8g %+.2f%% (%s) %s",
		modeLabel(p.IsReal), p.Direction, p.Symbol, p.Timeframe, p.EntryPrice, p.ExitPrice,
		p.PnLPercent, p.PnLCash.StringFixed(2), p.CloseReason)
}
