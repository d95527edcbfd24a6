package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/swing-trader/internal/db"
	"github.com/amirphl/swing-trader/internal/journal"
	"github.com/amirphl/swing-trader/internal/metrics"
	"github.com/amirphl/swing-trader/internal/notifier"
	"github.com/amirphl/swing-trader/internal/strategy/signal"
)

var (
	ErrDuplicatePosition = errors.New("position already open for symbol and timeframe")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPositionNotOpen   = errors.New("position is not open")
	ErrPositionNotFound  = errors.New("position not found")
	ErrStopRegression    = errors.New("stop loss would move against the position")
	ErrInvalidOpen       = errors.New("invalid open request")
)

type Options struct {
	StopLossPercent   float64
	TakeProfitPercent float64
	Currency          string
	InitialBalance    decimal.Decimal

	// Journal receives every ledger event. When the store is itself a
	// journal.Recorder it also gets them, in the same transaction as the
	// documents when it is a db.Transactor.
	Journal journal.Recorder
	Metrics *metrics.Metrics
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

type OpenRequest struct {
	Symbol       string
	Timeframe    string
	Direction    signal.Direction
	EntryPrice   float64
	InvestAmount decimal.Decimal
	Leverage     int
	Reason       string
	IsReal       bool
	OrderRef     string
	Quantity     float64
}

func (r OpenRequest) validate() error {
	switch {
	case r.Symbol == "" || r.Timeframe == "":
		return fmt.Errorf("%w: symbol and timeframe are required", ErrInvalidOpen)
	case r.Direction != signal.Long && r.Direction != signal.Short:
		return fmt.Errorf("%w: direction %q", ErrInvalidOpen, r.Direction)
	case r.EntryPrice <= 0:
		return fmt.Errorf("%w: entry price %v", ErrInvalidOpen, r.EntryPrice)
	case !r.InvestAmount.IsPositive():
		return fmt.Errorf("%w: invest amount %s", ErrInvalidOpen, r.InvestAmount.String())
	case r.Leverage < 1:
		return fmt.Errorf("%w: leverage %d", ErrInvalidOpen, r.Leverage)
	}
	return nil
}

// Ledger is the single owner of open positions, closed positions and the
// virtual balance. One mutex guards all three; every mutation is persisted
// before the lock is released and rolled back in memory if that fails.
type Ledger struct {
	mu sync.Mutex

	opts     Options
	store    db.DocumentStore
	notifier notifier.Notifier
	logger   *zap.Logger

	open    []Position
	closed  []Position
	balance Balance
}

// ledgerState is a backup of ledger state for rollback
type ledgerState struct {
	open    []Position
	closed  []Position
	balance Balance
}

// NewLedger loads the persisted documents, falling back to an empty ledger
// and a fresh balance for documents that were never saved.
func NewLedger(ctx context.Context, opts Options, store db.DocumentStore, n notifier.Notifier, logger *zap.Logger) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("nil document store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Currency == "" {
		opts.Currency = "USDT"
	}

	l := &Ledger{
		opts:     opts,
		store:    store,
		notifier: n,
		logger:   logger.Named("ledger"),
		open:     make([]Position, 0),
		closed:   make([]Position, 0),
		balance:  NewBalance(opts.Currency, opts.InitialBalance),
	}

	if err := loadDoc(ctx, store, db.KindOpenPositions, &l.open); err != nil {
		return nil, err
	}
	if err := loadDoc(ctx, store, db.KindClosedPositions, &l.closed); err != nil {
		return nil, err
	}
	if err := loadDoc(ctx, store, db.KindBalance, &l.balance); err != nil {
		return nil, err
	}
	if err := l.balance.validate(); err != nil {
		return nil, fmt.Errorf("stored balance is inconsistent: %w", err)
	}

	seen := make(map[string]bool, len(l.open))
	for _, p := range l.open {
		key := pairKey(p.Symbol, p.Timeframe)
		if seen[key] {
			l.logger.Warn("duplicate open position in stored ledger",
				zap.String("symbol", p.Symbol), zap.String("timeframe", p.Timeframe), zap.Stringer("position_id", p.ID))
		}
		seen[key] = true
	}

	l.logger.Info("ledger loaded",
		zap.Int("open", len(l.open)),
		zap.Int("closed", len(l.closed)),
		zap.String("available", l.balance.Available.String()),
		zap.String("total", l.balance.Total.String()))
	l.opts.Metrics.Ledger(len(l.open), l.balance.Available.InexactFloat64())
	return l, nil
}

func loadDoc(ctx context.Context, store db.DocumentStore, kind db.Kind, into any) error {
	data, err := store.Load(ctx, kind)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", kind, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return nil
}

func pairKey(symbol, timeframe string) string {
	return strings.ToUpper(symbol) + "|" + timeframe
}

// backupState copies everything a mutation may touch.
func (l *Ledger) backupState() ledgerState {
	return ledgerState{
		open:    append([]Position(nil), l.open...),
		closed:  append([]Position(nil), l.closed...),
		balance: l.balance,
	}
}

func (l *Ledger) rollbackState(backup ledgerState) {
	l.open = backup.open
	l.closed = backup.closed
	l.balance = backup.balance
}

func (l *Ledger) persistLocked(ctx context.Context) error {
	open, err := json.Marshal(l.open)
	if err != nil {
		return fmt.Errorf("failed to encode open positions: %w", err)
	}
	closed, err := json.Marshal(l.closed)
	if err != nil {
		return fmt.Errorf("failed to encode closed positions: %w", err)
	}
	balance, err := json.Marshal(l.balance)
	if err != nil {
		return fmt.Errorf("failed to encode balance: %w", err)
	}
	return l.store.SaveBatch(ctx, map[db.Kind][]byte{
		db.KindOpenPositions:   open,
		db.KindClosedPositions: closed,
		db.KindBalance:         balance,
	})
}

// commitLocked persists the documents and, on a transactional store, the
// event with them. stored reports whether the store already has the event.
func (l *Ledger) commitLocked(ctx context.Context, e journal.Event) (stored bool, err error) {
	tx, ok := l.store.(db.Transactor)
	rec, isRec := l.store.(journal.Recorder)
	if !ok || !isRec {
		return false, l.persistLocked(ctx)
	}
	err = tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := l.persistLocked(ctx); err != nil {
			return err
		}
		return rec.LogEvent(ctx, e)
	})
	return err == nil, err
}

// Open records a new position. In virtual mode the invest amount is
// reserved from the balance; a shortfall rejects the open.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (Position, error) {
	req.Symbol = strings.ToUpper(req.Symbol)
	if err := req.validate(); err != nil {
		l.afterReject(ctx, req, err)
		return Position{}, err
	}

	l.mu.Lock()
	pos, stored, err := l.openLocked(ctx, req)
	open, available := len(l.open), l.balance.Available
	l.mu.Unlock()

	if err != nil {
		l.afterReject(ctx, req, err)
		return Position{}, err
	}
	l.opts.Metrics.PositionOpened(pos.IsReal)
	l.opts.Metrics.Ledger(open, available.InexactFloat64())
	l.afterOpen(ctx, pos, stored)
	return pos, nil
}

func (l *Ledger) openLocked(ctx context.Context, req OpenRequest) (Position, bool, error) {
	if existing, ok := l.findOpenLocked(req.Symbol, req.Timeframe); ok {
		return Position{}, false, fmt.Errorf("%w: %s %s (%s since %s)", ErrDuplicatePosition,
			req.Symbol, req.Timeframe, existing.Direction, existing.OpenedAt.Format(time.RFC3339))
	}

	backup := l.backupState()

	stop, take := Levels(req.Direction, req.EntryPrice, l.opts.StopLossPercent, l.opts.TakeProfitPercent)
	pos := Position{
		ID:              uuid.New(),
		Symbol:          req.Symbol,
		Timeframe:       req.Timeframe,
		Direction:       req.Direction,
		EntryPrice:      req.EntryPrice,
		StopLoss:        stop,
		TakeProfit:      take,
		InitialStopLoss: stop,
		InvestedAmount:  req.InvestAmount,
		Leverage:        req.Leverage,
		OpenedAt:        l.opts.Now(),
		Reason:          req.Reason,
		Status:          StatusOpen,
		IsReal:          req.IsReal,
		OrderRef:        req.OrderRef,
		Quantity:        req.Quantity,
		PnLCash:         decimal.Zero,
	}

	if !req.IsReal {
		if err := l.balance.reserve(req.InvestAmount); err != nil {
			return Position{}, false, err
		}
	}
	l.open = append(l.open, pos)

	stored, err := l.commitLocked(ctx, openedEvent(pos))
	if err != nil {
		l.rollbackState(backup)
		return Position{}, false, fmt.Errorf("failed to persist open of %s %s: %w", req.Symbol, req.Timeframe, err)
	}
	return pos, stored, nil
}

// Close moves an open position to the closed list exactly once. Closing a
// position that is already closed fails with ErrPositionNotOpen.
func (l *Ledger) Close(ctx context.Context, id uuid.UUID, exitPrice float64, reason string) (Position, error) {
	if exitPrice <= 0 {
		return Position{}, fmt.Errorf("invalid exit price %v for position %s", exitPrice, id)
	}

	l.mu.Lock()
	pos, stored, err := l.closeLocked(ctx, id, exitPrice, reason)
	open, available := len(l.open), l.balance.Available
	l.mu.Unlock()

	if err != nil {
		return Position{}, err
	}
	l.opts.Metrics.PositionClosed(reason)
	l.opts.Metrics.Ledger(open, available.InexactFloat64())
	l.afterClose(ctx, pos, stored)
	return pos, nil
}

func (l *Ledger) closeLocked(ctx context.Context, id uuid.UUID, exitPrice float64, reason string) (Position, bool, error) {
	idx := l.indexOpenLocked(id)
	if idx < 0 {
		for _, p := range l.closed {
			if p.ID == id {
				return Position{}, false, fmt.Errorf("%w: %s closed at %s (%s)", ErrPositionNotOpen, id, p.ClosedAt.Format(time.RFC3339), p.CloseReason)
			}
		}
		return Position{}, false, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}

	backup := l.backupState()

	pos := l.open[idx]
	pct, cash := PnL(pos.Direction, pos.EntryPrice, exitPrice, pos.InvestedAmount, pos.Leverage)
	closedAt := l.opts.Now()
	pos.Status = StatusClosed
	pos.ExitPrice = exitPrice
	pos.ClosedAt = &closedAt
	pos.PnLPercent = pct
	pos.PnLCash = cash
	pos.CloseReason = reason

	l.open = append(l.open[:idx:idx], l.open[idx+1:]...)
	l.closed = append(l.closed, pos)
	if !pos.IsReal {
		l.balance.release(pos.InvestedAmount, cash)
	}

	stored, err := l.commitLocked(ctx, closedEvent(pos))
	if err != nil {
		l.rollbackState(backup)
		return Position{}, false, fmt.Errorf("failed to persist close of %s: %w", id, err)
	}
	return pos, stored, nil
}

// UpdateStops moves the stop and take-profit of an open position. The stop
// may only move in the position's favour.
func (l *Ledger) UpdateStops(ctx context.Context, id uuid.UUID, stop, take float64, trailSteps int) (Position, error) {
	l.mu.Lock()
	cur, event, stored, err := l.updateStopsLocked(ctx, id, stop, take, trailSteps)
	l.mu.Unlock()
	if err != nil {
		return Position{}, err
	}
	l.record(ctx, event, stored)
	return cur, nil
}

func (l *Ledger) updateStopsLocked(ctx context.Context, id uuid.UUID, stop, take float64, trailSteps int) (Position, journal.Event, bool, error) {
	idx := l.indexOpenLocked(id)
	if idx < 0 {
		return Position{}, journal.Event{}, false, fmt.Errorf("%w: %s", ErrPositionNotOpen, id)
	}
	prev := l.open[idx]
	cur := prev
	if (cur.Direction == signal.Long && stop < cur.StopLoss) || (cur.Direction == signal.Short && stop > cur.StopLoss) {
		return Position{}, journal.Event{}, false, fmt.Errorf("%w: %s %s stop %.8f -> %.8f", ErrStopRegression, cur.Symbol, cur.Direction, cur.StopLoss, stop)
	}
	if trailSteps < cur.TrailSteps {
		trailSteps = cur.TrailSteps
	}

	backup := l.backupState()
	cur.StopLoss = stop
	cur.TakeProfit = take
	cur.TrailSteps = trailSteps
	l.open[idx] = cur

	event := stopsEvent(prev, cur, l.opts.Now())
	stored, err := l.commitLocked(ctx, event)
	if err != nil {
		l.rollbackState(backup)
		return Position{}, journal.Event{}, false, fmt.Errorf("failed to persist stops of %s: %w", id, err)
	}
	return cur, event, stored, nil
}

// FindOpen returns the open position for a symbol and timeframe, if any.
func (l *Ledger) FindOpen(symbol, timeframe string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findOpenLocked(symbol, timeframe)
}

func (l *Ledger) findOpenLocked(symbol, timeframe string) (Position, bool) {
	key := pairKey(symbol, timeframe)
	for _, p := range l.open {
		if pairKey(p.Symbol, p.Timeframe) == key {
			return p, true
		}
	}
	return Position{}, false
}

func (l *Ledger) indexOpenLocked(id uuid.UUID) int {
	for i, p := range l.open {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Get looks a position up by id in both lists.
func (l *Ledger) Get(id uuid.UUID) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexOpenLocked(id); i >= 0 {
		return l.open[i], true
	}
	for _, p := range l.closed {
		if p.ID == id {
			return p, true
		}
	}
	return Position{}, false
}

// OpenPositions returns a copy of the open list, oldest first.
func (l *Ledger) OpenPositions() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Position(nil), l.open...)
}

// ClosedPositions returns up to limit closed positions, most recent first.
// A non-positive limit returns all of them.
func (l *Ledger) ClosedPositions(limit int) []Position {
	l.mu.Lock()
	out := append([]Position(nil), l.closed...)
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ClosedAt != nil && out[j].ClosedAt != nil && out[i].ClosedAt.After(*out[j].ClosedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (l *Ledger) Balance() Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

func (l *Ledger) afterOpen(ctx context.Context, p Position, stored bool) {
	l.logger.Info("position opened",
		zap.String("symbol", p.Symbol),
		zap.String("timeframe", p.Timeframe),
		zap.Stringer("position_id", p.ID),
		zap.String("direction", string(p.Direction)),
		zap.Float64("entry", p.EntryPrice),
		zap.Float64("stop_loss", p.StopLoss),
		zap.Float64("take_profit", p.TakeProfit),
		zap.Bool("real", p.IsReal))
	l.record(ctx, openedEvent(p), stored)
	l.send(FormatOpened(p))
}

func (l *Ledger) afterClose(ctx context.Context, p Position, stored bool) {
	l.logger.Info("position closed",
		zap.String("symbol", p.Symbol),
		zap.String("timeframe", p.Timeframe),
		zap.Stringer("position_id", p.ID),
		zap.String("reason", p.CloseReason),
		zap.Float64("exit", p.ExitPrice),
		zap.Float64("pnl_percent", p.PnLPercent),
		zap.String("pnl_cash", p.PnLCash.String()))
	l.record(ctx, closedEvent(p), stored)
	l.send(FormatClosed(p))
}

func (l *Ledger) afterReject(ctx context.Context, req OpenRequest, err error) {
	cause := "invalid"
	switch {
	case errors.Is(err, ErrDuplicatePosition):
		cause = "duplicate"
	case errors.Is(err, ErrInsufficientFunds):
		cause = "insufficient_funds"
	case !errors.Is(err, ErrInvalidOpen):
		cause = "persistence"
	}
	l.opts.Metrics.OpenRejected(cause)

	l.logger.Warn("open rejected",
		zap.String("symbol", req.Symbol),
		zap.String("timeframe", req.Timeframe),
		zap.String("direction", string(req.Direction)),
		zap.String("cause", cause),
		zap.Error(err))
	l.record(ctx, journal.Event{
		Time:        l.opts.Now(),
		Type:        journal.TypeRejected,
		Description: err.Error(),
		Data: map[string]any{
			"symbol":    req.Symbol,
			"timeframe": req.Timeframe,
			"direction": string(req.Direction),
			"cause":     cause,
			"invest":    req.InvestAmount.String(),
		},
	}, false)
	// Duplicates are routine on every scan; only notify the operator of the rest.
	if cause != "duplicate" {
		l.send(FormatRejected(req, err))
	}
}

// record sends e to the store's journal unless stored, then to Journal.
func (l *Ledger) record(ctx context.Context, e journal.Event, stored bool) {
	if rec, ok := l.store.(journal.Recorder); ok && !stored {
		if err := rec.LogEvent(ctx, e); err != nil {
			l.logger.Warn("failed to journal event", zap.String("type", e.Type), zap.Error(err))
		}
	}
	if l.opts.Journal == nil {
		return
	}
	if err := l.opts.Journal.LogEvent(ctx, e); err != nil {
		l.logger.Warn("failed to publish event", zap.String("type", e.Type), zap.Error(err))
	}
}

func openedEvent(p Position) journal.Event {
	return journal.Event{
		Time:        p.OpenedAt,
		Type:        journal.TypeOpened,
		Description: fmt.Sprintf("%s %s %s at %.8g", p.Direction, p.Symbol, p.Timeframe, p.EntryPrice),
		Data:        positionData(p),
	}
}

func closedEvent(p Position) journal.Event {
	return journal.Event{
		Time:        *p.ClosedAt,
		Type:        journal.TypeClosed,
		Description: fmt.Sprintf("%s %s %s closed: %s", p.Direction, p.Symbol, p.Timeframe, p.CloseReason),
		Data:        positionData(p),
	}
}

func stopsEvent(prev, cur Position, at time.Time) journal.Event {
	data := positionData(cur)
	data["previous_stop_loss"] = prev.StopLoss
	data["previous_take_profit"] = prev.TakeProfit
	data["trail_steps"] = cur.TrailSteps
	return journal.Event{
		Time:        at,
		Type:        journal.TypeStops,
		Description: fmt.Sprintf("%s %s %s stop %.8g -> %.8g, tp %.8g -> %.8g", cur.Direction, cur.Symbol, cur.Timeframe, prev.StopLoss, cur.StopLoss, prev.TakeProfit, cur.TakeProfit),
		Data:        data,
	}
}

func (l *Ledger) send(msg string) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.SendWithRetry(msg); err != nil {
		l.logger.Warn("notification failed", zap.Error(err))
	}
}

func positionData(p Position) map[string]any {
	data := map[string]any{
		"id":          p.ID.String(),
		"symbol":      p.Symbol,
		"timeframe":   p.Timeframe,
		"direction":   string(p.Direction),
		"entry_price": p.EntryPrice,
		"stop_loss":   p.StopLoss,
		"take_profit": p.TakeProfit,
		"invested":    p.InvestedAmount.String(),
		"leverage":    p.Leverage,
		"is_real":     p.IsReal,
		"reason":      p.Reason,
	}
	if p.Status == StatusClosed {
		data["exit_price"] = p.ExitPrice
		data["pnl_percent"] = p.PnLPercent
		data["pnl_cash"] = p.PnLCash.String()
		data["close_reason"] = p.CloseReason
	}
	return data
}
