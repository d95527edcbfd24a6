// Package livetrading runs the two periodic tasks of the trader: the signal
// scan over every tracked (symbol, timeframe) pair and the position monitor.
package livetrading

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/swing-trader/internal/config"
	"github.com/amirphl/swing-trader/internal/exchange"
	"github.com/amirphl/swing-trader/internal/exit"
	"github.com/amirphl/swing-trader/internal/indicator"
	"github.com/amirphl/swing-trader/internal/metrics"
	"github.com/amirphl/swing-trader/internal/notifier"
	"github.com/amirphl/swing-trader/internal/order"
	"github.com/amirphl/swing-trader/internal/position"
	"github.com/amirphl/swing-trader/internal/strategy"
	"github.com/amirphl/swing-trader/internal/strategy/signal"
)

var (
	ErrNoGateway = errors.New("no execution gateway configured")
	ErrSpotShort = errors.New("short entry on a spot gateway")
)

// Ledger is the part of position.Ledger the scheduler drives.
type Ledger interface {
	FindOpen(symbol, timeframe string) (position.Position, bool)
	Open(ctx context.Context, req position.OpenRequest) (position.Position, error)
	OpenPositions() []position.Position
}

// Exits is the part of exit.Manager the scheduler drives.
type Exits interface {
	Check(ctx context.Context, p position.Position) (exit.State, position.Position, error)
	Close(ctx context.Context, p position.Position, price float64, reason string) (position.Position, error)
}

type SettingsSource interface {
	Snapshot() config.Settings
}

type Options struct {
	ScanInterval    time.Duration
	MonitorInterval time.Duration
	RequestTimeout  time.Duration
	CandleLimit     int
	Indicators      indicator.Params
}

// Outcome of scanning one pair.
type Outcome string

const (
	OutcomeNotReady Outcome = "not_ready"
	OutcomeNoSignal Outcome = "no_signal"
	OutcomeHeld     Outcome = "held"
	OutcomeOpened   Outcome = "opened"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// ScanReport summarises one scan pass.
type ScanReport struct {
	Pairs    int
	Outcomes map[Outcome]int
	Duration time.Duration
}

type Scheduler struct {
	opts      Options
	settings  SettingsSource
	ledger    Ledger
	exits     Exits
	data      exchange.MarketData
	gateway   exchange.Gateway
	generator strategy.Generator
	notifier  notifier.Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger

	force  chan struct{}
	scanMu sync.Mutex
}

func New(opts Options, settings SettingsSource, ledger Ledger, exits Exits, data exchange.MarketData,
	gateway exchange.Gateway, gen strategy.Generator, n notifier.Notifier, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		opts:      opts,
		settings:  settings,
		ledger:    ledger,
		exits:     exits,
		data:      data,
		gateway:   gateway,
		generator: gen,
		notifier:  n,
		metrics:   m,
		logger:    logger.Named("scheduler"),
		force:     make(chan struct{}, 1),
	}
}

// Run starts the scan and monitor loops and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.scanLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.monitorLoop(ctx)
	}()
	wg.Wait()
}

// ForceScan asks the scan loop for an immediate pass. It reports false when
// a forced pass is already pending.
func (s *Scheduler) ForceScan() bool {
	select {
	case s.force <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ScanInterval)
	defer ticker.Stop()
	s.logger.Info("scan loop started", zap.Duration("interval", s.opts.ScanInterval))

	s.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scan loop stopped")
			return
		case <-ticker.C:
			s.ScanOnce(ctx)
		case <-s.force:
			s.logger.Info("forced scan")
			s.ScanOnce(ctx)
		}
	}
}

func (s *Scheduler) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.MonitorInterval)
	defer ticker.Stop()
	s.logger.Info("monitor loop started", zap.Duration("interval", s.opts.MonitorInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("monitor loop stopped")
			return
		case <-ticker.C:
			s.MonitorOnce(ctx)
		}
	}
}

// ScanOnce runs one pass over every tracked pair. A failing pair never
// stops the pass.
func (s *Scheduler) ScanOnce(ctx context.Context) ScanReport {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	start := time.Now()
	settings := s.settings.Snapshot()
	report := ScanReport{Outcomes: make(map[Outcome]int)}

	for _, symbol := range settings.TrackedSymbols {
		for _, tf := range settings.ActiveTimeframes {
			if ctx.Err() != nil {
				return report
			}
			report.Pairs++
			outcome := s.guard("scan", symbol, tf, func() Outcome {
				return s.scanPair(ctx, settings, symbol, tf)
			})
			report.Outcomes[outcome]++
		}
	}

	report.Duration = time.Since(start)
	result := "ok"
	if report.Outcomes[OutcomeFailed] > 0 {
		result = "partial"
	}
	s.metrics.ScanDone(result, report.Duration.Seconds())
	s.logger.Debug("scan finished",
		zap.Int("pairs", report.Pairs),
		zap.Int("opened", report.Outcomes[OutcomeOpened]),
		zap.Int("failed", report.Outcomes[OutcomeFailed]),
		zap.Duration("took", report.Duration))
	return report
}

func (s *Scheduler) scanPair(ctx context.Context, settings config.Settings, symbol, tf string) Outcome {
	log := s.logger.With(zap.String("symbol", symbol), zap.String("timeframe", tf))

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	series, err := s.data.FetchCandles(fetchCtx, symbol, tf, s.opts.CandleLimit)
	cancel()
	if err != nil {
		s.metrics.Failure("fetch_candles")
		log.Warn("fetch candles failed", zap.Error(err))
		return OutcomeFailed
	}

	snap, err := indicator.Compute(series.Completed(), s.opts.Indicators)
	if errors.Is(err, indicator.ErrInsufficientData) {
		log.Debug("not enough candles yet", zap.Error(err))
		return OutcomeNotReady
	}
	if err != nil {
		s.metrics.Failure("indicators")
		log.Warn("indicator computation failed", zap.Error(err))
		return OutcomeFailed
	}

	sig := s.generator.Generate(symbol, tf, snap)
	if !sig.IsActionable() {
		return OutcomeNoSignal
	}
	s.metrics.SignalEmitted(sig.Direction.String())
	log.Info("signal", zap.String("direction", sig.Direction.String()), zap.String("reason", sig.Reason), zap.Stringer("snapshot", snap))

	if existing, ok := s.ledger.FindOpen(symbol, tf); ok {
		if existing.Direction != sig.Direction.Opposite() {
			return OutcomeHeld
		}
		if err := s.closeOpposite(ctx, existing); err != nil {
			log.Error("opposite signal close failed", zap.Stringer("position_id", existing.ID), zap.Error(err))
			return OutcomeFailed
		}
	}

	var opened position.Position
	if settings.TradeMode == config.ModeReal {
		opened, err = s.openReal(ctx, settings, sig)
	} else {
		opened, err = s.ledger.Open(ctx, s.openRequest(settings, sig, false))
	}
	switch {
	case errors.Is(err, position.ErrDuplicatePosition), errors.Is(err, position.ErrInsufficientFunds),
		errors.Is(err, ErrSpotShort):
		return OutcomeRejected
	case err != nil:
		log.Error("open failed", zap.Error(err))
		return OutcomeFailed
	}
	log.Debug("opened", zap.Stringer("position_id", opened.ID))
	return OutcomeOpened
}

func (s *Scheduler) openRequest(settings config.Settings, sig signal.Signal, real bool) position.OpenRequest {
	return position.OpenRequest{
		Symbol:       sig.Symbol,
		Timeframe:    sig.Timeframe,
		Direction:    sig.Direction,
		EntryPrice:   sig.Price,
		InvestAmount: settings.InvestAmount,
		Leverage:     settings.Leverage,
		Reason:       sig.Reason,
		IsReal:       real,
	}
}

// closeOpposite closes p at the current market price before a position in
// the other direction may be opened.
func (s *Scheduler) closeOpposite(ctx context.Context, p position.Position) error {
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	price, err := s.data.FetchLastPrice(fetchCtx, p.Symbol)
	cancel()
	if err != nil {
		s.metrics.Failure("fetch_price")
		return fmt.Errorf("fetch price %s: %w", p.Symbol, err)
	}
	orderCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	_, err = s.exits.Close(orderCtx, p, price, position.ReasonOpposite)
	return err
}

// openReal places the entry order first; the ledger only records a position
// for a confirmed fill. A fill the ledger then refuses is unwound.
func (s *Scheduler) openReal(ctx context.Context, settings config.Settings, sig signal.Signal) (position.Position, error) {
	if s.gateway == nil {
		s.metrics.Failure("open_order")
		s.notify(fmt.Sprintf("Real open of %s %s [%s] skipped: %v", sig.Direction, sig.Symbol, sig.Timeframe, ErrNoGateway))
		return position.Position{}, ErrNoGateway
	}
	if sig.Price <= 0 {
		return position.Position{}, fmt.Errorf("%w: entry price %v", position.ErrInvalidOpen, sig.Price)
	}
	log := s.logger.With(zap.String("symbol", sig.Symbol), zap.String("timeframe", sig.Timeframe))

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	leverage := settings.Leverage
	if err := s.gateway.SetLeverage(ctx, sig.Symbol, leverage); err != nil {
		if !errors.Is(err, exchange.ErrUnsupported) {
			log.Warn("set leverage failed, placing order anyway", zap.Int("leverage", leverage), zap.Error(err))
		} else {
			// Spot venue: the order is unlevered and cannot sell what is not held.
			if sig.Direction == signal.Short {
				err = fmt.Errorf("%w: short entries need leverage support on %s", ErrSpotShort, s.gateway.Name())
				s.metrics.Failure("open_order")
				s.notify(fmt.Sprintf("Real open of %s %s [%s] skipped: %v", sig.Direction, sig.Symbol, sig.Timeframe, err))
				return position.Position{}, err
			}
			log.Info("leverage unsupported, sizing unlevered", zap.Int("configured", leverage))
			leverage = 1
		}
	}

	notional := settings.InvestAmount.Mul(decimal.NewFromInt(int64(leverage)))
	qty := notional.Div(decimal.NewFromFloat(sig.Price)).InexactFloat64()
	resp, err := s.gateway.PlaceMarketOrder(ctx, order.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     order.EntrySide(sig.Direction),
		Quantity: qty,
	})
	if err == nil && !resp.Filled() {
		err = fmt.Errorf("order %s not filled (status %s)", resp.OrderID, resp.Status)
	}
	if err != nil {
		s.metrics.Failure("open_order")
		log.Error("entry order failed", zap.Float64("quantity", qty), zap.Error(err))
		s.notify(fmt.Sprintf("Real open of %s %s [%s] failed: %v. No position recorded.", sig.Direction, sig.Symbol, sig.Timeframe, err))
		return position.Position{}, err
	}

	req := s.openRequest(settings, sig, true)
	req.Leverage = leverage
	req.OrderRef = resp.OrderID
	req.Quantity = qty
	if resp.FilledQty > 0 {
		req.Quantity = resp.FilledQty
	}
	if resp.AvgPrice > 0 {
		req.EntryPrice = resp.AvgPrice
	}

	p, err := s.ledger.Open(ctx, req)
	if err != nil {
		s.unwind(ctx, req, err)
		return position.Position{}, err
	}
	return p, nil
}

func (s *Scheduler) unwind(ctx context.Context, req position.OpenRequest, cause error) {
	resp, err := s.gateway.PlaceMarketOrder(ctx, order.OrderRequest{
		Symbol:   req.Symbol,
		Side:     order.ExitSide(req.Direction),
		Quantity: req.Quantity,
	})
	if err == nil && resp.Filled() {
		s.logger.Warn("unwound fill the ledger refused",
			zap.String("symbol", req.Symbol),
			zap.String("order_id", req.OrderRef),
			zap.Error(cause))
		return
	}
	if err == nil {
		err = fmt.Errorf("order %s not filled (status %s)", resp.OrderID, resp.Status)
	}
	s.metrics.Failure("unwind_order")
	s.logger.Error("unwind failed", zap.String("symbol", req.Symbol), zap.String("order_id", req.OrderRef), zap.Error(err))
	s.notify(fmt.Sprintf("RECONCILE: %s %s [%s] order %s filled but not recorded (%v); unwind failed: %v",
		req.Direction, req.Symbol, req.Timeframe, req.OrderRef, cause, err))
}

// MonitorOnce runs the exit manager over every open position.
func (s *Scheduler) MonitorOnce(ctx context.Context) {
	for _, p := range s.ledger.OpenPositions() {
		if ctx.Err() != nil {
			return
		}
		s.guard("monitor", p.Symbol, p.Timeframe, func() Outcome {
			checkCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
			defer cancel()
			state, _, err := s.exits.Check(checkCtx, p)
			if err != nil {
				s.logger.Warn("monitor check failed",
					zap.String("symbol", p.Symbol),
					zap.String("timeframe", p.Timeframe),
					zap.Stringer("position_id", p.ID),
					zap.String("state", string(state)),
					zap.Error(err))
				return OutcomeFailed
			}
			return OutcomeHeld
		})
	}
}

// guard runs fn and turns a panic into a logged failure for that item.
func (s *Scheduler) guard(stage, symbol, tf string, fn func() Outcome) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Failure("panic")
			s.logger.Error("recovered from panic",
				zap.String("stage", stage),
				zap.String("symbol", symbol),
				zap.String("timeframe", tf),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			out = OutcomeFailed
		}
	}()
	return fn()
}

func (s *Scheduler) notify(msg string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendWithRetry(msg); err != nil {
		s.logger.Warn("notification failed", zap.Error(err))
	}
}
