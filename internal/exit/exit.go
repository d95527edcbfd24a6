// Package exit watches open positions: it closes them when a stop or target
// is crossed and ratchets the stop as price moves in their favour.
package exit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amirphl/swing-trader/internal/exchange"
	"github.com/amirphl/swing-trader/internal/indicator"
	"github.com/amirphl/swing-trader/internal/metrics"
	"github.com/amirphl/swing-trader/internal/notifier"
	"github.com/amirphl/swing-trader/internal/order"
	"github.com/amirphl/swing-trader/internal/position"
	"github.com/amirphl/swing-trader/internal/strategy/signal"
)

type State string

const (
	Armed          State = "ARMED"
	TriggeredSL    State = "TRIGGERED_SL"
	TriggeredTP    State = "TRIGGERED_TP"
	TriggeredTrail State = "TRIGGERED_TRAIL"
	Closed         State = "CLOSED"
)

// Reason maps a trigger to the close reason recorded on the position.
func (s State) Reason() string {
	switch s {
	case TriggeredSL:
		return position.ReasonStopLoss
	case TriggeredTP:
		return position.ReasonTakeProfit
	case TriggeredTrail:
		return position.ReasonTrailingStop
	}
	return ""
}

const (
	TakeProfitFixed = "fixed"
	TakeProfitLevel = "level"
)

var ErrCloseInProgress = errors.New("close already in progress")

type Config struct {
	TrailingEnabled    bool    `yaml:"trailing_enabled"`
	TrailStepPercent   float64 `yaml:"trail_step_percent"`
	TrailBufferPercent float64 `yaml:"trail_buffer_percent"`
	TakeProfitMode     string  `yaml:"take_profit_mode"`
	LevelLookback      int     `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		TrailingEnabled:    true,
		TrailStepPercent:   5,
		TrailBufferPercent: 2,
		TakeProfitMode:     TakeProfitFixed,
		LevelLookback:      50,
	}
}

// Ledger is the part of position.Ledger the manager mutates.
type Ledger interface {
	Get(id uuid.UUID) (position.Position, bool)
	Close(ctx context.Context, id uuid.UUID, exitPrice float64, reason string) (position.Position, error)
	UpdateStops(ctx context.Context, id uuid.UUID, stop, take float64, trailSteps int) (position.Position, error)
}

type Manager struct {
	cfg      Config
	ledger   Ledger
	data     exchange.MarketData
	gateway  exchange.Gateway
	notifier notifier.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	closing map[uuid.UUID]bool
}

// NewManager wires the manager. gateway may be nil when no real orders can
// be placed; real positions are then closed locally only.
func NewManager(cfg Config, ledger Ledger, data exchange.MarketData, gateway exchange.Gateway,
	n notifier.Notifier, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		ledger:   ledger,
		data:     data,
		gateway:  gateway,
		notifier: n,
		metrics:  m,
		logger:   logger.Named("exit"),
		closing:  make(map[uuid.UUID]bool),
	}
}

// Evaluate classifies price against the position's stop and target. A stop
// that has been trailed reports TriggeredTrail instead of TriggeredSL.
func Evaluate(p position.Position, price float64) State {
	stopped := TriggeredSL
	if p.Trailed() {
		stopped = TriggeredTrail
	}
	switch p.Direction {
	case signal.Long:
		if price <= p.StopLoss {
			return stopped
		}
		if price >= p.TakeProfit {
			return TriggeredTP
		}
	case signal.Short:
		if price >= p.StopLoss {
			return stopped
		}
		if price <= p.TakeProfit {
			return TriggeredTP
		}
	}
	return Armed
}

// Trail computes the ratcheted stop for price. For every full step of
// favourable move the stop locks in k*step-buffer percent from entry. The
// result never moves the stop against the position.
func Trail(p position.Position, price, stepPercent, bufferPercent float64) (stop float64, steps int, moved bool) {
	if stepPercent <= 0 {
		return p.StopLoss, p.TrailSteps, false
	}
	k := int(math.Floor(p.Unrealized(price)/stepPercent + 1e-9))
	if k < 1 || k <= p.TrailSteps {
		return p.StopLoss, p.TrailSteps, false
	}
	lock := (float64(k)*stepPercent - bufferPercent) / 100
	switch p.Direction {
	case signal.Long:
		candidate := p.EntryPrice * (1 + lock)
		if candidate > p.StopLoss {
			return candidate, k, true
		}
	case signal.Short:
		candidate := p.EntryPrice * (1 - lock)
		if candidate < p.StopLoss {
			return candidate, k, true
		}
	}
	return p.StopLoss, p.TrailSteps, false
}

// Check runs one monitoring tick for p. It returns Closed when the position
// was closed, Armed when it stays open, or the trigger state together with
// an error when the close itself failed.
func (m *Manager) Check(ctx context.Context, p position.Position) (State, position.Position, error) {
	price, err := m.data.FetchLastPrice(ctx, p.Symbol)
	if err != nil {
		m.metrics.Failure("fetch_price")
		return Armed, p, fmt.Errorf("fetch price %s: %w", p.Symbol, err)
	}

	if state := Evaluate(p, price); state != Armed {
		closed, err := m.Close(ctx, p, price, state.Reason())
		if err != nil {
			return state, p, err
		}
		return Closed, closed, nil
	}

	stop, take, steps := p.StopLoss, p.TakeProfit, p.TrailSteps
	if m.cfg.TrailingEnabled {
		if s, k, moved := Trail(p, price, m.cfg.TrailStepPercent, m.cfg.TrailBufferPercent); moved {
			stop, steps = s, k
		}
	}
	if m.cfg.TakeProfitMode == TakeProfitLevel {
		if target, ok := m.levelTarget(ctx, p, price); ok {
			take = target
		}
	}
	if stop == p.StopLoss && take == p.TakeProfit && steps == p.TrailSteps {
		return Armed, p, nil
	}

	updated, err := m.ledger.UpdateStops(ctx, p.ID, stop, take, steps)
	if err != nil {
		m.metrics.Failure("update_stops")
		return Armed, p, err
	}
	m.logger.Info("stops updated",
		zap.String("symbol", p.Symbol),
		zap.String("timeframe", p.Timeframe),
		zap.Stringer("position_id", p.ID),
		zap.Float64("price", price),
		zap.Float64("stop_loss", updated.StopLoss),
		zap.Float64("take_profit", updated.TakeProfit),
		zap.Int("trail_steps", updated.TrailSteps))
	return Armed, updated, nil
}

// levelTarget returns the resistance (LONG) or support (SHORT) of the
// position's timeframe when it lies beyond price.
func (m *Manager) levelTarget(ctx context.Context, p position.Position, price float64) (float64, bool) {
	series, err := m.data.FetchCandles(ctx, p.Symbol, p.Timeframe, m.cfg.LevelLookback)
	if err != nil {
		m.logger.Warn("level target skipped", zap.String("symbol", p.Symbol), zap.Error(err))
		return 0, false
	}
	support, resistance, err := indicator.Levels(series, m.cfg.LevelLookback)
	if err != nil {
		return 0, false
	}
	if p.Direction == signal.Long && resistance > price {
		return resistance, true
	}
	if p.Direction == signal.Short && support < price && support > 0 {
		return support, true
	}
	return 0, false
}

// Close flattens p at price. For a real position an opposing market order
// is sent first; its failure is reported but the local close still happens.
func (m *Manager) Close(ctx context.Context, p position.Position, price float64, reason string) (position.Position, error) {
	if !m.claim(p.ID) {
		return position.Position{}, fmt.Errorf("%w: %s", ErrCloseInProgress, p.ID)
	}
	defer m.release(p.ID)

	current, ok := m.ledger.Get(p.ID)
	if !ok {
		return position.Position{}, fmt.Errorf("%w: %s", position.ErrPositionNotFound, p.ID)
	}
	if !current.IsOpen() {
		return position.Position{}, fmt.Errorf("%w: %s", position.ErrPositionNotOpen, p.ID)
	}

	if current.IsReal {
		m.flatten(ctx, current)
	}
	return m.ledger.Close(ctx, current.ID, price, reason)
}

func (m *Manager) flatten(ctx context.Context, p position.Position) {
	var err error
	switch {
	case m.gateway == nil:
		err = errors.New("no execution gateway configured")
	case p.Quantity <= 0:
		err = fmt.Errorf("no tracked quantity")
	default:
		var resp order.OrderResponse
		resp, err = m.gateway.PlaceMarketOrder(ctx, order.OrderRequest{
			Symbol:   p.Symbol,
			Side:     order.ExitSide(p.Direction),
			Quantity: p.Quantity,
		})
		if err == nil && !resp.Filled() {
			err = fmt.Errorf("order %s not filled (status %s)", resp.OrderID, resp.Status)
		}
		if err == nil {
			m.logger.Info("exit order filled",
				zap.String("symbol", p.Symbol),
				zap.Stringer("position_id", p.ID),
				zap.String("order_id", resp.OrderID),
				zap.Float64("avg_price", resp.AvgPrice))
			return
		}
	}

	m.metrics.Failure("close_order")
	m.logger.Error("exit order failed, closing locally",
		zap.String("symbol", p.Symbol),
		zap.String("timeframe", p.Timeframe),
		zap.Stringer("position_id", p.ID),
		zap.Float64("quantity", p.Quantity),
		zap.Error(err))
	if m.notifier != nil {
		msg := fmt.Sprintf("RECONCILE: exit order for %s %s [%s] qty %.8g failed: %v. Ledger closed anyway; check the exchange position.",
			p.Direction, p.Symbol, p.Timeframe, p.Quantity, err)
		if nerr := m.notifier.SendWithRetry(msg); nerr != nil {
			m.logger.Warn("notification failed", zap.Error(nerr))
		}
	}
}

func (m *Manager) claim(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing[id] {
		return false
	}
	m.closing[id] = true
	return true
}

func (m *Manager) release(id uuid.UUID) {
	m.mu.Lock()
	delete(m.closing, id)
	m.mu.Unlock()
}
