// Package command exposes the operator operations of the trader. Every
// operation goes through the settings manager or the ledger, so it is safe to
// call while the scheduler runs.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/swing-trader/internal/config"
	"github.com/amirphl/swing-trader/internal/exchange"
	"github.com/amirphl/swing-trader/internal/position"
)

const DefaultClosedLimit = 10

var (
	ErrAmbiguousID = errors.New("position id prefix matches more than one position")
	ErrScanPending = errors.New("a forced scan is already pending")
)

type Ledger interface {
	Get(id uuid.UUID) (position.Position, bool)
	OpenPositions() []position.Position
	ClosedPositions(limit int) []position.Position
	Balance() position.Balance
}

type Closer interface {
	Close(ctx context.Context, p position.Position, price float64, reason string) (position.Position, error)
}

type Scanner interface {
	ForceScan() bool
}

// Status is the overview returned by the status command.
type Status struct {
	Mode         config.TradeMode
	Balance      position.Balance
	OpenCount    int
	Symbols      []string
	Timeframes   []string
	InvestAmount decimal.Decimal
	Leverage     int
	Exchange     string
}

type Service struct {
	settings *config.SettingsManager
	ledger   Ledger
	exits    Closer
	data     exchange.MarketData
	scanner  Scanner
	timeout  time.Duration
	logger   *zap.Logger
}

func NewService(settings *config.SettingsManager, ledger Ledger, exits Closer, data exchange.MarketData,
	scanner Scanner, timeout time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		settings: settings,
		ledger:   ledger,
		exits:    exits,
		data:     data,
		scanner:  scanner,
		timeout:  timeout,
		logger:   logger.Named("command"),
	}
}

func (s *Service) audit(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("op", op))
	if err != nil {
		s.logger.Warn("command failed", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("command applied", fields...)
}

func (s *Service) SetInvestAmount(ctx context.Context, raw string) (config.Settings, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return s.settings.Snapshot(), fmt.Errorf("%w: invest amount %q", config.ErrInvalidSetting, raw)
	}
	out, err := s.settings.SetInvestAmount(ctx, amount)
	s.audit("set_invest_amount", err, zap.String("amount", amount.String()))
	return out, err
}

func (s *Service) SetLeverage(ctx context.Context, leverage int) (config.Settings, error) {
	out, err := s.settings.SetLeverage(ctx, leverage)
	s.audit("set_leverage", err, zap.Int("leverage", leverage))
	return out, err
}

func (s *Service) AddSymbol(ctx context.Context, symbol string) (config.Settings, error) {
	out, err := s.settings.AddSymbol(ctx, symbol)
	s.audit("add_symbol", err, zap.String("symbol", symbol))
	return out, err
}

// RemoveSymbol stops scanning symbol. Positions already open on it stay
// under the monitor until they close.
func (s *Service) RemoveSymbol(ctx context.Context, symbol string) (config.Settings, error) {
	out, err := s.settings.RemoveSymbol(ctx, symbol)
	s.audit("remove_symbol", err, zap.String("symbol", symbol))
	return out, err
}

func (s *Service) ToggleTimeframe(ctx context.Context, tf string) (config.Settings, error) {
	out, err := s.settings.ToggleTimeframe(ctx, tf)
	s.audit("toggle_timeframe", err, zap.String("timeframe", tf))
	return out, err
}

func (s *Service) SetMode(ctx context.Context, raw string) (config.Settings, error) {
	mode, err := config.ParseTradeMode(raw)
	if err != nil {
		return s.settings.Snapshot(), err
	}
	out, err := s.settings.SetMode(ctx, mode)
	s.audit("set_mode", err, zap.String("mode", string(mode)))
	return out, err
}

func (s *Service) ListOpen() []position.Position {
	return s.ledger.OpenPositions()
}

// ListClosed returns the most recent closed positions; a non-positive limit
// means DefaultClosedLimit.
func (s *Service) ListClosed(limit int) []position.Position {
	if limit <= 0 {
		limit = DefaultClosedLimit
	}
	return s.ledger.ClosedPositions(limit)
}

func (s *Service) GetBalance() position.Balance {
	return s.ledger.Balance()
}

func (s *Service) ForceScanNow() error {
	if !s.scanner.ForceScan() {
		return ErrScanPending
	}
	s.audit("force_scan_now", nil)
	return nil
}

// ClosePosition closes an open position at the last market price. ref is a
// full position id or a unique prefix of one.
func (s *Service) ClosePosition(ctx context.Context, ref string) (position.Position, error) {
	p, err := s.resolve(ref)
	if err != nil {
		return position.Position{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	price, err := s.data.FetchLastPrice(ctx, p.Symbol)
	if err != nil {
		return position.Position{}, fmt.Errorf("fetch price %s: %w", p.Symbol, err)
	}
	closed, err := s.exits.Close(ctx, p, price, position.ReasonManual)
	s.audit("close_position", err, zap.Stringer("position_id", p.ID), zap.Float64("price", price))
	return closed, err
}

func (s *Service) resolve(ref string) (position.Position, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if id, err := uuid.Parse(ref); err == nil {
		p, ok := s.ledger.Get(id)
		if !ok {
			return position.Position{}, fmt.Errorf("%w: %s", position.ErrPositionNotFound, ref)
		}
		if !p.IsOpen() {
			return position.Position{}, fmt.Errorf("%w: %s", position.ErrPositionNotOpen, ref)
		}
		return p, nil
	}
	if ref == "" {
		return position.Position{}, fmt.Errorf("%w: empty id", position.ErrPositionNotFound)
	}

	var match []position.Position
	for _, p := range s.ledger.OpenPositions() {
		if strings.HasPrefix(p.ID.String(), ref) {
			match = append(match, p)
		}
	}
	switch len(match) {
	case 0:
		return position.Position{}, fmt.Errorf("%w: %s", position.ErrPositionNotFound, ref)
	case 1:
		return match[0], nil
	}
	return position.Position{}, fmt.Errorf("%w: %s", ErrAmbiguousID, ref)
}

func (s *Service) Status() Status {
	settings := s.settings.Snapshot()
	name := ""
	if s.data != nil {
		name = s.data.Name()
	}
	return Status{
		Mode:         settings.TradeMode,
		Balance:      s.ledger.Balance(),
		OpenCount:    len(s.ledger.OpenPositions()),
		Symbols:      settings.TrackedSymbols,
		Timeframes:   settings.ActiveTimeframes,
		InvestAmount: settings.InvestAmount,
		Leverage:     settings.Leverage,
		Exchange:     name,
	}
}
