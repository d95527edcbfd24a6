package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/swing-trader/internal/db"
	"github.com/amirphl/swing-trader/internal/tfutils"
)

var (
	ErrUnknownTimeframe = errors.New("unknown timeframe")
	ErrInvalidSetting   = errors.New("invalid setting")
)

type TradeMode string

const (
	ModeVirtual TradeMode = "virtual"
	ModeReal    TradeMode = "real"
)

func ParseTradeMode(s string) (TradeMode, error) {
	switch TradeMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeVirtual:
		return ModeVirtual, nil
	case ModeReal:
		return ModeReal, nil
	}
	return "", fmt.Errorf("%w: trade mode %q (want virtual or real)", ErrInvalidSetting, s)
}

const MaxLeverage = 125

// Settings are the operator-tunable values changed at runtime.
type Settings struct {
	ActiveTimeframes []string        `json:"active_timeframes" yaml:"active_timeframes"`
	InvestAmount     decimal.Decimal `json:"invest_amount" yaml:"invest_amount"`
	Leverage         int             `json:"leverage" yaml:"leverage"`
	TradeMode        TradeMode       `json:"trade_mode" yaml:"trade_mode"`
	TrackedSymbols   []string        `json:"tracked_symbols" yaml:"tracked_symbols"`
}

func DefaultSettings() Settings {
	return Settings{
		ActiveTimeframes: []string{"1h", "4h"},
		InvestAmount:     decimal.NewFromInt(20),
		Leverage:         10,
		TradeMode:        ModeVirtual,
		TrackedSymbols:   []string{"BTCUSDT", "ETHUSDT"},
	}
}

func (s Settings) clone() Settings {
	s.ActiveTimeframes = slices.Clone(s.ActiveTimeframes)
	s.TrackedSymbols = slices.Clone(s.TrackedSymbols)
	return s
}

func (s Settings) Validate() error {
	if !s.InvestAmount.IsPositive() {
		return fmt.Errorf("%w: invest amount %s must be positive", ErrInvalidSetting, s.InvestAmount.String())
	}
	if s.Leverage < 1 || s.Leverage > MaxLeverage {
		return fmt.Errorf("%w: leverage %d outside 1..%d", ErrInvalidSetting, s.Leverage, MaxLeverage)
	}
	if _, err := ParseTradeMode(string(s.TradeMode)); err != nil {
		return err
	}
	for _, tf := range s.ActiveTimeframes {
		if _, err := tfutils.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownTimeframe, tf)
		}
	}
	return nil
}

// dedupe drops repeated entries, keeping the first occurrence of each.
func dedupe(xs []string) []string {
	seen := make(map[string]bool, len(xs))
	out := xs[:0]
	for _, x := range xs {
		if seen[x] {
			continue
		}
		seen[x] = true
		out = append(out, x)
	}
	return out
}

func normalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, "/", "")
}

func sortTimeframes(tfs []string) {
	sort.SliceStable(tfs, func(i, j int) bool {
		return tfutils.GetTimeframeDuration(tfs[i]) < tfutils.GetTimeframeDuration(tfs[j])
	})
}

// SettingsManager owns the runtime Settings. Every mutation is persisted
// before it becomes visible; callers only ever see copies.
type SettingsManager struct {
	mu       sync.RWMutex
	store    db.DocumentStore
	settings Settings
	logger   *zap.Logger
}

// NewSettingsManager loads the stored settings once. Keys missing from the
// stored document keep their default values.
func NewSettingsManager(ctx context.Context, store db.DocumentStore, defaults Settings, logger *zap.Logger) (*SettingsManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := defaults.clone()
	data, err := store.Load(ctx, db.KindSettings)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load settings: %w", err)
	default:
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to decode settings: %w", err)
		}
	}

	for i, sym := range s.TrackedSymbols {
		s.TrackedSymbols[i] = normalizeSymbol(sym)
	}
	s.TrackedSymbols = dedupe(s.TrackedSymbols)
	s.ActiveTimeframes = dedupe(s.ActiveTimeframes)
	sortTimeframes(s.ActiveTimeframes)

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("stored settings: %w", err)
	}

	m := &SettingsManager{store: store, settings: s, logger: logger.Named("settings")}
	m.logger.Info("settings loaded",
		zap.Strings("symbols", s.TrackedSymbols),
		zap.Strings("timeframes", s.ActiveTimeframes),
		zap.String("invest_amount", s.InvestAmount.String()),
		zap.Int("leverage", s.Leverage),
		zap.String("mode", string(s.TradeMode)))
	return m, nil
}

// Snapshot returns a copy of the current settings.
func (m *SettingsManager) Snapshot() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.clone()
}

// update applies fn to a copy, validates and persists it, and only then
// swaps it in.
func (m *SettingsManager) update(ctx context.Context, fn func(*Settings) error) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.settings.clone()
	if err := fn(&next); err != nil {
		return m.settings.clone(), err
	}
	if err := next.Validate(); err != nil {
		return m.settings.clone(), err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return m.settings.clone(), fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := m.store.Save(ctx, db.KindSettings, data); err != nil {
		return m.settings.clone(), fmt.Errorf("failed to persist settings: %w", err)
	}
	m.settings = next
	return next.clone(), nil
}

func (m *SettingsManager) SetInvestAmount(ctx context.Context, amount decimal.Decimal) (Settings, error) {
	return m.update(ctx, func(s *Settings) error {
		s.InvestAmount = amount
		return nil
	})
}

func (m *SettingsManager) SetLeverage(ctx context.Context, leverage int) (Settings, error) {
	return m.update(ctx, func(s *Settings) error {
		s.Leverage = leverage
		return nil
	})
}

func (m *SettingsManager) SetMode(ctx context.Context, mode TradeMode) (Settings, error) {
	return m.update(ctx, func(s *Settings) error {
		s.TradeMode = mode
		return nil
	})
}

// AddSymbol appends symbol to the tracked list. Adding a tracked symbol is
// a no-op.
func (m *SettingsManager) AddSymbol(ctx context.Context, symbol string) (Settings, error) {
	sym := normalizeSymbol(symbol)
	return m.update(ctx, func(s *Settings) error {
		if sym == "" {
			return fmt.Errorf("%w: empty symbol", ErrInvalidSetting)
		}
		if !slices.Contains(s.TrackedSymbols, sym) {
			s.TrackedSymbols = append(s.TrackedSymbols, sym)
		}
		return nil
	})
}

func (m *SettingsManager) RemoveSymbol(ctx context.Context, symbol string) (Settings, error) {
	sym := normalizeSymbol(symbol)
	return m.update(ctx, func(s *Settings) error {
		idx := slices.Index(s.TrackedSymbols, sym)
		if idx < 0 {
			return fmt.Errorf("%w: %s is not tracked", ErrInvalidSetting, sym)
		}
		s.TrackedSymbols = slices.Delete(s.TrackedSymbols, idx, idx+1)
		return nil
	})
}

// ToggleTimeframe activates tf when inactive and deactivates it otherwise.
func (m *SettingsManager) ToggleTimeframe(ctx context.Context, tf string) (Settings, error) {
	tf = strings.ToLower(strings.TrimSpace(tf))
	return m.update(ctx, func(s *Settings) error {
		if _, err := tfutils.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("%w: %s (supported: %s)", ErrUnknownTimeframe, tf, strings.Join(tfutils.GetSupportedTimeframes(), ", "))
		}
		if idx := slices.Index(s.ActiveTimeframes, tf); idx >= 0 {
			s.ActiveTimeframes = slices.Delete(s.ActiveTimeframes, idx, idx+1)
			return nil
		}
		s.ActiveTimeframes = append(s.ActiveTimeframes, tf)
		sortTimeframes(s.ActiveTimeframes)
		return nil
	})
}
