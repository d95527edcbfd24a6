package livetrading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/swing-trader/internal/candle"
	"github.com/amirphl/swing-trader/internal/config"
	"github.com/amirphl/swing-trader/internal/db"
	"github.com/amirphl/swing-trader/internal/exchange"
	"github.com/amirphl/swing-trader/internal/exit"
	"github.com/amirphl/swing-trader/internal/indicator"
	"github.com/amirphl/swing-trader/internal/notifier"
	"github.com/amirphl/swing-trader/internal/order"
	"github.com/amirphl/swing-trader/internal/position"
	"github.com/amirphl/swing-trader/internal/strategy"
	"github.com/amirphl/swing-trader/internal/strategy/signal"
)

// Closes that make the default rules fire with testParams: a pullback
// inside an uptrend (LONG) and a bounce inside a downtrend (SHORT).
var (
	longCloses  = []float64{50, 50, 50, 50, 50, 200, 195, 190, 185, 180, 175, 170, 165, 160, 155}
	shortCloses = []float64{200, 200, 200, 200, 200, 50, 55, 60, 65, 70, 75, 80, 85, 90, 95}
	flatCloses  = []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100}
)

var testParams = indicator.Params{RSIPeriod: 3, FastPeriod: 3, SlowPeriod: 15, LevelLookback: 10, MAType: indicator.SMA}

func makeSeries(symbol string, closes []float64) candle.Series {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make(candle.Series, len(closes))
	for i, c := range closes {
		out[i] = candle.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Symbol:    symbol,
			Timeframe: "1h",
		}
	}
	return out
}

type fakeMarket struct {
	mu     sync.Mutex
	series map[string]candle.Series
	prices map[string]float64
	errs   map[string]error
	panics map[string]bool
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		series: make(map[string]candle.Series),
		prices: make(map[string]float64),
		errs:   make(map[string]error),
		panics: make(map[string]bool),
	}
}

func (f *fakeMarket) set(symbol string, closes []float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.series[symbol] = makeSeries(symbol, closes)
	f.prices[symbol] = closes[len(closes)-1]
}

func (f *fakeMarket) Name() string { return "fake" }

func (f *fakeMarket) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) (candle.Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[symbol] {
		panic("malformed payload")
	}
	if err := f.errs[symbol]; err != nil {
		return nil, err
	}
	return f.series[symbol].Tail(limit), nil
}

func (f *fakeMarket) FetchLastPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[symbol]; err != nil {
		return 0, err
	}
	return f.prices[symbol], nil
}

type staticSettings struct {
	config.Settings
}

func (s staticSettings) Snapshot() config.Settings { return s.Settings }

func settingsFor(mode config.TradeMode, symbols ...string) staticSettings {
	s := config.DefaultSettings()
	s.TradeMode = mode
	s.TrackedSymbols = symbols
	s.ActiveTimeframes = []string{"1h"}
	return staticSettings{s}
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Name() string { return "mock" }

func (m *MockGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return m.Called(symbol, leverage).Error(0)
}

func (m *MockGateway) PlaceMarketOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error) {
	args := m.Called(req)
	return args.Get(0).(order.OrderResponse), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Send(msg string) error          { return m.Called(msg).Error(0) }
func (m *MockNotifier) SendWithRetry(msg string) error { return m.Called(msg).Error(0) }

type fixture struct {
	market *fakeMarket
	ledger *position.Ledger
	exits  *exit.Manager
	sched  *Scheduler
}

func newFixture(t *testing.T, settings SettingsSource, gw *MockGateway, n *MockNotifier) fixture {
	t.Helper()
	ledger, err := position.NewLedger(context.Background(), position.Options{
		StopLossPercent:   2,
		TakeProfitPercent: 10,
		InitialBalance:    decimal.NewFromInt(1000),
	}, db.NewMemory(), nil, nil)
	require.NoError(t, err)

	market := newFakeMarket()
	var gateway exchange.Gateway
	if gw != nil {
		gateway = gw
	}
	exits := exit.NewManager(exit.DefaultConfig(), ledger, market, gateway, nil, nil, nil)
	opts := Options{
		ScanInterval:    time.Hour,
		MonitorInterval: time.Hour,
		RequestTimeout:  time.Second,
		CandleLimit:     250,
		Indicators:      testParams,
	}
	var notif notifier.Notifier
	if n != nil {
		notif = n
	}
	sched := New(opts, settings, ledger, exits, market, gateway, strategy.NewGenerator(strategy.DefaultRules()), notif, nil, nil)
	return fixture{market: market, ledger: ledger, exits: exits, sched: sched}
}

func TestScanOpensVirtualPosition(t *testing.T) {
	f := newFixture(t, settingsFor(config.ModeVirtual, "BTCUSDT"), nil, nil)
	f.market.set("BTCUSDT", longCloses)

	report := f.sched.ScanOnce(context.Background())
	assert.Equal(t, 1, report.Pairs)
	assert.Equal(t, 1, report.Outcomes[OutcomeOpened])

	open := f.ledger.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, signal.Long, open[0].Direction)
	assert.Equal(t, 155.0, open[0].EntryPrice)
	assert.False(t, open[0].IsReal)
	assert.True(t, decimal.NewFromInt(980).Equal(f.ledger.Balance().Available))

	report = f.sched.ScanOnce(context.Background())
	assert.Equal(t, 1, report.Outcomes[OutcomeHeld])
	assert.Len(t, f.ledger.OpenPositions(), 1)
}

func TestScanOppositeSignalFlipsPosition(t *testing.T) {
	f := newFixture(t, settingsFor(config.ModeVirtual, "BTCUSDT"), nil, nil)
	f.market.set("BTCUSDT", longCloses)
	f.sched.ScanOnce(context.Background())
	require.Len(t, f.ledger.OpenPositions(), 1)

	f.market.set("BTCUSDT", shortCloses)
	report := f.sched.ScanOnce(context.Background())
	assert.Equal(t, 1, report.Outcomes[OutcomeOpened])

	open := f.ledger.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, signal.Short, open[0].Direction)

	closed := f.ledger.ClosedPositions(1)
	require.Len(t, closed, 1)
	assert.Equal(t, position.ReasonOpposite, closed[0].CloseReason)
	assert.Equal(t, 95.0, closed[0].ExitPrice)
}

func TestScanIsolatesFailingPairs(t *testing.T) {
	f := newFixture(t, settingsFor(config.ModeVirtual, "BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "ADAUSDT"), nil, nil)
	f.market.set("BTCUSDT", longCloses)
	f.market.errs["ETHUSDT"] = errors.New("timeout")
	f.market.panics["SOLUSDT"] = true
	f.market.set("XRPUSDT", longCloses[:10])
	f.market.set("ADAUSDT", flatCloses)

	report := f.sched.ScanOnce(context.Background())
	assert.Equal(t, 5, report.Pairs)
	assert.Equal(t, 1, report.Outcomes[OutcomeOpened])
	assert.Equal(t, 2, report.Outcomes[OutcomeFailed])
	assert.Equal(t, 1, report.Outcomes[OutcomeNotReady])
	assert.Equal(t, 1, report.Outcomes[OutcomeNoSignal])
	assert.Len(t, f.ledger.OpenPositions(), 1)
}

func TestScanIgnoresFormingCandle(t *testing.T) {
	f := newFixture(t, settingsFor(config.ModeVirtual, "BTCUSDT"), nil, nil)
	s := makeSeries("BTCUSDT", longCloses)
	shift := time.Now().UTC().Truncate(time.Hour).Sub(s.Last().Timestamp)
	for i := range s {
		s[i].Timestamp = s[i].Timestamp.Add(shift)
	}
	f.market.series["BTCUSDT"] = s

	// the last candle is still forming, leaving one short of the indicators' minimum
	report := f.sched.ScanOnce(context.Background())
	assert.Equal(t, 1, report.Outcomes[OutcomeNotReady])
	assert.Empty(t, f.ledger.OpenPositions())
}

func TestScanInsufficientFundsIsRejection(t *testing.T) {
	s := settingsFor(config.ModeVirtual, "BTCUSDT")
	s.InvestAmount = decimal.NewFromInt(5000)
	f := newFixture(t, s, nil, nil)
	f.market.set("BTCUSDT", longCloses)

	report := f.sched.ScanOnce(context.Background())
	assert.Equal(t, 1, report.Outcomes[OutcomeRejected])
	assert.Empty(t, f.ledger.OpenPositions())
	assert.True(t, decimal.NewFromInt(1000).Equal(f.ledger.Balance().Available))
}

func TestScanRealModePlacesEntryOrder(t *testing.T) {
	gw := new(MockGateway)
	gw.On("SetLeverage", "BTCUSDT", 10).Return(errors.New("leverage not modified")).Once()
	gw.On("PlaceMarketOrder", mock.MatchedBy(func(r order.OrderRequest) bool {
		return r.Symbol == "BTCUSDT" && r.Side == order.Buy && r.Quantity > 1.29 && r.Quantity < 1.291
	})).Return(order.OrderResponse{OrderID: "77", Status: "FILLED", FilledQty: 1.29, AvgPrice: 155.5}, nil).Once()

	f := newFixture(t, settingsFor(config.ModeReal, "BTCUSDT"), gw, nil)
	f.market.set("BTCUSDT", longCloses)

	report := f.sched.ScanOnce(context.Background())
	assert.Equal(t, 1, report.Outcomes[OutcomeOpened])

	open := f.ledger.OpenPositions()
	require.Len(t, open, 1)
	assert.True(t, open[0].IsReal)
	assert.Equal(t, "77", open[0].OrderRef)
	assert.Equal(t, 1.29, open[0].Quantity)
	assert.Equal(t, 155.5, open[0].EntryPrice)
	assert.True(t, decimal.NewFromInt(1000).Equal(f.ledger.Balance().Available), "real positions do not reserve virtual funds")
	gw.AssertExpectations(t)
}

func TestScanRealModeOrderFailureRecordsNothing(t *testing.T) {
	gw := new(MockGateway)
	gw.On("SetLeverage", mock.Anything, mock.Anything).Return(nil)
	gw.On("PlaceMarketOrder", mock.Anything).Return(order.OrderResponse{}, errors.New("margin is insufficient"))
	n := new(MockNotifier)
	n.On("SendWithRetry", mock.MatchedBy(func(msg string) bool {
		return strings.Contains(msg, "Real open") && strings.Contains(msg, "BTCUSDT") && strings.Contains(msg, "margin is insufficient")
	})).Return(nil).Once()

	f := newFixture(t, settingsFor(config.ModeReal, "BTCUSDT"), gw, n)
	f.market.set("BTCUSDT", longCloses)

	report := f.sched.ScanOnce(context.Background())
	assert.Equal(t, 1, report.Outcomes[OutcomeFailed])
	assert.Empty(t, f.ledger.OpenPositions())
	n.AssertExpectations(t)
}

func TestScanSpotGatewaySizesUnlevered(t *testing.T) {
	gw := new(MockGateway)
	gw.On("SetLeverage", "BTCUSDT", 10).Return(fmt.Errorf("%w: leverage on spot", exchange.ErrUnsupported)).Once()
	gw.On("PlaceMarketOrder", mock.MatchedBy(func(r order.OrderRequest) bool {
		// 20 invested at 155 without leverage
		return r.Side == order.Buy && r.Quantity > 0.129 && r.Quantity < 0.1291
	})).Return(order.OrderResponse{OrderID: "5", Status: "FILLED", FilledQty: 0.129, AvgPrice: 155}, nil).Once()

	f := newFixture(t, settingsFor(config.ModeReal, "BTCUSDT"), gw, nil)
	f.market.set("BTCUSDT", longCloses)

	report := f.sched.ScanOnce(context.Background())
	assert.Equal(t, 1, report.Outcomes[OutcomeOpened])
	open := f.ledger.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, 1, open[0].Leverage)
	gw.AssertExpectations(t)
}

func TestScanSpotGatewayRefusesShort(t *testing.T) {
	gw := new(MockGateway)
	gw.On("SetLeverage", "BTCUSDT", 10).Return(exchange.ErrUnsupported).Once()
	n := new(MockNotifier)
	n.On("SendWithRetry", mock.MatchedBy(func(msg string) bool {
		return strings.Contains(msg, "SHORT BTCUSDT") && strings.Contains(msg, "skipped")
	})).Return(nil).Once()

	f := newFixture(t, settingsFor(config.ModeReal, "BTCUSDT"), gw, n)
	f.market.set("BTCUSDT", shortCloses)

	report := f.sched.ScanOnce(context.Background())
	assert.Equal(t, 1, report.Outcomes[OutcomeRejected])
	assert.Empty(t, f.ledger.OpenPositions())
	gw.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything)
	n.AssertExpectations(t)
}

type refusingLedger struct {
	Ledger
}

func (refusingLedger) FindOpen(symbol, timeframe string) (position.Position, bool) {
	return position.Position{}, false
}

func (refusingLedger) Open(ctx context.Context, req position.OpenRequest) (position.Position, error) {
	return position.Position{}, position.ErrDuplicatePosition
}

func TestRealFillRefusedByLedgerIsUnwound(t *testing.T) {
	gw := new(MockGateway)
	gw.On("SetLeverage", mock.Anything, mock.Anything).Return(nil)
	gw.On("PlaceMarketOrder", mock.MatchedBy(func(r order.OrderRequest) bool { return r.Side == order.Buy })).
		Return(order.OrderResponse{OrderID: "1", Status: "FILLED", FilledQty: 1.29, AvgPrice: 155}, nil).Once()
	gw.On("PlaceMarketOrder", order.OrderRequest{Symbol: "BTCUSDT", Side: order.Sell, Quantity: 1.29}).
		Return(order.OrderResponse{OrderID: "2", Status: "FILLED", FilledQty: 1.29}, nil).Once()

	market := newFakeMarket()
	market.set("BTCUSDT", longCloses)
	sched := New(Options{RequestTimeout: time.Second, CandleLimit: 250, Indicators: testParams},
		settingsFor(config.ModeReal, "BTCUSDT"), refusingLedger{}, nil, market, gw,
		strategy.NewGenerator(strategy.DefaultRules()), nil, nil, nil)

	report := sched.ScanOnce(context.Background())
	assert.Equal(t, 1, report.Outcomes[OutcomeRejected])
	gw.AssertExpectations(t)
}

func TestMonitorClosesOnStopLoss(t *testing.T) {
	f := newFixture(t, settingsFor(config.ModeVirtual, "BTCUSDT"), nil, nil)
	_, err := f.ledger.Open(context.Background(), position.OpenRequest{
		Symbol: "BTCUSDT", Timeframe: "1h", Direction: signal.Long, EntryPrice: 100,
		InvestAmount: decimal.NewFromInt(20), Leverage: 10, Reason: "test",
	})
	require.NoError(t, err)
	f.market.prices["BTCUSDT"] = 97

	f.sched.MonitorOnce(context.Background())
	assert.Empty(t, f.ledger.OpenPositions())
	closed := f.ledger.ClosedPositions(1)
	require.Len(t, closed, 1)
	assert.Equal(t, position.ReasonStopLoss, closed[0].CloseReason)
}

func TestMonitorSurvivesFetchFailure(t *testing.T) {
	f := newFixture(t, settingsFor(config.ModeVirtual, "BTCUSDT"), nil, nil)
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		_, err := f.ledger.Open(context.Background(), position.OpenRequest{
			Symbol: sym, Timeframe: "1h", Direction: signal.Long, EntryPrice: 100,
			InvestAmount: decimal.NewFromInt(20), Leverage: 10, Reason: "test",
		})
		require.NoError(t, err)
	}
	f.market.errs["BTCUSDT"] = errors.New("timeout")
	f.market.prices["ETHUSDT"] = 120

	f.sched.MonitorOnce(context.Background())
	open := f.ledger.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "BTCUSDT", open[0].Symbol)
}

// stuckNotifier never returns until release is closed.
type stuckNotifier struct{ release chan struct{} }

func (s stuckNotifier) Send(string) error          { <-s.release; return nil }
func (s stuckNotifier) SendWithRetry(string) error { <-s.release; return nil }

func TestMonitorDoesNotWaitOnNotifications(t *testing.T) {
	stuck := stuckNotifier{release: make(chan struct{})}
	defer close(stuck.release)
	notify := notifier.NewAsync(stuck, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notify.Run(ctx)

	ledger, err := position.NewLedger(ctx, position.Options{
		StopLossPercent:   2,
		TakeProfitPercent: 10,
		InitialBalance:    decimal.NewFromInt(1000),
	}, db.NewMemory(), notify, nil)
	require.NoError(t, err)
	market := newFakeMarket()
	exits := exit.NewManager(exit.DefaultConfig(), ledger, market, nil, notify, nil, nil)
	sched := New(Options{RequestTimeout: time.Second, CandleLimit: 250, Indicators: testParams},
		settingsFor(config.ModeVirtual), ledger, exits, market, nil,
		strategy.NewGenerator(strategy.DefaultRules()), notify, nil, nil)

	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		_, err := ledger.Open(ctx, position.OpenRequest{
			Symbol: sym, Timeframe: "1h", Direction: signal.Long, EntryPrice: 100,
			InvestAmount: decimal.NewFromInt(20), Leverage: 10, Reason: "test",
		})
		require.NoError(t, err)
		market.prices[sym] = 97
	}

	done := make(chan struct{})
	go func() {
		sched.MonitorOnce(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor blocked on notification delivery")
	}
	assert.Empty(t, ledger.OpenPositions())
	assert.Len(t, ledger.ClosedPositions(0), 3)
}

func TestForceScanCoalesces(t *testing.T) {
	f := newFixture(t, settingsFor(config.ModeVirtual), nil, nil)
	assert.True(t, f.sched.ForceScan())
	assert.False(t, f.sched.ForceScan())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, settingsFor(config.ModeVirtual, "BTCUSDT"), nil, nil)
	f.market.set("BTCUSDT", longCloses)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(f.ledger.OpenPositions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
