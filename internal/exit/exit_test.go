package exit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/swing-trader/internal/candle"
	"github.com/amirphl/swing-trader/internal/db"
	"github.com/amirphl/swing-trader/internal/order"
	"github.com/amirphl/swing-trader/internal/position"
	"github.com/amirphl/swing-trader/internal/strategy/signal"
)

type fakeMarket struct {
	mu     sync.Mutex
	price  float64
	err    error
	series candle.Series
}

func (f *fakeMarket) Name() string { return "fake" }

func (f *fakeMarket) set(price float64) {
	f.mu.Lock()
	f.price = price
	f.mu.Unlock()
}

func (f *fakeMarket) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) (candle.Series, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.series.Tail(limit), nil
}

func (f *fakeMarket) FetchLastPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.err
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

func (m *MockNotifier) Send(msg string) error { return m.Called(msg).Error(0) }

func (m *MockNotifier) SendWithRetry(msg string) error { return m.Called(msg).Error(0) }

func newLedger(t *testing.T) *position.Ledger {
	t.Helper()
	l, err := position.NewLedger(context.Background(), position.Options{
		StopLossPercent:   2,
		TakeProfitPercent: 10,
		InitialBalance:    decimal.NewFromInt(1000),
	}, db.NewMemory(), nil, nil)
	require.NoError(t, err)
	return l
}

func openPos(t *testing.T, l *position.Ledger, dir signal.Direction, real bool) position.Position {
	t.Helper()
	p, err := l.Open(context.Background(), position.OpenRequest{
		Symbol:       "BTCUSDT",
		Timeframe:    "1h",
		Direction:    dir,
		EntryPrice:   100,
		InvestAmount: decimal.NewFromInt(20),
		Leverage:     10,
		Reason:       "test",
		IsReal:       real,
		OrderRef:     "1",
		Quantity:     2,
	})
	require.NoError(t, err)
	return p
}

func TestEvaluate(t *testing.T) {
	long := position.Position{Direction: signal.Long, EntryPrice: 100, StopLoss: 98, TakeProfit: 110, InitialStopLoss: 98}
	short := position.Position{Direction: signal.Short, EntryPrice: 100, StopLoss: 102, TakeProfit: 90, InitialStopLoss: 102}
	trailed := long
	trailed.StopLoss, trailed.TrailSteps = 103, 1

	tests := []struct {
		name  string
		pos   position.Position
		price float64
		want  State
	}{
		{"long armed", long, 100, Armed},
		{"long at stop", long, 98, TriggeredSL},
		{"long below stop", long, 97, TriggeredSL},
		{"long at target", long, 110, TriggeredTP},
		{"short armed", short, 100, Armed},
		{"short above stop", short, 103, TriggeredSL},
		{"short at target", short, 90, TriggeredTP},
		{"trailed stop", trailed, 102.5, TriggeredTrail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.pos, tt.price))
		})
	}
}

func TestTrail(t *testing.T) {
	long := position.Position{Direction: signal.Long, EntryPrice: 100, StopLoss: 98}

	_, _, moved := Trail(long, 104.9, 5, 2)
	assert.False(t, moved)

	stop, steps, moved := Trail(long, 105, 5, 2)
	assert.True(t, moved)
	assert.Equal(t, 1, steps)
	assert.InDelta(t, 103.0, stop, 1e-9)

	stop, steps, moved = Trail(long, 111, 5, 2)
	assert.True(t, moved)
	assert.Equal(t, 2, steps)
	assert.InDelta(t, 108.0, stop, 1e-9)

	short := position.Position{Direction: signal.Short, EntryPrice: 100, StopLoss: 102}
	stop, steps, moved = Trail(short, 95, 5, 2)
	assert.True(t, moved)
	assert.Equal(t, 1, steps)
	assert.InDelta(t, 97.0, stop, 1e-9)

	_, _, moved = Trail(long, 120, 0, 2)
	assert.False(t, moved)
}

func TestTrailingStopMonotonic(t *testing.T) {
	for _, dir := range []signal.Direction{signal.Long, signal.Short} {
		t.Run(dir.String(), func(t *testing.T) {
			l := newLedger(t)
			p := openPos(t, l, dir, false)
			cfg := DefaultConfig()
			market := &fakeMarket{}
			m := NewManager(cfg, l, market, nil, nil, nil, nil)

			last := p.StopLoss
			for i := 0; i <= 40; i++ {
				move := 0.4 * float64(i) // the 10% target ends the run
				price := 100 + move
				if dir == signal.Short {
					price = 100 - move
				}
				market.set(price)
				state, updated, err := m.Check(context.Background(), p)
				require.NoError(t, err)
				if state == Closed {
					assert.Equal(t, position.ReasonTakeProfit, updated.CloseReason)
					break
				}
				if dir == signal.Long {
					assert.GreaterOrEqual(t, updated.StopLoss, last)
				} else {
					assert.LessOrEqual(t, updated.StopLoss, last)
				}
				last = updated.StopLoss
				p = updated
			}
			assert.NotEqual(t, p.InitialStopLoss, last)
		})
	}
}

func TestStopLossScenario(t *testing.T) {
	l := newLedger(t)
	p := openPos(t, l, signal.Long, false)
	require.Equal(t, 98.0, p.StopLoss)

	market := &fakeMarket{price: 97}
	m := NewManager(DefaultConfig(), l, market, nil, nil, nil, nil)

	state, closed, err := m.Check(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, Closed, state)
	assert.Equal(t, position.ReasonStopLoss, closed.CloseReason)
	assert.Equal(t, 97.0, closed.ExitPrice)
	assert.InDelta(t, -3.0, closed.PnLPercent, 1e-9)
	assert.Empty(t, l.OpenPositions())
}

func TestTrailedStopHitClosesWithTrailingReason(t *testing.T) {
	l := newLedger(t)
	p := openPos(t, l, signal.Long, false)
	market := &fakeMarket{}
	m := NewManager(DefaultConfig(), l, market, nil, nil, nil, nil)

	market.set(106)
	_, p, err := m.Check(context.Background(), p)
	require.NoError(t, err)
	require.InDelta(t, 103.0, p.StopLoss, 1e-9)

	market.set(102.9)
	state, closed, err := m.Check(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, Closed, state)
	assert.Equal(t, position.ReasonTrailingStop, closed.CloseReason)
	assert.Greater(t, closed.PnLPercent, 0.0)
}

func TestFetchFailureKeepsPositionOpen(t *testing.T) {
	l := newLedger(t)
	p := openPos(t, l, signal.Long, false)
	m := NewManager(DefaultConfig(), l, &fakeMarket{err: errors.New("timeout")}, nil, nil, nil, nil)

	state, _, err := m.Check(context.Background(), p)
	assert.Error(t, err)
	assert.Equal(t, Armed, state)
	assert.Len(t, l.OpenPositions(), 1)
}

func TestRealCloseSendsOpposingOrder(t *testing.T) {
	l := newLedger(t)
	p := openPos(t, l, signal.Long, true)

	gw := new(MockGateway)
	gw.On("PlaceMarketOrder", order.OrderRequest{Symbol: "BTCUSDT", Side: order.Sell, Quantity: 2}).
		Return(order.OrderResponse{OrderID: "9", Status: "FILLED", FilledQty: 2, AvgPrice: 111}, nil).Once()

	m := NewManager(DefaultConfig(), l, &fakeMarket{price: 111}, gw, nil, nil, nil)
	state, closed, err := m.Check(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, Closed, state)
	assert.Equal(t, position.ReasonTakeProfit, closed.CloseReason)
	gw.AssertExpectations(t)
}

func TestRealCloseGatewayFailureStillClosesLocally(t *testing.T) {
	l := newLedger(t)
	p := openPos(t, l, signal.Short, true)

	gw := new(MockGateway)
	gw.On("PlaceMarketOrder", mock.Anything).Return(order.OrderResponse{}, errors.New("exchange down"))
	n := new(MockNotifier)
	n.On("SendWithRetry", mock.MatchedBy(func(msg string) bool { return len(msg) > 9 && msg[:9] == "RECONCILE" })).Return(nil).Once()

	m := NewManager(DefaultConfig(), l, &fakeMarket{price: 103}, gw, n, nil, nil)
	state, closed, err := m.Check(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, Closed, state)
	assert.Equal(t, position.ReasonStopLoss, closed.CloseReason)
	assert.Empty(t, l.OpenPositions())
	n.AssertExpectations(t)
	gw.AssertCalled(t, "PlaceMarketOrder", order.OrderRequest{Symbol: "BTCUSDT", Side: order.Buy, Quantity: 2})
}

func TestManualCloseRejectsSecondClose(t *testing.T) {
	l := newLedger(t)
	p := openPos(t, l, signal.Long, false)
	m := NewManager(DefaultConfig(), l, &fakeMarket{price: 101}, nil, nil, nil, nil)

	closed, err := m.Close(context.Background(), p, 101, position.ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, position.ReasonManual, closed.CloseReason)

	_, err = m.Close(context.Background(), p, 101, position.ReasonManual)
	assert.ErrorIs(t, err, position.ErrPositionNotOpen)
}

func TestLevelModeRepointsTakeProfit(t *testing.T) {
	l := newLedger(t)
	p := openPos(t, l, signal.Long, false)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]candle.Candle, 0, 5)
	for i := 0; i < 5; i++ {
		candles = append(candles, candle.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      100, High: 100 + float64(i), Low: 95, Close: 100,
			Symbol: "BTCUSDT", Timeframe: "1h",
		})
	}
	series, err := candle.NewSeries(candles)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.TakeProfitMode = TakeProfitLevel
	cfg.LevelLookback = 5
	m := NewManager(cfg, l, &fakeMarket{price: 101, series: series}, nil, nil, nil, nil)

	state, updated, err := m.Check(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, Armed, state)
	assert.Equal(t, 104.0, updated.TakeProfit)
	assert.Equal(t, p.StopLoss, updated.StopLoss)
}

func TestStateReason(t *testing.T) {
	assert.Equal(t, "Hit SL", TriggeredSL.Reason())
	assert.Equal(t, "Hit TP", TriggeredTP.Reason())
	assert.Equal(t, "Hit trailing stop", TriggeredTrail.Reason())
	assert.Empty(t, Armed.Reason())
}
