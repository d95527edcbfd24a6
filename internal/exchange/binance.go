package exchange

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/amirphl/swing-trader/internal/candle"
	"github.com/amirphl/swing-trader/internal/order"
	"github.com/amirphl/swing-trader/internal/tfutils"
)

const fillPollAttempts = 3

var fillPollDelay = 300 * time.Millisecond

// Binance talks to USDⓈ-M futures: klines and prices for market data,
// leverage and market orders for execution.
type Binance struct {
	client  *futures.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu    sync.Mutex
	steps map[string]float64 // LOT_SIZE step per symbol
}

func NewBinance(apiKey, secretKey string, timeout time.Duration, logger *zap.Logger) *Binance {
	client := futures.NewClient(apiKey, secretKey)
	client.HTTPClient = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &Binance{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger.Named("binance"),
		steps:   make(map[string]float64),
	}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) (candle.Series, error) {
	if !tfutils.IsValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
	sym := NormalizeSymbol(symbol)

	var klines []*futures.Kline
	err := retry(ctx, b.logger, 3, 200*time.Millisecond, func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		klines, err = b.client.NewKlinesService().Symbol(sym).Interval(timeframe).Limit(limit).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", sym, timeframe, err)
	}
	return klinesToSeries(sym, timeframe, klines)
}

func klinesToSeries(symbol, timeframe string, klines []*futures.Kline) (candle.Series, error) {
	candles := make([]candle.Candle, 0, len(klines))
	for _, k := range klines {
		c := candle.Candle{
			Timestamp: time.UnixMilli(k.OpenTime).UTC(),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			Symbol:    symbol,
			Timeframe: timeframe,
			Source:    "binance",
		}
		if err := c.Validate(); err != nil {
			continue
		}
		candles = append(candles, c)
	}
	return candle.NewSeries(candles)
}

func (b *Binance) FetchLastPrice(ctx context.Context, symbol string) (float64, error) {
	sym := NormalizeSymbol(symbol)
	var prices []*futures.SymbolPrice
	err := retry(ctx, b.logger, 3, 200*time.Millisecond, func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		prices, err = b.client.NewListPricesService().Symbol(sym).Do(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("fetch price %s: %w", sym, err)
	}
	for _, p := range prices {
		if p.Symbol == sym {
			if v := parseFloat(p.Price); v > 0 {
				return v, nil
			}
		}
	}
	return 0, fmt.Errorf("%w for %s", ErrNoPrice, sym)
}

func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := b.client.NewChangeLeverageService().Symbol(NormalizeSymbol(symbol)).Leverage(leverage).Do(ctx); err != nil {
		return fmt.Errorf("set leverage %d on %s: %w", leverage, symbol, err)
	}
	return nil
}

// PlaceMarketOrder is not retried: a timed-out order may still have filled.
func (b *Binance) PlaceMarketOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error) {
	sym := NormalizeSymbol(req.Symbol)
	step, err := b.stepSize(ctx, sym)
	if err != nil {
		return order.OrderResponse{}, err
	}
	qty := roundDownToStep(req.Quantity, step)
	if qty <= 0 {
		return order.OrderResponse{}, fmt.Errorf("quantity %.8f below lot step %g for %s", req.Quantity, step, sym)
	}

	side := futures.SideTypeBuy
	if req.Side == order.Sell {
		side = futures.SideTypeSell
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return order.OrderResponse{}, err
	}
	resp, err := b.client.NewCreateOrderService().
		Symbol(sym).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return order.OrderResponse{}, fmt.Errorf("market %s %s %g: %w", req.Side, sym, qty, err)
	}

	out := order.OrderResponse{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Status:    string(resp.Status),
		FilledQty: parseFloat(resp.ExecutedQuantity),
		AvgPrice:  parseFloat(resp.AvgPrice),
		Timestamp: time.UnixMilli(resp.UpdateTime).UTC(),
		Symbol:    sym,
		Side:      req.Side,
		Quantity:  qty,
	}
	if !out.Filled() {
		// The order was accepted; ask for its execution instead of guessing.
		out = b.confirmFill(ctx, resp.OrderID, out)
	}
	return out, nil
}

// confirmFill polls an accepted order until it reports an execution or the
// attempts run out, and returns the latest state seen.
func (b *Binance) confirmFill(ctx context.Context, orderID int64, out order.OrderResponse) order.OrderResponse {
	for i := 0; i < fillPollAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return out
			case <-time.After(fillPollDelay):
			}
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return out
		}
		o, err := b.client.NewGetOrderService().Symbol(out.Symbol).OrderID(orderID).Do(ctx)
		if err != nil {
			b.logger.Warn("query order failed", zap.String("symbol", out.Symbol), zap.Int64("order_id", orderID), zap.Error(err))
			continue
		}
		out.Status = string(o.Status)
		out.FilledQty = parseFloat(o.ExecutedQuantity)
		out.AvgPrice = parseFloat(o.AvgPrice)
		out.Timestamp = time.UnixMilli(o.UpdateTime).UTC()
		if out.Filled() {
			return out
		}
	}
	b.logger.Warn("order accepted without a confirmed fill",
		zap.String("symbol", out.Symbol), zap.Int64("order_id", orderID), zap.String("status", out.Status))
	return out
}

func (b *Binance) stepSize(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	step, ok := b.steps[symbol]
	b.mu.Unlock()
	if ok {
		return step, nil
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("exchange info: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range info.Symbols {
		if f := s.LotSizeFilter(); f != nil {
			b.steps[s.Symbol] = parseFloat(f.StepSize)
		}
	}
	step, ok = b.steps[symbol]
	if !ok {
		return 0, fmt.Errorf("unknown futures symbol %s", symbol)
	}
	return step, nil
}

func roundDownToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	n := math.Floor(qty/step + 1e-9)
	decimals := 0
	if step < 1 {
		decimals = int(math.Ceil(-math.Log10(step)))
	}
	pow := math.Pow(10, float64(decimals))
	return math.Round(n*step*pow) / pow
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
