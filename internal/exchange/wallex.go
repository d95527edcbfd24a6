package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	wallex "github.com/wallexchange/wallex-go"
	"go.uber.org/zap"

	"github.com/amirphl/swing-trader/internal/candle"
	"github.com/amirphl/swing-trader/internal/order"
	"github.com/amirphl/swing-trader/internal/tfutils"
)

// Wallex is a spot exchange. It has no leverage, so SetLeverage returns
// ErrUnsupported and orders are placed unlevered.
type Wallex struct {
	client *wallex.Client
	logger *zap.Logger
}

func NewWallex(apiKey string, logger *zap.Logger) *Wallex {
	return &Wallex{
		client: wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		logger: logger.Named("wallex"),
	}
}

func (w *Wallex) Name() string { return "wallex" }

func (w *Wallex) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) (candle.Series, error) {
	resolution := tfutils.WallexResolution(timeframe)
	if resolution == "" {
		return nil, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
	sym := NormalizeSymbol(symbol)
	end := time.Now().UTC()
	start := end.Add(-tfutils.GetTimeframeDuration(timeframe) * time.Duration(limit))

	var raw []*wallex.Candle
	err := retry(ctx, w.logger, 3, 2*time.Second, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		raw, err = w.client.Candles(sym, resolution, start, end)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s %s: %w", sym, timeframe, err)
	}
	series, err := wallexToSeries(sym, timeframe, raw)
	if err != nil {
		return nil, err
	}
	return series.Tail(limit), nil
}

func wallexToSeries(symbol, timeframe string, raw []*wallex.Candle) (candle.Series, error) {
	candles := make([]candle.Candle, 0, len(raw))
	for _, wc := range raw {
		if wc == nil {
			continue
		}
		c := candle.Candle{
			Timestamp: wc.Timestamp.UTC().Truncate(time.Minute),
			Open:      numberValue(&wc.Open),
			High:      numberValue(&wc.High),
			Low:       numberValue(&wc.Low),
			Close:     numberValue(&wc.Close),
			Volume:    numberValue(&wc.Volume),
			Symbol:    symbol,
			Timeframe: timeframe,
			Source:    "wallex",
		}
		if err := c.Validate(); err != nil {
			continue
		}
		candles = append(candles, c)
	}
	return candle.NewSeries(candles)
}

func (w *Wallex) FetchLastPrice(ctx context.Context, symbol string) (float64, error) {
	sym := NormalizeSymbol(symbol)
	var trades []*wallex.MarketTrade
	err := retry(ctx, w.logger, 3, 2*time.Second, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		trades, err = w.client.MarketTrades(sym)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("fetch trades %s: %w", sym, err)
	}
	if len(trades) == 0 || trades[0] == nil {
		return 0, fmt.Errorf("%w for %s", ErrNoPrice, sym)
	}
	price := numberValue(&trades[0].Price)
	if price <= 0 {
		return 0, fmt.Errorf("%w for %s", ErrNoPrice, sym)
	}
	return price, nil
}

func (w *Wallex) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 1 {
		return nil
	}
	return fmt.Errorf("%w: leverage on wallex spot", ErrUnsupported)
}

func (w *Wallex) PlaceMarketOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return order.OrderResponse{}, err
	}
	sym := NormalizeSymbol(req.Symbol)
	params := &wallex.OrderParams{
		Symbol:   sym,
		Type:     "MARKET",
		Side:     req.Side.Upper(),
		Quantity: wallex.Number(strconv.FormatFloat(req.Quantity, 'f', 8, 64)),
	}
	resp, err := w.client.PlaceOrder(params)
	if err != nil {
		return order.OrderResponse{}, fmt.Errorf("market %s %s %g: %w", req.Side, sym, req.Quantity, err)
	}
	return order.OrderResponse{
		OrderID:   resp.ClientOrderID,
		Status:    strings.ToUpper(resp.Status),
		FilledQty: numberValue(resp.ExecutedQty),
		AvgPrice:  numberValue(resp.ExecutedPrice),
		Timestamp: resp.CreatedAt.UTC(),
		Symbol:    sym,
		Side:      req.Side,
		Quantity:  req.Quantity,
	}, nil
}

// numberValue safely dereferences a *wallex.Number
func numberValue(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	out, _ := strconv.ParseFloat(string(*n), 64)
	return out
}
