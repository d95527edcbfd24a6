// Package exchange
package exchange

import (
	"context"
	"errors"
	"strings"

	"github.com/amirphl/swing-trader/internal/candle"
	"github.com/amirphl/swing-trader/internal/order"
)

var (
	// ErrUnsupported is returned for operations an exchange does not offer,
	// such as leverage on a spot market.
	ErrUnsupported = errors.New("operation not supported by exchange")
	ErrNoPrice     = errors.New("no price available")
)

// MarketData supplies candles and last prices.
type MarketData interface {
	Name() string
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) (candle.Series, error)
	FetchLastPrice(ctx context.Context, symbol string) (float64, error)
}

// Gateway places real orders. Only used in real trade mode.
type Gateway interface {
	Name() string
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceMarketOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error)
}

// NormalizeSymbol converts e.g. btc-usdt or BTC/USDT to BTCUSDT.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, "/", "")
}
