package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirphl/swing-trader/internal/order"
)

// Paper fills every market order immediately at the last price from its
// MarketData. It lets real mode run end to end without touching an account.
type Paper struct {
	prices MarketData
	logger *zap.Logger

	mu       sync.Mutex
	counter  int64
	leverage map[string]int
}

func NewPaper(prices MarketData, logger *zap.Logger) *Paper {
	return &Paper{
		prices:   prices,
		logger:   logger.Named("paper"),
		counter:  1000,
		leverage: make(map[string]int),
	}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("invalid leverage %d", leverage)
	}
	p.mu.Lock()
	p.leverage[NormalizeSymbol(symbol)] = leverage
	p.mu.Unlock()
	return nil
}

func (p *Paper) PlaceMarketOrder(ctx context.Context, req order.OrderRequest) (order.OrderResponse, error) {
	if req.Quantity <= 0 {
		return order.OrderResponse{}, fmt.Errorf("invalid quantity %g", req.Quantity)
	}
	price, err := p.prices.FetchLastPrice(ctx, req.Symbol)
	if err != nil {
		return order.OrderResponse{}, fmt.Errorf("paper fill price: %w", err)
	}

	p.mu.Lock()
	p.counter++
	id := fmt.Sprintf("paper_%d_%d", time.Now().Unix(), p.counter)
	leverage := max(p.leverage[NormalizeSymbol(req.Symbol)], 1)
	p.mu.Unlock()

	resp := order.OrderResponse{
		OrderID:   id,
		Status:    "FILLED",
		FilledQty: req.Quantity,
		AvgPrice:  price,
		Timestamp: time.Now().UTC(),
		Symbol:    NormalizeSymbol(req.Symbol),
		Side:      req.Side,
		Quantity:  req.Quantity,
	}
	p.logger.Info("paper order filled",
		zap.String("order_id", id),
		zap.String("symbol", resp.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("price", price),
		zap.Float64("quantity", req.Quantity),
		zap.Int("leverage", leverage))
	return resp, nil
}
