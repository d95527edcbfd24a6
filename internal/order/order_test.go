package order

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/amirphl/swing-trader/internal/strategy/signal"
)

func TestSides(t *testing.T) {
	assert.Equal(t, Buy, EntrySide(signal.Long))
	assert.Equal(t, Sell, ExitSide(signal.Long))
	assert.Equal(t, Sell, EntrySide(signal.Short))
	assert.Equal(t, Buy, ExitSide(signal.Short))
	assert.Equal(t, "SELL", Sell.Upper())
}

func TestFilled(t *testing.T) {
	tests := []struct {
		resp OrderResponse
		want bool
	}{
		{OrderResponse{Status: "FILLED"}, true},
		{OrderResponse{Status: "partially_filled"}, true},
		{OrderResponse{Status: "NEW", FilledQty: 0}, false},
		{OrderResponse{Status: "NEW", FilledQty: 0.5}, true},
		{OrderResponse{Status: "REJECTED"}, false},
		{OrderResponse{Status: "EXPIRED"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.resp.Filled(), tt.resp.Status)
	}
}
