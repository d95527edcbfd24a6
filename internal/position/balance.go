package position

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Balance is the virtual account. Available never exceeds Total and never
// goes negative.
type Balance struct {
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

func NewBalance(currency string, initial decimal.Decimal) Balance {
	return Balance{Currency: currency, Total: initial, Available: initial}
}

func (b *Balance) reserve(amount decimal.Decimal) error {
	if amount.GreaterThan(b.Available) {
		return fmt.Errorf("%w: need %s %s, available %s", ErrInsufficientFunds, amount.String(), b.Currency, b.Available.String())
	}
	b.Available = b.Available.Sub(amount)
	return nil
}

// release returns the margin plus realised PnL.
func (b *Balance) release(amount, pnl decimal.Decimal) {
	b.Available = b.Available.Add(amount).Add(pnl)
	b.Total = b.Total.Add(pnl)
}

func (b Balance) validate() error {
	if b.Available.IsNegative() {
		return fmt.Errorf("negative available balance %s", b.Available.String())
	}
	if b.Available.GreaterThan(b.Total) {
		return fmt.Errorf("available %s exceeds total %s", b.Available.String(), b.Total.String())
	}
	return nil
}
