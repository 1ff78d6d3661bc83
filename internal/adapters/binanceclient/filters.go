package binanceclient

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"cryptoBracketBot/internal/ports"
)

// symbolFilters holds the LOT_SIZE and PRICE_FILTER rules of one symbol.
type symbolFilters struct {
	stepSize decimal.Decimal
	minQty   decimal.Decimal
	tickSize decimal.Decimal
}

// parseFilters reads the exchange-info filter maps for one symbol.
// Unknown or malformed entries are ignored.
func parseFilters(raw []map[string]interface{}) symbolFilters {
	var f symbolFilters
	for _, m := range raw {
		switch m["filterType"] {
		case "LOT_SIZE":
			f.stepSize = decimalField(m, "stepSize")
			f.minQty = decimalField(m, "minQty")
		case "PRICE_FILTER":
			f.tickSize = decimalField(m, "tickSize")
		}
	}
	return f
}

func decimalField(m map[string]interface{}, key string) decimal.Decimal {
	s, ok := m[key].(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// floorQty rounds qty down to the lot step. Quantities below minQty become zero.
func (f symbolFilters) floorQty(qty float64) decimal.Decimal {
	q := decimal.NewFromFloat(qty)
	if f.stepSize.IsPositive() {
		q = q.Div(f.stepSize).Floor().Mul(f.stepSize)
	}
	if q.IsNegative() || (f.minQty.IsPositive() && q.LessThan(f.minQty)) {
		return decimal.Zero
	}
	return q
}

// roundPrice rounds price to the nearest tick.
func (f symbolFilters) roundPrice(price float64) decimal.Decimal {
	p := decimal.NewFromFloat(price)
	if f.tickSize.IsPositive() {
		p = p.Div(f.tickSize).Round(0).Mul(f.tickSize)
	}
	return p
}

// filtersFor returns cached filters, loading exchange info on first use and
// once more when the symbol is missing from the cache.
func (c *Client) filtersFor(ctx context.Context, symbol string) (symbolFilters, error) {
	c.mu.RLock()
	f, ok := c.filters[symbol]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	op := "LoadExchangeInfo"
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return symbolFilters{}, c.handleError(ctx, err, op)
	}
	c.mu.Lock()
	for _, s := range info.Symbols {
		c.filters[s.Symbol] = parseFilters(s.Filters)
	}
	f, ok = c.filters[symbol]
	n := len(c.filters)
	c.mu.Unlock()
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"symbols": n})

	if !ok {
		return symbolFilters{}, fmt.Errorf("%s failed: %w: %s", op, ports.ErrUnknownSymbol, symbol)
	}
	return f, nil
}
