package fetcher

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"stream-guardian/internal/selector"
)

// PriceAt resolves sel inside doc and scales the value by 10^decimals.
func PriceAt(doc selector.Document, sel string, decimals int32) (decimal.Decimal, error) {
	raw, err := selector.Resolve(doc, sel)
	if err != nil {
		return decimal.Decimal{}, err
	}
	value, err := toDecimal(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("selector %s: %w", sel, err)
	}
	return value.Shift(decimals), nil
}

// MegaPrices runs an aggregate selector over doc and scales every match by 10^decimals.
func MegaPrices(doc selector.Document, sel string, decimals int32) ([]decimal.Decimal, error) {
	raws, err := selector.QueryAll(doc, sel)
	if err != nil {
		return nil, err
	}
	prices := make([]decimal.Decimal, 0, len(raws))
	for _, raw := range raws {
		value, err := toDecimal(raw)
		if err != nil {
			return nil, fmt.Errorf("selector %s: %w", sel, err)
		}
		prices = append(prices, value.Shift(decimals))
	}
	return prices, nil
}

func toDecimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("value of type %T is not a number", raw)
	}
}
