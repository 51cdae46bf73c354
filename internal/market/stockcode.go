// Package market provides the core market-data types: stock codes with
// exchange classification, normalized quotes, caller tags, and sources.
package market

import "fmt"

// StockCode is a 6-digit A-share ticker, e.g. "000001" or "600519".
type StockCode string

// Exchange identifies the listing exchange derived from a code's prefix.
type Exchange int

const (
	ExchangeUnknown Exchange = iota
	Shenzhen                 // leading 0 or 3
	Shanghai                 // leading 6
)

// ParseStockCode validates that s is exactly six ASCII digits.
func ParseStockCode(s string) (StockCode, error) {
	if len(s) != 6 {
		return "", fmt.Errorf("market.ParseStockCode: expected 6 digits, got %q", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", fmt.Errorf("market.ParseStockCode: non-digit in %q", s)
		}
	}
	return StockCode(s), nil
}

// Exchange classifies the code by its leading digit.
func (c StockCode) Exchange() Exchange {
	if len(c) == 0 {
		return ExchangeUnknown
	}
	switch c[0] {
	case '0', '3':
		return Shenzhen
	case '6':
		return Shanghai
	default:
		return ExchangeUnknown
	}
}

// Prefixed returns the lowercase exchange-prefixed symbol ("sz000001",
// "sh600519"). Codes with an unknown prefix are returned unchanged.
func (c StockCode) Prefixed() string {
	switch c.Exchange() {
	case Shenzhen:
		return "sz" + string(c)
	case Shanghai:
		return "sh" + string(c)
	default:
		return string(c)
	}
}

// Suffixed returns the exchange-suffixed symbol ("000001.SZ", "600519.SH").
// Codes with an unknown prefix are returned unchanged.
func (c StockCode) Suffixed() string {
	switch c.Exchange() {
	case Shenzhen:
		return string(c) + ".SZ"
	case Shanghai:
		return string(c) + ".SH"
	default:
		return string(c)
	}
}

// String implements fmt.Stringer.
func (c StockCode) String() string { return string(c) }
