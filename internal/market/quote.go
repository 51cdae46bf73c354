package market

import "math"

// Quote is a normalized realtime reading for one stock code.
// LastUpdated is unix-nanoseconds of the local write, not an upstream field;
// cache merges compare it so an older reading never overwrites a newer one.
type Quote struct {
	Price       float64
	ChangePct   float64
	LastUpdated int64
}

// SameValue reports whether two quotes carry the same observable value.
// LastUpdated is deliberately ignored: emission dedup cares about what the
// client would see, not when we stored it.
func (q Quote) SameValue(other Quote) bool {
	return q.Price == other.Price && q.ChangePct == other.ChangePct
}

// ComputeChangePct derives the percent change from price and previous close,
// rounded to two decimals. A zero previous close yields zero.
func ComputeChangePct(price, prevClose float64) float64 {
	if prevClose == 0 {
		return 0
	}
	return Round2((price - prevClose) / prevClose * 100)
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
