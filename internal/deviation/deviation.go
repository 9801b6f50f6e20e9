// Package deviation decides whether a stream needs a fresh on-chain price point.
package deviation

import (
	"github.com/shopspring/decimal"
)

// Reason explains why a trigger fired.
type Reason int

const (
	// None means the stream is within its band and not stale.
	None Reason = iota
	// Deviated means the fresh price left the per-mille band around the last price.
	Deviated
	// Expired means the last price point is older than the staleness window.
	Expired
)

func (r Reason) String() string {
	switch r {
	case Deviated:
		return "deviated"
	case Expired:
		return "expired"
	default:
		return "none"
	}
}

var perMille = decimal.NewFromInt(1000)

// Input carries everything the decision needs. Prices share the same scale.
type Input struct {
	Fresh       decimal.Decimal
	Last        decimal.Decimal
	PerMille    int64
	LastUpdated int64
	Window      int64
	Now         int64
}

// Decision is the outcome of Decide.
type Decision struct {
	Trigger bool
	Reason  Reason
}

// Decide applies the deviation and staleness rules. Deviated wins over
// Expired when both hold; the on-chain action is the same either way.
func Decide(in Input) Decision {
	if IsDeviated(in.Fresh, in.Last, in.PerMille) {
		return Decision{Trigger: true, Reason: Deviated}
	}
	if IsExpired(in.LastUpdated, in.Window, in.Now) {
		return Decision{Trigger: true, Reason: Expired}
	}
	return Decision{Reason: None}
}

// IsDeviated reports whether fresh lies strictly outside
// last * (1000 ± threshold) / 1000. A zero threshold disables the check.
func IsDeviated(fresh, last decimal.Decimal, threshold int64) bool {
	if threshold == 0 {
		return false
	}

	scaledFresh := fresh.Mul(perMille)
	upper := last.Mul(decimal.NewFromInt(1000 + threshold))
	lower := last.Mul(decimal.NewFromInt(1000 - threshold))

	return scaledFresh.GreaterThan(upper) || scaledFresh.LessThan(lower)
}

// IsExpired reports whether now is past lastUpdated + window.
func IsExpired(lastUpdated, window, now int64) bool {
	return now > lastUpdated+window
}
