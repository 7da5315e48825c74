package cfd

import "time"

// FeeAccount accumulates the signed fee owed between the two parties
// over a contract's lifetime: the one-off opening fee plus one funding
// fee per completed settlement interval, each of which rollover can
// re-price going forward without touching what has already accrued.
type FeeAccount struct {
	total CompleteFee
}

func NewFeeAccount(opening CompleteFee) FeeAccount {
	return FeeAccount{total: opening}
}

func (a FeeAccount) Balance() CompleteFee { return a.total }

// AddFundingFee charges one interval's funding fee, computed from the
// margin at risk, the rate in effect during the interval and the
// interval's length relative to a full day (spec.md §3 invariant 5:
// a 24h day accrues at FundingRate exactly once).
func (a FeeAccount) AddFundingFee(margin Usd, rate FundingRate, interval time.Duration) FeeAccount {
	const fullDay = 24 * time.Hour
	fraction := float64(interval) / float64(fullDay)
	fee := float64(margin) * float64(rate) / 1_000_000 * fraction
	a.total += CompleteFee(fee)
	return a
}

// PartialFundingFee charges only the portion of an interval that has
// actually elapsed before a settlement event fires early, resolving
// the "stale DLC" rollover ambiguity (DESIGN.md Open Question A):
// when a rollover is proposed against a DLC whose current settlement
// event has already expired, only the single elapsed term up to that
// expiry is charged, never a second term for the gap after.
func (a FeeAccount) PartialFundingFee(margin Usd, rate FundingRate, elapsed, fullInterval time.Duration) FeeAccount {
	if elapsed > fullInterval {
		elapsed = fullInterval
	}
	return a.AddFundingFee(margin, rate, elapsed)
}
