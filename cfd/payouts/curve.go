// Package payouts computes the CET payout curve for a contract: the
// discrete set of (price range, maker amount, taker amount) triples
// whose union covers every possible oracle attestation. Grounded on
// original_source/crates/model/src/payouts.rs, translated from Rust's
// Decimal arithmetic to integer satoshi/centicent arithmetic.
package payouts

import (
	"github.com/btcsuite/btcd/btcutil"

	"github.com/cfdnet/cfdd/cfd"
)

// MaxPriceRaw is the highest price (in cfd.Price raw units) any CET
// range can be bounded by; the final segment's upper bound is always
// extended to this value so attestations above the modelled curve
// still resolve to a valid CET (original_source payouts.rs
// MAX_PRICE_DEC, mirrored here as an integer).
const MaxPriceRaw = int64(1_000_000) * 10_000 // $1,000,000 at the Price raw scale

// Payout is one segment of the curve: for any oracle attestation in
// [RangeLow, RangeHigh], the two parties receive MakerAmount and
// TakerAmount respectively, which must always sum to the DLC's locked
// amount (spec.md §3 invariant 2).
type Payout struct {
	RangeLow, RangeHigh int64
	MakerAmount         btcutil.Amount
	TakerAmount         btcutil.Amount
}

// curveFn maps an attested price to the long side's payout in
// satoshis; the short side always receives whatever is left of the
// total margin.
type curveFn func(priceRaw int64) btcutil.Amount

// generateSegments discretises a continuous payout function into
// nSegments equal-width price ranges covering [0, MaxPriceRaw], each
// rounded to a whole-satoshi amount so the two legs of every CET sum
// exactly to totalMargin. The final segment's upper bound is always
// MaxPriceRaw regardless of width rounding (payouts.rs new_inverse's
// overwrite of the last payout's bound).
func generateSegments(totalMargin btcutil.Amount, nSegments int, long curveFn) []Payout {
	if nSegments < 1 {
		nSegments = 1
	}
	step := MaxPriceRaw / int64(nSegments)
	if step < 1 {
		step = 1
	}

	segments := make([]Payout, 0, nSegments)
	var low int64
	for i := 0; i < nSegments; i++ {
		high := low + step
		if i == nSegments-1 {
			high = MaxPriceRaw
		}

		mid := low + (high-low)/2
		longAmount := long(mid)
		if longAmount < 0 {
			longAmount = 0
		}
		if longAmount > totalMargin {
			longAmount = totalMargin
		}
		shortAmount := totalMargin - longAmount

		segments = append(segments, Payout{
			RangeLow:  low,
			RangeHigh: high,
			// MakerAmount/TakerAmount are filled in by the caller,
			// which knows which position each role holds; this
			// function only knows long vs short.
			MakerAmount: longAmount,
			TakerAmount: shortAmount,
		})
		low = high
	}
	return segments
}

// assignRoles relabels a long/short segment list into maker/taker
// amounts given which role holds which position, mirroring
// payouts.rs's per-(Position,Role) branch in new_inverse/new_quanto.
func assignRoles(segments []Payout, makerPosition cfd.Position) []Payout {
	if makerPosition == cfd.Long {
		return segments
	}
	out := make([]Payout, len(segments))
	for i, s := range segments {
		out[i] = Payout{
			RangeLow:    s.RangeLow,
			RangeHigh:   s.RangeHigh,
			MakerAmount: s.TakerAmount,
			TakerAmount: s.MakerAmount,
		}
	}
	return out
}
