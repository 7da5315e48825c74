package payouts

import (
	"github.com/btcsuite/btcd/btcutil"

	"github.com/cfdnet/cfdd/cfd"
)

// NewQuanto builds the payout curve for a quanto contract, where both
// quantity and margin are BTC-denominated regardless of the
// underlying's own denomination; the long side's payout scales
// linearly with (price - initialPrice) through a fixed multiplier
// instead of inverting the price, grounded on payouts.rs
// new_quanto's long_pnl closure.
func NewQuanto(
	totalMargin btcutil.Amount,
	initialPrice cfd.Price,
	quantity cfd.Usd,
	multiplier float64,
	makerPosition cfd.Position,
	nSegments int,
) []Payout {
	initial := initialPrice.Float64()
	qty := float64(quantity)

	long := func(priceRaw int64) btcutil.Amount {
		price := cfd.PriceFromRaw(priceRaw).Float64()
		btc := qty * multiplier * (price - initial) / initial
		return btcutil.Amount(btc * 1e8)
	}

	segments := generateSegments(totalMargin, nSegments, long)
	return assignRoles(segments, makerPosition)
}
