package payouts

import (
	"github.com/btcsuite/btcd/btcutil"

	"github.com/cfdnet/cfdd/cfd"
)

// NewInverse builds the payout curve for a BTC/USD-style inverse
// contract, where quantity is denominated in USD and margin/payouts
// are denominated in BTC. The long side's payout in satoshis at price
// p is quantity/initialPrice - quantity/p (in BTC, scaled to sats),
// floored at zero and capped at the total locked margin — grounded on
// payouts.rs new_inverse's long_pnl closure.
func NewInverse(
	totalMargin btcutil.Amount,
	initialPrice cfd.Price,
	quantity cfd.Usd,
	makerPosition cfd.Position,
	nSegments int,
) []Payout {
	initial := initialPrice.Float64()
	qty := float64(quantity)

	long := func(priceRaw int64) btcutil.Amount {
		if priceRaw <= 0 {
			return 0
		}
		price := cfd.PriceFromRaw(priceRaw).Float64()
		btc := qty/initial - qty/price
		return btcutil.Amount(btc * 1e8)
	}

	segments := generateSegments(totalMargin, nSegments, long)
	return assignRoles(segments, makerPosition)
}

// SettlementAmounts evaluates the same long_pnl closure NewInverse
// discretises into CETs at a single exact price rather than a curve
// segment, the payout split a collaborative settlement needs (spec.md
// §4.4's "dialer sends its signature on the settlement spend" requires
// one precise maker/taker split, not a range).
func SettlementAmounts(totalMargin btcutil.Amount, initialPrice, atPrice cfd.Price, quantity cfd.Usd, makerPosition cfd.Position) (maker, taker btcutil.Amount) {
	initial := initialPrice.Float64()
	qty := float64(quantity)

	price := atPrice.Float64()
	var longAmount btcutil.Amount
	if price > 0 {
		btc := qty/initial - qty/price
		longAmount = btcutil.Amount(btc * 1e8)
	}
	if longAmount < 0 {
		longAmount = 0
	}
	if longAmount > totalMargin {
		longAmount = totalMargin
	}
	shortAmount := totalMargin - longAmount

	if makerPosition == cfd.Long {
		return longAmount, shortAmount
	}
	return shortAmount, longAmount
}
