// Package offer is the maker's live quote book: it holds the current
// price/leverage/timelock terms the maker is willing to open new
// contracts at, one per (symbol, position) pair, and pushes the full
// set to every connected taker whenever it changes. Grounded on
// original_source/xtra-libp2p-offer/src/current/maker.rs's Actor,
// Offers and NewOffers/send_offers/GetLatestOffers handlers.
package offer

import (
	"time"

	"github.com/cfdnet/cfdd/cfd"
)

// Offer is one quotable (symbol, maker position) pair, the Go
// equivalent of model::Offer.
type Offer struct {
	OfferId             cfd.OfferId
	Symbol              cfd.ContractSymbol
	MakerPosition       cfd.Position
	PriceRaw            int64
	MinQuantity         cfd.Usd
	MaxQuantity         cfd.Usd
	LeverageOptions     []cfd.Leverage
	RefundTimelock      uint32
	CetRelativeTimelock uint32
	NPayouts            int
	FundingRate         cfd.FundingRate
	CreatedAt           time.Time
}

// key identifies the slot an Offer occupies in a Book, mirroring
// maker.rs's Offers being keyed on (ContractSymbol, Position) rather
// than on OfferId: a fresh quote for the same symbol/position replaces
// the stale one instead of appending to it.
type key struct {
	Symbol   cfd.ContractSymbol
	Position cfd.Position
}
