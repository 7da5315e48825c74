package offer

import (
	"context"
	"sync"

	"github.com/cfdnet/cfdd/build"
	"github.com/cfdnet/cfdd/cfd"
	"github.com/cfdnet/cfdd/transport"
)

var log = build.Logger("OFFR")

// Book is the maker-side current-offers registry plus its set of
// connected takers, the Go equivalent of maker.rs's Actor combining
// current_offers and connected_peers in one struct rather than two
// actors passing messages.
type Book struct {
	mu     sync.Mutex
	offers map[key]Offer
	peers  map[cfd.Identity]*transport.Connection
}

// NewBook returns an empty quote book with no connected takers.
func NewBook() *Book {
	return &Book{
		offers: make(map[key]Offer),
		peers:  make(map[cfd.Identity]*transport.Connection),
	}
}

// Register adds conn to the set of peers that receive future Update
// broadcasts and immediately sends it the book's current snapshot,
// mirroring handle_connection_established's insert-then-send_offers.
func (b *Book) Register(ctx context.Context, conn *transport.Connection) {
	b.mu.Lock()
	b.peers[conn.RemoteIdentity()] = conn
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	b.sendTo(ctx, conn, snapshot)
}

// Unregister drops a disconnected taker from the broadcast set,
// mirroring remove_peer.
func (b *Book) Unregister(id cfd.Identity) {
	b.mu.Lock()
	delete(b.peers, id)
	b.mu.Unlock()
}

// Update replaces whichever existing quote shares each new offer's
// (symbol, position) slot and broadcasts the resulting full snapshot
// to every connected peer, mirroring NewOffers/Offers::update/
// the handle(NewOffers) broadcast loop.
func (b *Book) Update(ctx context.Context, offers ...Offer) {
	b.mu.Lock()
	for _, o := range offers {
		b.offers[key{Symbol: o.Symbol, Position: o.MakerPosition}] = o
	}
	snapshot := b.snapshotLocked()
	peers := make([]*transport.Connection, 0, len(b.peers))
	for _, conn := range b.peers {
		peers = append(peers, conn)
	}
	b.mu.Unlock()

	for _, conn := range peers {
		b.sendTo(ctx, conn, snapshot)
	}
}

// Withdraw removes the quote for symbol/position, if any, and
// broadcasts the resulting (possibly empty) snapshot, the offer-side
// counterpart of a maker deciding to stop quoting a market.
func (b *Book) Withdraw(ctx context.Context, symbol cfd.ContractSymbol, position cfd.Position) {
	b.mu.Lock()
	delete(b.offers, key{Symbol: symbol, Position: position})
	snapshot := b.snapshotLocked()
	peers := make([]*transport.Connection, 0, len(b.peers))
	for _, conn := range b.peers {
		peers = append(peers, conn)
	}
	b.mu.Unlock()

	for _, conn := range peers {
		b.sendTo(ctx, conn, snapshot)
	}
}

// Connection returns the live connection for a connected taker, used
// by the maker's standing rollover/settlement responders to address a
// contract's counterparty without keeping their own peer table.
func (b *Book) Connection(id cfd.Identity) (*transport.Connection, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.peers[id]
	return conn, ok
}

// Current returns the book's present snapshot, the Go equivalent of
// GetLatestOffers, used locally by a maker deciding whether to accept
// a TakeOrder against one of its own quotes.
func (b *Book) Current() []Offer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Book) snapshotLocked() []Offer {
	out := make([]Offer, 0, len(b.offers))
	for _, o := range b.offers {
		out = append(out, o)
	}
	return out
}

func (b *Book) sendTo(ctx context.Context, conn *transport.Connection, offers []Offer) {
	payload := transport.CurrentOffersPayload{Offers: make([]transport.OfferPayload, len(offers))}
	for i, o := range offers {
		payload.Offers[i] = transport.OfferPayload{
			OfferId:             o.OfferId,
			Symbol:              o.Symbol,
			MakerPosition:       o.MakerPosition,
			PriceRaw:            o.PriceRaw,
			MinQuantity:         o.MinQuantity,
			MaxQuantity:         o.MaxQuantity,
			LeverageOptions:     o.LeverageOptions,
			RefundTimelock:      o.RefundTimelock,
			CetRelativeTimelock: o.CetRelativeTimelock,
			NPayouts:            o.NPayouts,
			FundingRate:         o.FundingRate,
			CreatedAt:           o.CreatedAt,
		}
	}

	env, err := transport.Encode(transport.MsgCurrentOffers, payload)
	if err != nil {
		log.Errorf("offer: encode current offers: %v", err)
		return
	}
	if err := conn.Send(ctx, env); err != nil {
		log.Warnf("offer: send current offers to %x: %v", conn.RemoteIdentity(), err)
	}
}
