package offer

import (
	"context"
	"sync"

	"github.com/cfdnet/cfdd/cfd"
	"github.com/cfdnet/cfdd/transport"
)

// Cache is the taker-side counterpart of Book: it holds the most
// recent CurrentOffers broadcast received from a single maker
// connection, replacing the full set wholesale on every update, the
// Go equivalent of a taker storing the maker::Actor's last NewOffers
// push for later use by a take-order decision.
type Cache struct {
	mu     sync.RWMutex
	latest map[key]Offer
}

// NewCache returns an empty offers cache.
func NewCache() *Cache {
	return &Cache{latest: make(map[key]Offer)}
}

// Run consumes conn's published CurrentOffers envelopes until ctx is
// cancelled, updating the cache in place. Intended to run in its own
// goroutine alongside the connection's own Run loop.
func (c *Cache) Run(ctx context.Context, conn *transport.Connection) {
	sub := conn.SubscribeMessages()
	for {
		select {
		case env, ok := <-sub:
			if !ok {
				return
			}
			if env.Type != transport.MsgCurrentOffers {
				continue
			}
			c.ingest(env)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cache) ingest(env transport.Envelope) {
	var payload transport.CurrentOffersPayload
	if err := env.Decode(&payload); err != nil {
		log.Errorf("offer: decode current offers: %v", err)
		return
	}

	fresh := make(map[key]Offer, len(payload.Offers))
	for _, p := range payload.Offers {
		o := Offer{
			OfferId:             p.OfferId,
			Symbol:              p.Symbol,
			MakerPosition:       p.MakerPosition,
			PriceRaw:            p.PriceRaw,
			MinQuantity:         p.MinQuantity,
			MaxQuantity:         p.MaxQuantity,
			LeverageOptions:     p.LeverageOptions,
			RefundTimelock:      p.RefundTimelock,
			CetRelativeTimelock: p.CetRelativeTimelock,
			NPayouts:            p.NPayouts,
			FundingRate:         p.FundingRate,
			CreatedAt:           p.CreatedAt,
		}
		fresh[key{Symbol: o.Symbol, Position: o.MakerPosition}] = o
	}

	c.mu.Lock()
	c.latest = fresh
	c.mu.Unlock()
}

// Current returns the cached offer set.
func (c *Cache) Current() []Offer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Offer, 0, len(c.latest))
	for _, o := range c.latest {
		out = append(out, o)
	}
	return out
}

// Get returns the cached offer for symbol/position, if any, the
// lookup a taker does right before sending TakeOrder.
func (c *Cache) Get(symbol cfd.ContractSymbol, position cfd.Position) (Offer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.latest[key{Symbol: symbol, Position: position}]
	return o, ok
}
