package offer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfd"
	"github.com/cfdnet/cfdd/transport"
)

func TestBookUpdateReplacesBySymbolAndPosition(t *testing.T) {
	b := NewBook()
	ctx := context.Background()

	b.Update(ctx, Offer{Symbol: "BTCUSD", MakerPosition: cfd.Short, PriceRaw: 100})
	require.Len(t, b.Current(), 1)

	b.Update(ctx, Offer{Symbol: "BTCUSD", MakerPosition: cfd.Short, PriceRaw: 200})
	offers := b.Current()
	require.Len(t, offers, 1)
	require.Equal(t, int64(200), offers[0].PriceRaw)

	b.Update(ctx, Offer{Symbol: "BTCUSD", MakerPosition: cfd.Long, PriceRaw: 150})
	require.Len(t, b.Current(), 2)
}

func TestBookWithdrawRemovesOneSlot(t *testing.T) {
	b := NewBook()
	ctx := context.Background()

	b.Update(ctx,
		Offer{Symbol: "BTCUSD", MakerPosition: cfd.Short, PriceRaw: 100},
		Offer{Symbol: "BTCUSD", MakerPosition: cfd.Long, PriceRaw: 150},
	)
	require.Len(t, b.Current(), 2)

	b.Withdraw(ctx, "BTCUSD", cfd.Short)
	offers := b.Current()
	require.Len(t, offers, 1)
	require.Equal(t, cfd.Long, offers[0].MakerPosition)
}

func TestBookRegisterSendsSnapshotToNewPeer(t *testing.T) {
	b := NewBook()
	ctx := context.Background()
	b.Update(ctx, Offer{Symbol: "BTCUSD", MakerPosition: cfd.Short, PriceRaw: 100})

	var identity cfd.Identity
	identity[0] = 1
	conn := transport.NewConnection("peer.example:9735", identity)

	require.NotPanics(t, func() {
		b.Register(ctx, conn)
	})
}

func TestCacheIngestReplacesWholeSet(t *testing.T) {
	c := NewCache()
	payload := transport.CurrentOffersPayload{Offers: []transport.OfferPayload{
		{Symbol: "BTCUSD", MakerPosition: cfd.Short, PriceRaw: 100},
	}}
	env, err := transport.Encode(transport.MsgCurrentOffers, payload)
	require.NoError(t, err)

	c.ingest(env)
	o, ok := c.Get("BTCUSD", cfd.Short)
	require.True(t, ok)
	require.Equal(t, int64(100), o.PriceRaw)

	payload2 := transport.CurrentOffersPayload{Offers: []transport.OfferPayload{
		{Symbol: "BTCUSD", MakerPosition: cfd.Long, PriceRaw: 150},
	}}
	env2, err := transport.Encode(transport.MsgCurrentOffers, payload2)
	require.NoError(t, err)
	c.ingest(env2)

	_, ok = c.Get("BTCUSD", cfd.Short)
	require.False(t, ok)
	o2, ok := c.Get("BTCUSD", cfd.Long)
	require.True(t, ok)
	require.Equal(t, int64(150), o2.PriceRaw)
}
