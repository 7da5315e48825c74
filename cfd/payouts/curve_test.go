package payouts

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfd"
)

func TestInverseSegmentsSumToMargin(t *testing.T) {
	margin := btcutil.Amount(1_000_000)
	segs := NewInverse(margin, cfd.NewPrice(40_000), 10_000, cfd.Long, 20)

	require.Len(t, segs, 20)
	for _, s := range segs {
		require.Equal(t, margin, s.MakerAmount+s.TakerAmount, "segment %+v", s)
	}
}

func TestInverseSegmentsCoverFullRange(t *testing.T) {
	segs := NewInverse(btcutil.Amount(500_000), cfd.NewPrice(20_000), 5_000, cfd.Short, 5)

	require.Equal(t, int64(0), segs[0].RangeLow)
	require.Equal(t, MaxPriceRaw, segs[len(segs)-1].RangeHigh)

	for i := 1; i < len(segs); i++ {
		require.Equal(t, segs[i-1].RangeHigh, segs[i].RangeLow)
	}
}

func TestQuantoSegmentsSumToMargin(t *testing.T) {
	margin := btcutil.Amount(2_000_000)
	segs := NewQuanto(margin, cfd.NewPrice(2_000), 1_000, 0.0001, cfd.Long, 12)

	for _, s := range segs {
		require.Equal(t, margin, s.MakerAmount+s.TakerAmount)
	}
}

func TestMakerPositionFlipsAssignment(t *testing.T) {
	margin := btcutil.Amount(1_000_000)
	long := NewInverse(margin, cfd.NewPrice(30_000), 1_000, cfd.Long, 4)
	short := NewInverse(margin, cfd.NewPrice(30_000), 1_000, cfd.Short, 4)

	for i := range long {
		require.Equal(t, long[i].MakerAmount, short[i].TakerAmount)
		require.Equal(t, long[i].TakerAmount, short[i].MakerAmount)
	}
}
