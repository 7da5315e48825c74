package dlctx

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfd"
)

func randKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	k, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return k
}

func toIdentity(pub *btcec.PublicKey) cfd.Identity {
	var id cfd.Identity
	copy(id[:], pub.SerializeCompressed())
	return id
}

func p2wpkhAddress(t *testing.T, pub *btcec.PublicKey) btcutil.Address {
	t.Helper()
	hash := btcutil.Hash160(pub.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr
}

func TestMultiSigScriptIsOrderIndependent(t *testing.T) {
	a := randKey(t).PubKey()
	b := randKey(t).PubKey()

	s1, err := MultiSigScript(a, b)
	require.NoError(t, err)
	s2, err := MultiSigScript(b, a)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

func TestBuildLockTxLocksCombinedAmount(t *testing.T) {
	oursKey, theirsKey := randKey(t), randKey(t)
	ours := cfd.PartyParams{
		Identity:      toIdentity(oursKey.PubKey()),
		FundingInputs: []wire.OutPoint{{Index: 0}},
		FundingAmount: 1_000_000,
		InputsValue:   1_000_000,
		ChangeAddress: p2wpkhAddress(t, oursKey.PubKey()),
	}
	theirs := cfd.PartyParams{
		Identity:      toIdentity(theirsKey.PubKey()),
		FundingInputs: []wire.OutPoint{{Index: 1}},
		FundingAmount: 500_000,
		InputsValue:   500_000,
		ChangeAddress: p2wpkhAddress(t, theirsKey.PubKey()),
	}

	tx, lockScript, err := BuildLockTx(ours, theirs)
	require.NoError(t, err)
	require.NotEmpty(t, lockScript)
	require.Len(t, tx.TxIn, 2)
	require.Equal(t, int64(1_500_000), tx.TxOut[0].Value)
}

func TestBuildCommitAndCetAndRefundChain(t *testing.T) {
	revKey := randKey(t)
	oursKey, theirsKey := randKey(t), randKey(t)

	lockOutpoint := wire.OutPoint{Index: 0}
	commitTx, commitScript, err := BuildCommitTx(lockOutpoint, 1_500_000, 144, revKey.PubKey(), oursKey.PubKey(), theirsKey.PubKey())
	require.NoError(t, err)
	require.NotEmpty(t, commitScript)
	require.Len(t, commitTx.TxOut, 1)

	commitOutpoint := wire.OutPoint{Hash: commitTx.TxHash(), Index: 0}

	cet, txid, err := BuildCET(commitOutpoint, 144, 1_000_000, 500_000, p2wpkhAddress(t, oursKey.PubKey()), p2wpkhAddress(t, theirsKey.PubKey()))
	require.NoError(t, err)
	require.Equal(t, uint32(144), cet.TxIn[0].Sequence)
	require.Equal(t, cet.TxHash(), txid)

	refund, err := BuildRefundTx(commitOutpoint, 144, 100_000, 1_000_000, 500_000, p2wpkhAddress(t, oursKey.PubKey()), p2wpkhAddress(t, theirsKey.PubKey()))
	require.NoError(t, err)
	require.Equal(t, uint32(100_000), refund.LockTime)
}
