package setup

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/cfdnet/cfdd/cfd"
	"github.com/cfdnet/cfdd/oracle"
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

func testAnnouncement(t *testing.T) *oracle.Announcement {
	t.Helper()
	nonce1Bytes, nonce2Bytes, oracleBytes := [32]byte{}, [32]byte{}, [32]byte{}
	nonce1Bytes[31], nonce2Bytes[31], oracleBytes[31] = 0x01, 0x02, 0x03
	_, nonce1 := btcec.PrivKeyFromBytes(nonce1Bytes[:])
	_, nonce2 := btcec.PrivKeyFromBytes(nonce2Bytes[:])
	_, oraclePK := btcec.PrivKeyFromBytes(oracleBytes[:])
	return &oracle.Announcement{
		Id:          "BitMEX/BXBT/2021-09-23T11:00:00.price",
		NoncePoints: []*secp256k1.PublicKey{nonce1, nonce2},
		OraclePK:    oraclePK,
	}
}

// testParty builds one side's contribution plus the private material
// (identity, revocation, publication keys) only that side holds.
type testParty struct {
	params       cfd.PartyParams
	identitySK   *btcec.PrivateKey
	revocationSK *btcec.PrivateKey
	publicationSK *btcec.PrivateKey
}

func newTestParty(t *testing.T, funding btcutil.Amount, inputIndex uint32) testParty {
	t.Helper()
	identitySK := randKey(t)
	revocationSK := randKey(t)
	publicationSK := randKey(t)

	return testParty{
		params: cfd.PartyParams{
			Identity:      toIdentity(identitySK.PubKey()),
			FundingInputs: []wire.OutPoint{{Index: inputIndex}},
			FundingAmount: funding,
			InputsValue:   funding,
			ChangeAddress: p2wpkhAddress(t, identitySK.PubKey()),
			PayoutAddress: p2wpkhAddress(t, identitySK.PubKey()),
			PublicationPK: publicationSK.PubKey(),
			RevocationPK:  revocationSK.PubKey(),
		},
		identitySK:    identitySK,
		revocationSK:  revocationSK,
		publicationSK: publicationSK,
	}
}

func testTerms(id cfd.ContractId, role cfd.Role, announcement *oracle.Announcement) Terms {
	return Terms{
		ContractId:          id,
		OurRole:             role,
		MakerPosition:       cfd.Long,
		Quantity:            cfd.Usd(10_000),
		InitialPrice:        cfd.NewPrice(20_000),
		Leverage:            cfd.OneX,
		CounterLeverage:     cfd.OneX,
		RefundTimelock:      1_000_000,
		CetRelativeTimelock: 144,
		NPayouts:            5,
		Announcement:        announcement,
		Network:             &chaincfg.RegressionNetParams,
	}
}

// TestCrossSignedDLCVerifiesFromBothSides builds the epoch-0 DLC
// independently from each side's perspective (the way negotiate does,
// never transmitting the transactions themselves) and checks each side
// accepts the other's signatures, mirroring a full run of negotiate
// without the network plumbing.
func TestCrossSignedDLCVerifiesFromBothSides(t *testing.T) {
	id := cfd.NewContractId()
	announcement := testAnnouncement(t)

	maker := newTestParty(t, 500_000, 0)
	taker := newTestParty(t, 500_000, 1)

	makerActor := &Actor{
		terms:      testTerms(id, cfd.Maker, announcement),
		identitySK: maker.identitySK,
	}
	takerActor := &Actor{
		terms:      testTerms(id, cfd.Taker, announcement),
		identitySK: taker.identitySK,
	}

	makerDLC, err := makerActor.buildDLC(maker.params, taker.params, maker.revocationSK, maker.publicationSK)
	require.NoError(t, err)
	takerDLC, err := takerActor.buildDLC(taker.params, maker.params, taker.revocationSK, taker.publicationSK)
	require.NoError(t, err)

	require.Equal(t, makerDLC.LockTxId, takerDLC.LockTxId, "both sides must agree on the lock tx")
	require.Equal(t, makerDLC.CommitTxId, takerDLC.CommitTxId, "both sides must agree on the commit tx")
	require.True(t, makerDLC.CommitRevocationPK.IsEqual(takerDLC.CommitRevocationPK))
	require.Len(t, makerDLC.CETs[announcement.Id], 5)

	// Exactly one side should hold the canonical revocation secret.
	makerHolds := makerDLC.RevocationSK != nil
	takerHolds := takerDLC.RevocationSK != nil
	require.True(t, makerHolds != takerHolds, "exactly one side should hold the revocation secret")

	makerSigs, err := makerActor.signAll(makerDLC, maker.publicationSK)
	require.NoError(t, err)
	takerSigs, err := takerActor.signAll(takerDLC, taker.publicationSK)
	require.NoError(t, err)

	err = takerActor.applyCounterpartySigs(takerDLC, makerSigs, taker.publicationSK.PubKey(), maker.publicationSK.PubKey())
	require.NoError(t, err)
	require.NotNil(t, takerDLC.CommitAdaptorSig)
	require.Equal(t, 5, len(takerDLC.CETs[announcement.Id]))
	for _, cet := range takerDLC.CETs[announcement.Id] {
		require.NotNil(t, cet.AdaptorSig)
	}

	err = makerActor.applyCounterpartySigs(makerDLC, takerSigs, maker.publicationSK.PubKey(), taker.publicationSK.PubKey())
	require.NoError(t, err)
	require.NotNil(t, makerDLC.CommitAdaptorSig)
}

func TestApplyCounterpartySigsRejectsTamperedRefundSig(t *testing.T) {
	id := cfd.NewContractId()
	announcement := testAnnouncement(t)

	maker := newTestParty(t, 500_000, 0)
	taker := newTestParty(t, 500_000, 1)

	makerActor := &Actor{terms: testTerms(id, cfd.Maker, announcement), identitySK: maker.identitySK}
	takerActor := &Actor{terms: testTerms(id, cfd.Taker, announcement), identitySK: taker.identitySK}

	makerDLC, err := makerActor.buildDLC(maker.params, taker.params, maker.revocationSK, maker.publicationSK)
	require.NoError(t, err)
	takerDLC, err := takerActor.buildDLC(taker.params, maker.params, taker.revocationSK, taker.publicationSK)
	require.NoError(t, err)

	makerSigs, err := makerActor.signAll(makerDLC, maker.publicationSK)
	require.NoError(t, err)

	tampered := append([]byte(nil), makerSigs.RefundSig...)
	tampered[0] ^= 0xff
	makerSigs.RefundSig = tampered

	err = takerActor.applyCounterpartySigs(takerDLC, makerSigs, taker.publicationSK.PubKey(), maker.publicationSK.PubKey())
	require.Error(t, err)
}

func TestOurMarginScalesWithLeverage(t *testing.T) {
	quantity := cfd.Usd(10_000)
	price := cfd.NewPrice(20_000)

	unlevered := ourMargin(quantity, price, cfd.OneX)
	levered := ourMargin(quantity, price, cfd.Leverage(5))

	require.Equal(t, unlevered/5, levered)
	require.Equal(t, btcutil.Amount(50_000_000), unlevered)
}

func TestOutPointMsgRoundTrip(t *testing.T) {
	ops := []wire.OutPoint{
		{Index: 0},
		{Index: 7},
	}
	msgs := toOutPointMsgs(ops)
	require.Len(t, msgs, 2)

	back, err := fromOutPointMsgs(msgs)
	require.NoError(t, err)
	require.Equal(t, ops, back)
}

func TestChainhashFromStringRejectsGarbage(t *testing.T) {
	_, err := chainhashFromString("not-a-hash")
	require.Error(t, err)
}
