package config

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesNetworkDefaultElectrum(t *testing.T) {
	cfg, _, err := Load([]string{"--network", "mainnet", "--data-dir", t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, defaultMainnetElectrum, cfg.Electrum)
}

func TestLoadRequiresElectrumOnSignet(t *testing.T) {
	_, _, err := Load([]string{"--network", "signet", "--data-dir", t.TempDir()})
	require.Error(t, err)
}

func TestLoadHonorsExplicitElectrum(t *testing.T) {
	cfg, _, err := Load([]string{
		"--network", "signet",
		"--electrum", "ssl://my-electrum:50002",
		"--data-dir", t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, "ssl://my-electrum:50002", cfg.Electrum)
}

func TestLoadReturnsWithdrawAsExtraArgs(t *testing.T) {
	cfg, extra, err := Load([]string{
		"--data-dir", t.TempDir(),
		"withdraw", "--amount", "0.1 BTC", "--address", "bc1qexample",
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, []string{"withdraw", "--amount", "0.1 BTC", "--address", "bc1qexample"}, extra)
}

func TestNetParamsRejectsUnknownNetwork(t *testing.T) {
	cfg := &Config{Network: "regtest"}
	_, err := cfg.NetParams()
	require.Error(t, err)
}

func TestParseWithdrawAmountDrainsOnEmpty(t *testing.T) {
	_, hasAmount, err := ParseWithdrawAmount("")
	require.NoError(t, err)
	require.False(t, hasAmount)
}

func TestParseWithdrawAmountAcceptsBTCSuffix(t *testing.T) {
	amt, hasAmount, err := ParseWithdrawAmount("0.1 BTC")
	require.NoError(t, err)
	require.True(t, hasAmount)
	require.Equal(t, int64(10_000_000), int64(amt))
}

func TestParseMakerAddressSplitsPubkeyAndHostPort(t *testing.T) {
	pub := "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	pk, addr, err := ParseMakerAddress(pub + "@127.0.0.1:9999")
	require.NoError(t, err)
	require.Equal(t, pub, hex.EncodeToString(pk.SerializeCompressed()))
	require.Equal(t, "127.0.0.1:9999", addr.String())
}

func TestParseMakerAddressRejectsMissingAt(t *testing.T) {
	_, _, err := ParseMakerAddress("127.0.0.1:9999")
	require.Error(t, err)
}

func TestParseMakerAddressRejectsBadPubkey(t *testing.T) {
	_, _, err := ParseMakerAddress("not-hex@127.0.0.1:9999")
	require.Error(t, err)
}
