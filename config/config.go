// Package config parses the daemon's CLI flags into a Config,
// grounded on backend-engineer1-land/lnd.go's loadConfig/flags.Parse
// pattern (go-flags struct tags plus a post-parse defaulting pass),
// adapted from the vendored lnd fork to the upstream
// github.com/jessevdk/go-flags this module depends on directly.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jessevdk/go-flags"
)

const (
	defaultDataDirname     = "cfdd"
	defaultMainnetElectrum = "ssl://blockstream.info:700"
	defaultTestnetElectrum = "ssl://blockstream.info:993"
)

// Config is the daemon's full set of startup parameters, the Go
// equivalent of maker/src/main.rs's Opts/Network pair flattened into
// one struct since go-flags has no tagged-enum subcommand type the
// way clap's #[clap(subcommand)] does.
type Config struct {
	DataDir      string `long:"data-dir" description:"Directory to store contract state and wallet data in"`
	HTTPAddress  string `long:"http-address" description:"Address for a future HTTP frontend; never served by this binary" default:"127.0.0.1:8001"`
	P2PPort      uint16 `long:"p2p-port" description:"Port to listen on for inbound peer connections (maker only)" default:"9999"`
	MakerAddress string `long:"maker-address" description:"maker to connect to, as pubkey@host:port (taker only)"`

	Network  string `long:"network" description:"Bitcoin network to operate on" choice:"mainnet" choice:"testnet" choice:"signet" default:"testnet"`
	Electrum string `long:"electrum" description:"URL of the Electrum server backing the wallet"`

	DebugLevel string `long:"debuglevel" description:"Logging level applied to every subsystem, e.g. info, debug, trace; no environment variable is read" default:"info"`
}

// Load parses args (normally os.Args[1:]) into a Config, applying
// network-appropriate defaults for any flag the caller left zero,
// mirroring Network::electrum's per-variant default_value. Any
// trailing non-flag arguments (e.g. a "withdraw" subcommand and its
// own flags) are returned unparsed in extra for the caller to dispatch
// separately — this package only owns the daemon's own flags, never
// the withdraw subcommand's.
func Load(args []string) (cfg *Config, extra []string, err error) {
	cfg = &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	parser.Options |= flags.IgnoreUnknown
	extra, err = parser.ParseArgs(args)
	if err != nil {
		return nil, nil, err
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(btcutil.AppDataDir(defaultDataDirname, false), cfg.Network)
	}
	if cfg.Electrum == "" {
		switch cfg.Network {
		case "mainnet":
			cfg.Electrum = defaultMainnetElectrum
		case "testnet":
			cfg.Electrum = defaultTestnetElectrum
		case "signet":
			return nil, nil, fmt.Errorf("config: --electrum is required on signet")
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("config: create data dir %s: %w", cfg.DataDir, err)
	}
	return cfg, extra, nil
}

// NetParams returns the chaincfg.Params matching cfg.Network, the Go
// equivalent of Network::bitcoin_network.
func (cfg *Config) NetParams() (*chaincfg.Params, error) {
	switch cfg.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("config: unknown network %q", cfg.Network)
	}
}

// ParseWithdrawAmount parses the withdraw subcommand's --amount flag
// (a plain BTC figure, optionally suffixed " BTC") into an on-chain
// amount; an empty string means drain the wallet, mirroring
// maker/src/main.rs's Withdraw::Withdraw { amount: Option<Amount> }.
// Used by the urfave/cli withdraw command's Action in cmd/{makerd,takerd}.
func ParseWithdrawAmount(raw string) (btcutil.Amount, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, nil
	}
	raw = strings.TrimSuffix(raw, "BTC")
	raw = strings.TrimSpace(raw)

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("config: parse withdraw amount %q: %w", raw, err)
	}
	amt, err := btcutil.NewAmount(f)
	if err != nil {
		return 0, false, fmt.Errorf("config: withdraw amount %q: %w", raw, err)
	}
	return amt, true, nil
}

// ListenAddress is the address a maker binds its inbound peer listener
// to, derived from P2PPort the way Opts::p2p_port feeds
// SocketAddr::new(Ipv4Addr::UNSPECIFIED, p2p_port) in the original.
func (cfg *Config) ListenAddress() string {
	return fmt.Sprintf("0.0.0.0:%d", cfg.P2PPort)
}

// ParseMakerAddress splits --maker-address into the maker's long-term
// identity public key and its dialable TCP address, mirroring the
// pubkey@host:port convention lncli uses for --connect (see
// lnrpc.NetAddress parsing in the teacher's peers.go) since
// MakerAddress carries both pieces of information brontide needs to
// authenticate the peer it dials.
func ParseMakerAddress(raw string) (*btcec.PublicKey, *net.TCPAddr, error) {
	at := strings.Index(raw, "@")
	if at < 0 {
		return nil, nil, fmt.Errorf("config: --maker-address must be pubkey@host:port, got %q", raw)
	}
	pubHex, hostPort := raw[:at], raw[at+1:]

	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, nil, fmt.Errorf("config: maker pubkey %q: %w", pubHex, err)
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("config: maker pubkey %q: %w", pubHex, err)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", hostPort)
	if err != nil {
		return nil, nil, fmt.Errorf("config: maker address %q: %w", hostPort, err)
	}
	return pub, tcpAddr, nil
}
