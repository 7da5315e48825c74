// Command takerd runs the taker side of the daemon: it dials a single
// configured maker over a noise-encrypted connection, keeps a cache of
// its live offer book, places orders against that book on request, and
// runs the auto-rollover loop and a standing settlement listener for
// every contract it opens. Grounded on
// backend-engineer1-land/lnd.go's lndMain (config parse, logging,
// signal handling, deferred teardown) combined with server.go's
// outbound-dial path, generalised here to a single persistent peer
// rather than a full peer-to-peer mesh.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/urfave/cli"

	"github.com/cfdnet/cfdd/actor"
	"github.com/cfdnet/cfdd/build"
	"github.com/cfdnet/cfdd/cfd"
	"github.com/cfdnet/cfdd/config"
	"github.com/cfdnet/cfdd/daemon"
	"github.com/cfdnet/cfdd/offer"
	"github.com/cfdnet/cfdd/oracle"
	"github.com/cfdnet/cfdd/protocol/rollover"
	"github.com/cfdnet/cfdd/protocol/setup"
	"github.com/cfdnet/cfdd/protocol/settlement"
	"github.com/cfdnet/cfdd/transport"
)

var log = build.Logger("CFDD")

// orderPollInterval bounds how often takerd checks data-dir/take-order.json
// for a fresh request; makerd reads its offers.json only once, at startup.
const orderPollInterval = 5 * time.Second

func main() {
	cfg, extra, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(extra) > 0 && extra[0] == "withdraw" {
		if err := runWithdraw(cfg, extra[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := build.InitLogRotator(filepath.Join(cfg.DataDir, "logs", "takerd.log"), 10, 3); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	build.SetLogLevel(cfg.DebugLevel)

	deps, err := daemon.Bootstrap(cfg)
	if err != nil {
		log.Errorf("bootstrap: %v", err)
		os.Exit(1)
	}
	defer deps.Close()

	if cfg.MakerAddress == "" {
		log.Errorf("--maker-address is required")
		os.Exit(1)
	}
	makerPub, makerAddr, err := config.ParseMakerAddress(cfg.MakerAddress)
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("received shutdown signal")
		cancel()
	}()

	if ids, err := deps.Manager.RebroadcastPending(ctx); err != nil {
		log.Warnf("rebroadcast pending transactions: %v", err)
	} else if len(ids) > 0 {
		log.Infof("rebroadcast pending transactions for %d contracts", len(ids))
	}
	if err := deps.Manager.RearmMonitoring(ctx); err != nil {
		log.Warnf("rearm chain monitoring: %v", err)
	}

	go func() {
		if err := deps.OracleLoop.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("oracle loop exited: %v", err)
		}
	}()

	var makerIdentity cfd.Identity
	copy(makerIdentity[:], makerPub.SerializeCompressed())
	conn := transport.NewConnection(makerAddr.String(), makerIdentity)
	go conn.Run(ctx, transport.DialBrontide(deps.IdentitySK, transport.RemotePeerAddress{
		IdentityKey: makerPub,
		Address:     makerAddr,
	}))

	cache := offer.NewCache()
	go cache.Run(ctx, conn)

	go pollOrderRequests(ctx, deps, conn, cache, cfg.DataDir)

	refundTimelock := uint32(daemon.DefaultCetRelativeTimelock * 2)
	if height, err := deps.Chain.BestHeight(); err != nil {
		log.Warnf("chain tip for auto-rollover refund timelock: %v", err)
	} else {
		refundTimelock = daemon.RefundTimelock(height)
	}

	rateSource := &cacheFundingRateSource{cache: cache}
	autoLoop := rollover.NewAutoLoop(deps.Store, conn, deps.Manager, deps.OracleClient, deps.Wallet, deps.IdentitySK, rollover.AutoLoopConfig{
		RefundTimelock:      refundTimelock,
		CetRelativeTimelock: daemon.DefaultCetRelativeTimelock,
		NPayouts:            daemon.DefaultNPayouts,
		SettlementInterval:  daemon.DefaultSettlementInterval,
		FundingRate:         rateSource,
	})
	go func() {
		if err := autoLoop.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("auto rollover loop exited: %v", err)
		}
	}()

	watcher := daemon.NewWatcher(deps.Store, func(wctx context.Context, id cfd.ContractId) {
		spawnTakerSettlementResponder(wctx, deps, conn, id)
	})
	go watcher.Run(ctx)

	log.Infof("connecting to maker %s at %s, identity %s", makerIdentity, makerAddr, deps.Wallet.Identity())

	<-ctx.Done()
	log.Infof("shutdown complete")
}

// cacheFundingRateSource satisfies rollover.FundingRateSource off the
// taker's own offer cache: AutoLoop only has a symbol to key on, not a
// position, so this tries both sides of the book and returns whichever
// the maker currently quotes, since in practice a maker only publishes
// one side of a symbol at a time.
type cacheFundingRateSource struct {
	cache *offer.Cache
}

func (s *cacheFundingRateSource) CurrentRate(ctx context.Context, symbol cfd.ContractSymbol) (cfd.FundingRate, error) {
	if o, ok := s.cache.Get(symbol, cfd.Long); ok {
		return o.FundingRate, nil
	}
	if o, ok := s.cache.Get(symbol, cfd.Short); ok {
		return o.FundingRate, nil
	}
	return 0, fmt.Errorf("no cached offer for %s", symbol)
}

func spawnTakerSettlementResponder(ctx context.Context, deps *daemon.Deps, conn *transport.Connection, id cfd.ContractId) {
	c, err := deps.Store.LoadContract(id)
	if err != nil {
		log.Warnf("responder: load contract %s: %v", id, err)
		return
	}
	if c.Role != cfd.Taker {
		return
	}
	go daemon.SupervisedResponder(ctx, deps.Store, id, "settlement-responder-"+id.String(), settlementResponderTask(deps, conn, id))
}

func settlementResponderTask(deps *daemon.Deps, conn *transport.Connection, id cfd.ContractId) func() actor.Task {
	return func() actor.Task {
		return func(ctx context.Context) error {
			c, err := deps.Store.LoadContract(id)
			if err != nil {
				return err
			}
			if c.Phase.Terminal() || c.Dlc == nil {
				<-ctx.Done()
				return ctx.Err()
			}
			a := settlement.NewActor(id, c.Role, deps.IdentitySK, conn, deps.Store, deps.Manager, nil)
			_, err = a.RunListener(ctx, c.Dlc, c.Position, c.Quantity, c.InitialPrice)
			return err
		}
	}
}

// orderRequest is the taker operator's take-order.json shape: with no
// HTTP/RPC frontend wired (out of scope), an order is placed by
// dropping this file in the data directory. takerd polls for it,
// consumes it (removing the file) and attempts the match against
// whatever the maker currently has quoted.
type orderRequest struct {
	Symbol   string `json:"symbol"`
	Position string `json:"position"`
	Quantity uint64 `json:"quantity"`
	Leverage uint8  `json:"leverage"`
}

func pollOrderRequests(ctx context.Context, deps *daemon.Deps, conn *transport.Connection, cache *offer.Cache, dataDir string) {
	path := filepath.Join(dataDir, "take-order.json")
	t := time.NewTicker(orderPollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			tryPlaceOrder(ctx, deps, conn, cache, path)
		case <-ctx.Done():
			return
		}
	}
}

func tryPlaceOrder(ctx context.Context, deps *daemon.Deps, conn *transport.Connection, cache *offer.Cache, path string) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		log.Warnf("read take-order.json: %v", err)
		return
	}

	var req orderRequest
	if jsonErr := json.Unmarshal(raw, &req); jsonErr != nil {
		log.Warnf("parse take-order.json: %v", jsonErr)
		os.Remove(path)
		return
	}
	os.Remove(path)

	ourPosition := cfd.Long
	if req.Position == "short" {
		ourPosition = cfd.Short
	}

	o, ok := cache.Get(cfd.ContractSymbol(req.Symbol), ourPosition.Counter())
	if !ok {
		log.Warnf("take-order.json: no cached offer for %s/%s", req.Symbol, ourPosition)
		return
	}

	quantity := cfd.Usd(req.Quantity)
	leverage := cfd.Leverage(req.Leverage)
	if quantity < o.MinQuantity || quantity > o.MaxQuantity {
		log.Warnf("take-order.json: quantity %d outside [%d,%d] for %s", quantity, o.MinQuantity, o.MaxQuantity, req.Symbol)
		return
	}
	if !leverageAllowed(o, leverage) {
		log.Warnf("take-order.json: leverage %d not offered for %s", leverage, req.Symbol)
		return
	}

	placeOrder(ctx, deps, conn, o, ourPosition, quantity, leverage)
}

func leverageAllowed(o offer.Offer, lev cfd.Leverage) bool {
	for _, l := range o.LeverageOptions {
		if l == lev {
			return true
		}
	}
	return false
}

// placeOrder creates the local pending-setup contract row, sends
// TakeOrder and blocks (bounded by ctx) for the maker's
// Confirm/Reject/InvalidOrderId reply before spawning protocol/setup.
func placeOrder(ctx context.Context, deps *daemon.Deps, conn *transport.Connection, o offer.Offer, ourPosition cfd.Position, quantity cfd.Usd, leverage cfd.Leverage) {
	now := time.Now()
	orderId := cfd.NewContractId()
	c := cfd.Contract{
		Id:              orderId,
		Role:            cfd.Taker,
		Position:        ourPosition,
		Symbol:          o.Symbol,
		Quantity:        quantity,
		InitialPrice:    cfd.PriceFromRaw(o.PriceRaw),
		Leverage:        leverage,
		CounterLeverage: cfd.OneX,
		Counterparty:    conn.RemoteIdentity(),
		Phase:           cfd.PhasePendingSetup,
		CreatedAt:       now,
		ExpiresAt:       now.Add(daemon.DefaultSettlementInterval),
	}
	if err := deps.Store.CreateContract(c); err != nil {
		log.Errorf("create contract %s: %v", c.Id, err)
		return
	}

	sub := conn.SubscribeMessages()
	env, err := transport.Encode(transport.MsgTakeOrder, transport.TakeOrderPayload{
		OrderId:  orderId,
		OfferId:  o.OfferId,
		Quantity: quantity,
		Leverage: leverage,
	})
	if err != nil {
		log.Errorf("encode take order %s: %v", orderId, err)
		return
	}
	if err := conn.Send(ctx, env); err != nil {
		log.Warnf("send take order %s: %v", orderId, err)
		return
	}

	confirmed, ok := awaitOrderReply(ctx, sub, orderId)
	if !ok {
		log.Warnf("order %s: no reply from maker before shutdown", orderId)
		return
	}
	if !confirmed {
		log.Infof("order %s rejected by maker", orderId)
		_ = deps.Manager.Dispatch(ctx, orderId, cfd.Command{Kind: cfd.CmdRejectOffer, Now: time.Now()})
		return
	}

	go runTakerSetup(ctx, deps, conn, c, o)
}

func awaitOrderReply(ctx context.Context, sub <-chan transport.Envelope, orderId cfd.OrderId) (confirmed, ok bool) {
	for {
		select {
		case env, chOk := <-sub:
			if !chOk {
				return false, false
			}
			switch env.Type {
			case transport.MsgConfirmOrder, transport.MsgRejectOrder, transport.MsgInvalidOrderId:
			default:
				continue
			}
			var payload transport.OrderIdPayload
			if err := env.Decode(&payload); err != nil || payload.OrderId != orderId {
				continue
			}
			return env.Type == transport.MsgConfirmOrder, true
		case <-ctx.Done():
			return false, false
		}
	}
}

// runTakerSetup mirrors makerd's runMakerSetup, using the offer's own
// timelock/payout terms rather than re-deriving them, since the taker
// accepts whatever the maker published rather than choosing its own.
func runTakerSetup(ctx context.Context, deps *daemon.Deps, conn *transport.Connection, c cfd.Contract, o offer.Offer) {
	height, err := deps.Chain.BestHeight()
	if err != nil {
		log.Errorf("setup %s: chain tip: %v", c.Id, err)
		_ = deps.Manager.Dispatch(ctx, c.Id, cfd.Command{Kind: cfd.CmdFailContractSetup, Err: err})
		return
	}

	eventId := oracle.NextSettlementEventId(c.CreatedAt, daemon.DefaultSettlementInterval)
	announcement, err := deps.OracleClient.FetchAnnouncement(ctx, eventId)
	if err != nil {
		log.Errorf("setup %s: fetch announcement %s: %v", c.Id, eventId, err)
		_ = deps.Manager.Dispatch(ctx, c.Id, cfd.Command{Kind: cfd.CmdFailContractSetup, Err: err})
		return
	}

	terms := setup.Terms{
		ContractId:          c.Id,
		OurRole:             cfd.Taker,
		MakerPosition:       o.MakerPosition,
		Quantity:            c.Quantity,
		InitialPrice:        c.InitialPrice,
		Leverage:            c.Leverage,
		CounterLeverage:     c.CounterLeverage,
		RefundTimelock:      daemon.RefundTimelock(height),
		CetRelativeTimelock: o.CetRelativeTimelock,
		NPayouts:            o.NPayouts,
		Announcement:        announcement,
		Network:             deps.Net,
	}

	a := setup.NewActor(terms, deps.IdentitySK, conn, deps.Store, deps.Manager, deps.Wallet)
	if _, err := a.Run(ctx); err != nil {
		log.Errorf("setup %s failed: %v", c.Id, err)
	}
}

// runWithdraw mirrors makerd's withdraw subcommand exactly: same
// urfave/cli.App shape, same Wallet.Withdraw call.
func runWithdraw(cfg *config.Config, args []string) error {
	app := cli.NewApp()
	app.Name = "takerd withdraw"
	app.Usage = "send an on-chain payment from the taker's wallet"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "address", Usage: "destination address"},
		cli.StringFlag{Name: "amount", Usage: "amount to withdraw, e.g. \"0.5 BTC\"; empty drains the wallet"},
	}
	app.Action = func(c *cli.Context) error {
		deps, err := daemon.Bootstrap(cfg)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		defer deps.Close()

		if c.String("address") == "" {
			return fmt.Errorf("--address is required")
		}
		destAddr, err := btcutil.DecodeAddress(c.String("address"), deps.Net)
		if err != nil {
			return fmt.Errorf("decode address: %w", err)
		}
		amount, hasAmount, err := config.ParseWithdrawAmount(c.String("amount"))
		if err != nil {
			return err
		}

		tx, err := deps.Wallet.Withdraw(context.Background(), destAddr, amount, !hasAmount)
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
		fmt.Println(tx.TxHash())
		return nil
	}

	return app.Run(append([]string{"takerd withdraw"}, args...))
}
