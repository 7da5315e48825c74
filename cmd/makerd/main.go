// Command makerd runs the maker side of the daemon: it serves a live
// offer book to every connected taker over an inbound noise-encrypted
// listener, opens a contract the moment a taker's order matches one of
// its quotes, and keeps a standing rollover/settlement responder alive
// for every open contract so either protocol can run the moment its
// counterparty initiates. Grounded on
// backend-engineer1-land/lnd.go's lndMain (config parse, logging,
// signal handling, deferred teardown) combined with server.go's
// accept loop over brontide.NewListener.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
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

	if err := build.InitLogRotator(filepath.Join(cfg.DataDir, "logs", "makerd.log"), 10, 3); err != nil {
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

	book := offer.NewBook()
	if err := loadOffers(ctx, book, cfg.DataDir); err != nil {
		log.Warnf("load offers.json: %v", err)
	}

	watcher := daemon.NewWatcher(deps.Store, func(wctx context.Context, id cfd.ContractId) {
		spawnMakerResponders(wctx, deps, book, id)
	})
	go watcher.Run(ctx)

	listener, err := transport.ListenBrontide(deps.IdentitySK, cfg.ListenAddress())
	if err != nil {
		log.Errorf("listen on %s: %v", cfg.ListenAddress(), err)
		cancel()
		os.Exit(1)
	}
	defer listener.Close()
	log.Infof("listening for takers on %s, identity %s", listener.Addr(), deps.Wallet.Identity())

	go acceptLoop(ctx, listener, deps, book)

	<-ctx.Done()
	log.Infof("shutdown complete")
}

func acceptLoop(ctx context.Context, listener *transport.Listener, deps *daemon.Deps, book *offer.Book) {
	for {
		conn, netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("accept: %v", err)
			continue
		}
		go handleConn(ctx, conn, netConn, deps, book)
	}
}

func handleConn(ctx context.Context, conn *transport.Connection, netConn net.Conn, deps *daemon.Deps, book *offer.Book) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := conn.SubscribeMessages()
	book.Register(connCtx, conn)
	defer book.Unregister(conn.RemoteIdentity())

	go handleTakeOrders(connCtx, conn, sub, deps, book)

	if err := conn.RunAccepted(connCtx, netConn); err != nil {
		log.Warnf("connection from %s dropped: %v", conn.RemoteIdentity(), err)
	}
}

func handleTakeOrders(ctx context.Context, conn *transport.Connection, sub <-chan transport.Envelope, deps *daemon.Deps, book *offer.Book) {
	for {
		select {
		case env, ok := <-sub:
			if !ok {
				return
			}
			if env.Type != transport.MsgTakeOrder {
				continue
			}
			processTakeOrder(ctx, conn, env, deps, book)
		case <-ctx.Done():
			return
		}
	}
}

func processTakeOrder(ctx context.Context, conn *transport.Connection, env transport.Envelope, deps *daemon.Deps, book *offer.Book) {
	var payload transport.TakeOrderPayload
	if err := env.Decode(&payload); err != nil {
		log.Warnf("malformed take order from %s: %v", conn.RemoteIdentity(), err)
		return
	}

	o, ok := findOffer(book, payload.OfferId)
	if !ok || !quantityInRange(o, payload.Quantity) || !leverageAllowed(o, payload.Leverage) {
		log.Infof("rejecting order %s from %s: offer %s no longer valid for quantity %d / leverage %d",
			payload.OrderId, conn.RemoteIdentity(), payload.OfferId, payload.Quantity, payload.Leverage)
		rejectOrder(ctx, conn, payload.OrderId)
		return
	}

	now := time.Now()
	c := cfd.Contract{
		Id:              payload.OrderId,
		Role:            cfd.Maker,
		Position:        o.MakerPosition,
		Symbol:          o.Symbol,
		Quantity:        payload.Quantity,
		InitialPrice:    cfd.PriceFromRaw(o.PriceRaw),
		Leverage:        cfd.OneX,
		CounterLeverage: payload.Leverage,
		Counterparty:    conn.RemoteIdentity(),
		Phase:           cfd.PhasePendingSetup,
		CreatedAt:       now,
		ExpiresAt:       now.Add(daemon.DefaultSettlementInterval),
	}
	if err := deps.Store.CreateContract(c); err != nil {
		log.Errorf("create contract %s: %v", c.Id, err)
		rejectOrder(ctx, conn, payload.OrderId)
		return
	}

	confirmOrder(ctx, conn, payload.OrderId)
	go runMakerSetup(ctx, deps, conn, c, o)
}

func findOffer(book *offer.Book, id cfd.OfferId) (offer.Offer, bool) {
	for _, o := range book.Current() {
		if o.OfferId == id {
			return o, true
		}
	}
	return offer.Offer{}, false
}

func quantityInRange(o offer.Offer, q cfd.Usd) bool {
	return q >= o.MinQuantity && q <= o.MaxQuantity
}

func leverageAllowed(o offer.Offer, lev cfd.Leverage) bool {
	for _, l := range o.LeverageOptions {
		if l == lev {
			return true
		}
	}
	return false
}

func confirmOrder(ctx context.Context, conn *transport.Connection, id cfd.OrderId) {
	env, err := transport.Encode(transport.MsgConfirmOrder, transport.OrderIdPayload{OrderId: id})
	if err != nil {
		log.Errorf("encode confirm order %s: %v", id, err)
		return
	}
	if err := conn.Send(ctx, env); err != nil {
		log.Warnf("send confirm order %s: %v", id, err)
	}
}

func rejectOrder(ctx context.Context, conn *transport.Connection, id cfd.OrderId) {
	env, err := transport.Encode(transport.MsgRejectOrder, transport.OrderIdPayload{OrderId: id})
	if err != nil {
		log.Errorf("encode reject order %s: %v", id, err)
		return
	}
	if err := conn.Send(ctx, env); err != nil {
		log.Warnf("send reject order %s: %v", id, err)
	}
}

// runMakerSetup fetches the announcement the new epoch settles
// against and drives protocol/setup to completion against conn,
// exiting once ContractSetupCompleted or ContractSetupFailed has been
// persisted.
func runMakerSetup(ctx context.Context, deps *daemon.Deps, conn *transport.Connection, c cfd.Contract, o offer.Offer) {
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
		OurRole:             cfd.Maker,
		MakerPosition:       c.Position,
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

// spawnMakerResponders is daemon.Watcher's spawn callback: for every
// open contract we are the maker on, it waits for the taker to be
// connected (via offer.Book's peer table) then runs standing
// rollover/settlement responders for as long as the contract stays
// open, so a taker-initiated rollover or settlement finds a protocol
// actor registered the moment it arrives.
func spawnMakerResponders(ctx context.Context, deps *daemon.Deps, book *offer.Book, id cfd.ContractId) {
	c, err := deps.Store.LoadContract(id)
	if err != nil {
		log.Warnf("responder: load contract %s: %v", id, err)
		return
	}
	if c.Role != cfd.Maker {
		return
	}

	conn, ok := awaitConnection(ctx, book, c.Counterparty)
	if !ok {
		return
	}

	go daemon.SupervisedResponder(ctx, deps.Store, id, "rollover-responder-"+id.String(), rolloverResponderTask(deps, conn, id))
	go daemon.SupervisedResponder(ctx, deps.Store, id, "settlement-responder-"+id.String(), settlementResponderTask(deps, conn, id))
}

func awaitConnection(ctx context.Context, book *offer.Book, id cfd.Identity) (*transport.Connection, bool) {
	if conn, ok := book.Connection(id); ok {
		return conn, true
	}

	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if conn, ok := book.Connection(id); ok {
				return conn, true
			}
		case <-ctx.Done():
			return nil, false
		}
	}
}

func rolloverResponderTask(deps *daemon.Deps, conn *transport.Connection, id cfd.ContractId) func() actor.Task {
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

			terms := rollover.Terms{
				ContractId:          id,
				OurRole:             cfd.Maker,
				MakerPosition:       c.Position,
				Quantity:            c.Quantity,
				InitialPrice:        c.InitialPrice,
				Leverage:            c.Leverage,
				CounterLeverage:     c.CounterLeverage,
				RefundTimelock:      c.Dlc.RefundTimelock,
				CetRelativeTimelock: c.Dlc.CetRelativeTimelock,
				NPayouts:            daemon.DefaultNPayouts,
				SettlementInterval:  daemon.DefaultSettlementInterval,
			}
			a := rollover.NewActor(terms, deps.IdentitySK, conn, deps.Store, deps.Manager, deps.OracleClient, deps.Wallet)
			_, err = a.Run(ctx)
			return err
		}
	}
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

// offerEntry is one quotable market in offers.json, the maker
// operator's equivalent of editing maker.rs's hardcoded Offer
// constants: with no HTTP/RPC frontend wired (out of scope), the
// maker's quote book is configured by dropping this file in the data
// directory before the daemon starts; it is read once at startup.
type offerEntry struct {
	Symbol              string  `json:"symbol"`
	MakerPosition        string  `json:"maker_position"`
	Price               float64 `json:"price"`
	MinQuantity         uint64  `json:"min_quantity"`
	MaxQuantity         uint64  `json:"max_quantity"`
	LeverageOptions     []uint8 `json:"leverage_options"`
	RefundTimelock      uint32  `json:"refund_timelock"`
	CetRelativeTimelock uint32  `json:"cet_relative_timelock"`
	NPayouts            int     `json:"n_payouts"`
	FundingRate         int64   `json:"funding_rate"`
}

func loadOffers(ctx context.Context, book *offer.Book, dataDir string) error {
	raw, err := os.ReadFile(filepath.Join(dataDir, "offers.json"))
	if os.IsNotExist(err) {
		log.Infof("no offers.json found in %s, starting with an empty quote book", dataDir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read offers.json: %w", err)
	}

	var entries []offerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse offers.json: %w", err)
	}

	now := time.Now()
	offers := make([]offer.Offer, 0, len(entries))
	for _, e := range entries {
		pos := cfd.Long
		if e.MakerPosition == "short" {
			pos = cfd.Short
		}
		leverages := make([]cfd.Leverage, len(e.LeverageOptions))
		for i, l := range e.LeverageOptions {
			leverages[i] = cfd.Leverage(l)
		}

		refundTimelock := e.RefundTimelock
		if refundTimelock == 0 {
			refundTimelock = daemon.DefaultCetRelativeTimelock + 144
		}
		cetTimelock := e.CetRelativeTimelock
		if cetTimelock == 0 {
			cetTimelock = daemon.DefaultCetRelativeTimelock
		}
		nPayouts := e.NPayouts
		if nPayouts == 0 {
			nPayouts = daemon.DefaultNPayouts
		}

		offers = append(offers, offer.Offer{
			OfferId:             cfd.NewOfferId(),
			Symbol:              cfd.ContractSymbol(e.Symbol),
			MakerPosition:       pos,
			PriceRaw:            cfd.NewPrice(e.Price).Raw(),
			MinQuantity:         cfd.Usd(e.MinQuantity),
			MaxQuantity:         cfd.Usd(e.MaxQuantity),
			LeverageOptions:     leverages,
			RefundTimelock:      refundTimelock,
			CetRelativeTimelock: cetTimelock,
			NPayouts:            nPayouts,
			FundingRate:         cfd.FundingRate(e.FundingRate),
			CreatedAt:           now,
		})
	}

	book.Update(ctx, offers...)
	log.Infof("loaded %d offers from %s", len(offers), filepath.Join(dataDir, "offers.json"))
	return nil
}

// runWithdraw dispatches the withdraw subcommand against a freshly
// bootstrapped (but otherwise idle) set of daemon deps, mirroring
// cmd/lncli/main.go's urfave/cli.App pattern: one flat command with
// --address/--amount flags and a single Action.
func runWithdraw(cfg *config.Config, args []string) error {
	app := cli.NewApp()
	app.Name = "makerd withdraw"
	app.Usage = "send an on-chain payment from the maker's wallet"
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

	return app.Run(append([]string{"makerd withdraw"}, args...))
}
