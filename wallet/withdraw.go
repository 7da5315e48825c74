package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/cfdnet/cfdd/process"
)

// withdrawEstimatedFee is the flat fee every withdrawal pays, the same
// fixed-fee approximation NewFundingContribution already uses rather
// than a feerate-based estimator (no fee estimation source is wired;
// see DESIGN.md).
const withdrawEstimatedFee = btcutil.Amount(500)

// Withdraw spends the wallet's coins to destAddr and broadcasts the
// result: with drainAll every spendable coin is swept, the whole
// balance minus the fee going to destAddr; otherwise exactly amount is
// sent and any excess returns as change on a fresh change address.
// Grounded on NewFundingContribution's own input-selection loop and
// SignInput's single-key P2WPKH signing — the only other
// transaction-building path in this wallet besides the DLC protocols,
// backing the withdraw subcommand in cmd/{makerd,takerd}.
func (w *Wallet) Withdraw(ctx context.Context, destAddr btcutil.Address, amount btcutil.Amount, drainAll bool) (*wire.MsgTx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	utxos, err := w.coins.ListUnspent(ctx)
	if err != nil {
		return nil, fmt.Errorf("wallet: list unspent: %w", err)
	}
	if len(utxos) == 0 {
		return nil, fmt.Errorf("wallet: no spendable coins")
	}

	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return nil, fmt.Errorf("wallet: destination script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	var (
		total       btcutil.Amount
		prevScripts [][]byte
		prevAmounts []btcutil.Amount
	)
	addInput := func(u Utxo) {
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: u.OutPoint})
		prevScripts = append(prevScripts, u.PkScript)
		prevAmounts = append(prevAmounts, u.Value)
		total += u.Value
	}

	if drainAll {
		for _, u := range utxos {
			addInput(u)
		}
		if total <= withdrawEstimatedFee {
			return nil, fmt.Errorf("wallet: balance %s too small to withdraw", total)
		}
		tx.AddTxOut(&wire.TxOut{Value: int64(total - withdrawEstimatedFee), PkScript: destScript})
	} else {
		target := amount + withdrawEstimatedFee
		for _, u := range utxos {
			if total >= target {
				break
			}
			addInput(u)
		}
		if total < target {
			return nil, fmt.Errorf("wallet: insufficient funds: have %s, need %s", total, target)
		}
		tx.AddTxOut(&wire.TxOut{Value: int64(amount), PkScript: destScript})

		if change := total - target; change > 0 {
			changeAddr, err := w.coins.NewChangeAddress(ctx)
			if err != nil {
				return nil, fmt.Errorf("wallet: new change address: %w", err)
			}
			changeScript, err := txscript.PayToAddrScript(changeAddr)
			if err != nil {
				return nil, fmt.Errorf("wallet: change script: %w", err)
			}
			tx.AddTxOut(&wire.TxOut{Value: int64(change), PkScript: changeScript})
		}
	}

	for i := range tx.TxIn {
		witness, err := w.SignInput(tx, i, prevScripts[i], prevAmounts[i], w.identity)
		if err != nil {
			return nil, fmt.Errorf("wallet: sign withdraw input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}

	if err := w.chain.TryBroadcastTransaction(ctx, tx, process.TransactionKind("withdraw")); err != nil {
		return nil, fmt.Errorf("wallet: broadcast withdraw tx: %w", err)
	}
	return tx, nil
}
