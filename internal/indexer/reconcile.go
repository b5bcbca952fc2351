package indexer

import (
	"context"

	"onchainflip/apps/coord/internal/bets"
	"onchainflip/apps/coord/internal/notify"
)

// contractBet is the contract's view of one bet.
type contractBet struct {
	BetID      uint64 `json:"bet_id"`
	Maker      string `json:"maker"`
	Acceptor   string `json:"acceptor"`
	Status     string `json:"status"`
	Winner     string `json:"winner"`
	Amount     string `json:"amount"`
	Payout     string `json:"payout_amount"`
	Commission string `json:"commission_amount"`
	Commitment string `json:"commitment"`
}

type openBetsResponse struct {
	Bets []contractBet `json:"bets"`
}

// Reconcile sweeps every non-terminal bet against authoritative contract
// state. It runs once at startup; drift accumulated while the process was
// down is repaired here, and this is the only caller of forced status
// updates.
func (ix *Indexer) Reconcile(ctx context.Context) error {
	rows, err := ix.machine.NonTerminal()
	if err != nil {
		return err
	}
	pending, err := ix.machine.ListPending()
	if err != nil {
		return err
	}
	if len(rows) == 0 && len(pending) == 0 {
		return nil
	}
	ix.logger.Info("reconciling mirror state", "bets", len(rows), "pending_creates", len(pending))

	var open []contractBet
	loadOpen := func() []contractBet {
		if open != nil {
			return open
		}
		var resp openBetsResponse
		if err := ix.chainReader.SmartQuery(ctx, ix.contract, map[string]any{
			"open_bets": map[string]any{"limit": 200},
		}, &resp); err != nil {
			ix.logger.Warn("open_bets query failed", "error", err)
		}
		open = resp.Bets
		if open == nil {
			open = []contractBet{}
		}
		return open
	}

	for _, b := range rows {
		if bets.IsPlaceholderID(b.ID) {
			ix.reconcileOrphan(b, loadOpen())
			continue
		}
		ix.reconcileBet(ctx, b)
	}
	for _, p := range pending {
		ix.reconcilePending(p, loadOpen())
	}
	return nil
}

// reconcilePending resolves create submissions whose confirmation task died
// with the process, matching the tracked commitment against the contract's
// open-bet listing.
func (ix *Indexer) reconcilePending(p *bets.PendingBet, open []contractBet) {
	for _, cb := range open {
		if cb.Commitment == p.Commitment {
			if _, err := ix.machine.AdoptPending(p.TxHash, cb.BetID); err != nil {
				ix.logger.Error("pending adoption failed", "tx_hash", p.TxHash, "bet_id", cb.BetID, "error", err)
			}
			return
		}
	}

	switch ix.orphanPolicy {
	case OrphanCancel:
		if err := ix.machine.DeletePending(p.TxHash); err != nil {
			ix.logger.Error("pending delete failed", "tx_hash", p.TxHash, "error", err)
			return
		}
		if err := ix.vault.Unlock(p.Maker, p.Amount); err != nil {
			ix.logger.Error("pending unlock failed", "maker", p.Maker, "error", err)
		}
		ix.bus.PublishTo(p.Maker, notify.KindCreateFailed, map[string]any{"tx_hash": p.TxHash})
	default:
		// The create may have landed and already been accepted; keep the row
		// and let the event path or an operator resolve it.
		ix.logger.Warn("pending create held for operator review",
			"tx_hash", p.TxHash, "maker", p.Maker, "commitment", p.Commitment)
	}
}

// reconcileOrphan re-identifies a row whose chain id was never resolved by
// matching its commitment against the contract's open-bet listing.
func (ix *Indexer) reconcileOrphan(b *bets.Bet, open []contractBet) {
	for _, cb := range open {
		if cb.Commitment == b.Commitment {
			if _, err := ix.machine.RewriteID(b.ID, cb.BetID); err != nil {
				ix.logger.Error("orphan id rewrite failed", "old_id", b.ID, "new_id", cb.BetID, "error", err)
			}
			return
		}
	}

	switch ix.orphanPolicy {
	case OrphanCancel:
		if _, err := ix.machine.UpdateStatus(b.ID, bets.StatusCanceled, true); err != nil {
			ix.logger.Error("orphan cancel failed", "bet_id", b.ID, "error", err)
			return
		}
		ix.unlockSides(b)
		ix.bus.PublishTo(b.Maker, notify.KindBetCanceled, map[string]any{"bet_id": b.ID})
	default:
		// A late reveal can still arrive through the event path; keep the
		// row and let an operator decide.
		ix.logger.Warn("orphan bet held for operator review",
			"bet_id", b.ID, "maker", b.Maker, "commitment", b.Commitment)
	}
}

func (ix *Indexer) reconcileBet(ctx context.Context, b *bets.Bet) {
	var cb contractBet
	if err := ix.chainReader.SmartQuery(ctx, ix.contract, map[string]any{
		"bet": map[string]any{"bet_id": b.ID},
	}, &cb); err != nil {
		ix.logger.Warn("bet query failed during reconciliation", "bet_id", b.ID, "error", err)
		return
	}

	chainStatus := bets.Status(cb.Status)
	if chainStatus == b.Status {
		if _, err := ix.machine.FillFromChain(b.ID, cb.Acceptor, cb.Winner); err != nil {
			ix.logger.Error("field fill failed", "bet_id", b.ID, "error", err)
		}
		return
	}

	switch chainStatus {
	case bets.StatusAccepted:
		// Funds on both sides stay locked pending reveal.
		if _, err := ix.machine.UpdateStatus(b.ID, bets.StatusAccepted, true); err != nil {
			ix.logger.Error("forced accept failed", "bet_id", b.ID, "error", err)
			return
		}
		if _, err := ix.machine.FillFromChain(b.ID, cb.Acceptor, ""); err != nil {
			ix.logger.Error("field fill failed", "bet_id", b.ID, "error", err)
		}

	case bets.StatusRevealed, bets.StatusTimeoutClaimed:
		row, err := ix.machine.UpdateStatus(b.ID, chainStatus, true)
		if err != nil {
			ix.logger.Error("forced settle failed", "bet_id", b.ID, "error", err)
			return
		}
		if _, err := ix.machine.FillFromChain(b.ID, cb.Acceptor, cb.Winner); err != nil {
			ix.logger.Error("field fill failed", "bet_id", b.ID, "error", err)
		}
		ix.unlockSides(row)
		if ix.OnSettled != nil {
			row.Winner = cb.Winner
			ix.OnSettled(row)
		}

	case bets.StatusCanceled:
		if _, err := ix.machine.UpdateStatus(b.ID, bets.StatusCanceled, true); err != nil {
			ix.logger.Error("forced cancel failed", "bet_id", b.ID, "error", err)
			return
		}
		ix.unlockSides(b)

	case bets.StatusOpen:
		// Our optimistic accept never landed; put the row back and release
		// the acceptor's reservation.
		if b.Status == bets.StatusAccepting {
			acceptor := b.Acceptor
			if _, err := ix.machine.RevertAccepting(b.ID); err != nil {
				ix.logger.Error("accepting revert failed", "bet_id", b.ID, "error", err)
				return
			}
			if acceptor != "" {
				if err := ix.vault.Unlock(acceptor, b.Amount); err != nil {
					ix.logger.Error("acceptor unlock failed", "bet_id", b.ID, "error", err)
				}
			}
		}
		if b.Status == bets.StatusCanceling {
			if _, err := ix.machine.RevertCanceling(b.ID); err != nil {
				ix.logger.Error("canceling revert failed", "bet_id", b.ID, "error", err)
			}
		}

	default:
		ix.logger.Warn("unknown chain status", "bet_id", b.ID, "status", cb.Status)
	}
}
