package indexer

import (
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"

	"onchainflip/apps/coord/internal/bets"
	"onchainflip/apps/coord/internal/notify"
	"onchainflip/apps/coord/internal/store"
)

// TreasuryEntry records one commission payment into the treasury ledger.
type TreasuryEntry struct {
	TxHash string      `json:"txHash"`
	Amount sdkmath.Int `json:"amount"`
	Time   time.Time   `json:"time"`
}

func (ix *Indexer) project(ev BetEvent) error {
	switch ev.Type {
	case EventBetCreated:
		return ix.projectCreated(ev)
	case EventBetAccepted:
		return ix.projectAccepted(ev)
	case EventBetRevealed:
		return ix.projectSettled(ev, bets.StatusRevealed, notify.KindBetRevealed)
	case EventBetCanceled:
		return ix.projectCanceled(ev)
	case EventBetTimeoutClaimed:
		return ix.projectSettled(ev, bets.StatusTimeoutClaimed, notify.KindTimeoutClaimed)
	case EventCommissionPaid:
		return ix.projectCommission(ev)
	}
	return nil
}

// projectCreated resolves the chain-assigned id for a locally tracked
// submission: adopt the pending row keyed by tx hash, or rewrite a
// placeholder-id row matched by commitment.
func (ix *Indexer) projectCreated(ev BetEvent) error {
	id, err := attrU64(ev, "bet_id")
	if err != nil {
		return err
	}

	b, err := ix.machine.AdoptPending(ev.TxHash, id)
	if err != nil {
		return err
	}
	if b == nil {
		if commitment, ok := ev.Attrs["commitment"]; ok {
			b, err = ix.rewriteByCommitment(commitment, id)
			if err != nil {
				return err
			}
		}
	}
	if b == nil {
		// Not ours: created outside this coordinator (or already adopted).
		ix.logger.Debug("unmatched bet_created", "bet_id", id, "tx_hash", ev.TxHash)
		return nil
	}

	ix.bus.PublishTo(b.Maker, notify.KindBetCreated, map[string]any{
		"bet_id": b.ID, "amount": b.Amount.String(),
	})
	return nil
}

func (ix *Indexer) rewriteByCommitment(commitment string, newID uint64) (*bets.Bet, error) {
	rows, err := ix.machine.NonTerminal()
	if err != nil {
		return nil, err
	}
	for _, b := range rows {
		if bets.IsPlaceholderID(b.ID) && b.Commitment == commitment {
			return ix.machine.RewriteID(b.ID, newID)
		}
	}
	return nil, nil
}

func (ix *Indexer) projectAccepted(ev BetEvent) error {
	id, err := attrU64(ev, "bet_id")
	if err != nil {
		return err
	}
	b, err := ix.machine.Accept(id, ev.Attrs["acceptor"], ev.Attrs["guess"], ev.TxHash)
	if err != nil {
		return err
	}
	if b == nil {
		return nil // already past open/accepting; a duplicate or stale event
	}
	ix.bus.Publish(notify.Event{Kind: notify.KindBetAccepted, Payload: map[string]any{
		"bet_id": b.ID, "maker": b.Maker, "acceptor": b.Acceptor,
	}, Time: ix.now()})
	return nil
}

func (ix *Indexer) projectSettled(ev BetEvent, status bets.Status, kind string) error {
	id, err := attrU64(ev, "bet_id")
	if err != nil {
		return err
	}
	b, err := ix.machine.Resolve(id, bets.ResolveArgs{
		Winner:     ev.Attrs["winner"],
		Payout:     attrInt(ev, "payout_amount"),
		Commission: attrInt(ev, "commission_amount"),
		TxHash:     ev.TxHash,
		Status:     status,
	})
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}

	ix.unlockSides(b)
	if ix.OnSettled != nil {
		ix.OnSettled(b)
	}

	payload := map[string]any{
		"bet_id": b.ID, "winner": b.Winner, "payout": b.Payout.String(),
	}
	ix.bus.PublishTo(b.Maker, kind, payload)
	if b.Acceptor != "" {
		ix.bus.PublishTo(b.Acceptor, kind, payload)
	}
	return nil
}

func (ix *Indexer) projectCanceled(ev BetEvent) error {
	id, err := attrU64(ev, "bet_id")
	if err != nil {
		return err
	}
	b, err := ix.machine.Cancel(id, ev.TxHash)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}

	ix.unlockSides(b)
	ix.bus.PublishTo(b.Maker, notify.KindBetCanceled, map[string]any{"bet_id": b.ID})
	return nil
}

func (ix *Indexer) projectCommission(ev BetEvent) error {
	return ix.st.Set(store.TreasuryKey(ev.TxHash), TreasuryEntry{
		TxHash: ev.TxHash,
		Amount: attrInt(ev, "commission_amount"),
		Time:   ix.now(),
	})
}

// unlockSides releases the stake both parties had locked in the mirror. The
// settlement itself lives on the chain; here only the reservations come off.
func (ix *Indexer) unlockSides(b *bets.Bet) {
	if err := ix.vault.Unlock(b.Maker, b.Amount); err != nil {
		ix.logger.Error("maker unlock failed", "bet_id", b.ID, "maker", b.Maker, "error", err)
	}
	if b.Acceptor != "" {
		if err := ix.vault.Unlock(b.Acceptor, b.Amount); err != nil {
			ix.logger.Error("acceptor unlock failed", "bet_id", b.ID, "acceptor", b.Acceptor, "error", err)
		}
	}
}

func attrU64(ev BetEvent, key string) (uint64, error) {
	raw, ok := ev.Attrs[key]
	if !ok {
		return 0, ErrBadEvent.Wrapf("%s: missing %s", ev.Type, key)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, ErrBadEvent.Wrapf("%s: bad %s %q", ev.Type, key, raw)
	}
	return v, nil
}

// attrInt parses an optional amount attribute; absent or malformed values
// come back as zero.
func attrInt(ev BetEvent, key string) sdkmath.Int {
	raw, ok := ev.Attrs[key]
	if !ok {
		return sdkmath.ZeroInt()
	}
	v, ok := sdkmath.NewIntFromString(raw)
	if !ok {
		return sdkmath.ZeroInt()
	}
	return v
}
