package game

import (
	"context"
	"strconv"
	"time"

	sdkmath "cosmossdk.io/math"

	"onchainflip/apps/coord/internal/bets"
	"onchainflip/apps/coord/internal/chain"
	"onchainflip/apps/coord/internal/indexer"
	"onchainflip/apps/coord/internal/notify"
)

// pollTx polls until the tx is indexed or the window runs out. found is false
// when the window closed first.
func (s *Service) pollTx(txHash string) (chain.TxResult, bool) {
	deadline := s.now().Add(s.cfg.ConfirmWindow)
	for {
		res, err := s.querier.QueryTx(context.Background(), txHash)
		if err != nil {
			s.logger.Warn("tx poll failed", "tx_hash", txHash, "error", err)
		} else if res.Found {
			return res, true
		}
		if !s.now().Before(deadline) {
			return chain.TxResult{}, false
		}
		s.sleep(s.cfg.PollInterval)
	}
}

// confirmCreate resolves a create submission. On success it adopts the
// chain-assigned id from the tx events (the indexer path also does this, so
// either may win); on rejection it unwinds the lock and the pending row.
func (s *Service) confirmCreate(txHash, maker string, amount sdkmath.Int, lockID int64) {
	res, found := s.pollTx(txHash)
	if !found {
		s.logger.Warn("create confirmation window exhausted", "tx_hash", txHash, "maker", maker)
		// Promote the submission to a placeholder row; reconciliation and
		// the event path re-identify it by commitment.
		if _, err := s.machine.MaterializePending(txHash); err != nil {
			s.logger.Error("pending materialize failed", "tx_hash", txHash, "error", err)
		}
		return
	}

	if res.Code != 0 {
		s.vault.PendingLocks().Remove(lockID)
		if err := s.machine.DeletePending(txHash); err != nil {
			s.logger.Error("pending delete failed", "tx_hash", txHash, "error", err)
		}
		if err := s.vault.Unlock(maker, amount); err != nil {
			s.logger.Error("create failure unlock failed", "maker", maker, "error", err)
		}
		s.bus.PublishTo(maker, notify.KindCreateFailed, map[string]any{
			"tx_hash": txHash, "raw_log": res.RawLog,
		})
		return
	}

	for _, ev := range indexer.ExtractEvents(res, s.cfg.Contract) {
		if ev.Type != indexer.EventBetCreated {
			continue
		}
		if id, err := parseBetID(ev.Attrs); err == nil {
			if _, err := s.machine.AdoptPending(txHash, id); err != nil {
				s.logger.Error("pending adoption failed", "tx_hash", txHash, "bet_id", id, "error", err)
			}
		}
		break
	}
	s.vault.PendingLocks().RemoveDelayed(lockID, s.cfg.PendingRemoveDelay)
}

// confirmAccept defers the status flip to the indexer; its only jobs are the
// failure unwind and the delayed pending-lock removal that lets the chain
// REST catch up.
func (s *Service) confirmAccept(betID uint64, acceptor string, amount sdkmath.Int, txHash string, lockID int64) {
	res, found := s.pollTx(txHash)
	if !found {
		s.logger.Warn("accept confirmation window exhausted", "bet_id", betID, "tx_hash", txHash)
		return
	}

	if res.Code != 0 {
		s.revertAccept(betID, acceptor, amount, lockID)
		s.bus.PublishTo(acceptor, notify.KindAcceptFailed, map[string]any{
			"bet_id": betID, "raw_log": res.RawLog,
		})
		return
	}
	s.vault.PendingLocks().RemoveDelayed(lockID, s.cfg.PendingRemoveDelay)
}

func (s *Service) confirmCancel(betID uint64, maker string, amount sdkmath.Int, txHash string) {
	res, found := s.pollTx(txHash)
	if !found {
		s.logger.Warn("cancel confirmation window exhausted", "bet_id", betID, "tx_hash", txHash)
		return
	}

	if res.Code != 0 {
		if containsAlreadyCanceled(res.RawLog) {
			if _, err := s.machine.Cancel(betID, txHash); err != nil {
				s.logger.Error("local cancel failed", "bet_id", betID, "error", err)
			}
			if err := s.vault.Unlock(maker, amount); err != nil {
				s.logger.Error("cancel unlock failed", "maker", maker, "error", err)
			}
			return
		}
		s.revertCancel(betID, maker)
	}
	// Code 0: the indexer projects bet_canceled and releases the lock.
}

// RunRecovery periodically reconciles bets stuck in a transitional status
// longer than the configured age, using only table-legal transitions.
func (s *Service) RunRecovery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recoverStuck(ctx)
		}
	}
}

func (s *Service) recoverStuck(ctx context.Context) {
	rows, err := s.machine.StuckTransitional(s.cfg.StuckAge)
	if err != nil {
		s.logger.Error("stuck query failed", "error", err)
		return
	}
	for _, b := range rows {
		s.recoverBet(ctx, b)
	}
}

func (s *Service) recoverBet(ctx context.Context, b *bets.Bet) {
	var cb struct {
		Status   string `json:"status"`
		Acceptor string `json:"acceptor"`
		Winner   string `json:"winner"`
	}
	if err := s.querier.SmartQuery(ctx, s.cfg.Contract, map[string]any{
		"bet": map[string]any{"bet_id": b.ID},
	}, &cb); err != nil {
		s.logger.Warn("recovery bet query failed", "bet_id", b.ID, "error", err)
		return
	}

	switch bets.Status(cb.Status) {
	case bets.StatusAccepted:
		if _, err := s.machine.Accept(b.ID, cb.Acceptor, "", ""); err != nil {
			s.logger.Error("recovery accept failed", "bet_id", b.ID, "error", err)
		}

	case bets.StatusOpen:
		switch b.Status {
		case bets.StatusAccepting:
			acceptor := b.Acceptor
			if row, err := s.machine.RevertAccepting(b.ID); err != nil {
				s.logger.Error("recovery revert failed", "bet_id", b.ID, "error", err)
			} else if row != nil && acceptor != "" {
				if err := s.vault.Unlock(acceptor, b.Amount); err != nil {
					s.logger.Error("recovery unlock failed", "acceptor", acceptor, "error", err)
				}
			}
		case bets.StatusCanceling:
			if _, err := s.machine.RevertCanceling(b.ID); err != nil {
				s.logger.Error("recovery revert failed", "bet_id", b.ID, "error", err)
			}
		}

	case bets.StatusCanceled:
		if row, err := s.machine.Cancel(b.ID, ""); err != nil {
			s.logger.Error("recovery cancel failed", "bet_id", b.ID, "error", err)
		} else if row != nil {
			if err := s.vault.Unlock(b.Maker, b.Amount); err != nil {
				s.logger.Error("recovery unlock failed", "maker", b.Maker, "error", err)
			}
		}

	case bets.StatusRevealed, bets.StatusTimeoutClaimed:
		if row, err := s.machine.Resolve(b.ID, bets.ResolveArgs{
			Winner: cb.Winner,
			Status: bets.Status(cb.Status),
		}); err != nil {
			s.logger.Error("recovery resolve failed", "bet_id", b.ID, "error", err)
		} else if row != nil {
			if err := s.vault.Unlock(row.Maker, row.Amount); err != nil {
				s.logger.Error("recovery unlock failed", "maker", row.Maker, "error", err)
			}
			if row.Acceptor != "" {
				if err := s.vault.Unlock(row.Acceptor, row.Amount); err != nil {
					s.logger.Error("recovery unlock failed", "acceptor", row.Acceptor, "error", err)
				}
			}
		}
	}
}

func parseBetID(attrs map[string]string) (uint64, error) {
	raw, ok := attrs["bet_id"]
	if !ok {
		return 0, ErrBetNotFound.Wrap("missing bet_id attribute")
	}
	return strconv.ParseUint(raw, 10, 64)
}
