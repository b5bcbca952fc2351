package bets

import (
	"encoding/json"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"

	"onchainflip/apps/coord/internal/store"
)

// Machine owns the bets table. Every transition is a conditional compare-and-
// set on the current status executed under the commit mutex, so concurrent
// writers race on exactly one arbiter: the first caller to move a row out of
// its prior status wins, later callers get a nil row back.
type Machine struct {
	mu     sync.Mutex
	st     *store.Store
	logger log.Logger
	now    func() time.Time
}

func NewMachine(st *store.Store, logger log.Logger) *Machine {
	return &Machine{
		st:     st,
		logger: logger.With("module", "bets"),
		now:    time.Now,
	}
}

// Get returns the bet row, or nil when absent.
func (m *Machine) Get(id uint64) (*Bet, error) {
	var b Bet
	found, err := m.st.Get(store.BetKey(id), &b)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &b, nil
}

// CreateBet inserts a new row in status open. The id must be chain-assigned
// (or a placeholder produced by PlaceholderID for unresolved creates).
func (m *Machine) CreateBet(b *Bet) (*Bet, error) {
	if b == nil || b.Maker == "" {
		return nil, ErrInvalidBet.Wrap("missing maker")
	}
	if b.Amount.IsNil() || !b.Amount.IsPositive() {
		return nil, ErrInvalidBet.Wrap("amount must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.st.Has(store.BetKey(b.ID))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrBetExists.Wrapf("bet %d", b.ID)
	}

	row := *b
	row.Status = StatusOpen
	if row.Payout.IsNil() {
		row.Payout = sdkmath.ZeroInt()
	}
	if row.Commission.IsNil() {
		row.Commission = sdkmath.ZeroInt()
	}
	if row.CreatedTime.IsZero() {
		row.CreatedTime = m.now()
	}
	row.UpdatedTime = m.now()
	if err := m.st.Set(store.BetKey(row.ID), &row); err != nil {
		return nil, err
	}
	m.logger.Info("bet created", "bet_id", row.ID, "maker", row.Maker, "amount", row.Amount.String())
	return &row, nil
}

// MarkAccepting claims an open bet for acceptor. This is the race-winner
// arbiter among concurrent acceptors: at most one call returns a non-nil row.
func (m *Machine) MarkAccepting(id uint64, acceptor, guess string) (*Bet, error) {
	return m.casUpdate(id, []Status{StatusOpen}, func(b *Bet) {
		b.Status = StatusAccepting
		b.Acceptor = acceptor
		b.AcceptorGuess = guess
	})
}

// RevertAccepting undoes an optimistic accept, clearing acceptor fields.
func (m *Machine) RevertAccepting(id uint64) (*Bet, error) {
	return m.casUpdate(id, []Status{StatusAccepting}, func(b *Bet) {
		b.Status = StatusOpen
		b.Acceptor = ""
		b.AcceptorGuess = ""
		b.TxhashAccept = ""
	})
}

// SetAcceptTxHash records the accept broadcast hash once known.
func (m *Machine) SetAcceptTxHash(id uint64, txHash string) (*Bet, error) {
	return m.casUpdate(id, []Status{StatusAccepting, StatusAccepted}, func(b *Bet) {
		b.TxhashAccept = txHash
	})
}

// Accept finalizes acceptance from an authoritative chain event.
func (m *Machine) Accept(id uint64, acceptor, guess, txHash string) (*Bet, error) {
	return m.casUpdate(id, []Status{StatusOpen, StatusAccepting}, func(b *Bet) {
		b.Status = StatusAccepted
		b.Acceptor = acceptor
		if guess != "" {
			b.AcceptorGuess = guess
		}
		if txHash != "" {
			b.TxhashAccept = txHash
		}
		t := m.now()
		b.AcceptedTime = &t
	})
}

// MarkCanceling claims an open bet for cancellation by its maker.
func (m *Machine) MarkCanceling(id uint64) (*Bet, error) {
	return m.casUpdate(id, []Status{StatusOpen}, func(b *Bet) {
		b.Status = StatusCanceling
	})
}

// RevertCanceling returns a canceling bet to open after a chain rejection.
func (m *Machine) RevertCanceling(id uint64) (*Bet, error) {
	return m.casUpdate(id, []Status{StatusCanceling}, func(b *Bet) {
		b.Status = StatusOpen
	})
}

// Cancel finalizes cancellation.
func (m *Machine) Cancel(id uint64, txHash string) (*Bet, error) {
	return m.casUpdate(id, []Status{StatusOpen, StatusCanceling}, func(b *Bet) {
		b.Status = StatusCanceled
		if txHash != "" {
			b.TxhashResolve = txHash
		}
		t := m.now()
		b.ResolvedTime = &t
	})
}

// ResolveArgs carries the settlement outcome of a bet.
type ResolveArgs struct {
	Winner     string
	Payout     sdkmath.Int
	Commission sdkmath.Int
	TxHash     string
	Status     Status // StatusRevealed or StatusTimeoutClaimed
}

// Resolve settles a bet into revealed or timeout_claimed.
func (m *Machine) Resolve(id uint64, args ResolveArgs) (*Bet, error) {
	if !args.Status.Settled() {
		return nil, ErrInvalidTransition.Wrapf("resolve to %q", args.Status)
	}
	return m.casUpdate(id, []Status{StatusAccepted, StatusAccepting}, func(b *Bet) {
		b.Status = args.Status
		b.Winner = args.Winner
		if !args.Payout.IsNil() {
			b.Payout = args.Payout
		}
		if !args.Commission.IsNil() {
			b.Commission = args.Commission
		}
		if args.TxHash != "" {
			b.TxhashResolve = args.TxHash
		}
		t := m.now()
		b.ResolvedTime = &t
	})
}

// UpdateStatus moves a bet to status, validating against the transition
// table. force bypasses validation; it is reserved for indexer
// reconciliation against authoritative chain state.
func (m *Machine) UpdateStatus(id uint64, status Status, force bool) (*Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBetNotFound.Wrapf("bet %d", id)
	}
	if b.Status == status {
		return b, nil
	}
	if !force && !ValidTransition(b.Status, status) {
		return nil, ErrInvalidTransition.Wrapf("%s -> %s", b.Status, status)
	}
	if force {
		m.logger.Warn("forced status update", "bet_id", id, "from", b.Status, "to", status)
	}
	b.Status = status
	b.UpdatedTime = m.now()
	if status.IsTerminal() && b.ResolvedTime == nil {
		t := m.now()
		b.ResolvedTime = &t
	}
	if err := m.st.Set(store.BetKey(id), b); err != nil {
		return nil, err
	}
	return b, nil
}

// FillFromChain completes acceptor and winner fields discovered during
// reconciliation without touching status. Existing values win.
func (m *Machine) FillFromChain(id uint64, acceptor, winner string) (*Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.Get(id)
	if err != nil || b == nil {
		return b, err
	}
	changed := false
	if acceptor != "" && b.Acceptor == "" {
		b.Acceptor = acceptor
		changed = true
	}
	if winner != "" && b.Winner == "" {
		b.Winner = winner
		changed = true
	}
	if !changed {
		return b, nil
	}
	b.UpdatedTime = m.now()
	if err := m.st.Set(store.BetKey(id), b); err != nil {
		return nil, err
	}
	return b, nil
}

// RewriteID re-keys an orphan row from a local placeholder id to the
// chain-assigned one. Returns nil when the old row is gone or the new id is
// already taken.
func (m *Machine) RewriteID(oldID, newID uint64) (*Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.Get(oldID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	taken, err := m.st.Has(store.BetKey(newID))
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, nil
	}
	b.ID = newID
	if err := m.st.Set(store.BetKey(newID), b); err != nil {
		return nil, err
	}
	if err := m.st.Delete(store.BetKey(oldID)); err != nil {
		return nil, err
	}
	m.logger.Info("bet id rewritten", "old_id", oldID, "new_id", newID)
	return b, nil
}

// casUpdate applies mutate iff the current status is one of want. A nil row
// return means the transition was not applied (row absent or race lost).
func (m *Machine) casUpdate(id uint64, want []Status, mutate func(*Bet)) (*Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	ok := false
	for _, s := range want {
		if b.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return nil, nil
	}
	mutate(b)
	b.UpdatedTime = m.now()
	if err := m.st.Set(store.BetKey(id), b); err != nil {
		return nil, err
	}
	return b, nil
}

func unmarshalRow(bz []byte, out any) error {
	return json.Unmarshal(bz, out)
}

// ---- Pending create submissions ----

// TrackPending records a create submission known only by its tx hash.
func (m *Machine) TrackPending(p PendingBet) error {
	if p.TxHash == "" {
		return ErrInvalidBet.Wrap("missing tx hash")
	}
	if p.CreatedTime.IsZero() {
		p.CreatedTime = m.now()
	}
	return m.st.Set(store.PendingBetKey(p.TxHash), &p)
}

func (m *Machine) GetPending(txHash string) (*PendingBet, error) {
	var p PendingBet
	found, err := m.st.Get(store.PendingBetKey(txHash), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &p, nil
}

func (m *Machine) DeletePending(txHash string) error {
	return m.st.Delete(store.PendingBetKey(txHash))
}

// AdoptPending turns a tracked submission into a real bet row under the
// chain-assigned id and removes the pending row. Idempotent: returns the
// existing row if adoption already happened.
func (m *Machine) AdoptPending(txHash string, betID uint64) (*Bet, error) {
	p, err := m.GetPending(txHash)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return m.Get(betID)
	}

	b, err := m.CreateBet(&Bet{
		ID:           betID,
		Maker:        p.Maker,
		Amount:       p.Amount,
		Commitment:   p.Commitment,
		MakerSide:    p.MakerSide,
		MakerSecret:  p.MakerSecret,
		CreatedTime:  p.CreatedTime,
		TxhashCreate: txHash,
	})
	if err != nil {
		if errorsmod.IsOf(err, ErrBetExists) {
			_ = m.DeletePending(txHash)
			return m.Get(betID)
		}
		return nil, err
	}
	if err := m.DeletePending(txHash); err != nil {
		return nil, err
	}
	return b, nil
}

// MaterializePending converts a tracked submission whose confirmation task is
// gone into an open bet row under a placeholder id, so reconciliation can
// re-identify it by commitment later. Returns nil when the pending row is
// already resolved.
func (m *Machine) MaterializePending(txHash string) (*Bet, error) {
	p, err := m.GetPending(txHash)
	if err != nil || p == nil {
		return nil, err
	}
	b, err := m.CreateBet(&Bet{
		ID:           PlaceholderID(m.now()),
		Maker:        p.Maker,
		Amount:       p.Amount,
		Commitment:   p.Commitment,
		MakerSide:    p.MakerSide,
		MakerSecret:  p.MakerSecret,
		CreatedTime:  p.CreatedTime,
		TxhashCreate: txHash,
	})
	if err != nil {
		return nil, err
	}
	if err := m.DeletePending(txHash); err != nil {
		return nil, err
	}
	m.logger.Info("pending create materialized", "tx_hash", txHash, "placeholder_id", b.ID)
	return b, nil
}

// ListPending returns every tracked create submission.
func (m *Machine) ListPending() ([]*PendingBet, error) {
	var out []*PendingBet
	err := m.st.Iterate(store.PendingBetKeyPrefix, func(_, value []byte) (bool, error) {
		var p PendingBet
		if err := unmarshalRow(value, &p); err != nil {
			return false, err
		}
		out = append(out, &p)
		return false, nil
	})
	return out, err
}

// CountPendingByUser counts unresolved create submissions for maker.
func (m *Machine) CountPendingByUser(maker string) (int, error) {
	n := 0
	err := m.st.Iterate(store.PendingBetKeyPrefix, func(_, value []byte) (bool, error) {
		var p PendingBet
		if err := unmarshalRow(value, &p); err != nil {
			return false, err
		}
		if p.Maker == maker {
			n++
		}
		return false, nil
	})
	return n, err
}

// ---- Queries ----

// ListByStatus returns all bets whose status is in the given set.
func (m *Machine) ListByStatus(statuses ...Status) ([]*Bet, error) {
	set := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	var out []*Bet
	err := m.st.Iterate(store.BetKeyPrefix, func(_, value []byte) (bool, error) {
		var b Bet
		if err := unmarshalRow(value, &b); err != nil {
			return false, err
		}
		if _, ok := set[b.Status]; ok {
			out = append(out, &b)
		}
		return false, nil
	})
	return out, err
}

// NonTerminal returns every bet still in flight.
func (m *Machine) NonTerminal() ([]*Bet, error) {
	var out []*Bet
	err := m.st.Iterate(store.BetKeyPrefix, func(_, value []byte) (bool, error) {
		var b Bet
		if err := unmarshalRow(value, &b); err != nil {
			return false, err
		}
		if !b.Status.IsTerminal() {
			out = append(out, &b)
		}
		return false, nil
	})
	return out, err
}

// CountOpenByUser counts non-terminal bets made by maker.
func (m *Machine) CountOpenByUser(maker string) (int, error) {
	n := 0
	err := m.st.Iterate(store.BetKeyPrefix, func(_, value []byte) (bool, error) {
		var b Bet
		if err := unmarshalRow(value, &b); err != nil {
			return false, err
		}
		if b.Maker == maker && !b.Status.IsTerminal() {
			n++
		}
		return false, nil
	})
	return n, err
}

// SettledCountByUser counts settled bets per participant address.
func (m *Machine) SettledCountByUser() (map[string]int, error) {
	counts := make(map[string]int)
	err := m.st.Iterate(store.BetKeyPrefix, func(_, value []byte) (bool, error) {
		var b Bet
		if err := unmarshalRow(value, &b); err != nil {
			return false, err
		}
		if b.Status.Settled() {
			counts[b.Maker]++
			if b.Acceptor != "" {
				counts[b.Acceptor]++
			}
		}
		return false, nil
	})
	return counts, err
}

// StuckTransitional returns bets sitting in accepting/canceling longer than
// age, as seen from now.
func (m *Machine) StuckTransitional(age time.Duration) ([]*Bet, error) {
	cutoff := m.now().Add(-age)
	var out []*Bet
	err := m.st.Iterate(store.BetKeyPrefix, func(_, value []byte) (bool, error) {
		var b Bet
		if err := unmarshalRow(value, &b); err != nil {
			return false, err
		}
		if b.Status != StatusAccepting && b.Status != StatusCanceling {
			return false, nil
		}
		ts := b.UpdatedTime
		if ts.IsZero() {
			ts = b.CreatedTime
		}
		if ts.Before(cutoff) {
			out = append(out, &b)
		}
		return false, nil
	})
	return out, err
}
