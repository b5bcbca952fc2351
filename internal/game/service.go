package game

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"

	"onchainflip/apps/coord/internal/bets"
	"onchainflip/apps/coord/internal/chain"
	"onchainflip/apps/coord/internal/notify"
	"onchainflip/apps/coord/internal/relayer"
	"onchainflip/apps/coord/internal/vault"
)

// TxRelayer is the relay slice the service depends on.
type TxRelayer interface {
	Relay(ctx context.Context, action relayer.Action, onBehalfOf string, payload []byte, opts relayer.Options) relayer.Result
}

// ChainQuerier is the read slice of the chain client used by the service and
// its background tasks.
type ChainQuerier interface {
	QueryTx(ctx context.Context, hash string) (chain.TxResult, error)
	SmartQuery(ctx context.Context, contract string, query any, out any) error
}

// Config for the game service.
type Config struct {
	Contract string
	// TokenContract is the cw20 token backing the vault; when set, balance
	// reports include the user's wallet holdings alongside vault funds.
	TokenContract string
	MinBet        sdkmath.Int
	MaxOpenBets   int

	GameGuardWindow  time.Duration
	VaultGuardWindow time.Duration

	PollInterval       time.Duration
	ConfirmWindow      time.Duration
	PendingRemoveDelay time.Duration
	StuckAge           time.Duration

	// TreasuryAddr pays fees for relayed transactions when set.
	TreasuryAddr string
}

func (c *Config) applyDefaults() {
	if c.GameGuardWindow <= 0 {
		c.GameGuardWindow = time.Second
	}
	if c.VaultGuardWindow <= 0 {
		c.VaultGuardWindow = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ConfirmWindow <= 0 {
		c.ConfirmWindow = 60 * time.Second
	}
	if c.PendingRemoveDelay <= 0 {
		c.PendingRemoveDelay = 5 * time.Second
	}
	if c.StuckAge <= 0 {
		c.StuckAge = 2 * time.Minute
	}
	if c.MinBet.IsNil() {
		c.MinBet = sdkmath.OneInt()
	}
	if c.MaxOpenBets <= 0 {
		c.MaxOpenBets = 5
	}
}

// Service implements the player-facing operations. Every operation is
// optimistic: local funds move first, the chain tx follows, and a background
// task or the indexer closes the loop. Each handler rolls back exactly what
// it began.
type Service struct {
	machine *bets.Machine
	vault   *vault.Vault
	relay   TxRelayer
	querier ChainQuerier
	bus     *notify.Bus
	logger  log.Logger
	cfg     Config

	gameGuard  *relayer.Guard
	vaultGuard *relayer.Guard

	spawn    func(fn func())
	sleep    func(d time.Duration)
	now      func() time.Time
	readRand func(b []byte) (int, error)
}

func NewService(m *bets.Machine, v *vault.Vault, r TxRelayer, q ChainQuerier, bus *notify.Bus, cfg Config, logger log.Logger) *Service {
	cfg.applyDefaults()
	s := &Service{
		machine:    m,
		vault:      v,
		relay:      r,
		querier:    q,
		bus:        bus,
		logger:     logger.With("module", "game"),
		cfg:        cfg,
		gameGuard:  relayer.NewGuard(cfg.GameGuardWindow),
		vaultGuard: relayer.NewGuard(cfg.VaultGuardWindow),
		spawn:      func(fn func()) { go fn() },
		sleep:      time.Sleep,
		now:        time.Now,
		readRand:   readRand,
	}
	v.SetPendingBetsFn(m.CountPendingByUser)
	return s
}

// CreateResult is returned from the accepted-for-processing path.
type CreateResult struct {
	TxHash  string       `json:"tx_hash"`
	Status  string       `json:"status"`
	Balance vault.Report `json:"balance"`
}

// CreateBet locks the stake, relays the create, and hands confirmation to a
// background task. The chain assigns the bet id; until the task or the
// indexer resolves it, the submission is tracked by tx hash only.
func (s *Service) CreateBet(ctx context.Context, maker string, amount sdkmath.Int, side string) (*CreateResult, error) {
	if err := s.gameGuard.Begin(maker); err != nil {
		return nil, err
	}

	if amount.IsNil() || amount.LT(s.cfg.MinBet) {
		s.gameGuard.End(maker)
		return nil, ErrInvalidAmount.Wrapf("minimum bet is %s", s.cfg.MinBet)
	}
	if err := s.checkOpenBetCap(maker); err != nil {
		s.gameGuard.End(maker)
		return nil, err
	}

	// Pulls the chain balance into the mirror when no pending work holds it.
	if report, err := s.currentBalance(ctx, maker); err != nil {
		s.gameGuard.End(maker)
		return nil, err
	} else if report.Available.LT(amount) {
		s.gameGuard.End(maker)
		return nil, ErrInsufficientBalance.Wrapf("available %s", report.Available)
	}

	ok, err := s.vault.Lock(maker, amount)
	if err != nil {
		s.gameGuard.End(maker)
		return nil, err
	}
	if !ok {
		s.gameGuard.End(maker)
		return nil, ErrInsufficientBalance.Wrapf("amount %s", amount)
	}
	lockID := s.vault.PendingLocks().Add(maker, amount)

	rollback := func() {
		s.vault.PendingLocks().Remove(lockID)
		if err := s.vault.Unlock(maker, amount); err != nil {
			s.logger.Error("create rollback unlock failed", "maker", maker, "error", err)
		}
		s.gameGuard.End(maker)
	}

	commit, err := newCommitment(side, s.readRand)
	if err != nil {
		rollback()
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"create_bet": map[string]any{"commitment": commit.Hash, "amount": amount.String()},
	})
	if err != nil {
		rollback()
		return nil, err
	}

	res := s.relay.Relay(ctx, relayer.ActionCreateBet, maker, payload, s.relayOpts())
	if !res.Success {
		rollback()
		return nil, ErrChainTxFailed.Wrapf("%v", res.Err)
	}

	if err := s.machine.TrackPending(bets.PendingBet{
		TxHash:      res.TxHash,
		Maker:       maker,
		Amount:      amount,
		Commitment:  commit.Hash,
		MakerSide:   commit.Side,
		MakerSecret: commit.Secret,
	}); err != nil {
		s.logger.Error("pending track failed", "tx_hash", res.TxHash, "error", err)
	}

	s.spawn(func() { s.confirmCreate(res.TxHash, maker, amount, lockID) })

	report, err := s.currentBalance(ctx, maker)
	if err != nil {
		s.logger.Warn("balance report failed after create", "maker", maker, "error", err)
	}
	return &CreateResult{TxHash: res.TxHash, Status: "confirming", Balance: report}, nil
}

// AcceptBet claims an open bet for acceptor. The conditional mark_accepting
// write is the arbiter among concurrent acceptors: exactly one wins, the
// rest roll back their reservations and get a race-lost error.
func (s *Service) AcceptBet(ctx context.Context, acceptor string, betID uint64, guess string) (*CreateResult, error) {
	if err := s.gameGuard.Begin(acceptor); err != nil {
		return nil, err
	}

	b, err := s.loadForAccept(acceptor, betID)
	if err != nil {
		s.gameGuard.End(acceptor)
		return nil, err
	}

	if report, err := s.currentBalance(ctx, acceptor); err != nil {
		s.gameGuard.End(acceptor)
		return nil, err
	} else if report.Available.LT(b.Amount) {
		s.gameGuard.End(acceptor)
		return nil, ErrInsufficientBalance.Wrapf("available %s", report.Available)
	}

	ok, err := s.vault.Lock(acceptor, b.Amount)
	if err != nil {
		s.gameGuard.End(acceptor)
		return nil, err
	}
	if !ok {
		s.gameGuard.End(acceptor)
		return nil, ErrInsufficientBalance.Wrapf("amount %s", b.Amount)
	}
	lockID := s.vault.PendingLocks().Add(acceptor, b.Amount)

	rollback := func() {
		s.vault.PendingLocks().Remove(lockID)
		if err := s.vault.Unlock(acceptor, b.Amount); err != nil {
			s.logger.Error("accept rollback unlock failed", "acceptor", acceptor, "error", err)
		}
		s.gameGuard.End(acceptor)
	}

	row, err := s.machine.MarkAccepting(betID, acceptor, guess)
	if err != nil {
		rollback()
		return nil, err
	}
	if row == nil {
		rollback()
		return nil, ErrBetAlreadyClaimed.Wrapf("bet %d", betID)
	}

	s.bus.Publish(notify.Event{Kind: notify.KindBetAccepting, Payload: map[string]any{
		"bet_id": betID, "acceptor": acceptor,
	}, Time: s.now()})

	payload, err := json.Marshal(map[string]any{
		"accept_bet": map[string]any{"bet_id": betID, "guess": guess},
	})
	if err != nil {
		s.revertAccept(betID, acceptor, b.Amount, lockID)
		return nil, err
	}

	res := s.relay.Relay(ctx, relayer.ActionAcceptBet, acceptor, payload, s.relayOpts())
	if !res.Success {
		s.revertAccept(betID, acceptor, b.Amount, lockID)
		return nil, ErrChainTxFailed.Wrapf("%v", res.Err)
	}

	if _, err := s.machine.SetAcceptTxHash(betID, res.TxHash); err != nil {
		s.logger.Error("accept tx hash write failed", "bet_id", betID, "error", err)
	}
	s.spawn(func() { s.confirmAccept(betID, acceptor, b.Amount, res.TxHash, lockID) })

	report, err := s.currentBalance(ctx, acceptor)
	if err != nil {
		s.logger.Warn("balance report failed after accept", "acceptor", acceptor, "error", err)
	}
	return &CreateResult{TxHash: res.TxHash, Status: "confirming", Balance: report}, nil
}

func (s *Service) loadForAccept(acceptor string, betID uint64) (*bets.Bet, error) {
	b, err := s.machine.Get(betID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBetNotFound.Wrapf("bet %d", betID)
	}
	if b.Maker == acceptor {
		return nil, ErrSelfAccept.Wrapf("bet %d", betID)
	}
	switch b.Status {
	case bets.StatusOpen:
		return b, nil
	case bets.StatusCanceled, bets.StatusCanceling:
		return nil, ErrBetCanceled.Wrapf("bet %d", betID)
	default:
		return nil, ErrBetAlreadyClaimed.Wrapf("bet %d is %s", betID, b.Status)
	}
}

func (s *Service) revertAccept(betID uint64, acceptor string, amount sdkmath.Int, lockID int64) {
	s.vault.PendingLocks().Remove(lockID)
	if _, err := s.machine.RevertAccepting(betID); err != nil {
		s.logger.Error("accept revert failed", "bet_id", betID, "error", err)
	}
	if err := s.vault.Unlock(acceptor, amount); err != nil {
		s.logger.Error("accept revert unlock failed", "acceptor", acceptor, "error", err)
	}
	s.gameGuard.End(acceptor)
	s.bus.PublishTo(acceptor, notify.KindAcceptReverted, map[string]any{"bet_id": betID})
}

// CancelBet withdraws the maker's own open bet.
func (s *Service) CancelBet(ctx context.Context, maker string, betID uint64) (*CreateResult, error) {
	if err := s.gameGuard.Begin(maker); err != nil {
		return nil, err
	}

	b, err := s.machine.Get(betID)
	if err != nil {
		s.gameGuard.End(maker)
		return nil, err
	}
	if b == nil {
		s.gameGuard.End(maker)
		return nil, ErrBetNotFound.Wrapf("bet %d", betID)
	}
	if b.Maker != maker {
		s.gameGuard.End(maker)
		return nil, ErrNotYourBet.Wrapf("bet %d", betID)
	}
	if b.Status == bets.StatusCanceled {
		s.gameGuard.End(maker)
		return &CreateResult{Status: "canceled"}, nil
	}

	row, err := s.machine.MarkCanceling(betID)
	if err != nil {
		s.gameGuard.End(maker)
		return nil, err
	}
	if row == nil {
		s.gameGuard.End(maker)
		return nil, ErrWrongState.Wrapf("bet %d is %s", betID, b.Status)
	}

	payload, err := json.Marshal(map[string]any{
		"cancel_bet": map[string]any{"bet_id": betID},
	})
	if err != nil {
		s.revertCancel(betID, maker)
		return nil, err
	}

	res := s.relay.Relay(ctx, relayer.ActionCancelBet, maker, payload, s.relayOpts())
	if !res.Success {
		// The chain already considering it canceled is a success for the
		// caller; fold the mirror forward instead of reverting.
		if containsAlreadyCanceled(res.RawLog) {
			if _, err := s.machine.Cancel(betID, ""); err != nil {
				s.logger.Error("local cancel failed", "bet_id", betID, "error", err)
			}
			if err := s.vault.Unlock(maker, b.Amount); err != nil {
				s.logger.Error("cancel unlock failed", "maker", maker, "error", err)
			}
			s.gameGuard.End(maker)
			return &CreateResult{Status: "canceled"}, nil
		}
		s.revertCancel(betID, maker)
		return nil, ErrChainTxFailed.Wrapf("%v", res.Err)
	}

	s.spawn(func() { s.confirmCancel(betID, maker, b.Amount, res.TxHash) })
	return &CreateResult{TxHash: res.TxHash, Status: "confirming"}, nil
}

func (s *Service) revertCancel(betID uint64, maker string) {
	if _, err := s.machine.RevertCanceling(betID); err != nil {
		s.logger.Error("cancel revert failed", "bet_id", betID, "error", err)
	}
	s.gameGuard.End(maker)
	s.bus.PublishTo(maker, notify.KindCancelFailed, map[string]any{"bet_id": betID})
}

// Reveal submits the maker's secret side. The contract is authoritative from
// here; the indexer carries the row to its terminal state.
func (s *Service) Reveal(ctx context.Context, maker string, betID uint64) (*CreateResult, error) {
	if err := s.gameGuard.Begin(maker); err != nil {
		return nil, err
	}
	defer s.gameGuard.End(maker)

	b, err := s.machine.Get(betID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBetNotFound.Wrapf("bet %d", betID)
	}
	if b.Maker != maker {
		return nil, ErrNotYourBet.Wrapf("bet %d", betID)
	}
	if b.Status != bets.StatusAccepted {
		return nil, ErrWrongState.Wrapf("bet %d is %s", betID, b.Status)
	}

	payload, err := json.Marshal(map[string]any{
		"reveal": map[string]any{"bet_id": betID, "side": b.MakerSide, "secret": b.MakerSecret},
	})
	if err != nil {
		return nil, err
	}
	res := s.relay.Relay(ctx, relayer.ActionReveal, maker, payload, s.relayOpts())
	if !res.Success {
		return nil, ErrChainTxFailed.Wrapf("%v", res.Err)
	}
	return &CreateResult{TxHash: res.TxHash, Status: "confirming"}, nil
}

// ClaimTimeout lets the acceptor collect when the maker never reveals.
func (s *Service) ClaimTimeout(ctx context.Context, acceptor string, betID uint64) (*CreateResult, error) {
	if err := s.gameGuard.Begin(acceptor); err != nil {
		return nil, err
	}
	defer s.gameGuard.End(acceptor)

	b, err := s.machine.Get(betID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBetNotFound.Wrapf("bet %d", betID)
	}
	if b.Acceptor != acceptor {
		return nil, ErrNotYourBet.Wrapf("bet %d", betID)
	}
	if b.Status != bets.StatusAccepted {
		return nil, ErrWrongState.Wrapf("bet %d is %s", betID, b.Status)
	}

	payload, err := json.Marshal(map[string]any{
		"claim_timeout": map[string]any{"bet_id": betID},
	})
	if err != nil {
		return nil, err
	}
	res := s.relay.Relay(ctx, relayer.ActionClaimTimeout, acceptor, payload, s.relayOpts())
	if !res.Success {
		return nil, ErrChainTxFailed.Wrapf("%v", res.Err)
	}
	return &CreateResult{TxHash: res.TxHash, Status: "confirming"}, nil
}

// Withdraw moves funds from the contract vault back to the user's wallet.
// Vault actions carry a longer guard window than game actions.
func (s *Service) Withdraw(ctx context.Context, user string, amount sdkmath.Int) (*CreateResult, error) {
	if err := s.vaultGuard.Begin(user); err != nil {
		return nil, err
	}

	if amount.IsNil() || !amount.IsPositive() {
		s.vaultGuard.End(user)
		return nil, ErrInvalidAmount.Wrap("withdraw amount must be positive")
	}
	report, err := s.currentBalance(ctx, user)
	if err != nil {
		s.vaultGuard.End(user)
		return nil, err
	}
	if report.Available.LT(amount) {
		s.vaultGuard.End(user)
		return nil, ErrInsufficientBalance.Wrapf("available %s", report.Available)
	}

	payload, err := json.Marshal(map[string]any{
		"withdraw": map[string]any{"amount": amount.String()},
	})
	if err != nil {
		s.vaultGuard.End(user)
		return nil, err
	}
	res := s.relay.Relay(ctx, relayer.ActionWithdraw, user, payload, s.relayOpts())
	if !res.Success {
		s.vaultGuard.End(user)
		return nil, ErrChainTxFailed.Wrapf("%v", res.Err)
	}
	return &CreateResult{TxHash: res.TxHash, Status: "confirming"}, nil
}

// BalanceInfo is the user-facing balance view.
type BalanceInfo struct {
	Available     sdkmath.Int `json:"available"`
	Locked        sdkmath.Int `json:"locked"`
	Total         sdkmath.Int `json:"total"`
	WalletBalance sdkmath.Int `json:"wallet_balance"`
	PendingBets   int         `json:"pending_bets"`
	OpenBetsCount int         `json:"open_bets_count"`
}

// Balance reports what the user can spend right now: the chain's view minus
// pending locks and off-chain spends, bonus overflow included.
func (s *Service) Balance(ctx context.Context, user string) (*BalanceInfo, error) {
	report, err := s.currentBalance(ctx, user)
	if err != nil {
		return nil, err
	}
	pending, err := s.machine.CountPendingByUser(user)
	if err != nil {
		return nil, err
	}
	open, err := s.machine.CountOpenByUser(user)
	if err != nil {
		return nil, err
	}
	wallet := sdkmath.ZeroInt()
	if s.cfg.TokenContract != "" {
		wallet = s.walletBalance(ctx, user)
	}
	return &BalanceInfo{
		Available:     report.Available,
		Locked:        report.Locked,
		Total:         report.Total,
		WalletBalance: wallet,
		PendingBets:   pending,
		OpenBetsCount: open,
	}, nil
}

// walletBalance reads the user's token holdings outside the vault. A failed
// read degrades to zero rather than failing the whole report.
func (s *Service) walletBalance(ctx context.Context, user string) sdkmath.Int {
	var tb struct {
		Balance string `json:"balance"`
	}
	if err := s.querier.SmartQuery(ctx, s.cfg.TokenContract, map[string]any{
		"balance": map[string]any{"address": user},
	}, &tb); err != nil {
		s.logger.Warn("token balance query failed", "user", user, "error", err)
		return sdkmath.ZeroInt()
	}
	v, ok := sdkmath.NewIntFromString(tb.Balance)
	if !ok {
		return sdkmath.ZeroInt()
	}
	return v
}

type contractBalance struct {
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// currentBalance combines the chain's authoritative vault balance (cached
// ~30 s per address) with the mirror's pending work.
func (s *Service) currentBalance(ctx context.Context, user string) (vault.Report, error) {
	chainAvail, ok := s.vault.CachedChainAvailable(user)
	if !ok {
		var cb contractBalance
		if err := s.querier.SmartQuery(ctx, s.cfg.Contract, map[string]any{
			"vault_balance": map[string]any{"address": user},
		}, &cb); err != nil {
			return vault.Report{}, err
		}
		avail, k := sdkmath.NewIntFromString(cb.Available)
		if !k {
			avail = sdkmath.ZeroInt()
		}
		locked, k := sdkmath.NewIntFromString(cb.Locked)
		if !k {
			locked = sdkmath.ZeroInt()
		}
		if _, err := s.vault.SyncFromChain(user, avail, locked); err != nil {
			return vault.Report{}, err
		}
		s.vault.CacheChainAvailable(user, avail)
		chainAvail = avail
	}
	return s.vault.ReportBalance(user, chainAvail)
}

func (s *Service) checkOpenBetCap(maker string) error {
	open, err := s.machine.CountOpenByUser(maker)
	if err != nil {
		return err
	}
	pending, err := s.machine.CountPendingByUser(maker)
	if err != nil {
		return err
	}
	if open+pending >= s.cfg.MaxOpenBets {
		return ErrTooManyOpenBets.Wrapf("limit %d", s.cfg.MaxOpenBets)
	}
	return nil
}

func (s *Service) relayOpts() relayer.Options {
	return relayer.Options{FeeGranter: s.cfg.TreasuryAddr}
}

func containsAlreadyCanceled(rawLog string) bool {
	return strings.Contains(rawLog, "already canceled") || strings.Contains(rawLog, "bet canceled")
}
