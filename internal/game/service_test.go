package game

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"onchainflip/apps/coord/internal/bets"
	"onchainflip/apps/coord/internal/chain"
	"onchainflip/apps/coord/internal/notify"
	"onchainflip/apps/coord/internal/relayer"
	"onchainflip/apps/coord/internal/store"
	"onchainflip/apps/coord/internal/vault"
)

const svcContract = "cosmos1contractxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"

type fakeRelayer struct {
	mu      sync.Mutex
	nextErr error
	rawLog  string
	calls   int
	actions []relayer.Action
}

func (f *fakeRelayer) Relay(_ context.Context, action relayer.Action, _ string, _ []byte, _ relayer.Options) relayer.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.actions = append(f.actions, action)
	if f.nextErr != nil {
		err := f.nextErr
		return relayer.Result{Err: err, RawLog: f.rawLog}
	}
	return relayer.Result{Success: true, TxHash: fmt.Sprintf("TX%d", f.calls)}
}

type fakeQuerier struct {
	mu       sync.Mutex
	txs      map[string]chain.TxResult
	balances map[string]string // addr -> available
	wallets  map[string]string // addr -> token balance
	bets     map[uint64]map[string]string
}

func (f *fakeQuerier) QueryTx(_ context.Context, hash string) (chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[hash], nil
}

func (f *fakeQuerier) SmartQuery(_ context.Context, _ string, query any, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := query.(map[string]any)
	if inner, ok := q["vault_balance"]; ok {
		addr := inner.(map[string]any)["address"].(string)
		*out.(*contractBalance) = contractBalance{Available: f.balances[addr], Locked: "0"}
		return nil
	}
	if inner, ok := q["balance"]; ok {
		addr := inner.(map[string]any)["address"].(string)
		bz, _ := json.Marshal(map[string]string{"balance": f.wallets[addr]})
		return json.Unmarshal(bz, out)
	}
	if inner, ok := q["bet"]; ok {
		id := inner.(map[string]any)["bet_id"].(uint64)
		cb, ok := f.bets[id]
		if !ok {
			return chain.ErrResponse.Wrap("bet not found")
		}
		bz, _ := json.Marshal(cb)
		return json.Unmarshal(bz, out)
	}
	return chain.ErrRequest.Wrap("unexpected query")
}

type svcFixture struct {
	svc     *Service
	machine *bets.Machine
	vault   *vault.Vault
	relay   *fakeRelayer
	querier *fakeQuerier
	bus     *notify.Bus

	mu    sync.Mutex
	tasks []func()
}

func newSvcFixture(t *testing.T) *svcFixture {
	t.Helper()
	logger := log.NewNopLogger()
	st := store.NewMemStore()
	m := bets.NewMachine(st, logger)
	v := vault.New(st, vault.NewPendingLocks(90*time.Second), time.Minute, logger)
	bus := notify.NewBus(logger)
	fr := &fakeRelayer{}
	fq := &fakeQuerier{
		txs:      map[string]chain.TxResult{},
		balances: map[string]string{},
		wallets:  map[string]string{},
		bets:     map[uint64]map[string]string{},
	}

	fx := &svcFixture{machine: m, vault: v, relay: fr, querier: fq, bus: bus}
	fx.svc = NewService(m, v, fr, fq, bus, Config{
		Contract:      svcContract,
		MinBet:        sdkmath.NewInt(10),
		MaxOpenBets:   3,
		PollInterval:  time.Millisecond,
		ConfirmWindow: 10 * time.Millisecond,
	}, logger)
	fx.svc.sleep = func(time.Duration) {}
	fx.svc.spawn = func(fn func()) {
		fx.mu.Lock()
		fx.tasks = append(fx.tasks, fn)
		fx.mu.Unlock()
	}
	return fx
}

// runTasks drains the background-task queue synchronously.
func (fx *svcFixture) runTasks() {
	fx.mu.Lock()
	tasks := fx.tasks
	fx.tasks = nil
	fx.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

func (fx *svcFixture) fundUser(addr string, amount int64) {
	fx.querier.mu.Lock()
	fx.querier.balances[addr] = fmt.Sprintf("%d", amount)
	fx.querier.mu.Unlock()
}

func (fx *svcFixture) openBet(t *testing.T, id uint64, maker string, amount int64) {
	t.Helper()
	_, err := fx.machine.CreateBet(&bets.Bet{
		ID: id, Maker: maker, Amount: sdkmath.NewInt(amount), Commitment: "cc",
	})
	require.NoError(t, err)
}

func TestCreateBetHappyPath(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("alice", 1000)

	res, err := fx.svc.CreateBet(context.Background(), "alice", sdkmath.NewInt(100), "")
	require.NoError(t, err)
	require.Equal(t, "TX1", res.TxHash)
	require.Equal(t, "confirming", res.Status)
	// Pending lock hides the staked amount immediately.
	require.Equal(t, "900", res.Balance.Available.String())

	p, err := fx.machine.GetPending("TX1")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "alice", p.Maker)
	require.NotEmpty(t, p.Commitment)
	require.NotEmpty(t, p.MakerSecret)
}

func TestCreateBetChainRejectionRollsBack(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("alice", 500)
	fx.relay.nextErr = relayer.ErrCheckTxRejected

	_, err := fx.svc.CreateBet(context.Background(), "alice", sdkmath.NewInt(300), "")
	require.ErrorIs(t, err, ErrChainTxFailed)

	b, err := fx.vault.GetBalance("alice")
	require.NoError(t, err)
	require.Equal(t, "500", b.Available.String())
	require.True(t, b.Locked.IsZero())
	require.Zero(t, fx.vault.PendingLocks().Count("alice"))

	// Guard released on abort: an immediate retry is allowed.
	fx.relay.nextErr = nil
	_, err = fx.svc.CreateBet(context.Background(), "alice", sdkmath.NewInt(300), "")
	require.NoError(t, err)
}

func TestCreateBetConfirmFailureUnwinds(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("alice", 500)

	_, err := fx.svc.CreateBet(context.Background(), "alice", sdkmath.NewInt(300), "")
	require.NoError(t, err)

	fx.querier.mu.Lock()
	fx.querier.txs["TX1"] = chain.TxResult{Found: true, Hash: "TX1", Code: 5, RawLog: "insufficient funds"}
	fx.querier.mu.Unlock()
	fx.runTasks()

	p, err := fx.machine.GetPending("TX1")
	require.NoError(t, err)
	require.Nil(t, p)
	b, err := fx.vault.GetBalance("alice")
	require.NoError(t, err)
	require.Equal(t, "500", b.Available.String())
	require.Zero(t, fx.vault.PendingLocks().Count("alice"))
}

func TestCreateBetConfirmAdoptsChainID(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("alice", 500)

	_, err := fx.svc.CreateBet(context.Background(), "alice", sdkmath.NewInt(300), "")
	require.NoError(t, err)

	fx.querier.mu.Lock()
	fx.querier.txs["TX1"] = chain.TxResult{
		Found: true, Hash: "TX1", Code: 0,
		Events: []chain.Event{{Type: "wasm", Attributes: []chain.Attribute{
			{Key: "_contract_address", Value: svcContract},
			{Key: "action", Value: "create_bet"},
			{Key: "bet_id", Value: "42"},
		}}},
	}
	fx.querier.mu.Unlock()
	fx.runTasks()

	b, err := fx.machine.Get(42)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, "alice", b.Maker)
	require.Equal(t, bets.StatusOpen, b.Status)
}

func TestCreateBetValidation(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("alice", 1000)

	_, err := fx.svc.CreateBet(context.Background(), "alice", sdkmath.NewInt(5), "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = fx.svc.CreateBet(context.Background(), "alice", sdkmath.NewInt(5000), "")
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestCreateBetGuardBouncesDoubleSubmit(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("alice", 1000)

	_, err := fx.svc.CreateBet(context.Background(), "alice", sdkmath.NewInt(100), "")
	require.NoError(t, err)
	_, err = fx.svc.CreateBet(context.Background(), "alice", sdkmath.NewInt(100), "")
	require.ErrorIs(t, err, relayer.ErrActionInProgress)
}

func TestAcceptRaceSingleWinner(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("bob", 1000)
	fx.fundUser("carol", 1000)
	fx.openBet(t, 7, "alice", 100)

	results := make(chan error, 2)
	for _, user := range []string{"bob", "carol"} {
		user := user
		go func() {
			_, err := fx.svc.AcceptBet(context.Background(), user, 7, "heads")
			results <- err
		}()
	}

	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			failures = append(failures, err)
		}
	}
	require.Len(t, failures, 1)
	require.ErrorIs(t, failures[0], ErrBetAlreadyClaimed)

	// The loser's reservation is fully rolled back.
	b, err := fx.machine.Get(7)
	require.NoError(t, err)
	require.Equal(t, bets.StatusAccepting, b.Status)
	winner := b.Acceptor
	loser := "bob"
	if winner == "bob" {
		loser = "carol"
	}
	lb, err := fx.vault.GetBalance(loser)
	require.NoError(t, err)
	require.Equal(t, "1000", lb.Available.String())
	require.True(t, lb.Locked.IsZero())
	require.Zero(t, fx.vault.PendingLocks().Count(loser))
}

func TestAcceptValidation(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("alice", 1000)
	fx.openBet(t, 7, "alice", 100)

	_, err := fx.svc.AcceptBet(context.Background(), "alice", 7, "heads")
	require.ErrorIs(t, err, ErrSelfAccept)

	_, err = fx.svc.AcceptBet(context.Background(), "bob", 99, "heads")
	require.ErrorIs(t, err, ErrBetNotFound)

	_, err = fx.machine.MarkCanceling(7)
	require.NoError(t, err)
	fx.fundUser("bob", 1000)
	_, err = fx.svc.AcceptBet(context.Background(), "bob", 7, "heads")
	require.ErrorIs(t, err, ErrBetCanceled)
}

func TestAcceptConfirmFailureReverts(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("bob", 1000)
	fx.openBet(t, 7, "alice", 100)

	_, err := fx.svc.AcceptBet(context.Background(), "bob", 7, "heads")
	require.NoError(t, err)

	fx.querier.mu.Lock()
	fx.querier.txs["TX1"] = chain.TxResult{Found: true, Hash: "TX1", Code: 11, RawLog: "out of gas"}
	fx.querier.mu.Unlock()
	fx.runTasks()

	b, err := fx.machine.Get(7)
	require.NoError(t, err)
	require.Equal(t, bets.StatusOpen, b.Status)
	require.Empty(t, b.Acceptor)
	bb, err := fx.vault.GetBalance("bob")
	require.NoError(t, err)
	require.Equal(t, "1000", bb.Available.String())
}

func TestCancelAlreadyCanceledOnChain(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("alice", 1000)
	fx.openBet(t, 7, "alice", 100)
	applied, err := fx.vault.SyncFromChain("alice", sdkmath.NewInt(1000), sdkmath.ZeroInt())
	require.NoError(t, err)
	require.True(t, applied)
	ok, err := fx.vault.Lock("alice", sdkmath.NewInt(100))
	require.NoError(t, err)
	require.True(t, ok)
	fx.relay.nextErr = relayer.ErrCheckTxRejected
	fx.relay.rawLog = "execute wasm contract failed: bet already canceled"

	res, err := fx.svc.CancelBet(context.Background(), "alice", 7)
	require.NoError(t, err)
	require.Equal(t, "canceled", res.Status)

	b, err := fx.machine.Get(7)
	require.NoError(t, err)
	require.Equal(t, bets.StatusCanceled, b.Status)
}

func TestRevealRequiresAcceptedAndOwnership(t *testing.T) {
	fx := newSvcFixture(t)
	fx.openBet(t, 7, "alice", 100)

	_, err := fx.svc.Reveal(context.Background(), "alice", 7)
	require.ErrorIs(t, err, ErrWrongState)

	_, err = fx.machine.Accept(7, "bob", "heads", "TACC")
	require.NoError(t, err)
	_, err = fx.svc.Reveal(context.Background(), "bob", 7)
	require.ErrorIs(t, err, ErrNotYourBet)

	res, err := fx.svc.Reveal(context.Background(), "alice", 7)
	require.NoError(t, err)
	require.Equal(t, "confirming", res.Status)
	require.Equal(t, relayer.ActionReveal, fx.relay.actions[len(fx.relay.actions)-1])
}

func TestClaimTimeoutOnlyAcceptor(t *testing.T) {
	fx := newSvcFixture(t)
	fx.openBet(t, 7, "alice", 100)
	_, err := fx.machine.Accept(7, "bob", "heads", "TACC")
	require.NoError(t, err)

	_, err = fx.svc.ClaimTimeout(context.Background(), "carol", 7)
	require.ErrorIs(t, err, ErrNotYourBet)

	res, err := fx.svc.ClaimTimeout(context.Background(), "bob", 7)
	require.NoError(t, err)
	require.NotEmpty(t, res.TxHash)
}

func TestWithdrawGuardAndBalanceCheck(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("alice", 500)

	_, err := fx.svc.Withdraw(context.Background(), "alice", sdkmath.NewInt(600))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// The failed attempt released the vault guard.
	res, err := fx.svc.Withdraw(context.Background(), "alice", sdkmath.NewInt(200))
	require.NoError(t, err)
	require.NotEmpty(t, res.TxHash)

	_, err = fx.svc.Withdraw(context.Background(), "alice", sdkmath.NewInt(100))
	require.ErrorIs(t, err, relayer.ErrActionInProgress)
}

func TestBalanceCountsPendingWork(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("alice", 1000)

	_, err := fx.svc.CreateBet(context.Background(), "alice", sdkmath.NewInt(100), "")
	require.NoError(t, err)

	info, err := fx.svc.Balance(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "900", info.Available.String())
	require.Equal(t, 1, info.PendingBets)
}

func TestCreateConfirmLapsePromotesToPlaceholder(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("alice", 500)

	_, err := fx.svc.CreateBet(context.Background(), "alice", sdkmath.NewInt(300), "")
	require.NoError(t, err)

	// The tx never shows up before the window closes.
	fx.runTasks()

	p, err := fx.machine.GetPending("TX1")
	require.NoError(t, err)
	require.Nil(t, p)

	rows, err := fx.machine.NonTerminal()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, bets.IsPlaceholderID(rows[0].ID))
	require.Equal(t, "alice", rows[0].Maker)
	require.NotEmpty(t, rows[0].Commitment)
	require.Equal(t, "TX1", rows[0].TxhashCreate)

	// The stake stays locked until reconciliation resolves the row.
	b, err := fx.vault.GetBalance("alice")
	require.NoError(t, err)
	require.Equal(t, "300", b.Locked.String())
}

func TestBalanceIncludesWalletTokens(t *testing.T) {
	fx := newSvcFixture(t)
	fx.svc.cfg.TokenContract = "token1"
	fx.fundUser("alice", 1000)
	fx.querier.mu.Lock()
	fx.querier.wallets["alice"] = "250"
	fx.querier.mu.Unlock()

	info, err := fx.svc.Balance(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "1000", info.Available.String())
	require.Equal(t, "250", info.WalletBalance.String())
}

func TestConfigWindowsRespectedOverDefaults(t *testing.T) {
	cfg := Config{ConfirmWindow: 5 * time.Second, PollInterval: time.Second}
	cfg.applyDefaults()
	require.Equal(t, 5*time.Second, cfg.ConfirmWindow)
	require.Equal(t, time.Second, cfg.PollInterval)
}

func TestRecoveryRevertsStuckAccepting(t *testing.T) {
	fx := newSvcFixture(t)
	fx.fundUser("bob", 1000)
	fx.openBet(t, 7, "alice", 100)

	_, err := fx.svc.AcceptBet(context.Background(), "bob", 7, "heads")
	require.NoError(t, err)

	// Chain never saw the accept; the contract still lists the bet open.
	fx.querier.mu.Lock()
	fx.querier.bets[7] = map[string]string{"status": "open"}
	fx.querier.mu.Unlock()

	fx.svc.cfg.StuckAge = -time.Hour
	fx.svc.recoverStuck(context.Background())

	b, err := fx.machine.Get(7)
	require.NoError(t, err)
	require.Equal(t, bets.StatusOpen, b.Status)
	bb, err := fx.vault.GetBalance("bob")
	require.NoError(t, err)
	require.Equal(t, "1000", bb.Available.String())
}
