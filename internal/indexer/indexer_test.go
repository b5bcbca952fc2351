package indexer

import (
	"context"
	"testing"
	"time"

	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"onchainflip/apps/coord/internal/bets"
	"onchainflip/apps/coord/internal/chain"
	"onchainflip/apps/coord/internal/notify"
	"onchainflip/apps/coord/internal/store"
	"onchainflip/apps/coord/internal/vault"
)

const testContract = "cosmos1contractxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"

type fakeReader struct {
	height   int64
	txs      map[int64][]chain.TxResult
	bets     map[uint64]contractBet
	openBets []contractBet
}

func (f *fakeReader) CurrentHeight(context.Context) (int64, error) { return f.height, nil }

func (f *fakeReader) TxsAtHeight(_ context.Context, h int64) ([]chain.TxResult, error) {
	return f.txs[h], nil
}

func (f *fakeReader) SmartQuery(_ context.Context, _ string, query any, out any) error {
	q := query.(map[string]any)
	if inner, ok := q["bet"]; ok {
		id := inner.(map[string]any)["bet_id"].(uint64)
		cb, ok := f.bets[id]
		if !ok {
			return chain.ErrResponse.Wrap("bet not found")
		}
		*out.(*contractBet) = cb
		return nil
	}
	if _, ok := q["open_bets"]; ok {
		out.(*openBetsResponse).Bets = f.openBets
		return nil
	}
	return chain.ErrRequest.Wrap("unexpected query")
}

type fixture struct {
	ix      *Indexer
	machine *bets.Machine
	vault   *vault.Vault
	st      *store.Store
	reader  *fakeReader
	settled []*bets.Bet
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := log.NewNopLogger()
	st := store.NewMemStore()
	m := bets.NewMachine(st, logger)
	v := vault.New(st, vault.NewPendingLocks(90*time.Second), time.Minute, logger)
	bus := notify.NewBus(logger)

	cfg.Contract = testContract
	reader := &fakeReader{bets: map[uint64]contractBet{}, txs: map[int64][]chain.TxResult{}}
	fx := &fixture{machine: m, vault: v, st: st, reader: reader}
	fx.ix = New(reader, st, m, v, bus, cfg, logger)
	fx.ix.OnSettled = func(b *bets.Bet) { fx.settled = append(fx.settled, b) }
	return fx
}

func (fx *fixture) seedBalance(t *testing.T, addr string, amount int64) {
	t.Helper()
	applied, err := fx.vault.SyncFromChain(addr, sdkmath.NewInt(amount), sdkmath.ZeroInt())
	require.NoError(t, err)
	require.True(t, applied)
}

func (fx *fixture) createOpenBet(t *testing.T, id uint64, maker string, amount int64) *bets.Bet {
	t.Helper()
	b, err := fx.machine.CreateBet(&bets.Bet{
		ID:           id,
		Maker:        maker,
		Amount:       sdkmath.NewInt(amount),
		Commitment:   "c0ffee",
		Status:       bets.StatusOpen,
		TxhashCreate: "CREATE",
	})
	require.NoError(t, err)
	return b
}

func wasmTx(hash string, height int64, action string, kv ...string) chain.TxResult {
	attrs := []chain.Attribute{
		{Key: "_contract_address", Value: testContract},
		{Key: "action", Value: action},
	}
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, chain.Attribute{Key: kv[i], Value: kv[i+1]})
	}
	return chain.TxResult{
		Found: true, Hash: hash, Height: height,
		Events: []chain.Event{{Type: "wasm", Attributes: attrs}},
	}
}

func TestExtractEvents(t *testing.T) {
	tx := wasmTx("T1", 10, "accept_bet", "bet_id", "7", "acceptor", "bob")
	// Foreign contract and non-game events are dropped.
	tx.Events = append(tx.Events,
		chain.Event{Type: "wasm", Attributes: []chain.Attribute{
			{Key: "_contract_address", Value: "othercontract"},
			{Key: "action", Value: "accept_bet"},
		}},
		chain.Event{Type: "transfer"},
	)

	evs := ExtractEvents(tx, testContract)
	require.Len(t, evs, 1)
	require.Equal(t, EventBetAccepted, evs[0].Type)
	require.Equal(t, "7", evs[0].Attrs["bet_id"])
}

func TestExtractEventsSuffixForm(t *testing.T) {
	tx := chain.TxResult{
		Found: true, Hash: "T2",
		Events: []chain.Event{{Type: "wasm-create_bet", Attributes: []chain.Attribute{
			{Key: "_contract_address", Value: testContract},
			{Key: "bet_id", Value: "3"},
		}}},
	}
	evs := ExtractEvents(tx, testContract)
	require.Len(t, evs, 1)
	require.Equal(t, EventBetCreated, evs[0].Type)
}

func TestExtractEventsSkipsFailedTx(t *testing.T) {
	tx := wasmTx("T3", 10, "accept_bet", "bet_id", "7")
	tx.Code = 5
	require.Empty(t, ExtractEvents(tx, testContract))
}

func TestProcessTxAcceptsBet(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.createOpenBet(t, 7, "alice", 100)

	fx.ix.ProcessTx(wasmTx("T1", 10, "accept_bet", "bet_id", "7", "acceptor", "bob", "guess", "heads"))

	b, err := fx.machine.Get(7)
	require.NoError(t, err)
	require.Equal(t, bets.StatusAccepted, b.Status)
	require.Equal(t, "bob", b.Acceptor)
	require.Equal(t, "heads", b.AcceptorGuess)
}

func TestProcessTxIdempotent(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.seedBalance(t, "alice", 1000)
	fx.seedBalance(t, "bob", 1000)
	ok, err := fx.vault.Lock("alice", sdkmath.NewInt(100))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = fx.vault.Lock("bob", sdkmath.NewInt(100))
	require.NoError(t, err)
	require.True(t, ok)

	b := fx.createOpenBet(t, 7, "alice", 100)
	_, err = fx.machine.Accept(b.ID, "bob", "heads", "TACC")
	require.NoError(t, err)

	tx := wasmTx("TREV", 11, "reveal",
		"bet_id", "7", "winner", "bob", "payout_amount", "180", "commission_amount", "20")
	fx.ix.ProcessTx(tx)
	fx.ix.ProcessTx(tx) // replay

	row, err := fx.machine.Get(7)
	require.NoError(t, err)
	require.Equal(t, bets.StatusRevealed, row.Status)
	require.Equal(t, "bob", row.Winner)
	require.Equal(t, "180", row.Payout.String())

	// One settlement hook, one unlock per side despite the replay.
	require.Len(t, fx.settled, 1)
	ab, err := fx.vault.GetBalance("alice")
	require.NoError(t, err)
	require.Equal(t, "1000", ab.Available.String())
	require.True(t, ab.Locked.IsZero())
}

func TestProjectCreatedAdoptsPending(t *testing.T) {
	fx := newFixture(t, Config{})
	require.NoError(t, fx.machine.TrackPending(bets.PendingBet{
		TxHash:     "TCREATE",
		Maker:      "alice",
		Amount:     sdkmath.NewInt(100),
		Commitment: "c0ffee",
		MakerSide:  bets.SideHeads,
	}))

	fx.ix.ProcessTx(wasmTx("TCREATE", 12, "create_bet",
		"bet_id", "42", "maker", "alice", "amount", "100", "commitment", "c0ffee"))

	b, err := fx.machine.Get(42)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, "alice", b.Maker)
	require.Equal(t, bets.StatusOpen, b.Status)

	p, err := fx.machine.GetPending("TCREATE")
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestProjectCreatedRewritesPlaceholder(t *testing.T) {
	fx := newFixture(t, Config{})
	placeholder := bets.PlaceholderID(time.Now())
	fx.createOpenBet(t, placeholder, "alice", 100)

	fx.ix.ProcessTx(wasmTx("TOTHER", 12, "create_bet",
		"bet_id", "43", "commitment", "c0ffee"))

	b, err := fx.machine.Get(43)
	require.NoError(t, err)
	require.NotNil(t, b)
	old, err := fx.machine.Get(placeholder)
	require.NoError(t, err)
	require.Nil(t, old)
}

func TestProjectCanceledUnlocksMaker(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.seedBalance(t, "alice", 1000)
	ok, err := fx.vault.Lock("alice", sdkmath.NewInt(100))
	require.NoError(t, err)
	require.True(t, ok)
	fx.createOpenBet(t, 7, "alice", 100)

	fx.ix.ProcessTx(wasmTx("TCXL", 13, "cancel_bet", "bet_id", "7"))

	b, err := fx.machine.Get(7)
	require.NoError(t, err)
	require.Equal(t, bets.StatusCanceled, b.Status)
	ab, err := fx.vault.GetBalance("alice")
	require.NoError(t, err)
	require.Equal(t, "1000", ab.Available.String())
}

func TestTickProcessesBlocksInBatches(t *testing.T) {
	fx := newFixture(t, Config{BatchSize: 2})
	fx.createOpenBet(t, 7, "alice", 100)
	fx.ix.lastHeight = 10
	fx.reader.height = 14
	fx.reader.txs[11] = []chain.TxResult{
		wasmTx("T11", 11, "accept_bet", "bet_id", "7", "acceptor", "bob"),
	}

	fx.ix.tick(context.Background())
	require.Equal(t, int64(12), fx.ix.lastHeight)

	fx.ix.tick(context.Background())
	require.Equal(t, int64(14), fx.ix.lastHeight)

	b, err := fx.machine.Get(7)
	require.NoError(t, err)
	require.Equal(t, bets.StatusAccepted, b.Status)
}
