package indexer

import (
	"context"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"onchainflip/apps/coord/internal/bets"
	"onchainflip/apps/coord/internal/chain"
	"onchainflip/apps/coord/internal/notify"
	"onchainflip/apps/coord/internal/store"
	"onchainflip/apps/coord/internal/vault"
)

// Indexer sentinel errors.
var (
	ErrBadEvent = errorsmod.Register("coord/indexer", 1, "malformed contract event")
)

// ChainReader is the slice of the chain client the indexer needs.
type ChainReader interface {
	CurrentHeight(ctx context.Context) (int64, error)
	TxsAtHeight(ctx context.Context, height int64) ([]chain.TxResult, error)
	SmartQuery(ctx context.Context, contract string, query any, out any) error
}

// OrphanPolicy decides what reconciliation does with a bet whose chain id was
// never resolved and whose commitment is no longer listed on the contract.
type OrphanPolicy string

const (
	// OrphanHold keeps the row and logs for an operator. A late reveal can
	// still land through the event path.
	OrphanHold OrphanPolicy = "hold"
	// OrphanCancel marks the row canceled and releases the maker's funds.
	OrphanCancel OrphanPolicy = "cancel"
)

// Config for the indexer loop.
type Config struct {
	Contract     string
	PollInterval time.Duration
	BatchSize    int
	OrphanPolicy OrphanPolicy
}

// TxEvent is the dedup row recorded per (tx_hash, event_type).
type TxEvent struct {
	TxHash string            `json:"txHash"`
	Type   string            `json:"type"`
	Attrs  map[string]string `json:"attrs"`
	Height int64             `json:"height"`
	Seen   time.Time         `json:"seen"`
}

// Indexer polls blocks, extracts contract events, and projects them onto the
// bet machine and vault. It is the only component allowed to force status
// transitions.
type Indexer struct {
	chainReader ChainReader
	st          *store.Store
	machine     *bets.Machine
	vault       *vault.Vault
	bus         *notify.Bus
	logger      log.Logger

	contract     string
	pollInterval time.Duration
	batchSize    int
	orphanPolicy OrphanPolicy

	// OnSettled is invoked once per bet reaching revealed or timeout_claimed
	// through the event path (jackpot contributions hang off it).
	OnSettled func(b *bets.Bet)

	lastHeight int64
	now        func() time.Time
}

func New(cr ChainReader, st *store.Store, machine *bets.Machine, v *vault.Vault, bus *notify.Bus, cfg Config, logger log.Logger) *Indexer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.OrphanPolicy == "" {
		cfg.OrphanPolicy = OrphanHold
	}
	return &Indexer{
		chainReader:  cr,
		st:           st,
		machine:      machine,
		vault:        v,
		bus:          bus,
		logger:       logger.With("module", "indexer"),
		contract:     cfg.Contract,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		orphanPolicy: cfg.OrphanPolicy,
		now:          time.Now,
	}
}

// Run reconciles once, then polls blocks until the context ends. New blocks
// are processed in bounded batches so a long outage catches up without
// starving the tick.
func (ix *Indexer) Run(ctx context.Context) {
	if err := ix.Reconcile(ctx); err != nil {
		ix.logger.Error("startup reconciliation failed", "error", err)
	}

	h, err := ix.chainReader.CurrentHeight(ctx)
	if err != nil {
		ix.logger.Error("initial height query failed", "error", err)
	} else {
		ix.lastHeight = h
	}

	ticker := time.NewTicker(ix.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ix.tick(ctx)
		}
	}
}

func (ix *Indexer) tick(ctx context.Context) {
	tip, err := ix.chainReader.CurrentHeight(ctx)
	if err != nil {
		ix.logger.Warn("height query failed", "error", err)
		return
	}
	if ix.lastHeight == 0 {
		ix.lastHeight = tip
		return
	}

	for n := 0; n < ix.batchSize && ix.lastHeight < tip; n++ {
		h := ix.lastHeight + 1
		txs, err := ix.chainReader.TxsAtHeight(ctx, h)
		if err != nil {
			// Keep lastHeight where it is; retry this block next tick.
			ix.logger.Warn("block fetch failed", "height", h, "error", err)
			return
		}
		for _, tx := range txs {
			ix.ProcessTx(tx)
		}
		ix.lastHeight = h
	}
}

// ProcessTx extracts and projects this contract's events from one committed
// transaction. Duplicate delivery is harmless: every event is recorded in the
// tx_events table first and skipped when already present.
func (ix *Indexer) ProcessTx(tx chain.TxResult) {
	for _, ev := range ExtractEvents(tx, ix.contract) {
		fresh, err := ix.markSeen(ev)
		if err != nil {
			ix.logger.Error("event dedup write failed", "tx_hash", ev.TxHash, "type", ev.Type, "error", err)
			continue
		}
		if !fresh {
			continue
		}
		if err := ix.project(ev); err != nil {
			ix.logger.Error("event projection failed",
				"tx_hash", ev.TxHash, "type", ev.Type, "error", err)
		}
	}
}

// markSeen inserts the dedup row; fresh is false when the (tx_hash, type)
// pair was already recorded.
func (ix *Indexer) markSeen(ev BetEvent) (fresh bool, err error) {
	key := store.TxEventKey(ev.TxHash, ev.Type)
	seen, err := ix.st.Has(key)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	err = ix.st.Set(key, TxEvent{
		TxHash: ev.TxHash,
		Type:   ev.Type,
		Attrs:  ev.Attrs,
		Height: ev.Height,
		Seen:   ix.now(),
	})
	return err == nil, err
}
