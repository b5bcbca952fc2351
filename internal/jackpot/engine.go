package jackpot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"

	"onchainflip/apps/coord/internal/bets"
	"onchainflip/apps/coord/internal/notify"
	"onchainflip/apps/coord/internal/store"
	"onchainflip/apps/coord/internal/vault"
)

// Jackpot sentinel errors.
var (
	ErrNoPool  = errorsmod.Register("coord/jackpot", 1, "no active pool for tier")
	ErrBadTier = errorsmod.Register("coord/jackpot", 2, "invalid tier configuration")
)

// Engine apportions a slice of every settled pot into the active pools and
// draws a winner when one fills. All pool and contribution writes go through
// the engine's mutex; the contribution row per (pool, bet) is the idempotency
// arbiter against replays.
type Engine struct {
	mu      sync.Mutex
	st      *store.Store
	vault   *vault.Vault
	machine *bets.Machine
	bus     *notify.Bus
	tiers   []Tier
	vip     VIPChecker
	logger  log.Logger

	now      func() time.Time
	readSeed func(b []byte) (int, error)
	spawn    func(fn func())
}

func NewEngine(st *store.Store, v *vault.Vault, m *bets.Machine, bus *notify.Bus, tiers []Tier, vip VIPChecker, logger log.Logger) *Engine {
	if vip == nil {
		vip = OpenVIP{}
	}
	return &Engine{
		st:       st,
		vault:    v,
		machine:  m,
		bus:      bus,
		tiers:    tiers,
		vip:      vip,
		logger:   logger.With("module", "jackpot"),
		now:      time.Now,
		readSeed: rand.Read,
		spawn:    func(fn func()) { go fn() },
	}
}

// EnsurePools opens a filling pool for every active tier that lacks a
// non-completed one. Called at boot and after each completed draw.
func (e *Engine) EnsurePools() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tier := range e.tiers {
		if !tier.Active {
			continue
		}
		if _, err := e.ensurePoolLocked(tier); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) ensurePoolLocked(tier Tier) (*Pool, error) {
	if tier.ContributionBps == 0 || tier.Target.IsNil() || !tier.Target.IsPositive() {
		return nil, ErrBadTier.Wrapf("tier %s", tier.ID)
	}

	var poolID uint64
	found, err := e.st.Get(store.ActivePoolKey(tier.ID), &poolID)
	if err != nil {
		return nil, err
	}
	if found {
		var p Pool
		ok, err := e.st.Get(store.PoolKey(poolID), &p)
		if err != nil {
			return nil, err
		}
		if ok && p.Status != PoolCompleted {
			return &p, nil
		}
	}

	prevCycle := uint32(0)
	if found {
		var prev Pool
		if ok, err := e.st.Get(store.PoolKey(poolID), &prev); err != nil {
			return nil, err
		} else if ok {
			prevCycle = prev.Cycle
		}
	}
	return e.openPoolLocked(tier.ID, prevCycle+1)
}

func (e *Engine) openPoolLocked(tierID string, cycle uint32) (*Pool, error) {
	id, err := e.nextPoolIDLocked()
	if err != nil {
		return nil, err
	}
	p := Pool{
		ID:      id,
		TierID:  tierID,
		Cycle:   cycle,
		Current: sdkmath.ZeroInt(),
		Status:  PoolFilling,
	}
	if err := e.st.Set(store.PoolKey(id), &p); err != nil {
		return nil, err
	}
	if err := e.st.Set(store.ActivePoolKey(tierID), id); err != nil {
		return nil, err
	}
	e.logger.Info("pool opened", "tier", tierID, "pool_id", id, "cycle", cycle)
	return &p, nil
}

func (e *Engine) nextPoolIDLocked() (uint64, error) {
	var next uint64
	if _, err := e.st.Get(store.NextPoolIDKey, &next); err != nil {
		return 0, err
	}
	next++
	if err := e.st.Set(store.NextPoolIDKey, next); err != nil {
		return 0, err
	}
	return next, nil
}

// Contribute fans one settled bet into every active pool. Replays are
// harmless: a contribution row per (pool, bet) already present means the
// pool total was already bumped.
func (e *Engine) Contribute(b *bets.Bet) {
	if b == nil || !b.Status.Settled() {
		return
	}
	totalPot := b.Amount.MulRaw(2)

	e.mu.Lock()
	var filled []Tier
	for _, tier := range e.tiers {
		if !tier.Active {
			continue
		}
		p, err := e.ensurePoolLocked(tier)
		if err != nil {
			e.logger.Error("pool lookup failed", "tier", tier.ID, "error", err)
			continue
		}
		if p.Status != PoolFilling {
			continue
		}

		key := store.ContribKey(p.ID, b.ID)
		seen, err := e.st.Has(key)
		if err != nil {
			e.logger.Error("contribution check failed", "pool_id", p.ID, "bet_id", b.ID, "error", err)
			continue
		}
		if seen {
			continue
		}

		amount := totalPot.MulRaw(int64(tier.ContributionBps)).QuoRaw(10_000)
		if !amount.IsPositive() {
			continue
		}
		if err := e.st.Set(key, Contribution{
			PoolID: p.ID, BetID: b.ID, Amount: amount, Time: e.now(),
		}); err != nil {
			e.logger.Error("contribution write failed", "pool_id", p.ID, "bet_id", b.ID, "error", err)
			continue
		}

		p.Current = p.Current.Add(amount)
		if p.Current.GTE(tier.Target) {
			p.Status = PoolDrawing
		}
		if err := e.st.Set(store.PoolKey(p.ID), p); err != nil {
			e.logger.Error("pool update failed", "pool_id", p.ID, "error", err)
			continue
		}
		if p.Status == PoolDrawing {
			filled = append(filled, tier)
		}
	}
	e.mu.Unlock()

	// Winner selection runs outside the contribution lock.
	for _, tier := range filled {
		tier := tier
		e.spawn(func() { e.drawPool(tier) })
	}
}

// drawPool re-reads the tier's pool and draws it if still pending.
func (e *Engine) drawPool(tier Tier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.ensurePoolLocked(tier)
	if err != nil {
		e.logger.Error("pool lookup failed", "tier", tier.ID, "error", err)
		return
	}
	if p.Status == PoolDrawing {
		e.drawLocked(tier, p)
	}
}

// drawLocked runs the seeded draw. An empty eligible set leaves the pool in
// drawing; the lifecycle sweep retries it.
func (e *Engine) drawLocked(tier Tier, p *Pool) {
	eligible, err := e.eligibleSet(tier)
	if err != nil {
		e.logger.Error("eligible set query failed", "pool_id", p.ID, "error", err)
		return
	}
	if len(eligible) == 0 {
		e.logger.Info("draw deferred, no eligible users", "pool_id", p.ID, "tier", tier.ID)
		return
	}

	seed := make([]byte, 32)
	if _, err := e.readSeed(seed); err != nil {
		e.logger.Error("seed generation failed", "pool_id", p.ID, "error", err)
		return
	}
	winner := DrawWinner(seed, eligible)

	if err := e.vault.CreditWinner(winner, p.Current); err != nil {
		e.logger.Error("winner credit failed", "pool_id", p.ID, "winner", winner, "error", err)
		return
	}

	p.Status = PoolCompleted
	p.Winner = winner
	p.DrawSeed = hex.EncodeToString(seed)
	t := e.now()
	p.CompletedAt = &t
	if err := e.st.Set(store.PoolKey(p.ID), p); err != nil {
		e.logger.Error("pool completion write failed", "pool_id", p.ID, "error", err)
		return
	}
	if _, err := e.openPoolLocked(tier.ID, p.Cycle+1); err != nil {
		e.logger.Error("next pool open failed", "tier", tier.ID, "error", err)
	}

	e.logger.Info("jackpot drawn",
		"tier", tier.ID, "pool_id", p.ID, "winner", winner, "amount", p.Current.String(), "eligible", len(eligible))
	e.bus.PublishTo(winner, notify.KindJackpotWon, map[string]any{
		"tier": tier.ID, "amount": p.Current.String(), "pool_id": p.ID,
	})
}

func (e *Engine) eligibleSet(tier Tier) ([]string, error) {
	counts, err := e.machine.SettledCountByUser()
	if err != nil {
		return nil, err
	}
	var out []string
	for addr, n := range counts {
		if n < tier.MinGames {
			continue
		}
		if tier.MinVIPTier > 0 && !e.vip.HasVIP(addr, tier.MinVIPTier) {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

// Backfill replays the contribution path over every settled bet; pairs
// already recorded are skipped. Run at boot after EnsurePools.
func (e *Engine) Backfill() error {
	rows, err := e.machine.ListByStatus(bets.StatusRevealed, bets.StatusTimeoutClaimed)
	if err != nil {
		return err
	}
	for _, b := range rows {
		e.Contribute(b)
	}
	return nil
}

// RunSweep periodically retries draws stuck waiting for an eligible user.
func (e *Engine) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.retryStuckDraws()
		}
	}
}

func (e *Engine) retryStuckDraws() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tier := range e.tiers {
		if !tier.Active {
			continue
		}
		p, err := e.ensurePoolLocked(tier)
		if err != nil {
			e.logger.Error("pool lookup failed", "tier", tier.ID, "error", err)
			continue
		}
		if p.Status == PoolDrawing {
			e.drawLocked(tier, p)
		}
	}
}

// ActivePool returns the tier's current non-completed pool, if any.
func (e *Engine) ActivePool(tierID string) (*Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var poolID uint64
	found, err := e.st.Get(store.ActivePoolKey(tierID), &poolID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoPool.Wrapf("tier %s", tierID)
	}
	var p Pool
	ok, err := e.st.Get(store.PoolKey(poolID), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoPool.Wrapf("tier %s", tierID)
	}
	return &p, nil
}

// Contributions lists a pool's contribution rows.
func (e *Engine) Contributions(poolID uint64) ([]Contribution, error) {
	var out []Contribution
	err := e.st.Iterate(store.ContribPoolPrefix(poolID), func(_, value []byte) (bool, error) {
		var c Contribution
		if err := json.Unmarshal(value, &c); err != nil {
			return true, err
		}
		out = append(out, c)
		return false, nil
	})
	return out, err
}
