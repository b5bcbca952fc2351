package vault

import (
	"sync"
	"time"

	"cosmossdk.io/log"
	sdkmath "cosmossdk.io/math"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"onchainflip/apps/coord/internal/store"
)

// Balance is the per-user mirror row. All columns are non-negative.
type Balance struct {
	Available     sdkmath.Int `json:"available"`
	Locked        sdkmath.Int `json:"locked"`
	Bonus         sdkmath.Int `json:"bonus"`
	OffchainSpent sdkmath.Int `json:"offchainSpent"`
}

func zeroBalance() Balance {
	return Balance{
		Available:     sdkmath.ZeroInt(),
		Locked:        sdkmath.ZeroInt(),
		Bonus:         sdkmath.ZeroInt(),
		OffchainSpent: sdkmath.ZeroInt(),
	}
}

func normalizeBalance(b *Balance) {
	if b.Available.IsNil() {
		b.Available = sdkmath.ZeroInt()
	}
	if b.Locked.IsNil() {
		b.Locked = sdkmath.ZeroInt()
	}
	if b.Bonus.IsNil() {
		b.Bonus = sdkmath.ZeroInt()
	}
	if b.OffchainSpent.IsNil() {
		b.OffchainSpent = sdkmath.ZeroInt()
	}
}

// Vault mediates every mirror-balance mutation. It owns the balance rows and
// the ephemeral pending-lock table; no other component writes either.
type Vault struct {
	mu      sync.Mutex
	st      *store.Store
	pending *PendingLocks
	logger  log.Logger

	// chainCache holds recently queried chain-side available balances so the
	// balance endpoint does not hit the REST node on every request.
	chainCache *expirable.LRU[string, sdkmath.Int]

	// pendingBetsFn reports outstanding create submissions for an address;
	// the sync-from-chain guard consults it.
	pendingBetsFn func(addr string) (int, error)
}

func New(st *store.Store, pending *PendingLocks, cacheTTL time.Duration, logger log.Logger) *Vault {
	return &Vault{
		st:         st,
		pending:    pending,
		logger:     logger.With("module", "vault"),
		chainCache: expirable.NewLRU[string, sdkmath.Int](4096, nil, cacheTTL),
	}
}

// SetPendingBetsFn wires the pending-bet count source (the bet machine).
func (v *Vault) SetPendingBetsFn(fn func(addr string) (int, error)) {
	v.pendingBetsFn = fn
}

// PendingLocks exposes the reservation table.
func (v *Vault) PendingLocks() *PendingLocks {
	return v.pending
}

// GetBalance returns the mirror row (zero row when absent). Pending locks are
// not included; Report folds them in.
func (v *Vault) GetBalance(addr string) (Balance, error) {
	var b Balance
	found, err := v.st.Get(store.VaultKey(addr), &b)
	if err != nil {
		return Balance{}, err
	}
	if !found {
		return zeroBalance(), nil
	}
	normalizeBalance(&b)
	return b, nil
}

func (v *Vault) setBalance(addr string, b Balance) error {
	return v.st.Set(store.VaultKey(addr), &b)
}

// Lock atomically moves amount from available to locked. Returns false, with
// no partial effect, when available is short.
func (v *Vault) Lock(addr string, amount sdkmath.Int) (bool, error) {
	if amount.IsNil() || !amount.IsPositive() {
		return false, ErrInvalidAmount.Wrap("lock amount must be positive")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	b, err := v.GetBalance(addr)
	if err != nil {
		return false, err
	}
	if b.Available.LT(amount) {
		return false, nil
	}
	b.Available = b.Available.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	if err := v.setBalance(addr, b); err != nil {
		return false, err
	}
	return true, nil
}

// Unlock is the inverse of Lock. Clamps at zero rather than going negative
// when the chain already moved the funds.
func (v *Vault) Unlock(addr string, amount sdkmath.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return ErrInvalidAmount.Wrap("unlock amount must be non-negative")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	b, err := v.GetBalance(addr)
	if err != nil {
		return err
	}
	moved := amount
	if b.Locked.LT(moved) {
		moved = b.Locked
	}
	b.Locked = b.Locked.Sub(moved)
	b.Available = b.Available.Add(moved)
	return v.setBalance(addr, b)
}

// ReleaseLocked drops locked funds without restoring them to available, for
// settlements where the chain spent the locked side.
func (v *Vault) ReleaseLocked(addr string, amount sdkmath.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return ErrInvalidAmount.Wrap("release amount must be non-negative")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	b, err := v.GetBalance(addr)
	if err != nil {
		return err
	}
	if b.Locked.LT(amount) {
		amount = b.Locked
	}
	b.Locked = b.Locked.Sub(amount)
	return v.setBalance(addr, b)
}

// Deduct records an off-chain spend (announcements, pins, subscriptions).
func (v *Vault) Deduct(addr string, amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return ErrInvalidAmount.Wrap("deduct amount must be positive")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	b, err := v.GetBalance(addr)
	if err != nil {
		return err
	}
	spendable := Effective(b, sdkmath.ZeroInt())
	if spendable.LT(amount) {
		return ErrInsufficientBalance.Wrapf("have %s, need %s", spendable, amount)
	}
	b.OffchainSpent = b.OffchainSpent.Add(amount)
	return v.setBalance(addr, b)
}

// CreditAvailable reverses off-chain spend: it first pays down offchain_spent,
// any remainder lands in bonus (off-chain money never inflates the chain
// mirror column).
func (v *Vault) CreditAvailable(addr string, amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return ErrInvalidAmount.Wrap("credit amount must be positive")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	b, err := v.GetBalance(addr)
	if err != nil {
		return err
	}
	payDown := amount
	if b.OffchainSpent.LT(payDown) {
		payDown = b.OffchainSpent
	}
	b.OffchainSpent = b.OffchainSpent.Sub(payDown)
	if rem := amount.Sub(payDown); rem.IsPositive() {
		b.Bonus = b.Bonus.Add(rem)
	}
	return v.setBalance(addr, b)
}

// CreditWinner credits prize money to bonus.
func (v *Vault) CreditWinner(addr string, amount sdkmath.Int) error {
	if amount.IsNil() || !amount.IsPositive() {
		return ErrInvalidAmount.Wrap("winner credit must be positive")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	b, err := v.GetBalance(addr)
	if err != nil {
		return err
	}
	b.Bonus = b.Bonus.Add(amount)
	if err := v.setBalance(addr, b); err != nil {
		return err
	}
	v.logger.Info("winner credited", "address", addr, "amount", amount.String())
	return nil
}

// SyncFromChain overwrites the mirror with an authoritative chain balance,
// unless the user has pending locks or pending bets: restoring a stale higher
// value over a local atomic decrement is the mirror-level double-spend hole.
func (v *Vault) SyncFromChain(addr string, available, locked sdkmath.Int) (bool, error) {
	if v.pending.Count(addr) > 0 {
		return false, nil
	}
	if v.pendingBetsFn != nil {
		n, err := v.pendingBetsFn(addr)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	b, err := v.GetBalance(addr)
	if err != nil {
		return false, err
	}
	b.Available = available
	b.Locked = locked
	return true, v.setBalance(addr, b)
}

// ---- Chain balance cache ----

func (v *Vault) CachedChainAvailable(addr string) (sdkmath.Int, bool) {
	return v.chainCache.Get(addr)
}

func (v *Vault) CacheChainAvailable(addr string, amount sdkmath.Int) {
	v.chainCache.Add(addr, amount)
}

// ---- Reporting ----

// Report is the user-facing balance view: chain-reported available minus
// pending locks minus off-chain spend (clamped at zero, overflow consuming
// bonus), plus locked.
type Report struct {
	Available sdkmath.Int `json:"available"`
	Locked    sdkmath.Int `json:"locked"`
	Total     sdkmath.Int `json:"total"`
}

// ReportBalance computes the view for addr given the chain-reported available
// balance.
func (v *Vault) ReportBalance(addr string, chainAvailable sdkmath.Int) (Report, error) {
	b, err := v.GetBalance(addr)
	if err != nil {
		return Report{}, err
	}
	b.Available = chainAvailable
	pending := v.pending.Total(addr)
	avail := Effective(b, pending)
	return Report{
		Available: avail,
		Locked:    b.Locked,
		Total:     avail.Add(b.Locked),
	}, nil
}

// Effective is the single place the spendable-balance arithmetic lives:
//
//	avail    = max(0, available - pending)
//	spend    = max(0, avail - offchain_spent)
//	overflow = max(0, offchain_spent - avail)
//	result   = spend + max(0, bonus - overflow)
func Effective(b Balance, pendingLocks sdkmath.Int) sdkmath.Int {
	normalizeBalance(&b)
	if pendingLocks.IsNil() {
		pendingLocks = sdkmath.ZeroInt()
	}

	avail := b.Available.Sub(pendingLocks)
	if avail.IsNegative() {
		avail = sdkmath.ZeroInt()
	}
	spend := avail.Sub(b.OffchainSpent)
	if spend.IsNegative() {
		spend = sdkmath.ZeroInt()
	}
	overflow := b.OffchainSpent.Sub(avail)
	if overflow.IsNegative() {
		overflow = sdkmath.ZeroInt()
	}
	bonus := b.Bonus.Sub(overflow)
	if bonus.IsNegative() {
		bonus = sdkmath.ZeroInt()
	}
	return spend.Add(bonus)
}
