package vault

import (
	"context"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
)

// PendingLock is an in-memory reservation against a user's apparent available
// balance. It masks the window between a local lock landing in the mirror and
// the chain REST reflecting the new balance. Entries are never persisted.
type PendingLock struct {
	ID      int64
	Address string
	Amount  sdkmath.Int
	TS      time.Time
}

// PendingLocks is the process-wide pending-lock table. Entries auto-expire
// after the TTL as a safety net; normal removal is triggered by the
// background confirmation task.
type PendingLocks struct {
	mu      sync.Mutex
	ttl     time.Duration
	nextID  int64
	entries map[int64]PendingLock
	now     func() time.Time
}

func NewPendingLocks(ttl time.Duration) *PendingLocks {
	return &PendingLocks{
		ttl:     ttl,
		entries: make(map[int64]PendingLock),
		now:     time.Now,
	}
}

// Add registers a reservation and returns its lock id.
func (p *PendingLocks) Add(addr string, amount sdkmath.Int) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	p.entries[id] = PendingLock{ID: id, Address: addr, Amount: amount, TS: p.now()}
	return id
}

func (p *PendingLocks) Remove(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, id)
}

// RemoveDelayed removes the lock after d, giving the chain REST time to
// reflect the settled balance before the reservation stops masking it.
func (p *PendingLocks) RemoveDelayed(id int64, d time.Duration) {
	time.AfterFunc(d, func() { p.Remove(id) })
}

// Total sums live reservations for addr, pruning expired entries on the way.
func (p *PendingLocks) Total(addr string) sdkmath.Int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()
	total := sdkmath.ZeroInt()
	for _, e := range p.entries {
		if e.Address == addr {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// Count returns the number of live reservations for addr.
func (p *PendingLocks) Count(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneLocked()
	n := 0
	for _, e := range p.entries {
		if e.Address == addr {
			n++
		}
	}
	return n
}

func (p *PendingLocks) pruneLocked() {
	cutoff := p.now().Add(-p.ttl)
	for id, e := range p.entries {
		if e.TS.Before(cutoff) {
			delete(p.entries, id)
		}
	}
}

// RunJanitor prunes expired reservations until ctx is canceled.
func (p *PendingLocks) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.mu.Lock()
			p.pruneLocked()
			p.mu.Unlock()
		}
	}
}
