package relayer

import (
	"sync"
	"time"
)

// Guard is the per-user in-flight guard. It is independent of the broadcast
// mutex: it exists to bounce double-click submissions before they queue up
// behind a 1-2 s broadcast.
type Guard struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

func NewGuard(window time.Duration) *Guard {
	return &Guard{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Begin claims the guard for addr. A second attempt within the cooldown
// window fails with ErrActionInProgress.
func (g *Guard) Begin(addr string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if ts, ok := g.last[addr]; ok && now.Sub(ts) < g.window {
		return ErrActionInProgress.Wrapf("address %s", addr)
	}
	g.last[addr] = now
	return nil
}

// End releases the guard early. Handlers that abort before reaching the
// relayer call this so the user can retry immediately.
func (g *Guard) End(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, addr)
}
