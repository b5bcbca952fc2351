package notify

import (
	"sync"
	"time"

	"cosmossdk.io/log"
)

// Event kinds published by the coordination core. The WebSocket fan-out that
// delivers them to clients lives outside this process boundary.
const (
	KindBetCreated     = "bet_created"
	KindBetAccepting   = "bet_accepting"
	KindBetAccepted    = "bet_accepted"
	KindAcceptReverted = "bet_accept_reverted"
	KindBetCanceled    = "bet_canceled"
	KindBetRevealed    = "bet_revealed"
	KindTimeoutClaimed = "bet_timeout_claimed"
	KindCreateFailed   = "bet_create_failed"
	KindAcceptFailed   = "accept_failed"
	KindCancelFailed   = "cancel_failed"
	KindJackpotWon     = "jackpot_won"
	KindBalanceUpdated = "balance_updated"
)

// Event is one notification. User targets the event at a single address;
// empty User means broadcast.
type Event struct {
	Kind    string    `json:"kind"`
	User    string    `json:"user,omitempty"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Bus is an in-process at-most-once fan-out. Publish never blocks: a
// subscriber whose buffer is full misses the event, and publish failures are
// never fatal to the caller.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	logger log.Logger
}

func NewBus(logger log.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.With("module", "notify"),
	}
}

// Subscribe registers a buffered subscriber channel.
func (b *Bus) Subscribe(buffer int) (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	return id, ch
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers ev to every subscriber that has room.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("subscriber buffer full, dropping event", "subscriber", id, "kind", ev.Kind)
		}
	}
}

// PublishTo targets a single user.
func (b *Bus) PublishTo(user, kind string, payload any) {
	b.Publish(Event{Kind: kind, User: user, Payload: payload})
}
