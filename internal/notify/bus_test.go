package notify

import (
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := NewBus(log.NewNopLogger())
	_, ch1 := b.Subscribe(4)
	_, ch2 := b.Subscribe(4)

	b.PublishTo("alice", KindBetCreated, map[string]any{"bet_id": uint64(1)})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			require.Equal(t, KindBetCreated, ev.Kind)
			require.Equal(t, "alice", ev.User)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	b := NewBus(log.NewNopLogger())
	_, ch := b.Subscribe(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.PublishTo("alice", KindBalanceUpdated, nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	// The buffered event is still readable; the overflow was dropped.
	require.Len(t, ch, 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(log.NewNopLogger())
	id, ch := b.Subscribe(1)
	b.Unsubscribe(id)

	b.PublishTo("alice", KindBetCanceled, nil)

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	default:
	}
}
