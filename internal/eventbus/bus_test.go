package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type relayCall struct {
	event  Event
	except string
}

type recordingRelayer struct {
	mu    sync.Mutex
	calls []relayCall
	peers int
}

func (r *recordingRelayer) RelayExcept(_ context.Context, event Event, except string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, relayCall{event: event, except: except})
	return r.peers
}

func newTestBus(t *testing.T, origin string, capacity int) (*Bus, *recordingRelayer, *[]Event) {
	t.Helper()
	bus, err := New(Config{
		Origin:         origin,
		DedupeCapacity: capacity,
		Clock:          func() time.Time { return time.UnixMicro(1_000_000) },
	})
	require.NoError(t, err)
	relayer := &recordingRelayer{peers: 2}
	handled := make([]Event, 0)
	bus.SetRelayer(relayer)
	bus.SetHandler(func(_ context.Context, _ string, event Event) { handled = append(handled, event) })
	return bus, relayer, &handled
}

func TestPublishAssignsIncreasingIDs(t *testing.T) {
	bus, relayer, handled := newTestBus(t, "server-a", 0)

	first, err := bus.Publish(context.Background(), Event{Kind: KindMessage, Channel: "#general", Text: "hi"})
	require.NoError(t, err)
	second, err := bus.Publish(context.Background(), Event{Kind: KindTyping, Channel: "#general"})
	require.NoError(t, err)

	require.Equal(t, "server-a", first.ID.Origin)
	require.Equal(t, uint64(1_000_001), first.ID.Counter)
	require.Equal(t, first.ID.Counter+1, second.ID.Counter)
	require.Len(t, relayer.calls, 2)
	require.Equal(t, "", relayer.calls[0].except)
	require.Empty(t, *handled)
}

func TestReceiveDedupesAndRelaysMinusSender(t *testing.T) {
	bus, relayer, handled := newTestBus(t, "server-b", 0)
	event := Event{ID: ID{Origin: "server-a", Counter: 7}, Kind: KindMessage, Channel: "#general", Text: "hi"}

	fresh, err := bus.Receive(context.Background(), "server-a", event)
	require.NoError(t, err)
	require.True(t, fresh)

	again, err := bus.Receive(context.Background(), "server-c", event)
	require.NoError(t, err)
	require.False(t, again)

	require.Len(t, *handled, 1)
	require.Len(t, relayer.calls, 1)
	require.Equal(t, "server-a", relayer.calls[0].except)
}

func TestReceiveDropsOwnEcho(t *testing.T) {
	bus, relayer, handled := newTestBus(t, "server-a", 0)
	published, err := bus.Publish(context.Background(), Event{Kind: KindReaction, Channel: "#general"})
	require.NoError(t, err)

	fresh, err := bus.Receive(context.Background(), "server-b", published)
	require.NoError(t, err)
	require.False(t, fresh)
	require.Empty(t, *handled)
	require.Len(t, relayer.calls, 1)
}

func TestDedupeCacheIsBoundedPerOrigin(t *testing.T) {
	bus, _, _ := newTestBus(t, "server-b", 2)
	for counter := uint64(1); counter <= 3; counter++ {
		_, err := bus.Receive(context.Background(), "server-a", Event{ID: ID{Origin: "server-a", Counter: counter}, Kind: KindTyping})
		require.NoError(t, err)
	}
	_, err := bus.Receive(context.Background(), "server-c", Event{ID: ID{Origin: "server-c", Counter: 1}, Kind: KindTyping})
	require.NoError(t, err)

	require.False(t, bus.Seen(ID{Origin: "server-a", Counter: 1}), "oldest entry should be evicted")
	require.True(t, bus.Seen(ID{Origin: "server-a", Counter: 3}))
	require.True(t, bus.Seen(ID{Origin: "server-c", Counter: 1}), "origins must not evict each other")
}

func TestOriginCountIsBounded(t *testing.T) {
	bus, err := New(Config{Origin: "server-b", OriginCapacity: 2})
	require.NoError(t, err)
	for index := 0; index < 5; index++ {
		origin := fmt.Sprintf("forged-%d", index)
		_, err := bus.Receive(context.Background(), "server-a", Event{ID: ID{Origin: origin, Counter: 1}, Kind: KindTyping})
		require.NoError(t, err)
	}

	require.Equal(t, 2, bus.Origins())
	require.False(t, bus.Seen(ID{Origin: "forged-0", Counter: 1}), "least recently active origin should be forgotten")
	require.True(t, bus.Seen(ID{Origin: "forged-4", Counter: 1}))
}

func TestReceiveRejectsInvalidEvents(t *testing.T) {
	bus, _, _ := newTestBus(t, "server-b", 0)
	_, err := bus.Receive(context.Background(), "server-a", Event{Kind: KindMessage})
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = bus.Receive(context.Background(), "server-a", Event{ID: ID{Origin: "server-a", Counter: 1}, Kind: "shout"})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestParseIDRoundTrip(t *testing.T) {
	id := ID{Origin: "did:web:server-a", Counter: 42}
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	for _, raw := range []string{"", "nocounter", ":5", fmt.Sprintf("origin:%s", "x")} {
		_, err := ParseID(raw)
		require.ErrorIs(t, err, ErrInvalidEvent, raw)
	}
}
