package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nik-popov/site-traffic-globe/internal/domain/events"
	"github.com/nik-popov/site-traffic-globe/internal/domain/geo"
	"github.com/nik-popov/site-traffic-globe/internal/infra/adapters/memory"
	"github.com/nik-popov/site-traffic-globe/internal/usecase"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeConns implements memory.ConnRepository and records every delivered
// payload per connection. Connections marked as failing reject all writes.
type fakeConns struct {
	mu      sync.Mutex
	writes  map[uuid.UUID][]any
	failing map[uuid.UUID]bool
	closed  map[uuid.UUID]int
	removed map[uuid.UUID]int

	// closeDelay widens the eviction window the way a real socket-close
	// syscall does. Set before any concurrent use.
	closeDelay time.Duration
}

func newFakeConns() *fakeConns {
	return &fakeConns{
		writes:  make(map[uuid.UUID][]any),
		failing: make(map[uuid.UUID]bool),
		closed:  make(map[uuid.UUID]int),
		removed: make(map[uuid.UUID]int),
	}
}

func (f *fakeConns) Add(connID uuid.UUID, conn *websocket.Conn) {}

func (f *fakeConns) Remove(connID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[connID]++
}

func (f *fakeConns) Write(connID uuid.UUID, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing[connID] {
		return errBrokenPipe
	}

	f.writes[connID] = append(f.writes[connID], payload)
	return nil
}

func (f *fakeConns) Ping(connID uuid.UUID) error { return nil }

func (f *fakeConns) Close(connID uuid.UUID) {
	if f.closeDelay > 0 {
		time.Sleep(f.closeDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[connID]++
}

func (f *fakeConns) fail(connID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[connID] = true
}

func (f *fakeConns) received(connID uuid.UUID) []any {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]any, len(f.writes[connID]))
	copy(out, f.writes[connID])
	return out
}

func addMarkersFor(payloads []any, markerID uuid.UUID) []events.AddMarkerEvent {
	var out []events.AddMarkerEvent
	for _, p := range payloads {
		if ev, ok := p.(events.AddMarkerEvent); ok && ev.Position.ID == markerID.String() {
			out = append(out, ev)
		}
	}
	return out
}

func removeMarkersFor(payloads []any, id uuid.UUID) []events.RemoveMarkerEvent {
	var out []events.RemoveMarkerEvent
	for _, p := range payloads {
		if ev, ok := p.(events.RemoveMarkerEvent); ok && ev.ID == id.String() {
			out = append(out, ev)
		}
	}
	return out
}

func chatMessages(payloads []any) []events.ChatMessageEvent {
	var out []events.ChatMessageEvent
	for _, p := range payloads {
		if ev, ok := p.(events.ChatMessageEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

func lastRoomUpdate(t *testing.T, payloads []any) events.RoomUpdateEvent {
	t.Helper()

	var last events.RoomUpdateEvent
	found := false
	for _, p := range payloads {
		if ev, ok := p.(events.RoomUpdateEvent); ok {
			last = ev
			found = true
		}
	}
	require.True(t, found, "no room-update received")
	return last
}

func pos(lat, lng float64) *geo.Position {
	return &geo.Position{Lat: lat, Lng: lng}
}

func chatFrame(text string) []byte {
	return []byte(fmt.Sprintf(`{"type":"chat-message","id":"spoofed","text":%q,"timestamp":"2026-08-31T12:00:00Z"}`, text))
}

func TestConnectReplayAndAnnounce(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRoomRegistry()
	conns := newFakeConns()
	uc := usecase.NewPresenceUsecase(registry, conns)

	a := uuid.New()
	b := uuid.New()

	require.NoError(t, uc.HandleConnect(ctx, a, "abc123", pos(10, 20)))

	// The room was empty, so A got no replay; its own marker arrives once
	// via the announce broadcast.
	assert.Empty(t, addMarkersFor(conns.received(a), b))
	assert.Len(t, addMarkersFor(conns.received(a), a), 1)
	assert.Equal(t, events.NewRoomUpdate("abc123", 1), lastRoomUpdate(t, conns.received(a)))

	require.NoError(t, uc.HandleConnect(ctx, b, "abc123", pos(30, 40)))

	// B got exactly one replayed marker for A and its own marker once.
	assert.Len(t, addMarkersFor(conns.received(b), a), 1)
	assert.Len(t, addMarkersFor(conns.received(b), b), 1)

	// A got exactly one marker for B.
	assert.Len(t, addMarkersFor(conns.received(a), b), 1)

	assert.Equal(t, events.NewRoomUpdate("abc123", 2), lastRoomUpdate(t, conns.received(a)))
	assert.Equal(t, events.NewRoomUpdate("abc123", 2), lastRoomUpdate(t, conns.received(b)))
}

func TestConnectWithoutPositionStillCountsTowardRoom(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRoomRegistry()
	conns := newFakeConns()
	uc := usecase.NewPresenceUsecase(registry, conns)

	a := uuid.New()
	ghost := uuid.New()
	b := uuid.New()

	require.NoError(t, uc.HandleConnect(ctx, a, "abc123", pos(10, 20)))
	require.NoError(t, uc.HandleConnect(ctx, ghost, "abc123", nil))

	// No marker for the position-less connection, but the count includes it.
	assert.Empty(t, addMarkersFor(conns.received(a), ghost))
	assert.Equal(t, events.NewRoomUpdate("abc123", 2), lastRoomUpdate(t, conns.received(a)))

	// The replay for later joiners skips it too.
	require.NoError(t, uc.HandleConnect(ctx, b, "abc123", pos(30, 40)))
	assert.Empty(t, addMarkersFor(conns.received(b), ghost))
	assert.Len(t, addMarkersFor(conns.received(b), a), 1)
}

func TestRoomsAreIsolated(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRoomRegistry()
	conns := newFakeConns()
	uc := usecase.NewPresenceUsecase(registry, conns)

	a := uuid.New()
	b := uuid.New()

	require.NoError(t, uc.HandleConnect(ctx, a, "abc123", pos(10, 20)))
	require.NoError(t, uc.HandleConnect(ctx, b, "xyz789", pos(30, 40)))

	assert.Empty(t, addMarkersFor(conns.received(a), b))
	assert.Empty(t, addMarkersFor(conns.received(b), a))

	require.NoError(t, uc.HandleChat(ctx, b, chatFrame("hello")))
	assert.Empty(t, chatMessages(conns.received(a)))

	require.NoError(t, uc.HandleDisconnect(ctx, b))
	assert.Empty(t, removeMarkersFor(conns.received(a), b))
}

func TestChatFanOut(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRoomRegistry()
	conns := newFakeConns()
	uc := usecase.NewPresenceUsecase(registry, conns)

	a := uuid.New()
	b := uuid.New()

	require.NoError(t, uc.HandleConnect(ctx, a, "abc123", pos(10, 20)))
	require.NoError(t, uc.HandleConnect(ctx, b, "abc123", pos(30, 40)))

	require.NoError(t, uc.HandleChat(ctx, a, chatFrame("hello globe")))

	got := chatMessages(conns.received(b))
	require.Len(t, got, 1)
	assert.Equal(t, "hello globe", got[0].Text)

	// The server-known sender identity wins over the client-claimed one.
	assert.Equal(t, a.String(), got[0].ID)

	// The sender already echoed the line locally.
	assert.Empty(t, chatMessages(conns.received(a)))
}

func TestOversizeChatIsDropped(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRoomRegistry()
	conns := newFakeConns()
	uc := usecase.NewPresenceUsecase(registry, conns)

	a := uuid.New()
	b := uuid.New()

	require.NoError(t, uc.HandleConnect(ctx, a, "abc123", pos(10, 20)))
	require.NoError(t, uc.HandleConnect(ctx, b, "abc123", pos(30, 40)))

	require.NoError(t, uc.HandleChat(ctx, a, chatFrame(strings.Repeat("x", 201))))
	require.NoError(t, uc.HandleChat(ctx, a, []byte("not json")))

	assert.Empty(t, chatMessages(conns.received(b)))
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRoomRegistry()
	conns := newFakeConns()
	uc := usecase.NewPresenceUsecase(registry, conns)

	a := uuid.New()
	b := uuid.New()

	require.NoError(t, uc.HandleConnect(ctx, a, "abc123", pos(10, 20)))
	require.NoError(t, uc.HandleConnect(ctx, b, "abc123", pos(30, 40)))

	require.NoError(t, uc.HandleDisconnect(ctx, a))

	assert.Len(t, removeMarkersFor(conns.received(b), a), 1)
	assert.Equal(t, events.NewRoomUpdate("abc123", 1), lastRoomUpdate(t, conns.received(b)))
	assert.Equal(t, 1, registry.Count("abc123"))

	// A second disconnect for the same connection is a no-op.
	require.NoError(t, uc.HandleDisconnect(ctx, a))
	assert.Len(t, removeMarkersFor(conns.received(b), a), 1)
}

func TestFailedDeliveryEvictsTarget(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRoomRegistry()
	conns := newFakeConns()
	uc := usecase.NewPresenceUsecase(registry, conns)

	a := uuid.New()
	b := uuid.New()
	c := uuid.New()

	require.NoError(t, uc.HandleConnect(ctx, a, "abc123", pos(10, 20)))
	require.NoError(t, uc.HandleConnect(ctx, b, "abc123", pos(30, 40)))
	require.NoError(t, uc.HandleConnect(ctx, c, "abc123", pos(50, 60)))

	conns.fail(b)

	require.NoError(t, uc.HandleChat(ctx, a, chatFrame("hello")))

	// C still got the chat line; the failure delivering to B did not block it.
	require.Len(t, chatMessages(conns.received(c)), 1)

	// B was treated as disconnected: removed from the room, socket closed,
	// and announced to the remaining members exactly once.
	assert.Equal(t, 2, registry.Count("abc123"))
	_, ok := registry.RoomOf(b)
	assert.False(t, ok)
	assert.Equal(t, 1, conns.closed[b])
	assert.Len(t, removeMarkersFor(conns.received(a), b), 1)
	assert.Len(t, removeMarkersFor(conns.received(c), b), 1)

	assert.Equal(t, events.NewRoomUpdate("abc123", 2), lastRoomUpdate(t, conns.received(a)))
}

func TestConcurrentFailuresAnnounceEvictionOnce(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRoomRegistry()
	conns := newFakeConns()
	conns.closeDelay = 5 * time.Millisecond
	uc := usecase.NewPresenceUsecase(registry, conns)

	sender1 := uuid.New()
	sender2 := uuid.New()
	observer := uuid.New()
	victim := uuid.New()

	require.NoError(t, uc.HandleConnect(ctx, sender1, "abc123", pos(10, 20)))
	require.NoError(t, uc.HandleConnect(ctx, sender2, "abc123", pos(30, 40)))
	require.NoError(t, uc.HandleConnect(ctx, observer, "abc123", pos(50, 60)))
	require.NoError(t, uc.HandleConnect(ctx, victim, "abc123", pos(70, 80)))

	conns.fail(victim)

	// Two fan-outs fail writing to the victim at the same time; only one of
	// them may win the eviction and announce it.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, uc.HandleChat(ctx, sender1, chatFrame("one")))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, uc.HandleChat(ctx, sender2, chatFrame("two")))
	}()
	wg.Wait()

	assert.Len(t, removeMarkersFor(conns.received(observer), victim), 1)
	assert.Equal(t, 1, conns.closed[victim])
	assert.Equal(t, 3, registry.Count("abc123"))
}

func TestReplayFailureEvictsNewcomerQuietly(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRoomRegistry()
	conns := newFakeConns()
	uc := usecase.NewPresenceUsecase(registry, conns)

	a := uuid.New()
	b := uuid.New()

	require.NoError(t, uc.HandleConnect(ctx, a, "abc123", pos(10, 20)))

	conns.fail(b)

	require.Error(t, uc.HandleConnect(ctx, b, "abc123", pos(30, 40)))

	// The newcomer is gone again, and the room never hears about a marker
	// that was never announced.
	_, ok := registry.RoomOf(b)
	assert.False(t, ok)
	assert.Equal(t, 1, registry.Count("abc123"))
	assert.Empty(t, removeMarkersFor(conns.received(a), b))
	assert.Equal(t, events.NewRoomUpdate("abc123", 1), lastRoomUpdate(t, conns.received(a)))
}

func TestCleanupBroadcastDoesNotRecurse(t *testing.T) {
	ctx := context.Background()
	registry := memory.NewRoomRegistry()
	conns := newFakeConns()
	uc := usecase.NewPresenceUsecase(registry, conns)

	a := uuid.New()
	b := uuid.New()
	c := uuid.New()

	require.NoError(t, uc.HandleConnect(ctx, a, "abc123", pos(10, 20)))
	require.NoError(t, uc.HandleConnect(ctx, b, "abc123", pos(30, 40)))
	require.NoError(t, uc.HandleConnect(ctx, c, "abc123", pos(50, 60)))

	// Both remaining members fail while A's departure is being announced.
	conns.fail(b)
	conns.fail(c)

	require.NoError(t, uc.HandleDisconnect(ctx, a))

	// Everyone ended up cleaned out of the room, and the cascade terminated.
	assert.Equal(t, 0, registry.Count("abc123"))
	assert.Equal(t, 1, conns.closed[b])
	assert.Equal(t, 1, conns.closed[c])
}
