package memory

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nik-popov/site-traffic-globe/internal/application/metric"
	"github.com/nik-popov/site-traffic-globe/internal/domain/geo"
	"github.com/nik-popov/site-traffic-globe/internal/domain/output"
	"github.com/nik-popov/site-traffic-globe/internal/domain/rooms"
)

// Member is one connection's record inside a room. Position is nil when
// geolocation was unavailable at connect time.
type Member struct {
	ID       uuid.UUID
	Position *geo.Position
}

// RoomRegistry is the process-wide mapping from room id to its member set.
type RoomRegistry interface {
	// Join adds a connection to a room, creating the room on first join.
	Join(roomID string, member Member)

	// Leave removes a connection from a room and reports whether it was
	// actually a member, decided under the registry's write lock. Leaving a
	// room the connection is not in is a no-op. Emptied rooms are deleted.
	Leave(roomID string, connID uuid.UUID) bool

	// RoomOf returns the room the connection currently belongs to.
	RoomOf(connID uuid.UUID) (string, bool)

	// Snapshot returns a copy of the room's member set at one point in time.
	Snapshot(roomID string) []Member

	// Count returns the number of members in a room.
	Count(roomID string) int

	// Summaries lists active rooms for discovery, excluding the default room
	// and empty rooms, ordered by room id.
	Summaries() []output.RoomSummary
}

type roomRegistry struct {
	// rooms stores map[room_id]map[conn_id]Member
	rooms map[string]map[uuid.UUID]Member

	// conns stores map[conn_id]room_id, one room per connection
	conns map[uuid.UUID]string

	mu sync.RWMutex
}

func NewRoomRegistry() RoomRegistry {
	return &roomRegistry{
		rooms: make(map[string]map[uuid.UUID]Member),
		conns: make(map[uuid.UUID]string),
	}
}

func (r *roomRegistry) Join(roomID string, member Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		room = make(map[uuid.UUID]Member)
		r.rooms[roomID] = room
	}

	room[member.ID] = member
	r.conns[member.ID] = roomID

	metric.SetActiveRooms(len(r.rooms))
}

func (r *roomRegistry) Leave(roomID string, connID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return false
	}

	if _, exists := room[connID]; !exists {
		return false
	}

	delete(room, connID)
	delete(r.conns, connID)

	if len(room) == 0 {
		delete(r.rooms, roomID)
	}

	metric.SetActiveRooms(len(r.rooms))

	return true
}

func (r *roomRegistry) RoomOf(connID uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, exists := r.conns[connID]
	return roomID, exists
}

func (r *roomRegistry) Snapshot(roomID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[roomID]

	members := make([]Member, 0, len(room))
	for _, member := range room {
		members = append(members, member)
	}

	return members
}

func (r *roomRegistry) Count(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms[roomID])
}

func (r *roomRegistry) Summaries() []output.RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]output.RoomSummary, 0, len(r.rooms))

	for roomID, room := range r.rooms {
		if roomID == rooms.DefaultID || len(room) == 0 {
			continue
		}

		summaries = append(summaries, output.RoomSummary{
			ID:        roomID,
			UserCount: len(room),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ID < summaries[j].ID
	})

	return summaries
}
