package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nik-popov/site-traffic-globe/internal/application/constant"
	"github.com/nik-popov/site-traffic-globe/internal/application/metric"
	"github.com/nik-popov/site-traffic-globe/internal/domain/events"
	"github.com/nik-popov/site-traffic-globe/internal/domain/geo"
	"github.com/nik-popov/site-traffic-globe/internal/infra/adapters/memory"
)

// DeliveryReport records the outcome of one fan-out, for observability only.
// Failed deliveries are already handled as disconnects; callers never retry.
type DeliveryReport struct {
	Delivered []uuid.UUID
	Failed    []uuid.UUID
}

type PresenceUsecase interface {
	// HandleConnect registers a freshly upgraded connection in its room,
	// replays the room's markers to it and announces it to the room.
	HandleConnect(ctx context.Context, connID uuid.UUID, roomID string, pos *geo.Position) error

	// HandleChat validates an inbound client frame and fans the chat line out
	// to the sender's room. Invalid frames are dropped silently.
	HandleChat(ctx context.Context, connID uuid.UUID, raw []byte) error

	// HandleDisconnect removes the connection from its room and announces the
	// departure. Close and error paths both land here; calling it for an
	// already removed connection is a no-op.
	HandleDisconnect(ctx context.Context, connID uuid.UUID) error
}

type presenceUsecase struct {
	registry memory.RoomRegistry
	conns    memory.ConnRepository
}

func NewPresenceUsecase(registry memory.RoomRegistry, conns memory.ConnRepository) PresenceUsecase {
	return &presenceUsecase{
		registry: registry,
		conns:    conns,
	}
}

func (s *presenceUsecase) HandleConnect(ctx context.Context, connID uuid.UUID, roomID string, pos *geo.Position) error {
	// Snapshot before joining so the replay never includes the newcomer.
	peers := s.registry.Snapshot(roomID)

	s.registry.Join(roomID, memory.Member{ID: connID, Position: pos})

	slog.Info(
		"connection joined room",
		slog.String(constant.ConnID, connID.String()),
		slog.String(constant.RoomID, roomID),
	)

	for _, peer := range peers {
		if peer.Position == nil {
			continue
		}

		marker := events.Marker{ID: peer.ID.String(), Lat: peer.Position.Lat, Lng: peer.Position.Lng}
		if err := s.conns.Write(connID, events.NewAddMarker(marker)); err != nil {
			// The newcomer was never announced, so there is nothing for the
			// room to remove.
			s.evict(connID, false)
			return fmt.Errorf("replay markers: %w", err)
		}
	}

	if pos != nil {
		// The whole room learns the new marker, the newcomer included; the
		// replay above covered pre-existing members only.
		marker := events.Marker{ID: connID.String(), Lat: pos.Lat, Lng: pos.Lng}
		s.broadcast(roomID, events.NewAddMarker(marker), true)
	}

	s.broadcastRoomUpdate(roomID, true)

	return nil
}

func (s *presenceUsecase) HandleChat(ctx context.Context, connID uuid.UUID, raw []byte) error {
	msg, err := events.DecodeChatMessage(raw)
	if err != nil {
		slog.Debug(
			"dropping client frame",
			slog.Any(constant.Error, err),
			slog.String(constant.ConnID, connID.String()),
		)
		return nil
	}

	roomID, ok := s.registry.RoomOf(connID)
	if !ok {
		return nil
	}

	metric.IncrementChatMessages()

	// The sender id comes from the connection, not from the client's frame,
	// and the sender is excluded: its UI already echoed the line locally.
	s.broadcast(roomID, events.NewChatMessage(connID.String(), msg.Text, msg.Timestamp), true, connID)

	return nil
}

func (s *presenceUsecase) HandleDisconnect(ctx context.Context, connID uuid.UUID) error {
	roomID, ok := s.registry.RoomOf(connID)
	if !ok {
		return nil
	}

	if !s.registry.Leave(roomID, connID) {
		return nil
	}

	slog.Info(
		"connection left room",
		slog.String(constant.ConnID, connID.String()),
		slog.String(constant.RoomID, roomID),
	)

	s.broadcast(roomID, events.NewRemoveMarker(connID.String()), true)
	s.broadcastRoomUpdate(roomID, true)

	return nil
}

// broadcast delivers payload to every member of the room not in exclude.
// Each delivery is independent; a failed write marks the target as
// disconnected. With cascade set, evicted targets are announced to the room
// with a remove-marker; the cleanup broadcast itself runs without cascade so
// it cannot re-enter.
func (s *presenceUsecase) broadcast(roomID string, payload any, cascade bool, exclude ...uuid.UUID) DeliveryReport {
	skip := make(map[uuid.UUID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var report DeliveryReport

	for _, member := range s.registry.Snapshot(roomID) {
		if _, ok := skip[member.ID]; ok {
			continue
		}

		if err := s.conns.Write(member.ID, payload); err != nil {
			slog.Warn(
				"broadcast delivery failed",
				slog.Any(constant.Error, err),
				slog.String(constant.ConnID, member.ID.String()),
				slog.String(constant.RoomID, roomID),
			)
			report.Failed = append(report.Failed, member.ID)
			continue
		}

		report.Delivered = append(report.Delivered, member.ID)
	}

	metric.AddBroadcastDeliveries(len(report.Delivered))

	for _, connID := range report.Failed {
		metric.IncrementBroadcastFailures()
		s.evict(connID, cascade)
	}

	return report
}

// evict treats a failed delivery as the target's disconnect. Closing the
// socket also unblocks the target's read loop; its own disconnect handling
// then finds the registry already clean and does nothing.
func (s *presenceUsecase) evict(connID uuid.UUID, cascade bool) {
	roomID, ok := s.registry.RoomOf(connID)
	if !ok {
		return
	}

	// The removal is the gate: of any concurrent evictions of the same
	// connection, only the one that actually removed it announces it.
	if !s.registry.Leave(roomID, connID) {
		return
	}

	s.conns.Close(connID)
	s.conns.Remove(connID)

	if cascade {
		s.broadcast(roomID, events.NewRemoveMarker(connID.String()), false)
		s.broadcastRoomUpdate(roomID, false)
	}
}

func (s *presenceUsecase) broadcastRoomUpdate(roomID string, cascade bool) {
	s.broadcast(roomID, events.NewRoomUpdate(roomID, s.registry.Count(roomID)), cascade)
}
