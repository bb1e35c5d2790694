package usecase

import (
	"context"

	"github.com/nik-popov/site-traffic-globe/internal/domain/output"
	"github.com/nik-popov/site-traffic-globe/internal/infra/adapters/memory"
)

type DirectoryUsecase interface {
	// ListRooms recomputes the discovery list from live room state.
	ListRooms(ctx context.Context) []output.RoomSummary
}

type directoryUsecase struct {
	registry memory.RoomRegistry
}

func NewDirectoryUsecase(registry memory.RoomRegistry) DirectoryUsecase {
	return &directoryUsecase{registry: registry}
}

func (u *directoryUsecase) ListRooms(ctx context.Context) []output.RoomSummary {
	return u.registry.Summaries()
}
