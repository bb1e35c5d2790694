package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nik-popov/site-traffic-globe/internal/domain/output"
	"github.com/nik-popov/site-traffic-globe/internal/usecase"
)

type RoomsHandler struct {
	directoryUsecase usecase.DirectoryUsecase
}

func NewRoomsHandler(directoryUsecase usecase.DirectoryUsecase) *RoomsHandler {
	return &RoomsHandler{directoryUsecase: directoryUsecase}
}

// ListRooms serves the discovery query: every active room and its user count.
func (h *RoomsHandler) ListRooms(c echo.Context) error {
	summaries := h.directoryUsecase.ListRooms(c.Request().Context())

	return c.JSON(http.StatusOK, output.RoomListResponse{Rooms: summaries})
}
