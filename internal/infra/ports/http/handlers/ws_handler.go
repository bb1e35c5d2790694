package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nik-popov/site-traffic-globe/internal/application/config"
	"github.com/nik-popov/site-traffic-globe/internal/application/constant"
	"github.com/nik-popov/site-traffic-globe/internal/domain/geo"
	"github.com/nik-popov/site-traffic-globe/internal/domain/rooms"
	"github.com/nik-popov/site-traffic-globe/internal/infra/adapters/memory"
	"github.com/nik-popov/site-traffic-globe/internal/usecase"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

type WebSocketHandler struct {
	upgrader *websocket.Upgrader

	presenceUsecase usecase.PresenceUsecase

	conns memory.ConnRepository
}

func NewWebSocketHandler(cfg *config.Config, presenceUsecase usecase.PresenceUsecase, conns memory.ConnRepository) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.Debug {
					return true
				}

				return r.Header.Get("Origin") == cfg.Domain
			},
		},
		presenceUsecase: presenceUsecase,
		conns:           conns,
	}
}

func (h *WebSocketHandler) Handle(c echo.Context) error {
	roomID := c.QueryParam("room")
	if roomID == "" {
		roomID = rooms.DefaultID
	}

	if !rooms.ValidID(roomID) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid room code"})
	}

	// Geolocation comes from the edge proxy when deployed behind one; the
	// query parameters are the fallback for local runs.
	rawLat := c.Request().Header.Get("CF-IPLatitude")
	rawLng := c.Request().Header.Get("CF-IPLongitude")
	if rawLat == "" || rawLng == "" {
		rawLat = c.QueryParam("lat")
		rawLng = c.QueryParam("lng")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error(
			"WebSocket upgrade error",
			slog.Any(constant.Error, err),
		)
		return err
	}
	defer ws.Close()

	connID := uuid.New()

	h.conns.Add(connID, ws)
	defer h.conns.Remove(connID)

	var pos *geo.Position
	if p, ok := geo.Resolve(rawLat, rawLng); ok {
		pos = &p
	} else {
		slog.Warn(
			"missing position information",
			slog.String(constant.ConnID, connID.String()),
		)
	}

	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := h.conns.Ping(connID); err != nil {
					return
				}
			case <-c.Request().Context().Done():
				return
			}
		}
	}()

	if err := h.presenceUsecase.HandleConnect(c.Request().Context(), connID, roomID, pos); err != nil {
		slog.Error(
			"handle connect",
			slog.Any(constant.Error, err),
			slog.String(constant.ConnID, connID.String()),
		)
		return nil
	}

	for {
		select {
		case <-c.Request().Context().Done():
			if err := h.presenceUsecase.HandleDisconnect(c.Request().Context(), connID); err != nil {
				slog.Error(
					"handle disconnect on context cancel",
					slog.Any(constant.Error, err),
					slog.String(constant.ConnID, connID.String()),
				)
			}
			return nil
		default:
			_, msg, err := ws.ReadMessage()
			if err != nil {
				h.logWebsocketError(connID, err)

				// Close and error paths are treated identically
				if err := h.presenceUsecase.HandleDisconnect(c.Request().Context(), connID); err != nil {
					slog.Error(
						"handle disconnect",
						slog.Any(constant.Error, err),
						slog.String(constant.ConnID, connID.String()),
					)
				}

				return nil
			}

			if err := h.presenceUsecase.HandleChat(c.Request().Context(), connID, msg); err != nil {
				slog.Error(
					"handle chat message",
					slog.Any(constant.Error, err),
					slog.String(constant.ConnID, connID.String()),
				)
			}
		}
	}
}

func (h *WebSocketHandler) logWebsocketError(connID uuid.UUID, err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			slog.Info("visitor disconnected", slog.String(constant.ConnID, connID.String()))
		default:
			slog.Error(
				"websocket close error",
				slog.Any(constant.Error, err),
				slog.String(constant.ConnID, connID.String()),
			)
		}
	} else {
		slog.Error(
			"websocket read",
			slog.Any(constant.Error, err),
			slog.String(constant.ConnID, connID.String()),
		)
	}
}
