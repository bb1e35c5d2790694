package server

import (
	"github.com/labstack/echo/v4"

	"github.com/nik-popov/site-traffic-globe/internal/infra/ports/http/handlers"
	"github.com/nik-popov/site-traffic-globe/internal/infra/ports/http/middleware"
)

func New(
	roomsHandler *handlers.RoomsHandler,
	wsHandler *handlers.WebSocketHandler,
) *echo.Echo {
	e := echo.New()

	e.HideBanner = true

	e.Use(middleware.SlogLogger())
	e.Use(middleware.PrometheusMiddleware())

	e.GET("/rooms", roomsHandler.ListRooms)
	e.GET("/ws", wsHandler.Handle)

	e.Static("/", "web")

	return e
}
