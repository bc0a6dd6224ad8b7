package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func (s *Server) registerRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.healthCheckHandler)
	e.GET("/values", s.valuesHandler)
	e.GET("/device", s.deviceHandler)

	return e
}

// healthCheckHandler reports OK once the meter produced its first telegram.
func (s *Server) healthCheckHandler(c echo.Context) error {
	if s.meter.ValuesJSON() == nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	return c.String(http.StatusOK, "health_check: OK")
}

func (s *Server) valuesHandler(c echo.Context) error {
	doc := s.meter.ValuesJSON()
	if doc == nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSONBlob(http.StatusOK, doc)
}

func (s *Server) deviceHandler(c echo.Context) error {
	doc := s.meter.DeviceJSON()
	if doc == nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSONBlob(http.StatusOK, doc)
}
