package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthRoutes answers liveness probes.
type HealthRoutes struct{}

// RegisterRoutes registers the health endpoint.
func (h *HealthRoutes) RegisterRoutes(s *echo.Echo) {
	s.GET("/health", handleHealth)
}

func handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
