package routes

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chatico/mapper/internal/routing"
)

// RouteInvalidator drops a cached owner route after registry mutations.
type RouteInvalidator interface {
	Invalidate(ownerID string)
}

// WorkerAppRoutes registers the worker app management API.
type WorkerAppRoutes struct {
	registry routing.Admin
	routes   RouteInvalidator
}

// NewWorkerAppRoutes constructs the worker app CRUD routes.
func NewWorkerAppRoutes(registry routing.Admin, routes RouteInvalidator) *WorkerAppRoutes {
	return &WorkerAppRoutes{registry: registry, routes: routes}
}

// RegisterRoutes registers worker app endpoints.
func (w *WorkerAppRoutes) RegisterRoutes(s *echo.Echo) {
	api := s.Group("/api/v1/worker-apps")

	api.POST("", w.handleCreate)
	api.GET("", w.handleList)
	api.GET("/:id", w.handleGet)
	api.PUT("/:id", w.handleUpdate)
	api.POST("/:id/activate", w.handleActivate)
	api.POST("/:id/deactivate", w.handleDeactivate)
	api.DELETE("/:id", w.handleDelete)
}

type workerAppRequest struct {
	OwnerID string `json:"owner_id"`
	AppName string `json:"app_name"`
	Mode    string `json:"mode"`
	Target  string `json:"target"`
	Active  bool   `json:"active"`
}

type workerAppResponse struct {
	ID        int64  `json:"id"`
	OwnerID   string `json:"owner_id"`
	AppName   string `json:"app_name"`
	Mode      string `json:"mode"`
	Target    string `json:"target"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func (w *WorkerAppRoutes) handleCreate(c echo.Context) error {
	var req workerAppRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if msg := validateAppRequest(req); msg != "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
	}

	app, err := w.registry.Create(c.Request().Context(), routing.CreateAppParams{
		OwnerID: strings.TrimSpace(req.OwnerID),
		AppName: strings.TrimSpace(req.AppName),
		Mode:    requestMode(req.Mode),
		Target:  strings.TrimSpace(req.Target),
		Active:  req.Active,
	})
	if err != nil {
		return w.registryError(c, err)
	}
	w.invalidate(app.OwnerID)
	return c.JSON(http.StatusCreated, toAppResponse(app))
}

func (w *WorkerAppRoutes) handleList(c echo.Context) error {
	apps, err := w.registry.List(c.Request().Context())
	if err != nil {
		return w.registryError(c, err)
	}
	out := make([]workerAppResponse, 0, len(apps))
	for _, app := range apps {
		out = append(out, toAppResponse(app))
	}
	return c.JSON(http.StatusOK, out)
}

func (w *WorkerAppRoutes) handleGet(c echo.Context) error {
	id, err := appID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid app id"})
	}
	app, err := w.registry.Get(c.Request().Context(), id)
	if err != nil {
		return w.registryError(c, err)
	}
	return c.JSON(http.StatusOK, toAppResponse(app))
}

func (w *WorkerAppRoutes) handleUpdate(c echo.Context) error {
	id, err := appID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid app id"})
	}
	var req workerAppRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.Target) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "target is required"})
	}
	if msg := validateMode(req.Mode); msg != "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
	}

	app, err := w.registry.Update(c.Request().Context(), id, routing.UpdateAppParams{
		Mode:   requestMode(req.Mode),
		Target: strings.TrimSpace(req.Target),
	})
	if err != nil {
		return w.registryError(c, err)
	}
	w.invalidate(app.OwnerID)
	return c.JSON(http.StatusOK, toAppResponse(app))
}

func (w *WorkerAppRoutes) handleActivate(c echo.Context) error {
	return w.setActive(c, true)
}

func (w *WorkerAppRoutes) handleDeactivate(c echo.Context) error {
	return w.setActive(c, false)
}

func (w *WorkerAppRoutes) setActive(c echo.Context, active bool) error {
	id, err := appID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid app id"})
	}
	app, err := w.registry.SetActive(c.Request().Context(), id, active)
	if err != nil {
		return w.registryError(c, err)
	}
	w.invalidate(app.OwnerID)
	return c.JSON(http.StatusOK, toAppResponse(app))
}

func (w *WorkerAppRoutes) handleDelete(c echo.Context) error {
	id, err := appID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid app id"})
	}
	// Fetch first so the owner's cached route can be dropped.
	app, err := w.registry.Get(c.Request().Context(), id)
	if err != nil {
		return w.registryError(c, err)
	}
	if err := w.registry.Delete(c.Request().Context(), id); err != nil {
		return w.registryError(c, err)
	}
	w.invalidate(app.OwnerID)
	return c.NoContent(http.StatusNoContent)
}

func (w *WorkerAppRoutes) registryError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, routing.ErrUnknownApp):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "worker app not found"})
	case errors.Is(err, routing.ErrDuplicateApp):
		return c.JSON(http.StatusConflict, map[string]string{"error": "app name already registered"})
	case errors.Is(err, routing.ErrActiveConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": "owner already has an active destination"})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (w *WorkerAppRoutes) invalidate(ownerID string) {
	if w.routes != nil {
		w.routes.Invalidate(ownerID)
	}
}

func validateAppRequest(req workerAppRequest) string {
	if strings.TrimSpace(req.OwnerID) == "" {
		return "owner_id is required"
	}
	if strings.TrimSpace(req.AppName) == "" {
		return "app_name is required"
	}
	if strings.TrimSpace(req.Target) == "" {
		return "target is required"
	}
	return validateMode(req.Mode)
}

func requestMode(mode string) routing.Mode {
	if mode == "" {
		return routing.ModeHTTP
	}
	return routing.Mode(mode)
}

func validateMode(mode string) string {
	switch routing.Mode(mode) {
	case "", routing.ModeHTTP, routing.ModeQueue:
		return ""
	default:
		return "mode must be http or queue"
	}
}

func appID(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

func toAppResponse(app routing.WorkerApp) workerAppResponse {
	return workerAppResponse{
		ID:        app.ID,
		OwnerID:   app.OwnerID,
		AppName:   app.AppName,
		Mode:      string(app.Mode),
		Target:    app.Target,
		Active:    app.Active,
		CreatedAt: app.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: app.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
