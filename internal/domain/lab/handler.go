package lab

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/referral/referral/internal/platform/auth"
	"github.com/referral/referral/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	manage := api.Group("", auth.RequireRole("admin", "labmanager"))
	manage.GET("/laboratories", h.ListLaboratories)
	manage.GET("/laboratories/:id", h.GetLaboratory)
	manage.POST("/laboratories", h.CreateLaboratory)
	manage.PUT("/laboratories/:id", h.UpdateLaboratory)
	manage.DELETE("/laboratories/:id", h.DeactivateLaboratory)

	manage.GET("/laboratories/:id/mappings", h.ListMappings)
	manage.POST("/laboratories/:id/mappings", h.AddMapping)
	manage.DELETE("/laboratories/:id/mappings/:mid", h.DeleteMapping)
}

func (h *Handler) CreateLaboratory(c echo.Context) error {
	var l Laboratory
	if err := c.Bind(&l); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	l.Active = true
	if err := h.svc.CreateLaboratory(c.Request().Context(), &l); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, l)
}

func (h *Handler) GetLaboratory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	l, err := h.svc.GetLaboratory(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "laboratory not found")
	}
	return c.JSON(http.StatusOK, l)
}

func (h *Handler) ListLaboratories(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListLaboratories(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateLaboratory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var l Laboratory
	if err := c.Bind(&l); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	l.ID = id
	if err := h.svc.UpdateLaboratory(c.Request().Context(), &l); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, l)
}

func (h *Handler) DeactivateLaboratory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeactivateLaboratory(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "laboratory not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListMappings(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	mappings, err := h.svc.ListMappings(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, mappings)
}

func (h *Handler) AddMapping(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var m Mapping
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m.LabID = id
	if err := h.svc.AddMapping(c.Request().Context(), &m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) DeleteMapping(c echo.Context) error {
	mid, err := uuid.Parse(c.Param("mid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteMapping(c.Request().Context(), mid); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "mapping not found")
	}
	return c.NoContent(http.StatusNoContent)
}
