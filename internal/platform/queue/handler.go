package queue

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/referral/referral/internal/platform/auth"
	"github.com/referral/referral/pkg/pagination"
)

// Handler exposes the task table read-only for operators.
type Handler struct {
	repo Repo
}

func NewHandler(repo Repo) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "labmanager", "labclerk"))
	read.GET("/queue/tasks", h.ListTasks)
}

func (h *Handler) ListTasks(c echo.Context) error {
	pg := pagination.FromContext(c)
	tasks, total, err := h.repo.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(tasks, total, pg.Limit, pg.Offset))
}
