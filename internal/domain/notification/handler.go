package notification

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/referral/referral/internal/domain/lab"
	"github.com/referral/referral/internal/platform/auth"
	"github.com/referral/referral/internal/platform/notify"
	"github.com/referral/referral/pkg/pagination"
)

// Handler exposes the per-object notification history and the manual retry
// action operators use when a partner was unreachable.
type Handler struct {
	client *notify.Client
	store  notify.RecordStore
	labs   *lab.Service
}

func NewHandler(client *notify.Client, store notify.RecordStore, labs *lab.Service) *Handler {
	return &Handler{client: client, store: store, labs: labs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "labmanager", "labclerk"))
	read.GET("/notifications/object/:id", h.ListByObject)
	read.GET("/notifications/object/:id/last", h.LastByObject)

	write := api.Group("", auth.RequireRole("admin", "labmanager"))
	write.POST("/notifications/:id/retry", h.Retry)
}

func (h *Handler) ListByObject(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	records, total, err := h.store.ListByObject(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(records, total, pg.Limit, pg.Offset))
}

// LastByObject feeds the "not yet notified" indicator on shipment and sample
// views.
func (h *Handler) LastByObject(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.store.LastByObject(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rec == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"notified": false})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"notified": true, "record": rec})
}

type retryRequest struct {
	LabUID uuid.UUID `json:"lab_uid"`
}

// Retry resends the recorded payload of a previous notification verbatim to
// the given laboratory and returns the new history record.
func (h *Handler) Retry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req retryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	l, err := h.labs.GetLaboratory(c.Request().Context(), req.LabUID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "laboratory not found")
	}
	rec, err := h.client.Retry(c.Request().Context(), h.labs.Destination(l), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}
