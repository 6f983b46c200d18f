package push

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/referral/referral/internal/domain/sample"
	"github.com/referral/referral/internal/domain/shipment"
	"github.com/referral/referral/internal/platform/wire"
	"github.com/referral/referral/internal/platform/workflow"
)

type Handler struct {
	consumer *Consumer
}

func NewHandler(consumer *Consumer) *Handler {
	return &Handler{consumer: consumer}
}

// RegisterRoutes mounts the push endpoint. The group must already carry the
// partner basic auth middleware.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/push", h.Push)
}

type pushResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Push processes one partner POST and answers with the success envelope the
// partner's notification history records.
func (h *Handler) Push(c echo.Context) error {
	var p wire.Payload
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, pushResponse{Success: false, Message: "invalid JSON body"})
	}
	if err := h.consumer.Process(c.Request().Context(), p); err != nil {
		return c.JSON(statusFor(err), pushResponse{Success: false, Message: err.Error()})
	}
	return c.JSON(http.StatusOK, pushResponse{Success: true})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrMissingField),
		errors.Is(err, ErrEmptyField),
		errors.Is(err, ErrUnsupportedType):
		return http.StatusBadRequest
	case errors.Is(err, ErrLabInactive),
		errors.Is(err, ErrLabNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrLabNotFound),
		errors.Is(err, sample.ErrNoMatch),
		errors.Is(err, sample.ErrNotFound),
		errors.Is(err, shipment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sample.ErrAmbiguous),
		errors.Is(err, shipment.ErrDuplicateShipment),
		errors.Is(err, shipment.ErrDuplicateSample),
		errors.Is(err, workflow.ErrNotAllowed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
