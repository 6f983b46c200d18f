package shipment

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/referral/referral/internal/platform/auth"
	"github.com/referral/referral/internal/platform/wire"
	"github.com/referral/referral/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "labmanager", "labclerk"))
	read.GET("/shipments/outbound", h.ListOutbound)
	read.GET("/shipments/outbound/:id", h.GetOutbound)
	read.GET("/shipments/outbound/:id/samples", h.ListOutboundSamples)
	read.GET("/shipments/outbound/:id/history", h.GetHistory)
	read.GET("/shipments/inbound", h.ListInbound)
	read.GET("/shipments/inbound/:id", h.GetInbound)
	read.GET("/shipments/inbound/:id/samples", h.ListInboundSamples)
	read.GET("/shipments/inbound/:id/history", h.GetHistory)
	read.GET("/shipments/inbound/:id/queued", h.GetReceptionQueued)

	write := api.Group("", auth.RequireRole("admin", "labmanager"))
	write.POST("/shipments/outbound", h.CreateOutbound)
	write.POST("/shipments/outbound/:id/samples/:sid", h.AddSample)
	write.DELETE("/shipments/outbound/:id/samples/:sid", h.RemoveSample)
	write.PUT("/shipments/outbound/:id/manifest", h.SetManifest)
	write.POST("/shipments/outbound/:id/finalise", h.FinaliseOutbound)
	write.POST("/shipments/outbound/:id/dispatch", h.DispatchOutbound)
	write.POST("/shipments/outbound/:id/deliver", h.DeliverOutbound)
	write.POST("/shipments/outbound/:id/lose", h.LoseOutbound)
	write.POST("/shipments/outbound/:id/reject", h.RejectOutbound)
	write.POST("/shipments/outbound/:id/cancel", h.CancelOutbound)

	write.POST("/shipments/inbound", h.CreateInbound)
	write.POST("/shipments/inbound/:id/receive", h.ReceiveInbound)
	write.POST("/shipments/inbound/:id/reject", h.RejectInbound)
	write.POST("/shipments/inbound/:id/cancel", h.CancelInbound)
	write.POST("/inbound-samples/:id/receive", h.ReceiveInboundSample)
	write.POST("/inbound-samples/:id/reject", h.RejectInboundSample)
}

// ---- outbound ----

type createOutboundRequest struct {
	LabUID   uuid.UUID `json:"lab_uid"`
	Comments string    `json:"comments"`
}

func (h *Handler) CreateOutbound(c echo.Context) error {
	var req createOutboundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sh, err := h.svc.CreateOutbound(c.Request().Context(), req.LabUID, req.Comments)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, sh)
}

func (h *Handler) GetOutbound(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sh, err := h.svc.GetOutbound(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "shipment not found")
	}
	return c.JSON(http.StatusOK, sh)
}

func (h *Handler) ListOutbound(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOutbound(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListOutboundSamples(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.OutboundSamples(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	history, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, history)
}

func (h *Handler) AddSample(c echo.Context) error {
	return h.sampleMembership(c, h.svc.AddSample)
}

func (h *Handler) RemoveSample(c echo.Context) error {
	return h.sampleMembership(c, func(ctx context.Context, shipmentUID, sampleUID uuid.UUID, actor string) error {
		return h.svc.RemoveSample(ctx, shipmentUID, sampleUID, actor)
	})
}

func (h *Handler) sampleMembership(c echo.Context, fn func(context.Context, uuid.UUID, uuid.UUID, string) error) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid shipment id")
	}
	sid, err := uuid.Parse(c.Param("sid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sample id")
	}
	if err := fn(c.Request().Context(), id, sid, auth.UserIDFromContext(c.Request().Context())); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type setManifestRequest struct {
	ManifestRef string `json:"manifest_ref"`
}

func (h *Handler) SetManifest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req setManifestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetManifest(c.Request().Context(), id, req.ManifestRef); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "shipment not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) FinaliseOutbound(c echo.Context) error {
	return h.outboundAction(c, h.svc.Finalise)
}

func (h *Handler) DispatchOutbound(c echo.Context) error {
	return h.outboundAction(c, func(ctx context.Context, id uuid.UUID, actor string) error {
		return h.svc.Dispatch(ctx, id, actor, nil)
	})
}

func (h *Handler) DeliverOutbound(c echo.Context) error {
	return h.outboundAction(c, h.svc.MarkDelivered)
}

func (h *Handler) LoseOutbound(c echo.Context) error {
	return h.outboundAction(c, h.svc.MarkLost)
}

func (h *Handler) RejectOutbound(c echo.Context) error {
	return h.outboundAction(c, func(ctx context.Context, id uuid.UUID, actor string) error {
		return h.svc.RejectOutbound(ctx, id, actor, nil)
	})
}

func (h *Handler) CancelOutbound(c echo.Context) error {
	return h.outboundAction(c, h.svc.CancelOutbound)
}

func (h *Handler) outboundAction(c echo.Context, fn func(context.Context, uuid.UUID, string) error) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := fn(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context())); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	sh, err := h.svc.GetOutbound(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "shipment not found")
	}
	return c.JSON(http.StatusOK, sh)
}

// ---- inbound ----

type createInboundRequest struct {
	LabUID     uuid.UUID           `json:"lab_uid"`
	ShipmentID string              `json:"shipment_id"`
	Dispatched string              `json:"dispatched"`
	Comments   string              `json:"comments"`
	Samples    []inboundSampleBody `json:"samples"`
}

type inboundSampleBody struct {
	ID          string   `json:"id"`
	DateSampled string   `json:"date_sampled"`
	SampleType  string   `json:"sample_type"`
	Priority    string   `json:"priority"`
	Analyses    []string `json:"analyses"`
}

// CreateInbound creates an inbound shipment by hand. Gated by
// configuration; the usual path is a partner push.
func (h *Handler) CreateInbound(c echo.Context) error {
	if !h.svc.AllowManualInbound() {
		return echo.NewHTTPError(http.StatusForbidden, "manual inbound shipment creation is disabled")
	}
	var req createInboundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	dispatched, err := wire.ParseDatetime(req.Dispatched)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid dispatched datetime")
	}
	specs := make([]InboundSampleSpec, 0, len(req.Samples))
	for _, smp := range req.Samples {
		sampled, err := wire.ParseDatetime(smp.DateSampled)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid date_sampled for sample "+smp.ID)
		}
		specs = append(specs, InboundSampleSpec{
			ReferringID: smp.ID,
			DateSampled: sampled,
			SampleType:  smp.SampleType,
			Priority:    smp.Priority,
			Keywords:    smp.Analyses,
		})
	}
	sh, err := h.svc.CreateInbound(c.Request().Context(), req.LabUID, req.ShipmentID, dispatched, req.Comments, specs)
	if err != nil {
		if errors.Is(err, ErrDuplicateShipment) || errors.Is(err, ErrDuplicateSample) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, sh)
}

func (h *Handler) GetInbound(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sh, err := h.svc.GetInbound(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "shipment not found")
	}
	return c.JSON(http.StatusOK, sh)
}

func (h *Handler) ListInbound(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListInbound(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListInboundSamples(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.InboundSamples(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetReceptionQueued(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	queued, err := h.svc.IsReceptionQueued(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"queued": queued})
}

func (h *Handler) ReceiveInbound(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	queued, err := h.svc.ReceiveInboundShipment(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()), nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	sh, err := h.svc.GetInbound(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "shipment not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"shipment": sh, "queued": queued})
}

func (h *Handler) RejectInbound(c echo.Context) error {
	return h.inboundAction(c, func(ctx context.Context, id uuid.UUID, actor string) error {
		return h.svc.RejectInboundShipment(ctx, id, actor, nil)
	})
}

func (h *Handler) CancelInbound(c echo.Context) error {
	return h.inboundAction(c, h.svc.CancelInbound)
}

func (h *Handler) inboundAction(c echo.Context, fn func(context.Context, uuid.UUID, string) error) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := fn(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context())); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	sh, err := h.svc.GetInbound(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "shipment not found")
	}
	return c.JSON(http.StatusOK, sh)
}

func (h *Handler) ReceiveInboundSample(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.ReceiveInboundSample(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()), nil); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RejectInboundSample(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.RejectInboundSample(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()), nil); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
