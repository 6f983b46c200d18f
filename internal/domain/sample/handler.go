package sample

import (
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
	role := auth.RequireRole("admin", "labmanager", "labclerk")

	read := api.Group("", role)
	read.GET("/samples", h.ListSamples)
	read.GET("/samples/:id", h.GetSample)
	read.GET("/samples/:id/analyses", h.ListAnalyses)
	read.GET("/samples/:id/history", h.GetHistory)

	write := api.Group("", auth.RequireRole("admin", "labmanager"))
	write.POST("/samples", h.CreateSample)
	write.POST("/samples/:id/receive", h.ReceiveSample)
	write.POST("/samples/:id/verify", h.VerifySample)
	write.POST("/samples/:id/reject", h.RejectSample)
	write.POST("/samples/:id/invalidate", h.InvalidateSample)
	write.POST("/samples/:id/recall", h.RecallSample)
	write.POST("/samples/:id/cancel", h.CancelSample)
}

type createSampleRequest struct {
	ClientSampleID string   `json:"client_sample_id"`
	SampleType     string   `json:"sample_type"`
	Priority       string   `json:"priority"`
	DateSampled    string   `json:"date_sampled"`
	Analyses       []string `json:"analyses"`
}

func (h *Handler) CreateSample(c echo.Context) error {
	var req createSampleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	smp := &Sample{
		ClientSampleID: req.ClientSampleID,
		SampleType:     req.SampleType,
		Priority:       req.Priority,
	}
	if req.DateSampled != "" {
		t, err := wire.ParseDatetime(req.DateSampled)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid date_sampled")
		}
		smp.DateSampled = t
	}
	if err := h.svc.Create(c.Request().Context(), smp, req.Analyses); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, smp)
}

func (h *Handler) GetSample(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	smp, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "sample not found")
	}
	return c.JSON(http.StatusOK, smp)
}

func (h *Handler) ListSamples(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListAnalyses(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	analyses, err := h.svc.Analyses(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, analyses)
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

func (h *Handler) ReceiveSample(c echo.Context) error {
	return h.action(c, func(ctx echo.Context, id uuid.UUID, actor string) error {
		return h.svc.Receive(ctx.Request().Context(), id, actor)
	})
}

func (h *Handler) VerifySample(c echo.Context) error {
	return h.action(c, func(ctx echo.Context, id uuid.UUID, actor string) error {
		return h.svc.Verify(ctx.Request().Context(), id, actor, nil)
	})
}

func (h *Handler) RejectSample(c echo.Context) error {
	return h.action(c, func(ctx echo.Context, id uuid.UUID, actor string) error {
		return h.svc.Reject(ctx.Request().Context(), id, actor, nil)
	})
}

// InvalidateSample invalidates a verified sample and returns the retest
// created to replace it.
func (h *Handler) InvalidateSample(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	retest, err := h.svc.InvalidateAtReference(c.Request().Context(), id, actor, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, retest)
}

func (h *Handler) RecallSample(c echo.Context) error {
	return h.action(c, func(ctx echo.Context, id uuid.UUID, actor string) error {
		return h.svc.RecallFromShipment(ctx.Request().Context(), id, actor)
	})
}

func (h *Handler) CancelSample(c echo.Context) error {
	return h.action(c, func(ctx echo.Context, id uuid.UUID, actor string) error {
		return h.svc.Cancel(ctx.Request().Context(), id, actor)
	})
}

func (h *Handler) action(c echo.Context, fn func(echo.Context, uuid.UUID, string) error) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	if err := fn(c, id, actor); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	smp, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "sample not found")
	}
	return c.JSON(http.StatusOK, smp)
}
