package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/labsafe/permit-api/internal/dto"
	"github.com/labsafe/permit-api/internal/gate"
	"github.com/labsafe/permit-api/internal/models"
	"github.com/labsafe/permit-api/internal/service"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
	"github.com/labsafe/permit-api/pkg/response"
)

type dispensationService interface {
	Create(ctx context.Context, actor models.Identity, req dto.CreateDispensationRequest) (*models.DispensationDetail, error)
	Update(ctx context.Context, actor models.Identity, req dto.UpdateDispensationRequest) (*models.DispensationDetail, error)
	Delete(ctx context.Context, actor models.Identity, req dto.DeleteRequest) error
}

type dispensationFeed interface {
	ScanDispensations(ctx context.Context, thresholdDays int) ([]models.Dispensation, error)
}

// DispensationHandler exposes the dispensation lifecycle endpoints.
type DispensationHandler struct {
	service  dispensationService
	feed     dispensationFeed
	cache    feedCache
	cacheTTL time.Duration
	metrics  *service.MetricsService
}

// NewDispensationHandler constructs a dispensation handler.
func NewDispensationHandler(svc dispensationService, feed dispensationFeed, cache feedCache, cacheTTL time.Duration, metrics *service.MetricsService) *DispensationHandler {
	return &DispensationHandler{service: svc, feed: feed, cache: cache, cacheTTL: cacheTTL, metrics: metrics}
}

// Create godoc
// @Summary Create dispensation
// @Tags Dispensations
// @Accept json
// @Produce json
// @Param payload body dto.CreateDispensationRequest true "Dispensation payload"
// @Success 201 {object} response.Envelope
// @Router /dispensations [post]
func (h *DispensationHandler) Create(c *gin.Context) {
	actor := identityFromContext(c)
	endpoint := gate.Endpoint{Capability: models.CapDispensationsManage}
	if _, err := endpoint.Bind(actor, c.GetQuery); err != nil {
		response.Error(c, err)
		return
	}

	var req dto.CreateDispensationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	detail, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordLifecycleEvent("dispensation", "created")
	response.Created(c, detail)
}

// Update godoc
// @Summary Update dispensation
// @Tags Dispensations
// @Accept json
// @Produce json
// @Param payload body dto.UpdateDispensationRequest true "Dispensation payload with current reference"
// @Success 200 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /dispensations [put]
func (h *DispensationHandler) Update(c *gin.Context) {
	actor := identityFromContext(c)
	endpoint := gate.Endpoint{Capability: models.CapDispensationsManage}
	if _, err := endpoint.Bind(actor, c.GetQuery); err != nil {
		response.Error(c, err)
		return
	}

	var req dto.UpdateDispensationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	detail, err := h.service.Update(c.Request.Context(), actor, req)
	if err != nil {
		h.recordStale(err)
		response.Error(c, err)
		return
	}
	h.metrics.RecordLifecycleEvent("dispensation", "updated")
	response.JSON(c, http.StatusOK, detail, nil)
}

// Delete godoc
// @Summary Delete dispensation
// @Tags Dispensations
// @Accept json
// @Produce json
// @Param payload body dto.DeleteRequest true "Current reference of the record"
// @Success 204
// @Failure 412 {object} response.Envelope
// @Router /dispensations [delete]
func (h *DispensationHandler) Delete(c *gin.Context) {
	actor := identityFromContext(c)
	endpoint := gate.Endpoint{Capability: models.CapDispensationsManage}
	if _, err := endpoint.Bind(actor, c.GetQuery); err != nil {
		response.Error(c, err)
		return
	}

	var req dto.DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if err := h.service.Delete(c.Request.Context(), actor, req); err != nil {
		h.recordStale(err)
		response.Error(c, err)
		return
	}
	h.metrics.RecordLifecycleEvent("dispensation", "deleted")
	response.NoContent(c)
}

// Expiring godoc
// @Summary Expiring dispensations feed
// @Tags Dispensations
// @Produce json
// @Param days query int false "Warning window in days, 0 for already expired"
// @Success 200 {object} response.Envelope
// @Router /dispensations/expiring [get]
func (h *DispensationHandler) Expiring(c *gin.Context) {
	endpoint := gate.Endpoint{
		Capability: models.CapExpiryFeedRead,
		Optional:   map[string]gate.Rule{"days": gate.Count()},
	}
	params, err := endpoint.Bind(identityFromContext(c), c.GetQuery)
	if err != nil {
		response.Error(c, err)
		return
	}
	days := params.Int("days", 30)

	cacheKey := fmt.Sprintf("%sdispensations:%d", service.FeedCachePrefix, days)
	var records []models.Dispensation
	if h.cache != nil && h.cache.Get(c.Request.Context(), cacheKey, &records) == nil {
		h.metrics.RecordFeedCache(true)
		response.JSON(c, http.StatusOK, records, nil)
		return
	}
	h.metrics.RecordFeedCache(false)

	records, err = h.feed.ScanDispensations(c.Request.Context(), days)
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.cache != nil {
		_ = h.cache.Set(c.Request.Context(), cacheKey, records, h.cacheTTL)
	}
	response.JSON(c, http.StatusOK, records, nil)
}

func (h *DispensationHandler) recordStale(err error) {
	appErr := appErrors.FromError(err)
	if appErr != nil && appErr.Code == appErrors.ErrStaleReference.Code {
		h.metrics.RecordStaleRejection()
	}
}
