package handler

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/labsafe/permit-api/internal/dto"
	"github.com/labsafe/permit-api/internal/gate"
	"github.com/labsafe/permit-api/internal/models"
	"github.com/labsafe/permit-api/internal/service"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
	"github.com/labsafe/permit-api/pkg/export"
	"github.com/labsafe/permit-api/pkg/reference"
	"github.com/labsafe/permit-api/pkg/response"
)

var (
	saltRe  = regexp.MustCompile(`^[0-9a-f]{32}$`)
	ephIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+-[0-9a-f]{64}$`)
)

type authorizationService interface {
	Create(ctx context.Context, actor models.Identity, req dto.CreateAuthorizationRequest) (*models.AuthorizationDetail, error)
	Update(ctx context.Context, actor models.Identity, req dto.UpdateAuthorizationRequest) (*models.AuthorizationDetail, error)
	Delete(ctx context.Context, actor models.Identity, req dto.DeleteRequest) error
}

type authorizationFeed interface {
	ScanAuthorizations(ctx context.Context, thresholdDays int) ([]models.Authorization, error)
}

type certificateRenderer interface {
	Render(ctx context.Context, ref reference.Ref) ([]byte, string, error)
}

type feedCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// AuthorizationHandler exposes the authorization lifecycle endpoints.
type AuthorizationHandler struct {
	service      authorizationService
	feed         authorizationFeed
	certificates certificateRenderer
	cache        feedCache
	cacheTTL     time.Duration
	metrics      *service.MetricsService
}

// NewAuthorizationHandler constructs an authorization handler.
func NewAuthorizationHandler(svc authorizationService, feed authorizationFeed, certificates certificateRenderer, cache feedCache, cacheTTL time.Duration, metrics *service.MetricsService) *AuthorizationHandler {
	return &AuthorizationHandler{
		service:      svc,
		feed:         feed,
		certificates: certificates,
		cache:        cache,
		cacheTTL:     cacheTTL,
		metrics:      metrics,
	}
}

// Create godoc
// @Summary Create authorization
// @Tags Authorizations
// @Accept json
// @Produce json
// @Param payload body dto.CreateAuthorizationRequest true "Authorization payload"
// @Success 201 {object} response.Envelope
// @Router /authorizations [post]
func (h *AuthorizationHandler) Create(c *gin.Context) {
	actor := identityFromContext(c)
	endpoint := gate.Endpoint{Capability: models.CapAuthorizationsManage}
	if _, err := endpoint.Bind(actor, c.GetQuery); err != nil {
		response.Error(c, err)
		return
	}

	var req dto.CreateAuthorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	detail, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.RecordLifecycleEvent("authorization", "created")
	response.Created(c, detail)
}

// Update godoc
// @Summary Update authorization
// @Tags Authorizations
// @Accept json
// @Produce json
// @Param payload body dto.UpdateAuthorizationRequest true "Authorization payload with current reference"
// @Success 200 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /authorizations [put]
func (h *AuthorizationHandler) Update(c *gin.Context) {
	actor := identityFromContext(c)
	endpoint := gate.Endpoint{Capability: models.CapAuthorizationsManage}
	if _, err := endpoint.Bind(actor, c.GetQuery); err != nil {
		response.Error(c, err)
		return
	}

	var req dto.UpdateAuthorizationRequest
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
	h.metrics.RecordLifecycleEvent("authorization", "updated")
	response.JSON(c, http.StatusOK, detail, nil)
}

// Delete godoc
// @Summary Delete authorization
// @Tags Authorizations
// @Accept json
// @Produce json
// @Param payload body dto.DeleteRequest true "Current reference of the record"
// @Success 204
// @Failure 412 {object} response.Envelope
// @Router /authorizations [delete]
func (h *AuthorizationHandler) Delete(c *gin.Context) {
	actor := identityFromContext(c)
	endpoint := gate.Endpoint{Capability: models.CapAuthorizationsManage}
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
	h.metrics.RecordLifecycleEvent("authorization", "deleted")
	response.NoContent(c)
}

// Expiring godoc
// @Summary Expiring authorizations feed
// @Tags Authorizations
// @Produce json
// @Param days query int false "Warning window in days, 0 for already expired"
// @Param format query string false "json or csv"
// @Success 200 {object} response.Envelope
// @Router /authorizations/expiring [get]
func (h *AuthorizationHandler) Expiring(c *gin.Context) {
	endpoint := gate.Endpoint{
		Capability: models.CapExpiryFeedRead,
		Optional: map[string]gate.Rule{
			"days":   gate.Count(),
			"format": gate.Pattern(regexp.MustCompile(`^(json|csv|pdf)$`)),
		},
	}
	params, err := endpoint.Bind(identityFromContext(c), c.GetQuery)
	if err != nil {
		response.Error(c, err)
		return
	}
	days := params.Int("days", 30)

	cacheKey := fmt.Sprintf("%sauthorizations:%d", service.FeedCachePrefix, days)
	var records []models.Authorization
	if h.cache != nil && h.cache.Get(c.Request.Context(), cacheKey, &records) == nil {
		h.metrics.RecordFeedCache(true)
	} else {
		h.metrics.RecordFeedCache(false)
		records, err = h.feed.ScanAuthorizations(c.Request.Context(), days)
		if err != nil {
			response.Error(c, err)
			return
		}
		if h.cache != nil {
			_ = h.cache.Set(c.Request.Context(), cacheKey, records, h.cacheTTL)
		}
	}

	switch params["format"] {
	case "csv":
		h.renderCSV(c, records)
	case "pdf":
		h.renderPDF(c, records, days)
	default:
		response.JSON(c, http.StatusOK, records, nil)
	}
}

// Certificate godoc
// @Summary Permit certificate PDF
// @Tags Authorizations
// @Produce application/pdf
// @Param salt query string true "Reference salt"
// @Param eph_id query string true "Reference ephemeral id"
// @Success 200 {file} binary
// @Failure 412 {object} response.Envelope
// @Router /authorizations/certificate [get]
func (h *AuthorizationHandler) Certificate(c *gin.Context) {
	endpoint := gate.Endpoint{
		Capability: models.CapAuthorizationsManage,
		Required: map[string]gate.Rule{
			"salt":   gate.Pattern(saltRe),
			"eph_id": gate.Pattern(ephIDRe),
		},
	}
	params, err := endpoint.Bind(identityFromContext(c), c.GetQuery)
	if err != nil {
		response.Error(c, err)
		return
	}

	pdf, filename, err := h.certificates.Render(c.Request.Context(), reference.Ref{
		Salt:  params["salt"],
		EphID: params["eph_id"],
	})
	if err != nil {
		h.recordStale(err)
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/pdf", pdf)
}

func feedDataset(records []models.Authorization) export.Dataset {
	dataset := export.Dataset{
		Headers: []string{"code", "type", "status", "expiration_date", "renewals", "authority"},
	}
	for _, rec := range records {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"code":            rec.Code,
			"type":            string(rec.Type),
			"status":          string(rec.Status),
			"expiration_date": rec.ExpirationDate.UTC().Format("2006-01-02"),
			"renewals":        fmt.Sprintf("%d", rec.Renewals),
			"authority":       rec.Authority,
		})
	}
	return dataset
}

func (h *AuthorizationHandler) renderCSV(c *gin.Context, records []models.Authorization) {
	payload, err := export.NewCSVExporter().Render(feedDataset(records))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv"))
		return
	}
	c.Header("Content-Disposition", `attachment; filename="expiring-authorizations.csv"`)
	c.Data(http.StatusOK, "text/csv", payload)
}

func (h *AuthorizationHandler) renderPDF(c *gin.Context, records []models.Authorization, days int) {
	title := fmt.Sprintf("Authorizations expiring within %d days", days)
	payload, err := export.NewPDFExporter().Render(feedDataset(records), title)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf"))
		return
	}
	c.Header("Content-Disposition", `attachment; filename="expiring-authorizations.pdf"`)
	c.Data(http.StatusOK, "application/pdf", payload)
}

func (h *AuthorizationHandler) recordStale(err error) {
	appErr := appErrors.FromError(err)
	if appErr != nil && appErr.Code == appErrors.ErrStaleReference.Code {
		h.metrics.RecordStaleRejection()
	}
}
