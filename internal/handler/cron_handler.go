package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/labsafe/permit-api/internal/gate"
	"github.com/labsafe/permit-api/internal/models"
	"github.com/labsafe/permit-api/internal/service"
	"github.com/labsafe/permit-api/pkg/response"
)

type batchRunner interface {
	RunBatch(ctx context.Context) (*service.BatchReport, error)
}

// CronHandler exposes the trusted expire-and-notify trigger. The same
// batch also runs on the internal ticker; this endpoint lets the
// institutional scheduler drive it instead.
type CronHandler struct {
	runner  batchRunner
	metrics *service.MetricsService
}

// NewCronHandler constructs a cron handler.
func NewCronHandler(runner batchRunner, metrics *service.MetricsService) *CronHandler {
	return &CronHandler{runner: runner, metrics: metrics}
}

// Expire godoc
// @Summary Run the expire-and-notify batch
// @Tags Cron
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /cron/expire [post]
func (h *CronHandler) Expire(c *gin.Context) {
	endpoint := gate.Endpoint{Capability: models.CapCronRun}
	if _, err := endpoint.Bind(identityFromContext(c), c.GetQuery); err != nil {
		response.Error(c, err)
		return
	}

	start := time.Now()
	report, err := h.runner.RunBatch(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	h.metrics.ObserveBatch(time.Since(start))
	response.JSON(c, http.StatusOK, report, nil)
}
