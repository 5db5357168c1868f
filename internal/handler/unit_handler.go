package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/labsafe/permit-api/internal/dto"
	"github.com/labsafe/permit-api/internal/gate"
	"github.com/labsafe/permit-api/internal/models"
	appErrors "github.com/labsafe/permit-api/pkg/errors"
	"github.com/labsafe/permit-api/pkg/response"
)

type unitService interface {
	Create(ctx context.Context, req dto.CreateUnitRequest) (*models.Unit, error)
	List(ctx context.Context) ([]models.Unit, error)
	Delete(ctx context.Context, id int64) error
}

// UnitHandler exposes the organizational unit endpoints.
type UnitHandler struct {
	service unitService
}

// NewUnitHandler constructs a unit handler.
func NewUnitHandler(svc unitService) *UnitHandler {
	return &UnitHandler{service: svc}
}

// List godoc
// @Summary List units
// @Tags Units
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /units [get]
func (h *UnitHandler) List(c *gin.Context) {
	units, err := h.service.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, units, nil)
}

// Create godoc
// @Summary Create unit
// @Tags Units
// @Accept json
// @Produce json
// @Param payload body dto.CreateUnitRequest true "Unit payload"
// @Success 201 {object} response.Envelope
// @Router /units [post]
func (h *UnitHandler) Create(c *gin.Context) {
	endpoint := gate.Endpoint{Capability: models.CapUnitsManage}
	if _, err := endpoint.Bind(identityFromContext(c), c.GetQuery); err != nil {
		response.Error(c, err)
		return
	}

	var req dto.CreateUnitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	unit, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, unit)
}

// Delete godoc
// @Summary Delete unit subtree
// @Tags Units
// @Produce json
// @Param id path int true "Unit ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /units/{id} [delete]
func (h *UnitHandler) Delete(c *gin.Context) {
	endpoint := gate.Endpoint{Capability: models.CapUnitsManage}
	if _, err := endpoint.Bind(identityFromContext(c), c.GetQuery); err != nil {
		response.Error(c, err)
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid unit id"))
		return
	}
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
