package dto

import (
	"time"

	"github.com/labsafe/permit-api/internal/models"
	"github.com/labsafe/permit-api/pkg/reference"
)

// CreateAuthorizationRequest is the payload for POST /authorizations.
// Code is optional; when empty the service assigns <unit>-<sequence>.
type CreateAuthorizationRequest struct {
	UnitID         int64     `json:"unit_id" validate:"required,gt=0"`
	Code           string    `json:"authorization" validate:"omitempty,max=64"`
	ExpirationDate time.Time `json:"expiration_date" validate:"required"`
	Authority      string    `json:"authority" validate:"omitempty,max=255"`
	Chemicals      []string  `json:"cas" validate:"required,min=1,dive,required"`
	Holders        []string  `json:"holders" validate:"omitempty,dive,required"`
	Rooms          []string  `json:"rooms" validate:"omitempty,dive,required"`
}

// UpdateAuthorizationRequest is the payload for PUT /authorizations.
// The echoed reference must match the record's current content or the
// update fails as stale. Nil field pointers leave the stored value
// untouched; relation lists are diffs, not replacements.
type UpdateAuthorizationRequest struct {
	Reference      reference.Ref            `json:"reference" validate:"required"`
	ExpirationDate *time.Time               `json:"expiration_date"`
	Status         *string                  `json:"status" validate:"omitempty,oneof=ACTIVE EXPIRED"`
	Renewals       *int                     `json:"renewals" validate:"omitempty,gte=0"`
	Authority      *string                  `json:"authority"`
	Holders        []models.RelationChange  `json:"holders" validate:"omitempty,dive"`
	Rooms          []models.RelationChange  `json:"rooms" validate:"omitempty,dive"`
	Chemicals      []models.RelationChange  `json:"cas" validate:"omitempty,dive"`
	Sources        []models.RelationChange  `json:"sources" validate:"omitempty,dive"`
}

// DeleteRequest carries the opaque reference of the record to remove.
type DeleteRequest struct {
	Reference reference.Ref `json:"reference" validate:"required"`
}
