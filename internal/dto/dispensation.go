package dto

import (
	"time"

	"github.com/labsafe/permit-api/internal/models"
	"github.com/labsafe/permit-api/pkg/reference"
)

// CreateDispensationRequest is the payload for POST /dispensations.
// Exactly one of SubjectID and OtherSubject must be set.
type CreateDispensationRequest struct {
	Status       string    `json:"status" validate:"required,oneof=DRAFT PENDING ACTIVE"`
	SubjectID    *int64    `json:"subject_id" validate:"omitempty,gt=0"`
	OtherSubject string    `json:"other_subject" validate:"omitempty,max=255"`
	Requires     string    `json:"requires" validate:"omitempty,max=1000"`
	Comment      string    `json:"comment" validate:"omitempty,max=4000"`
	DateStart    time.Time `json:"date_start" validate:"required"`
	DateEnd      time.Time `json:"date_end" validate:"required"`
	FilePath     string    `json:"file_path" validate:"omitempty,max=512"`
	Holders      []string  `json:"holders" validate:"omitempty,dive,required"`
	Rooms        []string  `json:"rooms" validate:"omitempty,dive,required"`
	Units        []string  `json:"units" validate:"omitempty,dive,required"`
	Tickets      []string  `json:"tickets" validate:"omitempty,dive,required"`
}

// UpdateDispensationRequest is the payload for PUT /dispensations.
// Tickets are append-only: only ADD changes are accepted for them.
type UpdateDispensationRequest struct {
	Reference    reference.Ref           `json:"reference" validate:"required"`
	Status       *string                 `json:"status" validate:"omitempty,oneof=DRAFT PENDING ACTIVE EXPIRED CANCELLED"`
	SubjectID    *int64                  `json:"subject_id" validate:"omitempty,gt=0"`
	OtherSubject *string                 `json:"other_subject"`
	Requires     *string                 `json:"requires"`
	Comment      *string                 `json:"comment"`
	DateStart    *time.Time              `json:"date_start"`
	DateEnd      *time.Time              `json:"date_end"`
	Renewals     *int                    `json:"renewals" validate:"omitempty,gte=0"`
	FilePath     *string                 `json:"file_path"`
	Holders      []models.RelationChange `json:"holders" validate:"omitempty,dive"`
	Rooms        []models.RelationChange `json:"rooms" validate:"omitempty,dive"`
	Units        []models.RelationChange `json:"units" validate:"omitempty,dive"`
	Tickets      []models.RelationChange `json:"tickets" validate:"omitempty,dive"`
}

// CreateUnitRequest is the payload for POST /units.
type CreateUnitRequest struct {
	Name     string `json:"name" validate:"required,max=64"`
	ParentID *int64 `json:"parent_id" validate:"omitempty,gt=0"`
}
