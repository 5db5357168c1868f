package models

import (
	"time"

	"github.com/labsafe/permit-api/pkg/reference"
)

// DispensationStatus is the lifecycle state of a hazard dispensation.
// Draft/Pending move to Active through updates; Active moves to Expired
// (scanner driven) or Cancelled. Transitions are one-directional.
type DispensationStatus string

const (
	DispensationStatusDraft     DispensationStatus = "DRAFT"
	DispensationStatusPending   DispensationStatus = "PENDING"
	DispensationStatusActive    DispensationStatus = "ACTIVE"
	DispensationStatusExpired   DispensationStatus = "EXPIRED"
	DispensationStatusCancelled DispensationStatus = "CANCELLED"
)

// Dispensation is a time-bounded hazardous-activity permit. The display
// code embeds the generated primary key (DISP-<id>) and is assigned in a
// second write inside the creating transaction.
type Dispensation struct {
	ID                 int64              `db:"id" json:"-"`
	Code               string             `db:"dispensation" json:"dispensation"`
	Status             DispensationStatus `db:"status" json:"status"`
	SubjectID          *int64             `db:"subject_id" json:"-"`
	OtherSubject       string             `db:"other_subject" json:"other_subject,omitempty"`
	Requires           string             `db:"requires" json:"requires,omitempty"`
	Comment            string             `db:"comment" json:"comment,omitempty"`
	DateStart          time.Time          `db:"date_start" json:"date_start"`
	DateEnd            time.Time          `db:"date_end" json:"date_end"`
	Renewals           int                `db:"renewals" json:"renewals"`
	FilePath           string             `db:"file_path" json:"file_path,omitempty"`
	DateExpiryNotified *time.Time         `db:"date_expiry_notified" json:"date_expiry_notified,omitempty"`
	NotifiedRenewals   int                `db:"notified_renewals" json:"-"`
	CreatedBy          string             `db:"created_by" json:"created_by"`
	CreatedOn          time.Time          `db:"created_on" json:"created_on"`
	ModifiedBy         string             `db:"modified_by" json:"modified_by"`
	ModifiedOn         time.Time          `db:"modified_on" json:"modified_on"`
}

// Canonical returns the stable field map hashed into opaque references.
// Same contract as Authorization.Canonical: formats are fixed forever.
func (d Dispensation) Canonical() map[string]interface{} {
	var subject interface{}
	if d.SubjectID != nil {
		subject = *d.SubjectID
	}
	return map[string]interface{}{
		"dispensation":  d.Code,
		"status":        string(d.Status),
		"subject":       subject,
		"other_subject": d.OtherSubject,
		"requires":      d.Requires,
		"comment":       d.Comment,
		"date_start":    canonicalTime(d.DateStart),
		"date_end":      canonicalTime(d.DateEnd),
		"renewals":      d.Renewals,
		"file_path":     d.FilePath,
	}
}

// DispensationSubject is one entry of the closed subject vocabulary.
type DispensationSubject struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// DispensationDetail carries a dispensation with child relations and the
// freshly minted reference for the reading client.
type DispensationDetail struct {
	Dispensation
	Reference reference.Ref `json:"reference"`
	Subject   string        `json:"subject,omitempty"`
	Holders   []Person      `json:"holders"`
	Rooms     []Room        `json:"rooms"`
	Units     []Unit        `json:"units"`
	Tickets   []string      `json:"tickets"`
}

// NotificationKind selects which template the notifier fires after a
// dispensation update. Exactly one kind is selected per update by an
// ordered decision list, first match wins.
type NotificationKind string

const (
	NotificationNone      NotificationKind = ""
	NotificationRenewed   NotificationKind = "DISPENSATION_RENEWED"
	NotificationNew       NotificationKind = "DISPENSATION_NEW"
	NotificationModified  NotificationKind = "DISPENSATION_MODIFIED"
	NotificationExpired   NotificationKind = "DISPENSATION_EXPIRED"
	NotificationCancelled NotificationKind = "DISPENSATION_CANCELLED"
	NotificationExpiring  NotificationKind = "PERMIT_EXPIRING_SOON"
)
