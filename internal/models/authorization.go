package models

import (
	"time"

	"github.com/labsafe/permit-api/pkg/reference"
)

// AuthorizationType identifies the permit family. Only chemical permits
// exist today but the column is kept open for future families.
type AuthorizationType string

const (
	AuthorizationTypeChemical AuthorizationType = "CHEMICAL"
)

// AuthorizationStatus is the lifecycle state of a chemical-use permit.
type AuthorizationStatus string

const (
	AuthorizationStatusActive  AuthorizationStatus = "ACTIVE"
	AuthorizationStatusExpired AuthorizationStatus = "EXPIRED"
)

// Authorization is a chemical-use permit owned by a unit. The (type, code)
// pair is unique; Renewals never decreases; DateExpiryNotified is cleared
// whenever a renewal moves Renewals past NotifiedRenewals.
type Authorization struct {
	ID                 int64               `db:"id" json:"-"`
	Code               string              `db:"authorization" json:"authorization"`
	Type               AuthorizationType   `db:"type" json:"type"`
	Status             AuthorizationStatus `db:"status" json:"status"`
	CreationDate       time.Time           `db:"creation_date" json:"creation_date"`
	ExpirationDate     time.Time           `db:"expiration_date" json:"expiration_date"`
	Renewals           int                 `db:"renewals" json:"renewals"`
	Authority          string              `db:"authority" json:"authority"`
	DateExpiryNotified *time.Time          `db:"date_expiry_notified" json:"date_expiry_notified,omitempty"`
	NotifiedRenewals   int                 `db:"notified_renewals" json:"-"`
	UnitID             int64               `db:"unit_id" json:"-"`
	CreatedBy          string              `db:"created_by" json:"created_by"`
	CreatedOn          time.Time           `db:"created_on" json:"created_on"`
	ModifiedBy         string              `db:"modified_by" json:"modified_by"`
	ModifiedOn         time.Time           `db:"modified_on" json:"modified_on"`
}

// Canonical returns the stable field map hashed into opaque references.
// The serialization of this map is a wire contract: any change silently
// invalidates every reference already handed out, so fields use fixed
// formats (RFC3339 UTC, seconds precision) and are never reordered by
// the encoder (encoding/json sorts map keys).
func (a Authorization) Canonical() map[string]interface{} {
	return map[string]interface{}{
		"authorization":        a.Code,
		"type":                 string(a.Type),
		"status":               string(a.Status),
		"creation_date":        canonicalTime(a.CreationDate),
		"expiration_date":      canonicalTime(a.ExpirationDate),
		"renewals":             a.Renewals,
		"authority":            a.Authority,
		"date_expiry_notified": canonicalTimePtr(a.DateExpiryNotified),
	}
}

// AuthorizationDetail carries an authorization together with its child
// relations and the freshly minted reference for the reading client.
type AuthorizationDetail struct {
	Authorization
	Reference reference.Ref `json:"reference"`
	Holders   []Person      `json:"holders"`
	Rooms     []Room        `json:"rooms"`
	Chemicals []Chemical    `json:"chemicals"`
	Sources   []string      `json:"sources"`
}

func canonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func canonicalTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return canonicalTime(*t)
}
