package models

import "time"

// Person is a permit holder or safety correspondent. Sciper is the
// lifelong-unique institutional identifier and the natural key used by
// every holder relation.
type Person struct {
	ID        int64  `db:"id" json:"-"`
	Sciper    string `db:"sciper" json:"sciper"`
	FirstName string `db:"first_name" json:"first_name"`
	LastName  string `db:"last_name" json:"last_name"`
	Email     string `db:"email" json:"email"`
}

// Room is a laboratory space, addressed by its display name.
type Room struct {
	ID   int64  `db:"id" json:"-"`
	Name string `db:"name" json:"name"`
}

// Chemical is a substance identified by its CAS registry number.
type Chemical struct {
	ID     int64  `db:"id" json:"-"`
	CAS    string `db:"cas" json:"cas"`
	NameEN string `db:"name_en" json:"name_en,omitempty"`
}

// Unit is an organizational unit. Units form a tree through ParentID;
// deletion walks the tree post-order so children always go first.
type Unit struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	ParentID  *int64    `db:"parent_id" json:"parent_id,omitempty"`
	CreatedOn time.Time `db:"created_on" json:"created_on"`
}
