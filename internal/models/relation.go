package models

// RelationAction tags one entry of a declarative relation change list.
// Add links the target to the owner if not already linked; Remove drops
// every matching link and tolerates targets that no longer exist.
type RelationAction string

const (
	RelationAdd    RelationAction = "ADD"
	RelationRemove RelationAction = "REMOVE"
)

// RelationChange is one declarative edit of a many-to-many relation.
// Key addresses the target by its natural key: sciper for holders, room
// name for rooms, CAS number for chemicals, unit id for units, free text
// for radiation sources and tickets. Entities absent from the change
// list are left untouched; this is a diff, not a full replace.
type RelationChange struct {
	Action RelationAction `json:"action" binding:"required,oneof=ADD REMOVE"`
	Key    string         `json:"key" binding:"required"`
}
