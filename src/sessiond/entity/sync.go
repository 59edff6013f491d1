package entity

import "fmt"

// SyncRole is the buffer-sync role a session holds for one document.
type SyncRole string

const (
	// SyncRoleOwner marks the single session allowed to publish deltas.
	SyncRoleOwner SyncRole = "owner"
	// SyncRoleFollower marks a read-only replica of the document.
	SyncRoleFollower SyncRole = "follower"
)

// EditOp is one operation in a serialized edit. An edit is an ordered list of
// ops that walks the entire document: retain(n) keeps the next n bytes,
// delete(n) removes the next n bytes, insert(s) adds s at the current point.
// Exactly one field is set per op.
type EditOp struct {
	Retain int    `json:"retain,omitempty"`
	Delete int    `json:"delete,omitempty"`
	Insert string `json:"insert,omitempty"`
}

// Validate checks that exactly one field of the op is populated.
func (op EditOp) Validate() error {
	if op.Retain < 0 || op.Delete < 0 {
		return fmt.Errorf("edit op counts must be positive, got %+v", op)
	}
	set := 0
	if op.Retain > 0 {
		set++
	}
	if op.Delete > 0 {
		set++
	}
	if op.Insert != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("edit op must set exactly one of retain/delete/insert, got %+v", op)
	}
	return nil
}
