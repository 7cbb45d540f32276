package shared

import "github.com/google/uuid"

// Actor identifies the caller of an operation. Identity is established by
// the upstream gateway; this service trusts the forwarded values and does
// not perform authorization itself.
type Actor struct {
	UserID uuid.UUID
	Role   string
}

// Valid reports whether the actor carries a usable identity.
func (a Actor) Valid() bool {
	return a.UserID != uuid.Nil
}
