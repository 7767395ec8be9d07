// Package ids generates record and rotation family identifiers.
package ids

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a time-ordered identifier for users, roles, permissions and
// refresh credential rows. Identifiers minted in the same millisecond by
// one process still sort in creation order.
func New() string {
	return ulid.Make().String()
}

// IsRecord reports whether s is a record identifier.
func IsRecord(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// NewFamily returns a random identifier linking every refresh credential of
// one rotation chain.
func NewFamily() string {
	return uuid.NewString()
}

// IsFamily reports whether s parses as a family identifier.
func IsFamily(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
