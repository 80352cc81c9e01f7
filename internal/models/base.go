package models

import (
	"github.com/google/uuid"
)

// newID returns the opaque identifier used for every primary key in this schema.
func newID() string {
	return uuid.NewString()
}
