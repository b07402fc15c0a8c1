package util

import "github.com/google/uuid"

// NewID returns a random (version 4) UUID in canonical lowercase form.
func NewID() string {
	return uuid.NewString()
}
