// Package uuid wraps UUID generation for activity-log and backup identifiers.
package uuid

import "github.com/google/uuid"

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}
