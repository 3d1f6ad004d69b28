// Package uuid generates the random identifiers used for software keys,
// devices and requests.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// NewPrefixed returns a random UUID string prefixed with p and a dash,
// e.g. "sw-6f1c...".
func NewPrefixed(p string) string {
	return p + "-" + uuid.NewString()
}
