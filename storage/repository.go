// Package storage provides the durable key-value abstraction used to keep
// session tokens, attested key identifiers and software keys across restarts.
package storage

import "errors"

var (
	// ErrNotFound is returned by Get when no record exists for the key.
	ErrNotFound = errors.New("record not found")
	// ErrSchemeMismatch is returned by OpenRecord when a record was written
	// with a different sealing configuration than the reader's.
	ErrSchemeMismatch = errors.New("record scheme mismatch")
)

// Repository stores envelopes addressed by namespace, record type and
// record ID. Implementations must be safe for concurrent use.
type Repository interface {
	Put(namespace string, recordType string, recordID string, envelope *Envelope) error
	Get(namespace string, recordType string, recordID string) (*Envelope, error)
	// Delete removes a record. Deleting a missing record is not an error.
	Delete(namespace string, recordType string, recordID string) error
}
