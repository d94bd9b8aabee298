// Package certdb provides a transactional store of X.509 certificates.
//
// Certificates are keyed by fingerprint and handled as PEM strings. A
// fingerprint is assumed to uniquely identify a certificate, so inserting a
// different certificate under an existing fingerprint does not rewrite the
// original; to replace one it must be deleted and re-inserted within a single
// transaction, sequence preserved.
//
// Delete removes a not-yet-persisted certificate immediately, while a
// persisted one remains visible until the transaction is committed.
package certdb

import (
	"context"
	"errors"
	"fmt"
)

// ErrCertNotAvailable is returned when a certificate is not present in the store.
var ErrCertNotAvailable = errors.New("certificate not available")

// ErrCertInvalid is returned when a certificate has an invalid identifier or content.
var ErrCertInvalid = errors.New("certificate invalid")

// NotAvailable wraps ErrCertNotAvailable with the fingerprint that was looked up.
func NotAvailable(fingerprint string) error {
	return fmt.Errorf("%w: %s", ErrCertNotAvailable, fingerprint)
}

// ReadOnly is the read-only certificate store interface.
type ReadOnly interface {
	// Get retrieves a certificate in PEM format.
	// Returns an error wrapping ErrCertNotAvailable if the certificate is not found.
	Get(fingerprint string) (string, error)

	// Export saves a certificate as a PEM file under targetDir and returns its path.
	// If copyIfExists is false and the certificate already exists as a loose file
	// in an open transaction, the existing path is returned without copying.
	Export(fingerprint, targetDir string, copyIfExists bool) (string, error)

	// Exists tests whether a certificate is present.
	Exists(fingerprint string) bool

	// ExistsAll tests that every listed certificate is present.
	ExistsAll(fingerprints []string) bool
}

// DB is the writable certificate store interface. Mutations accumulate in an
// open transaction until Commit or Rollback.
type DB interface {
	ReadOnly

	// Insert stores a PEM certificate under the fingerprint. The certificate is
	// not persisted until Commit. Inserting an existing fingerprint is a no-op.
	Insert(fingerprint, cert string) error

	// Delete removes the certificate. A certificate inserted in the current
	// transaction is removed immediately; a persisted one is removed on Commit.
	Delete(fingerprint string) error

	// Commit applies the open transaction and returns the number of
	// certificates persisted and permanently removed.
	Commit(ctx context.Context) (inserted, deleted int, err error)

	// Rollback reverts the open transaction. Pending inserts are discarded and
	// pending deletes of persisted certificates are forgotten.
	Rollback() error
}
