package envelope

import (
	"fmt"

	"github.com/pkg/errors"
)

// kindError is a plain sentinel comparable with errors.Is, used for the
// conditions a caller is expected to branch on. Anything unexpected is
// surfaced wrapped with github.com/pkg/errors instead, which is what
// errors.Wrap/errors.WithStack calls throughout this package produce.
type kindError string

func (e kindError) Error() string { return string(e) }

const (
	// ErrMetastoreRead is returned when a Metastore Load/LoadLatest call
	// fails. The engine never retries.
	ErrMetastoreRead kindError = "metastore read failed"

	// ErrMetastoreWrite is returned when a Metastore Store call fails for a
	// reason other than a duplicate key.
	ErrMetastoreWrite kindError = "metastore write failed"

	// errDuplicateKey is internal: it signals that a concurrent writer won
	// the race to persist a given (id, created) pair. The engine always
	// recovers from it locally by reloading the winner; it must never
	// escape a public entry point.
	errDuplicateKey kindError = "duplicate key"

	// ErrKmsEncrypt is returned when the KMS collaborator fails to encrypt
	// a system key.
	ErrKmsEncrypt kindError = "kms encrypt failed"

	// ErrKmsDecrypt is returned when the KMS collaborator fails to decrypt a
	// system key in every region it tried.
	ErrKmsDecrypt kindError = "kms decrypt failed"

	// ErrMissingSK is returned when a decrypt references a system key that
	// no longer exists in the Metastore.
	ErrMissingSK kindError = "system key not found"

	// ErrMissingIK is returned when a decrypt references an intermediate key
	// that no longer exists in the Metastore.
	ErrMissingIK kindError = "intermediate key not found"

	// ErrBadPartition is returned when a DataRowRecord's parent key ID does
	// not belong to the partition attempting to decrypt it.
	ErrBadPartition kindError = "data row record does not belong to this partition"

	// ErrIntegrity is returned when an AEAD authentication tag fails to
	// verify. Fatal for the record in question.
	ErrIntegrity kindError = "ciphertext failed integrity check"

	// ErrCodec is returned when an EnvelopeKeyRecord or DataRowRecord cannot
	// be encoded/decoded.
	ErrCodec kindError = "envelope record codec error"

	// ErrEntropy names a cryptographic RNG failure, which is fatal to the
	// process; callers decide whether to abort. No function in this package
	// returns it: RNG errors from key and nonce generation are passed through
	// as the SecretFactory or the AEAD reports them.
	ErrEntropy kindError = "secure random number generator failed"

	// ErrClosedSession is returned when a Session handle is used after the
	// session (or its owning factory) has been closed.
	ErrClosedSession kindError = "session is closed"
)

// wrapf is a small helper mirroring the teacher's errors.Wrap/WithMessage
// usage at I/O and decode boundaries. The result matches both kind and err
// under errors.Is.
func wrapf(err error, kind kindError, msg string) error {
	if err == nil {
		return nil
	}

	return errors.WithStack(fmt.Errorf("%w: %s: %w", kind, msg, err))
}
