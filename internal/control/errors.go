package control

import "github.com/juju/errors"

// Inbound line classification. All of them are recoverable:
// the receiver skips the line and continues.
var (
	ErrMalformedInput  = errors.New("malformed input")
	ErrSchemaMismatch  = errors.New("schema mismatch")
	ErrAddressMismatch = errors.New("address mismatch")
	ErrDigestMismatch  = errors.New("digest mismatch")
	ErrUnauthorized    = errors.New("invalid command")

	ErrSecretEmpty = errors.New("shared secret is empty")
)

// Is reports whether err was caused by target, through juju annotations.
func Is(err, target error) bool {
	return err != nil && errors.Cause(err) == target
}
