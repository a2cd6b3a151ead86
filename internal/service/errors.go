package service

import "errors"

// Lifecycle errors. These are the vocabulary the HTTP and queue layers
// translate from; raw storage errors never cross this boundary.
var (
	// ErrNotFound means the requested identity has no live document or
	// blob.
	ErrNotFound = errors.New("key not found")
	// ErrConflict means a create or write raced with an existing
	// identity or version.
	ErrConflict = errors.New("key already exists")
	// ErrInvalidState means the document exists but is not in the state
	// the requested transition needs. Never retried.
	ErrInvalidState = errors.New("key is not in the expected state")
	// ErrValidation means the input itself is malformed.
	ErrValidation = errors.New("invalid input")
)

// TransientError marks a failure assumed recoverable: the caller should
// re-drive the whole operation. For queue-driven revocation this
// triggers redelivery.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix. Queue consumers
// record it and drop the message.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error { return &TransientError{Err: err} }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error { return &PermanentError{Err: err} }

// IsTransient reports whether err is marked transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
