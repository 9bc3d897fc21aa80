package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistence is returned when the backing store cannot be read or
	// written.
	ErrPersistence = errors.New("ledger persistence failure")

	// ErrIntegrity is returned when a chain fails structural or
	// cryptographic validation.
	ErrIntegrity = errors.New("ledger integrity violation")

	// ErrValidation is returned for payloads that cannot be serialized
	// canonically, and for out-of-range parameters.
	ErrValidation = errors.New("invalid ledger input")

	// ErrSealTimeout is returned when the proof-of-work search exceeds its
	// configured bound.
	ErrSealTimeout = errors.New("seal timed out")

	// ErrNotFound is returned by a Store that has never persisted a chain.
	ErrNotFound = errors.New("no persisted ledger")

	ErrClosed = errors.New("ledger closed")
)

// ChainError describes the first (or one of several) failing blocks of a
// chain. It unwraps to ErrIntegrity.
type ChainError struct {
	Index  uint64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("block %d: %s", e.Index, e.Reason)
}

func (e *ChainError) Unwrap() error {
	return ErrIntegrity
}

func chainErrorf(index uint64, format string, args ...any) *ChainError {
	return &ChainError{Index: index, Reason: fmt.Sprintf(format, args...)}
}

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
