package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("ledger: validation failed")

	// ErrNotFound is returned when an entry lookup finds no matching record.
	ErrNotFound = errors.New("ledger: entry not found")

	// ErrChainConflict is returned when the store rejected an insert that
	// would have forked the chain (two entries sharing a predecessor).
	ErrChainConflict = errors.New("ledger: chain conflict")

	// ErrUnsupportedFormat is returned by Export for unknown formats.
	ErrUnsupportedFormat = errors.New("ledger: unsupported export format")
)

// ValidationError reports a rejected append request. It is returned before
// any storage access.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: invalid %s: %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
