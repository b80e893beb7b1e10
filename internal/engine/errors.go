package engine

import (
	"errors"
	"fmt"

	"fieldcheck/internal/domain"
)

// ErrInstanceSubmitted is returned for any mutation attempted after the
// instance reached its terminal state.
var ErrInstanceSubmitted = errors.New("instance already submitted")

// ValidationError blocks submission and carries the full deficiency list.
// It is always recoverable locally: complete the missing fields and retry.
type ValidationError struct {
	Deficiencies []domain.Deficiency
}

func (e ValidationError) Error() string {
	if len(e.Deficiencies) == 1 && e.Deficiencies[0].Kind == domain.DeficiencyMissingSignature {
		return "signature required"
	}
	return fmt.Sprintf("submission blocked by %d deficiencies", len(e.Deficiencies))
}

// CompletionError wraps a failure of the external complete-inspection call.
// Validation had already passed; the instance stays retryable.
type CompletionError struct {
	Err error
}

func (e CompletionError) Error() string {
	return fmt.Sprintf("complete inspection: %v", e.Err)
}

func (e CompletionError) Unwrap() error { return e.Err }
