package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrValidation                = errors.New("validation failed")
	ErrNotFound                  = errors.New("not found")
	ErrInvalidState              = errors.New("invalid state")
	ErrDuplicateActiveMembership = errors.New("patient already waiting in the consultation queue")
	ErrDuplicatePendingExam      = errors.New("consultation already has an open exam")
	ErrPaymentRequired           = errors.New("payment required")
	ErrNoResultsProvided         = errors.New("no results provided")

	ErrArtifact                 = errors.New("artifact error")
	ErrInvalidArtifactType      = fmt.Errorf("invalid artifact type: %w", ErrArtifact)
	ErrArtifactMissingExtension = fmt.Errorf("artifact has no file extension: %w", ErrArtifact)
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// errorKind labels err for metrics and logs.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrDuplicateActiveMembership):
		return "duplicate_active_membership"
	case errors.Is(err, ErrDuplicatePendingExam):
		return "duplicate_pending_exam"
	case errors.Is(err, ErrPaymentRequired):
		return "payment_required"
	case errors.Is(err, ErrNoResultsProvided):
		return "no_results"
	case errors.Is(err, ErrArtifact):
		return "artifact"
	default:
		return "internal"
	}
}
