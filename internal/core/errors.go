package core

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the workflow wraps exactly one of
// these, so callers classify with errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrExpired         = errors.New("expired")
	ErrAlreadyResolved = errors.New("already resolved")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrIntegrity       = errors.New("integrity error")
)

var (
	ErrGroupNotFound        = fmt.Errorf("group %w", ErrNotFound)
	ErrInvitationNotFound   = fmt.Errorf("invitation %w", ErrNotFound)
	ErrMemberNotFound       = fmt.Errorf("member %w", ErrNotFound)
	ErrContributionNotFound = fmt.Errorf("contribution %w", ErrNotFound)

	ErrInvitationExpired    = fmt.Errorf("invitation %w", ErrExpired)
	ErrInvitationUsed       = fmt.Errorf("invitation %w", ErrAlreadyResolved)
	ErrContributionResolved = fmt.Errorf("contribution %w", ErrAlreadyResolved)

	ErrNotAdmin   = fmt.Errorf("%w: admin role required", ErrUnauthorized)
	ErrNotMember  = fmt.Errorf("%w: group membership required", ErrUnauthorized)
	ErrAnonymous  = fmt.Errorf("%w: authenticated user required", ErrUnauthorized)
	ErrNotAllowed = fmt.Errorf("%w: operation not allowed", ErrUnauthorized)

	ErrInvalidAmount     = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrEmptyName         = fmt.Errorf("%w: empty name", ErrValidation)
	ErrProofRequired     = fmt.Errorf("%w: proof of payment reference is required", ErrValidation)
	ErrReasonRequired    = fmt.Errorf("%w: rejection reason is required", ErrValidation)
	ErrInvalidTTL        = fmt.Errorf("%w: invitation expiry must be in the future", ErrValidation)
	ErrInvalidMethod     = fmt.Errorf("%w: unknown payment method", ErrValidation)
	ErrBelowMinimum      = fmt.Errorf("%w: amount below group minimum", ErrValidation)
	ErrGroupArchived     = fmt.Errorf("%w: group is archived", ErrValidation)
	ErrGroupNotArchived  = fmt.Errorf("%w: group is not archived", ErrValidation)
	ErrCreatorRemoval    = fmt.Errorf("%w: group creator cannot be removed", ErrValidation)
	ErrDeadlineInPast    = fmt.Errorf("%w: deadline must be in the future", ErrValidation)
	ErrMissingIdentifier = fmt.Errorf("%w: missing identifier", ErrValidation)
)

// Validationf builds an ad-hoc validation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Integrityf builds an invariant violation error.
func Integrityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

var kinds = []error{
	ErrIntegrity,
	ErrValidation,
	ErrNotFound,
	ErrExpired,
	ErrAlreadyResolved,
	ErrUnauthorized,
}

// KindOf returns the error kind wrapped by err, or nil for unclassified errors.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName is a stable label for logs and metrics.
func KindName(err error) string {
	if err == nil {
		return "ok"
	}
	switch KindOf(err) {
	case ErrValidation:
		return "validation"
	case ErrNotFound:
		return "not_found"
	case ErrExpired:
		return "expired"
	case ErrAlreadyResolved:
		return "already_resolved"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrIntegrity:
		return "integrity"
	}
	return "internal"
}
