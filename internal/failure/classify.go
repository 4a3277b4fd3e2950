package failure

import (
	"context"
	"errors"
)

// Class is the recovery classification of an error.
type Class string

const (
	ClassTransient       Class = "transient"
	ClassCapability      Class = "capability_mismatch"
	ClassSemantic        Class = "semantic"
	ClassFatal           Class = "fatal"
	ClassApprovalTimeout Class = "approval_timeout"
	ClassCancelled       Class = "cancelled"
)

// Retryable reports whether errors of this class may be recovered by another attempt.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassCapability || c == ClassSemantic
}

// Classify maps any error onto a Class.
//
// A context deadline is the per-task timeout firing and is treated as transient.
// Unrecognised errors are assumed transient so that the retry cap bounds them.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var (
		cancelErr   *CancellationError
		budgetErr   *BudgetExceededError
		graphErr    *GraphValidationError
		noModelErr  *NoEligibleModelError
		approvalErr *ApprovalTimeoutError
		capErr      *CapabilityMismatchError
		semErr      *SemanticValidationError
		transErr    *TransientProviderError
		rejectErr   *ProviderRejectedError
	)

	switch {
	case errors.As(err, &cancelErr), errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.As(err, &budgetErr), errors.As(err, &graphErr), errors.As(err, &noModelErr), errors.As(err, &rejectErr):
		return ClassFatal
	case errors.As(err, &approvalErr):
		return ClassApprovalTimeout
	case errors.As(err, &capErr):
		return ClassCapability
	case errors.As(err, &semErr):
		return ClassSemantic
	case errors.As(err, &transErr), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassTransient
	}
}

func asTransient(err error) (*TransientProviderError, bool) {
	var te *TransientProviderError
	ok := errors.As(err, &te)
	return te, ok
}

func asSemantic(err error) (*SemanticValidationError, bool) {
	var se *SemanticValidationError
	ok := errors.As(err, &se)
	return se, ok
}
