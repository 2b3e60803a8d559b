package services

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalid         ErrorCode = "invalid"
	ErrorForbidden       ErrorCode = "forbidden"
	ErrorNotFound        ErrorCode = "not_found"
	ErrorConflict        ErrorCode = "conflict"
	ErrorUnauthorized    ErrorCode = "unauthorized"
	ErrorTooManyRequests ErrorCode = "too_many_requests"
	ErrorUnavailable     ErrorCode = "unavailable"
	ErrorIntegrity       ErrorCode = "integrity"
)

// Domain failures. Match with errors.Is; the ServiceError wrapping them carries
// the HTTP-facing code and the i18n key.
var (
	ErrEmptySampleSet          = errors.New("empty sample set")
	ErrAlreadyExists           = errors.New("randomization already exists")
	ErrRandomizationMissing    = errors.New("randomization missing")
	ErrDuplicateEvaluation     = errors.New("duplicate evaluation")
	ErrValidation              = errors.New("validation failed")
	ErrTransientStorage        = errors.New("transient storage error")
	ErrStaleCompletionMismatch = errors.New("stale completion mismatch")
	ErrSubmissionInProgress    = errors.New("submission in progress")
	ErrFlowComplete            = errors.New("evaluation flow complete")
	ErrRevealPending           = errors.New("reveal pending")
	ErrNoRevealPending         = errors.New("no reveal pending")
	ErrOutOfSequence           = errors.New("sample out of sequence")
	ErrEventNotActive          = errors.New("event not active")
	ErrEventNotEditable        = errors.New("event not in preparation")
	ErrInvalidTransition       = errors.New("invalid status transition")
)

type ServiceError struct {
	Code    ErrorCode
	Message string
	// Key selects the localized message shown to users.
	Key string
	// Fields holds per-field validation problems.
	Fields map[string]string
	Err    error
}

func (e *ServiceError) Error() string { return e.Message }

func (e *ServiceError) Unwrap() error { return e.Err }

func NewInvalidError(msg string) error {
	return &ServiceError{Code: ErrorInvalid, Message: msg, Key: "error.invalid"}
}
func NewForbiddenError(msg string) error {
	return &ServiceError{Code: ErrorForbidden, Message: msg, Key: "error.forbidden"}
}
func NewNotFoundError(msg string) error {
	return &ServiceError{Code: ErrorNotFound, Message: msg, Key: "error.not_found"}
}
func NewConflictError(msg string) error {
	return &ServiceError{Code: ErrorConflict, Message: msg, Key: "error.conflict"}
}
func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg, Key: "error.unauthorized"}
}

func NewEmptySampleSetError(productTypeID string) error {
	return &ServiceError{Code: ErrorInvalid, Key: "error.empty_sample_set", Err: ErrEmptySampleSet,
		Message: fmt.Sprintf("product type %s has no samples", productTypeID)}
}

func NewAlreadyExistsError(productTypeID string) error {
	return &ServiceError{Code: ErrorConflict, Key: "error.randomization_exists", Err: ErrAlreadyExists,
		Message: fmt.Sprintf("randomization for product type %s already exists", productTypeID)}
}

func NewRandomizationMissingError(productTypeIDs ...string) error {
	return &ServiceError{Code: ErrorIntegrity, Key: "error.randomization_missing", Err: ErrRandomizationMissing,
		Message: fmt.Sprintf("randomization missing for product types %v", productTypeIDs)}
}

func NewDuplicateEvaluationError(userID, sampleID string) error {
	return &ServiceError{Code: ErrorConflict, Key: "error.duplicate_evaluation", Err: ErrDuplicateEvaluation,
		Message: fmt.Sprintf("evaluation for user %s and sample %s already exists", userID, sampleID)}
}

// NewValidationError reports rating problems keyed by field name.
func NewValidationError(fields map[string]string) error {
	return &ServiceError{Code: ErrorInvalid, Key: "error.validation", Err: ErrValidation,
		Message: fmt.Sprintf("invalid ratings: %d problem(s)", len(fields)), Fields: fields}
}

// NewTransientError wraps a retryable backend failure.
func NewTransientError(op string, cause error) error {
	return &ServiceError{Code: ErrorUnavailable, Key: "error.transient", Err: errors.Join(ErrTransientStorage, cause),
		Message: fmt.Sprintf("%s: temporarily unavailable: %v", op, cause)}
}

func NewStaleCompletionError(userID, eventID string, sequencerDone bool, completed, total int) error {
	return &ServiceError{Code: ErrorIntegrity, Key: "error.stale_completion", Err: ErrStaleCompletionMismatch,
		Message: fmt.Sprintf("completion mismatch for user %s event %s: sequencer done=%t, evaluations %d/%d",
			userID, eventID, sequencerDone, completed, total)}
}

// NewEventNotEditableError reports a setup change attempted after the event
// left preparation.
func NewEventNotEditableError() error {
	return newConflict(ErrEventNotEditable, "error.event_not_editable", "event is no longer in preparation")
}

func newConflict(sentinel error, key, msg string) error {
	return &ServiceError{Code: ErrorConflict, Key: key, Err: sentinel, Message: msg}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsRetryable reports whether the operation may be retried as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}

// IsFatal reports integrity faults that must stop the current flow.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRandomizationMissing) || errors.Is(err, ErrStaleCompletionMismatch)
}
