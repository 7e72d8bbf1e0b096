package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDispatch          = "DISPATCH_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeRepository        = "REPOSITORY_ERROR"
	ErrCodeToolUnavailable   = "TOOL_UNAVAILABLE"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepName string         `json:"step_name,omitempty"`
	Cause    error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *EngineError) WithStep(stepName string) *EngineError {
	e.StepName = stepName
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// IsRetryable reports whether this error class may be retried under the step
// retry policy. Validation, reference, and repository errors never are.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidTransition,
		ErrCodeCycleDetected, ErrCodeCancelled, ErrCodeRepository, ErrCodeInterpolation,
		ErrCodeToolUnavailable, ErrCodeRetryExhausted:
		return false
	default:
		return true
	}
}
