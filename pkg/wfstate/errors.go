package wfstate

import "fmt"

// ErrorKind is one of the wire-stable taxonomy strings from §7. Callers
// serialize a StepResult.Error to JSON, so these are string constants, not
// an iota enum — the wire value must survive refactors.
type ErrorKind string

const (
	KindConfigError       ErrorKind = "ConfigError"
	KindTemplateError     ErrorKind = "TemplateError"
	KindAuthError         ErrorKind = "AuthError"
	KindHTTPError         ErrorKind = "HttpError"
	KindNetworkError      ErrorKind = "NetworkError"
	KindTimeout           ErrorKind = "Timeout"
	KindRemoteJobFailure  ErrorKind = "RemoteJobFailure"
	KindPollTimeout       ErrorKind = "PollTimeout"
	KindCancelled         ErrorKind = "Cancelled"
	KindStepFailure       ErrorKind = "StepFailure"
)

// Retryable reports whether C5 should drive another attempt for this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetworkError, KindTimeout:
		return true
	default:
		return false
	}
}

// EngineError is the normalized error record §4.12/§7 describe:
// {kind, message, http_status?, attempts, step, phase}.
type EngineError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Step       string    `json:"step,omitempty"`
	Phase      int       `json:"phase,omitempty"`

	// wrapped is the underlying Go error, kept for %w-style chains but
	// never serialized.
	wrapped error

	// retryableOverride lets the HTTP layer mark a status-derived HttpError
	// as retryable (408/425/429/5xx) without inventing a new wire Kind for
	// it — retryability here is a transport-classification fact, not part
	// of the stable taxonomy string.
	retryableOverride *bool
}

// NewEngineError builds a classified error.
func NewEngineError(kind ErrorKind, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around an underlying cause, preserving it
// for errors.Unwrap while keeping Message a flat, JSON-safe string.
func Wrap(kind ErrorKind, cause error, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		wrapped: cause,
	}
}

func (e *EngineError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.wrapped
}

// WithStep annotates the error with the step/phase it occurred in and
// returns the same pointer for chaining.
func (e *EngineError) WithStep(step string, phase int) *EngineError {
	e.Step = step
	e.Phase = phase
	return e
}

// WithAttempts annotates the error with the number of attempts made.
func (e *EngineError) WithAttempts(attempts int) *EngineError {
	e.Attempts = attempts
	return e
}

// WithHTTPStatus annotates the error with the HTTP status observed.
func (e *EngineError) WithHTTPStatus(status int) *EngineError {
	e.HTTPStatus = status
	return e
}

// MarkRetryable overrides the kind-intrinsic retryability, for HttpError
// instances whose retryability depends on the specific status code
// observed (§4.4: 408/425/429/5xx retryable, other 4xx not).
func (e *EngineError) MarkRetryable(retryable bool) *EngineError {
	e.retryableOverride = &retryable
	return e
}

// Retryable reports whether C5 should drive another attempt for this
// error, honoring a per-instance override before falling back to the
// kind's intrinsic default.
func (e *EngineError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryableOverride != nil {
		return *e.retryableOverride
	}
	return e.Kind.Retryable()
}

// AsEngineError extracts an *EngineError from err, classifying unknown
// errors as NetworkError (the catch-all for transport-level failures that
// didn't already pass through a classifying layer).
func AsEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	if ee, ok := err.(*EngineError); ok {
		return ee
	}
	return Wrap(KindNetworkError, err, "%s", err.Error())
}
