package llm

import "fmt"

// TransportError is the base type for failures of the model transport.
type TransportError struct {
	Message    string
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter *float64 // seconds, from a Retry-After header when present
	Cause      error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Concrete transport error kinds.

type RateLimitError struct{ TransportError }
type ServerError struct{ TransportError }
type NetworkError struct{ TransportError }
type TimeoutError struct{ TransportError }
type AuthError struct{ TransportError }
type InvalidRequestError struct{ TransportError }
type ContextLengthError struct{ TransportError }
type ConfigurationError struct{ TransportError }
type AbortError struct{ TransportError }

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter *float64) error {
	te := TransportError{
		Message:    message,
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		te.Retryable = false
		return &InvalidRequestError{TransportError: te}
	case 401, 403:
		te.Retryable = false
		return &AuthError{TransportError: te}
	case 408:
		te.Retryable = true
		return &TimeoutError{TransportError: te}
	case 413:
		te.Retryable = false
		return &ContextLengthError{TransportError: te}
	case 429:
		te.Retryable = true
		return &RateLimitError{TransportError: te}
	case 500, 502, 503, 504:
		te.Retryable = true
		return &ServerError{TransportError: te}
	default:
		// Unknown statuses default to retryable.
		te.Retryable = true
		return &te
	}
}

// IsRetryable reports whether the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch e := err.(type) {
	case *RateLimitError, *ServerError, *NetworkError, *TimeoutError:
		return true
	case *AuthError, *InvalidRequestError, *ContextLengthError, *ConfigurationError, *AbortError:
		return false
	case *TransportError:
		return e.Retryable
	default:
		// Errors outside the taxonomy are not retried; the caller cannot
		// know whether the request had side effects.
		return false
	}
}
