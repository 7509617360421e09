// Package shaping holds the typed error kinds shared by the downstream
// client, callback dispatcher, and drip scheduler so retry decisions are
// made with errors.As instead of string matching.
package shaping

import "fmt"

// ValidationError covers bad input, an unknown tool, or a missing
// required parameter. Never retried.
type ValidationError struct {
	Tool    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: tool %q: %s: %s", e.Tool, e.Field, e.Message)
	}
	return fmt.Sprintf("validation: %s", e.Message)
}

// TransportError covers network failures below the HTTP status layer:
// connection refused/reset, DNS failure, timeout. Retried at both the
// downstream-client and scheduler layers.
type TransportError struct {
	Endpoint string
	Cause    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error calling %s: %v", e.Endpoint, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// UpstreamRateLimited is an HTTP 429 from the downstream API. Retried.
type UpstreamRateLimited struct {
	Endpoint     string
	ResponseBody string
}

func (e *UpstreamRateLimited) Error() string {
	return fmt.Sprintf("upstream rate limited: %s", e.Endpoint)
}

// UpstreamServerError is an HTTP 5xx from the downstream API. Retried.
type UpstreamServerError struct {
	Endpoint     string
	Status       int
	ResponseBody string
}

func (e *UpstreamServerError) Error() string {
	return fmt.Sprintf("upstream server error %d from %s", e.Status, e.Endpoint)
}

// UpstreamClientError is any 4xx other than 429 from the downstream
// API. Terminal, never retried.
type UpstreamClientError struct {
	Endpoint     string
	Status       int
	ResponseBody string
}

func (e *UpstreamClientError) Error() string {
	return fmt.Sprintf("upstream client error %d from %s", e.Status, e.Endpoint)
}

// StoreError wraps a failure from the durable job store. May degrade
// the health endpoint to 503.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// CallbackDeliveryError records a failed callback dispatch. The
// scheduler logs it; it is not stored with the job or batch and never
// changes a job's terminal outcome.
type CallbackDeliveryError struct {
	URL      string
	Attempts int
	Cause    error
}

func (e *CallbackDeliveryError) Error() string {
	return fmt.Sprintf("callback delivery to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Cause)
}

func (e *CallbackDeliveryError) Unwrap() error { return e.Cause }

// Retryable reports whether err should be retried by a caller operating
// a backoff loop (the downstream client internally, or the scheduler's
// job-level retry). ValidationError and UpstreamClientError are
// terminal; everything else recognized here is retryable. Unrecognized
// errors are treated as non-retryable poison, matching spec's rule that
// a failure outside the classified kinds propagates as non-retryable.
func Retryable(err error) bool {
	switch err.(type) {
	case *TransportError, *UpstreamRateLimited, *UpstreamServerError:
		return true
	default:
		return false
	}
}

// Terminal reports whether err should fail the job immediately without
// consuming any retry budget.
func Terminal(err error) bool {
	switch err.(type) {
	case *ValidationError, *UpstreamClientError:
		return true
	default:
		return !Retryable(err)
	}
}
