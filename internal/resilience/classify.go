// Package resilience implements the failure policy engine: error
// classification, circuit breakers, retry schedules, and the dead-letter
// queue that absorbs items which exhaust recovery.
package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"
)

// ErrorClass tags an error with the recovery policy that applies to it.
type ErrorClass string

const (
	ClassNetwork        ErrorClass = "NETWORK"
	ClassRateLimit      ErrorClass = "RATE_LIMIT"
	ClassAuthentication ErrorClass = "AUTHENTICATION"
	ClassDataError      ErrorClass = "DATA_ERROR"
	ClassTemporary      ErrorClass = "TEMPORARY"
	ClassPermanent      ErrorClass = "PERMANENT"
	ClassUnknown        ErrorClass = "UNKNOWN"
)

// ClassifiedError carries an error class and a structured context map so
// recovery tables can key on the tag instead of branching on error types.
type ClassifiedError struct {
	Class   ErrorClass
	Err     error
	Context map[string]any
}

func (e *ClassifiedError) Error() string {
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewClassified wraps err with an explicit class and optional context pairs.
func NewClassified(class ErrorClass, err error, kv ...any) *ClassifiedError {
	ce := &ClassifiedError{Class: class, Err: err}
	if len(kv) > 0 {
		ce.Context = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			if k, ok := kv[i].(string); ok {
				ce.Context[k] = kv[i+1]
			}
		}
	}
	return ce
}

// HTTPStatusError is raised by source clients on a non-2xx response so the
// classifier can apply the protocol status table.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d from %s", e.StatusCode, e.URL)
}

// classPatterns maps message regexes to classes, checked last.
var classPatterns = []struct {
	re    *regexp.Regexp
	class ErrorClass
}{
	{regexp.MustCompile(`(?i)rate.?limit|too many requests`), ClassRateLimit},
	{regexp.MustCompile(`(?i)unauthorized|forbidden|invalid.*(key|token|credential)`), ClassAuthentication},
	{regexp.MustCompile(`(?i)timeout|timed out|connection (reset|refused|aborted)|broken pipe|no such host|i/o timeout|tls handshake`), ClassNetwork},
	{regexp.MustCompile(`(?i)parse|unmarshal|invalid character|missing (field|element|key)|unexpected end of|malformed`), ClassDataError},
	{regexp.MustCompile(`(?i)not found|gone`), ClassPermanent},
	{regexp.MustCompile(`(?i)unavailable|overloaded|try again`), ClassTemporary},
}

// Classify maps an arbitrary error to its ErrorClass. Explicit
// ClassifiedError tags win; then the HTTP status table; then error-type
// checks; then message patterns.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if errors.Is(err, ErrCircuitOpen) {
		return ClassTemporary
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}

	var se *HTTPStatusError
	if errors.As(err, &se) {
		return classifyStatus(se.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassNetwork
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return ClassNetwork
	}

	var jsonSyntax *json.SyntaxError
	var jsonType *json.UnmarshalTypeError
	if errors.As(err, &jsonSyntax) || errors.As(err, &jsonType) {
		return ClassDataError
	}

	msg := strings.ToLower(err.Error())
	for _, p := range classPatterns {
		if p.re.MatchString(msg) {
			return p.class
		}
	}

	return ClassUnknown
}

func classifyStatus(code int) ErrorClass {
	switch {
	case code == 401 || code == 403:
		return ClassAuthentication
	case code == 404 || code == 410:
		return ClassPermanent
	case code == 429:
		return ClassRateLimit
	case code == 500:
		// A plain 500 carries no retry signal, unlike 502/503/504.
		return ClassUnknown
	case code > 500:
		return ClassTemporary
	default:
		return ClassUnknown
	}
}

// RecoveryAction is what the pipeline should do with an error of a class.
type RecoveryAction string

const (
	ActionRetry       RecoveryAction = "retry"
	ActionLongWait    RecoveryAction = "long_wait"
	ActionRefreshAuth RecoveryAction = "refresh_auth"
	ActionFallback    RecoveryAction = "fallback"
	ActionSkip        RecoveryAction = "skip"
	ActionDLQ         RecoveryAction = "dlq"
)

// recoverySchedules holds the per-class backoff schedules.
var recoverySchedules = map[ErrorClass][]time.Duration{
	ClassNetwork:        {1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
	ClassRateLimit:      {60 * time.Second, 120 * time.Second, 300 * time.Second},
	ClassAuthentication: {1 * time.Second, 5 * time.Second},
	ClassTemporary:      {2 * time.Second, 5 * time.Second, 10 * time.Second},
}

// ActionFor returns the recovery action for an error class.
func ActionFor(class ErrorClass) RecoveryAction {
	switch class {
	case ClassNetwork, ClassTemporary:
		return ActionRetry
	case ClassRateLimit:
		return ActionLongWait
	case ClassAuthentication:
		return ActionRefreshAuth
	case ClassDataError:
		return ActionFallback
	case ClassPermanent:
		return ActionSkip
	default:
		return ActionSkip
	}
}

// ScheduleFor returns the backoff schedule for a class, or nil when the
// class is not retried.
func ScheduleFor(class ErrorClass) []time.Duration {
	return recoverySchedules[class]
}

// Retryable reports whether errors of this class are worth retrying.
func Retryable(class ErrorClass) bool {
	switch class {
	case ClassNetwork, ClassRateLimit, ClassTemporary, ClassAuthentication:
		return true
	}
	return false
}
