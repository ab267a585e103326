package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies a failure so the orchestrator can choose a state
// transition without inspecting error strings.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfig
	KindRetryable
	KindFatal
	KindVerification
	KindResource
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	case KindVerification:
		return "verification"
	case KindResource:
		return "resource"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Sentinel causes wrapped by *Error.
var (
	ErrTokensExceedCapacity = errors.New("requested tokens exceed bucket capacity")
	ErrHTMLPayload          = errors.New("received html instead of file")
	ErrUndersized           = errors.New("payload smaller than minimum size")
	ErrSizeMismatch         = errors.New("payload size does not match expected size")
	ErrHashMismatch         = errors.New("payload hash does not match expected hash")
	ErrUnexpectedMediaType  = errors.New("payload is not a recognised media type")
	ErrCircuitOpen          = errors.New("host circuit open after repeated failures")
	ErrRetriesExhausted     = errors.New("retries exhausted")
	ErrDestinationExists    = errors.New("destination appeared during download")
)

// Error is the single error type crossing engine package boundaries.
type Error struct {
	Kind       ErrorKind
	Op         string
	URL        string
	StatusCode int
	RetryAfter time.Duration
	Attempts   int // network attempts made before giving up, when known
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "status %d: ", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Kind.String() + " error")
	}
	if e.URL != "" {
		b.WriteString(" (" + e.URL + ")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewConfigError wraps err as a configuration error.
func NewConfigError(op string, err error) *Error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

// KindOf reports the classification of err. Context cancellation is always
// KindCanceled, untyped errors are KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRetryable, KindVerification:
		return true
	}
	return false
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return KindOf(err) == KindConfig }

// IsCanceled reports whether err stems from cancellation.
func IsCanceled(err error) bool { return KindOf(err) == KindCanceled }

// StatusCodeOf extracts the HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
