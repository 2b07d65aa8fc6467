package tunepipe

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// error codes
const (
	ErrCodeGeneral     = "tunepipe.general"
	ErrCodeTransient   = "tunepipe.transient"
	ErrCodeTimeout     = "tunepipe.timeout"
	ErrCodeRateLimited = "tunepipe.rate_limited"
	ErrCodeDbFail      = "tunepipe.db_fail"
	ErrCodeHttpClient  = "tunepipe.http_client"
	ErrCodeQuality     = "tunepipe.quality"
	ErrCodeSchema      = "tunepipe.schema"
	ErrCodeConfig      = "tunepipe.config"
	ErrCodeCancelled   = "tunepipe.cancelled"
	ErrCodeConcurrency = "tunepipe.concurrency"
	ErrCodeNotFound    = "tunepipe.not_found"
	ErrCodeState       = "tunepipe.state"

	ErrCodeRetriesExhausted = "tunepipe.retries_exhausted"
)

// ErrorKind classifies failures by how the orchestrator reacts to them.
type ErrorKind string

const (
	// Transient failures are retried with backoff up to the stage retry bound.
	Transient ErrorKind = "TRANSIENT"
	// DataQuality failures halt propagation but keep curated data.
	DataQuality ErrorKind = "DATA_QUALITY"
	// Schema failures come from records violating the entity contract.
	Schema ErrorKind = "SCHEMA"
	// Fatal failures abort immediately without retry.
	Fatal ErrorKind = "FATAL"
)

var codeKinds = map[string]ErrorKind{
	ErrCodeGeneral:     Fatal,
	ErrCodeTransient:   Transient,
	ErrCodeTimeout:     Transient,
	ErrCodeRateLimited: Transient,
	ErrCodeDbFail:      Transient,
	ErrCodeHttpClient:  Fatal,
	ErrCodeQuality:     DataQuality,
	ErrCodeSchema:      Schema,
	ErrCodeConfig:      Fatal,
	ErrCodeCancelled:   Fatal,
	ErrCodeConcurrency: Fatal,
	ErrCodeNotFound:    Fatal,
	ErrCodeState:       Fatal,

	ErrCodeRetriesExhausted: Fatal,
}

// BatchError is the error type returned by stages and the engine.
type BatchError interface {
	error
	Code() string
	Kind() ErrorKind
	Message() string
	Cause() error
}

type batchError struct {
	code string
	msg  string
	err  error
}

// NewBatchError creates a BatchError. msg is a format string; if the last arg is an error
// it becomes the cause and is not consumed by the format.
func NewBatchError(code string, msg string, args ...interface{}) BatchError {
	var cause error
	if n := len(args); n > 0 {
		if e, ok := args[n-1].(error); ok {
			cause = e
			args = args[:n-1]
		}
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &batchError{code: code, msg: msg, err: cause}
}

func (e *batchError) Code() string {
	return e.code
}

func (e *batchError) Kind() ErrorKind {
	if k, ok := codeKinds[e.code]; ok {
		return k
	}
	return Fatal
}

func (e *batchError) Message() string {
	return e.msg
}

func (e *batchError) Cause() error {
	return e.err
}

func (e *batchError) Unwrap() error {
	return e.err
}

func (e *batchError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("BatchError[%s]: %s, cause: %v", e.code, e.msg, e.err)
	}
	return fmt.Sprintf("BatchError[%s]: %s", e.code, e.msg)
}

// KindOf classifies an arbitrary error. Deadline and network timeouts are transient,
// unclassified errors are fatal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var be BatchError
	if errors.As(err, &be) {
		return be.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	return Fatal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

// CodeOf returns the BatchError code of err, or ErrCodeGeneral.
func CodeOf(err error) string {
	var be BatchError
	if errors.As(err, &be) {
		return be.Code()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	return ErrCodeGeneral
}
