package types

import (
	"errors"
	"fmt"
)

// Error codes surfaced to the proxy
const (
	CodeTimestampingFailed       = "timestamping_failed"
	CodeNoTimestampingProvider   = "no_timestamping_provider"
	CodeLoggingFailed            = "logging_failed"
	CodeTimestampRecordSaveFail  = "timestamp_record_save_failure"
	CodeInvalidConfiguration     = "invalid_configuration"
	CodeInternalError            = "internal_error"
	CodeArchiveIntegrityViolated = "archive_integrity_violated"
)

var (
	// ErrTimestampingUnavailable is returned by Log once timestamping has been
	// failing for longer than the acceptable failure period.
	ErrTimestampingUnavailable = errors.New("timestamping unavailable")

	// ErrNoTimestampingProvider is returned when no TSA URL is configured
	ErrNoTimestampingProvider = errors.New("no timestamping provider configured")

	// ErrNilRecord is returned when a nil record is handed to a consumer
	ErrNilRecord = errors.New("record must not be nil")

	// ErrHashChainLength is returned when hash chains and record ids differ in length
	ErrHashChainLength = errors.New("hash chain count does not match record count")

	// ErrRecordNotFound is returned by lookups that found nothing
	ErrRecordNotFound = errors.New("record not found")

	// ErrAmbiguousResult is returned when a unique lookup matched several records
	ErrAmbiguousResult = errors.New("query matched more than one record")

	// ErrChainMismatch is returned when archive linking info does not verify
	ErrChainMismatch = errors.New("archive hash chain mismatch")
)

// CodedError carries a stable error code next to the wrapped cause
type CodedError struct {
	Code    string
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("messagelog error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("messagelog error [%s]: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code of the first CodedError in the chain, or
// CodeInternalError for anything else.
func ErrorCode(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternalError
}

// Error constructors

func TimestampingUnavailable(msg string) *CodedError {
	return &CodedError{
		Code:    CodeTimestampingFailed,
		Message: msg,
		Err:     ErrTimestampingUnavailable,
	}
}

func TimestampingFailed(err error) *CodedError {
	return &CodedError{
		Code:    CodeTimestampingFailed,
		Message: "time-stamping failed",
		Err:     err,
	}
}

func NoTimestampingProvider() *CodedError {
	return &CodedError{
		Code:    CodeNoTimestampingProvider,
		Message: "cannot time-stamp messages",
		Err:     ErrNoTimestampingProvider,
	}
}

func LoggingFailed(msg string, err error) *CodedError {
	return &CodedError{
		Code:    CodeLoggingFailed,
		Message: msg,
		Err:     err,
	}
}

func TimestampRecordSaveFailed(err error) *CodedError {
	return &CodedError{
		Code:    CodeTimestampRecordSaveFail,
		Message: "failed to save timestamp record",
		Err:     err,
	}
}

func InvalidConfiguration(msg string) *CodedError {
	return &CodedError{
		Code:    CodeInvalidConfiguration,
		Message: msg,
	}
}

func ArchiveIntegrityViolated(msg string) *CodedError {
	return &CodedError{
		Code:    CodeArchiveIntegrityViolated,
		Message: msg,
		Err:     ErrChainMismatch,
	}
}
