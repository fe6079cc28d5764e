// Package procerrors defines the error taxonomy for the document pipeline.
//
// Errors are recovered at the lowest possible level: a RecognitionError is
// absorbed per candidate, a DetectionError fails a single page, an IndexError
// skips indexing for one page. Only a complete inability to detect any page
// fails a document.
package procerrors

import (
	"fmt"
	"time"
)

// ErrorCode classifies failures for status reporting.
type ErrorCode string

const (
	ErrorDetectionFailed   ErrorCode = "DETECTION_FAILED"
	ErrorRecognitionFailed ErrorCode = "RECOGNITION_FAILED"
	ErrorIndexFailed       ErrorCode = "INDEX_FAILED"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
)

// DetectionError means a page image could not be read or segmented.
// The page is marked failed; remaining pages of the document continue.
type DetectionError struct {
	PageIndex int
	Cause     error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("block detection failed on page %d: %v", e.PageIndex, e.Cause)
}

func (e *DetectionError) Unwrap() error { return e.Cause }

// RecognitionError means one engine produced no candidate for one block.
// Callers treat it as an absent candidate, never as a fatal condition.
type RecognitionError struct {
	Engine string
	Cause  error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("engine %s produced no candidate: %v", e.Engine, e.Cause)
}

func (e *RecognitionError) Unwrap() error { return e.Cause }

// IndexError means an embedding or vector-index operation failed.
// Indexing is skipped for the affected page; the document is unaffected.
type IndexError struct {
	Op    string
	Cause error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %s failed: %v", e.Op, e.Cause)
}

func (e *IndexError) Unwrap() error { return e.Cause }

// ProcessingError is the structured error reported to the job queue and
// persisted alongside failed jobs.
type ProcessingError struct {
	Code       ErrorCode
	Message    string
	DocumentID string
	Timestamp  time.Time
	Details    map[string]interface{}
	Cause      error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error { return e.Cause }

// NewProcessingTimeoutError reports a document that exceeded its deadline.
func NewProcessingTimeoutError(documentID string, timeout time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorProcessingTimeout,
		Message:    fmt.Sprintf("processing timed out after %v", timeout),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details:    map[string]interface{}{"timeout": timeout.String()},
		Cause:      cause,
	}
}

// NewStorageFailedError reports a failure to persist pipeline results.
func NewStorageFailedError(documentID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorStorageFailed,
		Message:    "failed to store document results",
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

// ToMap converts the error to a map for queue status payloads.
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}
	for k, v := range e.Details {
		result[k] = v
	}
	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}
	return result
}
