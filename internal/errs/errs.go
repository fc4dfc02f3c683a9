// Package errs defines the failure taxonomy shared by the admission, lifecycle,
// dispatch and orchestration layers. Every failure carries a human-readable
// message and zero or more actionable suggestions.
package errs

import (
	"errors"
	"net/http"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindAdmissionDenied       Kind = "admission_denied"
	KindModelLoad             Kind = "model_load_error"
	KindModelInUse            Kind = "model_in_use"
	KindFrameProcessing       Kind = "frame_processing_error"
	KindWorkerCommunication   Kind = "worker_communication_error"
	KindWorkerPoolDegraded    Kind = "worker_pool_degraded"
	KindAborted               Kind = "aborted_by_user"
	KindExtraction            Kind = "extraction_error"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindInvalidRequest        Kind = "invalid_request"
	KindNotFound              Kind = "not_found"
)

// Error is the concrete error type for every Kind.
type Error struct {
	Kind        Kind
	Msg         string
	Suggestions []string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg != "" {
		return e.Msg + ": " + e.Err.Error()
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindAdmissionDenied:
		return http.StatusTooManyRequests
	case KindModelInUse:
		return http.StatusConflict
	case KindDependencyUnavailable, KindWorkerPoolDegraded:
		return http.StatusServiceUnavailable
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAborted:
		return 499
	case KindExtraction:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func newErr(k Kind, msg string, cause error, suggestions []string) error {
	return &Error{Kind: k, Msg: msg, Err: cause, Suggestions: suggestions}
}

// AdmissionDenied is returned before any work starts.
func AdmissionDenied(reason string, suggestions ...string) error {
	return newErr(KindAdmissionDenied, reason, nil, suggestions)
}

// ModelLoad wraps an engine or admission failure during load.
func ModelLoad(model string, cause error) error {
	return newErr(KindModelLoad, "failed to load model "+model, cause,
		[]string{"process one model at a time", "check the inference engine configuration"})
}

// ModelInUse is returned when an unload is refused because jobs still reference the model.
func ModelInUse(model string, refs int) error {
	return newErr(KindModelInUse, "model "+model+" is referenced by "+itoa(refs)+" job(s)", nil,
		[]string{"wait for running jobs to finish", "abort the running job first"})
}

// FrameProcessing wraps a single-frame inference failure.
func FrameProcessing(frame int, cause error) error {
	return newErr(KindFrameProcessing, "frame "+itoa(frame)+" failed", cause, nil)
}

// WorkerCommunication signals a crashed or unresponsive execution context.
func WorkerCommunication(msg string, cause error) error {
	return newErr(KindWorkerCommunication, msg, cause, nil)
}

// WorkerPoolDegraded is returned when retries were exhausted for too many frames.
func WorkerPoolDegraded(msg string) error {
	return newErr(KindWorkerPoolDegraded, msg, nil,
		[]string{"reduce concurrency", "process one model at a time", "check the inference engine logs"})
}

// Aborted signals cooperative cancellation.
func Aborted(msg string) error {
	return newErr(KindAborted, msg, nil, nil)
}

// Extraction wraps a frame source failure.
func Extraction(cause error) error {
	return newErr(KindExtraction, "frame extraction failed", cause,
		[]string{"check that the input is a readable video", "reduce file size or duration"})
}

// DependencyUnavailable signals a missing external runtime.
func DependencyUnavailable(msg string) error {
	return newErr(KindDependencyUnavailable, msg, nil,
		[]string{"configure an inference engine command"})
}

// InvalidRequest signals caller input that fails validation.
func InvalidRequest(msg string) error { return newErr(KindInvalidRequest, msg, nil, nil) }

// NotFound signals a missing job, model or record.
func NotFound(what string) error { return newErr(KindNotFound, what+" not found", nil, nil) }

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Suggestions returns the suggestions attached to err.
func Suggestions(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return append([]string(nil), e.Suggestions...)
	}
	return nil
}

func IsAdmissionDenied(err error) bool       { return KindOf(err) == KindAdmissionDenied }
func IsModelLoad(err error) bool             { return KindOf(err) == KindModelLoad }
func IsModelInUse(err error) bool            { return KindOf(err) == KindModelInUse }
func IsFrameProcessing(err error) bool       { return KindOf(err) == KindFrameProcessing }
func IsWorkerCommunication(err error) bool   { return KindOf(err) == KindWorkerCommunication }
func IsWorkerPoolDegraded(err error) bool    { return KindOf(err) == KindWorkerPoolDegraded }
func IsAborted(err error) bool               { return KindOf(err) == KindAborted }
func IsExtraction(err error) bool            { return KindOf(err) == KindExtraction }
func IsDependencyUnavailable(err error) bool { return KindOf(err) == KindDependencyUnavailable }
func IsInvalidRequest(err error) bool        { return KindOf(err) == KindInvalidRequest }
func IsNotFound(err error) bool              { return KindOf(err) == KindNotFound }

// Message returns the outermost human-readable message, trimmed.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
