// Package apierr defines the stable error taxonomy shared by every HTTP, SSE
// and WebSocket surface in treqd. Handlers never write ad hoc error JSON;
// they construct or wrap an *Error and hand it to WriteJSON.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, wire-visible error code. Clients are expected to switch
// on these values rather than on the human message.
type Code string

const (
	CodePathOutsideWorkspace     Code = "PATH_OUTSIDE_WORKSPACE"
	CodeSessionNotFound          Code = "SESSION_NOT_FOUND"
	CodeSessionLimitReached      Code = "SESSION_LIMIT_REACHED"
	CodeValidationError          Code = "VALIDATION_ERROR"
	CodeParseError               Code = "PARSE_ERROR"
	CodeExecuteError             Code = "EXECUTE_ERROR"
	CodeRequestNotFound          Code = "REQUEST_NOT_FOUND"
	CodeRequestIndexOutOfRange   Code = "REQUEST_INDEX_OUT_OF_RANGE"
	CodeNoRequestsFound          Code = "NO_REQUESTS_FOUND"
	CodeContentOrPathRequired    Code = "CONTENT_OR_PATH_REQUIRED"
	CodeFlowNotFound             Code = "FLOW_NOT_FOUND"
	CodeFlowFinished             Code = "FLOW_FINISHED"
	CodeExecutionNotFound        Code = "EXECUTION_NOT_FOUND"
	CodeFileNotFound             Code = "FILE_NOT_FOUND"
	CodeWSSessionNotFound        Code = "WS_SESSION_NOT_FOUND"
	CodeWSSessionLimitReached    Code = "WS_SESSION_LIMIT_REACHED"
	CodeWSReplayGap              Code = "WS_REPLAY_GAP"
	CodeWSBinaryUnsupported      Code = "WS_BINARY_UNSUPPORTED"
	CodeScopeViolation           Code = "SCOPE_VIOLATION"
	CodeUnauthorized             Code = "UNAUTHORIZED"
	CodeArtifactExportNotConfig  Code = "ARTIFACT_EXPORT_NOT_CONFIGURED"
	CodeImporterNotConfigured    Code = "IMPORTER_NOT_CONFIGURED"
	CodeInternalError            Code = "INTERNAL_ERROR"
)

// statusByCode mirrors spec.md §4.9/§7 verbatim.
var statusByCode = map[Code]int{
	CodeSessionNotFound:         http.StatusNotFound,
	CodeRequestNotFound:         http.StatusNotFound,
	CodeFlowNotFound:            http.StatusNotFound,
	CodeExecutionNotFound:       http.StatusNotFound,
	CodeFileNotFound:            http.StatusNotFound,
	CodeWSSessionNotFound:       http.StatusNotFound,
	CodePathOutsideWorkspace:    http.StatusForbidden,
	CodeScopeViolation:          http.StatusForbidden,
	CodeSessionLimitReached:     http.StatusTooManyRequests,
	CodeWSSessionLimitReached:   http.StatusTooManyRequests,
	CodeValidationError:        http.StatusBadRequest,
	CodeContentOrPathRequired:  http.StatusBadRequest,
	CodeRequestIndexOutOfRange: http.StatusBadRequest,
	CodeNoRequestsFound:        http.StatusBadRequest,
	CodeParseError:             http.StatusBadRequest,
	CodeExecuteError:           http.StatusBadRequest,
	CodeWSReplayGap:            http.StatusBadRequest,
	CodeFlowFinished:           http.StatusBadRequest,
	CodeUnauthorized:           http.StatusUnauthorized,
	CodeArtifactExportNotConfig: http.StatusNotImplemented,
	CodeImporterNotConfigured:  http.StatusNotImplemented,
}

// Error is the single typed error sum referenced throughout the service.
type Error struct {
	Code    Code
	Message string
	Details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Message: err.Error(), cause: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// Status returns the HTTP status for the error's code, defaulting to 500.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// As reports whether err (or something it wraps) is an *Error, in the
// idiom of errors.As.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// WriteJSON writes the standard {"error":{code,message,details?}} envelope.
// Any error not already an *Error is mapped to CodeInternalError with its
// message preserved, per spec.md §7 ("anything else → 500").
func WriteJSON(w http.ResponseWriter, err error) {
	apiErr, ok := As(err)
	if !ok {
		apiErr = &Error{Code: CodeInternalError, Message: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status())
	_ = json.NewEncoder(w).Encode(envelope{Error: envelopeBody{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Details: apiErr.Details,
	}})
}
