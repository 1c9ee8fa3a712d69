// Package response implements the REST response rendering used by the daemon.
package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"

	"github.com/canonical/vusbd/shared/api"
	"github.com/canonical/vusbd/shared/logger"
)

// Response represents an API response.
type Response interface {
	Render(w http.ResponseWriter, r *http.Request) error
	String() string
}

// Sync response.
type syncResponse struct {
	success  bool
	etag     any
	metadata any
	code     int
}

// EmptySyncResponse represents an empty syncResponse.
var EmptySyncResponse = &syncResponse{success: true, metadata: make(map[string]any)}

// SyncResponse returns a new syncResponse with the success and metadata fields
// set to the provided values.
func SyncResponse(success bool, metadata any) Response {
	return &syncResponse{success: success, metadata: metadata}
}

// Render renders a response for an API endpoint.
func (r *syncResponse) Render(w http.ResponseWriter, req *http.Request) error {
	status := api.Response{}
	if r.success {
		status.Status = "Success"
		status.StatusCode = http.StatusOK
	} else {
		status.Status = "Failure"
		status.StatusCode = http.StatusBadRequest
	}

	resp := api.ResponseRaw{
		Type:       api.SyncResponse,
		Status:     status.Status,
		StatusCode: status.StatusCode,
		Metadata:   r.metadata,
	}

	code := r.code
	if code == 0 {
		code = http.StatusOK
	}

	return writeJSON(w, code, resp)
}

func (r *syncResponse) String() string {
	if r.success {
		return "success"
	}

	return "failure"
}

// Error response.
type errorResponse struct {
	code int
	msg  string
}

// ErrorResponse returns an error response with the given code and msg.
func ErrorResponse(code int, msg string) Response {
	return &errorResponse{code, msg}
}

// BadRequest returns a bad request response (400) with the given error.
func BadRequest(err error) Response {
	return &errorResponse{http.StatusBadRequest, err.Error()}
}

// Conflict returns a conflict response (409) with the given error.
func Conflict(err error) Response {
	message := "already exists"
	if err != nil {
		message = err.Error()
	}

	return &errorResponse{http.StatusConflict, message}
}

// Forbidden returns a forbidden response (403) with the given error.
func Forbidden(err error) Response {
	message := "not authorized"
	if err != nil {
		message = err.Error()
	}

	return &errorResponse{http.StatusForbidden, message}
}

// InternalError returns an internal error response (500) with the given error.
func InternalError(err error) Response {
	return &errorResponse{http.StatusInternalServerError, err.Error()}
}

// NotFound returns a not found response (404) with the given error.
func NotFound(err error) Response {
	message := "not found"
	if err != nil {
		message = err.Error()
	}

	return &errorResponse{http.StatusNotFound, message}
}

// NotImplemented returns a not implemented response (501) with the given error.
func NotImplemented(err error) Response {
	message := "not implemented"
	if err != nil {
		message = err.Error()
	}

	return &errorResponse{http.StatusNotImplemented, message}
}

// PreconditionFailed returns a precondition failed response (412) with the
// given error.
func PreconditionFailed(err error) Response {
	return &errorResponse{http.StatusPreconditionFailed, err.Error()}
}

// Render renders a response for an API endpoint.
func (r *errorResponse) Render(w http.ResponseWriter, req *http.Request) error {
	resp := api.ResponseRaw{
		Type:  api.ErrorResponse,
		Error: r.msg,
		Code:  r.code,
	}

	return writeJSON(w, r.code, resp)
}

func (r *errorResponse) String() string {
	return r.msg
}

// SmartError returns the right error message based on err.
func SmartError(err error) Response {
	if err == nil {
		return EmptySyncResponse
	}

	statusCode, found := api.StatusErrorMatch(err)
	if found {
		return &errorResponse{statusCode, err.Error()}
	}

	if errors.Is(err, os.ErrNotExist) || errors.Is(err, fs.ErrNotExist) {
		return NotFound(err)
	}

	return InternalError(err)
}

// manualResponse renders by running a hook, for endpoints that take over the
// connection (events socket).
type manualResponse struct {
	hook func(w http.ResponseWriter) error
}

// ManualResponse creates a new manual response with the provided hook.
func ManualResponse(hook func(w http.ResponseWriter) error) Response {
	return &manualResponse{hook: hook}
}

// Render renders a response for an API endpoint.
func (r *manualResponse) Render(w http.ResponseWriter, req *http.Request) error {
	return r.hook(w)
}

func (r *manualResponse) String() string {
	return "unknown"
}

func writeJSON(w http.ResponseWriter, code int, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	err := json.NewEncoder(w).Encode(body)
	if err != nil {
		logger.Debug("Failed writing JSON response", logger.Ctx{"err": err})
	}

	return err
}

// Unauthorized returns a 401 Unauthorized response carrying the error's
// message, or a generic not authorized message when err is nil.
func Unauthorized(err error) Response {
	if err == nil {
		err = fmt.Errorf("not authorized")
	}

	return &errorResponse{http.StatusUnauthorized, err.Error()}
}
