package api

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError error type that contains an HTTP status code and message.
type StatusError struct {
	status int
	err    error
}

// Error returns the error message or the http.StatusText() of the status code
// if the message is empty.
func (e StatusError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}

	statusText := http.StatusText(e.status)
	if statusText == "" {
		return "Undefined error"
	}

	return statusText
}

// Unwrap returns the wrapped error.
func (e StatusError) Unwrap() error {
	return e.err
}

// Status returns the HTTP status code.
func (e StatusError) Status() int {
	return e.status
}

// StatusErrorf returns a new StatusError containing the specified status and message.
func StatusErrorf(status int, format string, a ...any) StatusError {
	return StatusError{
		status: status,
		err:    fmt.Errorf(format, a...),
	}
}

// NewStatusError returns a new StatusError with the given status code and error.
func NewStatusError(status int, err error) StatusError {
	return StatusError{
		status: status,
		err:    err,
	}
}

// StatusErrorMatch checks if err was caused by StatusError. Can optionally also
// check whether the StatusError's status code matches one of the supplied status
// codes in matchStatus. Returns the matched StatusError status code and true if
// match criteria are met, otherwise false.
func StatusErrorMatch(err error, matchStatusCodes ...int) (int, bool) {
	var statusErr StatusError

	if errors.As(err, &statusErr) {
		statusCode := statusErr.Status()

		if len(matchStatusCodes) <= 0 {
			return statusCode, true
		}

		for _, s := range matchStatusCodes {
			if statusCode == s {
				return statusCode, true
			}
		}
	}

	return -1, false
}
