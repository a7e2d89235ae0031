// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package errs defines the error taxonomy of the mosaik engine.

Every error that crosses a component boundary is one of five kinds:

  - RequestError: the client asked for something invalid. Maps to 4xx,
    the message is always safe to show.
  - NotFoundError: a single-item request matched no row. Maps to 404.
  - ImplementationError: a broken resource configuration or a violated
    contract between engine components. Maps to 500; the message is
    only exposed when the server runs with ExposeErrors.
  - DataError: a backend returned a row that is missing a required key
    or column. Fatal in most places, demoted to a debug log entry where
    the build can recover (missing secondary row).
  - AdapterError: passthrough failure from a datasource adapter. Maps
    to 500, details are logged.
*/
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// RequestError reports invalid client input.
type RequestError struct {
	msg string
}

// NewRequest creates a RequestError with a formatted message.
func NewRequest(format string, args ...interface{}) *RequestError {
	return &RequestError{msg: fmt.Sprintf(format, args...)}
}

func (e *RequestError) Error() string { return e.msg }

// StatusCode returns the HTTP status for this error.
func (e *RequestError) StatusCode() int { return http.StatusBadRequest }

// NotFoundError reports a single-item request that matched nothing.
type NotFoundError struct {
	msg string
}

// NewNotFound creates a NotFoundError with a formatted message.
func NewNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{msg: fmt.Sprintf(format, args...)}
}

func (e *NotFoundError) Error() string { return e.msg }

// StatusCode returns the HTTP status for this error.
func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

// ImplementationError reports a broken configuration or a violated
// contract between engine components.
type ImplementationError struct {
	msg string
}

// NewImplementation creates an ImplementationError with a formatted message.
func NewImplementation(format string, args ...interface{}) *ImplementationError {
	return &ImplementationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ImplementationError) Error() string { return e.msg }

// StatusCode returns the HTTP status for this error.
func (e *ImplementationError) StatusCode() int { return http.StatusInternalServerError }

// DataError reports a backend row that is missing a required key or
// column. Path and DataSource name the offending raw result.
type DataError struct {
	msg         string
	Path        []string
	DataSource  string
	recoverable bool
}

// NewData creates a DataError for the given attribute path and datasource.
func NewData(path []string, dataSource, format string, args ...interface{}) *DataError {
	return &DataError{
		msg:        fmt.Sprintf(format, args...),
		Path:       path,
		DataSource: dataSource,
	}
}

func (e *DataError) Error() string {
	where := strings.Join(e.Path, ".")
	if where == "" {
		where = "(root)"
	}
	return fmt.Sprintf("%s (path %s, datasource %s)", e.msg, where, e.DataSource)
}

// StatusCode returns the HTTP status for this error.
func (e *DataError) StatusCode() int { return http.StatusInternalServerError }

// AdapterError wraps a failure reported by a datasource adapter.
type AdapterError struct {
	DataSource string
	err        error
}

// NewAdapter wraps err as an AdapterError for the named datasource.
func NewAdapter(dataSource string, err error) *AdapterError {
	return &AdapterError{DataSource: dataSource, err: err}
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("datasource %s: %s", e.DataSource, e.err.Error())
}

func (e *AdapterError) Unwrap() error { return e.err }

// StatusCode returns the HTTP status for this error.
func (e *AdapterError) StatusCode() int { return http.StatusInternalServerError }

// statusCoder is implemented by all errors of this package.
type statusCoder interface {
	StatusCode() int
}

// StatusCode maps any error to an HTTP status code. Unknown errors map
// to 500.
func StatusCode(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}

// ClientMessage returns the message that may be shown to a client.
// Server-side errors are replaced with a generic message unless expose
// is set.
func ClientMessage(err error, expose bool) string {
	if err == nil {
		return ""
	}
	if expose || StatusCode(err) < http.StatusInternalServerError {
		return err.Error()
	}
	return "internal server error"
}

// IsRecoverableData reports whether err is a DataError that the result
// builder demotes to a debug log entry instead of failing the request.
func IsRecoverableData(err error) bool {
	var de *DataError
	return errors.As(err, &de) && de.recoverable
}

// Recoverable marks a DataError as non-fatal and returns it.
func (e *DataError) Recoverable() *DataError {
	e.recoverable = true
	return e
}
