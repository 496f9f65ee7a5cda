// Package http provides the JSON and event-stream surface over the view model.
//
// This file implements the Builder Pattern for constructing JSON responses,
// so every handler writes status, headers and body the same way.

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"controlgastos/internal/auth"
	"controlgastos/internal/core"
	"controlgastos/internal/viewmodel"
)

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	body       any
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

// Header adds a custom header to the response.
func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// JSON sets the value encoded as the response body.
func (b *JSONResponseBuilder) JSON(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.body)
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// ErrorResponse creates a standard error response.
func ErrorResponse(statusCode int, message string) *JSONResponseBuilder {
	return NewJSONResponse().Status(statusCode).JSON(errorBody{Error: message})
}

// BadRequestError creates a 400 Bad Request error response.
func BadRequestError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, message)
}

// NoContent creates an empty 204 response.
func NoContent() *JSONResponseBuilder {
	return NewJSONResponse().Status(http.StatusNoContent)
}

var validationErrors = []error{
	core.ErrEmptyName,
	core.ErrNameTooShort,
	core.ErrInvalidAmount,
	core.ErrInvalidCategory,
	core.ErrInvalidDate,
	core.ErrDescriptionTooLong,
	core.ErrInvalidMonth,
	auth.ErrInvalidUsername,
	auth.ErrWeakPassword,
	auth.ErrPasswordTooLong,
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, core.ErrConnectivity):
		return http.StatusServiceUnavailable
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusInternalServerError
}

// ErrorFrom builds the response for err. Internal failures never leak
// their message.
func ErrorFrom(err error) *JSONResponseBuilder {
	status := errorStatus(err)
	msg := viewmodel.Reason(err)
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return ErrorResponse(status, msg)
}

// WithRequestID stamps the request id into an error body.
func (b *JSONResponseBuilder) WithRequestID(id string) *JSONResponseBuilder {
	if eb, ok := b.body.(errorBody); ok && id != "" {
		eb.RequestID = id
		b.body = eb
	}
	return b
}
