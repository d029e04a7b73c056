// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package apperr holds the error taxonomy shared by the delivery core and
// its HTTP and websocket front ends.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation   Code = "validation"
	CodePermission   Code = "permission"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeTransport    Code = "transport"
	CodeDependency   Code = "dependency"
	CodeUnauthorized Code = "unauthorized"
	CodeRateLimited  Code = "rate_limited"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status maps the error code onto an HTTP status.
func (e *Error) Status() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodePermission:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTransport:
		return http.StatusBadGateway
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to hand back to a caller. Dependency
// failures never leak driver details.
func (e *Error) PublicMessage() string {
	if e.Code == CodeDependency {
		return "internal error"
	}
	return e.Message
}

func newError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return newError(CodeValidation, nil, format, args...)
}

func Permission(format string, args ...any) *Error {
	return newError(CodePermission, nil, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, nil, format, args...)
}

func Conflict(err error, format string, args ...any) *Error {
	return newError(CodeConflict, err, format, args...)
}

func Transport(err error, format string, args ...any) *Error {
	return newError(CodeTransport, err, format, args...)
}

func Dependency(err error, format string, args ...any) *Error {
	return newError(CodeDependency, err, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newError(CodeUnauthorized, nil, format, args...)
}

func RateLimited(format string, args ...any) *Error {
	return newError(CodeRateLimited, nil, format, args...)
}

// As returns the *Error in err's chain. Errors outside the taxonomy are
// reported as dependency failures.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Dependency(err, "unexpected failure")
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return As(err).Code
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

type body struct {
	Error struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteHTTP renders err as {"error": {"code", "message"}} with its status.
func WriteHTTP(w http.ResponseWriter, err error) {
	appErr := As(err)
	var b body
	b.Error.Code = appErr.Code
	b.Error.Message = appErr.PublicMessage()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.Status())
	json.NewEncoder(w).Encode(b)
}
