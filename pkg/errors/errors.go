// Package errors defines the business error taxonomy shared by all
// transports. Every error carries a canonical gRPC code so delivery
// layers can map it without inspecting messages.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

type Error struct {
	Code    codes.Code
	Reason  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s - %s", e.Reason, e.Message)
}

func New(code codes.Code, reason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

func NotFound(reason, message string) *Error {
	return New(codes.NotFound, reason, message)
}

func InvalidArgument(reason, message string) *Error {
	return New(codes.InvalidArgument, reason, message)
}

func FailedPrecondition(reason, message string) *Error {
	return New(codes.FailedPrecondition, reason, message)
}

func ResourceExhausted(reason, message string) *Error {
	return New(codes.ResourceExhausted, reason, message)
}

func Internal(reason, message string) *Error {
	return New(codes.Internal, reason, message)
}

// Code extracts the canonical code from err, defaulting to Internal for
// anything outside the taxonomy.
func Code(err error) codes.Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return codes.Internal
}

// Retryable reports whether the caller may retry the same request
// unchanged. FailedPrecondition and InvalidArgument require the caller
// to change its request first.
func Retryable(err error) bool {
	switch Code(err) {
	case codes.Internal, codes.Unavailable, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

var codeToHTTP = map[codes.Code]int{
	codes.NotFound:           http.StatusNotFound,
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.FailedPrecondition: http.StatusConflict,
	codes.ResourceExhausted:  http.StatusTooManyRequests,
	codes.Internal:           http.StatusInternalServerError,
}

func HTTPStatus(err error) int {
	if st, ok := codeToHTTP[Code(err)]; ok {
		return st
	}
	return http.StatusInternalServerError
}
