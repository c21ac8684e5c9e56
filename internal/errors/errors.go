package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

type Code codes.Code

const (
	CodeInvalidArgument = Code(codes.InvalidArgument)
	CodeNotFound        = Code(codes.NotFound)
	CodeAlreadyDone     = Code(codes.AlreadyExists)
	CodeInvalidState    = Code(codes.FailedPrecondition)
	CodeForbidden       = Code(codes.PermissionDenied)
	CodeExhausted       = Code(codes.ResourceExhausted)
	CodeGatewayFailure  = Code(codes.Unavailable)
	CodeInternal        = Code(codes.Internal)
)

var code2http = map[Code]int{
	CodeInvalidArgument: http.StatusBadRequest,
	CodeNotFound:        http.StatusNotFound,
	CodeAlreadyDone:     http.StatusConflict,
	CodeInvalidState:    http.StatusBadRequest,
	CodeForbidden:       http.StatusForbidden,
	CodeExhausted:       http.StatusNotFound,
	CodeGatewayFailure:  http.StatusBadGateway,
	CodeInternal:        http.StatusInternalServerError,
}

// Stable kinds surfaced to polling clients. Internal causes are never exposed.
var code2kind = map[Code]string{
	CodeInvalidArgument: "invalid_argument",
	CodeNotFound:        "not_found",
	CodeAlreadyDone:     "already_done",
	CodeInvalidState:    "invalid_state",
	CodeForbidden:       "forbidden",
	CodeExhausted:       "exhausted",
	CodeGatewayFailure:  "gateway_failure",
	CodeInternal:        "internal",
}

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Kind() string {
	if k, ok := code2kind[e.Code]; ok {
		return k
	}

	return "internal"
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
