package domain

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

var (
	ErrNotFoundOrExpired  = NewErr("NOT_FOUND_OR_EXPIRED", "Paste not found or has expired", http.StatusNotFound, KindNotFound)
	ErrContentRequired    = NewErr("CONTENT_REQUIRED", "Content is required", http.StatusBadRequest, KindValidation)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "Content is too large", http.StatusBadRequest, KindValidation)
	ErrInvalidContentType = NewErr("INVALID_CONTENT_TYPE", `Invalid content type. Must be "text" or "markdown"`, http.StatusBadRequest, KindValidation)
	ErrInvalidExpiration  = NewErr("INVALID_EXPIRATION", "Invalid expiration", http.StatusBadRequest, KindValidation)
	ErrSenderNameTooLong  = NewErr("SENDER_NAME_TOO_LONG", "Sender name is too long", http.StatusBadRequest, KindValidation)
	ErrPasswordTooLong    = NewErr("PASSWORD_TOO_LONG", "Password is too long", http.StatusBadRequest, KindValidation)
	ErrInvalidID          = NewErr("INVALID_ID", "Invalid paste id", http.StatusBadRequest, KindValidation)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "Invalid request", http.StatusBadRequest, KindValidation)
	ErrBodyTooLarge       = NewErr("BODY_TOO_LARGE", "Request body is too large", http.StatusRequestEntityTooLarge, KindValidation)
	ErrUnsupportedMedia   = NewErr("UNSUPPORTED_MEDIA", "Unsupported request content type", http.StatusUnsupportedMediaType, KindValidation)
	ErrInvalidLocator     = NewErr("INVALID_LOCATOR", "Invalid paste link", http.StatusBadRequest, KindValidation)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "Rate limit exceeded", http.StatusTooManyRequests, KindValidation)
	ErrUnavailable        = NewErr("UNAVAILABLE", "Service temporarily unavailable", http.StatusInternalServerError, KindUnavailable)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "Internal server error", http.StatusInternalServerError, KindInternal)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
	Kind   Kind   `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int, kind Kind) *Err {
	return &Err{Code: code, Msg: msg, Status: status, Kind: kind}
}

// StoreError wraps a persistence failure. Its detail is for server logs only.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }
func (e *StoreError) Cause() error  { return e.Err }

func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

type ErrResp struct {
	Error string `json:"error"`
}

func asErr(err error) (*Err, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	return nil, false
}

// KindOf classifies err. Store failures are unavailable, anything unknown is internal.
func KindOf(err error) Kind {
	if e, ok := asErr(err); ok {
		return e.Kind
	}
	var se *StoreError
	if errors.As(err, &se) {
		return KindUnavailable
	}
	return KindInternal
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// ToResp never carries more than the sentinel's public message.
func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok && e.Status < http.StatusInternalServerError {
		return ErrResp{Error: e.Msg}
	}
	if KindOf(err) == KindUnavailable {
		return ErrResp{Error: ErrUnavailable.Msg}
	}
	return ErrResp{Error: ErrInternalServer.Msg}
}
func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
