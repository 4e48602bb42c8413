package ledger

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors returned by stores.
var (
	ErrNotFound     = errors.New("ledger: not found")
	ErrConflict     = errors.New("ledger: concurrent modification")
	ErrDuplicate    = errors.New("ledger: already exists")
	ErrInvalidEntry = errors.New("ledger: invalid entry")
)

// Code is a machine readable failure reason surfaced to callers.
type Code string

const (
	CodeUnknownRequest      Code = "unknown_request"
	CodeNonceMismatch       Code = "nonce_mismatch"
	CodeDuplicatePayment    Code = "duplicate_payment"
	CodeUnderpaid           Code = "underpaid"
	CodeTimeout             Code = "timeout"
	CodeInvalidAmount       Code = "invalid_amount"
	CodeInvalidPayment      Code = "invalid_payment"
	CodeInvalidRequest      Code = "invalid_request"
	CodeMissingWallet       Code = "missing_wallet"
	CodeMissingRequestID    Code = "missing_request_id"
	CodeMissingShareID      Code = "missing_share_id"
	CodeMissingTxID         Code = "missing_tx_id"
	CodeNoToken             Code = "no_token"
	CodeInvalidToken        Code = "invalid_token"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeDeductionFailed     Code = "deduction_failed"
	CodeInvalidWorkflow     Code = "invalid_workflow"
	CodeSessionNotFound     Code = "session_not_found"
	CodeSessionNotPaid      Code = "session_not_paid"
	CodeSessionComplete     Code = "session_complete"
	CodeVerificationFailed  Code = "verification_failed"
	CodeVerificationTimeout Code = "verification_timeout"
	CodeCheckinLimit        Code = "checkin_limit"
	CodeRateLimited         Code = "rate_limited"
	CodeInternal            Code = "internal_error"
)

var codeStatus = map[Code]int{
	CodeUnknownRequest:      http.StatusNotFound,
	CodeNonceMismatch:       http.StatusConflict,
	CodeDuplicatePayment:    http.StatusConflict,
	CodeUnderpaid:           http.StatusPaymentRequired,
	CodeTimeout:             http.StatusPaymentRequired,
	CodeInvalidAmount:       http.StatusBadRequest,
	CodeInvalidPayment:      http.StatusBadRequest,
	CodeInvalidRequest:      http.StatusBadRequest,
	CodeMissingWallet:       http.StatusBadRequest,
	CodeMissingRequestID:    http.StatusBadRequest,
	CodeMissingShareID:      http.StatusBadRequest,
	CodeMissingTxID:         http.StatusBadRequest,
	CodeNoToken:             http.StatusUnauthorized,
	CodeInvalidToken:        http.StatusUnauthorized,
	CodeInsufficientBalance: http.StatusPaymentRequired,
	CodeDeductionFailed:     http.StatusPaymentRequired,
	CodeInvalidWorkflow:     http.StatusBadRequest,
	CodeSessionNotFound:     http.StatusNotFound,
	CodeSessionNotPaid:      http.StatusPaymentRequired,
	CodeSessionComplete:     http.StatusConflict,
	CodeVerificationFailed:  http.StatusPaymentRequired,
	CodeVerificationTimeout: http.StatusGatewayTimeout,
	CodeCheckinLimit:        http.StatusTooManyRequests,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeInternal:            http.StatusInternalServerError,
}

// HTTPStatus maps a code to its response status.
func (c Code) HTTPStatus() int {
	if s, ok := codeStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a domain failure with enough detail for the caller to retry correctly.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

// Fail builds an Error for code.
func Fail(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// With attaches a detail field and returns e for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Wrap records the underlying cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the failure code from err, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	var de *Error
	return errors.As(err, &de) && de.Code == code
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
