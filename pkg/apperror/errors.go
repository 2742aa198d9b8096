package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so callers can compare
// against a freshly built sentinel: errors.Is(err, ErrPropertyInactive(0)).
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// CodeOf returns the code of the outermost AppError in err's chain, or "".
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

const (
	CodeInvalidRequest       = "REQ_001"
	CodeInvalidAmount        = "REQ_002"
	CodeInvalidDuration      = "REQ_003"
	CodeWrongNetwork         = "REQ_004"
	CodeWalletNotConnected   = "REQ_005"
	CodeUnavailable          = "NET_001"
	CodeMalformedResponse    = "NET_002"
	CodeRejectedBySimulation = "TX_001"
	CodeRejectedBySigner     = "TX_002"
	CodeFailed               = "TX_003"
	CodeTimedOut             = "TX_004"
	CodeDetached             = "TX_005"
	CodeTransactionNotFound  = "TX_006"
	CodeStorageUnavailable   = "STO_001"
	CodeCurrencyMismatch     = "BOOK_001"
	CodePropertyInactive     = "BOOK_002"
	CodePropertyNotFound     = "BOOK_003"
	CodeNoPendingPayment     = "PAY_001"
	CodeScanInProgress       = "PAY_002"
	CodeUnauthorized         = "AUTH_001"
	CodeInternal             = "SYS_001"
)

// ---- Local validation (REQ) ----

func ErrInvalidRequest(message string) *AppError {
	return New(CodeInvalidRequest, message, http.StatusBadRequest)
}

func ErrInvalidAmount(message string) *AppError {
	return New(CodeInvalidAmount, message, http.StatusBadRequest)
}

func ErrInvalidDuration() *AppError {
	return New(CodeInvalidDuration, "Duration must be a positive number of days", http.StatusBadRequest)
}

func ErrWrongNetwork(want, got string) *AppError {
	return New(CodeWrongNetwork, fmt.Sprintf("Wallet is on chain %s, expected %s", got, want), http.StatusConflict)
}

func ErrWalletNotConnected() *AppError {
	return New(CodeWalletNotConnected, "Wallet is not connected", http.StatusUnauthorized)
}

// ---- Network (NET) ----

func ErrUnavailable(err error) *AppError {
	return Wrap(CodeUnavailable, "Network temporarily unavailable, please retry", http.StatusServiceUnavailable, err)
}

func ErrMalformedResponse(err error) *AppError {
	return Wrap(CodeMalformedResponse, "Registry returned a malformed response", http.StatusBadGateway, err)
}

// ---- Transaction lifecycle (TX) ----

func ErrRejectedBySimulation(reason string) *AppError {
	return New(CodeRejectedBySimulation, fmt.Sprintf("Transaction would fail: %s", reason), http.StatusUnprocessableEntity)
}

func ErrRejectedBySigner() *AppError {
	return New(CodeRejectedBySigner, "Transaction was declined in the wallet", http.StatusConflict)
}

func ErrFailed(reason string) *AppError {
	return New(CodeFailed, fmt.Sprintf("Transaction reverted on chain: %s", reason), http.StatusUnprocessableEntity)
}

func ErrTimedOut(hash string) *AppError {
	return New(CodeTimedOut, fmt.Sprintf("Transaction %s is not confirmed yet; check its status before retrying", hash), http.StatusAccepted)
}

func ErrDetached(hash string) *AppError {
	if hash == "" {
		return New(CodeDetached, "Stopped tracking the transaction; it may still be submitted", http.StatusAccepted)
	}
	return New(CodeDetached, fmt.Sprintf("Stopped tracking transaction %s; it may still confirm", hash), http.StatusAccepted)
}

func ErrTransactionNotFound(hash string) *AppError {
	return New(CodeTransactionNotFound, fmt.Sprintf("Transaction %s is unknown", hash), http.StatusNotFound)
}

// ---- Storage (STO) ----

func ErrStorageUnavailable(err error) *AppError {
	return Wrap(CodeStorageUnavailable, "Image storage is unavailable", http.StatusServiceUnavailable, err)
}

// ---- Booking (BOOK) ----

func ErrCurrencyMismatch(want, got string) *AppError {
	return New(CodeCurrencyMismatch, fmt.Sprintf("Property accepts %s, not %s", want, got), http.StatusUnprocessableEntity)
}

func ErrPropertyInactive(id uint64) *AppError {
	return New(CodePropertyInactive, fmt.Sprintf("Property %d is no longer active", id), http.StatusConflict)
}

func ErrPropertyNotFound(id uint64) *AppError {
	return New(CodePropertyNotFound, fmt.Sprintf("Property %d not found", id), http.StatusNotFound)
}

// ---- Local payments (PAY) ----

func ErrNoPendingPayment() *AppError {
	return New(CodeNoPendingPayment, "No payment is awaiting confirmation", http.StatusConflict)
}

func ErrScanInProgress() *AppError {
	return New(CodeScanInProgress, "A scan is already in progress", http.StatusConflict)
}

// ---- Request signing (AUTH) ----

func ErrUnauthorized(reason string) *AppError {
	return New(CodeUnauthorized, reason, http.StatusUnauthorized)
}

// ---- System (SYS) ----

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap(CodeInternal, "Internal server error", http.StatusInternalServerError, err)
}
