// Package errors provides structured service errors for the treasury layer.
//
// Every error carries a machine-readable code and a human-readable message.
// Network and submission failures are flagged as operator errors so the
// admin layer can route them for attention.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is a machine-readable error kind.
type ErrorCode string

const (
	// Treasury error kinds
	CodeInvalidQuorum               ErrorCode = "INVALID_QUORUM"
	CodeInvalidAddress              ErrorCode = "INVALID_ADDRESS"
	CodeWalletNotActive             ErrorCode = "WALLET_NOT_ACTIVE"
	CodeWalletLocked                ErrorCode = "WALLET_LOCKED"
	CodeInvalidAmount               ErrorCode = "INVALID_AMOUNT"
	CodeLimitExceeded               ErrorCode = "LIMIT_EXCEEDED"
	CodeUnauthorizedSigner          ErrorCode = "UNAUTHORIZED_SIGNER"
	CodeDuplicateSignature          ErrorCode = "DUPLICATE_SIGNATURE"
	CodeInvalidSignature            ErrorCode = "INVALID_SIGNATURE"
	CodeExpired                     ErrorCode = "EXPIRED"
	CodeAlreadyExecuted             ErrorCode = "ALREADY_EXECUTED"
	CodeInsufficientTreasuryBalance ErrorCode = "INSUFFICIENT_TREASURY_BALANCE"
	CodeNetworkUnavailable          ErrorCode = "NETWORK_UNAVAILABLE"
	CodeNetworkUnsupported          ErrorCode = "NETWORK_UNSUPPORTED"
	CodeSubmissionFailed            ErrorCode = "SUBMISSION_FAILED"
	CodeReceiptReverted             ErrorCode = "RECEIPT_REVERTED"
	CodeInvalidState                ErrorCode = "INVALID_STATE"

	// Generic kinds
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeConflict     ErrorCode = "CONFLICT"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeForbidden    ErrorCode = "FORBIDDEN"
	CodeInvalidToken ErrorCode = "INVALID_TOKEN"
	CodeRateLimited  ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is the error type returned by every treasury service.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Operator   bool                   `json:"operator,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ServiceError with the same code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails adds a detail field and returns the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError with the status mapped from its code.
func New(code ErrorCode, message string) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: statusFor(code),
		Operator:   operatorCode(code),
	}
}

// Wrap creates a ServiceError wrapping err.
func Wrap(code ErrorCode, message string, err error) *ServiceError {
	e := New(code, message)
	e.Err = err
	return e
}

func statusFor(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized, CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeForbidden, CodeUnauthorizedSigner:
		return http.StatusForbidden
	case CodeWalletLocked, CodeWalletNotActive, CodeDuplicateSignature, CodeAlreadyExecuted,
		CodeInvalidState, CodeConflict, CodeExpired:
		return http.StatusConflict
	case CodeLimitExceeded, CodeInsufficientTreasuryBalance:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNetworkUnavailable, CodeSubmissionFailed, CodeReceiptReverted:
		return http.StatusBadGateway
	case CodeNetworkUnsupported:
		return http.StatusNotImplemented
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func operatorCode(code ErrorCode) bool {
	switch code {
	case CodeNetworkUnavailable, CodeNetworkUnsupported, CodeSubmissionFailed, CodeReceiptReverted, CodeInternal:
		return true
	}
	return false
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if stderrors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// CodeOf returns the code of a ServiceError in the chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	serviceErr := GetServiceError(err)
	return serviceErr != nil && serviceErr.Code == code
}

// IsOperator reports whether err should be flagged for operator attention.
func IsOperator(err error) bool {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Operator
	}
	return err != nil
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}
