package errors

import (
	"fmt"
	"time"
)

// InvalidQuorum reports a quorum outside 1..signers.
func InvalidQuorum(required, signers int) *ServiceError {
	return New(CodeInvalidQuorum, fmt.Sprintf("required signatures %d must be between 1 and %d", required, signers)).
		WithDetails("required_signatures", required).
		WithDetails("signers", signers)
}

// InvalidAddress reports an address that fails network validation.
func InvalidAddress(network, address string, cause error) *ServiceError {
	e := Wrap(CodeInvalidAddress, fmt.Sprintf("invalid %s address %q", network, address), cause)
	return e.WithDetails("network", network).WithDetails("address", address)
}

// WalletNotActive reports a wallet that cannot accept new transactions.
func WalletNotActive(walletID, status string) *ServiceError {
	return New(CodeWalletNotActive, fmt.Sprintf("wallet %s is %s", walletID, status)).
		WithDetails("wallet_id", walletID).
		WithDetails("status", status)
}

// WalletLocked reports a wallet or treasury whose execution is halted.
func WalletLocked(walletID, reason string) *ServiceError {
	msg := "treasury execution is halted"
	if walletID != "" {
		msg = fmt.Sprintf("wallet %s is locked", walletID)
	}
	if reason != "" {
		msg += ": " + reason
	}
	return New(CodeWalletLocked, msg).WithDetails("wallet_id", walletID)
}

// InvalidAmount reports a non-positive or unrepresentable amount.
func InvalidAmount(reason string) *ServiceError {
	return New(CodeInvalidAmount, "invalid amount: "+reason)
}

// LimitExceeded reports a daily or monthly spend ceiling breach.
func LimitExceeded(window, limit, used, requested string) *ServiceError {
	return New(CodeLimitExceeded, fmt.Sprintf("%s limit %s exceeded: used %s, requested %s", window, limit, used, requested)).
		WithDetails("window", window).
		WithDetails("limit", limit).
		WithDetails("used", used).
		WithDetails("requested", requested)
}

// UnauthorizedSigner reports a signer outside the wallet's signer set.
func UnauthorizedSigner(address string) *ServiceError {
	return New(CodeUnauthorizedSigner, fmt.Sprintf("%s is not a signer of this wallet", address)).
		WithDetails("signer_address", address)
}

// DuplicateSignature reports a second signature by the same signer.
func DuplicateSignature(address string) *ServiceError {
	return New(CodeDuplicateSignature, fmt.Sprintf("%s has already signed this transaction", address)).
		WithDetails("signer_address", address)
}

// InvalidSignature reports signature material that does not verify.
func InvalidSignature(address string, cause error) *ServiceError {
	return Wrap(CodeInvalidSignature, fmt.Sprintf("signature by %s does not verify", address), cause).
		WithDetails("signer_address", address)
}

// Expired reports a transaction past its expiry.
func Expired(transactionID string, expiresAt time.Time) *ServiceError {
	return New(CodeExpired, fmt.Sprintf("transaction %s expired at %s", transactionID, expiresAt.UTC().Format(time.RFC3339))).
		WithDetails("transaction_id", transactionID)
}

// AlreadyExecuted reports a repeated execution.
func AlreadyExecuted(transactionID string) *ServiceError {
	return New(CodeAlreadyExecuted, fmt.Sprintf("transaction %s has already been executed", transactionID)).
		WithDetails("transaction_id", transactionID)
}

// InvalidState reports an operation not allowed in the current status.
func InvalidState(entity, id, status, operation string) *ServiceError {
	return New(CodeInvalidState, fmt.Sprintf("cannot %s %s %s in status %s", operation, entity, id, status)).
		WithDetails("status", status)
}

// InsufficientTreasuryBalance reports an on-chain balance below the amount.
func InsufficientTreasuryBalance(address, currency, available, required string) *ServiceError {
	return New(CodeInsufficientTreasuryBalance,
		fmt.Sprintf("treasury %s holds %s %s, %s required", address, available, currency, required)).
		WithDetails("address", address).
		WithDetails("currency", currency).
		WithDetails("available", available).
		WithDetails("required", required)
}

// NetworkUnavailable reports a failed network read.
func NetworkUnavailable(network string, cause error) *ServiceError {
	return Wrap(CodeNetworkUnavailable, fmt.Sprintf("network %s unavailable", network), cause).
		WithDetails("network", network)
}

// NetworkUnsupported reports a network without a working adapter.
func NetworkUnsupported(network string) *ServiceError {
	return New(CodeNetworkUnsupported, fmt.Sprintf("network %s is not supported", network)).
		WithDetails("network", network)
}

// SubmissionFailed reports a rejected or failed network submission.
func SubmissionFailed(network string, cause error) *ServiceError {
	return Wrap(CodeSubmissionFailed, fmt.Sprintf("submission to %s failed", network), cause).
		WithDetails("network", network)
}

// ReceiptReverted reports a transaction that reverted on-chain.
func ReceiptReverted(network, hash string) *ServiceError {
	return New(CodeReceiptReverted, fmt.Sprintf("transaction %s reverted on %s", hash, network)).
		WithDetails("network", network).
		WithDetails("hash", hash)
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *ServiceError {
	return New(CodeNotFound, fmt.Sprintf("%s %s not found", resource, id)).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, reason string) *ServiceError {
	return New(CodeInvalidInput, fmt.Sprintf("invalid %s: %s", field, reason)).
		WithDetails("field", field)
}

// Conflict reports a uniqueness or linkage conflict.
func Conflict(message string) *ServiceError {
	return New(CodeConflict, message)
}

// Unauthorized reports missing or bad credentials.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Authentication required"
	}
	return New(CodeUnauthorized, message)
}

// Forbidden reports an authenticated caller without the required role.
func Forbidden(message string) *ServiceError {
	if message == "" {
		message = "Access denied"
	}
	return New(CodeForbidden, message)
}

// InvalidToken reports a token that failed validation.
func InvalidToken(err error) *ServiceError {
	return Wrap(CodeInvalidToken, "Invalid or expired token", err)
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(CodeRateLimited, fmt.Sprintf("rate limit of %d requests per %s exceeded", limit, window)).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Internal reports an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, err)
}
