package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceErrorMatchesByCode(t *testing.T) {
	err := fmt.Errorf("create: %w", DuplicateSignature("NQ1"))

	assert.True(t, HasCode(err, CodeDuplicateSignature))
	assert.True(t, Is(err, New(CodeDuplicateSignature, "")))
	assert.False(t, Is(err, New(CodeExpired, "")))
	assert.Equal(t, CodeDuplicateSignature, CodeOf(err))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(fmt.Errorf("boom")))
	assert.Nil(t, GetServiceError(fmt.Errorf("boom")))
}

func TestOperatorFlag(t *testing.T) {
	tests := []struct {
		err      error
		operator bool
		status   int
	}{
		{SubmissionFailed("evm", fmt.Errorf("nonce too low")), true, http.StatusBadGateway},
		{NetworkUnsupported("bitcoin"), true, http.StatusNotImplemented},
		{LimitExceeded("daily", "1000", "400", "700"), false, http.StatusUnprocessableEntity},
		{InvalidQuorum(4, 3), false, http.StatusBadRequest},
		{WalletLocked("w1", "incident"), false, http.StatusConflict},
	}

	for _, tt := range tests {
		serviceErr := GetServiceError(tt.err)
		require.NotNil(t, serviceErr)
		assert.Equal(t, tt.operator, IsOperator(tt.err), serviceErr.Code)
		assert.Equal(t, tt.status, serviceErr.HTTPStatus, serviceErr.Code)
	}
}

func TestWrappedCauseIsPreserved(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NetworkUnavailable("neo-testnet", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, "neo-testnet", err.Details["network"])
}
