package httputil

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/logging"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestWriteErrorMapsServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"limit", errors.LimitExceeded("daily", "1000", "900", "200"), http.StatusUnprocessableEntity, "LIMIT_EXCEEDED"},
		{"signer", errors.UnauthorizedSigner("sim1x"), http.StatusForbidden, "UNAUTHORIZED_SIGNER"},
		{"locked", errors.WalletLocked("w1", "incident"), http.StatusConflict, "WALLET_LOCKED"},
		{"network", errors.NetworkUnavailable("simnet", stderrors.New("dial")), http.StatusBadGateway, "NETWORK_UNAVAILABLE"},
		{"plain", stderrors.New("pq: connection refused"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(logging.WithTraceID(req.Context(), "trace-1"))
			rec := httptest.NewRecorder()

			WriteError(rec, req, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, "trace-1", body.TraceID)
			assert.NotContains(t, body.Message, "connection refused")
			assert.Contains(t, rec.Body.String(), `"success":false`)
		})
	}
}

func TestWriteErrorFlagsOperatorErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, nil, errors.SubmissionFailed("simnet", stderrors.New("mempool full")))
	assert.True(t, decodeError(t, rec).Operator)
}

func TestReadJSON(t *testing.T) {
	type payload struct {
		Amount string `json:"amount"`
	}

	var p payload
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"1.5"}`))
	require.NoError(t, ReadJSON(req, &p))
	assert.Equal(t, "1.5", p.Amount)

	for name, body := range map[string]string{
		"empty":    ``,
		"unknown":  `{"amount":"1","extra":true}`,
		"trailing": `{"amount":"1"}{"amount":"2"}`,
		"invalid":  `{"amount":`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
			err := ReadJSON(req, &payload{})
			assert.True(t, errors.HasCode(err, errors.CodeInvalidInput), "got %v", err)
		})
	}
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=25&bad=x&neg=-1&big=5000", nil)

	n, err := QueryInt(req, "limit", 50, 1000)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	n, err = QueryInt(req, "missing", 50, 1000)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	for _, name := range []string{"bad", "neg", "big"} {
		_, err := QueryInt(req, name, 50, 1000)
		assert.Error(t, err, name)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", ClientIP(req))

	req.Header.Set("X-Real-IP", "192.0.2.7")
	assert.Equal(t, "192.0.2.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	assert.Equal(t, "198.51.100.1", ClientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", ClientIP(req))
}
