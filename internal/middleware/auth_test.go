package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/treasury_layer/internal/httputil"
	"github.com/R3E-Network/treasury_layer/internal/logging"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"user": GetUserID(r.Context()),
			"role": GetUserRole(r.Context()),
		})
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestAuthAcceptsValidToken(t *testing.T) {
	auth := NewAuthMiddleware(testSecret, "treasury", logging.NewNop(), nil)
	token, err := IssueToken(testSecret, "treasury", "alice", RoleSigner, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/wallets", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := serve(auth.Handler(echoIdentity()), req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alice", body["user"])
	assert.Equal(t, RoleSigner, body["role"])
}

func TestAuthRejections(t *testing.T) {
	auth := NewAuthMiddleware(testSecret, "treasury", logging.NewNop(), []string{"/health"})
	expired, _ := IssueToken(testSecret, "treasury", "alice", RoleAdmin, -time.Hour)
	wrongIssuer, _ := IssueToken(testSecret, "someone-else", "alice", RoleAdmin, time.Hour)
	wrongKey, _ := IssueToken([]byte("another-secret-another-secret-xx"), "treasury", "alice", RoleAdmin, time.Hour)
	badRole, _ := IssueToken(testSecret, "treasury", "alice", "superuser", time.Hour)

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"missing header", "", "UNAUTHORIZED"},
		{"wrong scheme", "Basic abc", "UNAUTHORIZED"},
		{"empty bearer", "Bearer ", "UNAUTHORIZED"},
		{"garbage", "Bearer not.a.token", "INVALID_TOKEN"},
		{"expired", "Bearer " + expired, "INVALID_TOKEN"},
		{"wrong issuer", "Bearer " + wrongIssuer, "INVALID_TOKEN"},
		{"wrong key", "Bearer " + wrongKey, "INVALID_TOKEN"},
		{"unknown role", "Bearer " + badRole, "INVALID_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/wallets", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := serve(auth.Handler(echoIdentity()), req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	rec := serve(auth.Handler(echoIdentity()), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejectsAlgorithmMismatch(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	claims := &Claims{UserID: "alice", Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	rsaToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)

	// An HMAC-configured middleware refuses RSA tokens and vice versa.
	hmacAuth := NewAuthMiddleware(testSecret, "", logging.NewNop(), nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+rsaToken)
	assert.Equal(t, http.StatusUnauthorized, serve(hmacAuth.Handler(echoIdentity()), req).Code)

	rsaAuth := NewAuthMiddleware(&key.PublicKey, "", logging.NewNop(), nil)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+rsaToken)
	assert.Equal(t, http.StatusOK, serve(rsaAuth.Handler(echoIdentity()), req).Code)

	hmacToken, _ := IssueToken(testSecret, "", "alice", RoleAdmin, time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+hmacToken)
	assert.Equal(t, http.StatusUnauthorized, serve(rsaAuth.Handler(echoIdentity()), req).Code)
}

func TestAuthAcceptsQueryTokenOnlyForUpgrades(t *testing.T) {
	auth := NewAuthMiddleware(testSecret, "treasury", logging.NewNop(), nil)
	token, _ := IssueToken(testSecret, "treasury", "auditor", RoleOperator, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/v1/audit/stream?access_token="+token, nil)
	assert.Equal(t, http.StatusUnauthorized, serve(auth.Handler(echoIdentity()), req).Code)

	req.Header.Set("Upgrade", "websocket")
	assert.Equal(t, http.StatusOK, serve(auth.Handler(echoIdentity()), req).Code)
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(logging.NewNop(), RoleAdmin)(echoIdentity())

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/v1/wallets", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/wallets", nil)
	req = req.WithContext(logging.WithRole(logging.WithUserID(req.Context(), "bob"), RoleSigner))
	rec = serve(h, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, rec))

	req = httptest.NewRequest(http.MethodPost, "/v1/wallets", nil)
	req = req.WithContext(logging.WithRole(logging.WithUserID(req.Context(), "root"), RoleAdmin))
	assert.Equal(t, http.StatusOK, serve(h, req).Code)
}
