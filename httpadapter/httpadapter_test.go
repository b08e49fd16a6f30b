package httpadapter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fcaptcha/riskengine/riskengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (http.Handler, *riskengine.Engine) {
	engine := riskengine.New(riskengine.Config{})
	t.Cleanup(engine.Close)
	r := NewRouter(Config{Engine: engine, Secret: "test-secret"})
	return r, engine
}

func TestHealthEndpointReportsOK(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEvaluateEndpointAllowsLegitimateRequest(t *testing.T) {
	r, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]interface{}{
		"endpoint": "/home",
		"action":   "get",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/evaluate", bytes.NewReader(body))
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("X-Real-IP", "203.0.113.5")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Risk-Score"))
	assert.NotEmpty(t, rec.Header().Get("X-Risk-Level"))

	var resp evaluateResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "allow", resp.Action.Type)
	assert.True(t, resp.Allowed)
	assert.NotEmpty(t, resp.Token, "an allowed decision should carry a verifiable attestation token")

	verifyBody, _ := json.Marshal(map[string]string{"token": resp.Token})
	verifyReq := httptest.NewRequest(http.MethodPost, "/api/attestation/verify", bytes.NewReader(verifyBody))
	verifyRec := httptest.NewRecorder()
	r.ServeHTTP(verifyRec, verifyReq)

	require.Equal(t, http.StatusOK, verifyRec.Code)
	var verifyResp map[string]interface{}
	require.NoError(t, json.Unmarshal(verifyRec.Body.Bytes(), &verifyResp))
	assert.Equal(t, true, verifyResp["valid"])
}

func TestEvaluateEndpointBlocksBotUserAgent(t *testing.T) {
	r, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]interface{}{
		"endpoint": "/api/data",
		"action":   "get",
		"client":   map[string]interface{}{"noJs": true},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/evaluate", bytes.NewReader(body))
	req.Header.Set("User-Agent", "python-requests/2.31 crawler")
	req.Header.Set("X-Real-IP", "34.123.45.67")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["reason"])
	assert.NotEmpty(t, resp["requestId"])
}

func TestEvaluateEndpointIdentityPrefersHeaderOverIP(t *testing.T) {
	r, engine := newTestRouter(t)
	t.Cleanup(func() { engine.ResetUser("header-identity") })

	body, _ := json.Marshal(map[string]interface{}{"endpoint": "/home", "action": "get"})
	req := httptest.NewRequest(http.MethodPost, "/api/evaluate", bytes.NewReader(body))
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("X-Real-IP", "203.0.113.6")
	req.Header.Set("X-Authenticated-User-Id", "header-identity")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var resp evaluateResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "header-identity", resp.UserID)
}

func TestResetEndpointClearsIdentity(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/reset/some-user", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "some-user", resp["identity"])
}

func TestPowVerifyRejectsUnknownChallenge(t *testing.T) {
	r, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]interface{}{
		"challengeId": "does-not-exist",
		"nonce":       1,
		"hash":        "deadbeef",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/pow/verify", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["valid"])
	assert.Equal(t, "challenge_not_found", resp["reason"])
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
