package e2e

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseURL(t *testing.T) {
	ta := setupApp(t)

	resp := doRequest(t, ta.app, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := parseJSON(t, resp)
	assert.Contains(t, body, "timestamp")
}

func TestHealth(t *testing.T) {
	ta := setupApp(t)

	resp := doRequest(t, ta.app, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := parseJSON(t, resp)
	assert.Equal(t, "ok", body["status"])
	services, ok := body["services"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, services["model"])
}

func TestAuthVerify_NoToken(t *testing.T) {
	ta := setupApp(t)

	resp := doRequest(t, ta.app, http.MethodGet, "/auth/verify", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthVerify_ValidToken(t *testing.T) {
	ta := setupApp(t)

	resp := doRequest(t, ta.app, http.MethodGet, "/auth/verify", nil, map[string]string{
		"Authorization": "Bearer " + generateToken(t),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test-user-123", resp.Header.Get("X-User-Id"))
	assert.Equal(t, "test@example.com", resp.Header.Get("X-User-Email"))
}

func TestUnknownRoute(t *testing.T) {
	ta := setupApp(t)

	resp := doRequest(t, ta.app, http.MethodGet, "/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, parseJSON(t, resp)))
}
