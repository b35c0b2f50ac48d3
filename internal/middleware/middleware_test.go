package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shelfscan/api/internal/auth"
	"github.com/shelfscan/api/pkg/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whoAmI(c *fiber.Ctx) error {
	return c.SendString(GetUserID(c))
}

func decodeError(t *testing.T, body []byte) string {
	t.Helper()
	var resp response.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Error.Code
}

func TestAuthenticate(t *testing.T) {
	m := NewAuthMiddleware(auth.NewAuthenticator(nil, "secret"))
	app := fiber.New()
	app.Get("/me", m.Authenticate(), whoAmI)

	token, err := auth.IssueLegacyToken("secret", "user-1", "", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	for _, header := range []string{"", "Token abc", "Bearer not-a-jwt"} {
		req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set(fiber.HeaderAuthorization, header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, header)
	}
}

func TestGatewayAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/me", GatewayAuthMiddleware(), whoAmI)

	req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
	req.Header.Set("X-User-Id", "gw-user")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimiter_InMemory(t *testing.T) {
	rl := NewRateLimiter(nil, nil)
	app := fiber.New()
	app.Post("/jobs", GatewayAuthMiddleware(), rl.SubmitLimit(2), whoAmI)

	send := func(user string) *http.Response {
		req := httptest.NewRequest(fiber.MethodPost, "/jobs", nil)
		req.Header.Set("X-User-Id", user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp
	}

	assert.Equal(t, fiber.StatusOK, send("a").StatusCode)
	assert.Equal(t, fiber.StatusOK, send("a").StatusCode)

	limited := send("a")
	assert.Equal(t, fiber.StatusTooManyRequests, limited.StatusCode)
	assert.Equal(t, "60", limited.Header.Get(fiber.HeaderRetryAfter))
	body, err := io.ReadAll(limited.Body)
	require.NoError(t, err)
	assert.Equal(t, response.CodeRateLimited, decodeError(t, body))

	// separate bucket per user
	assert.Equal(t, fiber.StatusOK, send("b").StatusCode)
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(nil, nil)
	app := fiber.New()
	app.Post("/identify", GatewayAuthMiddleware(), rl.IdentifyLimit(0), whoAmI)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(fiber.MethodPost, "/identify", nil)
		req.Header.Set("X-User-Id", "a")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
}
