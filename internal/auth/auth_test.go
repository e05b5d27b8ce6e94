package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/defliez/temperature-chamber/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// cheap parameters keep the tests fast
var testParams = HashParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func newTestService(t *testing.T) *AuthService {
	t.Helper()
	t.Setenv("CHAMBER_TEST_JWT", "0123456789abcdef0123456789abcdef")

	hash, err := NewPasswordHasher(testParams).HashPassword("s3cret")
	require.NoError(t, err)

	return NewAuthService(config.AuthConfig{
		JWTSecretEnv:           "CHAMBER_TEST_JWT",
		AccessTokenTTL:         time.Hour,
		MaxFailedLoginAttempts: 3,
		AccountLockDuration:    time.Minute,
		Username:               "operator",
		PasswordHash:           hash,
	}, zaptest.NewLogger(t))
}

func TestPasswordHasher(t *testing.T) {
	h := NewPasswordHasher(testParams)

	hash, err := h.HashPassword("correct horse")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$v=19$m=1024,t=1,p=1$")

	ok, err := h.VerifyPassword("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := h.HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salt is random")
}

func TestPasswordHasher_InvalidHash(t *testing.T) {
	h := NewPasswordHasher(testParams)

	for _, encoded := range []string{"", "plain", "$bcrypt$v=19$m=1,t=1,p=1$aa$bb", "$argon2id$v=18$m=1,t=1,p=1$aa$bb"} {
		_, err := h.VerifyPassword("x", encoded)
		assert.ErrorIs(t, err, ErrInvalidHash, encoded)
	}
}

func TestLogin(t *testing.T) {
	a := newTestService(t)

	token, expires, err := a.Login("operator", "s3cret", "127.0.0.1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, perms, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Username)
	assert.Equal(t, OperatorID("operator"), claims.UserID)
	assert.ElementsMatch(t, []Permission{PermView, PermOperate}, perms)

	_, _, err = a.Login("operator", "nope", "127.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Login("someone", "s3cret", "127.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_LocksAfterRepeatedFailures(t *testing.T) {
	a := newTestService(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, _, err := a.Login("operator", "bad", "")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, _, err := a.Login("operator", "s3cret", "")
	assert.ErrorIs(t, err, ErrAccountLocked)

	now = now.Add(2 * time.Minute)
	_, _, err = a.Login("operator", "s3cret", "")
	assert.NoError(t, err)
}

func TestLogin_DisabledWithoutHash(t *testing.T) {
	a := NewAuthService(config.AuthConfig{Username: "operator"}, zaptest.NewLogger(t))

	_, _, err := a.Login("operator", "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateToken_Rejects(t *testing.T) {
	a := newTestService(t)

	_, _, err := a.ValidateToken("not-a-token")
	assert.Error(t, err)

	other := NewJWTHandler("another-secret-another-secret-xx", time.Hour)
	forged, _, err := other.GenerateAccessToken(OperatorID("operator"), "operator", RoleOperator)
	require.NoError(t, err)
	_, _, err = a.ValidateToken(forged)
	assert.Error(t, err)

	expired := NewJWTHandler("0123456789abcdef0123456789abcdef", -time.Minute)
	old, _, err := expired.GenerateAccessToken(OperatorID("operator"), "operator", RoleOperator)
	require.NoError(t, err)
	_, _, err = a.ValidateToken(old)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestService(t)

	r := gin.New()
	r.GET("/view", a.AuthMiddleware(), RequirePermission(PermView), func(c *gin.Context) {
		c.String(http.StatusOK, Username(c))
	})

	viewer := NewJWTHandler("0123456789abcdef0123456789abcdef", time.Hour)
	viewerToken, _, err := viewer.GenerateAccessToken(OperatorID("guest"), "guest", RoleViewer)
	require.NoError(t, err)
	r.POST("/operate", a.AuthMiddleware(), RequirePermission(PermOperate), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	token, _, err := a.Login("operator", "s3cret", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"no header", http.MethodGet, "/view", "", http.StatusUnauthorized},
		{"bad scheme", http.MethodGet, "/view", "Basic abc", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/view", "Bearer abc", http.StatusUnauthorized},
		{"operator views", http.MethodGet, "/view", "Bearer " + token, http.StatusOK},
		{"operator operates", http.MethodPost, "/operate", "Bearer " + token, http.StatusNoContent},
		{"viewer cannot operate", http.MethodPost, "/operate", "Bearer " + viewerToken, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
