package testutil

import (
	"testing"
	"time"

	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kendall-kelly/support-relay-api/config"
	"github.com/kendall-kelly/support-relay-api/middleware"
)

// Shared HS256 settings for tests that exercise the real token validator.
const (
	TestJWTSecret   = "test-secret-do-not-use-in-production"
	TestJWTIssuer   = "support-relay-test"
	TestJWTAudience = "support-relay-api-test"
)

// TestAuthConfig returns a config that validates tokens minted by MintToken.
func TestAuthConfig() *config.Config {
	return &config.Config{
		GoEnv:       "test",
		JWTSecret:   TestJWTSecret,
		JWTIssuer:   TestJWTIssuer,
		JWTAudience: TestJWTAudience,
	}
}

// MintToken signs a token for subject with the given role, valid for an hour.
func MintToken(t *testing.T, subject, role string) string {
	t.Helper()
	return MintTokenWithExpiry(t, subject, role, time.Now().Add(time.Hour))
}

// MintTokenWithExpiry is MintToken with an explicit expiry.
func MintTokenWithExpiry(t *testing.T, subject, role string, expires time.Time) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub":   subject,
		"iss":   TestJWTIssuer,
		"aud":   []string{TestJWTAudience},
		"iat":   time.Now().Unix(),
		"exp":   expires.Unix(),
		"scope": "openid profile",
	}
	if role != "" {
		claims["role"] = role
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(TestJWTSecret))
	if err != nil {
		t.Fatalf("Failed to sign test token: %v", err)
	}
	return signed
}

// MockValidatedClaims creates a mock ValidatedClaims for testing
func MockValidatedClaims(subject, role string) *validator.ValidatedClaims {
	return &validator.ValidatedClaims{
		RegisteredClaims: validator.RegisteredClaims{
			Issuer:  TestJWTIssuer,
			Subject: subject,
		},
		CustomClaims: &middleware.CustomClaims{
			Role: role,
		},
	}
}

// MockAuth simulates EnsureValidToken: it sets the same context values
// without checking any token.
func MockAuth(subject, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextUserID, subject)
		c.Set(middleware.ContextClaims, MockValidatedClaims(subject, role))
		c.Set(middleware.ContextAccessToken, "mock-token-"+subject)
		c.Next()
	}
}
