package auth

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetJWTSecret resets the package-level sync.Once so tests can set a fresh secret.
func resetJWTSecret() {
	jwtSecret = ""
	jwtSecretOnce = sync.Once{}
	jwtSecretErr = nil
}

func TestMain(m *testing.M) {
	os.Setenv(SecretEnv, "test-jwt-secret-that-is-32-chars-!")
	os.Exit(m.Run())
}

func TestValidateJWTSecret(t *testing.T) {
	t.Run("valid secret from env", func(t *testing.T) {
		resetJWTSecret()
		t.Setenv(SecretEnv, "exactly-32-char-secret-for-test!!")
		require.NoError(t, ValidateJWTSecret())
		assert.Equal(t, "exactly-32-char-secret-for-test!!", GetJWTSecret())
	})

	t.Run("production mode requires secret", func(t *testing.T) {
		resetJWTSecret()
		t.Setenv(SecretEnv, "")
		t.Setenv("DEV_MODE", "")
		t.Setenv("GIN_MODE", "release")
		assert.Error(t, ValidateJWTSecret())
	})

	t.Run("dev mode generates random secret", func(t *testing.T) {
		resetJWTSecret()
		t.Setenv(SecretEnv, "")
		t.Setenv("DEV_MODE", "true")
		require.NoError(t, ValidateJWTSecret())
		assert.Len(t, GetJWTSecret(), 64)
	})
	resetJWTSecret()
}

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("0123456789abcdef0123456789abcdef", "https://auth.example", "authenticated")
	token, err := v.Sign("user-1", "operator", time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "operator", claims.Role)
}

func TestVerifier_Rejects(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	v := NewVerifier(secret, "https://auth.example", "authenticated")

	sign := func(claims jwt.Claims, method jwt.SigningMethod, key interface{}) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := func() *Claims {
		return &Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "https://auth.example",
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		}}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := valid()
	wrongIssuer.Issuer = "https://evil.example"
	wrongAudience := valid()
	wrongAudience.Audience = jwt.ClaimStrings{"service_role"}
	noSubject := valid()
	noSubject.Subject = ""
	noExpiry := valid()
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", sign(valid(), jwt.SigningMethodHS256, []byte("another-secret-another-secret-!!"))},
		{"wrong algorithm", sign(valid(), jwt.SigningMethodHS512, []byte(secret))},
		{"expired", sign(expired, jwt.SigningMethodHS256, []byte(secret))},
		{"wrong issuer", sign(wrongIssuer, jwt.SigningMethodHS256, []byte(secret))},
		{"wrong audience", sign(wrongAudience, jwt.SigningMethodHS256, []byte(secret))},
		{"no subject", sign(noSubject, jwt.SigningMethodHS256, []byte(secret))},
		{"no expiry", sign(noExpiry, jwt.SigningMethodHS256, []byte(secret))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.Error(t, err)
		})
	}
}

func TestVerifier_OptionalIssuerAndAudience(t *testing.T) {
	signer := NewVerifier("0123456789abcdef0123456789abcdef", "anyone", "")
	token, err := signer.Sign("user-2", "viewer", 0)
	require.NoError(t, err)

	_, err = NewVerifier("0123456789abcdef0123456789abcdef", "", "").Verify(token)
	assert.NoError(t, err)
}
