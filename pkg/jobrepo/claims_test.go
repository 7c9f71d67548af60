package jobrepo

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key-not-for-production")

func signTestToken(t *testing.T, claims TenantClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(testSigningKey)
	require.NoError(t, err)
	return s
}

func testKeyFunc(token *jwt.Token) (interface{}, error) {
	return testSigningKey, nil
}

func TestTenantFromBearerToken_ValidTokenReturnsTenantID(t *testing.T) {
	tok := signTestToken(t, TenantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "tenant-acme",
	})

	tenantID, err := TenantFromBearerToken(tok, testKeyFunc)
	require.NoError(t, err)
	require.Equal(t, "tenant-acme", tenantID)
}

func TestTenantFromBearerToken_MissingTenantBindingRejected(t *testing.T) {
	tok := signTestToken(t, TenantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := TenantFromBearerToken(tok, testKeyFunc)
	require.Error(t, err)
}

func TestTenantFromBearerToken_ExpiredTokenRejected(t *testing.T) {
	tok := signTestToken(t, TenantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		TenantID: "tenant-acme",
	})

	_, err := TenantFromBearerToken(tok, testKeyFunc)
	require.Error(t, err)
}

func TestTenantFromBearerToken_WrongSigningKeyRejected(t *testing.T) {
	tok := signTestToken(t, TenantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "tenant-acme",
	})

	_, err := TenantFromBearerToken(tok, func(*jwt.Token) (interface{}, error) {
		return []byte("wrong-key"), nil
	})
	require.Error(t, err)
}
