package jobrepo

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TenantClaims is the minimal claim set the job repository adapter expects
// when it is mounted behind an authenticated boundary and must scope a
// submission to a tenant without trusting a caller-supplied TenantID field
// (spec §4.9's job row always carries a tenant_id, but where that id comes
// from is an API-layer concern outside the core — this is one such
// collaborator, grounded on the teacher's auth.HelmClaims).
type TenantClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// TenantFromBearerToken validates tokenStr with keyFunc (an HMAC secret
// lookup, JWKS callback, etc. — the caller's concern, not this package's)
// and returns the bound tenant id. It never inspects invoice content; the
// adapter only uses the result to populate Job.TenantID before CreateJob.
func TenantFromBearerToken(tokenStr string, keyFunc jwt.Keyfunc) (string, error) {
	claims := &TenantClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc)
	if err != nil {
		return "", fmt.Errorf("jobrepo: token validation failed: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("jobrepo: invalid token")
	}
	if claims.TenantID == "" {
		return "", fmt.Errorf("jobrepo: token carries no tenant binding")
	}
	return claims.TenantID, nil
}
