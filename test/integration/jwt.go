package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"maps"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	Email     string
	Extra     map[string]any
}

// tokenIssuer signs HS256 tokens with a per-harness secret.
type tokenIssuer struct {
	t        *testing.T
	secret   []byte
	issuer   string
	audience string
}

// newTokenIssuer creates a token issuer with a fresh random secret.
func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	return &tokenIssuer{
		t:        t,
		secret:   secret,
		issuer:   "https://auth.test.opsdash.dev",
		audience: "opsdash-test",
	}
}

func (ti *tokenIssuer) baseClaims(claims TestClaims, issuedAt, expiresAt time.Time) jwt.MapClaims {
	mapClaims := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   ti.audience,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(expiresAt),
		"sub":   claims.SubjectID,
		"email": claims.Email,
	}
	maps.Copy(mapClaims, claims.Extra)
	return mapClaims
}

func (ti *tokenIssuer) sign(method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	ti.t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		ti.t.Fatalf("sign JWT: %v", err)
	}
	return signed
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(jwt.SigningMethodHS256, ti.secret, ti.baseClaims(claims, now, now.Add(time.Hour)))
}

// GenerateExpiredToken creates a JWT token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(jwt.SigningMethodHS256, ti.secret, ti.baseClaims(claims, now.Add(-2*time.Hour), now.Add(-time.Hour)))
}

// GenerateForeignToken creates a well-formed token signed with a different
// secret.
func (ti *tokenIssuer) GenerateForeignToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(jwt.SigningMethodHS256, []byte("some-other-secret-0123456789abcdef"), ti.baseClaims(claims, now, now.Add(time.Hour)))
}

// GenerateRS256Token creates a token signed with an algorithm the server
// does not accept.
func (ti *tokenIssuer) GenerateRS256Token(claims TestClaims) string {
	ti.t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		ti.t.Fatalf("generate RSA key: %v", err)
	}
	now := time.Now()
	return ti.sign(jwt.SigningMethodRS256, key, ti.baseClaims(claims, now, now.Add(time.Hour)))
}

// Secret returns the HS256 signing secret.
func (ti *tokenIssuer) Secret() []byte {
	return ti.secret
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}
