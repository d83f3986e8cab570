package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

// generateRSAKeyPair, createJWKS and createTestJWT mirror the teacher's
// pkg/auth/test_helpers.go exactly: a throwaway RSA key pair, a JWKS
// serving its public half, and a signed token matching that key id.
func generateRSAKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv, &priv.PublicKey
}

func createJWKS(t *testing.T, pub *rsa.PublicKey) jwk.Set {
	t.Helper()
	key, err := jwk.FromRaw(pub)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key-id"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))
	keyset := jwk.NewSet()
	require.NoError(t, keyset.AddKey(key))
	return keyset
}

func createTestJWT(t *testing.T, priv *rsa.PrivateKey, issuer, audience, subject string, claims map[string]any) string {
	t.Helper()
	token := jwt.New()
	require.NoError(t, token.Set(jwt.IssuerKey, issuer))
	require.NoError(t, token.Set(jwt.AudienceKey, audience))
	require.NoError(t, token.Set(jwt.SubjectKey, subject))
	require.NoError(t, token.Set(jwt.IssuedAtKey, time.Now()))
	require.NoError(t, token.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))
	for k, v := range claims {
		require.NoError(t, token.Set(k, v))
	}

	key, err := jwk.FromRaw(priv)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key-id"))

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}

func setupTestValidator(t *testing.T) (*Validator, *rsa.PrivateKey, string, string) {
	t.Helper()
	priv, pub := generateRSAKeyPair(t)
	keyset := createJWKS(t, pub)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keyset)
	}))
	t.Cleanup(server.Close)

	issuer, audience := "https://test-issuer.example", "orcacore-test"
	v, err := NewValidator(context.Background(), server.URL, issuer, audience)
	require.NoError(t, err)
	return v, priv, issuer, audience
}

func TestValidateTokenExtractsRolesArray(t *testing.T) {
	v, priv, issuer, audience := setupTestValidator(t)
	token := createTestJWT(t, priv, issuer, audience, "user-42", map[string]any{"roles": []string{"ops", "reader"}})

	claims, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "user-42", claims.Subject)
	require.ElementsMatch(t, []string{"ops", "reader"}, claims.Roles)
}

func TestValidateTokenFallsBackToSingularRoleClaim(t *testing.T) {
	v, priv, issuer, audience := setupTestValidator(t)
	token := createTestJWT(t, priv, issuer, audience, "user-1", map[string]any{"role": "admin"})

	claims, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, []string{"admin"}, claims.Roles)
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	v, priv, _, audience := setupTestValidator(t)
	token := createTestJWT(t, priv, "https://someone-else.example", audience, "user-1", nil)

	_, err := v.ValidateToken(context.Background(), token)
	require.Error(t, err)
}

func TestResolverDevModeBypassesEverything(t *testing.T) {
	res := &Resolver{DevMode: true}
	r := httptest.NewRequest(http.MethodGet, "/tools", nil)

	access, err := res.Resolve(r)
	require.NoError(t, err)
	require.True(t, access.DevMode)
	require.Contains(t, access.Roles, "admin")
}

func TestResolverBypassTokenRequiresUserID(t *testing.T) {
	res := &Resolver{BypassToken: true}
	r := httptest.NewRequest(http.MethodGet, "/tools", nil)

	_, err := res.Resolve(r)
	require.Error(t, err)
}

func TestResolverBypassTokenReadsUserIDHeader(t *testing.T) {
	res := &Resolver{BypassToken: true}
	r := httptest.NewRequest(http.MethodGet, "/tools", nil)
	r.Header.Set("X-User-ID", "u1")

	access, err := res.Resolve(r)
	require.NoError(t, err)
	require.Equal(t, "u1", access.UserID)
	require.Empty(t, access.Roles)
}

func TestResolverChatFallsBackToBodyUserID(t *testing.T) {
	res := &Resolver{BypassToken: true}
	r := httptest.NewRequest(http.MethodPost, "/chat", nil)

	access, err := res.ResolveChat(r, "body-user")
	require.NoError(t, err)
	require.Equal(t, "body-user", access.UserID)
}

func TestResolverChatHeaderTakesPriorityOverBody(t *testing.T) {
	res := &Resolver{BypassToken: true}
	r := httptest.NewRequest(http.MethodPost, "/chat", nil)
	r.Header.Set("X-User-ID", "header-user")

	access, err := res.ResolveChat(r, "body-user")
	require.NoError(t, err)
	require.Equal(t, "header-user", access.UserID)
}

func TestResolverRejectsMissingAuthorizationHeader(t *testing.T) {
	res := &Resolver{Validator: &Validator{}}
	r := httptest.NewRequest(http.MethodGet, "/tools", nil)

	_, err := res.Resolve(r)
	require.Error(t, err)
}

func TestMiddlewareAttachesAccessContext(t *testing.T) {
	res := &Resolver{DevMode: true}
	var seen bool
	handler := res.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = true
		access := FromRequest(r)
		require.True(t, access.DevMode)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tools", nil))
	require.True(t, seen)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestMiddlewareRejectsUnauthenticated(t *testing.T) {
	res := &Resolver{BypassToken: true}
	handler := res.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tools", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}
