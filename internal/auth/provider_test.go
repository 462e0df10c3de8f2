package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoneProducesNoHeader(t *testing.T) {
	key, value, err := None{}.Header(context.Background())
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, value)
}

func TestBasicHeader(t *testing.T) {
	key, value, err := Basic{Username: "miguser", Password: "secret"}.Header(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Authorization", key)
	assert.Equal(t, "Basic bWlndXNlcjpzZWNyZXQ=", value)
}

func TestMTLSContributesTransportMaterials(t *testing.T) {
	provider := MTLS{}
	key, value, err := provider.Header(context.Background())
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, value)
	require.NotNil(t, provider.TransportMaterials())
	assert.Len(t, provider.TransportMaterials().Certificates, 1)
}

func tokenServer(t *testing.T, calls *int, expiresIn int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
}

func TestClientCredentialsFetchesAndCaches(t *testing.T) {
	calls := 0
	srv := tokenServer(t, &calls, 3600)
	defer srv.Close()

	provider := &ClientCredentials{
		TokenURL:     srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		Scope:        "migration",
	}

	key, value, err := provider.Header(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Authorization", key)
	assert.Equal(t, "Bearer tok-1", value)

	_, _, err = provider.Header(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second call must be served from the cache")
}

func TestClientCredentialsRefreshesBeforeExpiry(t *testing.T) {
	calls := 0
	srv := tokenServer(t, &calls, 300)
	defer srv.Close()

	current := time.Now()
	provider := &ClientCredentials{
		TokenURL: srv.URL,
		ClientID: "client",
		now:      func() time.Time { return current },
	}

	_, _, err := provider.Header(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Inside the refresh margin the cached token is considered stale.
	current = current.Add(300*time.Second - 30*time.Second)
	_, _, err = provider.Header(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestClientCredentialsSurfacesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_client", http.StatusUnauthorized)
	}))
	defer srv.Close()

	provider := &ClientCredentials{TokenURL: srv.URL, ClientID: "client"}
	_, _, err := provider.Header(context.Background())
	require.Error(t, err)
	assert.Equal(t, fabricerr.KindAuth, fabricerr.KindOf(err))
}

func TestAssertionBearerSignsAndExchanges(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var grantType, assertion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		grantType = r.Form.Get("grant_type")
		assertion = r.Form.Get("assertion")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "saml-tok", "expires_in": 600})
	}))
	defer srv.Close()

	provider := &AssertionBearer{
		TokenURL:   srv.URL,
		ClientID:   "api-client",
		CompanyID:  "ACME",
		Subject:    "migration.user",
		Audience:   srv.URL,
		PrivateKey: key,
	}

	hkey, value, err := provider.Header(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Authorization", hkey)
	assert.Equal(t, "Bearer saml-tok", value)
	assert.Equal(t, "urn:ietf:params:oauth:grant-type:saml2-bearer", grantType)

	// The assertion must be a valid RS256 JWT signed with our key.
	parsed, err := jwt.Parse(assertion, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "api-client", claims["iss"])
	assert.Equal(t, "migration.user", claims["sub"])
}

func TestTokenResponseDefaultsExpiry(t *testing.T) {
	calls := 0
	srv := tokenServer(t, &calls, 0)
	defer srv.Close()

	provider := &ClientCredentials{TokenURL: srv.URL, ClientID: "client"}
	_, _, err := provider.Header(context.Background())
	require.NoError(t, err)

	// expires_in of 0 falls back to 300s, which outlives the refresh margin.
	_, _, err = provider.Header(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
