package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
)

// tokenFetchTimeout bounds a single grant exchange.
const tokenFetchTimeout = 10 * time.Second

// refreshMargin renews tokens this long before their declared expiry.
const refreshMargin = 60 * time.Second

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// tokenCache holds a fetched bearer token guarded by a mutex. Providers
// embed it so concurrent requests share one token per provider instance.
type tokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func (c *tokenCache) get(now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || now.After(c.expiresAt.Add(-refreshMargin)) {
		return "", false
	}
	return c.token, true
}

func (c *tokenCache) put(token string, expiresIn int64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiresAt = now.Add(time.Duration(expiresIn) * time.Second)
}

// ClientCredentials implements the OAuth2 client-credentials grant.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string

	// HTTPClient is injectable for tests; defaults to a 10s-timeout client.
	HTTPClient *http.Client

	cache tokenCache
	now   func() time.Time
}

func (p *ClientCredentials) Header(ctx context.Context) (string, string, error) {
	now := timeNow(p.now)
	if token, ok := p.cache.get(now); ok {
		return "Authorization", "Bearer " + token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", p.ClientID)
	form.Set("client_secret", p.ClientSecret)
	if p.Scope != "" {
		form.Set("scope", p.Scope)
	}

	tok, err := fetchToken(ctx, httpClient(p.HTTPClient), p.TokenURL, form)
	if err != nil {
		return "", "", err
	}
	p.cache.put(tok.AccessToken, tok.ExpiresIn, now)
	return "Authorization", "Bearer " + tok.AccessToken, nil
}

// AssertionBearer implements the SAML-style JWT assertion grant: a signed
// client assertion is exchanged for a short-lived bearer token.
type AssertionBearer struct {
	TokenURL   string
	ClientID   string
	CompanyID  string
	Subject    string
	Audience   string
	PrivateKey *rsa.PrivateKey

	HTTPClient *http.Client

	cache tokenCache
	now   func() time.Time
}

func (p *AssertionBearer) Header(ctx context.Context) (string, string, error) {
	now := timeNow(p.now)
	if token, ok := p.cache.get(now); ok {
		return "Authorization", "Bearer " + token, nil
	}

	assertion, err := p.signAssertion(now)
	if err != nil {
		return "", "", fabricerr.Wrap(fabricerr.KindAuth, err, "sign client assertion")
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:saml2-bearer")
	form.Set("client_id", p.ClientID)
	form.Set("company_id", p.CompanyID)
	form.Set("assertion", assertion)

	tok, err := fetchToken(ctx, httpClient(p.HTTPClient), p.TokenURL, form)
	if err != nil {
		return "", "", err
	}
	p.cache.put(tok.AccessToken, tok.ExpiresIn, now)
	return "Authorization", "Bearer " + tok.AccessToken, nil
}

func (p *AssertionBearer) signAssertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": p.ClientID,
		"sub": p.Subject,
		"aud": p.Audience,
		"exp": now.Add(10 * time.Minute).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(p.PrivateKey)
}

// fetchToken posts the grant form and decodes the token response. Failures
// surface as authentication errors; no retry happens at this layer.
func fetchToken(ctx context.Context, client *http.Client, tokenURL string, form url.Values) (*tokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, tokenFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindAuth, err, "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindAuth, err, "token endpoint unreachable").
			WithDetail("url", tokenURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindAuth, err, "read token response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fabricerr.Newf(fabricerr.KindAuth, "token request rejected: %s", strings.TrimSpace(string(body))).
			WithDetail("url", tokenURL).
			WithDetail("status", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindAuth, err, "decode token response")
	}
	if tok.AccessToken == "" {
		return nil, fabricerr.New(fabricerr.KindAuth, "token response missing access_token")
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = 300
	}
	return &tok, nil
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: tokenFetchTimeout}
}

func timeNow(f func() time.Time) time.Time {
	if f != nil {
		return f()
	}
	return time.Now()
}
