// Package transport implements the resilient HTTP core shared by every
// OData-speaking client: retry with exponential backoff, per-attempt
// timeouts, circuit breaking, CSRF token lifecycle, session cookie
// affinity and optional client-side rate limiting.
//
// A Client owns its CSRF, cookie and breaker state; instances are never
// shared between logical connections.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-fabric/internal/auth"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultRetries   = 3
	backoffCap       = 10 * time.Second
	backoffJitterMax = 500 * time.Millisecond

	csrfFetchTimeout = 10 * time.Second
	csrfSuccessTTL   = 25 * time.Minute
	csrfFailureTTL   = 5 * time.Minute
)

// Config carries the per-client transport options: base URL, auth
// provider, timeout, retries, circuit breaker knobs.
type Config struct {
	BaseURL string
	Auth    auth.Provider

	Timeout time.Duration // per attempt, default 30s
	Retries int           // additional attempts after the first, default 3

	BreakerThreshold int           // default 5
	BreakerReset     time.Duration // default 60s

	RateLimit float64 // requests per second, 0 disables
	RateBurst int

	// CSRF enables the HEAD handshake for write methods (v2 dialect).
	CSRF bool
	// CSRFPath overrides the handshake path; default is the service root.
	CSRFPath string

	// Transport allows injecting a custom RoundTripper (tests, stubs).
	Transport http.RoundTripper

	Logger zerolog.Logger
}

type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals the response body into target.
func (r *Response) JSON(target any) error {
	if err := json.Unmarshal(r.Body, target); err != nil {
		return fabricerr.Wrap(fabricerr.KindProtocol, err, "decode response body")
	}
	return nil
}

type csrfState struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *Breaker
	limiter    *rate.Limiter
	csrf       csrfState
	logger     zerolog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fabricerr.New(fabricerr.KindConfiguration, "transport: baseUrl is required")
	}
	if cfg.Auth == nil {
		cfg.Auth = auth.None{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = defaultRetries
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindConfiguration, err, "transport: cookie jar")
	}

	rt := cfg.Transport
	if contributor, ok := cfg.Auth.(auth.TransportContributor); ok && rt == nil {
		if tlsCfg := contributor.TransportMaterials(); tlsCfg != nil {
			rt = &http.Transport{TLSClientConfig: tlsCfg.Clone()}
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Jar:       jar,
			Transport: rt,
		},
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		limiter: limiter,
		logger:  cfg.Logger.With().Str("component", "transport").Logger(),
	}, nil
}

// Breaker exposes the client's circuit breaker for observation.
func (c *Client) Breaker() *Breaker { return c.breaker }

func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, query, nil, nil)
}

func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, nil, jsonHeaders(), payload)
}

func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPatch, path, nil, jsonHeaders(), payload)
}

func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Raw executes an arbitrary request; batch and $metadata calls use it.
func (c *Client) Raw(ctx context.Context, method, path string, query url.Values, headers map[string]string, body []byte) (*Response, error) {
	return c.do(ctx, method, path, query, headers, body)
}

func marshalBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocol, err, "marshal request body")
	}
	return payload, nil
}

func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json", "Accept": "application/json"}
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, "MERGE":
		return true
	}
	return false
}

// do drives the retry loop. The circuit breaker wraps each single attempt,
// not the loop. A 403 carrying the CSRF marker forces exactly one
// re-handshake followed by one extra attempt; it does not consume a retry.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, headers map[string]string, body []byte) (*Response, error) {
	u, err := c.resolveURL(path, query)
	if err != nil {
		return nil, err
	}

	rehandshaked := false
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fabricerr.Wrap(fabricerr.KindCancelled, err, "rate limiter wait")
			}
		}

		resp, err := c.attempt(ctx, method, u, headers, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if isCSRFRejection(err) && isWriteMethod(method) && !rehandshaked {
			c.logger.Debug().Str("url", u).Msg("csrf token rejected, forcing re-handshake")
			c.invalidateCSRF()
			rehandshaked = true
			attempt--
			continue
		}

		if !fabricerr.Retryable(err) {
			return nil, err
		}
		if attempt == c.cfg.Retries {
			break
		}

		delay := backoffDelay(attempt, retryAfterOf(err))
		c.logger.Debug().
			Str("method", method).
			Str("url", u).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Err(err).
			Msg("retrying request")

		select {
		case <-ctx.Done():
			return nil, fabricerr.Wrap(fabricerr.KindCancelled, ctx.Err(), "cancelled during backoff")
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// attempt executes one request under the circuit breaker and classifies the
// outcome into the error taxonomy.
func (c *Client) attempt(ctx context.Context, method, u string, headers map[string]string, body []byte) (*Response, error) {
	if !c.breaker.Allow() {
		return nil, fabricerr.New(fabricerr.KindConnection, "connection refused: circuit breaker open").
			WithDetail("url", u).
			WithDetail("method", method)
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, method, u, reader)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindConfiguration, err, "build request").WithDetail("url", u)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	key, value, err := c.cfg.Auth.Header(actx)
	if err != nil {
		return nil, err // already an auth-kind error; never retried
	}
	if key != "" {
		req.Header.Set(key, value)
	}

	if c.cfg.CSRF && isWriteMethod(method) {
		token, err := c.csrfToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-CSRF-Token", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.Failure()
		if ctx.Err() != nil {
			return nil, fabricerr.Wrap(fabricerr.KindCancelled, ctx.Err(), "request cancelled").WithDetail("url", u)
		}
		return nil, fabricerr.Wrap(fabricerr.KindConnection, err, "request failed").
			WithDetail("url", u).
			WithDetail("method", method)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.Failure()
		return nil, fabricerr.Wrap(fabricerr.KindConnection, err, "read response body").WithDetail("url", u)
	}

	out := &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: payload}

	switch {
	case resp.StatusCode < 300:
		c.breaker.Success()
		return out, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fabricerr.New(fabricerr.KindAuth, "authentication rejected").
			WithDetail("url", u).
			WithDetail("method", method).
			WithDetail("status", resp.StatusCode)
	case resp.StatusCode == http.StatusForbidden && hasCSRFMarker(resp.Header, payload):
		return nil, fabricerr.New(fabricerr.KindProtocol, "csrf token rejected").
			WithDetail("url", u).
			WithDetail("method", method).
			WithDetail("status", resp.StatusCode).
			WithDetail("csrf", true)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fabricerr.New(fabricerr.KindRateLimited, "rate limited by server").
			WithDetail("url", u).
			WithDetail("method", method).
			WithDetail("status", resp.StatusCode).
			WithDetail("retryAfter", resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		c.breaker.Failure()
		return nil, fabricerr.Newf(fabricerr.KindServer, "server error %d", resp.StatusCode).
			WithDetail("url", u).
			WithDetail("method", method).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", truncate(string(payload), 512))
	default:
		return nil, fabricerr.Newf(fabricerr.KindRequest, "request rejected with %d", resp.StatusCode).
			WithDetail("url", u).
			WithDetail("method", method).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", truncate(string(payload), 512))
	}
}

func (c *Client) resolveURL(path string, query url.Values) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return appendQuery(path, query), nil
	}
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	full := base
	if path != "" {
		full = base + "/" + strings.TrimPrefix(path, "/")
	}
	return appendQuery(full, query), nil
}

func appendQuery(u string, query url.Values) string {
	if len(query) == 0 {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + query.Encode()
}

// backoffDelay computes min(1000*2^attempt, 10000)ms plus uniform jitter in
// [0,500)ms. A server-provided Retry-After wins when present, capped at the
// same ceiling.
func backoffDelay(attempt int, retryAfter time.Duration) time.Duration {
	base := backoffBase(attempt)
	if retryAfter > 0 {
		base = retryAfter
		if base > backoffCap {
			base = backoffCap
		}
	}
	return base + time.Duration(rand.Int63n(int64(backoffJitterMax)))
}

func backoffBase(attempt int) time.Duration {
	base := time.Second << uint(attempt)
	if base > backoffCap || base <= 0 {
		base = backoffCap
	}
	return base
}

// retryAfterOf extracts a parseable Retry-After (seconds) from a
// rate-limited error.
func retryAfterOf(err error) time.Duration {
	var fe *fabricerr.Error
	if !errors.As(err, &fe) || fe.Kind != fabricerr.KindRateLimited {
		return 0
	}
	raw, _ := fe.Detail("retryAfter").(string)
	if raw == "" {
		return 0
	}
	secs, convErr := strconv.Atoi(raw)
	if convErr != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func isCSRFRejection(err error) bool {
	var fe *fabricerr.Error
	if !errors.As(err, &fe) {
		return false
	}
	flag, _ := fe.Detail("csrf").(bool)
	return fe.Kind == fabricerr.KindProtocol && flag
}

func hasCSRFMarker(headers http.Header, body []byte) bool {
	if strings.EqualFold(headers.Get("x-csrf-token"), "required") {
		return true
	}
	return strings.Contains(strings.ToLower(string(body)), "csrf")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
