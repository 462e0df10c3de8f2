package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/stanstork/stratum-fabric/internal/fabricerr"
)

// csrfToken returns a token for write requests, running the HEAD handshake
// when the cached token is absent or expired. A successful fetch is cached
// for 25 minutes; a failed fetch caches the "fallback" sentinel for 5
// minutes so a flapping endpoint is not hammered with handshakes.
func (c *Client) csrfToken(ctx context.Context) (string, error) {
	c.csrf.mu.Lock()
	defer c.csrf.mu.Unlock()

	if c.csrf.token != "" && time.Now().Before(c.csrf.expiresAt) {
		return c.csrf.token, nil
	}

	token, err := c.fetchCSRF(ctx)
	if err != nil {
		c.csrf.token = "fallback"
		c.csrf.expiresAt = time.Now().Add(csrfFailureTTL)
		c.logger.Warn().Err(err).Msg("csrf handshake failed, using fallback token")
		return c.csrf.token, nil
	}

	c.csrf.token = token
	c.csrf.expiresAt = time.Now().Add(csrfSuccessTTL)
	return token, nil
}

// fetchCSRF performs the HEAD handshake. Session cookies set by the
// response land in the client's jar and are replayed on the write that
// follows.
func (c *Client) fetchCSRF(ctx context.Context) (string, error) {
	path := c.cfg.CSRFPath
	u, err := c.resolveURL(path, nil)
	if err != nil {
		return "", err
	}

	hctx, cancel := context.WithTimeout(ctx, csrfFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodHead, u, nil)
	if err != nil {
		return "", fabricerr.Wrap(fabricerr.KindConfiguration, err, "build csrf handshake request")
	}
	req.Header.Set("X-CSRF-Token", "Fetch")

	key, value, err := c.cfg.Auth.Header(hctx)
	if err != nil {
		return "", err
	}
	if key != "" {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fabricerr.Wrap(fabricerr.KindConnection, err, "csrf handshake failed").WithDetail("url", u)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", fabricerr.New(fabricerr.KindAuth, "csrf handshake rejected").WithDetail("url", u)
	}

	token := resp.Header.Get("x-csrf-token")
	if token == "" {
		// Endpoint does not advertise CSRF protection.
		token = "unused"
	}
	return token, nil
}

func (c *Client) invalidateCSRF() {
	c.csrf.mu.Lock()
	defer c.csrf.mu.Unlock()
	c.csrf.token = ""
	c.csrf.expiresAt = time.Time{}
}
