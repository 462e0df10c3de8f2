// Package odata adapts the transport core to the two supported protocol
// dialects: v2 (d/results envelopes, __next links, CSRF-gated writes) and
// v4 (value envelopes, @odata.nextLink, JSON batches).
package odata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
	"github.com/stanstork/stratum-fabric/internal/transport"
)

type Dialect string

const (
	DialectV2 Dialect = "v2"
	DialectV4 Dialect = "v4"
)

// ParseDialect normalizes a configured dialect string.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "v2", "2", "2.0":
		return DialectV2, nil
	case "v4", "4", "4.0":
		return DialectV4, nil
	}
	return "", fabricerr.Newf(fabricerr.KindConfiguration, "unknown odata dialect %q", s)
}

// Record is a single entity payload.
type Record = map[string]any

// Client speaks one dialect over one transport client.
type Client struct {
	t       *transport.Client
	dialect Dialect
	baseURL string
	logger  zerolog.Logger

	// MaxRecords caps pagination; 0 means unbounded.
	MaxRecords int
}

func NewClient(t *transport.Client, dialect Dialect, baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		t:       t,
		dialect: dialect,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With().Str("component", "odata").Str("dialect", string(dialect)).Logger(),
	}
}

func (c *Client) Dialect() Dialect { return c.dialect }

// Transport exposes the underlying transport client (batch and metadata
// calls go through Raw).
func (c *Client) Transport() *transport.Client { return c.t }

// Get fetches a single page and unwraps the result envelope.
func (c *Client) Get(ctx context.Context, entitySet string, query url.Values) ([]Record, error) {
	resp, err := c.t.Get(ctx, entitySet, c.prepareQuery(query))
	if err != nil {
		return nil, err
	}
	records, _, err := extractResults(resp.Body)
	return records, err
}

// GetAll follows next-links until exhaustion (or the max-record cap) and
// returns the concatenation of all pages.
func (c *Client) GetAll(ctx context.Context, entitySet string, query url.Values) ([]Record, error) {
	var out []Record

	resp, err := c.t.Get(ctx, entitySet, c.prepareQuery(query))
	if err != nil {
		return nil, err
	}

	for {
		records, next, err := extractResults(resp.Body)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)

		if c.MaxRecords > 0 && len(out) >= c.MaxRecords {
			c.logger.Debug().Int("cap", c.MaxRecords).Msg("pagination stopped at max-record cap")
			return out[:c.MaxRecords], nil
		}
		if next == "" {
			return out, nil
		}

		resp, err = c.t.Get(ctx, c.resolveNextLink(next), nil)
		if err != nil {
			return nil, err
		}
	}
}

// Create POSTs a new entity and unwraps the created payload when present.
func (c *Client) Create(ctx context.Context, entitySet string, record Record) (Record, error) {
	resp, err := c.t.Post(ctx, entitySet, record)
	if err != nil {
		return nil, err
	}
	if len(resp.Body) == 0 {
		return nil, nil
	}
	records, _, err := extractResults(resp.Body)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

// Update PATCHes an entity addressed by key literal.
func (c *Client) Update(ctx context.Context, entitySet, key string, record Record) error {
	path := fmt.Sprintf("%s(%s)", entitySet, key)
	_, err := c.t.Patch(ctx, path, record)
	return err
}

// Delete removes an entity addressed by key literal.
func (c *Client) Delete(ctx context.Context, entitySet, key string) error {
	path := fmt.Sprintf("%s(%s)", entitySet, key)
	_, err := c.t.Delete(ctx, path)
	return err
}

// Metadata fetches the raw $metadata document.
func (c *Client) Metadata(ctx context.Context) ([]byte, error) {
	resp, err := c.t.Raw(ctx, "GET", "$metadata", nil, map[string]string{"Accept": "application/xml"}, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// prepareQuery applies dialect query conventions; v4 forces $format=json.
func (c *Client) prepareQuery(query url.Values) url.Values {
	if c.dialect != DialectV4 {
		return query
	}
	out := url.Values{}
	for k, vs := range query {
		out[k] = vs
	}
	if out.Get("$format") == "" {
		out.Set("$format", "json")
	}
	return out
}

// resolveNextLink handles relative next-links by resolving them against
// the configured base URL.
func (c *Client) resolveNextLink(next string) string {
	if strings.HasPrefix(next, "http://") || strings.HasPrefix(next, "https://") {
		return next
	}
	base, err := url.Parse(c.baseURL)
	if err != nil || base.Host == "" {
		return next
	}
	if strings.HasPrefix(next, "/") {
		return base.Scheme + "://" + base.Host + next
	}
	return c.baseURL + "/" + next
}

// DateLiteral renders a date for use inside $filter expressions.
func (c *Client) DateLiteral(t time.Time) string {
	if c.dialect == DialectV2 {
		return "'" + t.Format("2006-01-02") + "'"
	}
	return t.Format("2006-01-02")
}

// extractResults unwraps a result envelope and reports the next-link, if
// any. Extraction order is contractual: a v4 value array, then a v2
// d.results array, then a single d object, then the whole body as one
// element.
func extractResults(body []byte) ([]Record, string, error) {
	if len(body) == 0 {
		return nil, "", nil
	}

	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", fabricerr.Wrap(fabricerr.KindProtocol, err, "decode result envelope")
	}

	if value, ok := envelope["value"].([]any); ok {
		next, _ := envelope["@odata.nextLink"].(string)
		return toRecords(value), next, nil
	}

	if d, ok := envelope["d"].(map[string]any); ok {
		if results, ok := d["results"].([]any); ok {
			next, _ := d["__next"].(string)
			return toRecords(results), next, nil
		}
		return []Record{d}, "", nil
	}

	return []Record{envelope}, "", nil
}

func toRecords(items []any) []Record {
	records := make([]Record, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			records = append(records, m)
		}
	}
	return records
}
